// Package gemini is a Reasoner backed by the Gemini API with structured JSON output.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"

	"google.golang.org/genai"

	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
)

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string

	// Temperature is passed through when > 0.
	Temperature float32
}

type Reasoner struct {
	client      *genai.Client
	model       string
	temperature float32
}

func New(ctx context.Context, cfg Config) (*Reasoner, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("GEMINI_MODEL is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Reasoner{
		client:      client,
		model:       strings.TrimSpace(cfg.Model),
		temperature: cfg.Temperature,
	}, nil
}

// Model returns the configured model name.
func (r *Reasoner) Model() string { return r.model }

func (r *Reasoner) Reason(ctx context.Context, req core.ReasonRequest) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", errors.New("gemini: empty prompt")
	}

	gc := &genai.GenerateContentConfig{
		CandidateCount:   1,
		ResponseMIMEType: "application/json",
		ResponseSchema:   toGenaiSchema(req.Schema),
	}
	if r.temperature > 0 {
		gc.Temperature = genai.Ptr(r.temperature)
	}

	resp, err := r.client.Models.GenerateContent(ctx, r.model, genai.Text(buildPrompt(req)), gc)
	if err != nil {
		return "", classifyErr(err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", &core.LimitedTransientError{Err: errors.New("gemini: empty response"), ExtraRetries: 1}
	}
	return text, nil
}

func buildPrompt(req core.ReasonRequest) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Prompt))
	if len(req.Context) > 0 {
		b.WriteString("\n\nSupporting context (JSON):\n")
		b.Write(req.Context)
	}
	b.WriteString("\n\nReturn ONLY a single JSON object. Do not include extra keys.")
	return b.String()
}

func toGenaiSchema(s *core.Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        genaiType(s.Type),
		Description: s.Description,
		Required:    s.Required,
		Enum:        s.Enum,
		Minimum:     s.Minimum,
		Maximum:     s.Maximum,
		Items:       toGenaiSchema(s.Items),
	}
	if len(s.Enum) > 0 {
		out.Format = "enum"
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = toGenaiSchema(v)
		}
		out.PropertyOrdering = orderedKeys(s)
	}
	return out
}

// orderedKeys lists required properties first, in declaration order, then the rest sorted.
func orderedKeys(s *core.Schema) []string {
	seen := make(map[string]bool, len(s.Properties))
	keys := make([]string, 0, len(s.Properties))
	for _, k := range s.Required {
		if _, ok := s.Properties[k]; ok && !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range s.Properties {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)
	return append(keys, rest...)
}

func genaiType(t core.SchemaType) genai.Type {
	switch t {
	case core.SchemaObject:
		return genai.TypeObject
	case core.SchemaArray:
		return genai.TypeArray
	case core.SchemaNumber:
		return genai.TypeNumber
	case core.SchemaBoolean:
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

func classifyErr(err error) error {
	// Wrap transient failures so the worker pool will retry with backoff.
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return &core.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &core.TransientError{Err: err}
	}
	return err
}
