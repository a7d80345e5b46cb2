// Package reasoning turns a step's prompt record into a call on a generative
// reasoning collaborator and strictly decodes the answer.
package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
)

// StepConfig is the prompt record of one step.
type StepConfig struct {
	Name      string `yaml:"name"`
	Role      string `yaml:"role"`
	Goal      string `yaml:"goal"`
	Backstory string `yaml:"backstory"`
	Task      string `yaml:"task"`
	Expected  string `yaml:"expected"`
}

// Vars are the values substituted into prompt templates.
type Vars struct {
	Company string
	Website string
}

// Render substitutes {company} and {website} in tmpl.
func Render(tmpl string, v Vars) string {
	return strings.NewReplacer(
		"{company}", v.Company,
		"{website}", v.Website,
	).Replace(tmpl)
}

// Prompt renders the full prompt for the step.
func (c StepConfig) Prompt(v Vars) string {
	var b strings.Builder
	section := func(title, body string) {
		body = strings.TrimSpace(Render(body, v))
		if body == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(title)
		b.WriteString(":\n")
		b.WriteString(body)
	}
	section("Role", c.Role)
	section("Goal", c.Goal)
	section("Background", c.Backstory)
	section("Task", c.Task)
	section("Expected output", c.Expected)
	return b.String()
}

// Invoke sends the step's prompt and supporting context to r and decodes the
// answer with decode. Decode failures are returned as-is so schema violations
// keep their type; collaborator failures are wrapped with the step name.
func Invoke[T any](
	ctx context.Context,
	r core.Reasoner,
	step StepConfig,
	v Vars,
	supporting any,
	schema *core.Schema,
	decode func([]byte) (T, error),
) (T, error) {
	var zero T

	var raw json.RawMessage
	if supporting != nil {
		b, err := json.Marshal(supporting)
		if err != nil {
			return zero, fmt.Errorf("%s: encode context: %w", step.Name, err)
		}
		raw = b
	}

	answer, err := r.Reason(ctx, core.ReasonRequest{
		Step:    step.Name,
		Prompt:  step.Prompt(v),
		Context: raw,
		Schema:  schema,
	})
	if err != nil {
		return zero, fmt.Errorf("%s: reason: %w", step.Name, err)
	}
	return decode([]byte(stripFence(answer)))
}

// stripFence removes a surrounding ```json fence some models add despite
// being asked for bare JSON.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
