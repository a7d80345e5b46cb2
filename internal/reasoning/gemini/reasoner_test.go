package gemini

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/reasoning"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
)

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

func TestClassifyErr(t *testing.T) {
	tests := []struct {
		name          string
		in            error
		wantTransient bool
	}{
		{name: "nil", in: nil, wantTransient: false},
		{name: "api_429", in: genai.APIError{Code: 429}, wantTransient: true},
		{name: "api_500", in: genai.APIError{Code: 500}, wantTransient: true},
		{name: "api_401", in: genai.APIError{Code: 401}, wantTransient: false},
		{name: "net_timeout", in: timeoutNetErr{}, wantTransient: true},
		{name: "flattened_api_429", in: errors.New(genai.APIError{Code: 429}.Error()), wantTransient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyErr(tt.in)
			var te *core.TransientError
			isTransient := errors.As(got, &te)
			if isTransient != tt.wantTransient {
				t.Fatalf("transient=%v want=%v (err=%T %v)", isTransient, tt.wantTransient, got, got)
			}
		})
	}
}

func TestToGenaiSchema(t *testing.T) {
	got := toGenaiSchema(reasoning.DetectionSchema(lead.PolarityPositive))
	if got.Type != genai.TypeObject {
		t.Fatalf("root type=%v", got.Type)
	}
	list := got.Properties["detected_signals"]
	if list == nil || list.Type != genai.TypeArray || list.Items == nil {
		t.Fatalf("unexpected detected_signals schema: %#v", list)
	}
	st := list.Items.Properties["signal_type"]
	if st.Format != "enum" || len(st.Enum) != 6 {
		t.Fatalf("unexpected signal_type schema: %#v", st)
	}
	want := []string{"signal_type", "description", "details", "source", "source_url"}
	if strings.Join(list.Items.PropertyOrdering, ",") != strings.Join(want, ",") {
		t.Fatalf("property ordering=%v want=%v", list.Items.PropertyOrdering, want)
	}

	v := toGenaiSchema(reasoning.ValidationSchema())
	if min := v.Properties["ai_confidence"].Minimum; min == nil || *min != lead.ConfidenceFloor {
		t.Fatalf("ai_confidence minimum not carried over: %v", min)
	}
	if toGenaiSchema(nil) != nil {
		t.Fatalf("nil schema should stay nil")
	}
}

func TestBuildPrompt(t *testing.T) {
	p := buildPrompt(core.ReasonRequest{
		Prompt:  "  Find signals for Acme.  ",
		Context: json.RawMessage(`[{"title":"Acme raises"}]`),
	})
	if !strings.HasPrefix(p, "Find signals for Acme.") {
		t.Fatalf("unexpected prompt start: %q", p)
	}
	if !strings.Contains(p, `[{"title":"Acme raises"}]`) {
		t.Fatalf("context missing from prompt: %q", p)
	}
}
