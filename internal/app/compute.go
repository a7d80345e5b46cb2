package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/pipeline"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
)

// ErrBadQuery is returned when a job query does not hold a lead.
var ErrBadQuery = errors.New("job query is not a lead")

// HandleJob qualifies the lead carried by one compute-module job and returns
// the qualification as JSON. The query is a lead object, or a JSON string
// holding one. jobID becomes the lead ID when the lead has none.
func HandleJob(ctx context.Context, q pipeline.Qualifier, jobID string, query json.RawMessage) ([]byte, error) {
	l, err := decodeQuery(query)
	if err != nil {
		return nil, err
	}
	if l.ID == "" {
		l.ID = strings.TrimSpace(jobID)
	}

	out, err := q.Qualify(ctx, l)
	if err != nil {
		return nil, eris.Wrapf(err, "job %s", jobID)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, eris.Wrap(err, "encode qualification")
	}
	return b, nil
}

func decodeQuery(query json.RawMessage) (lead.Lead, error) {
	raw := []byte(strings.TrimSpace(string(query)))
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return lead.Lead{}, fmt.Errorf("%w: %v", ErrBadQuery, err)
		}
		raw = []byte(inner)
	}

	var l lead.Lead
	if err := json.Unmarshal(raw, &l); err != nil {
		return lead.Lead{}, fmt.Errorf("%w: %v", ErrBadQuery, err)
	}
	l.ID = strings.TrimSpace(l.ID)
	l.Company = strings.TrimSpace(l.Company)
	l.Website = strings.TrimSpace(l.Website)
	if l.Company == "" {
		return lead.Lead{}, fmt.Errorf("%w: company is required", ErrBadQuery)
	}
	return l, nil
}
