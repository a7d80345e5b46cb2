package local

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/schema"
)

// ReadLeadsCSV reads leads from a CSV file with a required "company" column.
//
// "id" and "website" columns are optional. Every other column is kept in
// Lead.Extra keyed by its header. Rows without an id get their 1-based row
// number.
func ReadLeadsCSV(r io.Reader) ([]lead.Lead, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	companyIdx, idIdx, websiteIdx := -1, -1, -1
	names := make([]string, len(header))
	for i, col := range header {
		name := strings.TrimSpace(col)
		names[i] = name
		switch strings.ToLower(name) {
		case "company", "company_name":
			if companyIdx < 0 {
				companyIdx = i
			}
		case "id", "lead_id":
			if idIdx < 0 {
				idIdx = i
			}
		case "website", "url":
			if websiteIdx < 0 {
				websiteIdx = i
			}
		}
	}
	if companyIdx < 0 {
		return nil, fmt.Errorf("missing required column %q", "company")
	}

	var leads []lead.Lead
	for row := 1; ; row++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if companyIdx >= len(rec) {
			return nil, fmt.Errorf("row %d has %d columns, want at least %d", row, len(rec), companyIdx+1)
		}
		l := lead.Lead{Company: strings.TrimSpace(rec[companyIdx])}
		for i, v := range rec {
			switch i {
			case companyIdx:
			case idIdx:
				l.ID = strings.TrimSpace(v)
			case websiteIdx:
				l.Website = strings.TrimSpace(v)
			default:
				if i >= len(names) || names[i] == "" {
					continue
				}
				if l.Extra == nil {
					l.Extra = make(map[string]string)
				}
				l.Extra[names[i]] = v
			}
		}
		if l.ID == "" {
			l.ID = strconv.Itoa(row)
		}
		leads = append(leads, l)
	}
	return leads, nil
}

// ReadLeadsJSONL reads one JSON-encoded Lead per line. Blank lines are skipped.
func ReadLeadsJSONL(r io.Reader) ([]lead.Lead, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var leads []lead.Lead
	line := 0
	for sc.Scan() {
		line++
		b := strings.TrimSpace(sc.Text())
		if b == "" {
			continue
		}
		var l lead.Lead
		if err := json.Unmarshal([]byte(b), &l); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		l.Company = strings.TrimSpace(l.Company)
		l.Website = strings.TrimSpace(l.Website)
		if l.ID == "" {
			l.ID = strconv.Itoa(line)
		}
		leads = append(leads, l)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read lines: %w", err)
	}
	return leads, nil
}

// LeadFile is an InputAdapter over a local CSV or JSONL file.
type LeadFile struct {
	Path   string
	Format schema.Format
}

func (f LeadFile) Load(ctx context.Context) ([]lead.Lead, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = fh.Close()
	}()

	switch schema.FormatFromPath(f.Path, f.Format) {
	case schema.FormatJSONL:
		return ReadLeadsJSONL(fh)
	default:
		return ReadLeadsCSV(fh)
	}
}
