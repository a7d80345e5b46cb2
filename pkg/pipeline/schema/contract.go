package schema

import (
	"path/filepath"
	"strings"
)

// Format is the on-disk encoding of batch input or output.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
)

// Field captures the minimal behavior-relevant schema fields.
type Field struct {
	Name     string
	Type     string
	Nullable bool
}

// DatasetContract is the logical schema contract of a batch output.
type DatasetContract struct {
	Format Format
	Fields []Field
}

// Names returns the field names in contract order.
func (c DatasetContract) Names() []string {
	out := make([]string, 0, len(c.Fields))
	for _, f := range c.Fields {
		out = append(out, f.Name)
	}
	return out
}

// NormalizeFormat maps user input onto a Format. Anything unrecognized is CSV.
func NormalizeFormat(raw string) Format {
	s := strings.TrimSpace(strings.ToLower(raw))
	switch s {
	case "jsonl", "ndjson", "json-lines", "jsonlines":
		return FormatJSONL
	default:
		return FormatCSV
	}
}

// FormatFromPath infers a Format from a file extension, falling back to fallback.
func FormatFromPath(path string, fallback Format) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return FormatJSONL
	case ".csv":
		return FormatCSV
	default:
		return fallback
	}
}
