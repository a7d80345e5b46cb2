package pipeline

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/schema"
)

// Write encodes rows in format.
func Write(w io.Writer, format schema.Format, rows []Row) error {
	switch format {
	case schema.FormatJSONL:
		return WriteJSONL(w, rows)
	case schema.FormatCSV, "":
		return WriteCSV(w, rows)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// WriteCSV writes rows as a CSV with the stable Header() ordering. JSON-valued
// columns hold compact JSON.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header()); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.csvRecord()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSONL writes one JSON object per row. Failed rows carry nulls for the
// qualification fields.
func WriteJSONL(w io.Writer, rows []Row) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, r := range rows {
		if err := enc.Encode(r.Record()); err != nil {
			return err
		}
	}
	return nil
}

// FileOutput writes rows to a local file, replacing it.
type FileOutput struct {
	Path string
	// Format applies when the extension of Path does not name one.
	Format schema.Format
}

func (f FileOutput) Store(ctx context.Context, rows []Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fh, err := os.Create(f.Path)
	if err != nil {
		return err
	}
	defer func() {
		_ = fh.Close()
	}()
	if err := Write(fh, schema.FormatFromPath(f.Path, f.Format), rows); err != nil {
		return fmt.Errorf("write %s: %w", f.Path, err)
	}
	return fh.Close()
}
