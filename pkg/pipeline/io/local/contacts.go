package local

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
)

// ReadContactsCSV reads a network export with a required email column
// ("email", "email address" or "e-mail address"). The name comes from a
// "name" column, or from "first name" and "last name". Rows without an
// address are skipped.
func ReadContactsCSV(r io.Reader) ([]lead.Contact, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	emailIdx, nameIdx, firstIdx, lastIdx := -1, -1, -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "email", "email address", "e-mail address":
			if emailIdx < 0 {
				emailIdx = i
			}
		case "name", "full name":
			nameIdx = i
		case "first name", "first_name":
			firstIdx = i
		case "last name", "last_name":
			lastIdx = i
		}
	}
	if emailIdx < 0 {
		return nil, fmt.Errorf("missing required column %q", "email")
	}

	field := func(rec []string, i int) string {
		if i < 0 || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	var contacts []lead.Contact
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		c := lead.Contact{Email: field(rec, emailIdx), Name: field(rec, nameIdx)}
		if c.Email == "" {
			continue
		}
		if c.Name == "" {
			c.Name = strings.TrimSpace(field(rec, firstIdx) + " " + field(rec, lastIdx))
		}
		contacts = append(contacts, c)
	}
	return contacts, nil
}

// ContactFile is an InputAdapter over a local contacts CSV.
type ContactFile struct {
	Path string
}

func (f ContactFile) Load(ctx context.Context) ([]lead.Contact, error) {
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
	return ReadContactsCSV(fh)
}
