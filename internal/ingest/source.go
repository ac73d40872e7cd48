package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/anstrom/postalscan/internal/errors"
)

// Source resolves an input reference into raw records.
type Source interface {
	Load(ctx context.Context, ref string) ([]RawRecord, error)
}

// ReadCSV reads records from CSV with a header row naming the network and
// postal_code columns. Other columns are ignored. A UTF-8 or UTF-16 byte
// order mark is honored.
func ReadCSV(r io.Reader) ([]RawRecord, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))

	reader := csv.NewReader(decoded)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapValidationError("failed to read CSV header", err)
	}

	networkCol, postalCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "network", "cidr":
			networkCol = i
		case "postal_code", "postcode", "zip":
			postalCol = i
		}
	}
	if networkCol < 0 || postalCol < 0 {
		return nil, errors.NewValidationError("header",
			"CSV header must contain network and postal_code columns", strings.Join(header, ","))
	}

	var records []RawRecord
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WrapValidationError("failed to read CSV row", err)
		}
		records = append(records, RawRecord{
			Network:    field(row, networkCol),
			PostalCode: field(row, postalCol),
		})
	}
	return records, nil
}

func field(row []string, i int) string {
	if i < len(row) {
		return strings.TrimSpace(row[i])
	}
	return ""
}

// DirSource loads CSV input files from a base directory. References must be
// relative paths that stay inside the directory.
type DirSource struct {
	Dir string
}

// Load implements Source.
func (s DirSource) Load(ctx context.Context, ref string) ([]RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean := filepath.Clean(ref)
	if !filepath.IsLocal(clean) {
		return nil, errors.NewValidationError("input_reference", "must be a relative path inside the input directory", ref)
	}

	f, err := os.Open(filepath.Join(s.Dir, clean))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.ValidationError{
				Code:    errors.CodeFileNotFound,
				Message: fmt.Sprintf("input file %q not found", ref),
				Field:   "input_reference",
				Value:   ref,
				Cause:   err,
			}
		}
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ReadCSV(f)
}
