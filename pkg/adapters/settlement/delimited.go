package settlement

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
)

type delimitedRecord struct {
	line   int
	fields []string
}

// delimitedAdapter reads CSV and other single-character-delimited files.
// Header and footer records are recognised by record type (first column)
// when the schema declares one; otherwise a footer section means the last
// record is the trailer and a header section means the first record is.
type delimitedAdapter struct{}

func (delimitedAdapter) Class() string { return ClassDelimited }

func (delimitedAdapter) Extract(content []byte, schema *CompiledSchema) (*RawFile, error) {
	records, err := readDelimited(content, schema)
	if err != nil {
		return nil, err
	}
	return extractDelimited(records, schema)
}

func readDelimited(content []byte, schema *CompiledSchema) ([]delimitedRecord, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.Comma = schema.Delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var out []delimitedRecord
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			line := 0
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				line = pe.StartLine
			}
			return nil, apperrors.NewFormatError(schema.SupplierCode, line, "malformed delimited content", err)
		}
		line, _ := r.FieldPos(0)
		if len(fields) == 1 && strings.TrimSpace(fields[0]) == "" {
			continue
		}
		out = append(out, delimitedRecord{line: line, fields: fields})
	}
	return out, nil
}

func extractDelimited(records []delimitedRecord, schema *CompiledSchema) (*RawFile, error) {
	out := &RawFile{}
	recordTyped := schema.Header.RecordType != "" || schema.Body.RecordType != "" || schema.Footer.RecordType != ""

	if schema.Header.HasFields() && schema.Header.RecordType == "" && len(records) > 0 {
		out.Header = sectionValues(&schema.Header, records[0].fields)
		records = records[1:]
	}
	if schema.Footer.HasFields() && schema.Footer.RecordType == "" && len(records) > 0 {
		last := records[len(records)-1]
		out.Footer = sectionValues(&schema.Footer, last.fields)
		out.FooterLine = last.line
		records = records[:len(records)-1]
	}

	expected := -1
	if schema.HasHeader {
		if len(records) == 0 {
			return nil, apperrors.NewFormatError(schema.SupplierCode, 0, "missing header row", nil)
		}
		labels := records[0]
		records = records[1:]
		if err := schema.BindHeader(labels.fields); err != nil {
			return nil, apperrors.NewFormatError(schema.SupplierCode, labels.line, err.Error(), nil)
		}
		expected = len(labels.fields)
	}

	need := schema.MaxBodyColumn() + 1
	if expected >= 0 && expected < need {
		return nil, apperrors.NewFormatError(schema.SupplierCode, 1,
			fmt.Sprintf("wrong delimiter count: header has %d columns, schema needs %d", expected, need), nil)
	}

	firstBody := true
	for _, rec := range records {
		if recordTyped {
			kind := strings.TrimSpace(rec.fields[0])
			switch {
			case schema.Header.RecordType != "" && kind == schema.Header.RecordType:
				if out.Header != nil {
					return nil, apperrors.NewFormatError(schema.SupplierCode, rec.line, "multiple header records", nil)
				}
				out.Header = sectionValues(&schema.Header, rec.fields)
				continue
			case schema.Footer.RecordType != "" && kind == schema.Footer.RecordType:
				if out.Footer != nil {
					return nil, apperrors.NewFormatError(schema.SupplierCode, rec.line, "multiple trailer records", nil)
				}
				out.Footer = sectionValues(&schema.Footer, rec.fields)
				out.FooterLine = rec.line
				continue
			case schema.Body.RecordType != "" && kind != schema.Body.RecordType:
				out.Body = append(out.Body, RawRecord{Line: rec.line, Problem: fmt.Sprintf("unknown record type %q", kind)})
				continue
			}
			if out.Footer != nil {
				return nil, apperrors.NewFormatError(schema.SupplierCode, rec.line, "body record after trailer", nil)
			}
		}

		if firstBody {
			firstBody = false
			if len(rec.fields) < need && len(rec.fields) == 1 {
				return nil, apperrors.NewFormatError(schema.SupplierCode, rec.line,
					fmt.Sprintf("wrong delimiter count: record has 1 column, schema needs %d", need), nil)
			}
			if expected < 0 {
				expected = len(rec.fields)
			}
		}

		raw := RawRecord{Line: rec.line}
		switch {
		case len(rec.fields) != expected:
			raw.Problem = fmt.Sprintf("expected %d columns, got %d", expected, len(rec.fields))
		default:
			raw.Values = sectionValues(&schema.Body, rec.fields)
		}
		out.Body = append(out.Body, raw)
	}

	return out, nil
}

// sectionValues picks the section's columns out of one record. Empty cells are omitted.
func sectionValues(section *CompiledSection, fields []string) map[string]string {
	values := make(map[string]string, len(section.Fields))
	for _, f := range section.Fields {
		if f.Column < 0 || f.Column >= len(fields) {
			continue
		}
		if v := strings.TrimSpace(fields[f.Column]); v != "" {
			values[f.Name] = v
		}
	}
	return values
}
