package settlement

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
)

// fixedWidthAdapter reads files where each field sits at a fixed rune offset.
// Record types, when declared, are line prefixes.
type fixedWidthAdapter struct{}

func (fixedWidthAdapter) Class() string { return ClassFixedWidth }

func (fixedWidthAdapter) Extract(content []byte, schema *CompiledSchema) (*RawFile, error) {
	type line struct {
		number int
		runes  []rune
		text   string
	}

	var lines []line
	for i, text := range splitLines(content) {
		if strings.TrimSpace(text) == "" {
			continue
		}
		lines = append(lines, line{number: i + 1, runes: []rune(text), text: text})
	}

	out := &RawFile{}
	if schema.Header.HasFields() && schema.Header.RecordType == "" && len(lines) > 0 {
		out.Header = positionalValues(&schema.Header, lines[0].runes)
		lines = lines[1:]
	}
	if schema.Footer.HasFields() && schema.Footer.RecordType == "" && len(lines) > 0 {
		last := lines[len(lines)-1]
		out.Footer = positionalValues(&schema.Footer, last.runes)
		out.FooterLine = last.number
		lines = lines[:len(lines)-1]
	}
	if schema.HasHeader && len(lines) > 0 {
		lines = lines[1:]
	}

	minWidth := 0
	for _, f := range schema.Body.Fields {
		if f.Required && f.Start+1 > minWidth {
			minWidth = f.Start + 1
		}
	}

	for _, l := range lines {
		switch {
		case schema.Header.RecordType != "" && strings.HasPrefix(l.text, schema.Header.RecordType):
			if out.Header != nil {
				return nil, apperrors.NewFormatError(schema.SupplierCode, l.number, "multiple header records", nil)
			}
			out.Header = positionalValues(&schema.Header, l.runes)
			continue
		case schema.Footer.RecordType != "" && strings.HasPrefix(l.text, schema.Footer.RecordType):
			if out.Footer != nil {
				return nil, apperrors.NewFormatError(schema.SupplierCode, l.number, "multiple trailer records", nil)
			}
			out.Footer = positionalValues(&schema.Footer, l.runes)
			out.FooterLine = l.number
			continue
		case schema.Body.RecordType != "" && !strings.HasPrefix(l.text, schema.Body.RecordType):
			out.Body = append(out.Body, RawRecord{Line: l.number, Problem: "unknown record type"})
			continue
		}
		if out.Footer != nil && schema.Footer.RecordType != "" {
			return nil, apperrors.NewFormatError(schema.SupplierCode, l.number, "body record after trailer", nil)
		}

		raw := RawRecord{Line: l.number}
		if len(l.runes) < minWidth {
			raw.Problem = fmt.Sprintf("record is %d characters, required fields need at least %d", len(l.runes), minWidth)
		} else {
			raw.Values = positionalValues(&schema.Body, l.runes)
		}
		out.Body = append(out.Body, raw)
	}

	return out, nil
}

func positionalValues(section *CompiledSection, runes []rune) map[string]string {
	values := make(map[string]string, len(section.Fields))
	for _, f := range section.Fields {
		if f.Start >= len(runes) {
			continue
		}
		end := f.Start + f.Length
		if end > len(runes) {
			end = len(runes)
		}
		if v := strings.TrimSpace(string(runes[f.Start:end])); v != "" {
			values[f.Name] = v
		}
	}
	return values
}
