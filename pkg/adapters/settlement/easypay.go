package settlement

import (
	"strings"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
)

// EasyPay record type prefixes.
const (
	EasyPayHeaderRecord  = "H"
	EasyPayDetailRecord  = "D"
	EasyPayTrailerRecord = "T"
)

// easyPayAdapter reads EasyPay settlement files: delimited records whose
// first column is H (header), D (detail) or T (trailer). Every file must end
// with exactly one trailer declaring the record count and total.
type easyPayAdapter struct{}

func (easyPayAdapter) Class() string { return ClassEasyPay }

func (easyPayAdapter) Extract(content []byte, schema *CompiledSchema) (*RawFile, error) {
	if schema.Header.RecordType == "" {
		schema.Header.RecordType = EasyPayHeaderRecord
	}
	if schema.Body.RecordType == "" {
		schema.Body.RecordType = EasyPayDetailRecord
	}
	if schema.Footer.RecordType == "" {
		schema.Footer.RecordType = EasyPayTrailerRecord
	}

	records, err := readDelimited(content, schema)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, apperrors.NewFormatError(schema.SupplierCode, 0, "empty EasyPay file", nil)
	}
	if kind := strings.TrimSpace(records[0].fields[0]); kind != schema.Header.RecordType {
		return nil, apperrors.NewFormatError(schema.SupplierCode, records[0].line, "first record is not a header record", nil)
	}

	out, err := extractDelimited(records, schema)
	if err != nil {
		return nil, err
	}
	if out.Footer == nil {
		return nil, apperrors.NewFormatError(schema.SupplierCode, 0, "missing trailer record", nil)
	}
	if _, ok := out.Footer[footerFieldName(&schema.Footer, FooterRecordCount)]; !ok {
		return nil, apperrors.NewFormatError(schema.SupplierCode, out.FooterLine, "trailer has no record count", nil)
	}
	return out, nil
}

// footerFieldName finds the footer field carrying a footer mapping.
func footerFieldName(section *CompiledSection, mapping string) string {
	for _, f := range section.Fields {
		if f.Mapping == mapping {
			return f.Name
		}
	}
	return ""
}
