// Package settlement turns raw supplier settlement files into canonical
// transactions. Adapters only locate raw field values; typing, mapping and
// footer checks are shared by Normalize so every format behaves the same.
package settlement

// RawRecord is one body record located by an adapter, before typing.
type RawRecord struct {
	// Line is the 1-based line (or element index for JSON) in the file.
	Line int
	// Values holds raw strings keyed by body field name. Absent fields are missing.
	Values map[string]string
	// Problem is set when the record is structurally broken (wrong column
	// count, non-object JSON element). The record becomes a RowError.
	Problem      string
	ProblemField string
}

// RawFile is an adapter's output.
type RawFile struct {
	Header map[string]string
	Body   []RawRecord
	// Footer is nil when the file carries no trailer.
	Footer map[string]string
	// FooterLine is the trailer's line, for error reporting.
	FooterLine int
}

// Adapter extracts raw records from decoded (UTF-8) file content.
// Implementations return a *apperrors.FormatError when the file as a whole
// cannot be read; per-record problems go on RawRecord.Problem.
type Adapter interface {
	Class() string
	Extract(content []byte, schema *CompiledSchema) (*RawFile, error)
}
