package settlement

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
)

// Footer mappings recognised when comparing declared and computed totals.
const (
	FooterRecordCount = "record_count"
	FooterTotalAmount = "total_amount"
)

const unsetColumn = -1

// CompiledField is a FieldSpec resolved into direct lookups.
type CompiledField struct {
	Name     string
	Type     models.FieldType
	Required bool
	Mapping  string
	Format   string

	Column int    // 0-based; unsetColumn until bound
	Header string // header-row label when Column comes from the header
	Start  int    // 0-based rune offset for fixed-width
	Length int
	Path   []string // JSON key path
}

// CompiledSection is one of header, body or footer.
type CompiledSection struct {
	RecordType string
	Path       []string
	Fields     []CompiledField // sorted by Name
}

// HasFields reports whether the section declares anything.
func (s *CompiledSection) HasFields() bool { return len(s.Fields) > 0 }

// CompiledSchema is a SupplierConfig's schema_definition compiled once per
// file open. It is not shared between files because header-row binding
// mutates column indexes.
type CompiledSchema struct {
	SupplierCode string
	Format       models.FileFormat
	Delimiter    rune
	HasHeader    bool
	Location     *time.Location

	Header CompiledSection
	Body   CompiledSection
	Footer CompiledSection

	// byMapping indexes body fields by their canonical mapping.
	byMapping map[string]int
}

// CompileSchema validates cfg's schema definition and builds lookup tables.
// Errors wrap apperrors.ErrInvalidConfig.
func CompileSchema(cfg *models.SupplierConfig) (*CompiledSchema, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}

	s := &CompiledSchema{
		SupplierCode: cfg.SupplierCode,
		Format:       cfg.FileFormat,
		Delimiter:    cfg.EffectiveDelimiter(),
		HasHeader:    cfg.HasHeader,
		Location:     loc,
		byMapping:    make(map[string]int),
	}

	sections := []struct {
		name string
		spec models.SectionSpec
		dst  *CompiledSection
	}{
		{"header", cfg.SchemaDefinition.Header, &s.Header},
		{"body", cfg.SchemaDefinition.Body, &s.Body},
		{"footer", cfg.SchemaDefinition.Footer, &s.Footer},
	}
	for _, sec := range sections {
		compiled, err := compileSection(sec.name, sec.spec, cfg.FileFormat)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
		}
		*sec.dst = compiled
	}

	if !s.Body.HasFields() {
		return nil, fmt.Errorf("%w: body section declares no fields", apperrors.ErrInvalidConfig)
	}
	if s.Format == models.FileFormatCSV && !s.HasHeader && s.NeedsHeaderBinding() {
		return nil, fmt.Errorf("%w: body fields located by header label require has_header", apperrors.ErrInvalidConfig)
	}

	for i, f := range s.Body.Fields {
		if f.Mapping == "" {
			continue
		}
		if prev, dup := s.byMapping[f.Mapping]; dup {
			return nil, fmt.Errorf("%w: body fields %q and %q both map to %q",
				apperrors.ErrInvalidConfig, s.Body.Fields[prev].Name, f.Name, f.Mapping)
		}
		s.byMapping[f.Mapping] = i
	}

	required := []struct {
		mapping string
		types   []models.FieldType
	}{
		{models.CanonicalTransactionID, []models.FieldType{models.FieldTypeString, models.FieldTypeInteger}},
		{models.CanonicalAmount, []models.FieldType{models.FieldTypeDecimal, models.FieldTypeInteger}},
		{models.CanonicalTimestamp, []models.FieldType{models.FieldTypeDatetime}},
	}
	for _, r := range required {
		idx, ok := s.byMapping[r.mapping]
		if !ok {
			return nil, fmt.Errorf("%w: no body field maps to %s", apperrors.ErrInvalidConfig, r.mapping)
		}
		if !containsType(r.types, s.Body.Fields[idx].Type) {
			return nil, fmt.Errorf("%w: field %q mapped to %s has type %s",
				apperrors.ErrInvalidConfig, s.Body.Fields[idx].Name, r.mapping, s.Body.Fields[idx].Type)
		}
	}

	if cfg.CommissionField != "" {
		if _, ok := s.BodyField(cfg.CommissionField); !ok {
			return nil, fmt.Errorf("%w: commission_field %q is not a body field", apperrors.ErrInvalidConfig, cfg.CommissionField)
		}
	}

	return s, nil
}

func compileSection(name string, spec models.SectionSpec, format models.FileFormat) (CompiledSection, error) {
	out := CompiledSection{RecordType: spec.RecordType}
	if spec.Path != "" {
		out.Path = splitPath(spec.Path)
	}

	names := make([]string, 0, len(spec.Fields))
	for n := range spec.Fields {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		fs := spec.Fields[n]
		f := CompiledField{
			Name:     n,
			Type:     fs.Type,
			Required: fs.Required,
			Mapping:  strings.TrimSpace(fs.Mapping),
			Format:   fs.Format,
			Column:   unsetColumn,
			Header:   fs.Header,
		}

		switch fs.Type {
		case models.FieldTypeString, models.FieldTypeDecimal, models.FieldTypeInteger:
		case models.FieldTypeDatetime:
			if f.Format == "" {
				f.Format = FormatISO8601
			}
		default:
			return out, fmt.Errorf("%s field %q has unsupported type %q", name, n, fs.Type)
		}

		switch format {
		case models.FileFormatCSV:
			switch {
			case fs.Column != nil:
				if *fs.Column < 0 {
					return out, fmt.Errorf("%s field %q has negative column", name, n)
				}
				f.Column = *fs.Column
			case fs.Header != "":
			default:
				return out, fmt.Errorf("%s field %q needs a column or header", name, n)
			}
		case models.FileFormatFixedWidth:
			if fs.Position == nil || fs.Position.Start < 1 || fs.Position.Length < 1 {
				return out, fmt.Errorf("%s field %q needs a position with start >= 1 and length >= 1", name, n)
			}
			f.Start = fs.Position.Start - 1
			f.Length = fs.Position.Length
		case models.FileFormatJSON:
			path := fs.Path
			if path == "" {
				path = n
			}
			f.Path = splitPath(path)
		default:
			return out, fmt.Errorf("unsupported file format %q", format)
		}

		out.Fields = append(out.Fields, f)
	}
	return out, nil
}

// BindHeader resolves header-labelled body fields against the file's header row.
// Labels compare case-insensitively after trimming.
func (s *CompiledSchema) BindHeader(headerRow []string) error {
	index := make(map[string]int, len(headerRow))
	for i, label := range headerRow {
		key := strings.ToLower(strings.TrimSpace(label))
		if _, dup := index[key]; !dup {
			index[key] = i
		}
	}
	for i := range s.Body.Fields {
		f := &s.Body.Fields[i]
		if f.Header == "" || f.Column != unsetColumn {
			continue
		}
		col, ok := index[strings.ToLower(strings.TrimSpace(f.Header))]
		if !ok {
			if f.Required {
				return fmt.Errorf("header row has no column %q", f.Header)
			}
			continue
		}
		f.Column = col
	}
	return nil
}

// NeedsHeaderBinding reports whether any body field is located by header label.
func (s *CompiledSchema) NeedsHeaderBinding() bool {
	for _, f := range s.Body.Fields {
		if f.Header != "" && f.Column == unsetColumn {
			return true
		}
	}
	return false
}

// MaxBodyColumn is the highest bound column index, or -1.
func (s *CompiledSchema) MaxBodyColumn() int {
	max := -1
	for _, f := range s.Body.Fields {
		if f.Column > max {
			max = f.Column
		}
	}
	return max
}

// BodyField looks a body field up by name.
func (s *CompiledSchema) BodyField(name string) (*CompiledField, bool) {
	i := sort.Search(len(s.Body.Fields), func(i int) bool { return s.Body.Fields[i].Name >= name })
	if i < len(s.Body.Fields) && s.Body.Fields[i].Name == name {
		return &s.Body.Fields[i], true
	}
	return nil, false
}

// MappedField returns the body field mapped to a canonical name.
func (s *CompiledSchema) MappedField(mapping string) (*CompiledField, bool) {
	i, ok := s.byMapping[mapping]
	if !ok {
		return nil, false
	}
	return &s.Body.Fields[i], true
}

func splitPath(p string) []string {
	parts := strings.Split(p, ".")
	out := parts[:0]
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func containsType(types []models.FieldType, t models.FieldType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}
