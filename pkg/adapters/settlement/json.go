package settlement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
)

// DefaultJSONBodyPath is used when the document is an object and the body
// section declares no path.
const DefaultJSONBodyPath = "transactions"

// jsonAdapter reads JSON documents: either a top-level array of body
// records, or an object holding header, body and footer at section paths.
type jsonAdapter struct{}

func (jsonAdapter) Class() string { return ClassJSON }

func (jsonAdapter) Extract(content []byte, schema *CompiledSchema) (*RawFile, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, apperrors.NewFormatError(schema.SupplierCode, 0, "malformed JSON document", err)
	}
	if dec.More() {
		return nil, apperrors.NewFormatError(schema.SupplierCode, 0, "trailing data after JSON document", nil)
	}

	out := &RawFile{}
	var items []any

	switch root := doc.(type) {
	case []any:
		items = root
	case map[string]any:
		bodyPath := schema.Body.Path
		if len(bodyPath) == 0 {
			bodyPath = []string{DefaultJSONBodyPath}
		}
		body, ok := lookupPath(root, bodyPath)
		if !ok {
			return nil, apperrors.NewFormatError(schema.SupplierCode, 0, fmt.Sprintf("document has no body at %v", bodyPath), nil)
		}
		arr, ok := body.([]any)
		if !ok {
			return nil, apperrors.NewFormatError(schema.SupplierCode, 0, "body is not an array", nil)
		}
		items = arr

		if schema.Header.HasFields() {
			if obj, ok := sectionObject(root, schema.Header.Path); ok {
				out.Header, _ = objectValues(&schema.Header, obj)
			}
		}
		// A footer is declared only when one of its fields resolved; with no
		// path the root would otherwise always count as a trailer.
		if schema.Footer.HasFields() {
			if obj, ok := sectionObject(root, schema.Footer.Path); ok {
				if values, _ := objectValues(&schema.Footer, obj); len(values) > 0 {
					out.Footer = values
				}
			}
		}
	default:
		return nil, apperrors.NewFormatError(schema.SupplierCode, 0, "document must be an array or object", nil)
	}

	out.Body = make([]RawRecord, len(items))
	for i, item := range items {
		raw := RawRecord{Line: i + 1}
		obj, ok := item.(map[string]any)
		if !ok {
			raw.Problem = "record is not an object"
		} else {
			values, badField := objectValues(&schema.Body, obj)
			if badField != "" {
				raw.Problem = "field is not a scalar"
				raw.ProblemField = badField
			} else {
				raw.Values = values
			}
		}
		out.Body[i] = raw
	}

	return out, nil
}

// sectionObject resolves a header/footer object. With no path the root itself is used
// so flat documents can carry header fields beside the body array.
func sectionObject(root map[string]any, path []string) (map[string]any, bool) {
	if len(path) == 0 {
		return root, true
	}
	v, ok := lookupPath(root, path)
	if !ok {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

func lookupPath(v any, path []string) (any, bool) {
	cur := v
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// objectValues returns the section's scalar values and the first field whose value is not a scalar.
func objectValues(section *CompiledSection, obj map[string]any) (map[string]string, string) {
	values := make(map[string]string, len(section.Fields))
	for _, f := range section.Fields {
		v, ok := lookupPath(obj, f.Path)
		if !ok || v == nil {
			continue
		}
		switch tv := v.(type) {
		case string:
			if tv != "" {
				values[f.Name] = tv
			}
		case json.Number:
			values[f.Name] = tv.String()
		case bool:
			values[f.Name] = strconv.FormatBool(tv)
		default:
			return nil, f.Name
		}
	}
	return values, ""
}
