package settlement

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decode converts raw file bytes in the named encoding to UTF-8 and strips a
// byte order mark. An empty name means UTF-8. Content that cannot be decoded
// is a FormatError.
func Decode(supplierCode string, raw []byte, name string) ([]byte, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	var out []byte
	switch name {
	case "", "utf-8", "utf8":
		out = raw
	default:
		enc, err := lookupEncoding(name)
		if err != nil {
			return nil, apperrors.NewFormatError(supplierCode, 0, "unsupported encoding "+name, err)
		}
		out, err = enc.NewDecoder().Bytes(raw)
		if err != nil {
			return nil, apperrors.NewFormatError(supplierCode, 0, "unreadable "+name+" content", err)
		}
	}

	out = bytes.TrimPrefix(out, utf8BOM)
	if !utf8.Valid(out) {
		return nil, apperrors.NewFormatError(supplierCode, firstInvalidLine(out), "content is not valid UTF-8", nil)
	}
	return out, nil
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	switch name {
	case "utf-16", "utf16":
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), nil
	case "utf-16be":
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	return enc, nil
}

func firstInvalidLine(b []byte) int {
	line := 1
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size <= 1 {
			return line
		}
		if r == '\n' {
			line++
		}
		b = b[size:]
	}
	return 0
}

// splitLines splits decoded content into lines, dropping the line terminator
// (LF or CRLF) and a trailing empty line.
func splitLines(content []byte) []string {
	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}
