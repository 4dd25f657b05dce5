package settlement

import (
	"fmt"
	"sort"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
)

// Adapter classes. The set is closed: adding a supplier with a new
// structure means adding a constructor here.
const (
	ClassDelimited  = "delimited"
	ClassFixedWidth = "fixed_width"
	ClassJSON       = "json"
	ClassEasyPay    = "easypay"
)

var constructors = map[string]func() Adapter{
	ClassDelimited:  func() Adapter { return delimitedAdapter{} },
	ClassFixedWidth: func() Adapter { return fixedWidthAdapter{} },
	ClassJSON:       func() Adapter { return jsonAdapter{} },
	ClassEasyPay:    func() Adapter { return easyPayAdapter{} },
}

// formats lists the file formats each class can read.
var formats = map[string]string{
	ClassDelimited:  "csv",
	ClassFixedWidth: "fixed-width",
	ClassJSON:       "json",
	ClassEasyPay:    "csv",
}

// Lookup returns the adapter for an adapter class.
func Lookup(class string) (Adapter, error) {
	ctor, ok := constructors[class]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownAdapter, class)
	}
	return ctor(), nil
}

// Classes lists the registered adapter classes in sorted order.
func Classes() []string {
	out := make([]string, 0, len(constructors))
	for class := range constructors {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}

// CheckFormat reports whether class can read the given file format.
func CheckFormat(class, fileFormat string) error {
	want, ok := formats[class]
	if !ok {
		return fmt.Errorf("%w: %q", apperrors.ErrUnknownAdapter, class)
	}
	if want != fileFormat {
		return fmt.Errorf("%w: adapter %s reads %s files, not %s", apperrors.ErrInvalidConfig, class, want, fileFormat)
	}
	return nil
}
