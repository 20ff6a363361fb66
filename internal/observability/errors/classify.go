// Package errors derives stable error-class tags for metric emission.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Classify reduces an error to a stable class name usable as a metric tag.
// The innermost wrapped error determines the class; its Go type name is
// lowercased with the package qualifier flattened, so a pgconn.PgError
// becomes "pgconn_pgerror" regardless of the wrapping around it.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			break
		}
		err = inner
	}

	name := strings.TrimLeft(fmt.Sprintf("%T", err), "*")
	name = strings.NewReplacer(".", "_", "[", "_", "]", "").Replace(name)
	name = strings.ToLower(name)
	if name == "" {
		return "unknown"
	}
	return name
}
