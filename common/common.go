// Package common provides shared helpers used across the exchange packages
package common

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrNilPointer flags a required reference that was not supplied
var ErrNilPointer = errors.New("nil pointer")

// EncodeURLValues appends and encodes url.Values to a path string
func EncodeURLValues(path string, values url.Values) string {
	if len(values) == 0 {
		return path
	}
	return path + "?" + values.Encode()
}

// SortedURLValues encodes url.Values with keys in ascending order. Encode
// already sorts keys; this exists to make the signing contract explicit at
// call sites where ordering is part of the signature base.
func SortedURLValues(values url.Values) string {
	return values.Encode()
}

// AppendError appends an error to a var args of errors. This is a nil-safe
// complement to errors.Join for incremental accumulation.
func AppendError(original, incoming error) error {
	if incoming == nil {
		return original
	}
	if original == nil {
		return incoming
	}
	return fmt.Errorf("%w, %w", original, incoming)
}
