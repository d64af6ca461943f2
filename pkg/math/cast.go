// Package math converts between integer types without silent truncation.
package math

import (
	"errors"
	"fmt"

	"golang.org/x/exp/constraints"
)

var ErrOutOfRange = errors.New("value out of range")

// SafeCastTo converts from to T and fails when the value does not survive
// the conversion.
func SafeCastTo[T, F constraints.Integer](from F) (T, error) {
	to := T(from)
	if F(to) != from || (to < 0) != (from < 0) {
		return 0, fmt.Errorf("%w: %v does not fit %T", ErrOutOfRange, from, to)
	}
	return to, nil
}
