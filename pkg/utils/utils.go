// Package utils holds small helpers shared by option structs.
package utils

import (
	"golang.org/x/exp/constraints"
)

type number interface {
	constraints.Integer | constraints.Float
}

// SetDefaultNum sets *p to d if *p is zero or negative.
func SetDefaultNum[T number](p *T, d T) {
	if *p <= 0 {
		*p = d
	}
}

// SetDefaultString sets *p to d if *p is empty.
func SetDefaultString(p *string, d string) {
	if len(*p) == 0 {
		*p = d
	}
}

// ClosedChan reports whether c has been closed without blocking.
func ClosedChan(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
