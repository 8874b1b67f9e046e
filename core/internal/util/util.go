// Package util holds small helpers shared across the core package tree.
package util

// Len64 returns the length of a slice as int64, avoiding scattered casts
// in budget arithmetic.
func Len64[T any](s []T) int64 {
	return int64(len(s))
}

// Min64 returns the smaller of two int64 values.
func Min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
