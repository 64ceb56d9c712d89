// Package util holds small helpers shared across packages.
package util

// ClampInt bounds v to [lo, hi]
func ClampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
