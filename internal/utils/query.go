// Package utils holds small parsing helpers shared by the HTTP handlers.
package utils

import "strconv"

// IntInRange parses s as a base-10 int and clamps it to [lo, hi]. An empty
// or unparsable s yields def, which is clamped as well.
//
//	IntInRange("250", 50, 1, 100) // 100
//	IntInRange("", 50, 1, 100)    // 50
//	IntInRange("-3", 50, 1, 100)  // 1
func IntInRange(s string, def, lo, hi int) int {
	n, err := strconv.Atoi(s)
	if s == "" || err != nil {
		n = def
	}
	return min(max(n, lo), hi)
}
