// Package mathx holds small numeric helpers shared by the drivers
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
// Halves round away from zero, negative values included.  The result is the
// float closest to the decimal, so Round(29.98, 0.1) == 30.0 exactly.
func Round(x, unit float64) float64 {
	return math.Round(x/unit) / (1 / unit)
}

// Sign returns -1, 0 or +1 according to the sign of x
func Sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}
