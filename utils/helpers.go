package utils

import "math"

// MulDivRound computes round(a*b/c) without intermediate overflow. It returns
// false when c is zero or the result does not fit an int32 dimension.
func MulDivRound(a, b, c int) (int, bool) {
	if c <= 0 || a < 0 || b < 0 {
		return 0, false
	}
	num := uint64(a)*uint64(b) + uint64(c)/2
	out := num / uint64(c)
	if out > math.MaxInt32 {
		return 0, false
	}
	return int(out), true
}

// ScaleDimensions computes output (w, h) preserving aspect ratio.
// Pass 0 for either axis to calculate it from the other.
func ScaleDimensions(srcW, srcH, targetW, targetH int) (int, int) {
	if targetW == 0 && targetH == 0 {
		return srcW, srcH
	}
	if targetW == 0 {
		w, _ := MulDivRound(targetH, srcW, srcH)
		return max(w, 1), targetH
	}
	if targetH == 0 {
		h, _ := MulDivRound(targetW, srcH, srcW)
		return targetW, max(h, 1)
	}
	return targetW, targetH
}

// CloneBytes returns a copy of b (safe for use after the source buffer is released).
func CloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
