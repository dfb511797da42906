package tensor

import "math"

// F32ToF16 converts a float32 to IEEE 754 binary16 bits.
// Out-of-range values clamp to the largest finite fp16 magnitude and
// subnormals flush to signed zero, so a conversion never manufactures
// NaN from a finite input.
func F32ToF16(f float32) uint16 {
	if math.IsNaN(float64(f)) {
		return 0x7e00
	}
	if math.IsInf(float64(f), 1) {
		return 0x7c00
	}
	if math.IsInf(float64(f), -1) {
		return 0xfc00
	}

	const maxF16 = 65504.0
	const minNormalF16 = 6.10351562e-5

	if f > maxF16 {
		f = maxF16
	} else if f < -maxF16 {
		f = -maxF16
	}

	abs := f
	if abs < 0 {
		abs = -abs
	}
	if abs > 0 && abs < minNormalF16 {
		if f < 0 {
			return 0x8000
		}
		return 0x0000
	}

	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int((bits>>23)&0xff) - 127 + 15
	frac := uint16((bits >> 13) & 0x3ff)

	if exp >= 0x1f {
		// Saturate rather than produce infinity.
		return sign | 0x7bff
	}
	if exp <= 0 {
		return sign
	}
	return sign | uint16(exp)<<10 | frac
}

// F16ToF32 converts IEEE 754 binary16 bits to a float32.
func F16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff

	switch exp {
	case 0:
		// Zero; fp16 subnormals are flushed on the encode side.
		return 0
	case 0x1f:
		return math.Float32frombits(sign<<31 | 0xff<<23 | frac<<13)
	}
	return math.Float32frombits(sign<<31 | uint32(int(exp)-15+127)<<23 | frac<<13)
}
