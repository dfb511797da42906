package simd

import (
	"math"
	"testing"
)

func TestVecAdd(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	expected := []float32{11, 22, 33, 44, 55}

	VecAdd(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAdd(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecAddScaled(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	scale := float32(0.5)
	expected := []float32{6, 12, 18, 24, 30}

	VecAddScaled(dst, src, scale)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAddScaled(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecMul(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{2, 2, 2, 0.5, -1}
	expected := []float32{2, 4, 6, 2, -5}

	VecMul(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecMul(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestDotProduct(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{2, 3, 4, 5, 6}
	// 2 + 6 + 12 + 20 + 30 = 70
	got := DotProduct(a, b)
	if math.Abs(float64(got-70)) > 1e-6 {
		t.Errorf("DotProduct = %f, want 70", got)
	}
}

func TestSum(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5, 6, 7}
	if got := Sum(a); got != 28 {
		t.Errorf("Sum = %f, want 28", got)
	}
	if got := Sum(nil); got != 0 {
		t.Errorf("Sum(nil) = %f, want 0", got)
	}
}

func TestMaxAbs(t *testing.T) {
	a := []float32{1, -7, 3, 6.5}
	if got := MaxAbs(a); got != 7 {
		t.Errorf("MaxAbs = %f, want 7", got)
	}
	if got := MaxAbs(nil); got != 0 {
		t.Errorf("MaxAbs(nil) = %f, want 0", got)
	}
}
