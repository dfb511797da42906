package cpu

import (
	"testing"

	"github.com/Vivicai1005/aiter/internal/tensor"
)

func TestBatchedGemmA8W8(t *testing.T) {
	eng := New()

	// One batch, m=2, k=3, n=2. XQ x WQ^T = [[4 5] [10 11]].
	xq := tensor.FromInt8([]int8{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	wq := tensor.FromInt8([]int8{1, 0, 1, 0, 1, 1}, 1, 2, 3)
	xScale := tensor.FromFloat32([]float32{0.5, 1.0}, 1, 2)
	wScale := tensor.FromFloat32([]float32{1.0, 2.0}, 1, 2)
	out := tensor.New(tensor.Float32, 1, 2, 2)

	if err := eng.BatchedGemmA8W8(xq, wq, xScale, wScale, out, nil, 0); err != nil {
		t.Fatal(err)
	}
	approxEqual(t, out.Float32s(), []float32{2, 5, 10, 22}, 0)
}

func TestBatchedGemmA8W8Bias(t *testing.T) {
	eng := New()

	xq := tensor.FromInt8([]int8{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	wq := tensor.FromInt8([]int8{1, 0, 1, 0, 1, 1}, 1, 2, 3)
	xScale := tensor.FromFloat32([]float32{0.5, 1.0}, 1, 2)
	wScale := tensor.FromFloat32([]float32{1.0, 2.0}, 1, 2)
	bias := tensor.FromFloat32([]float32{1, -1}, 2)
	out := tensor.New(tensor.Float32, 1, 2, 2)

	if err := eng.BatchedGemmA8W8(xq, wq, xScale, wScale, out, bias, 0); err != nil {
		t.Fatal(err)
	}
	approxEqual(t, out.Float32s(), []float32{3, 4, 11, 21}, 0)
}

func TestBatchedGemmA8W8SplitK(t *testing.T) {
	eng := New()

	b, m, k, n := 2, 4, 16, 3
	xq := tensor.New(tensor.Int8, b, m, k)
	wq := tensor.New(tensor.Int8, b, n, k)
	for i, d := 0, xq.Int8s(); i < len(d); i++ {
		d[i] = int8(i%13 - 6)
	}
	for i, d := 0, wq.Int8s(); i < len(d); i++ {
		d[i] = int8(i%7 - 3)
	}
	xScale := tensor.New(tensor.Float32, b, m)
	wScale := tensor.New(tensor.Float32, b, n)
	for i, d := 0, xScale.Float32s(); i < len(d); i++ {
		d[i] = 0.25 * float32(i+1)
	}
	for i, d := 0, wScale.Float32s(); i < len(d); i++ {
		d[i] = 0.125 * float32(i+1)
	}

	single := tensor.New(tensor.Float32, b, m, n)
	if err := eng.BatchedGemmA8W8(xq, wq, xScale, wScale, single, nil, 0); err != nil {
		t.Fatal(err)
	}

	// Int8 products accumulate exactly in float32, so every split count
	// must reproduce the single-pass result bit for bit.
	for _, splitK := range []int{1, 2, 4, 16, 100} {
		got := tensor.New(tensor.Float32, b, m, n)
		if err := eng.BatchedGemmA8W8(xq, wq, xScale, wScale, got, nil, splitK); err != nil {
			t.Fatalf("splitK=%d: %v", splitK, err)
		}
		approxEqual(t, got.Float32s(), single.Float32s(), 0)
	}
}

func TestBatchedGemmA8W8Float16Out(t *testing.T) {
	eng := New()

	xq := tensor.FromInt8([]int8{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	wq := tensor.FromInt8([]int8{1, 0, 1, 0, 1, 1}, 1, 2, 3)
	xScale := tensor.FromFloat32([]float32{0.5, 1.0}, 1, 2)
	wScale := tensor.FromFloat32([]float32{1.0, 2.0}, 1, 2)
	out := tensor.New(tensor.Float16, 1, 2, 2)

	if err := eng.BatchedGemmA8W8(xq, wq, xScale, wScale, out, nil, 0); err != nil {
		t.Fatal(err)
	}
	approxEqual(t, out.ToFloat32(), []float32{2, 5, 10, 22}, 0)
}

func TestBatchedGemmA8W8Batches(t *testing.T) {
	eng := New()

	// Second batch is the first negated; outputs must mirror.
	xq := tensor.FromInt8([]int8{1, 2, 3, 4, 5, 6, -1, -2, -3, -4, -5, -6}, 2, 2, 3)
	wq := tensor.FromInt8([]int8{1, 0, 1, 0, 1, 1, 1, 0, 1, 0, 1, 1}, 2, 2, 3)
	xScale := tensor.FromFloat32([]float32{1, 1, 1, 1}, 2, 2)
	wScale := tensor.FromFloat32([]float32{1, 1, 1, 1}, 2, 2)
	out := tensor.New(tensor.Float32, 2, 2, 2)

	if err := eng.BatchedGemmA8W8(xq, wq, xScale, wScale, out, nil, 0); err != nil {
		t.Fatal(err)
	}
	approxEqual(t, out.Float32s(), []float32{4, 5, 10, 11, -4, -5, -10, -11}, 0)
}

func TestBatchedGemmA8W8Validation(t *testing.T) {
	eng := New()

	xq := tensor.FromInt8([]int8{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	wq := tensor.FromInt8([]int8{1, 0, 1, 0, 1, 1}, 1, 2, 3)
	xScale := tensor.FromFloat32([]float32{0.5, 1.0}, 1, 2)
	wScale := tensor.FromFloat32([]float32{1.0, 2.0}, 1, 2)
	out := tensor.New(tensor.Float32, 1, 2, 2)

	if err := eng.BatchedGemmA8W8(nil, wq, xScale, wScale, out, nil, 0); err == nil {
		t.Error("expected nil XQ error")
	}
	badK := tensor.FromInt8([]int8{1, 0, 0, 1}, 1, 2, 2)
	if err := eng.BatchedGemmA8W8(xq, badK, xScale, wScale, out, nil, 0); err == nil {
		t.Error("expected K mismatch error")
	}
	if err := eng.BatchedGemmA8W8(xq, wq, tensor.FromFloat32([]float32{1}, 1), wScale, out, nil, 0); err == nil {
		t.Error("expected x_scale length error")
	}
	badOut := tensor.New(tensor.Int8, 1, 2, 2)
	if err := eng.BatchedGemmA8W8(xq, wq, xScale, wScale, badOut, nil, 0); err == nil {
		t.Error("expected Out dtype error")
	}
	if err := eng.BatchedGemmA8W8(xq, wq, xScale, wScale, tensor.New(tensor.Float32, 1, 2, 3), nil, 0); err == nil {
		t.Error("expected Out shape error")
	}
	if err := eng.BatchedGemmA8W8(xq, wq, xScale, wScale, out, nil, -1); err == nil {
		t.Error("expected negative splitK error")
	}
}
