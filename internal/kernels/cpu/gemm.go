package cpu

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/Vivicai1005/aiter/internal/tensor"
)

// BatchedGemmA8W8 computes, per batch, Out = (XQ x WQ^T) * x_scale * w_scale
// (+ bias). XQ is [b,m,k] int8, WQ is [b,n,k] int8 (N-major weights), the
// scales are per-row and per-column float32, Out is [b,m,n] float16 or
// float32.
//
// Accumulation runs in float32 through BLAS on dequantized tiles; int8
// products are exact in float32 for any realistic K. splitK > 0 partitions
// the reduction dimension into that many accumulation passes (beta=1 after
// the first), splitK == 0 leaves the partitioning to the engine.
func (e *Engine) BatchedGemmA8W8(xq, wq, xScale, wScale, out, bias *tensor.Tensor, splitK int) error {
	const op = "batched_gemm_a8w8"
	defer observe(op, time.Now())

	b, m, k, err := want3dI8(op, "XQ", xq)
	if err != nil {
		return err
	}
	wb, n, wk, err := want3dI8(op, "WQ", wq)
	if err != nil {
		return err
	}
	if wb != b || wk != k {
		return fmt.Errorf("%s: WQ shape [%d %d %d] incompatible with XQ [%d %d %d]", op, wb, n, wk, b, m, k)
	}
	if err := wantVec(op, "x_scale", xScale, tensor.Float32, b*m); err != nil {
		return err
	}
	if err := wantVec(op, "w_scale", wScale, tensor.Float32, b*n); err != nil {
		return err
	}
	if out == nil {
		return fmt.Errorf("%s: Out is nil", op)
	}
	if dt := out.DType(); dt != tensor.Float16 && dt != tensor.Float32 {
		return fmt.Errorf("%s: Out must be f16 or f32, got %s", op, dt)
	}
	if sh := out.Shape(); len(sh) != 3 || sh[0] != b || sh[1] != m || sh[2] != n {
		return fmt.Errorf("%s: Out shape %v, want [%d %d %d]", op, out.Shape(), b, m, n)
	}
	var biasData []float32
	if bias != nil {
		if err := wantVec(op, "bias", bias, tensor.Float32, n); err != nil {
			return err
		}
		biasData = bias.Float32s()
	}
	if splitK < 0 {
		return fmt.Errorf("%s: splitK %d is negative", op, splitK)
	}

	passes := splitK
	if passes == 0 {
		passes = 1
	}
	if passes > k && k > 0 {
		passes = k
	}

	ap := e.getRow(m * k)
	bp := e.getRow(n * k)
	cp := e.getRow(m * n)
	defer e.putRow(ap)
	defer e.putRow(bp)
	defer e.putRow(cp)
	aData, bData, cData := *ap, *bp, *cp

	xqData := xq.Int8s()
	wqData := wq.Int8s()
	xs := xScale.Float32s()
	ws := wScale.Float32s()

	for bi := 0; bi < b; bi++ {
		dequantize(aData, xqData[bi*m*k:(bi+1)*m*k])
		dequantize(bData, wqData[bi*n*k:(bi+1)*n*k])

		// Split-K: each pass multiplies a K-slice and accumulates.
		if k == 0 {
			for i := range cData[:m*n] {
				cData[i] = 0
			}
		}
		chunk := (k + passes - 1) / passes
		beta := float32(0)
		for k0 := 0; k0 < k; k0 += chunk {
			kc := chunk
			if k0+kc > k {
				kc = k - k0
			}
			a := blas32.General{Rows: m, Cols: kc, Stride: k, Data: aData[k0:]}
			w := blas32.General{Rows: n, Cols: kc, Stride: k, Data: bData[k0:]}
			c := blas32.General{Rows: m, Cols: n, Stride: n, Data: cData}
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, a, w, beta, c)
			beta = 1
			gemmReducePasses.Inc()
		}

		bxs := xs[bi*m : (bi+1)*m]
		bws := ws[bi*n : (bi+1)*n]
		for i := 0; i < m; i++ {
			row := cData[i*n : (i+1)*n]
			s := bxs[i]
			for j := range row {
				row[j] *= s * bws[j]
			}
			if biasData != nil {
				for j := range row {
					row[j] += biasData[j]
				}
			}
		}

		switch out.DType() {
		case tensor.Float32:
			copy(out.Float32s()[bi*m*n:(bi+1)*m*n], cData[:m*n])
		case tensor.Float16:
			dst := out.Uint16s()[bi*m*n : (bi+1)*m*n]
			for i, v := range cData[:m*n] {
				dst[i] = tensor.F32ToF16(v)
			}
		}
	}
	return nil
}

func want3dI8(op, name string, t *tensor.Tensor) (int, int, int, error) {
	if t == nil {
		return 0, 0, 0, fmt.Errorf("%s: %s is nil", op, name)
	}
	if t.DType() != tensor.Int8 {
		return 0, 0, 0, fmt.Errorf("%s: %s must be i8, got %s", op, name, t.DType())
	}
	sh := t.Shape()
	if len(sh) != 3 {
		return 0, 0, 0, fmt.Errorf("%s: %s must be 3-d, got %d-d", op, name, len(sh))
	}
	return sh[0], sh[1], sh[2], nil
}

func dequantize(dst []float32, src []int8) {
	for i, v := range src {
		dst[i] = float32(v)
	}
}
