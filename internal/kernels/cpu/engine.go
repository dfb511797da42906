// Package cpu implements the reference kernel engine. It gives the binding
// surface a complete backend on machines without a supported GPU and
// defines the numeric contract the accelerated engines are checked
// against. Shape and dtype validation lives here, not in the binding layer.
package cpu

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/Vivicai1005/aiter/internal/kernels"
	"github.com/Vivicai1005/aiter/internal/simd"
	"github.com/Vivicai1005/aiter/internal/tensor"
)

// ensure interface compliance
var _ kernels.Engine = (*Engine)(nil)

// numWorkers defines the default parallelism for row-wise kernels
var numWorkers = runtime.NumCPU()

type Engine struct {
	scratch sync.Pool // *[]float32 row buffers
}

func New() *Engine {
	return &Engine{
		scratch: sync.Pool{
			New: func() interface{} {
				s := make([]float32, 0)
				return &s
			},
		},
	}
}

func (e *Engine) Name() string {
	return "CPU"
}

func (e *Engine) getRow(n int) *[]float32 {
	p := e.scratch.Get().(*[]float32)
	if cap(*p) < n {
		scratchMisses.Inc()
		*p = make([]float32, n)
	} else {
		scratchHits.Inc()
		*p = (*p)[:n]
	}
	return p
}

func (e *Engine) putRow(p *[]float32) {
	e.scratch.Put(p)
}

// parallelRows splits [0, m) across workers. fn must only touch its own
// row range.
func parallelRows(m int, fn func(start, end int)) {
	workers := numWorkers
	if m < workers {
		workers = m
	}
	if workers <= 1 {
		fn(0, m)
		return
	}

	var wg sync.WaitGroup
	per := (m + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * per
		if start >= m {
			break
		}
		end := start + per
		if end > m {
			end = m
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}

func want2d(op, name string, t *tensor.Tensor, dt tensor.DType) (int, int, error) {
	if t == nil {
		return 0, 0, fmt.Errorf("%s: %s is nil", op, name)
	}
	if t.DType() != dt {
		return 0, 0, fmt.Errorf("%s: %s must be %s, got %s", op, name, dt, t.DType())
	}
	if len(t.Shape()) != 2 {
		return 0, 0, fmt.Errorf("%s: %s must be 2-d, got %d-d", op, name, len(t.Shape()))
	}
	r, c := t.Dims2()
	return r, c, nil
}

func wantShape2d(op, name string, t *tensor.Tensor, dt tensor.DType, m, n int) error {
	r, c, err := want2d(op, name, t, dt)
	if err != nil {
		return err
	}
	if r != m || c != n {
		return fmt.Errorf("%s: %s shape [%d %d], want [%d %d]", op, name, r, c, m, n)
	}
	return nil
}

func wantVec(op, name string, t *tensor.Tensor, dt tensor.DType, n int) error {
	if t == nil {
		return fmt.Errorf("%s: %s is nil", op, name)
	}
	if t.DType() != dt {
		return fmt.Errorf("%s: %s must be %s, got %s", op, name, dt, t.DType())
	}
	if t.Numel() != n {
		return fmt.Errorf("%s: %s has %d elements, want %d", op, name, t.Numel(), n)
	}
	return nil
}

// normalizeInto writes layernorm(x) into dst using the population variance.
// dst and x may alias.
func normalizeInto(dst, x, weight, bias []float32, eps float32) {
	n := len(x)
	mean := simd.Sum(x) / float32(n)

	var varSum float32
	for _, v := range x {
		d := v - mean
		varSum += d * d
	}
	invStd := 1.0 / float32(math.Sqrt(float64(varSum/float32(n)+eps)))

	for j := 0; j < n; j++ {
		dst[j] = (x[j]-mean)*invStd*weight[j] + bias[j]
	}
}

// quantizeRow writes round-to-nearest int8 values of src*inv, clamped to
// [-127, 127].
func quantizeRow(dst []int8, src []float32, inv float32) {
	for j, v := range src {
		q := math.Round(float64(v * inv))
		if q > 127 {
			q = 127
		} else if q < -127 {
			q = -127
		}
		dst[j] = int8(q)
	}
}

func (e *Engine) checkNormArgs(op string, input, weight, bias, xBias *tensor.Tensor) (int, int, error) {
	m, n, err := want2d(op, "input", input, tensor.Float32)
	if err != nil {
		return 0, 0, err
	}
	if err := wantVec(op, "weight", weight, tensor.Float32, n); err != nil {
		return 0, 0, err
	}
	if err := wantVec(op, "bias", bias, tensor.Float32, n); err != nil {
		return 0, 0, err
	}
	if xBias != nil {
		if err := wantVec(op, "x_bias", xBias, tensor.Float32, n); err != nil {
			return 0, 0, err
		}
	}
	return m, n, nil
}

func (e *Engine) Layernorm2dFwd(input, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) (*tensor.Tensor, error) {
	const op = "layernorm2d_fwd"
	defer observe(op, time.Now())

	m, n, err := e.checkNormArgs(op, input, weight, bias, xBias)
	if err != nil {
		return nil, err
	}

	out := tensor.New(tensor.Float32, m, n)
	in := input.Float32s()
	dst := out.Float32s()
	w := weight.Float32s()
	b := bias.Float32s()
	var xb []float32
	if xBias != nil {
		xb = xBias.ToFloat32()
	}

	parallelRows(m, func(start, end int) {
		sp := e.getRow(n)
		defer e.putRow(sp)
		scratch := *sp

		for i := start; i < end; i++ {
			x := in[i*n : (i+1)*n]
			if xb != nil {
				copy(scratch, x)
				simd.VecAdd(scratch, xb)
				x = scratch
			}
			normalizeInto(dst[i*n:(i+1)*n], x, w, b, epsilon)
		}
	})
	return out, nil
}

// fusedAddRows materializes x + residual_in (+ x_bias) into residualOut and
// returns the effective input rows.
func fusedAddRows(in, resIn, resOut, xb []float32, m, n int) {
	parallelRows(m, func(start, end int) {
		for i := start; i < end; i++ {
			row := resOut[i*n : (i+1)*n]
			copy(row, in[i*n:(i+1)*n])
			simd.VecAdd(row, resIn[i*n:(i+1)*n])
			if xb != nil {
				simd.VecAdd(row, xb)
			}
		}
	})
}

func (e *Engine) checkAddArgs(op string, input, residualIn, residualOut *tensor.Tensor, m, n int) error {
	if err := wantShape2d(op, "residual_in", residualIn, tensor.Float32, m, n); err != nil {
		return err
	}
	return wantShape2d(op, "residual_out", residualOut, tensor.Float32, m, n)
}

func (e *Engine) Layernorm2dFwdWithAdd(out, input, residualIn, residualOut, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error {
	const op = "layernorm2d_fwd_with_add"
	defer observe(op, time.Now())

	m, n, err := e.checkNormArgs(op, input, weight, bias, xBias)
	if err != nil {
		return err
	}
	if err := wantShape2d(op, "out", out, tensor.Float32, m, n); err != nil {
		return err
	}
	if err := e.checkAddArgs(op, input, residualIn, residualOut, m, n); err != nil {
		return err
	}

	var xb []float32
	if xBias != nil {
		xb = xBias.ToFloat32()
	}
	resOut := residualOut.Float32s()
	fusedAddRows(input.Float32s(), residualIn.Float32s(), resOut, xb, m, n)

	dst := out.Float32s()
	w := weight.Float32s()
	b := bias.Float32s()
	parallelRows(m, func(start, end int) {
		for i := start; i < end; i++ {
			normalizeInto(dst[i*n:(i+1)*n], resOut[i*n:(i+1)*n], w, b, epsilon)
		}
	})
	return nil
}

func (e *Engine) checkQuantOut(op string, out *tensor.Tensor, m, n int) error {
	return wantShape2d(op, "out", out, tensor.Int8, m, n)
}

// smoothquantRows normalizes each input row, applies the per-column
// smoothing scale, and quantizes with the static per-row scale.
func (e *Engine) smoothquantRows(in []float32, out []int8, xs, ys, w, b, xb []float32, m, n int, eps float32) {
	parallelRows(m, func(start, end int) {
		sp := e.getRow(n)
		defer e.putRow(sp)
		scratch := *sp

		for i := start; i < end; i++ {
			x := in[i*n : (i+1)*n]
			if xb != nil {
				copy(scratch, x)
				simd.VecAdd(scratch, xb)
				x = scratch
			}
			normalizeInto(scratch, x, w, b, eps)
			simd.VecMul(scratch, xs)

			var inv float32
			if ys[i] != 0 {
				inv = 1.0 / ys[i]
			}
			quantizeRow(out[i*n:(i+1)*n], scratch, inv)
		}
	})
}

// dynamicquantRows normalizes each input row, derives the per-row scale
// from the row's max magnitude, stores it in ys, and quantizes.
func (e *Engine) dynamicquantRows(in []float32, out []int8, ys, w, b, xb []float32, m, n int, eps float32) {
	parallelRows(m, func(start, end int) {
		sp := e.getRow(n)
		defer e.putRow(sp)
		scratch := *sp

		for i := start; i < end; i++ {
			x := in[i*n : (i+1)*n]
			if xb != nil {
				copy(scratch, x)
				simd.VecAdd(scratch, xb)
				x = scratch
			}
			normalizeInto(scratch, x, w, b, eps)

			scale := simd.MaxAbs(scratch) / 127.0
			ys[i] = scale
			var inv float32
			if scale != 0 {
				inv = 1.0 / scale
			}
			quantizeRow(out[i*n:(i+1)*n], scratch, inv)
		}
	})
}

func (e *Engine) Layernorm2dFwdWithSmoothquant(out, input, xscale, yscale, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error {
	const op = "layernorm2d_fwd_with_smoothquant"
	defer observe(op, time.Now())

	m, n, err := e.checkNormArgs(op, input, weight, bias, xBias)
	if err != nil {
		return err
	}
	if err := e.checkQuantOut(op, out, m, n); err != nil {
		return err
	}
	if err := wantVec(op, "xscale", xscale, tensor.Float32, n); err != nil {
		return err
	}
	if err := wantVec(op, "yscale", yscale, tensor.Float32, m); err != nil {
		return err
	}

	var xb []float32
	if xBias != nil {
		xb = xBias.ToFloat32()
	}
	e.smoothquantRows(input.Float32s(), out.Int8s(), xscale.Float32s(), yscale.Float32s(),
		weight.Float32s(), bias.Float32s(), xb, m, n, epsilon)
	return nil
}

func (e *Engine) Layernorm2dFwdWithAddSmoothquant(out, input, residualIn, residualOut, xscale, yscale, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error {
	const op = "layernorm2d_fwd_with_add_smoothquant"
	defer observe(op, time.Now())

	m, n, err := e.checkNormArgs(op, input, weight, bias, xBias)
	if err != nil {
		return err
	}
	if err := e.checkQuantOut(op, out, m, n); err != nil {
		return err
	}
	if err := e.checkAddArgs(op, input, residualIn, residualOut, m, n); err != nil {
		return err
	}
	if err := wantVec(op, "xscale", xscale, tensor.Float32, n); err != nil {
		return err
	}
	if err := wantVec(op, "yscale", yscale, tensor.Float32, m); err != nil {
		return err
	}

	var xb []float32
	if xBias != nil {
		xb = xBias.ToFloat32()
	}
	resOut := residualOut.Float32s()
	fusedAddRows(input.Float32s(), residualIn.Float32s(), resOut, xb, m, n)
	// The residual sum already carries x_bias; do not apply it twice.
	e.smoothquantRows(resOut, out.Int8s(), xscale.Float32s(), yscale.Float32s(),
		weight.Float32s(), bias.Float32s(), nil, m, n, epsilon)
	return nil
}

func (e *Engine) Layernorm2dFwdWithDynamicquant(out, input, yscale, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error {
	const op = "layernorm2d_fwd_with_dynamicquant"
	defer observe(op, time.Now())

	m, n, err := e.checkNormArgs(op, input, weight, bias, xBias)
	if err != nil {
		return err
	}
	if err := e.checkQuantOut(op, out, m, n); err != nil {
		return err
	}
	if err := wantVec(op, "yscale", yscale, tensor.Float32, m); err != nil {
		return err
	}

	var xb []float32
	if xBias != nil {
		xb = xBias.ToFloat32()
	}
	e.dynamicquantRows(input.Float32s(), out.Int8s(), yscale.Float32s(),
		weight.Float32s(), bias.Float32s(), xb, m, n, epsilon)
	return nil
}

func (e *Engine) Layernorm2dFwdWithAddDynamicquant(out, input, residualIn, residualOut, yscale, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error {
	const op = "layernorm2d_fwd_with_add_dynamicquant"
	defer observe(op, time.Now())

	m, n, err := e.checkNormArgs(op, input, weight, bias, xBias)
	if err != nil {
		return err
	}
	if err := e.checkQuantOut(op, out, m, n); err != nil {
		return err
	}
	if err := e.checkAddArgs(op, input, residualIn, residualOut, m, n); err != nil {
		return err
	}
	if err := wantVec(op, "yscale", yscale, tensor.Float32, m); err != nil {
		return err
	}

	var xb []float32
	if xBias != nil {
		xb = xBias.ToFloat32()
	}
	resOut := residualOut.Float32s()
	fusedAddRows(input.Float32s(), residualIn.Float32s(), resOut, xb, m, n)
	e.dynamicquantRows(resOut, out.Int8s(), yscale.Float32s(),
		weight.Float32s(), bias.Float32s(), nil, m, n, epsilon)
	return nil
}
