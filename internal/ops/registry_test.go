package ops

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vivicai1005/aiter/internal/tensor"
)

// recorderEngine captures every dispatched call so tests can verify the
// binding forwards arguments verbatim.
type recorderEngine struct {
	mu    sync.Mutex
	calls []recordedCall
}

type recordedCall struct {
	op      string
	tensors []*tensor.Tensor
	epsilon float32
	xBias   *tensor.Tensor
	splitK  int
	raw     []any
}

func (r *recorderEngine) record(c recordedCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recorderEngine) last(t *testing.T) recordedCall {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.calls, "engine was never dispatched")
	return r.calls[len(r.calls)-1]
}

func (r *recorderEngine) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorderEngine) Name() string { return "recorder" }

func (r *recorderEngine) Layernorm2dFwd(input, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) (*tensor.Tensor, error) {
	r.record(recordedCall{op: "layernorm2d_fwd", tensors: []*tensor.Tensor{input, weight, bias}, epsilon: epsilon, xBias: xBias})
	m, n := input.Dims2()
	return tensor.New(tensor.Float32, m, n), nil
}

func (r *recorderEngine) Layernorm2dFwdWithAdd(out, input, residualIn, residualOut, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error {
	r.record(recordedCall{op: "layernorm2d_fwd_with_add", tensors: []*tensor.Tensor{out, input, residualIn, residualOut, weight, bias}, epsilon: epsilon, xBias: xBias})
	return nil
}

func (r *recorderEngine) Layernorm2dFwdWithSmoothquant(out, input, xscale, yscale, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error {
	r.record(recordedCall{op: "layernorm2d_fwd_with_smoothquant", tensors: []*tensor.Tensor{out, input, xscale, yscale, weight, bias}, epsilon: epsilon, xBias: xBias})
	return nil
}

func (r *recorderEngine) Layernorm2dFwdWithAddSmoothquant(out, input, residualIn, residualOut, xscale, yscale, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error {
	r.record(recordedCall{op: "layernorm2d_fwd_with_add_smoothquant", tensors: []*tensor.Tensor{out, input, residualIn, residualOut, xscale, yscale, weight, bias}, epsilon: epsilon, xBias: xBias})
	return nil
}

func (r *recorderEngine) Layernorm2dFwdWithDynamicquant(out, input, yscale, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error {
	r.record(recordedCall{op: "layernorm2d_fwd_with_dynamicquant", tensors: []*tensor.Tensor{out, input, yscale, weight, bias}, epsilon: epsilon, xBias: xBias})
	return nil
}

func (r *recorderEngine) Layernorm2dFwdWithAddDynamicquant(out, input, residualIn, residualOut, yscale, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error {
	r.record(recordedCall{op: "layernorm2d_fwd_with_add_dynamicquant", tensors: []*tensor.Tensor{out, input, residualIn, residualOut, yscale, weight, bias}, epsilon: epsilon, xBias: xBias})
	return nil
}

func (r *recorderEngine) BatchedGemmA8W8(xq, wq, xScale, wScale, out, bias *tensor.Tensor, splitK int) error {
	r.record(recordedCall{op: "batched_gemm_a8w8", tensors: []*tensor.Tensor{xq, wq, xScale, wScale, out}, xBias: bias, splitK: splitK})
	return nil
}

func (r *recorderEngine) RawDispatch(name string, args []any) error {
	r.record(recordedCall{op: name, raw: args})
	return nil
}

var allOps = []string{
	"layernorm2d_fwd",
	"layernorm2d_fwd_with_add",
	"layernorm2d_fwd_with_smoothquant",
	"layernorm2d_fwd_with_add_smoothquant",
	"layernorm2d_fwd_with_dynamicquant",
	"layernorm2d_fwd_with_add_dynamicquant",
	"layernorm2d_with_add_asm",
	"layernorm2d_with_add_smoothquant_asm",
	"batched_gemm_a8w8",
}

func TestRegistryComplete(t *testing.T) {
	for _, name := range allOps {
		spec, ok := Lookup(name)
		require.True(t, ok, "missing operation %s", name)
		require.Equal(t, name, spec.Name)
	}
	require.Len(t, Ops(), len(allOps))
}

func TestRegistrySchemas(t *testing.T) {
	spec, _ := Lookup("layernorm2d_fwd_with_add")
	var names []string
	for _, p := range spec.Params {
		names = append(names, p.Name)
	}
	require.Equal(t, []string{"out", "input", "residual_in", "residual_out", "weight", "bias", "epsilon", "x_bias"}, names)
	require.Equal(t, []string{"out", "residual_out"}, spec.Outputs)

	spec, _ = Lookup("batched_gemm_a8w8")
	names = nil
	for _, p := range spec.Params {
		names = append(names, p.Name)
	}
	require.Equal(t, []string{"XQ", "WQ", "x_scale", "w_scale", "Out", "bias", "splitK"}, names)

	for _, name := range []string{"layernorm2d_with_add_asm", "layernorm2d_with_add_smoothquant_asm"} {
		spec, _ = Lookup(name)
		require.True(t, spec.Variadic)
		require.Empty(t, spec.Params)
	}
}

func mat(m, n int) *tensor.Tensor { return tensor.New(tensor.Float32, m, n) }
func vec(n int) *tensor.Tensor    { return tensor.New(tensor.Float32, n) }

func TestDefaultsApplied(t *testing.T) {
	eng := &recorderEngine{}

	_, err := Call(context.Background(), eng, "layernorm2d_fwd",
		[]Value{TensorValue(mat(2, 4)), TensorValue(vec(4)), TensorValue(vec(4)), FloatValue(1e-6)}, nil)
	require.NoError(t, err)
	call := eng.last(t)
	assert.Nil(t, call.xBias, "omitted x_bias must forward the absent sentinel")
	assert.Equal(t, float32(1e-6), call.epsilon)

	// Explicitly passing the absent sentinel must behave identically.
	_, err = Call(context.Background(), eng, "layernorm2d_fwd",
		[]Value{TensorValue(mat(2, 4)), TensorValue(vec(4)), TensorValue(vec(4)), FloatValue(1e-6)},
		map[string]Value{"x_bias": Absent})
	require.NoError(t, err)
	assert.Nil(t, eng.last(t).xBias)
}

func TestGemmDefaults(t *testing.T) {
	eng := &recorderEngine{}
	_, err := Call(context.Background(), eng, "batched_gemm_a8w8",
		[]Value{
			TensorValue(tensor.New(tensor.Int8, 1, 2, 3)), TensorValue(tensor.New(tensor.Int8, 1, 2, 3)),
			TensorValue(vec(2)), TensorValue(vec(2)), TensorValue(tensor.New(tensor.Float16, 1, 2, 2)),
		}, nil)
	require.NoError(t, err)
	call := eng.last(t)
	assert.Nil(t, call.xBias, "omitted bias must forward nil")
	assert.Equal(t, 0, call.splitK, "omitted splitK must forward 0")
}

func TestOptionalForwardedUnchanged(t *testing.T) {
	eng := &recorderEngine{}
	xBias := vec(4)

	_, err := Call(context.Background(), eng, "layernorm2d_fwd",
		[]Value{TensorValue(mat(2, 4)), TensorValue(vec(4)), TensorValue(vec(4)), FloatValue(1e-6)},
		map[string]Value{"x_bias": TensorValue(xBias)})
	require.NoError(t, err)
	assert.Same(t, xBias, eng.last(t).xBias)

	_, err = Call(context.Background(), eng, "batched_gemm_a8w8",
		[]Value{
			TensorValue(tensor.New(tensor.Int8, 1, 2, 3)), TensorValue(tensor.New(tensor.Int8, 1, 2, 3)),
			TensorValue(vec(2)), TensorValue(vec(2)), TensorValue(tensor.New(tensor.Float16, 1, 2, 2)),
		},
		map[string]Value{"splitK": IntValue(4)})
	require.NoError(t, err)
	assert.Equal(t, 4, eng.last(t).splitK)
}

func TestKeywordBinding(t *testing.T) {
	eng := &recorderEngine{}
	input := mat(2, 4)

	_, err := Call(context.Background(), eng, "layernorm2d_fwd", nil, map[string]Value{
		"input":   TensorValue(input),
		"weight":  TensorValue(vec(4)),
		"bias":    TensorValue(vec(4)),
		"epsilon": FloatValue(1e-5),
	})
	require.NoError(t, err)
	assert.Same(t, input, eng.last(t).tensors[0])
}

func TestMissingRequiredFailsBeforeDispatch(t *testing.T) {
	eng := &recorderEngine{}
	_, err := Call(context.Background(), eng, "layernorm2d_fwd",
		[]Value{TensorValue(mat(2, 4)), TensorValue(vec(4))}, nil)
	require.ErrorIs(t, err, ErrBadCall)
	assert.Contains(t, err.Error(), "bias")
	assert.Zero(t, eng.count(), "engine must not be dispatched on a bind failure")
}

func TestBindErrors(t *testing.T) {
	eng := &recorderEngine{}
	good := []Value{TensorValue(mat(2, 4)), TensorValue(vec(4)), TensorValue(vec(4)), FloatValue(1e-6)}

	_, err := Call(context.Background(), eng, "layernorm3d_fwd", good, nil)
	require.ErrorIs(t, err, ErrUnknownOp)

	_, err = Call(context.Background(), eng, "layernorm2d_fwd", good, map[string]Value{"gamma": TensorValue(vec(4))})
	require.ErrorIs(t, err, ErrBadCall)

	_, err = Call(context.Background(), eng, "layernorm2d_fwd", good, map[string]Value{"input": TensorValue(mat(2, 4))})
	require.ErrorIs(t, err, ErrBadCall)
	assert.Contains(t, err.Error(), "twice")

	_, err = Call(context.Background(), eng, "layernorm2d_fwd",
		append(append([]Value{}, good...), TensorValue(vec(4)), TensorValue(vec(4))), nil)
	require.ErrorIs(t, err, ErrBadCall)

	// Kind mismatch is a bind failure, not a kernel error.
	_, err = Call(context.Background(), eng, "layernorm2d_fwd",
		[]Value{FloatValue(1), TensorValue(vec(4)), TensorValue(vec(4)), FloatValue(1e-6)}, nil)
	require.ErrorIs(t, err, ErrBadCall)

	assert.Zero(t, eng.count())
}

func TestOutBufferIdentity(t *testing.T) {
	eng := &recorderEngine{}
	out := mat(2, 4)
	residualOut := mat(2, 4)

	_, err := Call(context.Background(), eng, "layernorm2d_fwd_with_add",
		[]Value{
			TensorValue(out), TensorValue(mat(2, 4)), TensorValue(mat(2, 4)), TensorValue(residualOut),
			TensorValue(vec(4)), TensorValue(vec(4)),
		},
		map[string]Value{"epsilon": FloatValue(1e-5)})
	require.NoError(t, err)

	call := eng.last(t)
	assert.Equal(t, "layernorm2d_fwd_with_add", call.op)
	assert.Same(t, out, call.tensors[0], "out must be forwarded by reference")
	assert.Same(t, residualOut, call.tensors[3], "residual_out must be forwarded by reference")
	assert.Nil(t, call.xBias)
	assert.Equal(t, float32(1e-5), call.epsilon)
}

func TestVariadicPassThrough(t *testing.T) {
	eng := &recorderEngine{}
	out := mat(2, 4)

	_, err := Call(context.Background(), eng, "layernorm2d_with_add_asm",
		[]Value{TensorValue(out), TensorValue(mat(2, 4)), FloatValue(1e-5), IntValue(7)}, nil)
	require.NoError(t, err)

	call := eng.last(t)
	require.Len(t, call.raw, 4)
	assert.Same(t, out, call.raw[0])
	assert.Equal(t, 1e-5, call.raw[2])
	assert.Equal(t, int64(7), call.raw[3])

	_, err = Call(context.Background(), eng, "layernorm2d_with_add_asm",
		nil, map[string]Value{"out": TensorValue(out)})
	require.ErrorIs(t, err, ErrBadCall, "asm operations expose no named-argument contract")
}

func TestConcurrentDisjointCalls(t *testing.T) {
	eng := &recorderEngine{}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := Call(context.Background(), eng, "layernorm2d_fwd",
					[]Value{TensorValue(mat(2, 4)), TensorValue(vec(4)), TensorValue(vec(4)), FloatValue(1e-6)}, nil)
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 8*50, eng.count())
}
