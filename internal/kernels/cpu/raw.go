package cpu

import (
	"fmt"

	"github.com/Vivicai1005/aiter/internal/kernels"
	"github.com/Vivicai1005/aiter/internal/tensor"
)

// RawDispatch routes the hand-written kernel names onto the fused
// reference paths. The argument layout is positional and owned by the
// kernel: it mirrors the corresponding named variant, with epsilon as the
// trailing scalar and x_bias as an optional final tensor.
func (e *Engine) RawDispatch(name string, args []any) error {
	switch name {
	case "layernorm2d_with_add_asm":
		t, eps, err := rawArgs(name, args, 6)
		if err != nil {
			return err
		}
		return e.Layernorm2dFwdWithAdd(t[0], t[1], t[2], t[3], t[4], t[5], eps, t[6])

	case "layernorm2d_with_add_smoothquant_asm":
		t, eps, err := rawArgs(name, args, 8)
		if err != nil {
			return err
		}
		return e.Layernorm2dFwdWithAddSmoothquant(t[0], t[1], t[2], t[3], t[4], t[5], t[6], t[7], eps, t[8])
	}
	return fmt.Errorf("%w: %q", kernels.ErrUnknownKernel, name)
}

// rawArgs checks a positional layout of nt leading tensors, one scalar
// epsilon, and an optional trailing x_bias tensor. The returned tensor
// slice always has nt+1 entries; the last is nil when x_bias was omitted.
func rawArgs(name string, args []any, nt int) ([]*tensor.Tensor, float32, error) {
	if len(args) != nt+1 && len(args) != nt+2 {
		return nil, 0, fmt.Errorf("%s: got %d arguments, want %d or %d", name, len(args), nt+1, nt+2)
	}

	out := make([]*tensor.Tensor, nt+1)
	for i := 0; i < nt; i++ {
		t, ok := args[i].(*tensor.Tensor)
		if !ok {
			return nil, 0, fmt.Errorf("%s: argument %d must be a tensor, got %T", name, i, args[i])
		}
		out[i] = t
	}

	var eps float32
	switch v := args[nt].(type) {
	case float32:
		eps = v
	case float64:
		eps = float32(v)
	default:
		return nil, 0, fmt.Errorf("%s: argument %d must be a scalar, got %T", name, nt, args[nt])
	}

	if len(args) == nt+2 && args[nt+1] != nil {
		t, ok := args[nt+1].(*tensor.Tensor)
		if !ok {
			return nil, 0, fmt.Errorf("%s: argument %d must be a tensor, got %T", name, nt+1, args[nt+1])
		}
		out[nt] = t
	}
	return out, eps, nil
}
