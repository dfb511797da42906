//go:build linux && rocm

package rocm

/*
#cgo LDFLAGS: -L. -laiter_hip -lamdhip64
#include "hip_bridge.h"
#include <stdlib.h>
*/
import "C"
import (
	"fmt"
	"unsafe"

	"github.com/Vivicai1005/aiter/internal/kernels"
	"github.com/Vivicai1005/aiter/internal/tensor"
)

// Check interface compliance
var _ kernels.Engine = (*Engine)(nil)

// Engine dispatches onto the HIP kernels in libaiter_hip. Host buffers are
// staged to and from device memory by the bridge; the bridge owns stream
// synchronization, so every method is synchronous from the caller's view.
type Engine struct {
	ctx C.HipContextRef
}

func New() kernels.Engine {
	ctx := C.Hip_Init()
	if ctx == nil {
		panic("Failed to initialize ROCm engine")
	}
	return &Engine{ctx: ctx}
}

// SupportedArchs lists the gfx targets the bridge library was built for.
func SupportedArchs() []string {
	return []string{"gfx90a", "gfx940", "gfx941", "gfx942", "gfx1100"}
}

func (e *Engine) Name() string {
	return "ROCm"
}

func hipErr(op string, rc C.int) error {
	if rc == 0 {
		return nil
	}
	return fmt.Errorf("%s: hip error %d: %s", op, int(rc), C.GoString(C.Hip_ErrorString(rc)))
}

func f32Ptr(t *tensor.Tensor) unsafe.Pointer {
	s := t.Float32s()
	if len(s) == 0 {
		return nil
	}
	return unsafe.Pointer(&s[0])
}

func i8Ptr(t *tensor.Tensor) unsafe.Pointer {
	s := t.Int8s()
	if len(s) == 0 {
		return nil
	}
	return unsafe.Pointer(&s[0])
}

func optF32Ptr(t *tensor.Tensor) unsafe.Pointer {
	if t == nil {
		return nil
	}
	return f32Ptr(t)
}

func (e *Engine) Layernorm2dFwd(input, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) (*tensor.Tensor, error) {
	m, n := input.Dims2()
	out := tensor.New(tensor.Float32, m, n)
	rc := C.Hip_Layernorm2dFwd(e.ctx,
		f32Ptr(out), f32Ptr(input), f32Ptr(weight), f32Ptr(bias),
		C.float(epsilon), optF32Ptr(xBias), C.int(m), C.int(n))
	if err := hipErr("layernorm2d_fwd", rc); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) Layernorm2dFwdWithAdd(out, input, residualIn, residualOut, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error {
	m, n := input.Dims2()
	rc := C.Hip_Layernorm2dFwdWithAdd(e.ctx,
		f32Ptr(out), f32Ptr(input), f32Ptr(residualIn), f32Ptr(residualOut),
		f32Ptr(weight), f32Ptr(bias), C.float(epsilon), optF32Ptr(xBias),
		C.int(m), C.int(n))
	return hipErr("layernorm2d_fwd_with_add", rc)
}

func (e *Engine) Layernorm2dFwdWithSmoothquant(out, input, xscale, yscale, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error {
	m, n := input.Dims2()
	rc := C.Hip_Layernorm2dFwdWithSmoothquant(e.ctx,
		i8Ptr(out), f32Ptr(input), f32Ptr(xscale), f32Ptr(yscale),
		f32Ptr(weight), f32Ptr(bias), C.float(epsilon), optF32Ptr(xBias),
		C.int(m), C.int(n))
	return hipErr("layernorm2d_fwd_with_smoothquant", rc)
}

func (e *Engine) Layernorm2dFwdWithAddSmoothquant(out, input, residualIn, residualOut, xscale, yscale, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error {
	m, n := input.Dims2()
	rc := C.Hip_Layernorm2dFwdWithAddSmoothquant(e.ctx,
		i8Ptr(out), f32Ptr(input), f32Ptr(residualIn), f32Ptr(residualOut),
		f32Ptr(xscale), f32Ptr(yscale), f32Ptr(weight), f32Ptr(bias),
		C.float(epsilon), optF32Ptr(xBias), C.int(m), C.int(n))
	return hipErr("layernorm2d_fwd_with_add_smoothquant", rc)
}

func (e *Engine) Layernorm2dFwdWithDynamicquant(out, input, yscale, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error {
	m, n := input.Dims2()
	rc := C.Hip_Layernorm2dFwdWithDynamicquant(e.ctx,
		i8Ptr(out), f32Ptr(input), f32Ptr(yscale),
		f32Ptr(weight), f32Ptr(bias), C.float(epsilon), optF32Ptr(xBias),
		C.int(m), C.int(n))
	return hipErr("layernorm2d_fwd_with_dynamicquant", rc)
}

func (e *Engine) Layernorm2dFwdWithAddDynamicquant(out, input, residualIn, residualOut, yscale, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error {
	m, n := input.Dims2()
	rc := C.Hip_Layernorm2dFwdWithAddDynamicquant(e.ctx,
		i8Ptr(out), f32Ptr(input), f32Ptr(residualIn), f32Ptr(residualOut),
		f32Ptr(yscale), f32Ptr(weight), f32Ptr(bias),
		C.float(epsilon), optF32Ptr(xBias), C.int(m), C.int(n))
	return hipErr("layernorm2d_fwd_with_add_dynamicquant", rc)
}

func (e *Engine) BatchedGemmA8W8(xq, wq, xScale, wScale, out, bias *tensor.Tensor, splitK int) error {
	sh := xq.Shape()
	wsh := wq.Shape()
	b, m, k := sh[0], sh[1], sh[2]
	n := wsh[1]
	var outPtr unsafe.Pointer
	if out.DType() == tensor.Float16 {
		u := out.Uint16s()
		if len(u) > 0 {
			outPtr = unsafe.Pointer(&u[0])
		}
	} else {
		outPtr = f32Ptr(out)
	}
	rc := C.Hip_BatchedGemmA8W8(e.ctx,
		i8Ptr(xq), i8Ptr(wq), f32Ptr(xScale), f32Ptr(wScale),
		outPtr, C.int(boolToInt(out.DType() == tensor.Float16)),
		optF32Ptr(bias), C.int(splitK),
		C.int(b), C.int(m), C.int(n), C.int(k))
	return hipErr("batched_gemm_a8w8", rc)
}

func (e *Engine) RawDispatch(name string, args []any) error {
	switch name {
	case "layernorm2d_with_add_asm":
		return e.rawAdd(name, args, false)
	case "layernorm2d_with_add_smoothquant_asm":
		return e.rawAdd(name, args, true)
	}
	return fmt.Errorf("%w: %q", kernels.ErrUnknownKernel, name)
}

// rawAdd forwards the positional asm layouts onto the hand-written HIP
// variants. The layout mirrors the named fused variants.
func (e *Engine) rawAdd(name string, args []any, quant bool) error {
	tensors := make([]unsafe.Pointer, 0, len(args))
	var eps C.float
	var m, n C.int
	for i, a := range args {
		switch v := a.(type) {
		case *tensor.Tensor:
			if i == 1 {
				r, c := v.Dims2()
				m, n = C.int(r), C.int(c)
			}
			if v.DType() == tensor.Int8 {
				tensors = append(tensors, i8Ptr(v))
			} else {
				tensors = append(tensors, f32Ptr(v))
			}
		case float32:
			eps = C.float(v)
		case float64:
			eps = C.float(v)
		case nil:
			tensors = append(tensors, nil)
		default:
			return fmt.Errorf("%s: argument %d: unsupported type %T", name, i, a)
		}
	}
	if len(tensors) == 0 {
		return fmt.Errorf("%s: no tensor arguments", name)
	}
	rc := C.Hip_RawLayernormAdd(e.ctx, C.int(boolToInt(quant)),
		(*unsafe.Pointer)(&tensors[0]), C.int(len(tensors)), eps, m, n)
	return hipErr(name, rc)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (e *Engine) Free() {
	C.Hip_Destroy(e.ctx)
}
