package kernels

import (
	"errors"

	"github.com/Vivicai1005/aiter/internal/tensor"
)

// Engine is the kernel-invocation boundary the binding surface dispatches
// onto. One method per named operation; optional tensor parameters are nil
// when absent, and splitK == 0 means the engine picks its own reduction
// partitioning.
//
// Engines own all shape/dtype/device validation. The binding layer
// forwards arguments verbatim and never inspects buffers, so a violated
// precondition surfaces as the engine's error, untranslated.
//
// Out-parameter methods mutate the caller's buffers in place and must not
// reallocate them. Engines are expected to be safe for concurrent calls
// with disjoint buffers.
type Engine interface {
	Name() string

	// Layernorm2dFwd returns a newly allocated normalized output.
	Layernorm2dFwd(input, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) (*tensor.Tensor, error)

	// Layernorm2dFwdWithAdd fuses a residual add: residualOut <- input +
	// residualIn (+ xBias), out <- layernorm(residualOut).
	Layernorm2dFwdWithAdd(out, input, residualIn, residualOut, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error

	// Layernorm2dFwdWithSmoothquant quantizes the normalized output to int8
	// using the static per-column xscale and per-row yscale.
	Layernorm2dFwdWithSmoothquant(out, input, xscale, yscale, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error

	Layernorm2dFwdWithAddSmoothquant(out, input, residualIn, residualOut, xscale, yscale, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error

	// Layernorm2dFwdWithDynamicquant computes the per-row scale from the
	// data at call time and writes it into yscale.
	Layernorm2dFwdWithDynamicquant(out, input, yscale, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error

	Layernorm2dFwdWithAddDynamicquant(out, input, residualIn, residualOut, yscale, weight, bias *tensor.Tensor, epsilon float32, xBias *tensor.Tensor) error

	// BatchedGemmA8W8 computes Out = (XQ x WQ^T) scaled by xScale and
	// wScale per batch, plus optional bias. splitK > 0 forces that many
	// reduction passes over K.
	BatchedGemmA8W8(xq, wq, xScale, wScale, out, bias *tensor.Tensor, splitK int) error

	// RawDispatch invokes a hand-written kernel variant by name with a
	// purely positional argument list. The argument contract belongs to
	// the kernel; the binding surface forwards without inspection.
	RawDispatch(name string, args []any) error
}

// ErrUnknownKernel is returned by RawDispatch for a name the engine does
// not carry.
var ErrUnknownKernel = errors.New("kernels: unknown kernel")
