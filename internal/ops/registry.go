// Package ops is the binding surface: it maps named operations with
// positional/keyword arguments onto the kernel Engine. The registry is
// declared statically, built once at process start, and immutable
// afterwards; each Call is an independent, stateless dispatch.
//
// The binding performs no shape, dtype, or device validation; that is the
// engine's job and its errors propagate to the caller untranslated. What
// the calling convention itself does enforce is arity: unknown operations,
// unknown or duplicate keywords, and missing required parameters fail
// before any kernel dispatch.
package ops

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Vivicai1005/aiter/internal/kernels"
	"github.com/Vivicai1005/aiter/internal/tensor"
)

var (
	// ErrUnknownOp reports a name the registry does not carry.
	ErrUnknownOp = errors.New("ops: unknown operation")

	// ErrBadCall reports an argument-binding failure; the engine was not
	// dispatched.
	ErrBadCall = errors.New("ops: bad call")
)

// ParamSpec describes one parameter of an operation schema.
type ParamSpec struct {
	Name     string
	Kind     Kind
	Required bool
	Default  Value
}

// OpSpec is one registry entry: the operation name, its ordered parameter
// schema, the names of its out-parameters (mutated in place), and the
// engine invocation. Variadic entries have no schema; their arguments are
// forwarded positionally to the engine's raw kernel dispatch.
type OpSpec struct {
	Name     string
	Params   []ParamSpec
	Outputs  []string
	Variadic bool

	invoke func(eng kernels.Engine, a []Value) (*tensor.Tensor, error)
}

var tracer = otel.Tracer("aiter-ops")

// registry is built once and never mutated afterwards; lookups are
// lock-free and Call is reentrant.
var registry = buildRegistry()

// Lookup returns the registered spec for name.
func Lookup(name string) (*OpSpec, bool) {
	s, ok := registry[name]
	return s, ok
}

// Ops returns all registered specs sorted by name.
func Ops() []*OpSpec {
	out := make([]*OpSpec, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Bind resolves positional and keyword arguments against the schema and
// fills defaults. It returns one Value per schema parameter, in order.
// For variadic specs the positional arguments pass through unchanged and
// keywords are rejected.
func (s *OpSpec) Bind(args []Value, kwargs map[string]Value) ([]Value, error) {
	if s.Variadic {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("%w: %s takes positional arguments only", ErrBadCall, s.Name)
		}
		return args, nil
	}

	if len(args) > len(s.Params) {
		return nil, fmt.Errorf("%w: %s takes at most %d arguments, got %d", ErrBadCall, s.Name, len(s.Params), len(args))
	}

	bound := make([]Value, len(s.Params))
	set := make([]bool, len(s.Params))
	for i, a := range args {
		bound[i] = a
		set[i] = true
	}
	for k, v := range kwargs {
		idx := -1
		for i := range s.Params {
			if s.Params[i].Name == k {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s has no parameter %q", ErrBadCall, s.Name, k)
		}
		if set[idx] {
			return nil, fmt.Errorf("%w: %s got parameter %q twice", ErrBadCall, s.Name, k)
		}
		bound[idx] = v
		set[idx] = true
	}

	for i := range s.Params {
		p := &s.Params[i]
		if set[i] && !bound[i].IsAbsent() {
			if bound[i].Kind() != p.Kind {
				return nil, fmt.Errorf("%w: %s parameter %q wants %s, got %s", ErrBadCall, s.Name, p.Name, p.Kind, bound[i].Kind())
			}
			continue
		}
		if p.Required {
			return nil, fmt.Errorf("%w: %s missing required parameter %q", ErrBadCall, s.Name, p.Name)
		}
		bound[i] = p.Default
	}
	return bound, nil
}

// Invoke dispatches bound arguments to the engine. The returned tensor is
// non-nil only for operations that produce a new buffer; out-parameter
// operations mutate the caller's buffers and return nil.
func (s *OpSpec) Invoke(ctx context.Context, eng kernels.Engine, bound []Value) (*tensor.Tensor, error) {
	_, span := tracer.Start(ctx, "ops.Invoke")
	defer span.End()
	span.SetAttributes(attribute.String("op", s.Name))

	start := time.Now()
	opDispatches.WithLabelValues(s.Name).Inc()

	var out *tensor.Tensor
	var err error
	if s.Variadic {
		raw := make([]any, len(bound))
		for i, v := range bound {
			raw[i] = v.raw()
		}
		err = eng.RawDispatch(s.Name, raw)
	} else {
		out, err = s.invoke(eng, bound)
	}

	opDuration.WithLabelValues(s.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		opErrors.WithLabelValues(s.Name).Inc()
		span.RecordError(err)
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return out, nil
}

// Call looks up, binds, and dispatches one operation.
func Call(ctx context.Context, eng kernels.Engine, name string, args []Value, kwargs map[string]Value) (*tensor.Tensor, error) {
	s, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, name)
	}
	bound, err := s.Bind(args, kwargs)
	if err != nil {
		return nil, err
	}
	return s.Invoke(ctx, eng, bound)
}

// tp / fp / ip build the recurring schema entries.
func tp(name string, required bool) ParamSpec {
	return ParamSpec{Name: name, Kind: KindTensor, Required: required, Default: Absent}
}

func fp(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindFloat, Required: true}
}

func ip(name string, def int64) ParamSpec {
	return ParamSpec{Name: name, Kind: KindInt, Default: IntValue(def)}
}

func buildRegistry() map[string]*OpSpec {
	specs := []*OpSpec{
		{
			Name: "layernorm2d_fwd",
			Params: []ParamSpec{
				tp("input", true), tp("weight", true), tp("bias", true),
				fp("epsilon"), tp("x_bias", false),
			},
			invoke: func(eng kernels.Engine, a []Value) (*tensor.Tensor, error) {
				return eng.Layernorm2dFwd(a[0].Tensor(), a[1].Tensor(), a[2].Tensor(), float32(a[3].Float()), a[4].Tensor())
			},
		},
		{
			Name: "layernorm2d_fwd_with_add",
			Params: []ParamSpec{
				tp("out", true), tp("input", true), tp("residual_in", true), tp("residual_out", true),
				tp("weight", true), tp("bias", true), fp("epsilon"), tp("x_bias", false),
			},
			Outputs: []string{"out", "residual_out"},
			invoke: func(eng kernels.Engine, a []Value) (*tensor.Tensor, error) {
				return nil, eng.Layernorm2dFwdWithAdd(a[0].Tensor(), a[1].Tensor(), a[2].Tensor(), a[3].Tensor(),
					a[4].Tensor(), a[5].Tensor(), float32(a[6].Float()), a[7].Tensor())
			},
		},
		{
			Name: "layernorm2d_fwd_with_smoothquant",
			Params: []ParamSpec{
				tp("out", true), tp("input", true), tp("xscale", true), tp("yscale", true),
				tp("weight", true), tp("bias", true), fp("epsilon"), tp("x_bias", false),
			},
			Outputs: []string{"out"},
			invoke: func(eng kernels.Engine, a []Value) (*tensor.Tensor, error) {
				return nil, eng.Layernorm2dFwdWithSmoothquant(a[0].Tensor(), a[1].Tensor(), a[2].Tensor(), a[3].Tensor(),
					a[4].Tensor(), a[5].Tensor(), float32(a[6].Float()), a[7].Tensor())
			},
		},
		{
			Name: "layernorm2d_fwd_with_add_smoothquant",
			Params: []ParamSpec{
				tp("out", true), tp("input", true), tp("residual_in", true), tp("residual_out", true),
				tp("xscale", true), tp("yscale", true),
				tp("weight", true), tp("bias", true), fp("epsilon"), tp("x_bias", false),
			},
			Outputs: []string{"out", "residual_out"},
			invoke: func(eng kernels.Engine, a []Value) (*tensor.Tensor, error) {
				return nil, eng.Layernorm2dFwdWithAddSmoothquant(a[0].Tensor(), a[1].Tensor(), a[2].Tensor(), a[3].Tensor(),
					a[4].Tensor(), a[5].Tensor(), a[6].Tensor(), a[7].Tensor(), float32(a[8].Float()), a[9].Tensor())
			},
		},
		{
			Name: "layernorm2d_fwd_with_dynamicquant",
			Params: []ParamSpec{
				tp("out", true), tp("input", true), tp("yscale", true),
				tp("weight", true), tp("bias", true), fp("epsilon"), tp("x_bias", false),
			},
			Outputs: []string{"out", "yscale"},
			invoke: func(eng kernels.Engine, a []Value) (*tensor.Tensor, error) {
				return nil, eng.Layernorm2dFwdWithDynamicquant(a[0].Tensor(), a[1].Tensor(), a[2].Tensor(),
					a[3].Tensor(), a[4].Tensor(), float32(a[5].Float()), a[6].Tensor())
			},
		},
		{
			Name: "layernorm2d_fwd_with_add_dynamicquant",
			Params: []ParamSpec{
				tp("out", true), tp("input", true), tp("residual_in", true), tp("residual_out", true),
				tp("yscale", true),
				tp("weight", true), tp("bias", true), fp("epsilon"), tp("x_bias", false),
			},
			Outputs: []string{"out", "residual_out", "yscale"},
			invoke: func(eng kernels.Engine, a []Value) (*tensor.Tensor, error) {
				return nil, eng.Layernorm2dFwdWithAddDynamicquant(a[0].Tensor(), a[1].Tensor(), a[2].Tensor(), a[3].Tensor(),
					a[4].Tensor(), a[5].Tensor(), a[6].Tensor(), float32(a[7].Float()), a[8].Tensor())
			},
		},
		// The asm variants expose no named schema; their contract is the
		// hand-written kernel's positional signature.
		{Name: "layernorm2d_with_add_asm", Variadic: true},
		{Name: "layernorm2d_with_add_smoothquant_asm", Variadic: true},
		{
			Name: "batched_gemm_a8w8",
			Params: []ParamSpec{
				tp("XQ", true), tp("WQ", true), tp("x_scale", true), tp("w_scale", true),
				tp("Out", true), tp("bias", false), ip("splitK", 0),
			},
			Outputs: []string{"Out"},
			invoke: func(eng kernels.Engine, a []Value) (*tensor.Tensor, error) {
				return nil, eng.BatchedGemmA8W8(a[0].Tensor(), a[1].Tensor(), a[2].Tensor(), a[3].Tensor(),
					a[4].Tensor(), a[5].Tensor(), int(a[6].Int()))
			},
		},
	}

	m := make(map[string]*OpSpec, len(specs))
	for _, s := range specs {
		if _, dup := m[s.Name]; dup {
			panic("ops: duplicate registration of " + s.Name)
		}
		m[s.Name] = s
	}
	return m
}
