package ops

import "github.com/Vivicai1005/aiter/internal/tensor"

// Kind tags a Value. The zero Kind is the absent sentinel used for
// optional parameters that were not supplied.
type Kind int

const (
	KindAbsent Kind = iota
	KindTensor
	KindFloat
	KindInt
)

func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindTensor:
		return "tensor"
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	}
	return "kind(?)"
}

// Value is one bound argument: a tensor reference, a scalar, or the
// explicit absent sentinel. Tensors are carried by reference; the binding
// layer never copies or reallocates a buffer it forwards.
type Value struct {
	kind Kind
	t    *tensor.Tensor
	f    float64
	i    int64
}

// Absent is the tagged sentinel forwarded for optional parameters the
// caller omitted.
var Absent = Value{}

// TensorValue wraps a tensor reference. A nil tensor is the absent
// sentinel.
func TensorValue(t *tensor.Tensor) Value {
	if t == nil {
		return Absent
	}
	return Value{kind: KindTensor, t: t}
}

func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }

func IntValue(i int64) Value { return Value{kind: KindInt, i: i} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// Tensor returns the carried tensor, or nil for the absent sentinel.
func (v Value) Tensor() *tensor.Tensor { return v.t }

func (v Value) Float() float64 { return v.f }

func (v Value) Int() int64 { return v.i }

// raw converts to the positional pass-through representation used by
// RawDispatch.
func (v Value) raw() any {
	switch v.kind {
	case KindTensor:
		return v.t
	case KindFloat:
		return v.f
	case KindInt:
		return v.i
	}
	return nil
}
