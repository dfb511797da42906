package tensor

import (
	"fmt"
	"unsafe"
)

// DType identifies the element type of a Tensor.
type DType int

const (
	Float32 DType = iota
	Float16
	Int8
	Int32
)

// ElemSize returns the size in bytes of one element.
func (d DType) ElemSize() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Int8:
		return 1
	}
	panic(fmt.Sprintf("tensor: unknown dtype %d", int(d)))
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "f32"
	case Float16:
		return "f16"
	case Int8:
		return "i8"
	case Int32:
		return "i32"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// ParseDType is the inverse of DType.String.
func ParseDType(s string) (DType, error) {
	switch s {
	case "f32":
		return Float32, nil
	case "f16":
		return Float16, nil
	case "i8":
		return Int8, nil
	case "i32":
		return Int32, nil
	}
	return 0, fmt.Errorf("tensor: unknown dtype %q", s)
}

// Tensor is an opaque multi-dimensional buffer passed through the binding
// surface. The binding layer never allocates, resizes, or copies a Tensor
// it did not create; kernels mutate out-parameter tensors in place.
//
// Storage is a typed flat slice in row-major order. Exactly one of the
// backing slices is non-nil, selected by dtype.
type Tensor struct {
	dt    DType
	shape []int

	f32 []float32
	u16 []uint16 // raw fp16 bits
	i8  []int8
	i32 []int32
}

// New allocates a zeroed tensor of the given dtype and shape.
func New(dt DType, shape ...int) *Tensor {
	n := numel(shape)
	t := &Tensor{dt: dt, shape: append([]int(nil), shape...)}
	switch dt {
	case Float32:
		t.f32 = make([]float32, n)
	case Float16:
		t.u16 = make([]uint16, n)
	case Int8:
		t.i8 = make([]int8, n)
	case Int32:
		t.i32 = make([]int32, n)
	}
	return t
}

// FromFloat32 wraps data (not copied) as a Float32 tensor.
func FromFloat32(data []float32, shape ...int) *Tensor {
	if len(data) != numel(shape) {
		panic("tensor: data length does not match shape")
	}
	return &Tensor{dt: Float32, shape: append([]int(nil), shape...), f32: data}
}

// FromInt8 wraps data (not copied) as an Int8 tensor.
func FromInt8(data []int8, shape ...int) *Tensor {
	if len(data) != numel(shape) {
		panic("tensor: data length does not match shape")
	}
	return &Tensor{dt: Int8, shape: append([]int(nil), shape...), i8: data}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("tensor: negative dimension")
		}
		n *= d
	}
	return n
}

func (t *Tensor) DType() DType { return t.dt }

// Shape returns the dimensions. Callers must not mutate the result.
func (t *Tensor) Shape() []int { return t.shape }

// Numel returns the total element count.
func (t *Tensor) Numel() int { return numel(t.shape) }

// Dims2 returns (rows, cols) for a 2-D tensor. A 1-D tensor is reported
// as a single row.
func (t *Tensor) Dims2() (int, int) {
	switch len(t.shape) {
	case 1:
		return 1, t.shape[0]
	case 2:
		return t.shape[0], t.shape[1]
	}
	panic(fmt.Sprintf("tensor: Dims2 on %d-d tensor", len(t.shape)))
}

// Float32s returns the backing slice of a Float32 tensor.
func (t *Tensor) Float32s() []float32 {
	if t.dt != Float32 {
		panic("tensor: Float32s on " + t.dt.String())
	}
	return t.f32
}

// Uint16s returns the raw fp16 bits of a Float16 tensor.
func (t *Tensor) Uint16s() []uint16 {
	if t.dt != Float16 {
		panic("tensor: Uint16s on " + t.dt.String())
	}
	return t.u16
}

// Int8s returns the backing slice of an Int8 tensor.
func (t *Tensor) Int8s() []int8 {
	if t.dt != Int8 {
		panic("tensor: Int8s on " + t.dt.String())
	}
	return t.i8
}

// Int32s returns the backing slice of an Int32 tensor.
func (t *Tensor) Int32s() []int32 {
	if t.dt != Int32 {
		panic("tensor: Int32s on " + t.dt.String())
	}
	return t.i32
}

// ToFloat32 converts the tensor contents to a freshly allocated float32
// slice, widening fp16 and integer types.
func (t *Tensor) ToFloat32() []float32 {
	n := t.Numel()
	out := make([]float32, n)
	switch t.dt {
	case Float32:
		copy(out, t.f32)
	case Float16:
		for i, h := range t.u16 {
			out[i] = F16ToF32(h)
		}
	case Int8:
		for i, v := range t.i8 {
			out[i] = float32(v)
		}
	case Int32:
		for i, v := range t.i32 {
			out[i] = float32(v)
		}
	}
	return out
}

// Bytes returns the storage viewed as little-endian bytes, without copying.
// Used by the wire codecs; callers must not retain the slice past the
// tensor's lifetime.
func (t *Tensor) Bytes() []byte {
	switch t.dt {
	case Float32:
		if len(t.f32) == 0 {
			return nil
		}
		return unsafe.Slice((*byte)(unsafe.Pointer(&t.f32[0])), len(t.f32)*4)
	case Float16:
		if len(t.u16) == 0 {
			return nil
		}
		return unsafe.Slice((*byte)(unsafe.Pointer(&t.u16[0])), len(t.u16)*2)
	case Int8:
		if len(t.i8) == 0 {
			return nil
		}
		return unsafe.Slice((*byte)(unsafe.Pointer(&t.i8[0])), len(t.i8))
	case Int32:
		if len(t.i32) == 0 {
			return nil
		}
		return unsafe.Slice((*byte)(unsafe.Pointer(&t.i32[0])), len(t.i32)*4)
	}
	return nil
}

// FromBytes builds a tensor from wire bytes (little-endian). The bytes are
// copied into freshly allocated, properly aligned storage.
func FromBytes(dt DType, shape []int, raw []byte) (*Tensor, error) {
	n := numel(shape)
	if len(raw) != n*dt.ElemSize() {
		return nil, fmt.Errorf("tensor: %d bytes for %s tensor of %d elements", len(raw), dt, n)
	}
	t := New(dt, shape...)
	copy(t.Bytes(), raw)
	return t, nil
}
