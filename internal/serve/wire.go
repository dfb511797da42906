package serve

import (
	"fmt"

	"github.com/Vivicai1005/aiter/internal/ops"
	"github.com/Vivicai1005/aiter/internal/tensor"
)

// wireTensor is the CBOR encoding of one buffer: dtype tag, shape, and raw
// little-endian element bytes.
type wireTensor struct {
	DType string `cbor:"dtype"`
	Shape []int  `cbor:"shape"`
	Data  []byte `cbor:"data"`
}

// wireValue is one call argument. Exactly one field is set; an empty
// wireValue is the absent sentinel.
type wireValue struct {
	Tensor *wireTensor `cbor:"tensor,omitempty"`
	Float  *float64    `cbor:"float,omitempty"`
	Int    *int64      `cbor:"int,omitempty"`
}

type invokeRequest struct {
	Args   []wireValue          `cbor:"args"`
	Kwargs map[string]wireValue `cbor:"kwargs,omitempty"`
}

type invokeResponse struct {
	Result  *wireTensor            `cbor:"result,omitempty"`
	Outputs map[string]*wireTensor `cbor:"outputs,omitempty"`
}

func decodeTensor(w *wireTensor) (*tensor.Tensor, error) {
	dt, err := tensor.ParseDType(w.DType)
	if err != nil {
		return nil, err
	}
	return tensor.FromBytes(dt, w.Shape, w.Data)
}

func encodeTensor(t *tensor.Tensor) *wireTensor {
	return &wireTensor{
		DType: t.DType().String(),
		Shape: t.Shape(),
		Data:  t.Bytes(),
	}
}

func decodeValue(w wireValue) (ops.Value, error) {
	switch {
	case w.Tensor != nil:
		t, err := decodeTensor(w.Tensor)
		if err != nil {
			return ops.Absent, err
		}
		return ops.TensorValue(t), nil
	case w.Float != nil:
		return ops.FloatValue(*w.Float), nil
	case w.Int != nil:
		return ops.IntValue(*w.Int), nil
	}
	return ops.Absent, nil
}

func decodeRequest(req *invokeRequest) ([]ops.Value, map[string]ops.Value, error) {
	args := make([]ops.Value, len(req.Args))
	for i, w := range req.Args {
		v, err := decodeValue(w)
		if err != nil {
			return nil, nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = v
	}
	var kwargs map[string]ops.Value
	if len(req.Kwargs) > 0 {
		kwargs = make(map[string]ops.Value, len(req.Kwargs))
		for k, w := range req.Kwargs {
			v, err := decodeValue(w)
			if err != nil {
				return nil, nil, fmt.Errorf("argument %q: %w", k, err)
			}
			kwargs[k] = v
		}
	}
	return args, kwargs, nil
}

// collectOutputs echoes the mutated out-parameter buffers back to the
// remote caller. Schema-less (variadic) operations echo every tensor
// argument positionally, since the binding cannot know which ones the
// kernel wrote.
func collectOutputs(spec *ops.OpSpec, bound []ops.Value) map[string]*wireTensor {
	out := make(map[string]*wireTensor)
	if spec.Variadic {
		for i, v := range bound {
			if t := v.Tensor(); t != nil {
				out[fmt.Sprintf("arg%d", i)] = encodeTensor(t)
			}
		}
	} else {
		for _, name := range spec.Outputs {
			for i := range spec.Params {
				if spec.Params[i].Name == name {
					if t := bound[i].Tensor(); t != nil {
						out[name] = encodeTensor(t)
					}
					break
				}
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
