package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/Vivicai1005/aiter/internal/tensor"
)

// RecordBuilder assembles the input/weight/bias records a remote aiter
// Flight server expects: three fixed-size-list<float32> columns of the
// feature width, with the parameter vectors broadcast to every row.
type RecordBuilder struct {
	mem memory.Allocator
}

func NewRecordBuilder(mem memory.Allocator) *RecordBuilder {
	return &RecordBuilder{mem: mem}
}

// Build converts an [m,n] activation tensor plus length-n weight/bias
// vectors into one record.
func (b *RecordBuilder) Build(input, weight, bias *tensor.Tensor) (arrow.RecordBatch, error) {
	m, n := input.Dims2()
	if weight.Numel() != n || bias.Numel() != n {
		return nil, fmt.Errorf("client: weight/bias length %d/%d does not match input width %d", weight.Numel(), bias.Numel(), n)
	}

	fslType := arrow.FixedSizeListOf(int32(n), arrow.PrimitiveTypes.Float32)
	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: "input", Type: fslType},
			{Name: "weight", Type: fslType},
			{Name: "bias", Type: fslType},
		},
		nil,
	)

	broadcast := func(row []float32) arrow.Array {
		lb := array.NewFixedSizeListBuilder(b.mem, int32(n), arrow.PrimitiveTypes.Float32)
		defer lb.Release()
		vb := lb.ValueBuilder().(*array.Float32Builder)
		for i := 0; i < m; i++ {
			lb.Append(true)
			vb.AppendValues(row, nil)
		}
		return lb.NewArray()
	}

	lb := array.NewFixedSizeListBuilder(b.mem, int32(n), arrow.PrimitiveTypes.Float32)
	defer lb.Release()
	vb := lb.ValueBuilder().(*array.Float32Builder)
	in := input.Float32s()
	for i := 0; i < m; i++ {
		lb.Append(true)
		vb.AppendValues(in[i*n:(i+1)*n], nil)
	}
	inputArr := lb.NewArray()
	defer inputArr.Release()

	weightArr := broadcast(weight.Float32s())
	defer weightArr.Release()
	biasArr := broadcast(bias.Float32s())
	defer biasArr.Release()

	return array.NewRecordBatch(schema, []arrow.Array{inputArr, weightArr, biasArr}, int64(m)), nil
}
