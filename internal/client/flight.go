package client

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Vivicai1005/aiter/internal/tensor"
)

// FlightClient dispatches layernorm batches to a remote aiter Flight
// server over DoExchange. Remote calls run behind a circuit breaker so a
// dead server sheds load quickly instead of stacking timeouts.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	alloc   memory.Allocator
	builder *RecordBuilder
	breaker *CircuitBreaker
}

// NewFlightClient connects to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	alloc := memory.NewGoAllocator()
	return &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		alloc:   alloc,
		builder: NewRecordBuilder(alloc),
		breaker: NewCircuitBreaker(5, 10*time.Second),
	}, nil
}

// Layernorm2dFwd runs the remote kernel on one [m,n] activation batch and
// returns the normalized output.
func (c *FlightClient) Layernorm2dFwd(ctx context.Context, input, weight, bias *tensor.Tensor, epsilon float32) (*tensor.Tensor, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("client: circuit open, refusing remote dispatch")
	}

	out, err := c.exchange(ctx, input, weight, bias, epsilon)
	if err != nil {
		c.breaker.Failure()
		return nil, err
	}
	c.breaker.Success()
	return out, nil
}

func (c *FlightClient) exchange(ctx context.Context, input, weight, bias *tensor.Tensor, epsilon float32) (*tensor.Tensor, error) {
	rec, err := c.builder.Build(input, weight, bias)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"layernorm2d_fwd", strconv.FormatFloat(float64(epsilon), 'g', -1, 32)},
	})
	if err := writer.Write(rec); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	if !reader.Next() {
		if reader.Err() != nil {
			return nil, reader.Err()
		}
		return nil, fmt.Errorf("client: no result record from server")
	}
	return resultToTensor(reader.Record())
}

func resultToTensor(rec arrow.RecordBatch) (*tensor.Tensor, error) {
	indices := rec.Schema().FieldIndices("output")
	if len(indices) == 0 {
		return nil, fmt.Errorf("client: result record has no output column")
	}
	fsl, ok := rec.Column(indices[0]).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("client: output column is not a fixed-size list")
	}
	n := int(fsl.DataType().(*arrow.FixedSizeListType).Len())
	vals, ok := fsl.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("client: output column is not float32")
	}

	m := int(rec.NumRows())
	data := make([]float32, m*n)
	copy(data, vals.Float32Values()[fsl.Offset()*n:])
	return tensor.FromFloat32(data, m, n), nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
