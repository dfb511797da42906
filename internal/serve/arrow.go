package serve

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/Vivicai1005/aiter/internal/tensor"
)

// Arrow layout for the bulk layernorm path: each record carries an "input"
// fixed-size-list<float32> column of activation rows plus "weight" and
// "bias" columns of the same list width. The parameter vectors are
// broadcast per record; row 0 of each is used.

func fslColumn(rec arrow.RecordBatch, name string) (*array.FixedSizeList, int, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, 0, fmt.Errorf("record has no %q column", name)
	}
	fsl, ok := rec.Column(indices[0]).(*array.FixedSizeList)
	if !ok {
		return nil, 0, fmt.Errorf("%q column is not a fixed-size list", name)
	}
	width := int(fsl.DataType().(*arrow.FixedSizeListType).Len())
	if _, ok := fsl.ListValues().(*array.Float32); !ok {
		return nil, 0, fmt.Errorf("%q column is not float32", name)
	}
	return fsl, width, nil
}

func fslRow(fsl *array.FixedSizeList, width, i int) []float32 {
	vals := fsl.ListValues().(*array.Float32).Float32Values()
	start := (fsl.Offset() + i) * width
	return vals[start : start+width]
}

// recordToTensors extracts the activation matrix and the broadcast
// weight/bias vectors from one record.
func recordToTensors(rec arrow.RecordBatch) (input, weight, bias *tensor.Tensor, err error) {
	in, n, err := fslColumn(rec, "input")
	if err != nil {
		return nil, nil, nil, err
	}
	wc, wn, err := fslColumn(rec, "weight")
	if err != nil {
		return nil, nil, nil, err
	}
	bc, bn, err := fslColumn(rec, "bias")
	if err != nil {
		return nil, nil, nil, err
	}
	if wn != n || bn != n {
		return nil, nil, nil, fmt.Errorf("weight/bias width %d/%d does not match input width %d", wn, bn, n)
	}
	m := int(rec.NumRows())
	if m == 0 {
		return nil, nil, nil, fmt.Errorf("empty record")
	}

	data := make([]float32, m*n)
	for i := 0; i < m; i++ {
		copy(data[i*n:(i+1)*n], fslRow(in, n, i))
	}
	w := make([]float32, n)
	copy(w, fslRow(wc, n, 0))
	b := make([]float32, n)
	copy(b, fslRow(bc, n, 0))

	return tensor.FromFloat32(data, m, n), tensor.FromFloat32(w, n), tensor.FromFloat32(b, n), nil
}

// outputRecord wraps a normalized [m,n] tensor as a single-column record.
// The tensor's storage backs the record without copying; it must stay
// reachable until the record is written.
func outputRecord(out *tensor.Tensor) arrow.RecordBatch {
	m, n := out.Dims2()

	buf := memory.NewBufferBytes(arrow.Float32Traits.CastToBytes(out.Float32s()))
	fslType := arrow.FixedSizeListOf(int32(n), arrow.PrimitiveTypes.Float32)

	valuesData := array.NewData(arrow.PrimitiveTypes.Float32, m*n, []*memory.Buffer{nil, buf}, nil, 0, 0)
	defer valuesData.Release()

	fslData := array.NewData(fslType, m, []*memory.Buffer{nil}, []arrow.ArrayData{valuesData}, 0, 0)
	defer fslData.Release()
	outArr := array.NewFixedSizeListData(fslData)
	defer outArr.Release()

	schema := arrow.NewSchema([]arrow.Field{{Name: "output", Type: fslType}}, nil)
	return array.NewRecordBatch(schema, []arrow.Array{outArr}, int64(m))
}

func (s *Server) handleLayernormArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleLayernormArrow")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	epsilon := 1e-5
	if v := r.URL.Query().Get("epsilon"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "Bad epsilon: "+err.Error(), http.StatusBadRequest)
			return
		}
		epsilon = parsed
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, "Failed to create IPC reader: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var writer *ipc.Writer
	totalRows := 0

	for reader.Next() {
		rec := reader.Record()
		input, weight, bias, err := recordToTensors(rec)
		if err != nil {
			http.Error(w, "Bad record: "+err.Error(), http.StatusBadRequest)
			return
		}

		m := int(rec.NumRows())
		if err := s.sem.Acquire(ctx, int64(m)); err != nil {
			log.Error().Err(err).Msg("Failed to acquire semaphore for arrow batch")
			break
		}
		out, err := s.eng.Layernorm2dFwd(input, weight, bias, float32(epsilon), nil)
		s.sem.Release(int64(m))
		if err != nil {
			span.RecordError(err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		outRec := outputRecord(out)
		if writer == nil {
			w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
			writer = ipc.NewWriter(w, ipc.WithSchema(outRec.Schema()), ipc.WithAllocator(s.alloc))
			defer writer.Close()
		}
		if err := writer.Write(outRec); err != nil {
			outRec.Release()
			log.Error().Err(err).Msg("Failed to write arrow output record")
			return
		}
		outRec.Release()
		totalRows += m
	}

	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		if writer == nil {
			http.Error(w, "Stream error", http.StatusInternalServerError)
		}
		return
	}

	log.Debug().Int("rows", totalRows).Msg("Arrow layernorm stream complete")
}
