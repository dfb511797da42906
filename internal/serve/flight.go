package serve

import (
	"strconv"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/Vivicai1005/aiter/internal/kernels"
)

// FlightServer serves the bulk layernorm path over Arrow Flight. Each
// DoExchange record uses the same input/weight/bias layout as the Arrow
// HTTP path; epsilon may be carried in the flight descriptor path as
// ["layernorm2d_fwd", "<epsilon>"].
type FlightServer struct {
	flight.BaseFlightServer
	eng   kernels.Engine
	alloc memory.Allocator
}

func NewFlightServer(eng kernels.Engine) *FlightServer {
	return &FlightServer{
		eng:   eng,
		alloc: memory.NewGoAllocator(),
	}
}

func (s *FlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	epsilon := float32(1e-5)
	if desc := reader.LatestFlightDescriptor(); desc != nil && len(desc.Path) > 1 {
		if v, err := strconv.ParseFloat(desc.Path[1], 32); err == nil {
			epsilon = float32(v)
		}
	}

	var writer *flight.Writer
	for reader.Next() {
		rec := reader.Record()
		input, weight, bias, err := recordToTensors(rec)
		if err != nil {
			return err
		}

		out, err := s.eng.Layernorm2dFwd(input, weight, bias, epsilon, nil)
		if err != nil {
			return err
		}

		outRec := outputRecord(out)
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(outRec.Schema()))
			defer writer.Close()
		}
		if err := writer.Write(outRec); err != nil {
			outRec.Release()
			return err
		}
		outRec.Release()
	}
	return reader.Err()
}

// StartFlightServer blocks serving Flight exchanges on addr.
func StartFlightServer(addr string, eng kernels.Engine) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewFlightServer(eng))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Str("engine", eng.Name()).Msg("Starting aiter Flight server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
