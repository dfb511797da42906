//go:build ignore

package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Vivicai1005/aiter/internal/client"
	"github.com/Vivicai1005/aiter/internal/tensor"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to aiter Flight Server")

	// Retry connection loop
	var c *client.FlightClient
	var err error

	for i := 0; i < 10; i++ {
		c, err = client.NewFlightClient(addr)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Connection failed, retrying...")
		time.Sleep(1 * time.Second)
	}

	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect after retries")
	}
	defer c.Close()

	const rows, cols = 8, 64
	input := tensor.New(tensor.Float32, rows, cols)
	data := input.Float32s()
	for i := range data {
		data[i] = float32((i*31)%17) - 8
	}
	weight := tensor.New(tensor.Float32, cols)
	bias := tensor.New(tensor.Float32, cols)
	for i := 0; i < cols; i++ {
		weight.Float32s()[i] = 1
	}

	log.Info().Int("rows", rows).Int("cols", cols).Msg("Sending batch")

	start := time.Now()
	out, err := c.Layernorm2dFwd(context.Background(), input, weight, bias, 1e-5)
	if err != nil {
		log.Fatal().Err(err).Msg("Remote layernorm failed")
	}
	elapsed := time.Since(start)

	log.Info().Dur("elapsed", elapsed).Msg("Received result")

	m, n := out.Dims2()
	if m != rows || n != cols {
		log.Fatal().Int("rows", m).Int("cols", n).Msg("Shape mismatch")
	}

	// Each normalized row must have near-zero mean and unit variance.
	res := out.Float32s()
	for r := 0; r < rows; r++ {
		row := res[r*cols : (r+1)*cols]
		var sum, sq float64
		for _, v := range row {
			sum += float64(v)
			sq += float64(v) * float64(v)
		}
		mean := sum / cols
		variance := sq/cols - mean*mean
		if math.Abs(mean) > 1e-3 || math.Abs(variance-1) > 1e-2 {
			log.Fatal().Int("row", r).Float64("mean", mean).Float64("variance", variance).Msg("Row not normalized")
		}
		log.Info().Int("row", r).Float64("mean", mean).Float64("variance", variance).Msg("Row valid")
	}

	fmt.Println("VERIFICATION PASSED")
}
