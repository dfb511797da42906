package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/Vivicai1005/aiter/internal/client"
	"github.com/Vivicai1005/aiter/internal/kernels"
	"github.com/Vivicai1005/aiter/internal/kernels/cpu"
	"github.com/Vivicai1005/aiter/internal/kernels/rocm"
	"github.com/Vivicai1005/aiter/internal/ops"
	"github.com/Vivicai1005/aiter/internal/serve"
	"github.com/Vivicai1005/aiter/internal/tensor"
)

var (
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight server (e.g. :9090)")
	serverAddr    = flag.String("server", "", "Remote aiter Flight server to dispatch to (e.g. localhost:9090)")
	engineName    = flag.String("engine", "cpu", "Kernel engine (cpu, rocm)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	maxConcurrent = flag.Int("max-concurrent", 16384, "Maximum number of concurrent rows to process")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	benchRows     = flag.Int("rows", 1024, "Benchmark batch rows")
	benchCols     = flag.Int("cols", 768, "Benchmark feature dimension")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	var eng kernels.Engine
	switch *engineName {
	case "cpu":
		eng = cpu.New()
	case "rocm":
		eng = rocm.New()
		log.Info().Strs("archs", rocm.SupportedArchs()).Msg("ROCm engine initialized")
	default:
		log.Fatal().Str("engine", *engineName).Msg("Unknown engine")
	}
	log.Info().Str("engine", eng.Name()).Int("operations", len(ops.Ops())).Msg("Binding surface ready")

	// Server Mode
	if *listenAddr != "" {
		srv := serve.New(eng, *maxConcurrent)
		go func() {
			if err := srv.Start(*listenAddr); err != nil {
				log.Fatal().Err(err).Msg("Server failed")
			}
		}()
		if *flightAddr == "" {
			select {}
		}
	}

	if *flightAddr != "" {
		serve.StartFlightServer(*flightAddr, eng)
		return
	}

	// Remote dispatch mode: push one benchmark batch through a remote
	// Flight server.
	if *serverAddr != "" {
		runRemote(eng)
		return
	}

	if *duration > 0 {
		runSoak(eng)
		return
	}

	runBench(eng)
}

func randomBatch(m, n int) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor) {
	rng := rand.New(rand.NewSource(42))
	data := make([]float32, m*n)
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	weight := make([]float32, n)
	bias := make([]float32, n)
	for i := range weight {
		weight[i] = 1
	}
	return tensor.FromFloat32(data, m, n), tensor.FromFloat32(weight, n), tensor.FromFloat32(bias, n)
}

func runBench(eng kernels.Engine) {
	input, weight, bias := randomBatch(*benchRows, *benchCols)

	start := time.Now()
	out, err := ops.Call(context.Background(), eng, "layernorm2d_fwd",
		[]ops.Value{ops.TensorValue(input), ops.TensorValue(weight), ops.TensorValue(bias), ops.FloatValue(1e-5)}, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("layernorm2d_fwd failed")
	}
	elapsed := time.Since(start)

	r, c := out.Dims2()
	log.Info().
		Int("rows", r).
		Int("cols", c).
		Dur("elapsed", elapsed).
		Float64("rps", float64(r)/elapsed.Seconds()).
		Msg("Normalized batch")
}

func runSoak(eng kernels.Engine) {
	log.Info().Str("duration", duration.String()).Msg("Starting soak test")
	input, weight, bias := randomBatch(*benchRows, *benchCols)

	startTime := time.Now()
	endTime := startTime.Add(*duration)
	var totalRows int64
	var iter int

	for time.Now().Before(endTime) {
		_, err := ops.Call(context.Background(), eng, "layernorm2d_fwd",
			[]ops.Value{ops.TensorValue(input), ops.TensorValue(weight), ops.TensorValue(bias), ops.FloatValue(1e-5)}, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("Soak iteration failed")
		}

		totalRows += int64(*benchRows)
		iter++

		if iter%100 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_rows", totalRows).
				Float64("rps", float64(totalRows)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_rows", totalRows).
		Dur("total_time", totalElapsed).
		Float64("avg_rps", float64(totalRows)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

func runRemote(eng kernels.Engine) {
	fc, err := client.NewFlightClient(*serverAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to remote server")
	}
	defer func() {
		if err := fc.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close flight client")
		}
	}()

	input, weight, bias := randomBatch(*benchRows, *benchCols)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	start := time.Now()
	out, err := fc.Layernorm2dFwd(ctx, input, weight, bias, 1e-5)
	if err != nil {
		log.Fatal().Err(err).Msg("Remote dispatch failed")
	}
	elapsed := time.Since(start)

	// Cross-check against the local engine.
	local, err := eng.Layernorm2dFwd(input, weight, bias, 1e-5, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Local cross-check failed")
	}
	var maxDiff float64
	lo, re := local.Float32s(), out.Float32s()
	for i := range lo {
		d := float64(lo[i] - re[i])
		if d < 0 {
			d = -d
		}
		if d > maxDiff {
			maxDiff = d
		}
	}

	r, c := out.Dims2()
	log.Info().
		Int("rows", r).
		Int("cols", c).
		Dur("elapsed", elapsed).
		Float64("max_diff", maxDiff).
		Msg("Remote batch normalized")
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("aiter"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
