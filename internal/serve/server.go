// Package serve exposes the binding surface to remote callers: CBOR
// invocation over HTTP, an Arrow IPC path for bulk normalization, and the
// registry schema listing. The server holds no per-call state; the only
// shared resource is the admission semaphore.
package serve

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/Vivicai1005/aiter/internal/kernels"
	"github.com/Vivicai1005/aiter/internal/ops"
)

var (
	invokesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aiter_server_invokes_total",
		Help: "The total number of invoke requests served",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aiter_server_request_duration_seconds",
		Help:    "Time spent processing invoke requests",
		Buckets: prometheus.DefBuckets,
	})
)

var tracer = otel.Tracer("aiter-server")

type Server struct {
	eng   kernels.Engine
	sem   *semaphore.Weighted
	alloc memory.Allocator
}

func New(eng kernels.Engine, maxConcurrent int) *Server {
	return &Server{
		eng:   eng,
		sem:   semaphore.NewWeighted(int64(maxConcurrent)),
		alloc: memory.NewGoAllocator(),
	}
}

// Handler returns the HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/invoke/", s.handleInvoke)
	mux.HandleFunc("/layernorm/arrow", s.handleLayernormArrow)
	mux.HandleFunc("/ops", s.handleOps)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start blocks serving the HTTP surface on addr.
func (s *Server) Start(addr string) error {
	log.Info().Str("addr", addr).Str("engine", s.eng.Name()).Msg("Starting aiter server")
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleInvoke")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/invoke/")
	span.SetAttributes(attribute.String("op", name))

	spec, ok := ops.Lookup(name)
	if !ok {
		http.Error(w, "Unknown operation: "+name, http.StatusNotFound)
		return
	}

	var req invokeRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, "Bad Request (CBOR decode): "+err.Error(), http.StatusBadRequest)
		return
	}

	args, kwargs, err := decodeRequest(&req)
	if err != nil {
		span.RecordError(err)
		http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
		return
	}

	bound, err := spec.Bind(args, kwargs)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Admission Control: weight by the row count of the leading tensor.
	weight := int64(1)
	for _, v := range bound {
		if t := v.Tensor(); t != nil && len(t.Shape()) > 0 {
			if r := t.Shape()[0]; r > 1 {
				weight = int64(r)
			}
			break
		}
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	result, err := spec.Invoke(ctx, s.eng, bound)
	if err != nil {
		span.RecordError(err)
		status := http.StatusInternalServerError
		if errors.Is(err, ops.ErrBadCall) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	invokesProcessed.Inc()

	resp := invokeResponse{Outputs: collectOutputs(spec, bound)}
	if result != nil {
		resp.Result = encodeTensor(result)
	}

	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(&resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode invoke response")
	}
}

// opSchema is the JSON shape of one registry entry in /ops.
type opSchema struct {
	Name     string        `json:"name"`
	Params   []paramSchema `json:"params,omitempty"`
	Outputs  []string      `json:"outputs,omitempty"`
	Variadic bool          `json:"variadic,omitempty"`
}

type paramSchema struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Required bool   `json:"required"`
}

func (s *Server) handleOps(w http.ResponseWriter, r *http.Request) {
	specs := ops.Ops()
	out := make([]opSchema, 0, len(specs))
	for _, spec := range specs {
		sch := opSchema{Name: spec.Name, Outputs: spec.Outputs, Variadic: spec.Variadic}
		for _, p := range spec.Params {
			sch.Params = append(sch.Params, paramSchema{Name: p.Name, Kind: p.Kind.String(), Required: p.Required})
		}
		out = append(out, sch)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		log.Error().Err(err).Msg("Failed to encode op listing")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
