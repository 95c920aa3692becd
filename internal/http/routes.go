package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	m "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"lightning-store/internal/collection"
	"lightning-store/internal/metrics"
	"lightning-store/internal/otlp"
	"lightning-store/internal/store"
	"lightning-store/pkg/schemas"
)

const (
	APIPrefix    = "/v1/agl"
	maxBodyBytes = 16 << 20
)

// Store is what the server needs from the façade: the shared API plus the
// ingest and health hooks that only exist server side.
type Store interface {
	store.API
	AddOTelSpans(ctx context.Context, spans []schemas.Span) ([]schemas.Span, error)
	Ping(ctx context.Context) error
	LastSweep(ctx context.Context) (float64, bool, error)
}

type Options struct {
	Logger   *zap.Logger
	APIToken string
	// CORS is applied when it names at least one allowed origin.
	CORS cors.Options
	// Metrics enables instrumentation and GET /metrics when set.
	Metrics *metrics.Metrics
}

type Server struct {
	store Store
	log   *zap.Logger
}

func NewRouter(st Store, opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{store: st, log: log}

	r := chi.NewRouter()
	r.Use(m.RequestID, m.RealIP, RequestLogger(log), m.Recoverer)
	if len(opts.CORS.AllowedOrigins) > 0 {
		r.Use(cors.Handler(opts.CORS))
	}
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	var rec otlp.Recorder
	if opts.Metrics != nil {
		rec = opts.Metrics
	}
	traces := otlp.NewHandler(st, log, rec)

	r.Group(func(r chi.Router) {
		r.Use(RequireAPIToken(opts.APIToken))
		r.Method(http.MethodPost, "/v1/traces", traces)

		r.Route(APIPrefix, func(r chi.Router) {
			r.Use(m.Compress(5, "application/json"))

			r.Post("/rollouts/enqueue", s.enqueueRollout)
			r.Post("/rollouts/start", s.startRollout)
			r.Post("/rollouts/dequeue", s.dequeueRollout)
			r.Post("/rollouts/wait", s.waitForRollouts)
			r.Get("/rollouts", s.queryRollouts)
			r.Get("/rollouts/{id}", s.getRollout)
			r.Patch("/rollouts/{id}", s.updateRollout)
			r.Post("/rollouts/{id}/archive", s.archiveSpans)
			r.Get("/rollouts/{id}/attempts", s.queryAttempts)
			r.Get("/rollouts/{id}/attempts/latest", s.getLatestAttempt)
			r.Patch("/rollouts/{id}/attempts/{aid}", s.updateAttempt)

			r.Post("/spans", s.addSpan)
			r.Post("/spans/next-sequence-id", s.nextSequenceID)
			r.Get("/spans", s.querySpans)

			r.Post("/resources", s.updateResources)
			r.Post("/resources/add", s.addResources)
			r.Get("/resources", s.queryResources)
			r.Get("/resources/latest", s.getLatestResources)
			r.Get("/resources/{id}", s.getResources)

			r.Post("/workers/{id}/heartbeat", s.updateWorker)
			r.Get("/workers", s.queryWorkers)
			r.Get("/workers/{id}", s.getWorker)

			r.Get("/queue", s.queueLength)
		})
	})

	r.Get("/healthz", s.healthz)

	return r
}

func NewServer(addr string, st Store, opts Options) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(st, opts),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

type errResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	Status    string   `json:"status"`
	Error     string   `json:"error,omitempty"`
	LastSweep *float64 `json:"last_sweep,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps store and collection errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidStatus), errors.Is(err, store.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrRolloutNotFound), errors.Is(err, store.ErrAttemptNotFound),
		errors.Is(err, store.ErrResourcesNotFound), errors.Is(err, store.ErrWorkerNotFound),
		errors.Is(err, collection.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, collection.ErrAlreadyExists), errors.Is(err, collection.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrArchiveDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, errResp{err.Error()})
}

// decode reads a JSON body, transparently inflating gzip request bodies.
func decode(r *http.Request, v any) error {
	var body io.Reader = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	switch enc := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
	case "gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return fmt.Errorf("%w: %v", store.ErrInvalidRequest, err)
		}
		defer zr.Close()
		body = zr
	default:
		return fmt.Errorf("%w: unsupported content encoding %q", store.ErrInvalidRequest, enc)
	}
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidRequest, err)
	}
	return nil
}

// listParam accepts both repeated and comma separated query values.
func listParam(r *http.Request, name string) []string {
	var out []string
	for _, v := range r.URL.Query()[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func orEmpty[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResp{Status: "unavailable", Error: err.Error()})
		return
	}
	resp := healthResp{Status: "ok"}
	if ts, ok, err := s.store.LastSweep(r.Context()); err == nil && ok {
		resp.LastSweep = &ts
	}
	writeJSON(w, http.StatusOK, resp)
}
