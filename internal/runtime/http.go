package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-tts/internal/journal"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

const (
	transportHTTP       = "http"
	headerRequestID     = "X-Request-Id"
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// healthChecker is satisfied by the bus transport.
type healthChecker interface {
	Healthy() bool
}

type httpAPI struct {
	frontend *tts.Frontend
	journal  *journal.Store
	worker   *tts.Worker
	ready    *atomic.Bool
	bus      healthChecker
	logger   *slog.Logger
	requests metric.Int64Counter
}

func (a *httpAPI) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-tts/runtime")
	counter, err := meter.Int64Counter("tts.http.requests",
		metric.WithDescription("HTTP synthesis requests by status code"))
	if err != nil {
		return err
	}
	a.requests = counter
	return nil
}

func (a *httpAPI) routes(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", a.handleRoot)
	mux.HandleFunc("GET /tts", a.handleTTS)
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	mux.HandleFunc("GET /history", a.handleHistory)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	return mux
}

func (a *httpAPI) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Server is on"))
}

func (a *httpAPI) handleTTS(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	if !query.Has("text") {
		a.count(req, http.StatusBadRequest)
		http.Error(w, "missing text parameter", http.StatusBadRequest)
		return
	}

	requestID := req.Header.Get(headerRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(headerRequestID, requestID)

	data, err := a.frontend.Handle(req.Context(), transportHTTP, requestID, query.Get("text"))
	if err != nil {
		status := tts.StatusCode(err)
		a.count(req, status)
		http.Error(w, http.StatusText(status), status)
		return
	}

	a.count(req, http.StatusOK)
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		a.logger.Debug("failed to write response", slog.String("request_id", requestID), slog.String("error", err.Error()))
	}
}

func (a *httpAPI) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *httpAPI) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.bus != nil && !a.bus.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus unavailable"))
		return
	}
	if a.ready != nil && a.ready.Load() {
		w.Header().Set("X-Worker-State", a.worker.State().String())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *httpAPI) handleHistory(w http.ResponseWriter, req *http.Request) {
	limit := defaultHistoryLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := a.journal.Recent(req.Context(), limit)
	if err != nil {
		a.logger.Error("failed to read journal", slog.String("error", err.Error()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		a.logger.Debug("failed to write history", slog.String("error", err.Error()))
	}
}

func (a *httpAPI) count(req *http.Request, status int) {
	if a.requests == nil {
		return
	}
	a.requests.Add(req.Context(), 1, metric.WithAttributes(attribute.Int("status", status)))
}
