package runtime

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/journal"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type stubEngine struct {
	rate int
	err  error
}

func (s *stubEngine) CreateSpeaker(context.Context, engine.Speaker) error { return nil }

func (s *stubEngine) Infer(context.Context, string, string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{0.25, -0.25, 0.5}, nil
}

func (s *stubEngine) SampleRate() int { return s.rate }
func (s *stubEngine) Close() error    { return nil }

// newTestAPI wires a worker, dispatcher and frontend around eng and returns an
// httptest server for the API routes.
func newTestAPI(t *testing.T, eng engine.Engine, timeout time.Duration) (*httptest.Server, *journal.Store) {
	t.Helper()
	srv, store, _ := newTestAPIWithBus(t, eng, timeout, nil)
	return srv, store
}

func newTestAPIWithBus(t *testing.T, eng engine.Engine, timeout time.Duration, busHealth healthChecker) (*httptest.Server, *journal.Store, *httpAPI) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, err := journal.Open(ctx, config.JournalConfig{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		RetentionMode: "persistent",
		RetentionDays: 1,
		MaxEntries:    100,
	}, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	worker, err := tts.NewWorker(ctx, eng, config.SpeakerConfig{Name: "A"}, newLogger())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	d := tts.NewDispatcher()
	go func() {
		worker.Run(ctx, d.Jobs())
		d.Close()
	}()

	ready := &atomic.Bool{}
	ready.Store(true)
	api := &httpAPI{
		frontend: tts.NewFrontend(d, timeout, store, newLogger()),
		journal:  store,
		worker:   worker,
		ready:    ready,
		bus:      busHealth,
		logger:   newLogger(),
	}
	if err := api.initMetrics(); err != nil {
		t.Fatalf("init metrics: %v", err)
	}
	srv := httptest.NewServer(api.routes(http.NotFoundHandler()))
	t.Cleanup(srv.Close)
	return srv, store, api
}

type fixedHealth struct{ healthy atomic.Bool }

func (f *fixedHealth) Healthy() bool { return f.healthy.Load() }

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestTTSReturnsWAV(t *testing.T) {
	srv, _ := newTestAPI(t, engine.NewMock(32000), time.Second)

	resp, body := get(t, srv.URL+"/tts?text=hello")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if resp.ContentLength != int64(len(body)) {
		t.Fatalf("content length %d does not match body %d", resp.ContentLength, len(body))
	}
	if string(body[0:4]) != "RIFF" || string(body[8:12]) != "WAVE" {
		t.Fatalf("body is not a WAV container")
	}
	if rate := binary.LittleEndian.Uint32(body[24:28]); rate != 32000 {
		t.Fatalf("expected 32000 Hz, got %d", rate)
	}
	if resp.Header.Get(headerRequestID) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestTTSMissingText(t *testing.T) {
	srv, _ := newTestAPI(t, engine.NewMock(32000), time.Second)

	resp, _ := get(t, srv.URL+"/tts")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp, _ = get(t, srv.URL+"/tts?text=")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty text, got %d", resp.StatusCode)
	}
}

func TestTTSEngineFailureIsTimeout(t *testing.T) {
	srv, _ := newTestAPI(t, &stubEngine{rate: 32000, err: errors.New("boom")}, time.Second)

	resp, _ := get(t, srv.URL+"/tts?text=hello")
	if resp.StatusCode != http.StatusRequestTimeout {
		t.Fatalf("expected 408, got %d", resp.StatusCode)
	}

	// The worker keeps serving after a failed job.
	resp, _ = get(t, srv.URL+"/tts?text=again")
	if resp.StatusCode != http.StatusRequestTimeout {
		t.Fatalf("expected 408 on second request, got %d", resp.StatusCode)
	}
}

func TestTTSEncodeFailure(t *testing.T) {
	srv, _ := newTestAPI(t, &stubEngine{rate: 0}, time.Second)

	resp, _ := get(t, srv.URL+"/tts?text=hello")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestRootAndMethods(t *testing.T) {
	srv, _ := newTestAPI(t, engine.NewMock(32000), time.Second)

	resp, body := get(t, srv.URL+"/")
	if resp.StatusCode != http.StatusOK || string(body) != "Server is on" {
		t.Fatalf("unexpected root response %d %q", resp.StatusCode, body)
	}

	resp, _ = get(t, srv.URL+"/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	post, err := http.Post(srv.URL+"/tts?text=hi", "text/plain", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", post.StatusCode)
	}
}

func TestHistoryListsRequests(t *testing.T) {
	srv, _ := newTestAPI(t, engine.NewMock(32000), time.Second)

	get(t, srv.URL+"/tts?text=one")
	get(t, srv.URL+"/tts?text=two")

	resp, body := get(t, srv.URL+"/history?limit=1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var entries []journal.Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "two" {
		t.Fatalf("unexpected history %+v", entries)
	}
	if entries[0].Transport != transportHTTP || entries[0].Status != http.StatusOK {
		t.Fatalf("unexpected entry %+v", entries[0])
	}

	resp, _ = get(t, srv.URL+"/history?limit=abc")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestReadyzReflectsBusHealth(t *testing.T) {
	health := &fixedHealth{}
	srv, _, _ := newTestAPIWithBus(t, engine.NewMock(32000), time.Second, health)

	resp, _ := get(t, srv.URL+"/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with bus down, got %d", resp.StatusCode)
	}

	health.healthy.Store(true)
	resp, _ = get(t, srv.URL+"/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with bus up, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Worker-State") != "idle" {
		t.Fatalf("unexpected worker state %q", resp.Header.Get("X-Worker-State"))
	}
}

func TestRuntimeStartWithEmbeddedBus(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Journal.RetentionMode = "ephemeral"
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1

	rt := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for !rt.Ready() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("runtime did not become ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, _ := get(t, "http://"+rt.Addr()+"/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready with bus connected, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("start returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("runtime did not stop")
	}
}

func TestRuntimeStartServesAndStops(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Journal.RetentionMode = "ephemeral"

	rt := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !rt.Ready() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("runtime did not become ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	base := "http://" + rt.Addr()
	resp, _ := get(t, base+"/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}
	resp, body := get(t, base+"/tts?text=hello")
	if resp.StatusCode != http.StatusOK || string(body[0:4]) != "RIFF" {
		t.Fatalf("unexpected tts response %d", resp.StatusCode)
	}
	resp, _ = get(t, base+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("start returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("runtime did not stop")
	}
}

func TestRuntimeStartFailsOnBadSpeaker(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Journal.RetentionMode = "ephemeral"
	cfg.Speaker.RefPath = filepath.Join(t.TempDir(), "missing.wav")

	err := New(cfg, newLogger()).Start(context.Background())
	if err == nil {
		t.Fatalf("expected startup error for missing reference audio")
	}
}
