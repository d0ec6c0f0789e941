package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/capability"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/journal"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	addr       atomic.Value
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr reports the bound HTTP address once the runtime is ready.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Ready reports whether the worker has loaded its speaker and HTTP is serving.
func (r *Runtime) Ready() bool { return r.ready.Load() }

// Start brings up the service and blocks until ctx is cancelled. Errors from
// speaker loading or binding the listener are returned before serving.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer tcancel()
		if err := shutdownTelemetry(tctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	store, err := journal.Open(ctx, r.cfg.Journal, r.logger.With(slog.String("component", "journal")))
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			r.logger.Error("journal close error", slog.String("error", err.Error()))
		}
	}()

	eng, err := engine.New(r.cfg.Engine)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			r.logger.Error("engine close error", slog.String("error", err.Error()))
		}
	}()

	worker, err := tts.NewWorker(ctx, eng, r.cfg.Speaker, r.logger)
	if err != nil {
		return fmt.Errorf("failed to load speaker: %w", err)
	}

	dispatcher := tts.NewDispatcher()
	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(workerCtx, dispatcher.Jobs())
		dispatcher.Close()
	}()
	defer func() {
		stopWorker()
		<-workerDone
	}()

	timeout := time.Duration(r.cfg.Dispatch.ReplyTimeoutMS) * time.Millisecond
	frontend := tts.NewFrontend(dispatcher, timeout, store, r.logger)

	api := &httpAPI{
		frontend: frontend,
		journal:  store,
		worker:   worker,
		ready:    &r.ready,
		logger:   r.logger.With(slog.String("component", "http")),
	}

	if r.cfg.Bus.Enabled {
		svc, closeBus, err := r.startBus(ctx, frontend, worker, eng.SampleRate())
		if err != nil {
			return err
		}
		defer closeBus()
		api.bus = svc
	}
	if err := api.initMetrics(); err != nil {
		r.logger.Warn("failed to initialize http metrics", slog.String("error", err.Error()))
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           api.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if r.cfg.Journal.RetentionMode != "ephemeral" {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.pruneLoop(ctx, store)
		}()
	}

	r.addr.Store(ln.Addr().String())
	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", ln.Addr().String()),
		slog.String("speaker", r.cfg.Speaker.Name),
		slog.Int("sample_rate", eng.SampleRate()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	return nil
}

// startBus brings up the optional embedded broker and the bus transport. The
// returned func tears both down.
func (r *Runtime) startBus(ctx context.Context, frontend *tts.Frontend, worker *tts.Worker, sampleRate int) (*tts.Service, func(), error) {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats-server")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start embedded nats: %w", err)
	}
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		embedded.Shutdown()
		return nil, nil, fmt.Errorf("failed to connect to bus: %w", err)
	}

	svc := tts.NewService(ctx, client, frontend, r.logger)
	if err := svc.Start(); err != nil {
		client.Close()
		embedded.Shutdown()
		return nil, nil, fmt.Errorf("failed to start bus service: %w", err)
	}

	nodeID := busCfg.NodeID
	if nodeID == "" {
		nodeID = r.cfg.RuntimeName + "-" + uuid.NewString()[:8]
	}
	announcer, err := capability.NewAnnouncer(ctx, capability.Options{
		NodeID:     nodeID,
		Speaker:    r.cfg.Speaker.Name,
		SampleRate: sampleRate,
		Interval:   time.Duration(busCfg.HeartbeatMS) * time.Millisecond,
		State:      func() string { return worker.State().String() },
	}, client, r.logger)
	if err != nil {
		svc.Close()
		client.Close()
		embedded.Shutdown()
		return nil, nil, fmt.Errorf("failed to start announcer: %w", err)
	}
	r.logger.Info("bus transport started", slog.Any("servers", busCfg.Servers), slog.String("node_id", nodeID))

	return svc, func() {
		announcer.Close()
		svc.Close()
		client.Close()
		embedded.Shutdown()
	}, nil
}

func (r *Runtime) pruneLoop(ctx context.Context, store *journal.Store) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("journal prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
