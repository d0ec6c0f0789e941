package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
)

const instrumentationName = "github.com/loqalabs/loqa-tts/tts"

// Worker exclusively owns the engine and runs one job at a time.
type Worker struct {
	eng        engine.Engine
	speaker    string
	sampleRate uint32
	logger     *slog.Logger
	state      atomic.Int32

	tracer   trace.Tracer
	jobs     metric.Int64Counter
	duration metric.Float64Histogram
}

// NewWorker loads the reference audio and registers the speaker with the
// engine. Any error here must stop the process from serving.
func NewWorker(ctx context.Context, eng engine.Engine, spk config.SpeakerConfig, logger *slog.Logger) (*Worker, error) {
	log := logger.With(slog.String("component", "tts-worker"))

	var ref audio.Buffer
	if spk.RefPath == "" {
		log.Warn("reference audio not configured",
			slog.String("speaker", spk.Name))
	} else {
		buf, err := audio.DecodeFile(spk.RefPath)
		if err != nil {
			return nil, fmt.Errorf("load reference audio: %w", err)
		}
		ref = buf
		log.Info("reference audio loaded",
			slog.String("path", spk.RefPath),
			slog.Int("sample_rate", int(ref.SampleRate)),
			slog.Duration("duration", ref.Duration()))
	}

	err := eng.CreateSpeaker(ctx, engine.Speaker{
		Name:      spk.Name,
		ModelPath: spk.ModelPath,
		RefAudio:  ref,
		RefText:   spk.RefText,
	})
	if err != nil {
		return nil, fmt.Errorf("create speaker %q: %w", spk.Name, err)
	}
	log.Info("speaker ready", slog.String("speaker", spk.Name))

	w := &Worker{
		eng:        eng,
		speaker:    spk.Name,
		sampleRate: uint32(eng.SampleRate()),
		logger:     log,
		tracer:     otel.Tracer(instrumentationName),
	}
	if err := w.initMetrics(); err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return w, nil
}

func (w *Worker) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if w.jobs, err = meter.Int64Counter("tts.jobs", metric.WithDescription("Synthesis jobs by outcome")); err != nil {
		return err
	}
	if w.duration, err = meter.Float64Histogram("tts.infer.duration", metric.WithUnit("s")); err != nil {
		return err
	}
	_, err = meter.Int64ObservableGauge("tts.worker.busy",
		metric.WithDescription("1 while the engine is inferring"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(w.State()))
			return nil
		}))
	return err
}

// State reports whether the worker is idle or inferring.
func (w *Worker) State() State { return State(w.state.Load()) }

// Run processes jobs until ctx ends. It pins itself to one OS thread for its
// lifetime since accelerator-backed engines are bound to the creating thread.
func (w *Worker) Run(ctx context.Context, jobs <-chan Job) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	w.logger.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return
		case job := <-jobs:
			w.process(ctx, job)
		}
	}
}

func (w *Worker) process(ctx context.Context, job Job) {
	defer close(job.reply)

	w.state.Store(int32(StateInferring))
	defer w.state.Store(int32(StateIdle))

	ctx, span := w.tracer.Start(ctx, "tts.infer", trace.WithAttributes(
		attribute.String("request.id", job.RequestID),
		attribute.String("speaker", w.speaker),
		attribute.Int("text.length", len(job.Text)),
	))
	defer span.End()

	log := w.logger.With(slog.String("request_id", job.RequestID))
	log.Info("inferring request", slog.String("text", job.Text))

	start := time.Now()
	samples, err := w.infer(ctx, job.Text)
	elapsed := time.Since(start)
	if w.duration != nil {
		w.duration.Record(ctx, elapsed.Seconds())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.count(ctx, "failed")
		log.Error("inference failed", slog.String("error", err.Error()), slog.Duration("elapsed", elapsed))
		return
	}

	job.reply <- audio.Buffer{Samples: samples, SampleRate: w.sampleRate}
	w.count(ctx, "ok")
	log.Info("request done", slog.Int("samples", len(samples)), slog.Duration("elapsed", elapsed))
}

// infer calls the engine and turns a panic into an error so one bad job
// cannot take the worker down.
func (w *Worker) infer(ctx context.Context, text string) (samples []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	samples, err = w.eng.Infer(ctx, w.speaker, text)
	if err == nil && len(samples) == 0 {
		err = errors.New("engine returned no samples")
	}
	return samples, err
}

func (w *Worker) count(ctx context.Context, outcome string) {
	if w.jobs != nil {
		w.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
