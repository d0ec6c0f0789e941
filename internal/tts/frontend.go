package tts

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/journal"
)

var ErrEmptyText = errors.New("text must not be empty")

// Recorder stores request metadata. Audio is never recorded.
type Recorder interface {
	Record(ctx context.Context, entry journal.Entry) error
}

// Frontend turns one inbound request into a job and its reply into WAV bytes.
// It is shared by the HTTP and bus transports.
type Frontend struct {
	dispatcher *Dispatcher
	timeout    time.Duration
	recorder   Recorder
	logger     *slog.Logger
}

func NewFrontend(d *Dispatcher, timeout time.Duration, rec Recorder, logger *slog.Logger) *Frontend {
	return &Frontend{
		dispatcher: d,
		timeout:    timeout,
		recorder:   rec,
		logger:     logger.With(slog.String("component", "tts-frontend")),
	}
}

// Handle synthesizes text and returns an encoded WAV container. An empty
// requestID gets a fresh one.
func (f *Frontend) Handle(ctx context.Context, transport, requestID, text string) ([]byte, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	start := time.Now()

	data, samples, err := f.render(ctx, requestID, text)
	status := StatusCode(err)
	if err != nil {
		f.logger.Warn("request failed",
			slog.String("request_id", requestID),
			slog.String("transport", transport),
			slog.Int("status", status),
			slog.String("error", err.Error()))
	}

	if f.recorder != nil {
		entry := journal.Entry{
			RequestID: requestID,
			Transport: transport,
			Text:      text,
			Status:    status,
			Samples:   samples,
			Latency:   time.Since(start),
		}
		if err != nil {
			entry.Error = err.Error()
		}
		// Record even when the caller has already gone away.
		if recErr := f.recorder.Record(context.WithoutCancel(ctx), entry); recErr != nil {
			f.logger.Warn("failed to record request", slog.String("error", recErr.Error()))
		}
	}
	return data, err
}

func (f *Frontend) render(ctx context.Context, requestID, text string) ([]byte, int, error) {
	if strings.TrimSpace(text) == "" {
		return nil, 0, ErrEmptyText
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	buf, err := f.dispatcher.Synthesize(ctx, requestID, text)
	if err != nil {
		return nil, 0, err
	}
	data, err := audio.Encode(buf)
	if err != nil {
		return nil, len(buf.Samples), err
	}
	return data, len(buf.Samples), nil
}

// StatusCode maps a Handle error to the HTTP status reported to clients. A
// failed job and a late one both surface as 408.
func StatusCode(err error) int {
	var encErr *audio.EncodeError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrEmptyText):
		return http.StatusBadRequest
	case errors.Is(err, ErrDispatchTimeout), errors.Is(err, ErrWorkerUnavailable):
		return http.StatusRequestTimeout
	case errors.As(err, &encErr):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
