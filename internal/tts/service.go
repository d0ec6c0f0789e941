package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/protocol"
)

const transportBus = "nats"

// Service serves synthesis requests arriving on the bus. Each request is
// handled on its own goroutine; the dispatcher serializes them.
type Service struct {
	bus      *bus.Client
	frontend *Frontend
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger

	// mu guards closed and every wg.Add so Close can wait safely while
	// late callbacks are still being delivered.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var errServiceClosed = errors.New("synthesis service is shutting down")

func NewService(parent context.Context, busClient *bus.Client, frontend *Frontend, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		frontend: frontend,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSynthesize, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
}

// Healthy reports whether the subscription is live on a connected bus.
func (s *Service) Healthy() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	return !closed && s.sub != nil && s.sub.IsValid() && s.bus.Healthy()
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesisRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synthesis request", slogError(err))
		s.respond(msg, "", nil, err, http.StatusBadRequest)
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.respond(msg, req.RequestID, nil, errServiceClosed, http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		data, err := s.frontend.Handle(s.ctx, transportBus, req.RequestID, req.Text)
		s.respond(msg, req.RequestID, data, err, StatusCode(err))
	}()
}

func (s *Service) respond(msg *nats.Msg, requestID string, data []byte, err error, status int) {
	if err == nil && !s.bus.Fits(len(data)) {
		err = fmt.Errorf("%w: reply of %d bytes", bus.ErrPayloadTooLarge, len(data))
		status = http.StatusInternalServerError
		data = nil
	}

	reply := nats.NewMsg(msg.Reply)
	reply.Data = data
	reply.Header.Set(protocol.HeaderStatus, strconv.Itoa(status))
	if requestID != "" {
		reply.Header.Set(protocol.HeaderRequestID, requestID)
	}
	if err != nil {
		reply.Header.Set(protocol.HeaderError, err.Error())
	}
	if msg.Reply != "" {
		if rerr := msg.RespondMsg(reply); rerr != nil {
			s.logger.Warn("failed to send synthesis reply", slogError(rerr))
		}
	}

	evt := protocol.SynthesisStatus{
		RequestID: requestID,
		Transport: transportBus,
		Status:    status,
		Bytes:     len(data),
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		evt.Error = err.Error()
	}
	if perr := s.bus.PublishJSON(protocol.SubjectDone, evt); perr != nil {
		s.logger.Debug("failed to publish status", slogError(perr))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
