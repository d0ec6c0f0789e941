package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/protocol"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	return startBusWithLimit(t, 0)
}

func startBusWithLimit(t *testing.T, maxPayload int32) *bus.Client {
	t.Helper()
	log := newLogger()
	ns, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, MaxPayload: maxPayload}, log)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestServiceRequestReply(t *testing.T) {
	client := startBus(t)
	d, _ := startWorker(t, &fakeEngine{fail: "bad"})

	svc := NewService(context.Background(), client, NewFrontend(d, 5*time.Second, nil, newLogger()), newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}

	doneSub, err := client.Conn().SubscribeSync(protocol.SubjectDone)
	if err != nil {
		t.Fatalf("subscribe done: %v", err)
	}

	payload, _ := json.Marshal(protocol.SynthesisRequest{RequestID: "bus-1", Text: "hello"})
	resp, err := client.Conn().Request(protocol.SubjectSynthesize, payload, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := resp.Header.Get(protocol.HeaderStatus); got != "200" {
		t.Fatalf("expected status 200, got %q (%s)", got, resp.Header.Get(protocol.HeaderError))
	}
	if got := resp.Header.Get(protocol.HeaderRequestID); got != "bus-1" {
		t.Fatalf("expected request id echo, got %q", got)
	}
	buf, err := audio.DecodeBytes(resp.Data)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if buf.SampleRate != 32000 || len(buf.Samples) == 0 {
		t.Fatalf("unexpected audio %+v", buf)
	}

	msg, err := doneSub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("expected done event: %v", err)
	}
	var evt protocol.SynthesisStatus
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		t.Fatalf("decode done event: %v", err)
	}
	if evt.RequestID != "bus-1" || evt.Status != 200 || evt.Bytes != len(resp.Data) {
		t.Fatalf("unexpected done event %+v", evt)
	}

	payload, _ = json.Marshal(protocol.SynthesisRequest{Text: "bad"})
	resp, err = client.Conn().Request(protocol.SubjectSynthesize, payload, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := resp.Header.Get(protocol.HeaderStatus); got != "408" {
		t.Fatalf("expected status 408, got %q", got)
	}
	if len(resp.Data) != 0 {
		t.Fatalf("expected empty body on failure")
	}

	resp, err = client.Conn().Request(protocol.SubjectSynthesize, []byte("{not json"), 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := resp.Header.Get(protocol.HeaderStatus); got != "400" {
		t.Fatalf("expected status 400, got %q", got)
	}
}

func TestServiceRejectsOversizedReply(t *testing.T) {
	client := startBusWithLimit(t, 4096)
	d, _ := startWorker(t, engine.NewMock(32000))

	svc := NewService(context.Background(), client, NewFrontend(d, 5*time.Second, nil, newLogger()), newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	// Five runes of mock tone encode to far more than 4 KiB.
	payload, _ := json.Marshal(protocol.SynthesisRequest{Text: "hello"})
	resp, err := client.Conn().Request(protocol.SubjectSynthesize, payload, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := resp.Header.Get(protocol.HeaderStatus); got != "500" {
		t.Fatalf("expected status 500, got %q", got)
	}
	if len(resp.Data) != 0 {
		t.Fatalf("expected empty body, got %d bytes", len(resp.Data))
	}
}

func TestServiceCloseRejectsLateRequests(t *testing.T) {
	client := startBus(t)
	d, _ := startWorker(t, &fakeEngine{})
	rec := &memRecorder{}

	svc := NewService(context.Background(), client, NewFrontend(d, 5*time.Second, rec, newLogger()), newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	doneSub, err := client.Conn().SubscribeSync(protocol.SubjectDone)
	if err != nil {
		t.Fatalf("subscribe done: %v", err)
	}

	svc.Close()
	if svc.Healthy() {
		t.Fatal("expected closed service to be unhealthy")
	}

	// A callback already queued by the client when Close ran.
	payload, _ := json.Marshal(protocol.SynthesisRequest{RequestID: "late", Text: "hello"})
	svc.handleRequest(&nats.Msg{Subject: protocol.SubjectSynthesize, Data: payload})

	msg, err := doneSub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("done event: %v", err)
	}
	var evt protocol.SynthesisStatus
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		t.Fatalf("decode done event: %v", err)
	}
	if evt.RequestID != "late" || evt.Status != http.StatusServiceUnavailable {
		t.Fatalf("unexpected done event %+v", evt)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.entries) != 0 {
		t.Fatalf("expected no synthesis after close, got %d entries", len(rec.entries))
	}
}

func TestServiceCloseWithInflightRequests(t *testing.T) {
	client := startBus(t)
	d, _ := startWorker(t, &fakeEngine{delay: 5 * time.Millisecond})

	svc := NewService(context.Background(), client, NewFrontend(d, 5*time.Second, nil, newLogger()), newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}

	payload, _ := json.Marshal(protocol.SynthesisRequest{Text: "hello"})
	for i := 0; i < 20; i++ {
		if err := client.Conn().PublishRequest(protocol.SubjectSynthesize, nats.NewInbox(), payload); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	closed := make(chan struct{})
	go func() {
		svc.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("close did not return")
	}
}
