package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/protocol"
)

// CapabilityTTS is the capability name advertised by synthesis nodes.
const CapabilityTTS = "tts"

// StateFunc reports the worker state carried in heartbeats.
type StateFunc func() string

// Options describes the local node.
type Options struct {
	NodeID     string
	Speaker    string
	SampleRate int
	Interval   time.Duration
	State      StateFunc
}

// Announcer advertises this node on the bus: one announcement on start, a
// periodic heartbeat, and replies to discovery requests.
type Announcer struct {
	opts       Options
	bus        *bus.Client
	log        *slog.Logger
	sub        *nats.Subscription
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	heartbeats metric.Int64Counter
}

func NewAnnouncer(ctx context.Context, opts Options, busClient *bus.Client, log *slog.Logger) (*Announcer, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("node id must not be empty")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive")
	}
	ctx, cancel := context.WithCancel(ctx)
	a := &Announcer{
		opts:   opts,
		bus:    busClient,
		log:    log.With(slog.String("component", "announcer"), slog.String("node_id", opts.NodeID)),
		cancel: cancel,
	}

	meter := otel.Meter("github.com/loqalabs/loqa-tts/capability")
	if counter, err := meter.Int64Counter("tts.node.heartbeats", metric.WithDescription("Heartbeats published")); err == nil {
		a.heartbeats = counter
	} else {
		a.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	sub, err := busClient.Conn().Subscribe(protocol.SubjectDiscover, a.handleDiscover)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe discover: %w", err)
	}
	a.sub = sub

	if err := busClient.PublishJSON(protocol.SubjectAnnounce, a.announcement()); err != nil {
		a.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	a.wg.Add(1)
	go a.runHeartbeat(ctx)
	return a, nil
}

func (a *Announcer) Close() {
	a.cancel()
	a.wg.Wait()
	if a.sub != nil {
		_ = a.sub.Drain()
	}
}

func (a *Announcer) runHeartbeat(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.publishHeartbeat(ctx); err != nil {
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Announcer) publishHeartbeat(ctx context.Context) error {
	hb := protocol.NodeHeartbeat{
		NodeID:    a.opts.NodeID,
		Timestamp: time.Now().UTC(),
	}
	if a.opts.State != nil {
		hb.State = a.opts.State()
	}
	if err := a.bus.PublishJSON(protocol.SubjectHeartbeatPrefix+a.opts.NodeID, hb); err != nil {
		return err
	}
	if a.heartbeats != nil {
		a.heartbeats.Add(ctx, 1)
	}
	return nil
}

func (a *Announcer) handleDiscover(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(a.announcement())
	if err != nil {
		a.log.Warn("failed to encode announcement", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(payload); err != nil {
		a.log.Warn("failed to answer discovery", slog.String("error", err.Error()))
	}
}

func (a *Announcer) announcement() protocol.NodeAnnouncement {
	return protocol.NodeAnnouncement{
		NodeID: a.opts.NodeID,
		Capabilities: []protocol.Capability{{
			Name: CapabilityTTS,
			Attributes: map[string]string{
				"speaker":     a.opts.Speaker,
				"sample_rate": strconv.Itoa(a.opts.SampleRate),
				"subject":     protocol.SubjectSynthesize,
			},
		}},
		Timestamp: time.Now().UTC(),
	}
}
