// Package logbridge connects the G-Counter CRDT (and the gossip and
// presence subsystems) to a durable replicated log over NATS (spec §4.7
// "Replicated log contract"): publish/consume on per-resource subjects
// with durable replay on reconnect.
package logbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aegis-network/aegis-node/internal/aegislog"
	"github.com/aegis-network/aegis-node/internal/crdt"
	"github.com/aegis-network/aegis-node/internal/resilience"
)

// CounterMessage is the wire shape for a counter.<resource> message (spec
// §4.7 "(resource, actor_id, value, wallclock)").
type CounterMessage struct {
	Resource string `json:"resource"`
	ActorID  string `json:"actor_id"`
	Value    uint64 `json:"value"`
	Wallclock int64 `json:"wallclock"`
}

// Bridge owns the durable NATS JetStream connection and fans inbound
// counter messages into the right resource's GCounter.
type Bridge struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	logger  *aegislog.Logger
	breaker *resilience.CircuitBreaker

	mu       sync.RWMutex
	counters map[string]*crdt.GCounter
	actorID  string

	subs []*nats.Subscription
}

// Config describes how to reach the log backend (spec §6.6 gossip/log
// settings double as the NATS connection parameters here).
type Config struct {
	URL           string
	Stream        string
	ActorID       string
	ConnectTimeout time.Duration
}

// Connect dials NATS and ensures the durable stream exists, returning a
// dial or stream error to the caller as is. The named circuit breaker it
// creates wraps later publishes, so repeated publish failures don't
// cascade into every caller (spec §4.13 degraded mode: the node keeps
// serving with local-only counters if the log is unreachable).
func Connect(cfg Config, logger *aegislog.Logger) (*Bridge, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect log backend: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	streamName := cfg.Stream
	if streamName == "" {
		streamName = "AEGIS"
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{"counter.>", "threat.>", "node.>"},
		Storage:  nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return &Bridge{
		nc:       nc,
		js:       js,
		logger:   logger,
		breaker:  resilience.New("logbridge", resilience.DefaultConfig()),
		counters: make(map[string]*crdt.GCounter),
		actorID:  cfg.ActorID,
	}, nil
}

// Counter returns (creating if needed) the GCounter for resource.
func (b *Bridge) Counter(resource string) *crdt.GCounter {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.counters[resource]
	if !ok {
		c = crdt.NewGCounter(b.actorID)
		b.counters[resource] = c
	}
	return c
}

// Publish sends this node's current slot value for resource to the
// replicated log, through the circuit breaker so a degraded log backend
// fails fast instead of blocking the caller's request path.
func (b *Bridge) Publish(ctx context.Context, resource string, value uint64) error {
	msg := CounterMessage{Resource: resource, ActorID: b.actorID, Value: value, Wallclock: time.Now().Unix()}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := b.js.Publish("counter."+resource, payload)
		return err
	})
}

// Subscribe starts a durable consumer for counter.<resource> messages and
// merges every delivery into the local GCounter (spec §4.7 "Receivers
// apply merge"). Durable replay on reconnect comes from the JetStream
// durable consumer name staying fixed across reconnects.
func (b *Bridge) Subscribe(resource string) error {
	subject := "counter." + resource
	durableName := "aegis-" + b.actorID + "-" + resource
	sub, err := b.js.Subscribe(subject, func(m *nats.Msg) {
		var msg CounterMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			if b.logger != nil {
				b.logger.WithError(err).Warn("logbridge: malformed counter message")
			}
			m.Ack()
			return
		}
		b.Counter(msg.Resource).Merge(msg.ActorID, msg.Value, msg.Wallclock)
		m.Ack()
	}, nats.Durable(durableName), nats.ManualAck())
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// PublishRaw sends an arbitrary payload on subject, used by the gossip
// and presence subsystems which have their own message shapes.
func (b *Bridge) PublishRaw(ctx context.Context, subject string, payload []byte) error {
	return b.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := b.js.Publish(subject, payload)
		return err
	})
}

// SubscribeRaw registers a durable handler on subject for subsystems that
// manage their own message decoding (gossip, presence).
func (b *Bridge) SubscribeRaw(subject, durableName string, handler func(data []byte)) error {
	sub, err := b.js.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Data)
		m.Ack()
	}, nats.Durable(durableName), nats.ManualAck())
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Connected reports whether the underlying NATS connection is currently up.
func (b *Bridge) Connected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.Unsubscribe()
	}
	if b.nc != nil {
		b.nc.Close()
	}
}
