// Package monitor fans out best-effort call events to live dashboards.
package monitor

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/acme/lead-call-engine/internal/config"
)

// EventType names a monitoring event.
type EventType string

const (
	EventStreamStarted EventType = "stream_started"
	EventStreamStopped EventType = "stream_stopped"
	EventStreamError   EventType = "stream_error"
	EventDTMFDetected  EventType = "dtmf_detected"
	EventCallEnded     EventType = "call_ended"
	EventBridgeClosed  EventType = "bridge_closed"
	EventTranscript    EventType = "transcript"
	EventTurn          EventType = "turn"
	EventVoiceError    EventType = "voice_error"
)

// Event is one monitoring notification.
type Event struct {
	Type     EventType      `json:"type"`
	CallID   string         `json:"call_id"`
	StreamID string         `json:"stream_id,omitempty"`
	At       time.Time      `json:"at"`
	Data     map[string]any `json:"data,omitempty"`
}

// Sink accepts events without ever blocking the caller.
type Sink interface {
	Publish(Event)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Sink.
func (Nop) Publish(Event) {}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Publish implements Sink.
func (f SinkFunc) Publish(e Event) { f(e) }

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Broadcaster publishes events to a Redis pub/sub channel from a single goroutine.
type Broadcaster struct {
	client  publisher
	channel string
	buf     chan Event
	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewBroadcaster constructs a broadcaster. Call Run to start delivery.
func NewBroadcaster(client publisher, cfg config.MonitorConfig, logger *zap.Logger) *Broadcaster {
	size := cfg.BufferSize
	if size <= 0 {
		size = 1024
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "leadcall:monitor"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		client:  client,
		channel: channel,
		buf:     make(chan Event, size),
		logger:  logger,
	}
}

// Publish enqueues the event or drops it when the buffer is full.
func (b *Broadcaster) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case b.buf <- e:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded on a full buffer.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Run delivers buffered events until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.buf:
			b.deliver(ctx, e)
		}
	}
}

func (b *Broadcaster) deliver(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Warn("monitor: marshal event", zap.String("type", string(e.Type)), zap.Error(err))
		return
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.Debug("monitor: publish failed",
			zap.String("type", string(e.Type)),
			zap.String("call_id", e.CallID),
			zap.Error(err),
		)
	}
}
