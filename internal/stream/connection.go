// Package stream terminates provider media-stream WebSockets and feeds their
// audio into per-call bridges.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kaptinlin/jsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/lead-call-engine/internal/bridge"
	"github.com/acme/lead-call-engine/internal/callstate"
	"github.com/acme/lead-call-engine/internal/domain"
	"github.com/acme/lead-call-engine/internal/monitor"
	"github.com/acme/lead-call-engine/internal/service/common"
	apperrors "github.com/acme/lead-call-engine/pkg/errors"
)

// BridgeFactory creates registered bridges.
type BridgeFactory interface {
	CreateBridge(opts bridge.Options) (*bridge.Bridge, error)
}

// CallTracker receives stream lifecycle observations.
type CallTracker interface {
	Apply(ctx context.Context, u callstate.Update) (callstate.Snapshot, error)
}

// SlotLimiter caps concurrently streaming calls.
type SlotLimiter interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Deps are the collaborators a connection talks to.
type Deps struct {
	Bridges BridgeFactory
	Tracker CallTracker
	Monitor monitor.Sink
	Slots   SlotLimiter
}

// Options configure one connection.
type Options struct {
	Provider         string
	ExpectedProtocol string
	WriteTimeout     time.Duration
	InboxSize        int
}

type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Stats counts frames seen on one connection.
type Stats struct {
	Frames          uint64 `json:"frames"`
	MediaFrames     uint64 `json:"media_frames"`
	OutboundDropped uint64 `json:"outbound_dropped"`
	DecodeDrops     uint64 `json:"decode_drops"`
	EarlyMedia      uint64 `json:"early_media"`
}

type inboxItem struct {
	data []byte
	err  error
}

// connState is owned by the Serve goroutine.
type connState struct {
	connected  bool
	started    bool
	stopped    bool
	streamID   string
	callID     string
	tracks     []string
	format     mediaFormat
	bridge     *bridge.Bridge
	sequence   int64
	leadID     uuid.UUID
	phoneIndex *int
	attempt    int
	slotHeld   bool
	finished   bool
}

// Connection is one provider media-stream WebSocket.
type Connection struct {
	id     string
	ws     wsConn
	opts   Options
	deps   Deps
	schema *jsonschema.Schema
	logger *zap.Logger
	tracer trace.Tracer

	state connState

	frames          atomic.Uint64
	mediaFrames     atomic.Uint64
	outboundDropped atomic.Uint64
	decodeDrops     atomic.Uint64
	earlyMedia      atomic.Uint64

	writeMu   sync.Mutex
	streamSid string
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(ws wsConn, opts Options, deps Deps, schema *jsonschema.Schema, logger *zap.Logger) *Connection {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	if deps.Monitor == nil {
		deps.Monitor = monitor.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Connection{
		id:     id,
		ws:     ws,
		opts:   opts,
		deps:   deps,
		schema: schema,
		logger: logger.With(zap.String("conn_id", id), zap.String("provider", opts.Provider)),
		tracer: otel.Tracer("github.com/acme/lead-call-engine/internal/stream"),
		done:   make(chan struct{}),
	}
}

// Stats returns a snapshot of frame counters.
func (c *Connection) Stats() Stats {
	return Stats{
		Frames:          c.frames.Load(),
		MediaFrames:     c.mediaFrames.Load(),
		OutboundDropped: c.outboundDropped.Load(),
		DecodeDrops:     c.decodeDrops.Load(),
		EarlyMedia:      c.earlyMedia.Load(),
	}
}

// Serve runs the connection until the provider stops the stream, the socket
// closes or errors, a protocol violation occurs, or ctx ends. The bridge is
// always closed before Serve returns.
func (c *Connection) Serve(ctx context.Context) (err error) {
	ctx, span := c.tracer.Start(ctx, "stream.connection",
		trace.WithAttributes(attribute.String("provider", c.opts.Provider)))
	defer span.End()

	inbox := make(chan inboxItem, c.opts.InboxSize)
	go c.readLoop(inbox)

	defer func() {
		c.cleanup(ctx)
		if err != nil {
			span.RecordError(err)
		}
		span.SetAttributes(
			attribute.String("call_id", c.state.callID),
			attribute.Int64("frames", int64(c.frames.Load())),
		)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-inbox:
			if !ok {
				return nil
			}
			if item.err != nil {
				if websocket.IsCloseError(item.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				c.logger.Warn("stream: socket error", zap.String("call_id", c.state.callID), zap.Error(item.err))
				return fmt.Errorf("stream: read: %w", item.err)
			}
			if err := c.handle(ctx, item.data); err != nil {
				var perr *ProtocolError
				if errors.As(err, &perr) {
					c.logger.Warn("stream: closing on protocol error",
						zap.String("call_id", c.state.callID),
						zap.Int("code", perr.Code),
						zap.String("reason", perr.Reason),
					)
					c.closeWith(perr.Code, perr.Reason)
				}
				return err
			}
			if c.state.stopped {
				return nil
			}
		}
	}
}

func (c *Connection) readLoop(inbox chan<- inboxItem) {
	defer close(inbox)
	for {
		_, data, err := c.ws.ReadMessage()
		item := inboxItem{data: data, err: err}
		select {
		case inbox <- item:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Connection) handle(ctx context.Context, data []byte) error {
	c.frames.Add(1)
	c.state.sequence++

	if c.schema != nil {
		if result := c.schema.ValidateJSON(data); !result.IsValid() {
			return protocolErrorf(CloseBadFrame, "frame %d does not match schema", c.state.sequence)
		}
	}
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return protocolErrorf(CloseBadFrame, "frame %d: %v", c.state.sequence, err)
	}

	switch f.kind() {
	case "connected":
		return c.onConnected(&f)
	case "start":
		return c.onStart(ctx, &f)
	case "media":
		c.onMedia(&f)
	case "dtmf":
		c.onDTMF(&f)
	case "clear":
		c.onClear()
	case "stop":
		c.onStop(ctx, &f)
	case "mark":
		c.logger.Debug("stream: mark", zap.String("call_id", c.state.callID))
	default:
		c.logger.Debug("stream: ignoring unknown event", zap.String("event", f.kind()))
	}
	return nil
}

func (c *Connection) onConnected(f *inboundFrame) error {
	if c.opts.ExpectedProtocol != "" && !strings.EqualFold(f.Protocol, c.opts.ExpectedProtocol) {
		return protocolErrorf(CloseProtocolMismatch, "protocol %q, expected %q", f.Protocol, c.opts.ExpectedProtocol)
	}
	c.state.connected = true
	c.logger.Debug("stream: connected", zap.String("protocol", f.Protocol), zap.String("version", f.Version))
	return nil
}

func (c *Connection) onStart(ctx context.Context, f *inboundFrame) error {
	if !c.state.connected {
		return protocolErrorf(CloseUnexpectedEvent, "start before connected")
	}
	if c.state.started {
		c.logger.Warn("stream: duplicate start ignored", zap.String("call_id", c.state.callID))
		return nil
	}
	if f.Start == nil {
		return protocolErrorf(CloseBadFrame, "start frame without start payload")
	}

	st := c.state
	st.streamID = f.Start.StreamSid
	if st.streamID == "" {
		st.streamID = f.StreamSid
	}
	st.callID = f.Start.CallSid
	st.tracks = f.Start.Tracks
	if len(st.tracks) == 0 {
		st.tracks = []string{"inbound"}
	}
	st.format = f.Start.MediaFormat
	if st.format.SampleRate == 0 {
		st.format.SampleRate = 8000
	}
	if st.format.Channels == 0 {
		st.format.Channels = 1
	}
	if !mulawEncoding(st.format.Encoding) {
		return protocolErrorf(CloseBadFrame, "unsupported media encoding %q", st.format.Encoding)
	}
	provider := c.opts.Provider
	c.applyCustomParameters(&st, f.Start.CustomParameters, &provider)
	st.started = true
	c.state = st
	c.opts.Provider = provider

	c.writeMu.Lock()
	c.streamSid = st.streamID
	c.writeMu.Unlock()

	log := c.logger.With(zap.String("call_id", st.callID), zap.String("stream_id", st.streamID))
	c.logger = log

	if c.deps.Slots != nil {
		ok, err := c.deps.Slots.Acquire(ctx, st.callID)
		switch {
		case err != nil:
			log.Warn("stream: slot limiter unavailable, admitting stream", zap.Error(err))
		case !ok:
			return protocolErrorf(CloseSlotsExhausted, "stream slots exhausted")
		default:
			c.state.slotHeld = true
		}
	}

	b, err := c.deps.Bridges.CreateBridge(bridge.Options{
		CallID:   st.callID,
		StreamID: st.streamID,
		LeadID:   leadString(st.leadID),
		Provider: c,
		Telephony: bridge.AudioConfig{
			Encoding:   "mulaw",
			SampleRate: st.format.SampleRate,
			Channels:   st.format.Channels,
		},
	})
	if err != nil {
		return protocolErrorf(CloseBridgeFailed, "create bridge: %v", err)
	}
	c.state.bridge = b

	if err := b.Connect(ctx); err != nil {
		return protocolErrorf(CloseBridgeFailed, "connect bridge: %v", err)
	}
	if err := b.StartStreaming(); err != nil {
		return protocolErrorf(CloseBridgeFailed, "start streaming: %v", err)
	}

	c.track(ctx, callstate.Update{
		Event:  domain.CallEventStreamStarted,
		Status: domain.CallStatusInProgress,
	})
	c.deps.Monitor.Publish(monitor.Event{
		Type:     monitor.EventStreamStarted,
		CallID:   st.callID,
		StreamID: st.streamID,
		Data: map[string]any{
			"tracks":      st.tracks,
			"sample_rate": st.format.SampleRate,
			"provider":    c.opts.Provider,
		},
	})
	log.Info("stream: started", zap.Strings("tracks", st.tracks), zap.Int("sample_rate", st.format.SampleRate))
	return nil
}

func (c *Connection) applyCustomParameters(st *connState, params map[string]string, provider *string) {
	for k, v := range params {
		switch strings.ToLower(k) {
		case "lead_id", "leadid":
			if id, err := uuid.Parse(v); err == nil {
				st.leadID = id
			} else {
				c.logger.Debug("stream: ignoring invalid lead id", zap.String("value", v))
			}
		case "phone_index", "phoneindex":
			if i, err := strconv.Atoi(v); err == nil && i >= 0 {
				st.phoneIndex = &i
			}
		case "attempt":
			if i, err := strconv.Atoi(v); err == nil && i > 0 {
				st.attempt = i
			}
		case "provider":
			if v != "" {
				*provider = strings.ToLower(v)
			}
		}
	}
}

func (c *Connection) onMedia(f *inboundFrame) {
	b := c.state.bridge
	if b == nil || f.Media == nil {
		c.earlyMedia.Add(1)
		return
	}
	if !inboundTrack(f.Media.Track) {
		c.outboundDropped.Add(1)
		return
	}

	payload, err := common.DecodeBase64(f.Media.Payload)
	if err != nil {
		c.decodeDrops.Add(1)
		c.logger.Warn("stream: dropping media frame with bad payload", zap.String("chunk", string(f.Media.Chunk)), zap.Error(err))
		return
	}
	chunk, _ := strconv.Atoi(string(f.Media.Chunk))
	ts, _ := strconv.ParseInt(string(f.Media.Timestamp), 10, 64)
	if err := b.ReceiveAudioFromProvider(payload, bridge.Metadata{Track: f.Media.Track, Chunk: chunk, Timestamp: ts}); err != nil {
		c.decodeDrops.Add(1)
		c.logger.Warn("stream: dropping undecodable media frame", zap.Int("chunk", chunk), zap.Error(err))
		return
	}
	c.mediaFrames.Add(1)
}

func (c *Connection) onDTMF(f *inboundFrame) {
	if f.DTMF == nil {
		return
	}
	c.deps.Monitor.Publish(monitor.Event{
		Type:     monitor.EventDTMFDetected,
		CallID:   c.state.callID,
		StreamID: c.state.streamID,
		Data: map[string]any{
			"digit":    f.DTMF.Digit,
			"duration": string(f.DTMF.Duration),
		},
	})
}

func (c *Connection) onClear() {
	if c.state.bridge == nil {
		return
	}
	n := c.state.bridge.Clear()
	c.logger.Debug("stream: cleared outbound audio", zap.Int("frames", n))
}

func (c *Connection) onStop(ctx context.Context, f *inboundFrame) {
	c.state.stopped = true
	reason := "stop"
	if f.Stop != nil && f.Stop.Reason != "" {
		reason = f.Stop.Reason
	}
	c.finish(ctx, reason)
}

// finish detaches the bridge and reports the stream end exactly once.
func (c *Connection) finish(ctx context.Context, reason string) {
	if c.state.finished {
		return
	}
	c.state.finished = true

	var stats bridge.Stats
	if b := c.state.bridge; b != nil {
		_ = b.Close()
		stats = b.Stats()
		c.state.bridge = nil
	}
	if c.state.slotHeld && c.deps.Slots != nil {
		if err := c.deps.Slots.Release(context.WithoutCancel(ctx), c.state.callID); err != nil {
			c.logger.Warn("stream: release slot", zap.Error(err))
		}
		c.state.slotHeld = false
	}
	if !c.state.started {
		return
	}

	c.track(ctx, callstate.Update{
		Event:           domain.CallEventStreamStopped,
		OutboundPackets: stats.PacketsOut,
	})
	c.deps.Monitor.Publish(monitor.Event{
		Type:     monitor.EventStreamStopped,
		CallID:   c.state.callID,
		StreamID: c.state.streamID,
		Data: map[string]any{
			"reason":       reason,
			"packets_in":   stats.PacketsIn,
			"packets_out":  stats.PacketsOut,
			"media_frames": c.mediaFrames.Load(),
		},
	})
	c.logger.Info("stream: stopped",
		zap.String("reason", reason),
		zap.Uint64("media_frames", c.mediaFrames.Load()),
		zap.Uint64("outbound_dropped", c.outboundDropped.Load()),
		zap.Uint64("decode_drops", c.decodeDrops.Load()),
	)
}

func (c *Connection) cleanup(ctx context.Context) {
	c.finish(ctx, "disconnect")
	_ = c.Close()
	close(c.done)
}

func (c *Connection) track(ctx context.Context, u callstate.Update) {
	if c.deps.Tracker == nil || c.state.callID == "" {
		return
	}
	u.CallID = c.state.callID
	u.StreamID = c.state.streamID
	u.Provider = c.opts.Provider
	u.LeadID = c.state.leadID
	u.PhoneIndex = c.state.phoneIndex
	u.Attempt = c.state.attempt
	if _, err := c.deps.Tracker.Apply(context.WithoutCancel(ctx), u); err != nil {
		c.logger.Warn("stream: track call state", zap.String("event", string(u.Event)), zap.Error(err))
	}
}

// SendMedia writes mu-law audio toward the caller.
func (c *Connection) SendMedia(payload []byte) error {
	c.writeMu.Lock()
	sid := c.streamSid
	c.writeMu.Unlock()
	return c.writeJSON(outboundMedia{
		Event:     "media",
		StreamSid: sid,
		Media:     outboundAudio{Payload: common.EncodeBase64(payload)},
	})
}

// Clear asks the provider to drop audio queued for playback.
func (c *Connection) Clear() error {
	c.writeMu.Lock()
	sid := c.streamSid
	c.writeMu.Unlock()
	return c.writeJSON(outboundControl{Event: "clear", StreamSid: sid})
}

// Close closes the socket normally. It does not wait for Serve to return.
func (c *Connection) Close() error {
	c.closeWith(websocket.CloseNormalClosure, "")
	return nil
}

func (c *Connection) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(c.opts.WriteTimeout))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

func (c *Connection) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return apperrors.ErrClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func inboundTrack(track string) bool {
	switch strings.ToLower(track) {
	case "", "inbound", "inbound_track":
		return true
	default:
		return false
	}
}

func mulawEncoding(enc string) bool {
	switch strings.ToLower(enc) {
	case "", "audio/x-mulaw", "mulaw", "ulaw", "pcmu", "audio/pcmu":
		return true
	default:
		return false
	}
}

func leadString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
