// Package bridge relays audio between a provider media stream and a voice-AI
// session, one Bridge per live call.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/acme/lead-call-engine/internal/codec"
	"github.com/acme/lead-call-engine/internal/monitor"
	"github.com/acme/lead-call-engine/internal/voiceai"
	apperrors "github.com/acme/lead-call-engine/pkg/errors"
)

// ProviderLeg is the telephony side of a bridge.
type ProviderLeg interface {
	// SendMedia writes mu-law audio toward the caller.
	SendMedia(payload []byte) error
	// Clear asks the provider to drop audio it has buffered for playback.
	Clear() error
	Close() error
}

// VoiceConn is the voice-AI side of a bridge.
type VoiceConn interface {
	WriteAudio(pcm []byte) error
	Receive() (voiceai.Frame, error)
	CloseGracefully(grace time.Duration) error
}

// VoiceDialer opens voice-AI sessions.
type VoiceDialer interface {
	Dial(ctx context.Context, session voiceai.Session) (VoiceConn, error)
}

// VoiceDialerFunc adapts a function to VoiceDialer.
type VoiceDialerFunc func(ctx context.Context, session voiceai.Session) (VoiceConn, error)

// Dial implements VoiceDialer.
func (f VoiceDialerFunc) Dial(ctx context.Context, session voiceai.Session) (VoiceConn, error) {
	return f(ctx, session)
}

// AudioConfig describes one leg's audio format.
type AudioConfig struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// Options configures a new bridge.
type Options struct {
	CallID   string
	StreamID string
	LeadID   string
	Provider ProviderLeg
	// Telephony defaults to 8 kHz mono mu-law.
	Telephony AudioConfig
	// VoiceInput and VoiceOutput default to 16 kHz and 24 kHz linear PCM.
	VoiceInput        AudioConfig
	VoiceOutput       AudioConfig
	InboundQueueSize  int
	OutboundQueueSize int
	CloseGrace        time.Duration
}

// Metadata accompanies an inbound media frame.
type Metadata struct {
	Track     string
	Chunk     int
	Timestamp int64
}

// Stats is a snapshot of bridge counters.
type Stats struct {
	PacketsIn    uint64     `json:"packets_in"`
	BytesIn      uint64     `json:"bytes_in"`
	PacketsOut   uint64     `json:"packets_out"`
	BytesOut     uint64     `json:"bytes_out"`
	DroppedIn    uint64     `json:"dropped_in"`
	Cleared      uint64     `json:"cleared"`
	DecodeErrors uint64     `json:"decode_errors"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// Info is a read-only view of a bridge.
type Info struct {
	CallID    string      `json:"call_id"`
	StreamID  string      `json:"stream_id"`
	LeadID    string      `json:"lead_id,omitempty"`
	State     State       `json:"state"`
	Telephony AudioConfig `json:"telephony"`
	Voice     AudioConfig `json:"voice"`
	Stats     Stats       `json:"stats"`
	Error     string      `json:"error,omitempty"`
}

type counters struct {
	packetsIn    atomic.Uint64
	bytesIn      atomic.Uint64
	packetsOut   atomic.Uint64
	bytesOut     atomic.Uint64
	droppedIn    atomic.Uint64
	cleared      atomic.Uint64
	decodeErrors atomic.Uint64
}

// Bridge owns both legs of one call's audio path.
type Bridge struct {
	opts    Options
	dialer  VoiceDialer
	monitor monitor.Sink
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	state     State
	err       error
	voice     VoiceConn
	inbound   chan []byte
	inClosed  bool
	pumping   bool
	startedAt time.Time
	endedAt   *time.Time
	listeners []func(*Bridge)
	finished  bool

	outbound chan []byte
	stats    counters

	inboundWG sync.WaitGroup
	pumpWG    sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

func newBridge(opts Options, dialer VoiceDialer, sink monitor.Sink, logger *zap.Logger) *Bridge {
	if opts.Telephony.SampleRate == 0 {
		opts.Telephony = AudioConfig{Encoding: "mulaw", SampleRate: 8000, Channels: 1}
	}
	if opts.VoiceInput.SampleRate == 0 {
		opts.VoiceInput = AudioConfig{Encoding: "linear16", SampleRate: 16000, Channels: 1}
	}
	if opts.VoiceOutput.SampleRate == 0 {
		opts.VoiceOutput = AudioConfig{Encoding: "linear16", SampleRate: 24000, Channels: 1}
	}
	if opts.InboundQueueSize <= 0 {
		opts.InboundQueueSize = 64
	}
	if opts.OutboundQueueSize <= 0 {
		opts.OutboundQueueSize = 256
	}
	if sink == nil {
		sink = monitor.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		opts:      opts,
		dialer:    dialer,
		monitor:   sink,
		logger:    logger.With(zap.String("call_id", opts.CallID), zap.String("stream_id", opts.StreamID)),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateDisconnected,
		inbound:   make(chan []byte, opts.InboundQueueSize),
		outbound:  make(chan []byte, opts.OutboundQueueSize),
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
}

// CallID returns the call identifier the bridge is registered under.
func (b *Bridge) CallID() string { return b.opts.CallID }

// StreamID returns the provider stream identifier.
func (b *Bridge) StreamID() string { return b.opts.StreamID }

// State returns the current state.
func (b *Bridge) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Err returns the leg failure that moved the bridge to error, if any.
func (b *Bridge) Err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.err
}

// Done is closed once teardown has completed.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// OnClosed registers fn to run once after teardown, before Close returns.
// fn must not call Close. If the bridge is already closed fn runs immediately.
func (b *Bridge) OnClosed(fn func(*Bridge)) {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		fn(b)
		return
	}
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

func (b *Bridge) transition(to State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, err := b.state.next(to)
	if err != nil {
		return err
	}
	b.state = next
	return nil
}

// Connect dials the voice-AI leg. The provider leg is live already.
func (b *Bridge) Connect(ctx context.Context) error {
	if err := b.transition(StateConnecting); err != nil {
		return err
	}

	voice, err := b.dialer.Dial(ctx, voiceai.Session{
		CallID:   b.opts.CallID,
		StreamID: b.opts.StreamID,
		LeadID:   b.opts.LeadID,
		Input:    voiceai.AudioFormat{Encoding: "pcm_s16le", SampleRate: b.opts.VoiceInput.SampleRate, Channels: 1},
		Output:   voiceai.AudioFormat{Encoding: "pcm_s16le", SampleRate: b.opts.VoiceOutput.SampleRate, Channels: 1},
	})
	if err != nil {
		err = fmt.Errorf("bridge: dial voice leg: %w", err)
		b.fail(err)
		return err
	}

	b.mu.Lock()
	if b.state != StateConnecting {
		b.mu.Unlock()
		_ = voice.CloseGracefully(0)
		return fmt.Errorf("bridge: connect: %w", apperrors.ErrClosed)
	}
	b.voice = voice
	b.state = StateConnected
	b.mu.Unlock()
	return nil
}

// StartStreaming begins forwarding audio in both directions.
func (b *Bridge) StartStreaming() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, err := b.state.next(StateStreaming)
	if err != nil {
		return err
	}
	b.state = next
	if !b.pumping {
		b.pumping = true
		b.inboundWG.Add(1)
		go b.inboundPump()
		b.pumpWG.Add(2)
		go b.voiceReaderPump()
		go b.providerWriterPump()
	}
	return nil
}

// StopStreaming pauses forwarding; frames received meanwhile are dropped.
func (b *Bridge) StopStreaming() error {
	return b.transition(StateConnected)
}

// ReceiveAudioFromProvider decodes one inbound mu-law frame and queues it for
// the voice-AI leg. Decode failures drop only this frame.
func (b *Bridge) ReceiveAudioFromProvider(payload []byte, meta Metadata) error {
	pcm, err := codec.MulawToLinear16(payload)
	if err != nil {
		b.stats.decodeErrors.Add(1)
		return fmt.Errorf("bridge: decode frame %d: %w", meta.Chunk, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state != StateStreaming || b.inClosed {
		b.stats.droppedIn.Add(1)
		return nil
	}
	b.stats.packetsIn.Add(1)
	b.stats.bytesIn.Add(uint64(len(payload)))
	select {
	case b.inbound <- pcm:
	default:
		b.stats.droppedIn.Add(1)
		b.logger.Debug("bridge: inbound queue full, dropping frame", zap.Int("chunk", meta.Chunk))
	}
	return nil
}

// SendAudioToProvider queues mu-law audio for the caller. Outside streaming
// it logs a warning and does nothing.
func (b *Bridge) SendAudioToProvider(payload []byte) bool {
	if state := b.State(); state != StateStreaming {
		b.logger.Warn("bridge: dropping outbound audio while not streaming", zap.String("state", string(state)))
		return false
	}
	select {
	case b.outbound <- payload:
		return true
	case <-b.ctx.Done():
		return false
	}
}

// Clear drops queued outbound audio and returns how many frames were discarded.
func (b *Bridge) Clear() int {
	n := 0
	for {
		select {
		case <-b.outbound:
			n++
		default:
			b.stats.cleared.Add(uint64(n))
			return n
		}
	}
}

// Stats returns a snapshot of the counters.
func (b *Bridge) Stats() Stats {
	b.mu.RLock()
	started, ended := b.startedAt, b.endedAt
	b.mu.RUnlock()
	return Stats{
		PacketsIn:    b.stats.packetsIn.Load(),
		BytesIn:      b.stats.bytesIn.Load(),
		PacketsOut:   b.stats.packetsOut.Load(),
		BytesOut:     b.stats.bytesOut.Load(),
		DroppedIn:    b.stats.droppedIn.Load(),
		Cleared:      b.stats.cleared.Load(),
		DecodeErrors: b.stats.decodeErrors.Load(),
		StartedAt:    started,
		EndedAt:      ended,
	}
}

// Info returns a read-only view for dashboards.
func (b *Bridge) Info() Info {
	info := Info{
		CallID:    b.opts.CallID,
		StreamID:  b.opts.StreamID,
		LeadID:    b.opts.LeadID,
		State:     b.State(),
		Telephony: b.opts.Telephony,
		Voice:     b.opts.VoiceInput,
		Stats:     b.Stats(),
	}
	if err := b.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}

// Close tears the bridge down and blocks until teardown completes. Safe to
// call any number of times from any goroutine other than the bridge pumps.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() { go b.shutdown() })
	<-b.done
	return nil
}

// fail records a leg failure and starts teardown without blocking the caller.
func (b *Bridge) fail(err error) {
	b.mu.Lock()
	if b.state == StateClosing || b.state == StateDisconnected || b.state == StateError {
		b.mu.Unlock()
		return
	}
	b.err = err
	b.state = StateError
	b.mu.Unlock()

	b.logger.Error("bridge: leg failure", zap.Error(err))
	b.monitor.Publish(monitor.Event{
		Type:     monitor.EventStreamError,
		CallID:   b.opts.CallID,
		StreamID: b.opts.StreamID,
		Data:     map[string]any{"error": err.Error()},
	})
	b.closeOnce.Do(func() { go b.shutdown() })
}

func (b *Bridge) shutdown() {
	b.mu.Lock()
	failed := b.state == StateError
	if !failed {
		b.state = StateClosing
	}
	b.inClosed = true
	close(b.inbound)
	voice := b.voice
	b.mu.Unlock()

	// Inbound frames already queued are flushed to the voice leg before it closes.
	b.inboundWG.Wait()
	b.cancel()

	if voice != nil {
		if err := voice.CloseGracefully(b.opts.CloseGrace); err != nil {
			b.logger.Debug("bridge: voice leg close", zap.Error(err))
		}
	}
	if b.opts.Provider != nil {
		if err := b.opts.Provider.Close(); err != nil {
			b.logger.Debug("bridge: provider leg close", zap.Error(err))
		}
	}
	b.pumpWG.Wait()

	ended := time.Now().UTC()
	b.mu.Lock()
	if failed {
		b.state = StateError
	} else {
		b.state = StateDisconnected
	}
	b.endedAt = &ended
	b.mu.Unlock()

	stats := b.Stats()
	b.logger.Info("bridge: closed",
		zap.Bool("failed", failed),
		zap.Uint64("packets_in", stats.PacketsIn),
		zap.Uint64("bytes_in", stats.BytesIn),
		zap.Uint64("packets_out", stats.PacketsOut),
		zap.Uint64("bytes_out", stats.BytesOut),
		zap.Uint64("dropped_in", stats.DroppedIn),
		zap.Uint64("decode_errors", stats.DecodeErrors),
		zap.Duration("duration", ended.Sub(stats.StartedAt)),
	)
	b.monitor.Publish(monitor.Event{
		Type:     monitor.EventBridgeClosed,
		CallID:   b.opts.CallID,
		StreamID: b.opts.StreamID,
		At:       ended,
		Data: map[string]any{
			"packets_in":  stats.PacketsIn,
			"packets_out": stats.PacketsOut,
			"failed":      failed,
		},
	})

	b.mu.Lock()
	b.finished = true
	listeners := b.listeners
	b.listeners = nil
	b.mu.Unlock()
	for _, fn := range listeners {
		fn(b)
	}
	close(b.done)
}
