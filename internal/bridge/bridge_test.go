package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/acme/lead-call-engine/internal/codec"
	"github.com/acme/lead-call-engine/internal/voiceai"
	apperrors "github.com/acme/lead-call-engine/pkg/errors"
)

type fakeProvider struct {
	mu     sync.Mutex
	media  [][]byte
	clears int
	closes int
}

func (p *fakeProvider) SendMedia(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.media = append(p.media, payload)
	return nil
}

func (p *fakeProvider) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears++
	return nil
}

func (p *fakeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *fakeProvider) snapshot() (media [][]byte, clears, closes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.media...), p.clears, p.closes
}

type fakeVoice struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	frames   chan voiceai.Frame
	closed   chan struct{}
	once     sync.Once
	closes   atomic.Int32
}

func newFakeVoice() *fakeVoice {
	return &fakeVoice{frames: make(chan voiceai.Frame, 16), closed: make(chan struct{})}
}

func (v *fakeVoice) WriteAudio(pcm []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.writeErr != nil {
		return v.writeErr
	}
	v.writes = append(v.writes, append([]byte(nil), pcm...))
	return nil
}

func (v *fakeVoice) Receive() (voiceai.Frame, error) {
	select {
	case f := <-v.frames:
		return f, nil
	case <-v.closed:
		return voiceai.Frame{}, io.EOF
	}
}

func (v *fakeVoice) CloseGracefully(time.Duration) error {
	v.closes.Add(1)
	v.once.Do(func() { close(v.closed) })
	return nil
}

func (v *fakeVoice) written() [][]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([][]byte(nil), v.writes...)
}

type fakeDialer struct {
	mu     sync.Mutex
	voices map[string]*fakeVoice
	err    error
	prep   func(*fakeVoice)
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{voices: make(map[string]*fakeVoice)}
}

func (d *fakeDialer) Dial(_ context.Context, session voiceai.Session) (VoiceConn, error) {
	if d.err != nil {
		return nil, d.err
	}
	v := newFakeVoice()
	if d.prep != nil {
		d.prep(v)
	}
	d.mu.Lock()
	d.voices[session.CallID] = v
	d.mu.Unlock()
	return v, nil
}

func (d *fakeDialer) voice(callID string) *fakeVoice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.voices[callID]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func startBridge(t *testing.T, m *Manager, callID string, provider ProviderLeg) *Bridge {
	t.Helper()
	b, err := m.CreateBridge(Options{CallID: callID, StreamID: "S-" + callID, Provider: provider})
	if err != nil {
		t.Fatalf("create bridge: %v", err)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := b.StartStreaming(); err != nil {
		t.Fatalf("start streaming: %v", err)
	}
	return b
}

func mulawFrame(value byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = value
	}
	return buf
}

func TestBridgeForwardsInboundAudio(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(ManagerConfig{}, dialer, nil, nil)
	provider := &fakeProvider{}
	b := startBridge(t, m, "C1", provider)

	if b.State() != StateStreaming {
		t.Fatalf("expected streaming, got %s", b.State())
	}

	for i := 0; i < 5; i++ {
		if err := b.ReceiveAudioFromProvider(mulawFrame(0xF0, 160), Metadata{Track: "inbound", Chunk: i}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	voice := dialer.voice("C1")
	waitFor(t, "voice writes", func() bool { return len(voice.written()) == 5 })

	for _, w := range voice.written() {
		// 160 mu-law samples at 8 kHz become 320 samples at 16 kHz.
		if len(w) != 640 {
			t.Fatalf("expected 640 bytes of 16 kHz PCM, got %d", len(w))
		}
		if got := int16(binary.LittleEndian.Uint16(w)); got != 120 {
			t.Fatalf("expected decoded sample 120, got %d", got)
		}
	}

	stats := b.Stats()
	if stats.PacketsIn != 5 || stats.BytesIn != 800 {
		t.Fatalf("unexpected inbound stats: %+v", stats)
	}
}

func TestBridgeCloseIsIdempotent(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(ManagerConfig{}, dialer, nil, nil)
	provider := &fakeProvider{}
	b := startBridge(t, m, "C1", provider)

	var closedEvents atomic.Int32
	b.OnClosed(func(*Bridge) { closedEvents.Add(1) })

	for i := 0; i < 3; i++ {
		if err := b.Close(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if b.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", b.State())
	}
	if closedEvents.Load() != 1 {
		t.Fatalf("expected one closed event, got %d", closedEvents.Load())
	}
	if m.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", m.Count())
	}
	if _, _, closes := provider.snapshot(); closes != 1 {
		t.Fatalf("expected provider leg closed once, got %d", closes)
	}
	if n := dialer.voice("C1").closes.Load(); n != 1 {
		t.Fatalf("expected voice leg closed once, got %d", n)
	}
	if b.Stats().EndedAt == nil {
		t.Fatalf("expected final stats to carry an end time")
	}

	// A listener registered after close still fires.
	late := make(chan struct{})
	b.OnClosed(func(*Bridge) { close(late) })
	select {
	case <-late:
	case <-time.After(time.Second):
		t.Fatalf("late listener did not fire")
	}
}

func TestSendAudioOnlyWhileStreaming(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(ManagerConfig{}, dialer, nil, nil)
	provider := &fakeProvider{}

	b, err := m.CreateBridge(Options{CallID: "C1", Provider: provider})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.SendAudioToProvider([]byte{0xFF}) {
		t.Fatalf("expected send to be refused before streaming")
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.SendAudioToProvider([]byte{0xFF}) {
		t.Fatalf("expected send to be refused while connected")
	}
	if err := b.StartStreaming(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.SendAudioToProvider([]byte{0xFF, 0xFF}) {
		t.Fatalf("expected send to be accepted while streaming")
	}
	waitFor(t, "provider media", func() bool {
		media, _, _ := provider.snapshot()
		return len(media) == 1
	})

	if err := b.StopStreaming(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.SendAudioToProvider([]byte{0xFF}) {
		t.Fatalf("expected send to be refused after stop streaming")
	}
	_ = b.Close()
}

func TestVoiceAudioIsTranscodedForProvider(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(ManagerConfig{}, dialer, nil, nil)
	provider := &fakeProvider{}
	b := startBridge(t, m, "C1", provider)
	defer b.Close()

	// 480 samples at 24 kHz is 20 ms, which is 160 mu-law bytes at 8 kHz.
	pcm := make([]byte, 960)
	for i := 0; i < 480; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(1000)))
	}
	dialer.voice("C1").frames <- voiceai.Frame{Audio: pcm}

	waitFor(t, "provider media", func() bool {
		media, _, _ := provider.snapshot()
		return len(media) == 1
	})
	media, _, _ := provider.snapshot()
	if len(media[0]) != 160 {
		t.Fatalf("expected 160 mu-law bytes, got %d", len(media[0]))
	}
	want := codec.EncodeSample(1000)
	for _, v := range media[0] {
		if v != want {
			t.Fatalf("expected every byte to be %#x, got %#x", want, v)
		}
	}
	waitFor(t, "outbound stats", func() bool { return b.Stats().PacketsOut == 1 })
}

func TestInterruptClearsProvider(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(ManagerConfig{}, dialer, nil, nil)
	provider := &fakeProvider{}
	b := startBridge(t, m, "C1", provider)
	defer b.Close()

	dialer.voice("C1").frames <- voiceai.Frame{Event: &voiceai.Event{Type: voiceai.EventInterrupt}}
	waitFor(t, "provider clear", func() bool {
		_, clears, _ := provider.snapshot()
		return clears == 1
	})
}

func TestMalformedFrameDoesNotCloseBridge(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(ManagerConfig{}, dialer, nil, nil)
	b := startBridge(t, m, "C1", &fakeProvider{})
	defer b.Close()

	if err := b.ReceiveAudioFromProvider(nil, Metadata{Chunk: 1}); !errors.Is(err, codec.ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
	if b.State() != StateStreaming {
		t.Fatalf("expected bridge to keep streaming, got %s", b.State())
	}
	if err := b.ReceiveAudioFromProvider(mulawFrame(0xFF, 160), Metadata{Chunk: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "voice write", func() bool { return len(dialer.voice("C1").written()) == 1 })
	if b.Stats().DecodeErrors != 1 {
		t.Fatalf("expected one decode error, got %d", b.Stats().DecodeErrors)
	}
}

func TestVoiceLegFailureTearsDown(t *testing.T) {
	dialer := newFakeDialer()
	dialer.prep = func(v *fakeVoice) { v.writeErr = errors.New("broken pipe") }
	m := NewManager(ManagerConfig{}, dialer, nil, nil)
	provider := &fakeProvider{}
	b := startBridge(t, m, "C1", provider)

	if err := b.ReceiveAudioFromProvider(mulawFrame(0xFF, 160), Metadata{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("bridge did not tear down after leg failure")
	}
	if b.State() != StateError {
		t.Fatalf("expected error state, got %s", b.State())
	}
	if b.Err() == nil {
		t.Fatalf("expected failure to be recorded")
	}
	if _, _, closes := provider.snapshot(); closes != 1 {
		t.Fatalf("expected provider leg closed, got %d closes", closes)
	}
	waitFor(t, "registry removal", func() bool { return m.Count() == 0 })
	_ = b.Close()
	if b.State() != StateError {
		t.Fatalf("close after failure should keep error state, got %s", b.State())
	}
}

func TestDialFailureClosesBridge(t *testing.T) {
	dialer := newFakeDialer()
	dialer.err = errors.New("connection refused")
	m := NewManager(ManagerConfig{}, dialer, nil, nil)

	b, err := m.CreateBridge(Options{CallID: "C1", Provider: &fakeProvider{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Connect(context.Background()); err == nil {
		t.Fatalf("expected connect error")
	}
	<-b.Done()
	waitFor(t, "registry removal", func() bool { return m.Count() == 0 })
}

func TestDuplicatePolicies(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(ManagerConfig{}, dialer, nil, nil)
	first := startBridge(t, m, "C1", &fakeProvider{})
	second := startBridge(t, m, "C1", &fakeProvider{})

	select {
	case <-first.Done():
	default:
		t.Fatalf("expected replaced bridge to be closed")
	}
	if got, ok := m.GetBridge("C1"); !ok || got != second {
		t.Fatalf("expected registry to hold the replacement bridge")
	}
	_ = second.Close()

	strict := NewManager(ManagerConfig{DuplicatePolicy: DuplicateReject}, dialer, nil, nil)
	kept := startBridge(t, strict, "C2", &fakeProvider{})
	defer kept.Close()
	if _, err := strict.CreateBridge(Options{CallID: "C2"}); !apperrors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if got, _ := strict.GetBridge("C2"); got != kept {
		t.Fatalf("expected original bridge to stay registered")
	}
}

func TestConcurrentBridgesAreIsolated(t *testing.T) {
	const n = 20
	dialer := newFakeDialer()
	m := NewManager(ManagerConfig{}, dialer, nil, nil)

	var closed atomic.Int32
	bridges := make([]*Bridge, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := m.CreateBridge(Options{CallID: fmt.Sprintf("C%d", i), Provider: &fakeProvider{}})
			if err != nil {
				t.Errorf("create bridge %d: %v", i, err)
				return
			}
			b.OnClosed(func(*Bridge) { closed.Add(1) })
			if err := b.Connect(context.Background()); err != nil {
				t.Errorf("connect %d: %v", i, err)
				return
			}
			if err := b.StartStreaming(); err != nil {
				t.Errorf("start %d: %v", i, err)
				return
			}
			bridges[i] = b
			// Each call streams a distinct byte so leakage would be visible.
			for f := 0; f < 10; f++ {
				_ = b.ReceiveAudioFromProvider(mulawFrame(byte(0x80+i), 160), Metadata{Chunk: f})
			}
		}(i)
	}
	wg.Wait()
	if t.Failed() {
		t.FailNow()
	}
	if len(m.ActiveBridges()) != n {
		t.Fatalf("expected %d active bridges, got %d", n, len(m.ActiveBridges()))
	}

	for i := 0; i < n; i++ {
		voice := dialer.voice(fmt.Sprintf("C%d", i))
		waitFor(t, "voice writes", func() bool { return len(voice.written()) == 10 })
		want := codec.DecodeSample(byte(0x80 + i))
		for _, w := range voice.written() {
			for off := 0; off < len(w); off += 2 {
				if got := int16(binary.LittleEndian.Uint16(w[off:])); got != want {
					t.Fatalf("call %d received foreign sample %d, want %d", i, got, want)
				}
			}
		}
	}

	// Abrupt concurrent teardown, some bridges closed more than once.
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(b *Bridge) { defer wg.Done(); _ = b.Close() }(bridges[i])
		go func(b *Bridge) { defer wg.Done(); _ = b.Close() }(bridges[i])
	}
	wg.Wait()

	waitFor(t, "closed events", func() bool { return closed.Load() == n })
	if m.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", m.Count())
	}
	if len(m.ActiveBridges()) != 0 {
		t.Fatalf("expected no active bridges")
	}
}

func TestCloseAll(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(ManagerConfig{}, dialer, nil, nil)
	for i := 0; i < 3; i++ {
		startBridge(t, m, fmt.Sprintf("C%d", i), &fakeProvider{})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.CloseAll(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "registry drain", func() bool { return m.Count() == 0 })
}

func TestStateTransitions(t *testing.T) {
	if _, err := StateDisconnected.next(StateStreaming); err == nil {
		t.Fatalf("expected disconnected -> streaming to be rejected")
	}
	if _, err := StateStreaming.next(StateConnected); err != nil {
		t.Fatalf("expected streaming -> connected to be allowed: %v", err)
	}
	if _, err := StateClosing.next(StateStreaming); err == nil {
		t.Fatalf("expected closing -> streaming to be rejected")
	}
	if !StateStreaming.Active() || StateClosing.Active() {
		t.Fatalf("unexpected Active classification")
	}
}
