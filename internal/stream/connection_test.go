package stream

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acme/lead-call-engine/internal/bridge"
	"github.com/acme/lead-call-engine/internal/callstate"
	"github.com/acme/lead-call-engine/internal/domain"
	"github.com/acme/lead-call-engine/internal/monitor"
	"github.com/acme/lead-call-engine/internal/voiceai"
)

type wsMessage struct {
	data []byte
	err  error
}

type fakeWS struct {
	reads chan wsMessage

	mu         sync.Mutex
	writes     [][]byte
	closeCodes []int
	closed     bool
	closedCh   chan struct{}
}

func newFakeWS() *fakeWS {
	return &fakeWS{reads: make(chan wsMessage, 64), closedCh: make(chan struct{})}
}

func (f *fakeWS) send(format string, args ...any) {
	f.reads <- wsMessage{data: []byte(fmt.Sprintf(format, args...))}
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	select {
	case m, ok := <-f.reads:
		if !ok {
			return 0, nil, io.ErrUnexpectedEOF
		}
		if m.err != nil {
			return 0, nil, m.err
		}
		return websocket.TextMessage, m.data, nil
	case <-f.closedCh:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (f *fakeWS) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeWS) WriteControl(kind int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == websocket.CloseMessage && len(data) >= 2 {
		f.closeCodes = append(f.closeCodes, int(binary.BigEndian.Uint16(data)))
	}
	return nil
}

func (f *fakeWS) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closedCh)
	}
	return nil
}

func (f *fakeWS) codes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closeCodes...)
}

type fakeVoice struct {
	mu     sync.Mutex
	writes int
	closed chan struct{}
	once   sync.Once
}

func (v *fakeVoice) WriteAudio([]byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.writes++
	return nil
}

func (v *fakeVoice) Receive() (voiceai.Frame, error) {
	<-v.closed
	return voiceai.Frame{}, io.EOF
}

func (v *fakeVoice) CloseGracefully(time.Duration) error {
	v.once.Do(func() { close(v.closed) })
	return nil
}

// countingFactory wraps a real manager and counts creates and closes.
type countingFactory struct {
	manager *bridge.Manager
	mu      sync.Mutex
	created []*bridge.Bridge
	closed  int
}

func (f *countingFactory) CreateBridge(opts bridge.Options) (*bridge.Bridge, error) {
	b, err := f.manager.CreateBridge(opts)
	if err != nil {
		return nil, err
	}
	b.OnClosed(func(*bridge.Bridge) {
		f.mu.Lock()
		f.closed++
		f.mu.Unlock()
	})
	f.mu.Lock()
	f.created = append(f.created, b)
	f.mu.Unlock()
	return b, nil
}

func (f *countingFactory) counts() (created, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created), f.closed
}

type fakeTracker struct {
	mu      sync.Mutex
	updates []callstate.Update
}

func (t *fakeTracker) Apply(_ context.Context, u callstate.Update) (callstate.Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updates = append(t.updates, u)
	return callstate.Snapshot{}, nil
}

func (t *fakeTracker) events() []domain.CallEventType {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.CallEventType, 0, len(t.updates))
	for _, u := range t.updates {
		out = append(out, u.Event)
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	events []monitor.Event
}

func (r *recordingSink) Publish(e monitor.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) count(t monitor.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fakeSlots struct {
	allow    bool
	released []string
}

func (s *fakeSlots) Acquire(context.Context, string) (bool, error) { return s.allow, nil }

func (s *fakeSlots) Release(_ context.Context, key string) error {
	s.released = append(s.released, key)
	return nil
}

type harness struct {
	ws      *fakeWS
	conn    *Connection
	factory *countingFactory
	tracker *fakeTracker
	sink    *recordingSink
	voices  []*fakeVoice
	vmu     sync.Mutex
}

func newHarness(t *testing.T, slots SlotLimiter) *harness {
	t.Helper()
	h := &harness{ws: newFakeWS(), tracker: &fakeTracker{}, sink: &recordingSink{}}
	dialer := bridge.VoiceDialerFunc(func(context.Context, voiceai.Session) (bridge.VoiceConn, error) {
		v := &fakeVoice{closed: make(chan struct{})}
		h.vmu.Lock()
		h.voices = append(h.voices, v)
		h.vmu.Unlock()
		return v, nil
	})
	h.factory = &countingFactory{manager: bridge.NewManager(bridge.ManagerConfig{}, dialer, nil, nil)}

	schema, err := compileSchema()
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	h.conn = newConnection(h.ws, Options{Provider: "signalwire", ExpectedProtocol: "Call"}, Deps{
		Bridges: h.factory,
		Tracker: h.tracker,
		Monitor: h.sink,
		Slots:   slots,
	}, schema, nil)
	return h
}

func (h *harness) serve(t *testing.T) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- h.conn.Serve(context.Background()) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("Serve did not return")
		return nil
	}
}

func mediaPayloadB64(value byte) string {
	buf := make([]byte, 160)
	for i := range buf {
		buf[i] = value
	}
	return base64.StdEncoding.EncodeToString(buf)
}

const (
	connectedFrame = `{"event":"connected","protocol":"Call","version":"1.0.0"}`
	startFrame     = `{"event":"start","sequenceNumber":"1","streamSid":"S1","start":{"streamSid":"S1","callSid":"C1","tracks":["inbound"],"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},"customParameters":{"lead_id":"2f6d2b8e-9c1a-4a57-8f43-1b7f3b1e9a01","phone_index":"1","attempt":"2"}}}`
	stopFrame      = `{"event":"stop","streamSid":"S1","stop":{"callSid":"C1"}}`
)

func TestStreamStartMediaStop(t *testing.T) {
	h := newHarness(t, nil)

	h.ws.send(connectedFrame)
	h.ws.send(startFrame)
	for i := 0; i < 5; i++ {
		h.ws.send(`{"event":"media","streamSid":"S1","media":{"track":"inbound","chunk":"%d","timestamp":"%d","payload":"%s"}}`, i+1, i*20, mediaPayloadB64(0xFF))
	}
	h.ws.send(`{"event":"media","streamSid":"S1","media":{"track":"outbound","chunk":"6","timestamp":"100","payload":"%s"}}`, mediaPayloadB64(0xFF))
	h.ws.send(stopFrame)

	if err := h.serve(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	created, closed := h.factory.counts()
	if created != 1 || closed != 1 {
		t.Fatalf("expected exactly one bridge created and closed, got %d/%d", created, closed)
	}
	stats := h.conn.Stats()
	if stats.MediaFrames != 5 {
		t.Fatalf("expected 5 decoded media frames, got %d", stats.MediaFrames)
	}
	if stats.OutboundDropped != 1 {
		t.Fatalf("expected outbound echo to be dropped, got %d", stats.OutboundDropped)
	}
	if got := h.factory.created[0].Stats().PacketsIn; got != 5 {
		t.Fatalf("expected bridge to receive 5 packets, got %d", got)
	}
	if h.factory.manager.Count() != 0 {
		t.Fatalf("expected registry to be empty")
	}

	events := h.tracker.events()
	if len(events) != 2 || events[0] != domain.CallEventStreamStarted || events[1] != domain.CallEventStreamStopped {
		t.Fatalf("unexpected tracker events: %v", events)
	}
	first := h.tracker.updates[0]
	if first.LeadID.String() != "2f6d2b8e-9c1a-4a57-8f43-1b7f3b1e9a01" || first.PhoneIndex == nil || *first.PhoneIndex != 1 || first.Attempt != 2 {
		t.Fatalf("expected lead metadata from custom parameters, got %+v", first)
	}
	if h.sink.count(monitor.EventStreamStopped) != 1 {
		t.Fatalf("expected one stream_stopped event")
	}
}

func TestStreamDropsMalformedPayload(t *testing.T) {
	h := newHarness(t, nil)

	h.ws.send(connectedFrame)
	h.ws.send(startFrame)
	h.ws.send(`{"event":"media","media":{"track":"inbound","chunk":"1","payload":"%s"}}`, mediaPayloadB64(0x7F))
	h.ws.send(`{"event":"media","media":{"track":"inbound","chunk":"2","payload":"***not-base64***"}}`)
	h.ws.send(`{"event":"media","media":{"track":"inbound","chunk":"3","payload":"%s"}}`, mediaPayloadB64(0x7F))

	errCh := make(chan error, 1)
	go func() { errCh <- h.conn.Serve(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.conn.Stats().Frames < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("frames were not processed")
		}
		time.Sleep(2 * time.Millisecond)
	}
	_, closed := h.factory.counts()
	if closed != 0 {
		t.Fatalf("bridge must stay open after a bad frame")
	}
	stats := h.conn.Stats()
	if stats.DecodeDrops != 1 || stats.MediaFrames != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	// Abrupt socket loss still tears the bridge down.
	h.ws.reads <- wsMessage{err: errors.New("connection reset by peer")}
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected read error to surface")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Serve did not return")
	}
	if _, closed := h.factory.counts(); closed != 1 {
		t.Fatalf("expected bridge closed after socket error, got %d", closed)
	}
}

func TestStreamProtocolMismatch(t *testing.T) {
	h := newHarness(t, nil)
	h.ws.send(`{"event":"connected","protocol":"SIP","version":"1.0.0"}`)

	err := h.serve(t)
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != CloseProtocolMismatch {
		t.Fatalf("expected protocol mismatch error, got %v", err)
	}
	if codes := h.ws.codes(); len(codes) != 1 || codes[0] != CloseProtocolMismatch {
		t.Fatalf("expected close code %d, got %v", CloseProtocolMismatch, codes)
	}
	if created, _ := h.factory.counts(); created != 0 {
		t.Fatalf("no bridge should be created")
	}
}

func TestStreamStartBeforeConnected(t *testing.T) {
	h := newHarness(t, nil)
	h.ws.send(startFrame)

	err := h.serve(t)
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != CloseUnexpectedEvent {
		t.Fatalf("expected unexpected-event error, got %v", err)
	}
}

func TestStreamRejectsBadFrames(t *testing.T) {
	frames := []string{
		`not json at all`,
		`{"streamSid":"S1"}`,
		`{"event":"media","media":{"track":"inbound"}}`,
		`{"event":"start","start":{"streamSid":"S1"}}`,
	}
	for _, frame := range frames {
		h := newHarness(t, nil)
		h.ws.send(connectedFrame)
		h.ws.send(frame)

		err := h.serve(t)
		var perr *ProtocolError
		if !errors.As(err, &perr) || perr.Code != CloseBadFrame {
			t.Errorf("%s: expected bad frame error, got %v", frame, err)
		}
	}
}

func TestStreamSlotsExhausted(t *testing.T) {
	slots := &fakeSlots{allow: false}
	h := newHarness(t, slots)
	h.ws.send(connectedFrame)
	h.ws.send(startFrame)

	err := h.serve(t)
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != CloseSlotsExhausted {
		t.Fatalf("expected slots exhausted error, got %v", err)
	}
	if created, _ := h.factory.counts(); created != 0 {
		t.Fatalf("no bridge should be created without a slot")
	}
	if len(slots.released) != 0 {
		t.Fatalf("a slot that was never acquired must not be released")
	}
}

func TestStreamReleasesSlotOnStop(t *testing.T) {
	slots := &fakeSlots{allow: true}
	h := newHarness(t, slots)
	h.ws.send(connectedFrame)
	h.ws.send(startFrame)
	h.ws.send(stopFrame)

	if err := h.serve(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots.released) != 1 || slots.released[0] != "C1" {
		t.Fatalf("expected slot for C1 released once, got %v", slots.released)
	}
}

func TestStreamDTMFAndClear(t *testing.T) {
	h := newHarness(t, nil)
	h.ws.send(connectedFrame)
	h.ws.send(startFrame)
	h.ws.send(`{"event":"dtmf","streamSid":"S1","dtmf":{"track":"inbound_track","digit":"5","duration":"250"}}`)
	h.ws.send(`{"event":"clear","streamSid":"S1"}`)
	h.ws.send(`{"event":"mark","streamSid":"S1","mark":{"name":"greeting"}}`)
	h.ws.send(stopFrame)

	if err := h.serve(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.sink.count(monitor.EventDTMFDetected) != 1 {
		t.Fatalf("expected dtmf relayed to monitor")
	}
	if _, closed := h.factory.counts(); closed != 1 {
		t.Fatalf("expected bridge closed on stop")
	}
}

func TestStreamTypeDiscriminator(t *testing.T) {
	h := newHarness(t, nil)
	h.ws.send(`{"type":"connected","protocol":"Call"}`)
	h.ws.send(`{"type":"start","start":{"streamSid":"S9","callSid":"C9"}}`)
	h.ws.send(`{"type":"media","media":{"payload":"%s"}}`, mediaPayloadB64(0xFF))
	h.ws.send(`{"type":"stop"}`)

	if err := h.serve(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.conn.Stats().MediaFrames != 1 {
		t.Fatalf("expected media frame accepted via type discriminator")
	}
}

func TestSendMediaWritesProviderFrame(t *testing.T) {
	h := newHarness(t, nil)
	h.conn.streamSid = "S1"
	if err := h.conn.SendMedia([]byte{0xFF, 0x7F}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"event":"media","streamSid":"S1","media":{"payload":"/38="}}`
	if got := string(h.ws.writes[0]); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	_ = h.conn.Close()
	if err := h.conn.SendMedia([]byte{0xFF}); err == nil {
		t.Fatalf("expected write after close to fail")
	}
}
