package callstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-call-engine/internal/domain"
	"github.com/acme/lead-call-engine/internal/monitor"
	"github.com/acme/lead-call-engine/internal/queue"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []queue.StatusMessage
	err  error
}

func (f *fakePublisher) PublishStatus(_ context.Context, msg queue.StatusMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return f.err
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

func intPtr(v int) *int { return &v }

func hangup(r domain.HangupReason) *domain.HangupReason { return &r }

func TestTrackerFinalizesOnce(t *testing.T) {
	pub := &fakePublisher{}
	sink := &recordingSink{}
	tr := NewTracker(pub, sink, time.Minute, nil)
	ctx := context.Background()
	lead := uuid.New()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	steps := []Update{
		{CallID: "C1", Provider: "telnyx", Status: domain.CallStatusInitiated, LeadID: lead, PhoneIndex: intPtr(1), Attempt: 2, At: start},
		{CallID: "C1", Status: domain.CallStatusRinging, At: start.Add(time.Second)},
		{CallID: "C1", Status: domain.CallStatusInProgress, At: start.Add(5 * time.Second)},
		{CallID: "C1", Event: domain.CallEventHangup, Hangup: hangup(domain.HangupNormalClearing), At: start.Add(65 * time.Second)},
	}
	for _, u := range steps {
		if _, err := tr.Apply(ctx, u); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// late webhooks are ignored
	snap, err := tr.Apply(ctx, Update{CallID: "C1", Status: domain.CallStatusBusy})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Status != domain.CallStatusCompleted || !snap.Finalized {
		t.Fatalf("expected finalized completed session, got %+v", snap)
	}

	if len(pub.msgs) != 1 {
		t.Fatalf("expected exactly one outcome, got %d", len(pub.msgs))
	}
	msg := pub.msgs[0]
	if msg.Status != "completed" || msg.LeadID != lead || msg.PhoneIndex != 1 || msg.Attempt != 2 {
		t.Fatalf("unexpected outcome: %+v", msg)
	}
	if msg.DurationMs != 65000 {
		t.Fatalf("expected 65s duration, got %dms", msg.DurationMs)
	}
	if msg.HangupReason != string(domain.HangupNormalClearing) {
		t.Fatalf("expected hangup reason, got %q", msg.HangupReason)
	}

	ended := 0
	for _, e := range sink.events {
		if e.Type == monitor.EventCallEnded {
			ended++
		}
	}
	if ended != 1 {
		t.Fatalf("expected one call_ended event, got %d", ended)
	}
}

func TestTrackerIgnoresOutOfOrderStatus(t *testing.T) {
	tr := NewTracker(&fakePublisher{}, nil, time.Minute, nil)
	ctx := context.Background()

	_, _ = tr.Apply(ctx, Update{CallID: "C1", Status: domain.CallStatusInProgress})
	snap, err := tr.Apply(ctx, Update{CallID: "C1", Status: domain.CallStatusRinging})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Status != domain.CallStatusInProgress {
		t.Fatalf("expected status to stay in_progress, got %s", snap.Status)
	}
}

func TestTrackerUnansweredHangupUsesCause(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTracker(pub, nil, time.Minute, nil)
	ctx := context.Background()

	_, _ = tr.Apply(ctx, Update{CallID: "C1", Status: domain.CallStatusRinging})
	snap, err := tr.Apply(ctx, Update{CallID: "C1", Event: domain.CallEventHangup, Hangup: hangup(domain.HangupBusy)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Status != domain.CallStatusBusy {
		t.Fatalf("expected busy, got %s", snap.Status)
	}

	_, _ = tr.Apply(ctx, Update{CallID: "C2", Status: domain.CallStatusRinging})
	snap, _ = tr.Apply(ctx, Update{CallID: "C2", Event: domain.CallEventHangup})
	if snap.Status != domain.CallStatusNoAnswer {
		t.Fatalf("expected no_answer without a cause, got %s", snap.Status)
	}
}

func TestTrackerRecordsFirstAMDOnly(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTracker(pub, nil, time.Minute, nil)
	ctx := context.Background()

	_, _ = tr.Apply(ctx, Update{CallID: "C1", Status: domain.CallStatusInProgress})
	snap, _ := tr.Apply(ctx, Update{CallID: "C1", Event: domain.CallEventAMDCompleted,
		AMD: &domain.AMDDetection{Result: domain.AMDMachine, Confidence: 0.9}})
	if snap.Status != domain.CallStatusVoicemail {
		t.Fatalf("expected machine detection to move to voicemail, got %s", snap.Status)
	}
	snap, _ = tr.Apply(ctx, Update{CallID: "C1", Event: domain.CallEventAMDCompleted,
		AMD: &domain.AMDDetection{Result: domain.AMDHuman, Confidence: 0.4}})
	if snap.AMD.Result != domain.AMDMachine {
		t.Fatalf("expected first amd result to stick, got %s", snap.AMD.Result)
	}

	// The voicemail script played, then the stream stopped.
	snap, err := tr.Apply(ctx, Update{CallID: "C1", Event: domain.CallEventStreamStopped, OutboundPackets: 250})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !snap.Finalized || !snap.VoicemailDelivered {
		t.Fatalf("expected finalized session with delivered voicemail, got %+v", snap)
	}
	if len(pub.msgs) != 1 || pub.msgs[0].Status != "voicemail" || !pub.msgs[0].VoicemailDelivered {
		t.Fatalf("expected voicemail outcome, got %+v", pub.msgs)
	}
	if pub.msgs[0].AMDResult != "machine" {
		t.Fatalf("expected amd result in outcome, got %q", pub.msgs[0].AMDResult)
	}
}

func TestTrackerStreamStopBeforeAnswerDoesNotFinalize(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTracker(pub, nil, time.Minute, nil)

	snap, _ := tr.Apply(context.Background(), Update{CallID: "C1", Status: domain.CallStatusRinging})
	snap, _ = tr.Apply(context.Background(), Update{CallID: "C1", Event: domain.CallEventStreamStopped})
	if snap.Finalized || len(pub.msgs) != 0 {
		t.Fatalf("expected unanswered stream stop to leave the call open")
	}
}

func (f *fakePublisher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestTrackerRepublishesAfterPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	sink := &recordingSink{}
	tr := NewTracker(pub, sink, time.Minute, nil)
	ctx := context.Background()

	_, err := tr.Apply(ctx, Update{CallID: "C1", Status: domain.CallStatusFailed})
	if err == nil {
		t.Fatalf("expected publish error to surface")
	}
	snap, ok := tr.Get("C1")
	if !ok || !snap.Finalized || !snap.OutcomePending {
		t.Fatalf("expected finalized session with pending outcome, got %+v", snap)
	}

	// a late webhook retries while the broker is still down
	if _, err := tr.Apply(ctx, Update{CallID: "C1", Status: domain.CallStatusBusy}); err == nil {
		t.Fatalf("expected retry to fail while broker is down")
	}

	pub.setErr(nil)
	if n := tr.flushPending(ctx); n != 1 {
		t.Fatalf("expected pending outcome published, got %d", n)
	}
	if n := tr.flushPending(ctx); n != 0 {
		t.Fatalf("expected nothing left to publish, got %d", n)
	}
	if pub.count() != 3 || pub.msgs[2].Status != "failed" {
		t.Fatalf("expected third attempt to carry the failed outcome, got %+v", pub.msgs)
	}
	if snap, _ := tr.Get("C1"); snap.OutcomePending {
		t.Fatalf("expected outcome settled")
	}

	// later updates no longer publish
	if _, err := tr.Apply(ctx, Update{CallID: "C1", Status: domain.CallStatusBusy}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pub.count() != 3 {
		t.Fatalf("expected no further publishes, got %d", pub.count())
	}

	ended := 0
	for _, e := range sink.events {
		if e.Type == monitor.EventCallEnded {
			ended++
		}
	}
	if ended != 1 {
		t.Fatalf("expected one call_ended event, got %d", ended)
	}
}

func TestTrackerLateUpdateRepublishes(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	tr := NewTracker(pub, nil, time.Minute, nil)
	ctx := context.Background()

	_, _ = tr.Apply(ctx, Update{CallID: "C1", Status: domain.CallStatusNoAnswer})
	pub.setErr(nil)

	snap, err := tr.Apply(ctx, Update{CallID: "C1", Event: domain.CallEventHangup})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.OutcomePending || snap.Status != domain.CallStatusNoAnswer {
		t.Fatalf("expected published no_answer outcome, got %+v", snap)
	}
	if pub.count() != 2 {
		t.Fatalf("expected one failed and one successful publish, got %d", pub.count())
	}
}

func TestTrackerKeepsUnpublishedOutcomes(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	tr := NewTracker(pub, nil, time.Minute, nil)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, _ = tr.Apply(context.Background(), Update{CallID: "C1", Status: domain.CallStatusBusy, At: at})

	if n := tr.evict(at.Add(time.Hour)); n != 0 {
		t.Fatalf("expected unpublished outcome kept past retention, got %d evicted", n)
	}
	if n := tr.evict(at.Add(13 * time.Hour)); n != 1 {
		t.Fatalf("expected unpublished outcome dropped after stale age, got %d", n)
	}
}

func TestTrackerRunFlushesPending(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	tr := NewTracker(pub, nil, time.Minute, nil)
	tr.retryInterval = 10 * time.Millisecond

	_, _ = tr.Apply(context.Background(), Update{CallID: "C1", Status: domain.CallStatusBusy})
	pub.setErr(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if snap, _ := tr.Get("C1"); !snap.OutcomePending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected janitor to publish the pending outcome")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if pub.count() != 2 {
		t.Fatalf("expected exactly one republish, got %d publishes", pub.count())
	}
}

func TestTrackerEviction(t *testing.T) {
	tr := NewTracker(nil, nil, time.Minute, nil)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, _ = tr.Apply(context.Background(), Update{CallID: "done", Status: domain.CallStatusBusy, At: at})
	_, _ = tr.Apply(context.Background(), Update{CallID: "live", Status: domain.CallStatusRinging, At: at})

	if n := tr.evict(at.Add(30 * time.Second)); n != 0 {
		t.Fatalf("expected nothing evicted inside retention, got %d", n)
	}
	if n := tr.evict(at.Add(2 * time.Minute)); n != 1 {
		t.Fatalf("expected finalized call evicted, got %d", n)
	}
	if _, ok := tr.Get("live"); !ok {
		t.Fatalf("expected live call to be kept")
	}
	if n := tr.evict(at.Add(13 * time.Hour)); n != 1 {
		t.Fatalf("expected stale call evicted, got %d", n)
	}
	if len(tr.Sessions()) != 0 {
		t.Fatalf("expected no sessions left")
	}
}

func TestTrackerRejectsMissingCallID(t *testing.T) {
	tr := NewTracker(nil, nil, time.Minute, nil)
	if _, err := tr.Apply(context.Background(), Update{Status: domain.CallStatusRinging}); err == nil {
		t.Fatalf("expected validation error")
	}
}
