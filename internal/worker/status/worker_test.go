package status

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/lead-call-engine/internal/domain"
	"github.com/acme/lead-call-engine/internal/queue"
	"github.com/acme/lead-call-engine/internal/worker"
)

type sliceReader struct {
	mu      sync.Mutex
	pending []kafka.Message
	commits []int64
}

func (r *sliceReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.mu.Lock()
		if len(r.pending) > 0 {
			m := r.pending[0]
			r.pending = r.pending[1:]
			r.mu.Unlock()
			return m, nil
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *sliceReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.commits = append(r.commits, m.Offset)
	}
	return nil
}

func (r *sliceReader) Close() error { return nil }

func (r *sliceReader) committed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commits)
}

type flakyRetries struct {
	mu       sync.Mutex
	failures int
	calls    int
	inner    *recordingRetries
}

func (f *flakyRetries) ScheduleRetry(ctx context.Context, attempt int, msg queue.RetryMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	return f.inner.ScheduleRetry(ctx, attempt, msg)
}

func TestWorkerRetriesOutcomeUntilRetryIsPublished(t *testing.T) {
	_, leads, calls, retries, leadID := newFixture("+15550001", "+15550002")
	flaky := &flakyRetries{failures: 2, inner: retries}
	processor := NewProcessor(leads, calls, newTestScheduler(), flaky, nil)

	value, _ := json.Marshal(outcome(leadID, 0, 1, domain.CallStatusBusy))
	reader := &sliceReader{pending: []kafka.Message{{Value: value, Offset: 41}}}
	w := NewWorker(reader, processor, worker.Policy{MaxAttempts: 5, Backoff: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for reader.committed() < 1 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("expected outcome committed after the retry was published")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	if flaky.calls != 3 {
		t.Fatalf("expected two failed publishes then success, got %d calls", flaky.calls)
	}
	if len(retries.messages) != 1 || retries.messages[0].PhoneIndex != 1 {
		t.Fatalf("expected exactly one retry for the next phone, got %d", len(retries.messages))
	}
	if reader.commits[0] != 41 {
		t.Fatalf("unexpected commit %v", reader.commits)
	}
	if leads.leads[leadID].RetryPending {
		t.Fatalf("expected pending retry confirmed")
	}
}
