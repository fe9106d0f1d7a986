// Package callstate keeps the live view of every call attempt and emits a
// single outcome when an attempt finalizes.
package callstate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/lead-call-engine/internal/domain"
	"github.com/acme/lead-call-engine/internal/monitor"
	"github.com/acme/lead-call-engine/internal/queue"
	apperrors "github.com/acme/lead-call-engine/pkg/errors"
)

// StatusPublisher receives finalized outcomes.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, msg queue.StatusMessage) error
}

// Update is one observation about a call from a webhook or the media stream.
// Zero fields carry no information.
type Update struct {
	CallID     string
	StreamID   string
	Provider   string
	Event      domain.CallEventType
	Status     domain.CallStatus
	LeadID     uuid.UUID
	PhoneIndex *int
	Attempt    int
	AMD        *domain.AMDDetection
	Hangup     *domain.HangupReason
	// OutboundPackets is the number of audio frames played to the far end,
	// reported when the media stream stops.
	OutboundPackets uint64
	At              time.Time
}

// Snapshot is a read-only view of a tracked call.
type Snapshot struct {
	domain.CallSession
	VoicemailDelivered bool   `json:"voicemail_delivered"`
	OutboundPackets    uint64 `json:"outbound_packets"`
	// OutcomePending is set while the finalized outcome has not been published.
	OutcomePending bool `json:"outcome_pending"`
}

type entry struct {
	session            domain.CallSession
	reachedVoicemail   bool
	voicemailDelivered bool
	outboundPackets    uint64
	updatedAt          time.Time
	finalizedAt        time.Time

	// pending holds the outcome until a publish succeeds; publishing marks
	// an in-flight attempt so it is not sent twice concurrently.
	pending    *queue.StatusMessage
	publishing bool
}

// Tracker is a mutex-guarded map of call id to session.
type Tracker struct {
	publisher     StatusPublisher
	sink          monitor.Sink
	retention     time.Duration
	staleAge      time.Duration
	retryInterval time.Duration
	logger        *zap.Logger
	now           func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewTracker constructs a tracker. Finalized sessions are kept for retention.
func NewTracker(publisher StatusPublisher, sink monitor.Sink, retention time.Duration, logger *zap.Logger) *Tracker {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	if sink == nil {
		sink = monitor.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		publisher:     publisher,
		sink:          sink,
		retention:     retention,
		staleAge:      12 * time.Hour,
		retryInterval: 5 * time.Second,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		sessions:      make(map[string]*entry),
	}
}

// Apply merges u into the call's session. When the update finalizes the
// session the outcome is published exactly once; a failed publish stays
// pending and is retried by later updates and by Run.
func (t *Tracker) Apply(ctx context.Context, u Update) (Snapshot, error) {
	if u.CallID == "" {
		return Snapshot{}, fmt.Errorf("callstate: apply: %w: call id required", apperrors.ErrValidation)
	}
	if u.At.IsZero() {
		u.At = t.now()
	}

	t.mu.Lock()
	e, ok := t.sessions[u.CallID]
	if !ok {
		e = &entry{session: domain.CallSession{
			CallID:    u.CallID,
			Status:    domain.CallStatusQueued,
			StartedAt: u.At,
		}}
		t.sessions[u.CallID] = e
	}
	if e.session.Finalized {
		snap := e.snapshot()
		retry := e.claimPending()
		t.mu.Unlock()
		if retry != nil {
			if err := t.publish(ctx, e, *retry); err != nil {
				return snap, err
			}
			snap.OutcomePending = false
			return snap, nil
		}
		t.logger.Debug("callstate: ignoring update for finalized call",
			zap.String("call_id", u.CallID),
			zap.String("event", string(u.Event)),
			zap.String("status", string(u.Status)),
		)
		return snap, nil
	}

	e.updatedAt = u.At
	t.merge(e, u)
	finalized := t.advance(e, u)
	var msg queue.StatusMessage
	if finalized {
		msg = t.outcome(e.snapshot(), e.reachedVoicemail)
		e.pending = &msg
		e.publishing = true
	}
	snap := e.snapshot()
	t.mu.Unlock()

	if !finalized {
		return snap, nil
	}
	t.announce(snap, msg)
	if err := t.publish(ctx, e, msg); err != nil {
		return snap, err
	}
	snap.OutcomePending = false
	return snap, nil
}

func (t *Tracker) merge(e *entry, u Update) {
	s := &e.session
	if s.Provider == "" {
		s.Provider = u.Provider
	}
	if u.StreamID != "" {
		s.StreamID = u.StreamID
	}
	if s.LeadID == uuid.Nil && u.LeadID != uuid.Nil {
		s.LeadID = u.LeadID
	}
	if u.PhoneIndex != nil {
		s.PhoneIndex = *u.PhoneIndex
	}
	if u.Attempt > 0 {
		s.Attempt = u.Attempt
	}
	if u.AMD != nil && s.RecordAMD(*u.AMD) {
		t.logger.Debug("callstate: amd recorded",
			zap.String("call_id", s.CallID),
			zap.String("result", string(u.AMD.Result)),
			zap.Float64("confidence", u.AMD.Confidence),
		)
	}
	if u.Hangup != nil && s.Hangup == nil {
		reason := *u.Hangup
		s.Hangup = &reason
	}
	if u.OutboundPackets > e.outboundPackets {
		e.outboundPackets = u.OutboundPackets
	}
}

// advance applies the status implied by u and reports whether the session finalized.
func (t *Tracker) advance(e *entry, u Update) bool {
	s := &e.session
	next := u.Status

	if u.AMD != nil && s.AMD != nil && s.AMD.Result == domain.AMDMachine && (next == "" || !next.IsTerminal()) &&
		(s.Status.Answered() || next.Answered()) {
		next = domain.CallStatusVoicemail
	}

	switch u.Event {
	case domain.CallEventHangup:
		if next == "" || !next.IsTerminal() {
			next = hangupStatus(s)
		}
	case domain.CallEventStreamStopped:
		if s.Status.Answered() && next == "" {
			next = domain.CallStatusCompleted
		}
	}

	if next != "" && next != s.Status {
		if s.Status.CanTransition(next) {
			if err := s.Transition(next, u.At); err != nil {
				t.logger.Warn("callstate: transition rejected", zap.String("call_id", s.CallID), zap.Error(err))
			}
		} else {
			t.logger.Debug("callstate: stale status ignored",
				zap.String("call_id", s.CallID),
				zap.String("current", string(s.Status)),
				zap.String("incoming", string(next)),
			)
		}
	}

	if s.Status == domain.CallStatusVoicemail {
		e.reachedVoicemail = true
	}
	if e.reachedVoicemail && e.outboundPackets > 0 {
		e.voicemailDelivered = true
	}

	if !s.Status.IsTerminal() {
		return false
	}
	s.Finalized = true
	e.finalizedAt = u.At
	return true
}

func hangupStatus(s *domain.CallSession) domain.CallStatus {
	if s.Hangup != nil && *s.Hangup != domain.HangupUnknown {
		if s.Status.Answered() && *s.Hangup == domain.HangupNormalClearing {
			return domain.CallStatusCompleted
		}
		return s.Hangup.Status()
	}
	if s.Status.Answered() {
		return domain.CallStatusCompleted
	}
	return domain.CallStatusNoAnswer
}

func (t *Tracker) outcome(snap Snapshot, reachedVoicemail bool) queue.StatusMessage {
	status := snap.Status
	// A voicemail attempt is reported as voicemail so rotation can account for it.
	if reachedVoicemail && status == domain.CallStatusCompleted {
		status = domain.CallStatusVoicemail
	}

	msg := queue.StatusMessage{
		CallID:             snap.CallID,
		StreamID:           snap.StreamID,
		LeadID:             snap.LeadID,
		Provider:           snap.Provider,
		PhoneIndex:         snap.PhoneIndex,
		Attempt:            snap.Attempt,
		Status:             string(status),
		VoicemailDelivered: snap.VoicemailDelivered,
		DurationMs:         snap.Duration().Milliseconds(),
		StartedAt:          snap.StartedAt,
		EndedAt:            snap.EndedAt,
		OccurredAt:         t.now(),
	}
	if snap.Hangup != nil {
		msg.HangupReason = string(*snap.Hangup)
	}
	if snap.AMD != nil {
		msg.AMDResult = string(snap.AMD.Result)
		msg.AMDConfidence = snap.AMD.Confidence
	}
	return msg
}

// announce emits the call_ended monitor event once per finalized call.
func (t *Tracker) announce(snap Snapshot, msg queue.StatusMessage) {
	t.sink.Publish(monitor.Event{
		Type:     monitor.EventCallEnded,
		CallID:   snap.CallID,
		StreamID: snap.StreamID,
		Data: map[string]any{
			"status":        msg.Status,
			"hangup_reason": msg.HangupReason,
			"duration_ms":   msg.DurationMs,
		},
	})

	t.logger.Info("callstate: call finalized",
		zap.String("call_id", snap.CallID),
		zap.String("lead_id", snap.LeadID.String()),
		zap.String("status", msg.Status),
		zap.String("hangup_reason", msg.HangupReason),
		zap.Int("phone_index", snap.PhoneIndex),
		zap.Int("attempt", snap.Attempt),
	)
}

// publish sends a claimed outcome and settles the entry's pending state.
func (t *Tracker) publish(ctx context.Context, e *entry, msg queue.StatusMessage) error {
	var err error
	if t.publisher != nil {
		err = t.publisher.PublishStatus(ctx, msg)
	}

	t.mu.Lock()
	e.publishing = false
	if err == nil {
		e.pending = nil
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Error("callstate: publish outcome", zap.String("call_id", msg.CallID), zap.Error(err))
		return fmt.Errorf("callstate: publish outcome: %w", err)
	}
	return nil
}

// flushPending retries every outcome whose publish failed and returns how
// many were published.
func (t *Tracker) flushPending(ctx context.Context) int {
	type claim struct {
		e   *entry
		msg queue.StatusMessage
	}
	t.mu.Lock()
	var claims []claim
	for _, e := range t.sessions {
		if msg := e.claimPending(); msg != nil {
			claims = append(claims, claim{e: e, msg: *msg})
		}
	}
	t.mu.Unlock()

	published := 0
	for _, c := range claims {
		if err := t.publish(ctx, c.e, c.msg); err == nil {
			published++
		}
	}
	return published
}

// Get returns the tracked session for callID.
func (t *Tracker) Get(callID string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[callID]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// Sessions returns every tracked session ordered by call id.
func (t *Tracker) Sessions() []Snapshot {
	t.mu.Lock()
	out := make([]Snapshot, 0, len(t.sessions))
	for _, e := range t.sessions {
		out = append(out, e.snapshot())
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out
}

// Run retries unpublished outcomes and evicts finalized sessions older
// than the retention until ctx ends.
func (t *Tracker) Run(ctx context.Context) {
	interval := t.retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	retry := time.NewTicker(t.retryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			t.flushPending(flushCtx)
			cancel()
			return
		case <-retry.C:
			if n := t.flushPending(ctx); n > 0 {
				t.logger.Info("callstate: published pending outcomes", zap.Int("count", n))
			}
		case <-ticker.C:
			if n := t.evict(t.now()); n > 0 {
				t.logger.Debug("callstate: evicted sessions", zap.Int("count", n))
			}
		}
	}
}

func (t *Tracker) evict(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.sessions {
		switch {
		case e.session.Finalized && e.pending != nil:
			if e.publishing || now.Sub(e.finalizedAt) < t.staleAge {
				continue
			}
			t.logger.Error("callstate: dropping outcome that was never published",
				zap.String("call_id", id),
				zap.String("status", e.pending.Status),
			)
		case e.session.Finalized && now.Sub(e.finalizedAt) >= t.retention:
		case !e.session.Finalized && now.Sub(e.updatedAt) >= t.staleAge:
			t.logger.Warn("callstate: evicting call that never finalized",
				zap.String("call_id", id),
				zap.String("status", string(e.session.Status)),
			)
		default:
			continue
		}
		delete(t.sessions, id)
		n++
	}
	return n
}

func (e *entry) snapshot() Snapshot {
	s := e.session
	if s.AMD != nil {
		amd := *s.AMD
		s.AMD = &amd
	}
	if s.Hangup != nil {
		h := *s.Hangup
		s.Hangup = &h
	}
	if s.EndedAt != nil {
		ended := *s.EndedAt
		s.EndedAt = &ended
	}
	return Snapshot{
		CallSession:        s,
		VoicemailDelivered: e.voicemailDelivered,
		OutboundPackets:    e.outboundPackets,
		OutcomePending:     e.pending != nil,
	}
}

// claimPending marks a pending outcome in flight. Callers hold the tracker lock.
func (e *entry) claimPending() *queue.StatusMessage {
	if e.pending == nil || e.publishing {
		return nil
	}
	e.publishing = true
	msg := *e.pending
	return &msg
}
