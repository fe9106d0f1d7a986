package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/lead-call-engine/internal/domain"
	"github.com/acme/lead-call-engine/internal/repository"
	"github.com/acme/lead-call-engine/internal/rotation"
)

// CallStore persists call history and rotation audit records in Scylla.
type CallStore struct {
	session *gocql.Session
}

// NewCallStore creates a new call store.
func NewCallStore(session *gocql.Session) *CallStore {
	return &CallStore{session: session}
}

// RecordCall upserts a finalized call and indexes it under its lead.
func (s *CallStore) RecordCall(ctx context.Context, record repository.CallRecord) error {
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}
	durationMs := record.Duration.Milliseconds()

	if err := s.session.Query(`INSERT INTO calls (call_id, stream_id, lead_id, provider, phone_index, attempt, status,
		hangup_reason, amd_result, amd_confidence, voicemail_delivered, duration_ms, started_at, ended_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.CallID, record.StreamID, leadKey(record.LeadID), record.Provider, record.PhoneIndex, record.Attempt,
		string(record.Status), record.HangupReason, record.AMDResult, record.AMDConfidence, record.VoicemailDelivered,
		durationMs, record.StartedAt, record.EndedAt, record.RecordedAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: insert calls: %w", err)
	}

	if record.LeadID == uuid.Nil {
		return nil
	}
	if err := s.session.Query(`INSERT INTO calls_by_lead (lead_id, bucket, recorded_at, call_id, phone_index, attempt, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		leadKey(record.LeadID), bucketDate(record.RecordedAt), record.RecordedAt, record.CallID,
		record.PhoneIndex, record.Attempt, string(record.Status),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: insert calls_by_lead: %w", err)
	}
	return nil
}

// GetCall retrieves a call by provider call id.
func (s *CallStore) GetCall(ctx context.Context, callID string) (*repository.CallRecord, error) {
	var (
		rec        repository.CallRecord
		leadStr    string
		status     string
		durationMs int64
		endedAt    *time.Time
	)
	err := s.session.Query(`SELECT call_id, stream_id, lead_id, provider, phone_index, attempt, status,
		hangup_reason, amd_result, amd_confidence, voicemail_delivered, duration_ms, started_at, ended_at, recorded_at
		FROM calls WHERE call_id = ?`, callID).WithContext(ctx).Scan(
		&rec.CallID, &rec.StreamID, &leadStr, &rec.Provider, &rec.PhoneIndex, &rec.Attempt, &status,
		&rec.HangupReason, &rec.AMDResult, &rec.AMDConfidence, &rec.VoicemailDelivered, &durationMs,
		&rec.StartedAt, &endedAt, &rec.RecordedAt,
	)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call store: get call: %w", err)
	}
	rec.Status = domain.CallStatus(status)
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	rec.EndedAt = endedAt
	if leadStr != "" {
		id, err := uuid.Parse(leadStr)
		if err != nil {
			return nil, fmt.Errorf("call store: parse lead_id: %w", err)
		}
		rec.LeadID = id
	}
	return &rec, nil
}

// AppendRotation stores one rotation audit record. Records are keyed by
// attempt number, so replaying the same decision overwrites itself.
func (s *CallStore) AppendRotation(ctx context.Context, record rotation.Record) error {
	if err := s.session.Query(`INSERT INTO lead_rotations (lead_id, attempt_number, phone_index, status, action, not_before, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		leadKey(record.LeadID), record.AttemptNumber, record.PhoneIndex, record.Status, string(record.Action),
		record.NotBefore, record.Digest,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: append rotation: %w", err)
	}
	return nil
}

// ListRotations returns a lead's rotation records in attempt order.
func (s *CallStore) ListRotations(ctx context.Context, leadID uuid.UUID, limit int) ([]rotation.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := s.session.Query(`SELECT attempt_number, phone_index, status, action, not_before, digest
		FROM lead_rotations WHERE lead_id = ? ORDER BY attempt_number ASC LIMIT ?`,
		leadKey(leadID), limit).WithContext(ctx).Iter()

	var (
		records   = make([]rotation.Record, 0, limit)
		attempt   int
		index     int
		status    string
		action    string
		notBefore time.Time
		digest    string
	)
	for iter.Scan(&attempt, &index, &status, &action, &notBefore, &digest) {
		records = append(records, rotation.Record{
			LeadID:        leadID,
			PhoneIndex:    index,
			AttemptNumber: attempt,
			Status:        status,
			Action:        rotation.Action(action),
			NotBefore:     notBefore.UTC(),
			Digest:        digest,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("call store: list rotations: %w", err)
	}
	return records, nil
}

func leadKey(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func bucketDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
