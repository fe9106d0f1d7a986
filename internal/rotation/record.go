package rotation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/acme/lead-call-engine/internal/domain"
)

// Record is one auditable rotation step. Digest is the SHA-256 of the
// canonical JSON of the record with Digest empty.
type Record struct {
	LeadID        uuid.UUID `json:"lead_id"`
	PhoneIndex    int       `json:"phone_index"`
	AttemptNumber int       `json:"attempt_number"`
	Status        string    `json:"status"`
	Action        Action    `json:"action"`
	NotBefore     time.Time `json:"not_before"`
	Digest        string    `json:"digest,omitempty"`
}

// NewRecord builds a record and stamps its digest.
func NewRecord(state domain.PhoneRotationState, status domain.CallStatus, action Action, notBefore time.Time) (Record, error) {
	r := Record{
		LeadID:        state.LeadID,
		PhoneIndex:    state.PhoneIndex,
		AttemptNumber: state.AttemptNumber,
		Status:        string(status),
		Action:        action,
		NotBefore:     notBefore.UTC().Truncate(time.Millisecond),
	}
	digest, err := r.ComputeDigest()
	if err != nil {
		return Record{}, err
	}
	r.Digest = digest
	return r, nil
}

// ComputeDigest hashes the canonical form of r, ignoring the stored digest.
func (r Record) ComputeDigest() (string, error) {
	r.Digest = ""
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("rotation: marshal record: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("rotation: canonicalize record: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify reports whether the stored digest matches the record contents.
func (r Record) Verify() bool {
	digest, err := r.ComputeDigest()
	return err == nil && digest == r.Digest
}

// VerifyHistory checks that every record is intact and that the retry
// records of a lead advance one phone index at a time.
func VerifyHistory(records []Record, phoneCount int) error {
	var prev *Record
	for i := range records {
		r := records[i]
		if !r.Verify() {
			return fmt.Errorf("rotation: record %d for lead %s: digest mismatch", i, r.LeadID)
		}
		if phoneCount > 0 && (r.PhoneIndex < 0 || r.PhoneIndex >= phoneCount) {
			return fmt.Errorf("rotation: record %d: phone index %d out of range", i, r.PhoneIndex)
		}
		if r.Action != ActionRetry {
			continue
		}
		if prev != nil {
			if r.AttemptNumber != prev.AttemptNumber+1 {
				return fmt.Errorf("rotation: record %d: attempt %d follows %d", i, r.AttemptNumber, prev.AttemptNumber)
			}
			if phoneCount > 0 && r.PhoneIndex != (prev.PhoneIndex+1)%phoneCount {
				return fmt.Errorf("rotation: record %d: phone index %d follows %d", i, r.PhoneIndex, prev.PhoneIndex)
			}
		}
		prev = &records[i]
	}
	return nil
}
