// Package normalizer translates provider-specific call status, event, AMD and
// hangup vocabularies into the unified domain model.
//
// Lookups are case-insensitive and trimmed. Misses are rejected with a
// *StatusMappingError unless the caller opts in to heuristic inference.
package normalizer

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/acme/lead-call-engine/internal/domain"
	apperrors "github.com/acme/lead-call-engine/pkg/errors"
)

// Provider names a telephony provider with a mapping table.
type Provider string

const (
	ProviderTelnyx     Provider = "telnyx"
	ProviderSignalWire Provider = "signalwire"
)

// Kind names which vocabulary a mapping miss came from.
type Kind string

const (
	KindStatus   Kind = "status"
	KindEvent    Kind = "event"
	KindAMD      Kind = "amd"
	KindHangup   Kind = "hangup"
	KindProvider Kind = "provider"
)

// StatusMappingError carries the raw value that could not be mapped.
type StatusMappingError struct {
	Provider string
	Kind     Kind
	Raw      string
}

func (e *StatusMappingError) Error() string {
	return fmt.Sprintf("normalizer: unmapped %s %q for provider %q", e.Kind, e.Raw, e.Provider)
}

// Unwrap lets callers match on apperrors.ErrUnmapped.
func (e *StatusMappingError) Unwrap() error {
	return apperrors.ErrUnmapped
}

// Options control a single status lookup.
type Options struct {
	// Infer enables substring heuristics and the Default fallback on a miss.
	Infer bool
	// Default is returned when inference finds nothing. Zero means initiated.
	Default domain.CallStatus
	// HangupCause resolves generic hangup/ended values to a precise terminal status.
	HangupCause string
}

type amdEntry struct {
	result domain.AMDResult
	method string
}

// table is the static vocabulary of one provider.
type table struct {
	statuses map[string]domain.CallStatus
	events   map[string]domain.CallEventType
	hangups  map[string]domain.HangupReason
	amd      map[string]amdEntry
	// hangupStatuses are raw statuses whose precise meaning depends on the hangup cause.
	hangupStatuses map[string]bool
}

// Normalizer dispatches lookups to provider tables.
type Normalizer struct {
	tables   map[Provider]*table
	defaults Options
	logger   *zap.Logger
}

// New builds a normalizer with the built-in provider tables.
// defaults are the options webhook handlers map with.
func New(logger *zap.Logger, defaults Options) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		tables: map[Provider]*table{
			ProviderTelnyx:     telnyxTable(),
			ProviderSignalWire: signalWireTable(),
		},
		defaults: defaults,
		logger:   logger,
	}
}

// Defaults returns the configured default options.
func (n *Normalizer) Defaults() Options {
	return n.defaults
}

// MapStatus translates a raw provider status to a CallStatus.
func (n *Normalizer) MapStatus(provider, raw string, opts Options) (domain.CallStatus, error) {
	key := normalize(raw)
	tbl, err := n.lookupTable(provider, opts)
	if err != nil {
		return "", err
	}

	if tbl != nil {
		if tbl.hangupStatuses[key] && strings.TrimSpace(opts.HangupCause) != "" {
			reason, herr := n.MapHangup(provider, opts.HangupCause, opts)
			if herr == nil {
				return reason.Status(), nil
			}
		}
		if status, ok := tbl.statuses[key]; ok {
			return status, nil
		}
	}

	if !opts.Infer {
		return "", &StatusMappingError{Provider: provider, Kind: KindStatus, Raw: raw}
	}

	status := inferStatus(key)
	if status == "" {
		status = opts.Default
		if !status.Valid() {
			status = domain.CallStatusInitiated
		}
	}
	n.logger.Warn("normalizer: inferred status from unmapped value",
		zap.String("provider", provider),
		zap.String("raw", raw),
		zap.String("status", string(status)),
	)
	return status, nil
}

// MapEvent translates a raw provider event name to a CallEventType.
func (n *Normalizer) MapEvent(provider, raw string) (domain.CallEventType, error) {
	key := normalize(raw)
	tbl, err := n.lookupTable(provider, n.defaults)
	if err != nil {
		return domain.CallEventUnknown, err
	}
	if tbl != nil {
		if event, ok := tbl.events[key]; ok {
			return event, nil
		}
	}
	if !n.defaults.Infer {
		return domain.CallEventUnknown, &StatusMappingError{Provider: provider, Kind: KindEvent, Raw: raw}
	}

	event := inferEvent(key)
	n.logger.Warn("normalizer: inferred event from unmapped value",
		zap.String("provider", provider),
		zap.String("raw", raw),
		zap.String("event", string(event)),
	)
	return event, nil
}

// MapHangup translates a raw hangup cause to a HangupReason.
func (n *Normalizer) MapHangup(provider, raw string, opts Options) (domain.HangupReason, error) {
	key := normalize(raw)
	tbl, err := n.lookupTable(provider, opts)
	if err != nil {
		return domain.HangupUnknown, err
	}
	if tbl != nil {
		if reason, ok := tbl.hangups[key]; ok {
			return reason, nil
		}
	}
	if !opts.Infer {
		return domain.HangupUnknown, &StatusMappingError{Provider: provider, Kind: KindHangup, Raw: raw}
	}
	reason := inferHangup(key)
	n.logger.Warn("normalizer: inferred hangup reason from unmapped value",
		zap.String("provider", provider),
		zap.String("raw", raw),
		zap.String("reason", string(reason)),
	)
	return reason, nil
}

// MapAMD translates a raw machine-detection result. A negative rawConfidence
// means the provider did not report one.
func (n *Normalizer) MapAMD(provider, rawResult string, rawConfidence float64) (domain.AMDDetection, error) {
	key := normalize(rawResult)
	detection := domain.AMDDetection{
		Result:          domain.AMDUnknown,
		Confidence:      NormalizeConfidence(rawConfidence),
		RawResult:       rawResult,
		DetectionMethod: "provider",
	}

	tbl, err := n.lookupTable(provider, n.defaults)
	if err != nil {
		return detection, err
	}
	if tbl != nil {
		if entry, ok := tbl.amd[key]; ok {
			detection.Result = entry.result
			detection.DetectionMethod = entry.method
			return detection, nil
		}
	}
	if !n.defaults.Infer {
		return detection, &StatusMappingError{Provider: provider, Kind: KindAMD, Raw: rawResult}
	}

	detection.Result = inferAMD(key)
	detection.DetectionMethod = "inferred"
	n.logger.Warn("normalizer: inferred amd result from unmapped value",
		zap.String("provider", provider),
		zap.String("raw", rawResult),
		zap.String("result", string(detection.Result)),
	)
	return detection, nil
}

// percentScaleFloor is the smallest value read as a 0-100 percentage.
// Values in (1, percentScaleFloor) are fractional scores that overshot 1
// through rounding and clamp to 1 instead of collapsing to ~0.01.
const percentScaleFloor = 2

// NormalizeConfidence maps a 0-1 or 0-100 confidence onto [0,1].
func NormalizeConfidence(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	if v > 1 && v < percentScaleFloor {
		return 1
	}
	if v > 1 {
		v /= 100
	}
	if v > 1 {
		return 1
	}
	return v
}

// lookupTable returns nil with no error for unknown providers in inference mode.
func (n *Normalizer) lookupTable(provider string, opts Options) (*table, error) {
	tbl, ok := n.tables[Provider(normalize(provider))]
	if ok {
		return tbl, nil
	}
	if !opts.Infer {
		return nil, &StatusMappingError{Provider: provider, Kind: KindProvider, Raw: provider}
	}
	return nil, nil
}

func normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
