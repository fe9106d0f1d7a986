package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/lead-call-engine/internal/config"
	"github.com/acme/lead-call-engine/internal/monitor"
	apperrors "github.com/acme/lead-call-engine/pkg/errors"
)

// DuplicatePolicy decides what CreateBridge does when the call id is taken.
type DuplicatePolicy string

const (
	DuplicateReplace DuplicatePolicy = "replace"
	DuplicateReject  DuplicatePolicy = "reject"
)

// ManagerConfig holds defaults applied to every bridge.
type ManagerConfig struct {
	DuplicatePolicy   DuplicatePolicy
	InboundQueueSize  int
	OutboundQueueSize int
	CloseGrace        time.Duration
	VoiceInputRate    int
	VoiceOutputRate   int
}

// ManagerConfigFrom builds a ManagerConfig from application config.
func ManagerConfigFrom(b config.BridgeConfig, v config.VoiceAIConfig) ManagerConfig {
	return ManagerConfig{
		DuplicatePolicy:   DuplicatePolicy(b.DuplicatePolicy),
		InboundQueueSize:  b.InboundQueueSize,
		OutboundQueueSize: b.OutboundQueueSize,
		CloseGrace:        b.CloseGrace,
		VoiceInputRate:    v.InputSampleRate,
		VoiceOutputRate:   v.OutputSampleRate,
	}
}

// Manager is the process-wide registry of live bridges keyed by call id.
type Manager struct {
	cfg     ManagerConfig
	dialer  VoiceDialer
	monitor monitor.Sink
	logger  *zap.Logger

	mu      sync.RWMutex
	bridges map[string]*Bridge
}

// NewManager constructs an empty registry.
func NewManager(cfg ManagerConfig, dialer VoiceDialer, sink monitor.Sink, logger *zap.Logger) *Manager {
	if cfg.DuplicatePolicy == "" {
		cfg.DuplicatePolicy = DuplicateReplace
	}
	if sink == nil {
		sink = monitor.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		monitor: sink,
		logger:  logger,
		bridges: make(map[string]*Bridge),
	}
}

// CreateBridge registers a new bridge for opts.CallID. The entry is removed
// automatically when the bridge closes.
func (m *Manager) CreateBridge(opts Options) (*Bridge, error) {
	if opts.CallID == "" {
		return nil, fmt.Errorf("bridge: create: %w: call id required", apperrors.ErrValidation)
	}
	if opts.InboundQueueSize == 0 {
		opts.InboundQueueSize = m.cfg.InboundQueueSize
	}
	if opts.OutboundQueueSize == 0 {
		opts.OutboundQueueSize = m.cfg.OutboundQueueSize
	}
	if opts.CloseGrace == 0 {
		opts.CloseGrace = m.cfg.CloseGrace
	}
	if opts.VoiceInput.SampleRate == 0 && m.cfg.VoiceInputRate > 0 {
		opts.VoiceInput = AudioConfig{Encoding: "linear16", SampleRate: m.cfg.VoiceInputRate, Channels: 1}
	}
	if opts.VoiceOutput.SampleRate == 0 && m.cfg.VoiceOutputRate > 0 {
		opts.VoiceOutput = AudioConfig{Encoding: "linear16", SampleRate: m.cfg.VoiceOutputRate, Channels: 1}
	}

	b := newBridge(opts, m.dialer, m.monitor, m.logger)
	b.OnClosed(m.remove)

	for {
		m.mu.Lock()
		existing, ok := m.bridges[opts.CallID]
		if !ok {
			m.bridges[opts.CallID] = b
			m.mu.Unlock()
			break
		}
		if m.cfg.DuplicatePolicy == DuplicateReject {
			m.mu.Unlock()
			b.cancel()
			return nil, fmt.Errorf("bridge: create %s: %w: bridge already active", opts.CallID, apperrors.ErrConflict)
		}
		delete(m.bridges, opts.CallID)
		m.mu.Unlock()

		m.logger.Warn("bridge: replacing active bridge", zap.String("call_id", opts.CallID))
		_ = existing.Close()
	}

	m.logger.Debug("bridge: created", zap.String("call_id", opts.CallID), zap.String("stream_id", opts.StreamID))
	return b, nil
}

func (m *Manager) remove(b *Bridge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.bridges[b.CallID()]; ok && current == b {
		delete(m.bridges, b.CallID())
	}
}

// GetBridge returns the registered bridge for callID.
func (m *Manager) GetBridge(callID string) (*Bridge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bridges[callID]
	return b, ok
}

// ActiveBridges returns registered bridges in an active state, ordered by call id.
func (m *Manager) ActiveBridges() []*Bridge {
	m.mu.RLock()
	all := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		all = append(all, b)
	}
	m.mu.RUnlock()

	active := all[:0]
	for _, b := range all {
		if b.State().Active() {
			active = append(active, b)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CallID() < active[j].CallID() })
	return active
}

// Count returns the number of registered bridges.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bridges)
}

// CloseAll closes every registered bridge concurrently and waits until they
// finish or ctx expires.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.RLock()
	all := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		all = append(all, b)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, b := range all {
		wg.Add(1)
		go func(b *Bridge) {
			defer wg.Done()
			_ = b.Close()
		}(b)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bridge: close all: %w", ctx.Err())
	}
}
