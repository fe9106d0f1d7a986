package bridge

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/acme/lead-call-engine/internal/codec"
	"github.com/acme/lead-call-engine/internal/monitor"
	"github.com/acme/lead-call-engine/internal/voiceai"
	apperrors "github.com/acme/lead-call-engine/pkg/errors"
)

// inboundPump forwards decoded caller audio to the voice leg in receipt order.
func (b *Bridge) inboundPump() {
	defer b.inboundWG.Done()

	b.mu.RLock()
	voice := b.voice
	b.mu.RUnlock()

	for pcm := range b.inbound {
		if voice == nil {
			continue
		}
		out, err := codec.Resample(pcm, b.opts.Telephony.SampleRate, b.opts.VoiceInput.SampleRate)
		if err != nil {
			b.stats.decodeErrors.Add(1)
			continue
		}
		if err := voice.WriteAudio(out); err != nil {
			b.fail(fmt.Errorf("bridge: write voice leg: %w", err))
			return
		}
	}
}

// voiceReaderPump turns voice-AI output into provider audio and events.
func (b *Bridge) voiceReaderPump() {
	defer b.pumpWG.Done()

	b.mu.RLock()
	voice := b.voice
	b.mu.RUnlock()
	if voice == nil {
		return
	}

	for {
		frame, err := voice.Receive()
		if err != nil {
			if b.ctx.Err() != nil || b.closing() {
				return
			}
			b.fail(fmt.Errorf("bridge: read voice leg: %w", err))
			return
		}
		if frame.Event != nil {
			b.handleVoiceEvent(frame.Event)
			continue
		}
		if len(frame.Audio) == 0 {
			continue
		}

		pcm, err := codec.Resample(frame.Audio, b.opts.VoiceOutput.SampleRate, b.opts.Telephony.SampleRate)
		if err != nil {
			b.logger.Debug("bridge: dropping voice frame", zap.Error(err))
			continue
		}
		if len(pcm) == 0 {
			continue
		}
		ulaw, err := codec.Linear16ToMulaw(pcm)
		if err != nil {
			b.logger.Debug("bridge: dropping voice frame", zap.Error(err))
			continue
		}
		b.SendAudioToProvider(ulaw)
	}
}

func (b *Bridge) handleVoiceEvent(ev *voiceai.Event) {
	switch ev.Type {
	case voiceai.EventInterrupt:
		n := b.Clear()
		if b.opts.Provider != nil {
			if err := b.opts.Provider.Clear(); err != nil {
				b.logger.Debug("bridge: provider clear", zap.Error(err))
			}
		}
		b.logger.Debug("bridge: barge-in", zap.Int("cleared", n))
	case voiceai.EventTranscript:
		b.monitor.Publish(monitor.Event{
			Type:     monitor.EventTranscript,
			CallID:   b.opts.CallID,
			StreamID: b.opts.StreamID,
			Data:     map[string]any{"role": ev.Role, "text": ev.Text, "final": ev.Final},
		})
	case voiceai.EventTurn:
		b.monitor.Publish(monitor.Event{
			Type:     monitor.EventTurn,
			CallID:   b.opts.CallID,
			StreamID: b.opts.StreamID,
			Data:     map[string]any{"role": ev.Role},
		})
	case voiceai.EventError:
		b.logger.Warn("bridge: voice backend reported error", zap.String("message", ev.Message))
		b.monitor.Publish(monitor.Event{
			Type:     monitor.EventVoiceError,
			CallID:   b.opts.CallID,
			StreamID: b.opts.StreamID,
			Data:     map[string]any{"message": ev.Message},
		})
	}
}

// providerWriterPump drains queued outbound audio to the provider leg.
func (b *Bridge) providerWriterPump() {
	defer b.pumpWG.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case payload := <-b.outbound:
			if b.opts.Provider == nil {
				continue
			}
			if err := b.opts.Provider.SendMedia(payload); err != nil {
				if b.ctx.Err() != nil || errors.Is(err, apperrors.ErrClosed) {
					return
				}
				b.fail(fmt.Errorf("bridge: write provider leg: %w", err))
				return
			}
			b.stats.packetsOut.Add(1)
			b.stats.bytesOut.Add(uint64(len(payload)))
		}
	}
}

func (b *Bridge) closing() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == StateClosing || b.state == StateError || b.state == StateDisconnected
}
