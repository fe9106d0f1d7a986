// Package voiceai is the client for the streaming voice-AI backend.
//
// Caller audio is sent as binary linear PCM frames; the backend answers with
// binary PCM audio and JSON text events on the same socket.
package voiceai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/acme/lead-call-engine/internal/config"
	apperrors "github.com/acme/lead-call-engine/pkg/errors"
)

// EventType discriminates JSON text frames from the backend.
type EventType string

const (
	EventTranscript EventType = "transcript"
	EventTurn       EventType = "turn"
	EventInterrupt  EventType = "interrupt"
	EventError      EventType = "error"
)

// Event is a decoded control frame from the backend.
type Event struct {
	Type    EventType `json:"type"`
	Role    string    `json:"role,omitempty"`
	Text    string    `json:"text,omitempty"`
	Final   bool      `json:"final,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Frame is one unit received from the backend: either audio or an event.
type Frame struct {
	Audio []byte
	Event *Event
}

// AudioFormat describes one direction of the PCM stream.
type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// Session announces a call to the backend.
type Session struct {
	CallID   string      `json:"call_id"`
	StreamID string      `json:"stream_id,omitempty"`
	LeadID   string      `json:"lead_id,omitempty"`
	Input    AudioFormat `json:"input"`
	Output   AudioFormat `json:"output"`
}

type controlFrame struct {
	Type    string   `json:"type"`
	Session *Session `json:"session,omitempty"`
}

// Client dials backend sessions.
type Client struct {
	cfg    config.VoiceAIConfig
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewClient constructs a client for the configured backend.
func NewClient(cfg config.VoiceAIConfig, logger *zap.Logger) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger,
	}
}

// Dial opens a session socket and sends the session.start frame.
func (c *Client) Dial(ctx context.Context, session Session) (*Conn, error) {
	if c.cfg.URL == "" {
		return nil, fmt.Errorf("voiceai: dial: %w: url not configured", apperrors.ErrValidation)
	}
	if session.Input.SampleRate == 0 {
		session.Input = AudioFormat{Encoding: "pcm_s16le", SampleRate: c.cfg.InputSampleRate, Channels: 1}
	}
	if session.Output.SampleRate == 0 {
		session.Output = AudioFormat{Encoding: "pcm_s16le", SampleRate: c.cfg.OutputSampleRate, Channels: 1}
	}

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("voiceai: dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("voiceai: dial: %w", err)
	}

	conn := newConn(ws, c.cfg.WriteTimeout, c.logger.With(zap.String("call_id", session.CallID)))
	if err := conn.writeControl(controlFrame{Type: "session.start", Session: &session}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("voiceai: session start: %w", err)
	}
	return conn, nil
}

type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one live backend session. Writes are serialized; Receive must be
// called from a single goroutine.
type Conn struct {
	ws           wsConn
	writeTimeout time.Duration
	logger       *zap.Logger

	writeMu   sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newConn(ws wsConn, writeTimeout time.Duration, logger *zap.Logger) *Conn {
	return &Conn{ws: ws, writeTimeout: writeTimeout, logger: logger}
}

// WriteAudio sends one PCM frame.
func (c *Conn) WriteAudio(pcm []byte) error {
	return c.write(websocket.BinaryMessage, pcm)
}

// Receive blocks until the next audio frame or event arrives.
// Malformed text frames are skipped.
func (c *Conn) Receive() (Frame, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		switch mt {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			return Frame{Audio: data}, nil
		case websocket.TextMessage:
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
				c.logger.Debug("voiceai: skipping malformed event", zap.Int("bytes", len(data)))
				continue
			}
			return Frame{Event: &ev}, nil
		}
	}
}

// CloseGracefully sends session.close, waits grace, then closes the socket.
// It is safe to call more than once.
func (c *Conn) CloseGracefully(grace time.Duration) error {
	var err error
	c.closeOnce.Do(func() {
		if werr := c.writeControl(controlFrame{Type: "session.close"}); werr != nil {
			c.logger.Debug("voiceai: session close frame not sent", zap.Error(werr))
		}
		if grace > 0 {
			time.Sleep(grace)
		}

		c.writeMu.Lock()
		c.closed = true
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

func (c *Conn) writeControl(frame controlFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, payload)
}

func (c *Conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return apperrors.ErrClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}
