package stream

import "fmt"

// Close codes sent to the provider when the engine ends a stream.
const (
	CloseProtocolMismatch = 4000
	CloseBadFrame         = 4001
	CloseUnexpectedEvent  = 4002
	CloseSlotsExhausted   = 4003
	CloseBridgeFailed     = 4004
)

// ProtocolError ends a connection with a WebSocket close code.
type ProtocolError struct {
	Code   int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("stream: protocol error %d: %s", e.Code, e.Reason)
}

func protocolErrorf(code int, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Reason: fmt.Sprintf(format, args...)}
}
