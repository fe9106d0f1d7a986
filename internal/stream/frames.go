package stream

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonschema"
)

//go:embed frame.schema.json
var frameSchema []byte

// compileSchema compiles the inbound frame envelope schema.
func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(frameSchema)
	if err != nil {
		return nil, fmt.Errorf("stream: compile frame schema: %w", err)
	}
	return schema, nil
}

// flexString accepts either a JSON string or a bare number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	*f = flexString(b)
	return nil
}

// inboundFrame is the provider media-stream envelope. Providers discriminate
// with either "event" or "type".
type inboundFrame struct {
	Event          string        `json:"event"`
	Type           string        `json:"type"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
	SequenceNumber flexString    `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Start          *startPayload `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	DTMF           *dtmfPayload  `json:"dtmf,omitempty"`
	Stop           *stopPayload  `json:"stop,omitempty"`
	Mark           *markPayload  `json:"mark,omitempty"`
}

func (f *inboundFrame) kind() string {
	if f.Event != "" {
		return strings.ToLower(f.Event)
	}
	return strings.ToLower(f.Type)
}

type startPayload struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      mediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string     `json:"track"`
	Chunk     flexString `json:"chunk"`
	Timestamp flexString `json:"timestamp"`
	Payload   string     `json:"payload"`
}

type dtmfPayload struct {
	Track    string     `json:"track,omitempty"`
	Digit    string     `json:"digit"`
	Duration flexString `json:"duration,omitempty"`
}

type stopPayload struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type markPayload struct {
	Name string `json:"name"`
}

type outboundMedia struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid"`
	Media     outboundAudio `json:"media"`
}

type outboundAudio struct {
	Payload string `json:"payload"`
}

type outboundControl struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}
