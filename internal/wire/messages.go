package wire

import (
	"encoding/json"
)

// Envelope is a message published on a pub/sub topic.
type Envelope struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// Command is a named message exchanged with a running game process, in both
// directions.
type Command struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ComposeEnvelope encodes data as a message on the given topic.
func ComposeEnvelope(topic string, data any) ([]byte, error) {
	raw, err := Encode(data)
	if err != nil {
		return nil, err
	}
	return Encode(Envelope{Topic: topic, Data: raw})
}

// ComposeCommand encodes a command with its payload. A nil payload is left
// out of the message.
func ComposeCommand(command string, payload any) ([]byte, error) {
	msg := Command{Command: command}
	if payload != nil {
		raw, err := Encode(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	return Encode(msg)
}
