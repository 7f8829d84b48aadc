package channel

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// Kind is the envelope's role on the wire.
type Kind string

const (
	KindSend   Kind = "send"
	KindInvoke Kind = "invoke"
	KindReply  Kind = "reply"
	KindPush   Kind = "push"
)

// Sender identifies the process that emitted a push. It never reaches
// application handlers.
type Sender struct {
	Process string `json:"process"`
	PID     int    `json:"pid"`
}

// Envelope is the serialized form of every message crossing the boundary.
type Envelope struct {
	ID      string            `json:"id"`
	Kind    Kind              `json:"kind"`
	Channel Name              `json:"channel"`
	Sender  *Sender           `json:"sender,omitempty"`
	Args    []json.RawMessage `json:"args,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func newEnvelope(kind Kind, name Name, args []interface{}) (Envelope, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s args: %w", name, err)
	}
	return Envelope{ID: uuid.NewString(), Kind: kind, Channel: name, Args: raw}, nil
}

func encodeArgs(args []interface{}) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			out = append(out, raw)
			continue
		}
		data, err := sonic.Marshal(a)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// Encode serializes an envelope.
func Encode(env Envelope) ([]byte, error) {
	return sonic.Marshal(env)
}

// Decode parses an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// RemoteError is a failure returned by the host for an invoke.
type RemoteError struct {
	Channel Name
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Channel, e.Message)
}
