// Package codec encodes hub events and decodes observer commands.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"lprpipeline/internal/pipeline/core"
)

// Encoding names.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Codec converts events and client messages to and from wire bytes.
type Codec interface {
	Name() string
	ContentType() string
	Binary() bool
	EncodeEvent(event core.Event) ([]byte, error)
	DecodeMessage(data []byte) (ClientMessage, error)
}

// ClientMessage is a command sent by an observer connection.
type ClientMessage struct {
	Type        string   `json:"type" msgpack:"type"`
	Token       string   `json:"token,omitempty" msgpack:"token,omitempty"`
	Channel     string   `json:"channel,omitempty" msgpack:"channel,omitempty"`
	UserID      string   `json:"userId,omitempty" msgpack:"userId,omitempty"`
	Role        string   `json:"role,omitempty" msgpack:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty" msgpack:"permissions,omitempty"`
}

// Client message types.
const (
	MessageAuthenticate = "authenticate"
	MessageJoin         = "join"
	MessageLeave        = "leave"
)

// ForName returns the codec registered under name. Empty selects JSON.
func ForName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EncodingJSON:
		return JSON{}, nil
	case EncodingMsgpack:
		return Msgpack{}, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
}

// JSON encodes as UTF-8 JSON text.
type JSON struct{}

// Name returns the encoding name.
func (JSON) Name() string { return EncodingJSON }

// ContentType returns the MIME type.
func (JSON) ContentType() string { return "application/json" }

// Binary reports whether frames are binary.
func (JSON) Binary() bool { return false }

// EncodeEvent marshals event.
func (JSON) EncodeEvent(event core.Event) ([]byte, error) {
	return json.Marshal(event)
}

// DecodeMessage unmarshals a client message.
func (JSON) DecodeMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, core.Wrap(core.CodeInvalidInput, "invalid json message", err)
	}
	return msg, nil
}

// Msgpack encodes as MessagePack binary.
type Msgpack struct{}

// Name returns the encoding name.
func (Msgpack) Name() string { return EncodingMsgpack }

// ContentType returns the MIME type.
func (Msgpack) ContentType() string { return "application/msgpack" }

// Binary reports whether frames are binary.
func (Msgpack) Binary() bool { return true }

// EncodeEvent marshals event.
func (Msgpack) EncodeEvent(event core.Event) ([]byte, error) {
	return msgpack.Marshal(event)
}

// DecodeMessage unmarshals a client message.
func (Msgpack) DecodeMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, core.Wrap(core.CodeInvalidInput, "invalid msgpack message", err)
	}
	return msg, nil
}
