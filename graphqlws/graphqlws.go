// Package graphqlws implements the client side of the legacy graphql-ws subprotocol: the wire
// message model, a multi-consumer broadcast of inbound frames, and a Connection that performs the
// handshake over a replaceable transport.
package graphqlws

import (
	"bytes"
	"encoding/json"
	"reflect"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// WebSocketSubprotocol is negotiated when the transport is opened.
const WebSocketSubprotocol = "graphql-ws"

// MessageType represents a GraphQL-WS message type.
type MessageType string

// MessageType represents a GraphQL-WS message type.
const (
	MessageTypeConnectionInit      MessageType = "connection_init"
	MessageTypeConnectionAck       MessageType = "connection_ack"
	MessageTypeConnectionError     MessageType = "connection_error"
	MessageTypeConnectionKeepAlive MessageType = "ka"
	MessageTypeConnectionTerminate MessageType = "connection_terminate"
	MessageTypeStart               MessageType = "start"
	MessageTypeStop                MessageType = "stop"
	MessageTypeData                MessageType = "data"
	MessageTypeError               MessageType = "error"
	MessageTypeComplete            MessageType = "complete"
)

// Valid reports whether t is one of the known wire codes.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeConnectionInit, MessageTypeConnectionAck, MessageTypeConnectionError,
		MessageTypeConnectionKeepAlive, MessageTypeConnectionTerminate, MessageTypeStart,
		MessageTypeStop, MessageTypeData, MessageTypeError, MessageTypeComplete:
		return true
	}
	return false
}

// Message represents a GraphQL-WS message. Messages are not modified after construction. An empty
// Type means the frame carried no recognizable type.
type Message struct {
	Id      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message, marshaling payload unless it is nil.
func NewMessage(id string, t MessageType, payload interface{}) (*Message, error) {
	msg := &Message{
		Id:   id,
		Type: t,
	}
	if payload != nil {
		buf, err := jsoniter.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to marshal %v payload", t)
		}
		msg.Payload = json.RawMessage(buf)
	}
	return msg, nil
}

// Encode returns the wire representation of msg.
func Encode(msg *Message) ([]byte, error) {
	data, err := jsoniter.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "error marshaling message")
	}
	return data, nil
}

// Decode parses a frame. If the frame is valid JSON but its type is missing or unknown, the
// returned message has an empty Type and the error wraps ErrMalformedMessage.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := jsoniter.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrapf(ErrMalformedMessage, "%v", err)
	}
	if !msg.Type.Valid() {
		t := msg.Type
		msg.Type = ""
		return &msg, errors.Wrapf(ErrMalformedMessage, "unknown message type %q", t)
	}
	return &msg, nil
}

// IsHeartbeat reports whether msg is a server keep-alive.
func IsHeartbeat(msg *Message) bool {
	return msg != nil && msg.Type == MessageTypeConnectionKeepAlive
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return errors.Errorf("%v message has no payload", m.Type)
	}
	return errors.Wrap(jsoniter.Unmarshal(m.Payload, v), "unable to unmarshal payload")
}

// Equal compares two messages structurally. Payloads are compared by value, so differences in
// whitespace or key order don't matter.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.Id != other.Id || m.Type != other.Type {
		return false
	}
	if len(m.Payload) == 0 || len(other.Payload) == 0 {
		return len(m.Payload) == len(other.Payload)
	}
	if bytes.Equal(m.Payload, other.Payload) {
		return true
	}
	var a, b interface{}
	if jsoniter.Unmarshal(m.Payload, &a) != nil || jsoniter.Unmarshal(other.Payload, &b) != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}
