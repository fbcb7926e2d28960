package graphqlws

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedMessage is wrapped by errors for frames that can't be decoded.
	ErrMalformedMessage = errors.New("malformed graphql-ws message")

	// ErrHandshakeFailed is wrapped by send errors when the server rejected the connection_init
	// or didn't acknowledge it in time.
	ErrHandshakeFailed = errors.New("graphql-ws handshake failed")

	// ErrFlowClosed is returned by listeners once the connection is closed.
	ErrFlowClosed = errors.New("graphql-ws connection closed")

	// ErrNotStarted is returned by Restart if Start never succeeded.
	ErrNotStarted = errors.New("graphql-ws connection was never started")
)

// TransportError represents a failure to open, read from, write to, or close the transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %v: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is produced when the server sends connection_error or an error frame. Message is
// the offending frame.
type ProtocolError struct {
	Message *Message
}

func (e *ProtocolError) Error() string {
	var payload struct {
		Message string `json:"message"`
	}
	if e.Message == nil {
		return "graphql-ws protocol error"
	}
	if len(e.Message.Payload) > 0 {
		if err := e.Message.DecodePayload(&payload); err == nil && payload.Message != "" {
			return fmt.Sprintf("graphql-ws %v: %v", e.Message.Type, payload.Message)
		}
		var list []struct {
			Message string `json:"message"`
		}
		if err := e.Message.DecodePayload(&list); err == nil && len(list) > 0 {
			return fmt.Sprintf("graphql-ws %v: %v", e.Message.Type, list[0].Message)
		}
		return fmt.Sprintf("graphql-ws %v: %s", e.Message.Type, e.Message.Payload)
	}
	return fmt.Sprintf("graphql-ws %v", e.Message.Type)
}
