package hasuralive

import (
	"github.com/pkg/errors"

	"github.com/osaxma/hasura-live/graphqlws"
)

var (
	// ErrTimeout is wrapped by Execute errors when no response arrives in time.
	ErrTimeout = errors.New("timed out waiting for a response")

	// ErrSubscriptionComplete is returned by Subscription.Next once the server completes the
	// operation.
	ErrSubscriptionComplete = errors.New("subscription complete")

	// ErrSubscriptionCanceled is returned by Subscription.Next after Cancel.
	ErrSubscriptionCanceled = errors.New("subscription canceled")

	// ErrClientClosed is returned once the client is closed.
	ErrClientClosed = errors.New("client closed")
)

// Re-exported so that callers only need this package to inspect errors.
var (
	ErrMalformedMessage = graphqlws.ErrMalformedMessage
	ErrHandshakeFailed  = graphqlws.ErrHandshakeFailed
)

type (
	Message        = graphqlws.Message
	TransportError = graphqlws.TransportError
	ProtocolError  = graphqlws.ProtocolError
)
