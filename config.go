package hasuralive

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/osaxma/hasura-live/graphqlws"
)

const defaultRequestTimeout = 10 * time.Second

// Config defines the endpoint and other parameters for a Client.
type Config struct {
	Logger logrus.FieldLogger

	// The WebSocket URL of the GraphQL endpoint, e.g. "wss://example.com/v1/graphql".
	Endpoint string

	// Headers sent to the server in the connection_init payload. They are not sent as HTTP
	// headers of the WebSocket upgrade request; use UpgradeHeader for that.
	Headers map[string]string

	// Headers sent with the WebSocket upgrade request.
	UpgradeHeader http.Header

	// If given, the client reads bearer tokens from this channel. The first token opens the
	// connection, and nothing is sent to the server before it arrives. Each subsequent token that differs from the
	// previous one replaces the connection with one that is authorized by the new token. Active
	// subscriptions are carried over to the new connection.
	Credentials <-chan string

	// The number of times the first connection attempt is retried, waiting RetryDelay between
	// attempts. Reconnections triggered by new credentials are not retried.
	RetryAttempts int
	RetryDelay    time.Duration

	// The default timeout for Execute. Also bounds how long canceling a subscription may take.
	// Defaults to 10 seconds.
	RequestTimeout time.Duration

	// How long to wait for the server to acknowledge a connection. Defaults to 10 seconds.
	AckTimeout time.Duration

	// If given, Endpoint and UpgradeHeader are ignored and transports are opened with this
	// instead. This is mostly useful for tests.
	Dialer graphqlws.Dialer
}

func (cfg *Config) dialer() (graphqlws.Dialer, error) {
	if cfg.Dialer != nil {
		return cfg.Dialer, nil
	} else if cfg.Endpoint == "" {
		return nil, errors.New("an endpoint is required")
	}
	return &graphqlws.WebSocketDialer{
		URL:    cfg.Endpoint,
		Header: cfg.UpgradeHeader,
	}, nil
}

func (cfg *Config) logger() logrus.FieldLogger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return logrus.StandardLogger()
}

func (cfg *Config) requestTimeout() time.Duration {
	if cfg.RequestTimeout > 0 {
		return cfg.RequestTimeout
	}
	return defaultRequestTimeout
}
