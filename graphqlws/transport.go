package graphqlws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Transport is a bidirectional channel of whole messages. ReadMessage is only ever called from one
// goroutine at a time, but WriteMessage and Close may be called concurrently with it.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

const defaultWriteTimeout = 5 * time.Second

// WebSocketDialer opens WebSocket transports that negotiate the graphql-ws subprotocol.
type WebSocketDialer struct {
	URL    string
	Header http.Header

	// Defaults to 10 seconds.
	HandshakeTimeout time.Duration

	// The deadline applied to each write. Defaults to 5 seconds.
	WriteTimeout time.Duration
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     []string{WebSocketSubprotocol},
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "websocket dial failed with status %v", resp.Status)
		}
		return nil, errors.Wrap(err, "websocket dial failed")
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &webSocketTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
	}, nil
}

type webSocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMutex sync.Mutex
	closeOnce  sync.Once
	closeErr   error
}

func (t *webSocketTransport) ReadMessage() ([]byte, error) {
	for {
		messageType, p, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return p, nil
		}
	}
}

func (t *webSocketTransport) WriteMessage(data []byte) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *webSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.writeMutex.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		// the close handshake is best effort
		if err := t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing")); err != nil && err != websocket.ErrCloseSent {
			t.closeErr = errors.Wrap(err, "websocket control write error")
		}
		t.writeMutex.Unlock()
		if err := t.conn.Close(); err != nil && t.closeErr == nil {
			t.closeErr = err
		}
	})
	return t.closeErr
}

// IsNormalClose reports whether err is the result of an orderly websocket close.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(errors.Cause(err), websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
