// Package graphqlwstest provides an in-memory graphql-ws server for tests. Its Dial method
// satisfies graphqlws.Dialer, and every dialed transport shows up as a ServerConn that the test
// drives by hand.
package graphqlwstest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/osaxma/hasura-live/graphqlws"
)

// ErrClosed is returned by transports after either end closes.
var ErrClosed = errors.New("transport closed")

// DefaultTimeout bounds every blocking helper.
var DefaultTimeout = time.Second

const transportBufferSize = 64

// Transport is one end of an in-memory pipe.
type Transport struct {
	in        <-chan []byte
	out       chan<- []byte
	closed    chan struct{}
	closeOnce *sync.Once
}

// Pipe returns two connected transports.
func Pipe() (*Transport, *Transport) {
	a := make(chan []byte, transportBufferSize)
	b := make(chan []byte, transportBufferSize)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &Transport{in: a, out: b, closed: closed, closeOnce: once},
		&Transport{in: b, out: a, closed: closed, closeOnce: once}
}

func (t *Transport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		return nil, ErrClosed
	}
}

func (t *Transport) WriteMessage(data []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	select {
	case t.out <- data:
		return nil
	case <-t.closed:
		return ErrClosed
	}
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return nil
}

// Server hands out in-memory transports.
type Server struct {
	conns chan *ServerConn

	mutex    sync.Mutex
	dials    int
	failures int
	dialErr  error
	held     chan error
}

func NewServer() *Server {
	return &Server{
		conns: make(chan *ServerConn, 16),
	}
}

// Dial implements graphqlws.Dialer.
func (s *Server) Dial(ctx context.Context) (graphqlws.Transport, error) {
	s.mutex.Lock()
	s.dials++
	held := s.held
	s.held = nil
	if s.failures > 0 {
		s.failures--
		err := s.dialErr
		s.mutex.Unlock()
		return nil, err
	}
	s.mutex.Unlock()

	if held != nil {
		select {
		case err := <-held:
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	client, server := Pipe()
	s.conns <- &ServerConn{transport: server}
	return client, nil
}

// FailDials makes the next n dials fail with err.
func (s *Server) FailDials(n int, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failures = n
	s.dialErr = err
}

// HoldDial makes the next dial block until release is invoked. If release is given an error, the
// dial fails with it. Release must be invoked at most once.
func (s *Server) HoldDial() (release func(err error)) {
	held := make(chan error, 1)
	s.mutex.Lock()
	s.held = held
	s.mutex.Unlock()
	return func(err error) {
		held <- err
	}
}

// Dials returns the number of dial attempts so far.
func (s *Server) Dials() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.dials
}

// Accept waits for the next dialed connection.
func (s *Server) Accept(t testing.TB) *ServerConn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(DefaultTimeout):
		require.FailNow(t, "timed out waiting for a connection")
		return nil
	}
}

// AcceptAndAck accepts the next connection and completes its handshake, returning the connection
// and the connection_init message.
func (s *Server) AcceptAndAck(t testing.TB) (*ServerConn, *graphqlws.Message) {
	t.Helper()
	conn := s.Accept(t)
	init := conn.Ack(t)
	return conn, init
}

// ServerConn is the server's end of a dialed transport.
type ServerConn struct {
	transport *Transport
}

// Read waits for the next message from the client.
func (c *ServerConn) Read(t testing.TB) *graphqlws.Message {
	t.Helper()
	select {
	case data := <-c.transport.in:
		msg, err := graphqlws.Decode(data)
		require.NoError(t, err)
		return msg
	case <-time.After(DefaultTimeout):
		require.FailNow(t, "timed out waiting for a client message")
		return nil
	}
}

// ReadType reads the next message and requires it to have the given type.
func (c *ServerConn) ReadType(t testing.TB, messageType graphqlws.MessageType) *graphqlws.Message {
	t.Helper()
	msg := c.Read(t)
	require.Equal(t, messageType, msg.Type)
	return msg
}

// ExpectNothing requires that the client doesn't send anything for d.
func (c *ServerConn) ExpectNothing(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case data := <-c.transport.in:
		require.FailNow(t, "unexpected client message", "%s", data)
	case <-time.After(d):
	}
}

// Ack reads connection_init and responds with connection_ack.
func (c *ServerConn) Ack(t testing.TB) *graphqlws.Message {
	t.Helper()
	init := c.ReadType(t, graphqlws.MessageTypeConnectionInit)
	c.Write(t, &graphqlws.Message{Type: graphqlws.MessageTypeConnectionAck})
	return init
}

// Write sends msg to the client.
func (c *ServerConn) Write(t testing.TB, msg *graphqlws.Message) {
	t.Helper()
	data, err := graphqlws.Encode(msg)
	require.NoError(t, err)
	c.WriteRaw(t, data)
}

// WriteRaw sends data to the client verbatim.
func (c *ServerConn) WriteRaw(t testing.TB, data []byte) {
	t.Helper()
	require.NoError(t, c.transport.WriteMessage(data))
}

// Close closes the transport from the server's side.
func (c *ServerConn) Close() {
	c.transport.Close()
}

// Closed is closed once either side closes the transport.
func (c *ServerConn) Closed() <-chan struct{} {
	return c.transport.closed
}

// Data builds a data message with the given payload.
func Data(t testing.TB, id string, payload interface{}) *graphqlws.Message {
	t.Helper()
	msg, err := graphqlws.NewMessage(id, graphqlws.MessageTypeData, payload)
	require.NoError(t, err)
	return msg
}
