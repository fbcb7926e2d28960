package graphqlws

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/osaxma/hasura-live/internal/barrier"
)

const (
	defaultAckTimeout = 10 * time.Second
	defaultRetryDelay = time.Second
)

// errAckReplaced resolves an ack barrier that was superseded by a restart. Senders waiting on it
// move on to the new barrier.
var errAckReplaced = errors.New("connection_ack barrier replaced")

// Connection represents a client-side GraphQL-WS connection. It owns at most one transport at a
// time and a broadcast of inbound messages that outlives the transports, so listeners attached
// before a Restart keep receiving messages afterwards.
type Connection struct {
	Dialer Dialer
	Logger logrus.FieldLogger

	// How long Send waits for the server to acknowledge connection_init. Defaults to 10 seconds.
	AckTimeout time.Duration

	// The number of additional attempts Start makes to open the transport, waiting RetryDelay
	// between attempts. Restart never retries.
	RetryAttempts int
	RetryDelay    time.Duration

	initOnce     sync.Once
	flow         *Broadcaster
	acknowledged atomic.Bool

	mutex        sync.Mutex
	ack          *barrier.Barrier
	transport    Transport
	readLoopDone chan struct{}
	started      bool
	closed       bool
}

func (c *Connection) init() {
	c.initOnce.Do(func() {
		if c.Logger == nil {
			c.Logger = logrus.StandardLogger()
		}
		c.flow = NewBroadcaster()
		c.mutex.Lock()
		if c.ack == nil {
			c.ack = barrier.New()
		}
		c.mutex.Unlock()
	})
}

// Start opens a transport, begins reading from it, and sends init. If the transport can't be
// opened, the error is also published to listeners and any sends waiting for the handshake fail.
func (c *Connection) Start(ctx context.Context, init *Message) error {
	c.init()

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return ErrFlowClosed
	} else if c.started {
		c.mutex.Unlock()
		return errors.New("graphql-ws connection already started")
	}
	ack := c.replaceAck()
	c.mutex.Unlock()

	transport, err := c.dial(ctx, c.RetryAttempts)
	if err != nil {
		return c.fail(ack, "open", err)
	}
	if err := c.attach(transport); err != nil {
		return err
	}
	if err := c.sendInit(transport, ack, init); err != nil {
		return err
	}

	c.mutex.Lock()
	c.started = true
	c.mutex.Unlock()
	return nil
}

// Restart replaces the transport with a new one and sends init over it. Listeners stay attached.
// Frames that arrive on the old transport after this is called are discarded.
func (c *Connection) Restart(ctx context.Context, init *Message) error {
	c.init()

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return ErrFlowClosed
	} else if !c.started {
		c.mutex.Unlock()
		return ErrNotStarted
	}
	ack := c.replaceAck()
	prev, prevReadLoopDone := c.transport, c.readLoopDone
	c.transport, c.readLoopDone = nil, nil
	c.mutex.Unlock()

	if prev != nil {
		c.terminate(prev)
		if err := prev.Close(); err != nil {
			c.Logger.WithField("error", err.Error()).Debug("error closing previous graphql-ws transport")
		}
		<-prevReadLoopDone
	}

	transport, err := c.dial(ctx, 0)
	if err != nil {
		return c.fail(ack, "open", err)
	}
	if err := c.attach(transport); err != nil {
		return err
	}
	return c.sendInit(transport, ack, init)
}

// Send writes msg to the current transport. Anything other than connection_init waits for the
// server's connection_ack first, failing with ErrHandshakeFailed if the server rejects the
// connection or doesn't respond within AckTimeout. Stopping an operation after Close is a no-op,
// as is sending while no transport is open.
func (c *Connection) Send(ctx context.Context, msg *Message) error {
	c.init()

	if msg.Type == MessageTypeStop && c.flow.IsClosed() {
		return nil
	}

	if msg.Type != MessageTypeConnectionInit && !c.acknowledged.Load() {
		if err := c.awaitAck(ctx); err != nil {
			return err
		}
	}

	c.mutex.Lock()
	transport := c.transport
	c.mutex.Unlock()
	if transport == nil {
		return nil
	}
	return c.write(transport, msg)
}

// Close closes the broadcast and the transport. Listeners receive ErrFlowClosed once they've
// drained.
func (c *Connection) Close() error {
	c.init()

	c.flow.Close()

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	ack := c.ack
	transport, readLoopDone := c.transport, c.readLoopDone
	c.transport, c.readLoopDone = nil, nil
	c.mutex.Unlock()

	ack.Resolve(ErrFlowClosed)

	if transport == nil {
		return nil
	}
	err := transport.Close()
	<-readLoopDone
	if err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

// Listen returns a view of inbound messages with the given id. Errors are delivered to every
// listener.
func (c *Connection) Listen(id string) *Listener {
	c.init()
	return c.flow.ListenID(id)
}

// ListenAll returns a view of every inbound message.
func (c *Connection) ListenAll() *Listener {
	c.init()
	return c.flow.Listen(nil)
}

// Publish delivers err to every listener.
func (c *Connection) Publish(err error) {
	c.init()
	c.flow.PublishError(err)
}

// Acknowledged reports whether the server has acknowledged the current transport's handshake.
func (c *Connection) Acknowledged() bool {
	return c.acknowledged.Load()
}

// replaceAck must be invoked with the mutex held.
func (c *Connection) replaceAck() *barrier.Barrier {
	prev := c.ack
	c.ack = barrier.New()
	c.acknowledged.Store(false)
	if prev != nil {
		prev.Resolve(errAckReplaced)
	}
	return c.ack
}

func (c *Connection) currentAck() *barrier.Barrier {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.ack
}

func (c *Connection) awaitAck(ctx context.Context) error {
	timeout := c.AckTimeout
	if timeout == 0 {
		timeout = defaultAckTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		ack := c.currentAck()
		select {
		case <-ack.Done():
			err := ack.Err()
			if err == errAckReplaced {
				continue
			} else if err != nil {
				return errors.Wrapf(ErrHandshakeFailed, "%v", err)
			}
			return nil
		case <-timer.C:
			return errors.Wrap(ErrHandshakeFailed, "timed out waiting for connection_ack")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) dial(ctx context.Context, retries int) (Transport, error) {
	if c.Dialer == nil {
		return nil, errors.New("no dialer configured")
	}

	var transport Transport
	operation := func() error {
		t, err := c.Dialer.Dial(ctx)
		if err != nil {
			return err
		}
		transport = t
		return nil
	}

	if retries <= 0 {
		err := operation()
		return transport, err
	}

	delay := c.RetryDelay
	if delay == 0 {
		delay = defaultRetryDelay
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(retries)), ctx)
	err := backoff.RetryNotify(operation, policy, func(err error, delay time.Duration) {
		c.Logger.WithFields(logrus.Fields{
			"error": err.Error(),
			"delay": delay,
		}).Warn("unable to open graphql-ws transport, retrying")
	})
	return transport, err
}

func (c *Connection) fail(ack *barrier.Barrier, op string, err error) error {
	terr := &TransportError{Op: op, Err: err}
	c.Logger.Error(errors.Wrap(err, "graphql-ws transport "+op+" error"))
	ack.Resolve(terr)
	c.flow.PublishError(terr)
	return terr
}

func (c *Connection) attach(transport Transport) error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		transport.Close()
		return ErrFlowClosed
	}
	readLoopDone := make(chan struct{})
	c.transport, c.readLoopDone = transport, readLoopDone
	c.mutex.Unlock()

	go c.readLoop(transport, readLoopDone)
	return nil
}

func (c *Connection) sendInit(transport Transport, ack *barrier.Barrier, init *Message) error {
	if err := c.write(transport, init); err != nil {
		if c.detach(transport) {
			transport.Close()
		}
		ack.Resolve(err)
		c.flow.PublishError(err)
		return err
	}
	return nil
}

// terminate politely tells the server we're going away. Delivery isn't required.
func (c *Connection) terminate(transport Transport) {
	if err := c.write(transport, &Message{Type: MessageTypeConnectionTerminate}); err != nil {
		c.Logger.WithField("error", err.Error()).Debug("unable to send graphql-ws connection terminate")
	}
}

func (c *Connection) write(transport Transport, msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := transport.WriteMessage(data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// detach clears the current transport if it is the given one, reporting whether it was.
func (c *Connection) detach(transport Transport) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.transport != transport {
		return false
	}
	c.transport = nil
	return true
}

func (c *Connection) isCurrent(transport Transport) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.transport == transport
}

func (c *Connection) readLoop(transport Transport, done chan struct{}) {
	defer close(done)

	for {
		data, err := transport.ReadMessage()
		if err != nil {
			if !c.detach(transport) {
				// closed or replaced on purpose
				return
			}
			terr := &TransportError{Op: "read", Err: err}
			if IsNormalClose(err) {
				c.Logger.WithField("error", err.Error()).Info("graphql-ws transport closed by server")
			} else {
				c.Logger.Error(errors.Wrap(err, "graphql-ws transport read error"))
			}
			transport.Close()
			if !c.acknowledged.Load() {
				c.currentAck().Resolve(terr)
			}
			c.flow.PublishError(terr)
			return
		}

		if !c.isCurrent(transport) {
			continue
		}
		c.handleMessage(data)
	}
}

func (c *Connection) handleMessage(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		c.Logger.WithField("error", err.Error()).Info("malformed graphql-ws message received")
		return
	}

	switch msg.Type {
	case MessageTypeConnectionError:
		perr := &ProtocolError{Message: msg}
		c.flow.PublishError(perr)
		if !c.acknowledged.Load() {
			c.currentAck().Resolve(perr)
		}
	case MessageTypeConnectionAck:
		c.acknowledged.Store(true)
		c.currentAck().Resolve(nil)
	case MessageTypeConnectionKeepAlive:
	default:
		c.flow.Publish(msg)
	}
}
