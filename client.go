// Package hasuralive is a GraphQL client that runs queries, mutations, and subscriptions over a
// single graphql-ws connection. When the bearer token changes, the connection is replaced and
// active subscriptions are restarted on the new one without their consumers noticing.
package hasuralive

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/osaxma/hasura-live/graphqlws"
	"github.com/osaxma/hasura-live/internal/barrier"
)

// Client owns a single graphql-ws connection. It is safe for concurrent use.
type Client struct {
	config         *Config
	logger         logrus.FieldLogger
	conn           *graphqlws.Connection
	requestTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	// connectLock serializes the initial connection and reconnections. It's a semaphore so that
	// waiting for it respects the caller's context.
	connectLock *semaphore.Weighted
	connected   atomic.Bool
	token       string

	// firstCredential is resolved once the first token has been handled. It's nil if the client
	// isn't configured with credentials.
	firstCredential *barrier.Barrier

	// sendMutex is held for reading by sends in flight and briefly for writing by a reconnection
	// so that it can wait them out.
	sendMutex sync.RWMutex

	mutex         sync.Mutex
	reconnecting  bool
	reconnected   *barrier.Barrier
	subscriptions map[string]*Request

	closed      atomic.Bool
	closeOnce   sync.Once
	closeErr    error
	watcherDone chan struct{}
}

// NewClient creates a client. No connection is made until it's needed or a token arrives.
func NewClient(cfg *Config) (*Client, error) {
	dialer, err := cfg.dialer()
	if err != nil {
		return nil, errors.Wrap(err, "invalid client config")
	}
	logger := cfg.logger()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config: cfg,
		logger: logger,
		conn: &graphqlws.Connection{
			Dialer:        dialer,
			Logger:        logger,
			AckTimeout:    cfg.AckTimeout,
			RetryAttempts: cfg.RetryAttempts,
			RetryDelay:    cfg.RetryDelay,
		},
		requestTimeout: cfg.requestTimeout(),
		ctx:            ctx,
		cancel:         cancel,
		connectLock:    semaphore.NewWeighted(1),
		reconnected:    barrier.Resolved(nil),
		subscriptions:  map[string]*Request{},
	}
	if cfg.Credentials != nil {
		c.firstCredential = barrier.New()
		c.watcherDone = make(chan struct{})
		go c.watchCredentials(cfg.Credentials)
	}
	return c, nil
}

// Connect opens the connection if it isn't already open. It's invoked implicitly by Execute and
// by subscriptions, so calling it is only necessary to surface connection errors early. If the
// client is configured with credentials, Connect first waits for a token.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.firstCredential != nil {
		if err := c.firstCredential.Wait(ctx); err != nil {
			return err
		}
	}
	if err := c.connectLock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.connectLock.Release(1)
	if c.connected.Load() {
		return nil
	}
	return c.start(ctx)
}

// Execute sends req and returns the first message the server sends in response, which is
// normally a data message. If the server responds with an error message, a *ProtocolError is
// returned. If nothing arrives within timeout, the error wraps ErrTimeout. A timeout of zero uses
// the configured RequestTimeout.
func (c *Client) Execute(ctx context.Context, req *Request, timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		timeout = c.requestTimeout
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timeoutErr := func(err error) error {
		if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
			return errors.Wrapf(ErrTimeout, "no response to %v within %v", req.Key(), timeout)
		}
		return err
	}

	if err := c.Connect(ctx); err != nil {
		return nil, timeoutErr(err)
	}

	listener := c.conn.Listen(req.Key())
	defer listener.Close()

	if err := c.send(ctx, startMessage(req), nil); err != nil {
		return nil, timeoutErr(err)
	}

	ev, err := listener.Next(ctx)
	if err == graphqlws.ErrFlowClosed {
		return nil, ErrClientClosed
	} else if err != nil {
		return nil, timeoutErr(err)
	} else if ev.Err != nil {
		return nil, ev.Err
	} else if ev.Message.Type == graphqlws.MessageTypeError {
		return nil, &ProtocolError{Message: ev.Message}
	}
	return ev.Message, nil
}

// Subscribe returns a subscription for req. The operation is started when the subscription's Next
// method is first invoked.
func (c *Client) Subscribe(req *Request) *Subscription {
	return newSubscription(req, c.conn, subscriptionLifecycle{c}, c.logger, c.requestTimeout)
}

// ActiveSubscriptions returns the requests that would be restarted if the connection were replaced
// right now, ordered by key.
func (c *Client) ActiveSubscriptions() []*Request {
	c.mutex.Lock()
	ret := make([]*Request, 0, len(c.subscriptions))
	for _, req := range c.subscriptions {
		ret = append(ret, req)
	}
	c.mutex.Unlock()
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Key() < ret[j].Key()
	})
	return ret
}

// Close stops watching for credentials and closes the connection. Subscriptions end with
// ErrClientClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		if c.watcherDone != nil {
			<-c.watcherDone
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

type subscriptionLifecycle struct {
	client *Client
}

func (l subscriptionLifecycle) OnStart(ctx context.Context, req *Request) error {
	c := l.client
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.send(ctx, startMessage(req), func() {
		c.subscriptions[req.Key()] = req
	})
}

// OnStop removes req from the active subscriptions before sending the stop message, so that it's
// never restarted once its consumer is gone, even if the stop can't be sent.
func (l subscriptionLifecycle) OnStop(ctx context.Context, req *Request) error {
	c := l.client
	c.mutex.Lock()
	if c.subscriptions[req.Key()] == req {
		delete(c.subscriptions, req.Key())
	}
	c.mutex.Unlock()
	return c.send(ctx, &Message{
		Id:   req.Key(),
		Type: graphqlws.MessageTypeStop,
	}, nil)
}

// send waits out any reconnection in progress, then sends msg. If given, update is invoked with
// the mutex held right before sending. It's used to register subscriptions so that a reconnection
// either sees the new entry and restarts the subscription itself or doesn't see it and can't race
// with the send.
func (c *Client) send(ctx context.Context, msg *Message, update func()) error {
	for {
		c.mutex.Lock()
		reconnecting, reconnected := c.reconnecting, c.reconnected
		c.mutex.Unlock()

		if reconnecting {
			if err := reconnected.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return err
				}
				return errors.Wrap(err, "reconnection failed")
			}
		}

		c.sendMutex.RLock()
		c.mutex.Lock()
		if c.reconnecting {
			c.mutex.Unlock()
			c.sendMutex.RUnlock()
			continue
		}
		if update != nil {
			update()
		}
		c.mutex.Unlock()

		err := c.conn.Send(ctx, msg)
		c.sendMutex.RUnlock()
		return err
	}
}

func (c *Client) watchCredentials(credentials <-chan string) {
	defer close(c.watcherDone)

	var previous string
	received := false
	for {
		select {
		case <-c.ctx.Done():
			c.firstCredential.Resolve(ErrClientClosed)
			return
		case token, ok := <-credentials:
			if !ok {
				// without any more tokens, connect with whatever we have
				c.firstCredential.Resolve(nil)
				return
			} else if received && token == previous {
				continue
			}
			previous, received = token, true
			c.handleCredential(token)
			c.firstCredential.Resolve(nil)
		}
	}
}

func (c *Client) handleCredential(token string) {
	if err := c.connectLock.Acquire(c.ctx, 1); err != nil {
		return
	}
	defer c.connectLock.Release(1)

	c.token = token
	if c.closed.Load() {
		return
	}

	if !c.connected.Load() {
		if err := c.start(c.ctx); err != nil {
			c.logger.Error(errors.Wrap(err, "unable to connect"))
		}
		return
	}

	c.reconnect()
}

// start must be invoked with connectLock held.
func (c *Client) start(ctx context.Context) error {
	init, err := c.initMessage()
	if err != nil {
		return err
	}
	if err := c.conn.Start(ctx, init); err != nil {
		if err == graphqlws.ErrFlowClosed {
			return ErrClientClosed
		}
		return err
	}
	c.connected.Store(true)
	return nil
}

// reconnect replaces the connection using the current token and restarts active subscriptions.
// Sends are held back until it's done. It must be invoked with connectLock held.
func (c *Client) reconnect() {
	reconnected := barrier.New()
	c.mutex.Lock()
	c.reconnecting = true
	c.reconnected = reconnected
	c.mutex.Unlock()

	c.sendMutex.Lock()
	c.sendMutex.Unlock()

	err := c.restart()

	c.mutex.Lock()
	c.reconnecting = false
	c.mutex.Unlock()
	reconnected.Resolve(err)
}

func (c *Client) restart() error {
	subscriptions := c.ActiveSubscriptions()
	logger := c.logger.WithField("subscriptions", len(subscriptions))

	init, err := c.initMessage()
	if err == nil {
		err = c.conn.Restart(c.ctx, init)
	}
	if err != nil {
		var terr *TransportError
		if !errors.As(err, &terr) && err != graphqlws.ErrFlowClosed {
			// transport failures have already been published by the connection
			c.conn.Publish(err)
		}
		logger.Error(errors.Wrap(err, "unable to reconnect"))
		return err
	}

	var result *multierror.Error
	for _, req := range subscriptions {
		if err := c.conn.Send(c.ctx, startMessage(req)); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "unable to restart subscription %v", req.Key()))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		logger.Warn(err)
	} else {
		logger.Info("reconnected")
	}
	return nil
}

func (c *Client) initMessage() (*Message, error) {
	headers := make(map[string]string, len(c.config.Headers)+1)
	for k, v := range c.config.Headers {
		headers[k] = v
	}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}
	return graphqlws.NewMessage("", graphqlws.MessageTypeConnectionInit, map[string]interface{}{
		"headers": headers,
	})
}

func startMessage(req *Request) *Message {
	msg, err := graphqlws.NewMessage(req.Key(), graphqlws.MessageTypeStart, req.startPayload())
	if err != nil {
		// variables that can't be marshaled are sent without a payload and the server will
		// respond with an error
		return &Message{Id: req.Key(), Type: graphqlws.MessageTypeStart}
	}
	return msg
}
