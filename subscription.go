package hasuralive

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/osaxma/hasura-live/graphqlws"
)

// SubscriptionLifecycle is notified when a subscription's consumer starts and stops listening.
// OnStart typically sends the start message and OnStop the stop message.
type SubscriptionLifecycle interface {
	OnStart(ctx context.Context, req *Request) error
	OnStop(ctx context.Context, req *Request) error
}

// listenerSource is satisfied by *graphqlws.Connection.
type listenerSource interface {
	Listen(id string) *graphqlws.Listener
}

// Subscription is a stream of the messages the server sends for one request. Nothing is sent to
// the server until the first call to Next. A subscription can't be restarted once it ends; create
// a new one instead.
type Subscription struct {
	request     *Request
	source      listenerSource
	lifecycle   SubscriptionLifecycle
	logger      logrus.FieldLogger
	stopTimeout time.Duration

	mutex    sync.Mutex
	listener *graphqlws.Listener
	started  bool
	err      error

	cancelOnce sync.Once
}

func newSubscription(req *Request, source listenerSource, lifecycle SubscriptionLifecycle, logger logrus.FieldLogger, stopTimeout time.Duration) *Subscription {
	return &Subscription{
		request:     req,
		source:      source,
		lifecycle:   lifecycle,
		logger:      logger,
		stopTimeout: stopTimeout,
	}
}

func (s *Subscription) Request() *Request {
	return s.request
}

// Next waits for the next message. The possible outcomes are:
//
//   - a message (usually of type data) and a nil error
//   - a *ProtocolError for an error message from the server; the subscription stays open
//   - ErrSubscriptionComplete once the server completes the operation
//   - a *TransportError if the connection fails, after which the subscription is over
//   - ErrSubscriptionCanceled or ErrClientClosed after Cancel or Client.Close
//   - ctx.Err() if ctx is done first
//
// Once the subscription is over, Next keeps returning the same error.
func (s *Subscription) Next(ctx context.Context) (*Message, error) {
	listener, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}

	ev, err := listener.Next(ctx)
	if err == graphqlws.ErrFlowClosed {
		return nil, s.terminate(ErrClientClosed)
	} else if err != nil {
		return nil, err
	}

	if ev.Err != nil {
		var terr *TransportError
		if errors.As(ev.Err, &terr) {
			return nil, s.terminate(ev.Err)
		}
		return nil, ev.Err
	}

	switch ev.Message.Type {
	case graphqlws.MessageTypeError:
		return nil, &ProtocolError{Message: ev.Message}
	case graphqlws.MessageTypeComplete:
		return nil, s.terminate(ErrSubscriptionComplete)
	}
	return ev.Message, nil
}

// Cancel stops the subscription. If it had started, the server is told to stop the operation.
// Failures while stopping are logged rather than returned. Cancel may be called any number of
// times.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		s.mutex.Lock()
		if s.err == nil {
			s.err = ErrSubscriptionCanceled
		}
		started, listener := s.started, s.listener
		s.mutex.Unlock()

		if !started {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
		defer cancel()

		var g errgroup.Group
		g.Go(func() error {
			listener.Close()
			return nil
		})
		g.Go(func() error {
			return s.lifecycle.OnStop(ctx, s.request)
		})
		if err := g.Wait(); err != nil {
			s.logger.WithField("key", s.request.Key()).Warn(errors.Wrap(err, "error stopping subscription"))
		}
	})
}

func (s *Subscription) begin(ctx context.Context) (*graphqlws.Listener, error) {
	s.mutex.Lock()
	if s.err != nil {
		err := s.err
		s.mutex.Unlock()
		return nil, err
	} else if s.started {
		listener := s.listener
		s.mutex.Unlock()
		return listener, nil
	}
	s.started = true
	s.listener = s.source.Listen(s.request.Key())
	listener := s.listener
	s.mutex.Unlock()

	if err := s.lifecycle.OnStart(ctx, s.request); err != nil {
		return nil, s.terminate(err)
	}
	return listener, nil
}

// terminate ends the subscription with err unless it has already ended, and returns the error it
// ended with.
func (s *Subscription) terminate(err error) error {
	s.mutex.Lock()
	if s.err == nil {
		s.err = err
	}
	err = s.err
	s.mutex.Unlock()

	s.Cancel()
	return err
}
