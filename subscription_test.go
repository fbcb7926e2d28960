package hasuralive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osaxma/hasura-live/graphqlws"
)

type broadcastSource struct {
	*graphqlws.Broadcaster
}

func (s broadcastSource) Listen(id string) *graphqlws.Listener {
	return s.ListenID(id)
}

// scriptedLifecycle publishes its events as soon as the subscription starts.
type scriptedLifecycle struct {
	broadcaster *graphqlws.Broadcaster
	events      []graphqlws.Event
	startErr    error

	mutex  sync.Mutex
	starts int
	stops  int
}

func (l *scriptedLifecycle) OnStart(ctx context.Context, req *Request) error {
	l.mutex.Lock()
	l.starts++
	l.mutex.Unlock()
	if l.startErr != nil {
		return l.startErr
	}
	for _, ev := range l.events {
		if ev.Err != nil {
			l.broadcaster.PublishError(ev.Err)
		} else {
			l.broadcaster.Publish(ev.Message)
		}
	}
	return nil
}

func (l *scriptedLifecycle) OnStop(ctx context.Context, req *Request) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.stops++
	return nil
}

func (l *scriptedLifecycle) counts() (int, int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.starts, l.stops
}

func newScriptedSubscription(key string, events ...graphqlws.Event) (*Subscription, *scriptedLifecycle) {
	logger, _ := test.NewNullLogger()
	broadcaster := graphqlws.NewBroadcaster()
	lifecycle := &scriptedLifecycle{
		broadcaster: broadcaster,
		events:      events,
	}
	req := NewRequestWithKey(key, "subscription { messages { id } }", nil)
	return newSubscription(req, broadcastSource{broadcaster}, lifecycle, logger, time.Second), lifecycle
}

func message(id string, t graphqlws.MessageType, payload string) graphqlws.Event {
	msg := &graphqlws.Message{Id: id, Type: t}
	if payload != "" {
		msg.Payload = []byte(payload)
	}
	return graphqlws.Event{Message: msg}
}

func TestSubscription(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sub, lifecycle := newScriptedSubscription("sub1",
		message("sub1", graphqlws.MessageTypeData, `{"data":{"n":1}}`),
		message("other", graphqlws.MessageTypeData, `{"data":{"n":0}}`),
		message("sub1", graphqlws.MessageTypeError, `[{"message":"boom"}]`),
		message("sub1", graphqlws.MessageTypeData, `{"data":{"n":2}}`),
		message("sub1", graphqlws.MessageTypeComplete, ""),
	)

	starts, _ := lifecycle.counts()
	assert.Equal(t, 0, starts)

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"n":1}}`, string(msg.Payload))

	_, err = sub.Next(ctx)
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "graphql-ws error: boom", perr.Error())

	msg, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"n":2}}`, string(msg.Payload))

	_, err = sub.Next(ctx)
	assert.Equal(t, ErrSubscriptionComplete, err)

	_, err = sub.Next(ctx)
	assert.Equal(t, ErrSubscriptionComplete, err)

	starts, stops := lifecycle.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

func TestSubscription_Errors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	t.Run("StartFailure", func(t *testing.T) {
		sub, lifecycle := newScriptedSubscription("sub1")
		lifecycle.startErr = errors.New("no connection")

		_, err := sub.Next(ctx)
		assert.EqualError(t, err, "no connection")
		_, err = sub.Next(ctx)
		assert.EqualError(t, err, "no connection")

		starts, _ := lifecycle.counts()
		assert.Equal(t, 1, starts)
	})

	t.Run("FlowErrorsAreNotTerminal", func(t *testing.T) {
		handshakeErr := &ProtocolError{Message: &graphqlws.Message{Type: graphqlws.MessageTypeConnectionError}}
		sub, lifecycle := newScriptedSubscription("sub1",
			graphqlws.Event{Err: handshakeErr},
			message("sub1", graphqlws.MessageTypeData, `{}`),
		)

		_, err := sub.Next(ctx)
		assert.Equal(t, handshakeErr, err)

		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, graphqlws.MessageTypeData, msg.Type)

		_, stops := lifecycle.counts()
		assert.Equal(t, 0, stops)
		sub.Cancel()
	})

	t.Run("TransportErrorsAreTerminal", func(t *testing.T) {
		terr := &TransportError{Op: "read", Err: errors.New("connection reset")}
		sub, lifecycle := newScriptedSubscription("sub1",
			graphqlws.Event{Err: terr},
			message("sub1", graphqlws.MessageTypeData, `{}`),
		)

		_, err := sub.Next(ctx)
		assert.Equal(t, terr, err)
		_, err = sub.Next(ctx)
		assert.Equal(t, terr, err)

		_, stops := lifecycle.counts()
		assert.Equal(t, 1, stops)
	})

	t.Run("FlowClosed", func(t *testing.T) {
		sub, lifecycle := newScriptedSubscription("sub1")
		lifecycle.events = nil

		done := make(chan error, 1)
		go func() {
			_, err := sub.Next(ctx)
			done <- err
		}()

		require.Eventually(t, func() bool {
			starts, _ := lifecycle.counts()
			return starts == 1
		}, time.Second, time.Millisecond)
		lifecycle.broadcaster.Close()

		select {
		case err := <-done:
			assert.Equal(t, ErrClientClosed, err)
		case <-time.After(time.Second):
			require.FailNow(t, "timed out")
		}
	})
}

func TestSubscription_Cancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	t.Run("BeforeStart", func(t *testing.T) {
		sub, lifecycle := newScriptedSubscription("sub1")
		sub.Cancel()

		_, err := sub.Next(ctx)
		assert.Equal(t, ErrSubscriptionCanceled, err)

		starts, stops := lifecycle.counts()
		assert.Equal(t, 0, starts)
		assert.Equal(t, 0, stops)
	})

	t.Run("Idempotent", func(t *testing.T) {
		sub, lifecycle := newScriptedSubscription("sub1", message("sub1", graphqlws.MessageTypeData, `{}`))

		_, err := sub.Next(ctx)
		require.NoError(t, err)

		sub.Cancel()
		sub.Cancel()

		_, err = sub.Next(ctx)
		assert.Equal(t, ErrSubscriptionCanceled, err)

		_, stops := lifecycle.counts()
		assert.Equal(t, 1, stops)
	})

	t.Run("WhileWaiting", func(t *testing.T) {
		sub, lifecycle := newScriptedSubscription("sub1")

		done := make(chan error, 1)
		go func() {
			_, err := sub.Next(ctx)
			done <- err
		}()

		require.Eventually(t, func() bool {
			starts, _ := lifecycle.counts()
			return starts == 1
		}, time.Second, time.Millisecond)
		sub.Cancel()

		select {
		case err := <-done:
			assert.Equal(t, ErrSubscriptionCanceled, err)
		case <-time.After(time.Second):
			require.FailNow(t, "timed out")
		}

		_, err := sub.Next(ctx)
		assert.Equal(t, ErrSubscriptionCanceled, err)
	})
}
