package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osaxma/hasura-live/graphqlws"
)

type server struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mutex sync.Mutex
	inits []map[string]string
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if !assert.NoError(s.t, err) {
		return
	}
	defer conn.Close()

	for {
		var msg graphqlws.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case graphqlws.MessageTypeConnectionInit:
			var payload struct {
				Headers map[string]string `json:"headers"`
			}
			assert.NoError(s.t, json.Unmarshal(msg.Payload, &payload))
			s.mutex.Lock()
			s.inits = append(s.inits, payload.Headers)
			s.mutex.Unlock()
			conn.WriteJSON(&graphqlws.Message{Type: graphqlws.MessageTypeConnectionAck})
		case graphqlws.MessageTypeStart:
			for i := 0; i < 2; i++ {
				conn.WriteJSON(&graphqlws.Message{
					Id:      msg.Id,
					Type:    graphqlws.MessageTypeData,
					Payload: json.RawMessage(`{"data":{"n":1}}`),
				})
			}
			conn.WriteJSON(&graphqlws.Message{Id: msg.Id, Type: graphqlws.MessageTypeComplete})
		}
	}
}

func newServer(t *testing.T) (*server, string) {
	s := &server{
		t: t,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{graphqlws.WebSocketSubprotocol},
		},
	}
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestRun(t *testing.T) {
	s, endpoint := newServer(t)

	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("secret\n"), 0600))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("Query", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, Run(ctx, &out, []string{
			"--endpoint", endpoint,
			"-H", "x-hasura-role: user",
			"--token-file", tokenFile,
			"-q", "query { n }",
			"--key", "q1",
		}))
		assert.JSONEq(t, `{"id":"q1","type":"data","payload":{"data":{"n":1}}}`, out.String())

		s.mutex.Lock()
		defer s.mutex.Unlock()
		require.NotEmpty(t, s.inits)
		assert.Equal(t, map[string]string{
			"x-hasura-role": "user",
			"Authorization": "Bearer secret",
		}, s.inits[len(s.inits)-1])
	})

	t.Run("Subscribe", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, Run(ctx, &out, []string{
			"--endpoint", endpoint,
			"--token", "secret",
			"-q", "subscription ($n: Int) { n }",
			"--variables", `{"n": 1}`,
			"--subscribe",
		}))
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 2)
		for _, line := range lines {
			var msg graphqlws.Message
			require.NoError(t, json.Unmarshal([]byte(line), &msg))
			assert.Equal(t, graphqlws.MessageTypeData, msg.Type)
		}
	})
}

func TestRun_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	for name, args := range map[string][]string{
		"NoEndpoint":     {"-q", "query { n }"},
		"NoQuery":        {"--endpoint", "ws://localhost"},
		"BothTokens":     {"--endpoint", "ws://localhost", "-q", "query { n }", "--token", "a", "--token-file", "b"},
		"BadHeader":      {"--endpoint", "ws://localhost", "-q", "query { n }", "-H", "nocolon"},
		"BadVariables":   {"--endpoint", "ws://localhost", "-q", "query { n }", "--variables", "[1"},
		"BadLogLevel":    {"--endpoint", "ws://localhost", "-q", "query { n }", "--log-level", "loud"},
		"MissingToken":   {"--endpoint", "ws://localhost", "-q", "query { n }", "--token-file", "/does/not/exist"},
		"UnknownFlag":    {"--endpoint", "ws://localhost", "-q", "query { n }", "--nope"},
		"BadTokenPeriod": {"--endpoint", "ws://localhost", "-q", "query { n }", "--token-refresh", "0s"},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, Run(ctx, io.Discard, args))
		})
	}
}

func TestParseHeaders(t *testing.T) {
	headers, err := parseHeaders([]string{"x-hasura-role: user", "X-Custom:a:b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"x-hasura-role": "user", "X-Custom": "a:b"}, headers)
}
