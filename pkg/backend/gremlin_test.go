package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgraph/sleuth/pkg/config"
)

var gremlinUpgrader = websocket.Upgrader{}

// gremlinServer runs handler once per websocket connection and returns the
// ws:// endpoint. Each query attempt dials a fresh connection.
func gremlinServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := gremlinUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// readGremlinFrame strips the mime-type length prefix from a request frame.
// The handler runs off the test goroutine, so failures are reported with
// assert rather than require.
func readGremlinFrame(conn *websocket.Conn) (gremlinRequest, bool) {
	_, raw, err := conn.ReadMessage()
	if err != nil || len(raw) < 2 {
		return gremlinRequest{}, false
	}
	n := int(raw[0])
	if 1+n >= len(raw) {
		return gremlinRequest{}, false
	}
	var req gremlinRequest
	if err := json.Unmarshal(raw[1+n:], &req); err != nil {
		return gremlinRequest{}, false
	}
	return req, true
}

func writeGremlinStatus(conn *websocket.Conn, requestID string, code int, message string, data []any) {
	_ = conn.WriteJSON(map[string]any{
		"requestId": requestID,
		"status":    map[string]any{"code": code, "message": message},
		"result":    map[string]any{"data": data},
	})
}

func testGremlin(endpoint string) *Gremlin {
	g := NewGremlin(config.GremlinConfig{
		Endpoint: endpoint,
		Key:      "account-key",
		Database: "graphdb",
	}, "telco-noc-topology")
	g.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return g
}

func TestGremlin_AuthChallengeThenPartialResults(t *testing.T) {
	saslCh := make(chan string, 1)
	endpoint := gremlinServer(t, func(conn *websocket.Conn) {
		req, ok := readGremlinFrame(conn)
		if !assert.True(t, ok) || !assert.Equal(t, "eval", req.Op) {
			return
		}

		writeGremlinStatus(conn, req.RequestID, 407, "", nil)

		auth, ok := readGremlinFrame(conn)
		if !assert.True(t, ok) || !assert.Equal(t, "authentication", auth.Op) {
			return
		}
		sasl, _ := auth.Args["sasl"].(string)
		saslCh <- sasl

		writeGremlinStatus(conn, req.RequestID, 206, "", []any{
			map[string]any{"id": "RTR-01", "label": "router"},
		})
		writeGremlinStatus(conn, req.RequestID, 200, "", []any{
			map[string]any{"id": "RTR-02", "label": "router"},
		})
	})

	g := testGremlin(endpoint)
	res := g.ExecuteQuery(context.Background(), "g.V().hasLabel('router')", QueryOptions{})

	require.Empty(t, res.Error)
	assert.Equal(t, []string{"id", "label", "properties"}, res.Columns)
	require.Len(t, res.Data, 2, "partial frame results accumulate before the terminal frame")
	assert.Equal(t, "RTR-01", res.Data[0][0])
	assert.Equal(t, "RTR-02", res.Data[1][0])

	// The challenge response carries the collection path and account key in
	// SASL PLAIN form.
	decoded, err := base64.StdEncoding.DecodeString(<-saslCh)
	require.NoError(t, err)
	assert.Equal(t, "\x00/dbs/graphdb/colls/telco-noc-topology\x00account-key", string(decoded))
}

func TestGremlin_ThrottleRetriesAreBounded(t *testing.T) {
	var attempts atomic.Int32
	endpoint := gremlinServer(t, func(conn *websocket.Conn) {
		req, ok := readGremlinFrame(conn)
		if !ok {
			return
		}
		attempts.Add(1)
		writeGremlinStatus(conn, req.RequestID, 429, "request rate too large", nil)
	})

	g := testGremlin(endpoint)
	res := g.ExecuteQuery(context.Background(), "g.V().count()", QueryOptions{})

	assert.Contains(t, res.Error, "throttled")
	assert.Equal(t, int32(gremlinMaxAttempts), attempts.Load())
}

func TestGremlin_ServerErrorIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	endpoint := gremlinServer(t, func(conn *websocket.Conn) {
		req, ok := readGremlinFrame(conn)
		if !ok {
			return
		}
		attempts.Add(1)
		writeGremlinStatus(conn, req.RequestID, 500, "unterminated string literal", nil)
	})

	g := testGremlin(endpoint)
	res := g.ExecuteQuery(context.Background(), "g.V().has('name', 'oops", QueryOptions{})

	assert.Contains(t, res.Error, "unterminated string literal")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestGremlin_QueryAfterClose(t *testing.T) {
	g := testGremlin("ws://127.0.0.1:0")
	require.NoError(t, g.Close(context.Background()))

	res := g.ExecuteQuery(context.Background(), "g.V()", QueryOptions{})
	assert.Equal(t, "backend closed", res.Error)
}

func TestGremlin_NotConfigured(t *testing.T) {
	g := NewGremlin(config.GremlinConfig{}, "demo-topology")
	res := g.ExecuteQuery(context.Background(), "g.V()", QueryOptions{})
	assert.Contains(t, res.Error, "not configured")
}
