package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTokenServer(t *testing.T, fetches *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-" + r.Form.Get("scope"),
			"expires_in":   3600,
		})
	}))
}

func TestClientCredentials_FetchAndCache(t *testing.T) {
	var fetches atomic.Int32
	srv := newTokenServer(t, &fetches)
	defer srv.Close()

	p := NewClientCredentials(srv.URL, "client", "secret")
	ctx := context.Background()

	tok, err := p.Token(ctx, "graph")
	require.NoError(t, err)
	assert.Equal(t, "tok-graph", tok)

	// Second call within expiry is served from cache.
	_, err = p.Token(ctx, "graph")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetches.Load())

	// A different scope fetches independently.
	tok, err = p.Token(ctx, "kusto")
	require.NoError(t, err)
	assert.Equal(t, "tok-kusto", tok)
	assert.Equal(t, int32(2), fetches.Load())
}

func TestClientCredentials_InvalidateForcesRefetch(t *testing.T) {
	var fetches atomic.Int32
	srv := newTokenServer(t, &fetches)
	defer srv.Close()

	p := NewClientCredentials(srv.URL, "client", "secret")
	ctx := context.Background()

	_, err := p.Token(ctx, "graph")
	require.NoError(t, err)
	p.Invalidate("graph")
	_, err = p.Token(ctx, "graph")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetches.Load())
}

func TestClientCredentials_ConcurrentCallersSingleFetch(t *testing.T) {
	var fetches atomic.Int32
	srv := newTokenServer(t, &fetches)
	defer srv.Close()

	p := NewClientCredentials(srv.URL, "client", "secret")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Token(context.Background(), "graph")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fetches.Load())
}

func TestClientCredentials_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewClientCredentials(srv.URL, "client", "bad")
	_, err := p.Token(context.Background(), "graph")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestStatic(t *testing.T) {
	tok, err := Static{Value: "abc"}.Token(context.Background(), "any")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = Static{}.Token(context.Background(), "any")
	assert.Error(t, err)
}
