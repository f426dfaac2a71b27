package retrieval

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseMode(t *testing.T) {
	for _, s := range []string{"naive", "local", "hybrid", "global"} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, Mode(s), m)
	}

	_, err := ParseMode("telepathic")
	assert.Error(t, err)

	_, err = ParseMode("")
	assert.Error(t, err)
}

func TestHTTPClient_Retrieve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/query", r.URL.Path)

		var req queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "what is a monad", req.Query)
		assert.Equal(t, "hybrid", req.Mode)

		json.NewEncoder(w).Encode(queryResponse{
			Context: "a monad is a monoid in the category of endofunctors",
			Sources: []string{"doc-42"},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, zap.NewNop())
	res, err := c.Retrieve(context.Background(), "what is a monad", ModeHybrid)
	require.NoError(t, err)
	assert.Contains(t, res.Context, "endofunctors")
	assert.Equal(t, []string{"doc-42"}, res.Sources)
	assert.Greater(t, res.Latency, time.Duration(0))
}

func TestHTTPClient_Retrieve_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches for client disconnect,
		// then stall past the client deadline.
		io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Retrieve(ctx, "slow question", ModeGlobal)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestHTTPClient_Retrieve_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index rebuilding", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, zap.NewNop())
	_, err := c.Retrieve(context.Background(), "anything", ModeNaive)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPClient_Retrieve_Unreachable(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", zap.NewNop())
	_, err := c.Retrieve(context.Background(), "anything", ModeLocal)
	assert.ErrorIs(t, err, ErrUnavailable)
}
