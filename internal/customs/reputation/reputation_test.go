package reputation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, BlockBelow: 50, SuspectBelow: 60},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestGet(t *testing.T) {
	ctx := context.Background()

	t.Run("known ip", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/ip/198.51.100.1", r.URL.Path)
			_ = json.NewEncoder(w).Encode(map[string]int{"reputation": 42})
		})

		score, err := c.Get(ctx, "198.51.100.1")
		require.NoError(t, err)
		require.NotNil(t, score)
		assert.Equal(t, 42, *score)
	})

	t.Run("unknown ip is no signal", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		score, err := c.Get(ctx, "198.51.100.1")
		require.NoError(t, err)
		assert.Nil(t, score)
	})

	t.Run("server error surfaces", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})

		_, err := c.Get(ctx, "198.51.100.1")
		assert.Error(t, err)
	})
}

func TestReport(t *testing.T) {
	var got struct {
		IP        string `json:"ip"`
		Violation string `json:"violation"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	})

	c.Report(context.Background(), "198.51.100.1", "customs:request.blockIp")
	assert.Equal(t, "198.51.100.1", got.IP)
	assert.Equal(t, "customs:request.blockIp", got.Violation)
}

func TestThresholds(t *testing.T) {
	c := New(Config{BlockBelow: 50, SuspectBelow: 60})

	score := func(n int) *int { return &n }

	assert.True(t, c.IsBlockBelow(score(49)))
	assert.False(t, c.IsBlockBelow(score(50)), "threshold itself is not below")
	assert.False(t, c.IsBlockBelow(nil), "no signal never blocks")

	assert.True(t, c.IsSuspectBelow(score(59)))
	assert.False(t, c.IsSuspectBelow(score(60)))
	assert.False(t, c.IsSuspectBelow(nil))
}

func TestDisabled(t *testing.T) {
	d := Disabled{}
	score, err := d.Get(context.Background(), "198.51.100.1")
	require.NoError(t, err)
	assert.Nil(t, score)
	assert.False(t, d.IsBlockBelow(score))
	assert.False(t, d.IsSuspectBelow(score))
}
