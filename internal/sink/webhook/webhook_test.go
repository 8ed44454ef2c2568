package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curses/internal/sink"
)

func TestSendWithoutURLIsDisabled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := New(Config{})
	res := c.Send(context.Background(), "hello")
	assert.Equal(t, sink.StatusDisabled, res.Status)
	assert.NoError(t, res.Err)
	assert.Zero(t, hits.Load())
}

func TestSendPostsPayload(t *testing.T) {
	var (
		method, ctype string
		body          []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		ctype = r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, AvatarURL: "https://example.test/a.png"})
	res := c.Send(context.Background(), "hello")
	require.Equal(t, sink.StatusDelivered, res.Status)
	assert.Equal(t, http.StatusNoContent, res.HTTPStatus)
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "application/json", ctype)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "hello", got["content"])
	assert.Equal(t, "Curses", got["username"])
	assert.Equal(t, "https://example.test/a.png", got["avatar_url"])
	assert.Nil(t, got["embeds"])
	assert.Equal(t, []any{}, got["attachments"])
}

func TestSendFailureIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL})
	res := c.Send(context.Background(), "hello")
	assert.Equal(t, sink.StatusFailed, res.Status)
	assert.Equal(t, http.StatusBadRequest, res.HTTPStatus)
	assert.ErrorIs(t, res.Err, sink.ErrDeliveryFailed)
}

func TestSendUnreachableFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(Config{URL: url, Timeout: time.Second})
	res := c.Send(context.Background(), "hello")
	assert.Equal(t, sink.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, sink.ErrDeliveryFailed)
}

func TestSendHonoursTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{URL: srv.URL, Timeout: 50 * time.Millisecond})
	res := c.Send(context.Background(), "hello")
	assert.Equal(t, sink.StatusFailed, res.Status)
	assert.Less(t, res.Took, 5*time.Second)
}

func TestApplySwapsConfig(t *testing.T) {
	var names []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		names = append(names, p.Username)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL})
	c.Send(context.Background(), "a")
	c.Apply(Config{URL: srv.URL, Username: "Captions"})
	c.Send(context.Background(), "b")
	c.Apply(Config{})
	assert.Equal(t, sink.StatusDisabled, c.Send(context.Background(), "c").Status)

	assert.Equal(t, []string{"Curses", "Captions"}, names)
}
