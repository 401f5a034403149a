package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/livechat/internal/chat"
)

const frameTimeout = time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.SendBufferSize = 16
	cfg.BlobTimeout = time.Second
	cfg.LogTimeout = time.Second
	cfg.CredentialTimeout = time.Second
	return cfg
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(discardLogger())
	go h.Run()
	t.Cleanup(func() { _ = h.Shutdown(time.Second) })
	return h
}

// admitTestClient admits a client without a socket; its frames are read
// straight from the send queue.
func admitTestClient(t *testing.T, h *Hub, handler frameHandler) *Client {
	t.Helper()
	c := NewClient(nil, handler, "test", testConfig(), discardLogger())
	require.NoError(t, h.Admit(context.Background(), c))
	require.Equal(t, chat.StateUnauthenticated, c.State())
	return c
}

func bindTestClient(t *testing.T, h *Hub, c *Client, ident chat.Identity) BindResult {
	t.Helper()
	res, err := h.Bind(context.Background(), c.ID(), ident, nil)
	require.NoError(t, err)
	return res
}

// nextFrame returns the next queued frame of c and its type.
func nextFrame(t *testing.T, c *Client) (string, []byte) {
	t.Helper()
	select {
	case raw, ok := <-c.GetSendChan():
		require.True(t, ok, "send queue closed")
		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &head))
		return head.Type, raw
	case <-time.After(frameTimeout):
		t.Fatal("timed out waiting for frame")
		return "", nil
	}
}

// expectFrame reads the next frame of c, checks its type and decodes it.
func expectFrame[T any](t *testing.T, c *Client, frameType string) T {
	t.Helper()
	typ, raw := nextFrame(t, c)
	require.Equal(t, frameType, typ, "frame: %s", raw)
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func expectNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw, ok := <-c.GetSendChan():
		if ok {
			t.Fatalf("unexpected frame: %s", raw)
		}
	default:
	}
}

// drain discards every frame currently queued for c.
func drain(c *Client) {
	for {
		select {
		case _, ok := <-c.GetSendChan():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func expectClosed(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.After(frameTimeout)
	for {
		select {
		case _, ok := <-c.GetSendChan():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("send queue not closed")
		}
	}
}

func names(users []chat.Identity) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.DisplayName)
	}
	return out
}

// staticTokens treats a token of the form "valid:<id>" as valid for id.
type staticTokens struct{}

func (staticTokens) Verify(token string) (string, error) {
	switch {
	case token == "expired":
		return "", chat.ErrExpiredToken
	case token == "forged":
		return "", chat.ErrBadSignature
	case strings.HasPrefix(token, "valid:"):
		return strings.TrimPrefix(token, "valid:"), nil
	default:
		return "", chat.ErrMalformedToken
	}
}

func (staticTokens) Issue(id string) (string, error) {
	return "valid:" + id, nil
}

var (
	alice = chat.Identity{ID: "u-alice", DisplayName: "alice"}
	bob   = chat.Identity{ID: "u-bob", DisplayName: "bob"}
	carol = chat.Identity{ID: "u-carol", DisplayName: "carol"}
)
