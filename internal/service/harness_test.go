package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"chatcore/internal/pubsub"
	"chatcore/internal/realtime"
	"chatcore/internal/store"

	"github.com/stretchr/testify/require"
)

// fakeConn records frames. failAfter >= 0 makes every send after that many
// accepted frames fail. waited counts frames offered through SendWait.
type fakeConn struct {
	id, user  string
	mu        sync.Mutex
	frames    [][]byte
	failAfter int
	waited    int
}

func newConn(id, user string) *fakeConn { return &fakeConn{id: id, user: user, failAfter: -1} }

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.user }

func (c *fakeConn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter >= 0 && len(c.frames) >= c.failAfter {
		return realtime.ErrClosed
	}
	c.frames = append(c.frames, append([]byte(nil), b...))
	return nil
}

func (c *fakeConn) SendWait(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.waited++
	c.mu.Unlock()
	return c.Send(b)
}

func (c *fakeConn) waits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waited
}

// events returns the decoded frames of one type.
func (c *fakeConn) events(t *testing.T, typ string) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type harness struct {
	st   *store.MemoryStore
	reg  *realtime.Registry
	core *Core
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	reg := realtime.NewRegistry()
	return &harness{st: st, reg: reg, core: New(st, reg, pubsub.NewLocalBus(), Options{MaxMessageLength: 50})}
}

func (h *harness) users(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := h.st.UpsertUser(context.Background(), id, "name-"+id)
		require.NoError(t, err)
	}
}

func (h *harness) connect(userID, connID string) *fakeConn {
	c := newConn(connID, userID)
	h.reg.Register(userID, c)
	return c
}

func (h *harness) direct(t *testing.T, a, b string) string {
	t.Helper()
	conv, _, err := h.core.Conversations.CreateDirect(context.Background(), a, b)
	require.NoError(t, err)
	return conv.ID
}

func (h *harness) group(t *testing.T, creator string, members ...string) string {
	t.Helper()
	conv, err := h.core.Conversations.CreateGroup(context.Background(), creator, GroupInput{Name: "g", MemberIDs: members})
	require.NoError(t, err)
	return conv.ID
}

func (h *harness) send(t *testing.T, sender, convID, text string) MessageDTO {
	t.Helper()
	m, err := h.core.Messages.Send(context.Background(), sender, SendInput{ConversationID: convID, Content: text})
	require.NoError(t, err)
	return m
}
