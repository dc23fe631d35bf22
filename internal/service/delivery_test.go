package service

import (
	"context"
	"testing"

	"chatcore/internal/models"
	"chatcore/internal/realtime"
	"chatcore/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSend_OfflineRecipientQueuedThenSwept(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.users(t, "a", "b")
	conv := h.direct(t, "a", "b")
	aConn := h.connect("a", "a1")

	m := h.send(t, "a", conv, "hi")
	ds, err := h.st.GetDeliveryStatus(ctx, m.ID, "b")
	require.NoError(t, err)
	require.Equal(t, models.DeliveryQueued, ds.State)
	require.Len(t, aConn.events(t, EventMessageAck), 1)
	require.Empty(t, aConn.events(t, EventDeliveryStatus))

	bConn := h.connect("b", "b1")
	n, err := h.core.Router.Sweep(ctx, "b", bConn)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got := bConn.events(t, EventNewMessage)
	require.Len(t, got, 1)
	msg := got[0]["message"].(map[string]any)
	require.Equal(t, m.ID, msg["id"])
	require.Equal(t, "hi", msg["content"])

	ds, err = h.st.GetDeliveryStatus(ctx, m.ID, "b")
	require.NoError(t, err)
	require.Equal(t, models.DeliveryDelivered, ds.State)
	require.NotNil(t, ds.DeliveredAt)

	updates := aConn.events(t, EventDeliveryStatus)
	require.Len(t, updates, 1)
	require.Equal(t, "b", updates[0]["recipient_id"])

	n, err = h.core.Router.Sweep(ctx, "b", bConn)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, bConn.events(t, EventNewMessage), 1)
}

func TestSend_OnlineRecipientOnEveryDevice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.users(t, "a", "b")
	conv := h.direct(t, "a", "b")
	aConn := h.connect("a", "a1")
	tab1 := h.connect("b", "b1")
	tab2 := h.connect("b", "b2")

	m, err := h.core.Messages.Send(ctx, "a", SendInput{ConversationID: conv, Content: "hello", ClientID: "c-1"})
	require.NoError(t, err)

	require.Len(t, tab1.events(t, EventNewMessage), 1)
	require.Len(t, tab2.events(t, EventNewMessage), 1)

	ds, err := h.st.GetDeliveryStatus(ctx, m.ID, "b")
	require.NoError(t, err)
	require.Equal(t, models.DeliveryDelivered, ds.State)

	acks := aConn.events(t, EventMessageAck)
	require.Len(t, acks, 1)
	require.Equal(t, "c-1", acks[0]["client_id"])
	require.Equal(t, m.ID, acks[0]["message_id"])
	require.Len(t, aConn.events(t, EventDeliveryStatus), 1)
	require.Empty(t, aConn.events(t, EventNewMessage))
}

func TestSend_OneDeadConnectionStillDelivers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.users(t, "a", "b", "c")
	conv := h.group(t, "a", "b", "c")

	dead := h.connect("b", "b1")
	dead.failAfter = 0
	live := h.connect("b", "b2")
	cDead := h.connect("c", "c1")
	cDead.failAfter = 0

	m := h.send(t, "a", conv, "hi")
	require.Len(t, live.events(t, EventNewMessage), 1)

	ds, err := h.st.GetDeliveryStatus(ctx, m.ID, "b")
	require.NoError(t, err)
	require.Equal(t, models.DeliveryDelivered, ds.State)

	// every push to c failed, so c stays queued
	ds, err = h.st.GetDeliveryStatus(ctx, m.ID, "c")
	require.NoError(t, err)
	require.Equal(t, models.DeliveryQueued, ds.State)
}

func TestSend_NonParticipantRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.users(t, "a", "b", "c")
	conv := h.direct(t, "a", "b")
	bConn := h.connect("b", "b1")

	_, err := h.core.Messages.Send(ctx, "c", SendInput{ConversationID: conv, Content: "let me in"})
	require.ErrorIs(t, err, ErrNotParticipant)
	require.Equal(t, CodeNotParticipant, CodeOf(err))

	msgs, err := h.st.ListMessages(ctx, conv, 10, "")
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.Zero(t, bConn.count())
}

func TestSend_AfterLeaveNothingReachesLeaver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.users(t, "a", "b")
	conv := h.group(t, "a", "b")
	aConn := h.connect("a", "a1")
	require.NoError(t, h.core.Conversations.Join(ctx, "a", conv, aConn))

	require.NoError(t, h.core.Conversations.Leave(ctx, "a", conv))
	require.Empty(t, h.reg.Subscribers(conv))

	m := h.send(t, "b", conv, "anyone?")
	require.Zero(t, aConn.count())
	_, err := h.st.GetDeliveryStatus(ctx, m.ID, "a")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.core.Messages.Send(ctx, "a", SendInput{ConversationID: conv, Content: "back"})
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestSend_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.users(t, "a", "b")
	conv := h.direct(t, "a", "b")

	tests := []struct {
		name string
		in   SendInput
		code string
	}{
		{"empty content", SendInput{ConversationID: conv, Content: ""}, CodeValidation},
		{"whitespace content", SendInput{ConversationID: conv, Content: "   "}, CodeValidation},
		{"too long", SendInput{ConversationID: conv, Content: string(make([]rune, 51))}, CodeValidation},
		{"missing conversation id", SendInput{Content: "x"}, CodeValidation},
		{"malformed conversation id", SendInput{ConversationID: "nope", Content: "x"}, CodeValidation},
		{"unknown conversation", SendInput{ConversationID: uuid.NewString(), Content: "x"}, CodeNotFound},
		{"system type", SendInput{ConversationID: conv, Content: "x", ContentType: models.ContentSystem}, CodeValidation},
		{"unknown type", SendInput{ConversationID: conv, Content: "x", ContentType: "video"}, CodeValidation},
		{"file without meta", SendInput{ConversationID: conv, ContentType: models.ContentFile}, CodeValidation},
		{"malformed reply", SendInput{ConversationID: conv, Content: "x", ReplyToID: "bad"}, CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.core.Messages.Send(ctx, "a", tt.in)
			if got := CodeOf(err); got != tt.code {
				t.Errorf("Send() code = %v, want %v (err %v)", got, tt.code, err)
			}
		})
	}

	msgs, err := h.st.ListMessages(ctx, conv, 10, "")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestSend_FileAndReply(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.users(t, "a", "b")
	conv := h.direct(t, "a", "b")
	other := h.group(t, "a", "b")
	bConn := h.connect("b", "b1")

	file, err := h.core.Messages.Send(ctx, "a", SendInput{
		ConversationID: conv, ContentType: models.ContentFile,
		File: &models.FileMeta{Name: "a.png", URL: "https://files/a.png", MIME: "image/png", Size: 42},
	})
	require.NoError(t, err)
	require.NotNil(t, file.File)
	require.Equal(t, "a.png", file.File.Name)

	pushed := bConn.events(t, EventNewMessage)
	require.Len(t, pushed, 1)
	require.Equal(t, "https://files/a.png", pushed[0]["message"].(map[string]any)["file"].(map[string]any)["url"])

	reply, err := h.core.Messages.Send(ctx, "b", SendInput{ConversationID: conv, Content: "nice", ReplyToID: file.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyToID)
	require.Equal(t, file.ID, *reply.ReplyToID)

	_, err = h.core.Messages.Send(ctx, "b", SendInput{ConversationID: other, Content: "x", ReplyToID: file.ID})
	require.ErrorIs(t, err, ErrValidation)

	_, err = h.core.Messages.Send(ctx, "b", SendInput{ConversationID: conv, Content: "x", ReplyToID: "9m4e2mr0ui3e8a215n4g"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSweep_OldestFirstAndResumable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.users(t, "a", "b", "c")
	c1 := h.direct(t, "a", "b")
	c2 := h.direct(t, "c", "b")

	var want []string
	want = append(want, h.send(t, "a", c1, "1").ID)
	want = append(want, h.send(t, "c", c2, "2").ID)
	want = append(want, h.send(t, "a", c1, "3").ID)

	flaky := h.connect("b", "b1")
	flaky.failAfter = 1
	n, err := h.core.Router.Sweep(ctx, "b", flaky)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ds, err := h.st.GetDeliveryStatus(ctx, want[1], "b")
	require.NoError(t, err)
	require.Equal(t, models.DeliveryQueued, ds.State)
	h.reg.Unregister("b", flaky)

	fresh := h.connect("b", "b2")
	n, err = h.core.Router.Sweep(ctx, "b", fresh)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	var got []string
	for _, e := range flaky.events(t, EventNewMessage) {
		got = append(got, e["message"].(map[string]any)["id"].(string))
	}
	for _, e := range fresh.events(t, EventNewMessage) {
		got = append(got, e["message"].(map[string]any)["id"].(string))
	}
	require.Equal(t, want, got)
}

func TestSweep_WaitsForWriterAndHonoursContext(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.users(t, "a", "b")
	conv := h.direct(t, "a", "b")
	for i := 0; i < 3; i++ {
		h.send(t, "a", conv, "queued")
	}

	bConn := h.connect("b", "b1")
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	n, err := h.core.Router.Sweep(cancelled, "b", bConn)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, bConn.count())

	n, err = h.core.Router.Sweep(ctx, "b", bConn)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 3, bConn.waits())

	// live fan-out never waits on a slow reader
	h.send(t, "a", conv, "live")
	require.Equal(t, 3, bConn.waits())
	require.Len(t, bConn.events(t, EventNewMessage), 4)
}

func TestSweep_SkipsDeletedMessages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.users(t, "a", "b")
	conv := h.direct(t, "a", "b")
	m := h.send(t, "a", conv, "oops")
	require.NoError(t, h.core.Messages.Delete(ctx, "a", m.ID))

	bConn := h.connect("b", "b1")
	n, err := h.core.Router.Sweep(ctx, "b", bConn)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, bConn.count())
}

// stubRegistry hands out a fixed connection set, independent of any
// network transport.
type stubRegistry struct {
	conns map[string][]realtime.Conn
}

func (r *stubRegistry) ConnectionsOf(userID string) []realtime.Conn { return r.conns[userID] }

func (r *stubRegistry) Subscribers(string) []realtime.Conn { return nil }

func (r *stubRegistry) Subscribe(string, realtime.Conn) {}

func (r *stubRegistry) Unsubscribe(string, realtime.Conn) {}

func (r *stubRegistry) UnsubscribeUser(string, string) {}

func TestRouter_WithInjectedRegistry(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	for _, id := range []string{"a", "b"} {
		_, err := st.UpsertUser(ctx, id, id)
		require.NoError(t, err)
	}
	conv, _, err := st.CreateDirectConversation(ctx, "a", "b")
	require.NoError(t, err)

	bConn := newConn("b1", "b")
	router := NewRouter(st, &stubRegistry{conns: map[string][]realtime.Conn{"b": {bConn}}})
	msg := models.Message{ConversationID: conv.ID, SenderID: "a", Content: "x", ContentType: models.ContentText}
	rec, err := st.CreateMessage(ctx, &msg)
	require.NoError(t, err)

	dto := router.Route(ctx, msg, rec, "")
	require.Equal(t, msg.ID, dto.ID)
	require.Equal(t, "a", dto.Sender.DisplayName)
	require.Len(t, bConn.events(t, EventNewMessage), 1)
}
