package roomsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmee/chat-client/internal/conn"
	"github.com/chatmee/chat-client/internal/protocol"
)

// newestFirstPage builds a full history page with ids m<n>..m1, the order
// the history API serves.
func newestFirstPage(n int) []protocol.Message {
	page := make([]protocol.Message, 0, n)
	for i := n; i >= 1; i-- {
		page = append(page, protocol.Message{
			ID:       fmt.Sprintf("m%d", i),
			RoomID:   "room-1",
			SenderID: "u2",
			Content:  fmt.Sprintf("msg %d", i),
			Type:     protocol.MessageTypeText,
		})
	}
	return page
}

func waitLoaded(t *testing.T, h *harness, roomID string) RoomState {
	t.Helper()
	require.Eventually(t, func() bool {
		st := h.sync.Snapshot(roomID)
		return !st.Loading
	}, time.Second, 2*time.Millisecond)
	return h.sync.Snapshot(roomID)
}

func TestOpenRoomLoadsHistoryChronologically(t *testing.T) {
	h := newHarness(t)
	h.fetcher.pages["room-1"] = newestFirstPage(PageSize)

	h.sync.OpenRoom(context.Background(), "room-1")
	st := waitLoaded(t, h, "room-1")

	require.Len(t, st.Messages, PageSize)
	assert.Equal(t, "m1", st.Messages[0].ID, "oldest first")
	assert.Equal(t, "m50", st.Messages[PageSize-1].ID)
	assert.True(t, st.HasMore, "full page implies more history")
	assert.Empty(t, st.Error)
	assert.True(t, h.cache.Has("room-1"), "load populates the session cache")
}

func TestPartialPageMeansNoMoreHistory(t *testing.T) {
	h := newHarness(t)
	h.fetcher.pages["room-1"] = newestFirstPage(7)

	h.sync.OpenRoom(context.Background(), "room-1")
	st := waitLoaded(t, h, "room-1")

	assert.Len(t, st.Messages, 7)
	assert.False(t, st.HasMore)
}

func TestReopenHitsCacheWithoutFetch(t *testing.T) {
	h := newHarness(t)
	h.fetcher.pages["room-1"] = newestFirstPage(3)

	h.sync.OpenRoom(context.Background(), "room-1")
	waitLoaded(t, h, "room-1")
	require.Equal(t, 1, h.fetcher.Calls())
	joins := len(h.transport.PublishedTo(protocol.DestJoinRoom))
	require.Equal(t, 1, joins, "first-time entry announces a join")

	h.sync.CloseRoom("room-1")
	h.sync.OpenRoom(context.Background(), "room-1")

	st := h.sync.Snapshot("room-1")
	assert.False(t, st.Loading, "cache hydration is synchronous")
	assert.Len(t, st.Messages, 3)
	assert.Equal(t, 1, h.fetcher.Calls(), "reopen must not refetch")
	assert.Len(t, h.transport.PublishedTo(protocol.DestJoinRoom), joins,
		"reopen must not re-announce the join")
}

func TestOpenRoomSubscribesTopics(t *testing.T) {
	h := newHarness(t)
	h.sync.OpenRoom(context.Background(), "room-1")

	assert.True(t, h.transport.HasSub(protocol.RoomTopic("room-1")))
	assert.True(t, h.transport.HasSub(protocol.TypingTopic("room-1")))
	assert.True(t, h.transport.HasSub(protocol.TopicErrors))

	h.sync.CloseRoom("room-1")
	assert.False(t, h.transport.HasSub(protocol.RoomTopic("room-1")))
	assert.False(t, h.transport.HasSub(protocol.TypingTopic("room-1")))
}

func TestSendMessageAppendsOptimisticEntry(t *testing.T) {
	h := newHarness(t)
	h.sync.OpenRoom(context.Background(), "room-1")
	waitLoaded(t, h, "room-1")

	h.sync.SendMessage("room-1", "  hi  ")

	st := h.sync.Snapshot("room-1")
	require.Len(t, st.Messages, 1)
	m := st.Messages[0]
	assert.Equal(t, "hi", m.Content, "content is trimmed")
	assert.Equal(t, StatusSending, m.Status)
	assert.True(t, m.IsOptimistic)
	assert.True(t, m.IsOwn)
	assert.NotEmpty(t, m.TempID)
	assert.True(t, st.Sending)

	sends := h.transport.PublishedTo(protocol.DestSendMessage)
	require.Len(t, sends, 1)
	req := sends[0].Payload.(protocol.ChatMessageRequest)
	assert.Equal(t, m.TempID, req.TempID)
	assert.Equal(t, "hi", req.Content)
	assert.Equal(t, "u1", req.SenderID)
	assert.Equal(t, "Alice", req.SenderName)
}

func TestSendMessageRejections(t *testing.T) {
	h := newHarness(t)
	h.sync.OpenRoom(context.Background(), "room-1")
	waitLoaded(t, h, "room-1")

	h.sync.SendMessage("room-1", "   ")
	assert.Empty(t, h.sync.Snapshot("room-1").Messages, "blank content is a no-op")

	h.manager.Disconnect()
	h.sync.SendMessage("room-1", "hello")
	assert.Empty(t, h.sync.Snapshot("room-1").Messages, "disconnected send is a no-op")
	assert.Empty(t, h.transport.PublishedTo(protocol.DestSendMessage))
}

func confirmBody(t *testing.T, id, tempID, content string) string {
	t.Helper()
	b, err := json.Marshal(protocol.Message{
		ID:       id,
		TempID:   tempID,
		RoomID:   "room-1",
		SenderID: "u1",
		Content:  content,
		Type:     protocol.MessageTypeText,
	})
	require.NoError(t, err)
	return string(b)
}

func TestConfirmationResolvesInPlace(t *testing.T) {
	h := newHarness(t)
	h.fetcher.pages["room-1"] = newestFirstPage(2)
	h.sync.OpenRoom(context.Background(), "room-1")
	waitLoaded(t, h, "room-1")

	h.sync.SendMessage("room-1", "hi")
	tempID := h.sync.Snapshot("room-1").Messages[2].TempID

	h.deliver(t, protocol.RoomTopic("room-1"), confirmBody(t, "s9", tempID, "hi"))

	st := h.sync.Snapshot("room-1")
	require.Len(t, st.Messages, 3, "confirmation must not add an entry")
	m := st.Messages[2]
	assert.Equal(t, "s9", m.ID, "entry carries the durable id now")
	assert.Equal(t, StatusSent, m.Status)
	assert.False(t, m.IsOptimistic)
	assert.True(t, m.IsOwn)
	assert.False(t, st.Sending)

	// The room echo of the same message is a duplicate by id.
	h.deliver(t, protocol.RoomTopic("room-1"), confirmBody(t, "s9", tempID, "hi"))
	assert.Len(t, h.sync.Snapshot("room-1").Messages, 3)
}

func TestErrorFrameMarksEntryFailed(t *testing.T) {
	h := newHarness(t)
	h.sync.OpenRoom(context.Background(), "room-1")
	waitLoaded(t, h, "room-1")

	h.sync.SendMessage("room-1", "hi")
	tempID := h.sync.Snapshot("room-1").Messages[0].TempID

	h.deliver(t, protocol.TopicErrors,
		fmt.Sprintf(`{"tempId":%q,"message":"room is read-only"}`, tempID))

	st := h.sync.Snapshot("room-1")
	require.Len(t, st.Messages, 1, "failed entry is retained")
	m := st.Messages[0]
	assert.Equal(t, StatusFailed, m.Status)
	assert.False(t, m.IsOptimistic)
	assert.Equal(t, "room is read-only", m.ErrorMessage)
	assert.False(t, st.Sending)
}

func TestInboundDuplicatesByIDDropped(t *testing.T) {
	h := newHarness(t)
	h.sync.OpenRoom(context.Background(), "room-1")
	waitLoaded(t, h, "room-1")

	frame := `{"id":"m9","chatRoomId":"room-1","senderId":"u2","senderName":"Bob","content":"yo","type":"TEXT"}`
	h.deliver(t, protocol.RoomTopic("room-1"), frame)
	h.deliver(t, protocol.RoomTopic("room-1"), frame)

	st := h.sync.Snapshot("room-1")
	require.Len(t, st.Messages, 1)
	assert.False(t, st.Messages[0].IsOwn)
	assert.Equal(t, StatusSent, st.Messages[0].Status)
}

func TestMalformedRoomFrameIgnored(t *testing.T) {
	h := newHarness(t)
	h.sync.OpenRoom(context.Background(), "room-1")
	waitLoaded(t, h, "room-1")

	assert.NotPanics(t, func() {
		h.deliver(t, protocol.RoomTopic("room-1"), `{"id":`)
	})
	assert.Empty(t, h.sync.Snapshot("room-1").Messages)
}

func TestHistoryLoadError(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = errors.New("boom")

	h.sync.OpenRoom(context.Background(), "room-1")
	st := waitLoaded(t, h, "room-1")

	assert.NotEmpty(t, st.Error)
	assert.Empty(t, st.Messages)
	assert.False(t, st.HasMore)
	assert.False(t, h.cache.Has("room-1"), "failed loads are not cached")

	// Re-opening retries the fetch.
	h.fetcher.mu.Lock()
	h.fetcher.err = nil
	h.fetcher.pages["room-1"] = newestFirstPage(1)
	h.fetcher.mu.Unlock()

	h.sync.CloseRoom("room-1")
	h.sync.OpenRoom(context.Background(), "room-1")
	st = waitLoaded(t, h, "room-1")
	assert.Empty(t, st.Error)
	assert.Len(t, st.Messages, 1)
}

func TestCloseRoomInvalidatesInFlightLoad(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.fetcher.gate = gate
	h.fetcher.pages["room-1"] = newestFirstPage(5)

	h.sync.OpenRoom(context.Background(), "room-1")
	require.True(t, h.sync.Snapshot("room-1").Loading)

	h.sync.CloseRoom("room-1")
	close(gate)

	// The late result must be discarded, not applied to the closed room.
	time.Sleep(20 * time.Millisecond)
	st := h.sync.Snapshot("room-1")
	assert.Empty(t, st.Messages)
	assert.False(t, h.cache.Has("room-1"))
}

func TestLiveFramesLandInSessionCache(t *testing.T) {
	h := newHarness(t)
	h.fetcher.pages["room-1"] = newestFirstPage(1)
	h.sync.OpenRoom(context.Background(), "room-1")
	waitLoaded(t, h, "room-1")

	h.deliver(t, protocol.RoomTopic("room-1"),
		`{"id":"m9","chatRoomId":"room-1","senderId":"u2","content":"yo","type":"TEXT"}`)

	entry, ok := h.cache.Get("room-1")
	require.True(t, ok)
	assert.Len(t, entry.Messages, 2)
	assert.Equal(t, "m9", entry.Messages[1].ID)
}

func TestReconnectResubscribesOpenRooms(t *testing.T) {
	h := newHarness(t)
	h.fetcher.pages["room-1"] = newestFirstPage(1)
	h.sync.OpenRoom(context.Background(), "room-1")
	waitLoaded(t, h, "room-1")

	h.manager.Disconnect()
	assert.False(t, h.transport.HasSub(protocol.RoomTopic("room-1")))

	h.manager.HandleAuthEvent(context.Background(), conn.AuthEvent{
		LoggedIn: true,
		User:     conn.Identity{ID: "u1", Name: "Alice"},
	})
	h.sync.HandleConnectionState(h.manager.Status())

	assert.True(t, h.transport.HasSub(protocol.RoomTopic("room-1")))
	assert.True(t, h.transport.HasSub(protocol.TypingTopic("room-1")))
}

func TestTwoOutstandingSendsResolveIndependently(t *testing.T) {
	h := newHarness(t)
	h.sync.OpenRoom(context.Background(), "room-1")
	waitLoaded(t, h, "room-1")

	h.sync.SendMessage("room-1", "first")
	h.sync.SendMessage("room-1", "second")

	st := h.sync.Snapshot("room-1")
	require.Len(t, st.Messages, 2)
	t1 := st.Messages[0].TempID
	t2 := st.Messages[1].TempID
	require.NotEqual(t, t1, t2)

	// Confirm the second before the first; positions must hold.
	h.deliver(t, protocol.RoomTopic("room-1"), confirmBody(t, "s2", t2, "second"))

	st = h.sync.Snapshot("room-1")
	assert.True(t, st.Messages[0].IsOptimistic)
	assert.Equal(t, "s2", st.Messages[1].ID)
	assert.True(t, st.Sending, "first send still outstanding")

	h.deliver(t, protocol.RoomTopic("room-1"), confirmBody(t, "s1", t1, "first"))
	st = h.sync.Snapshot("room-1")
	assert.Equal(t, "s1", st.Messages[0].ID)
	assert.False(t, st.Sending)
}
