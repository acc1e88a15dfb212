package sessions

import (
	"testing"
	"time"

	"strangerchat-backend/internal/ratelimit"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(id string) (*Session, *clock.Mock) {
	mock := clock.NewMock()
	limiter := ratelimit.NewSkipLimiter(10, 30*time.Second, 60*time.Second, mock)
	return NewSession(id, limiter), mock
}

func connect(t *testing.T, s *Session, roomID, partnerID string) {
	t.Helper()
	require.NoError(t, s.BeginSearch())
	require.True(t, s.ApplyMatch(roomID, partnerID))
}

func TestSession_SearchLifecycle(t *testing.T) {
	s, _ := newTestSession("alice")
	assert.Equal(t, StatusIdle, s.Status())

	require.NoError(t, s.BeginSearch())
	assert.Equal(t, StatusSearching, s.Status())

	assert.True(t, s.ApplyMatch("room-1", "bob"))
	assert.Equal(t, StatusConnected, s.Status())
	assert.Equal(t, "room-1", s.RoomID())
	assert.Equal(t, "bob", s.PartnerID())
}

func TestSession_BeginSearchRejectedWhileConnected(t *testing.T) {
	s, _ := newTestSession("alice")
	connect(t, s, "room-1", "bob")

	assert.ErrorIs(t, s.BeginSearch(), ErrNotIdle)
}

func TestSession_BeginSearchClearsPreviousConversation(t *testing.T) {
	s, _ := newTestSession("alice")
	connect(t, s, "room-1", "bob")

	_, _, err := s.ComposeMessage("hello bob")
	require.NoError(t, err)
	require.Len(t, s.Messages(), 1)

	s.LocalLeave()
	require.NoError(t, s.BeginSearch())

	assert.Empty(t, s.Messages())
	assert.Empty(t, s.PartnerID())
	assert.Empty(t, s.RoomID())
}

func TestSession_StaleMatchDiscarded(t *testing.T) {
	s, _ := newTestSession("alice")

	// Not searching: a late match notification must not connect anything.
	assert.False(t, s.ApplyMatch("room-1", "bob"))
	assert.Equal(t, StatusIdle, s.Status())

	connect(t, s, "room-1", "bob")

	// Already connected: a second match is likewise dropped.
	assert.False(t, s.ApplyMatch("room-2", "carol"))
	assert.Equal(t, "room-1", s.RoomID())
	assert.Equal(t, "bob", s.PartnerID())
}

func TestSession_SelfMatchDiscarded(t *testing.T) {
	s, _ := newTestSession("alice")
	require.NoError(t, s.BeginSearch())

	assert.False(t, s.ApplyMatch("room-1", "alice"))
	assert.False(t, s.ApplyMatch("room-1", ""))
	assert.False(t, s.ApplyMatch("", "bob"))
	assert.Equal(t, StatusSearching, s.Status())
}

func TestSession_LocalLeaveCountsOneSkip(t *testing.T) {
	s, _ := newTestSession("alice")
	connect(t, s, "room-1", "bob")

	roomID, counted := s.LocalLeave()
	assert.Equal(t, "room-1", roomID)
	assert.True(t, counted)
	assert.Equal(t, StatusIdle, s.Status())

	// Leaving again has nothing to leave and must not count another skip.
	_, counted = s.LocalLeave()
	assert.False(t, counted)
}

func TestSession_LeaveAfterPartnerDisconnectStillCounts(t *testing.T) {
	s, _ := newTestSession("alice")
	connect(t, s, "room-1", "bob")

	ev := s.HandleRoomEvent(&RoomEvent{Type: EventDisconnect, RoomID: "room-1", SenderID: "bob"})
	require.NotNil(t, ev)
	assert.Equal(t, StatusDisconnected, s.Status())

	_, counted := s.LocalLeave()
	assert.True(t, counted)
}

func TestSession_CooldownBlocksSearch(t *testing.T) {
	s, mock := newTestSession("alice")

	for i := 0; i < 10; i++ {
		connect(t, s, "room-1", "bob")
		_, counted := s.LocalLeave()
		require.True(t, counted)
	}

	assert.ErrorIs(t, s.BeginSearch(), ErrCooldownActive)

	mock.Add(31 * time.Second)
	assert.NoError(t, s.BeginSearch())
}

func TestSession_ComposeMessageValidation(t *testing.T) {
	s, _ := newTestSession("alice")

	_, _, err := s.ComposeMessage("hi")
	assert.ErrorIs(t, err, ErrNotConnected)

	connect(t, s, "room-1", "bob")

	_, _, err = s.ComposeMessage("   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, _, err = s.ComposeMessage("dm me for free crypto")
	assert.ErrorIs(t, err, ErrBlockedMessage)

	msg, ev, err := s.ComposeMessage("  hello there  ")
	require.NoError(t, err)
	assert.Equal(t, "hello there", msg.Text)
	assert.Equal(t, SenderSelf, msg.Sender)
	assert.Equal(t, MessageSending, msg.Status)
	assert.Equal(t, "room-1", ev.RoomID)
	assert.Equal(t, "alice", ev.SenderID)
}

func TestSession_MarkMessageSent(t *testing.T) {
	s, _ := newTestSession("alice")
	connect(t, s, "room-1", "bob")

	msg, _, err := s.ComposeMessage("hello")
	require.NoError(t, err)

	s.MarkMessageSent(msg.ID)
	assert.Equal(t, MessageSent, s.Messages()[0].Status)

	// Unknown ids and repeated acks change nothing.
	s.MarkMessageSent("nope")
	s.MarkMessageSent(msg.ID)
	assert.Equal(t, MessageSent, s.Messages()[0].Status)
}

func TestSession_ReplyDraftConsumedBySend(t *testing.T) {
	s, _ := newTestSession("alice")
	connect(t, s, "room-1", "bob")

	first, _, err := s.ComposeMessage("original")
	require.NoError(t, err)

	require.NoError(t, s.SetReplyingTo(first.ID))

	reply, _, err := s.ComposeMessage("replying")
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, first.ID, reply.ReplyTo.MessageID)
	assert.Equal(t, SenderSelf, reply.ReplyTo.Sender)

	// The draft was consumed; the next message carries no quote.
	next, _, err := s.ComposeMessage("plain again")
	require.NoError(t, err)
	assert.Nil(t, next.ReplyTo)
}

func TestSession_SetReplyingToUnknownMessage(t *testing.T) {
	s, _ := newTestSession("alice")
	connect(t, s, "room-1", "bob")

	assert.ErrorIs(t, s.SetReplyingTo("missing"), ErrUnknownMessage)
	assert.NoError(t, s.SetReplyingTo(""))
}

func TestSession_ReportTargetSurvivesRoomEnd(t *testing.T) {
	s, _ := newTestSession("alice")
	connect(t, s, "room-1", "bob")

	partnerID, roomID := s.ReportTarget()
	assert.Equal(t, "bob", partnerID)
	assert.Equal(t, "room-1", roomID)

	s.LocalLeave()

	partnerID, roomID = s.ReportTarget()
	assert.Equal(t, "bob", partnerID)
	assert.Equal(t, "room-1", roomID)
}

func TestSession_SetInterests(t *testing.T) {
	s, _ := newTestSession("alice")

	require.NoError(t, s.SetInterests([]string{" chess ", "", "cooking"}))
	assert.Equal(t, []string{"chess", "cooking"}, s.Interests())

	err := s.SetInterests([]string{"a", "b", "c", "d", "e", "f"})
	assert.ErrorIs(t, err, ErrTooManyTags)
}

func TestSession_SnapshotIncludesCooldown(t *testing.T) {
	s, mock := newTestSession("alice")

	snap := s.Snapshot()
	assert.Nil(t, snap.SkipCooldownUntil)
	assert.NotNil(t, snap.Messages)

	for i := 0; i < 10; i++ {
		connect(t, s, "room-1", "bob")
		s.LocalLeave()
	}

	snap = s.Snapshot()
	require.NotNil(t, snap.SkipCooldownUntil)
	assert.Equal(t, mock.Now().Add(30*time.Second), *snap.SkipCooldownUntil)
}
