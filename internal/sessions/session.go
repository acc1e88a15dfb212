// Package sessions owns the per-participant session state machine, the
// realtime relay protocol on top of the room pub/sub channel, and the
// websocket gateway clients attach through.
package sessions

import (
	"errors"
	"strings"
	"sync"
	"time"

	"strangerchat-backend/internal/moderation"
	"strangerchat-backend/internal/ratelimit"

	"github.com/google/uuid"
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusSearching    Status = "searching"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

type SenderLabel string

const (
	SenderSelf    SenderLabel = "self"
	SenderPartner SenderLabel = "partner"
)

type MessageStatus string

const (
	MessageSending MessageStatus = "sending"
	MessageSent    MessageStatus = "sent"
	MessageRead    MessageStatus = "read"
)

// ReplyRef quotes an earlier message. Sender is always expressed from the
// holder's point of view; the relay flips it when an event crosses sides.
type ReplyRef struct {
	MessageID string      `json:"message_id"`
	Text      string      `json:"text"`
	Sender    SenderLabel `json:"sender"`
}

// Message lives only in the session buffer; nothing persists it. Status is
// meaningful for own messages only and tracks delivery acknowledgment.
type Message struct {
	ID        string        `json:"id"`
	Text      string        `json:"text"`
	Sender    SenderLabel   `json:"sender"`
	Timestamp time.Time     `json:"timestamp"`
	Status    MessageStatus `json:"status,omitempty"`
	ReplyTo   *ReplyRef     `json:"reply_to,omitempty"`
}

const maxInterests = 5

// Policy rejections, returned to the caller as structured results rather
// than failures.
var (
	ErrCooldownActive = errors.New("skip cooldown active")
	ErrNotIdle        = errors.New("a session is already in progress")
	ErrNotConnected   = errors.New("not connected to a partner")
	ErrEmptyMessage   = errors.New("message text is empty")
	ErrBlockedMessage = errors.New("message text is not allowed")
	ErrNoPartner      = errors.New("no current or recent partner to report")
	ErrUnknownMessage = errors.New("unknown message id")
	ErrTooManyTags    = errors.New("at most 5 interests are allowed")
)

// Session is one participant's state machine:
// idle → searching → connected → {disconnected, idle}. All mutation goes
// through guarded transitions so duplicate or stale triggers degrade to
// no-ops instead of corrupting state.
type Session struct {
	mu sync.Mutex

	participantID string
	status        Status
	roomID        string
	partnerID     string
	interests     []string
	messages      []Message
	partnerTyping bool
	replyingTo    *ReplyRef
	limiter       *ratelimit.SkipLimiter

	// retained after the room ends so a report can still name the partner
	lastPartnerID string
	lastRoomID    string
}

func NewSession(participantID string, limiter *ratelimit.SkipLimiter) *Session {
	return &Session{
		participantID: participantID,
		status:        StatusIdle,
		limiter:       limiter,
	}
}

func (s *Session) ParticipantID() string { return s.participantID }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) PartnerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partnerID
}

func (s *Session) PartnerTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partnerTyping
}

func (s *Session) Interests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.interests...)
}

func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

func (s *Session) SkipCooldownUntil() time.Time {
	return s.limiter.CooldownUntil()
}

// ReportTarget returns the current partner, falling back to the most
// recent one after a room has ended.
func (s *Session) ReportTarget() (partnerID, roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partnerID != "" {
		return s.partnerID, s.roomID
	}
	return s.lastPartnerID, s.lastRoomID
}

func (s *Session) SetInterests(tags []string) error {
	cleaned := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			cleaned = append(cleaned, tag)
		}
	}
	if len(cleaned) > maxInterests {
		return ErrTooManyTags
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.interests = cleaned
	return nil
}

// BeginSearch moves idle → searching, clearing the previous conversation.
// Rejected while under skip cooldown or while a session is in progress.
func (s *Session) BeginSearch() error {
	if s.limiter.CooldownActive() {
		return ErrCooldownActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusIdle {
		return ErrNotIdle
	}

	s.status = StatusSearching
	s.messages = nil
	s.partnerID = ""
	s.roomID = ""
	s.partnerTyping = false
	s.replyingTo = nil
	return nil
}

// ApplyMatch is the single guarded transition both notification paths feed
// into: it moves searching → connected and reports whether the match was
// taken. A match arriving after the participant left searching, or naming
// the participant itself as partner, is discarded.
func (s *Session) ApplyMatch(roomID, partnerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusSearching {
		return false
	}
	if partnerID == s.participantID || partnerID == "" || roomID == "" {
		return false
	}

	s.status = StatusConnected
	s.roomID = roomID
	s.partnerID = partnerID
	s.lastRoomID = roomID
	s.lastPartnerID = partnerID
	return true
}

// CancelSearch moves searching → idle. Reports whether a search was
// actually cancelled; from any other state it is a no-op.
func (s *Session) CancelSearch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusSearching {
		return false
	}
	s.status = StatusIdle
	return true
}

// LocalLeave is the participant voluntarily ending a connected or
// disconnected session. It is the only transition that counts a skip.
// Returns the room that was left; counted is false when there was nothing
// to leave, which makes a second disconnect a no-op.
func (s *Session) LocalLeave() (roomID string, counted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusConnected && s.status != StatusDisconnected {
		return "", false
	}

	roomID = s.roomID
	s.status = StatusIdle
	s.roomID = ""
	s.partnerID = ""
	s.partnerTyping = false
	s.replyingTo = nil
	s.limiter.RecordSkip()
	return roomID, true
}

// SetReplyingTo stages a quote of an existing buffered message for the next
// outgoing message. An empty id clears the draft.
func (s *Session) SetReplyingTo(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if messageID == "" {
		s.replyingTo = nil
		return nil
	}
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.replyingTo = &ReplyRef{
				MessageID: s.messages[i].ID,
				Text:      s.messages[i].Text,
				Sender:    s.messages[i].Sender,
			}
			return nil
		}
	}
	return ErrUnknownMessage
}

// ComposeMessage validates and buffers an outgoing message, consuming any
// staged reply draft, and returns the relay event to broadcast. The
// returned message is a copy in status "sending" until MarkMessageSent.
func (s *Session) ComposeMessage(text string) (*Message, *RoomEvent, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, nil, ErrEmptyMessage
	}
	if moderation.Blocked(trimmed) {
		return nil, nil, ErrBlockedMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusConnected {
		return nil, nil, ErrNotConnected
	}

	msg := Message{
		ID:        uuid.NewString(),
		Text:      trimmed,
		Sender:    SenderSelf,
		Timestamp: time.Now().UTC(),
		Status:    MessageSending,
		ReplyTo:   s.replyingTo,
	}
	s.messages = append(s.messages, msg)
	s.replyingTo = nil

	ev := &RoomEvent{
		Type:      EventMessage,
		RoomID:    s.roomID,
		SenderID:  s.participantID,
		MessageID: msg.ID,
		Text:      msg.Text,
		ReplyTo:   msg.ReplyTo,
		Timestamp: msg.Timestamp,
	}
	return &msg, ev, nil
}

// MarkMessageSent acknowledges broadcast delivery of an own message.
func (s *Session) MarkMessageSent(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == messageID && s.messages[i].Status == MessageSending {
			s.messages[i].Status = MessageSent
			return
		}
	}
}

// ComposeTyping returns a typing event for the current room, or nil when
// not connected.
func (s *Session) ComposeTyping(isTyping bool) *RoomEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusConnected {
		return nil
	}
	return &RoomEvent{
		Type:      EventTyping,
		RoomID:    s.roomID,
		SenderID:  s.participantID,
		IsTyping:  isTyping,
		Timestamp: time.Now().UTC(),
	}
}

// ComposeReadReceipt returns a read receipt event for the current room, or
// nil when not connected. Receipts are coarse: the partner marks everything
// it has sent so far as read.
func (s *Session) ComposeReadReceipt(messageID string) *RoomEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusConnected {
		return nil
	}
	return &RoomEvent{
		Type:      EventReadReceipt,
		RoomID:    s.roomID,
		SenderID:  s.participantID,
		MessageID: messageID,
		Timestamp: time.Now().UTC(),
	}
}

// StateSnapshot is the observable session state handed to the client.
type StateSnapshot struct {
	ParticipantID     string     `json:"participant_id"`
	Status            Status     `json:"status"`
	RoomID            string     `json:"room_id,omitempty"`
	PartnerID         string     `json:"partner_id,omitempty"`
	Interests         []string   `json:"interests,omitempty"`
	Messages          []Message  `json:"messages"`
	PartnerTyping     bool       `json:"partner_typing"`
	SkipCooldownUntil *time.Time `json:"skip_cooldown_until,omitempty"`
}

func (s *Session) Snapshot() *StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &StateSnapshot{
		ParticipantID: s.participantID,
		Status:        s.status,
		RoomID:        s.roomID,
		PartnerID:     s.partnerID,
		Interests:     append([]string(nil), s.interests...),
		Messages:      append([]Message{}, s.messages...),
		PartnerTyping: s.partnerTyping,
	}
	if until := s.limiter.CooldownUntil(); !until.IsZero() {
		snap.SkipCooldownUntil = &until
	}
	return snap
}
