package sessions

import (
	"time"
)

// Relay event kinds carried on a room's broadcast channel.
const (
	EventMessage     = "message"
	EventTyping      = "typing"
	EventReadReceipt = "read_receipt"
	EventDisconnect  = "disconnect"
)

// RoomEvent is the wire format on a room channel. Every event names its
// sender so a side's own broadcast echo can be filtered out, and its room
// so events outliving the room are ignored. ReplyTo labels are in the
// sender's point of view; the receiving side flips them.
type RoomEvent struct {
	Type      string    `json:"type"`
	RoomID    string    `json:"room_id"`
	SenderID  string    `json:"sender_id"`
	MessageID string    `json:"message_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	IsTyping  bool      `json:"is_typing,omitempty"`
	ReplyTo   *ReplyRef `json:"reply_to,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Client-facing event kinds pushed over the websocket.
const (
	ClientState               = "state"
	ClientMatchFound          = "match_found"
	ClientQueueTimeout        = "queue_timeout"
	ClientMessage             = "message"
	ClientTyping              = "typing"
	ClientReadReceipt         = "read_receipt"
	ClientPartnerDisconnected = "partner_disconnected"
	ClientSendResult          = "send_result"
	ClientError               = "error"
)

// ClientEvent is the envelope delivered to the participant's client.
type ClientEvent struct {
	Type      string         `json:"type"`
	RoomID    string         `json:"room_id,omitempty"`
	PartnerID string         `json:"partner_id,omitempty"`
	Message   *Message       `json:"message,omitempty"`
	IsTyping  bool           `json:"is_typing,omitempty"`
	State     *StateSnapshot `json:"state,omitempty"`
	Result    *SendResult    `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SendResult is the structured outcome of sendMessage. Policy rejections
// land here, never as transport failures.
type SendResult struct {
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// HandleRoomEvent applies one relay event received on the room channel and
// returns the event to forward to this side's client, or nil when the
// event was filtered: own echo, stale room, wrong state, or a duplicate
// disconnect. Filtering is silent; none of these are errors.
func (s *Session) HandleRoomEvent(ev *RoomEvent) *ClientEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.SenderID == s.participantID {
		return nil
	}
	if ev.RoomID == "" || ev.RoomID != s.roomID {
		return nil
	}

	switch ev.Type {
	case EventMessage:
		if s.status != StatusConnected {
			return nil
		}
		msg := Message{
			ID:        ev.MessageID,
			Text:      ev.Text,
			Sender:    SenderPartner,
			Timestamp: ev.Timestamp,
			ReplyTo:   flipReply(ev.ReplyTo),
		}
		s.messages = append(s.messages, msg)
		// A message from the partner supersedes any typing indicator; a
		// stale "typing" must never survive the message it announced.
		s.partnerTyping = false
		return &ClientEvent{
			Type:      ClientMessage,
			RoomID:    ev.RoomID,
			Message:   &msg,
			Timestamp: ev.Timestamp,
		}

	case EventTyping:
		if s.status != StatusConnected {
			return nil
		}
		s.partnerTyping = ev.IsTyping
		return &ClientEvent{
			Type:      ClientTyping,
			RoomID:    ev.RoomID,
			IsTyping:  ev.IsTyping,
			Timestamp: ev.Timestamp,
		}

	case EventReadReceipt:
		if s.status != StatusConnected {
			return nil
		}
		// Receipts are cumulative: the partner has seen everything sent so
		// far, so every own in-flight message becomes read. Messages sent
		// after this receipt stay untouched until the next one.
		for i := range s.messages {
			if s.messages[i].Sender != SenderSelf {
				continue
			}
			if s.messages[i].Status == MessageSending || s.messages[i].Status == MessageSent {
				s.messages[i].Status = MessageRead
			}
		}
		return &ClientEvent{
			Type:      ClientReadReceipt,
			RoomID:    ev.RoomID,
			Timestamp: ev.Timestamp,
		}

	case EventDisconnect:
		if s.status != StatusConnected {
			return nil
		}
		s.status = StatusDisconnected
		s.partnerTyping = false
		return &ClientEvent{
			Type:      ClientPartnerDisconnected,
			RoomID:    ev.RoomID,
			Timestamp: ev.Timestamp,
		}
	}

	return nil
}

// flipReply rewrites a quoted message's sender label into the receiver's
// point of view: what the sender called "self" is the receiver's partner
// and vice versa.
func flipReply(ref *ReplyRef) *ReplyRef {
	if ref == nil {
		return nil
	}
	flipped := *ref
	if ref.Sender == SenderSelf {
		flipped.Sender = SenderPartner
	} else {
		flipped.Sender = SenderSelf
	}
	return &flipped
}
