package storage

import (
	"time"

	"github.com/google/uuid"
)

// WaitingEntry is one participant waiting to be paired. At most one live
// entry exists per participant; it disappears the moment another matcher
// claims it, the owner cancels, or the housekeeping sweep evicts it.
type WaitingEntry struct {
	ID            uuid.UUID `json:"id"`
	ParticipantID string    `json:"participant_id"`
	NotifyChannel string    `json:"notify_channel"`
	Interests     []string  `json:"interests,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// QueueCandidate pairs a decoded waiting entry with the exact serialized
// member backing it in Redis. The claim removes that exact member, so the
// raw form has to travel with the entry.
type QueueCandidate struct {
	Entry  WaitingEntry
	Member string
}

// Room is a confirmed pairing. ParticipantA is the side that completed the
// claim; ParticipantB discovers the room through a push event or by polling.
type Room struct {
	ID           uuid.UUID  `json:"id"`
	ParticipantA string     `json:"participant_a"`
	ParticipantB string     `json:"participant_b"`
	CreatedAt    time.Time  `json:"created_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// OtherParticipant returns the partner of the given participant, or "" if
// the participant is not a side of this room.
func (r *Room) OtherParticipant(participantID string) string {
	switch participantID {
	case r.ParticipantA:
		return r.ParticipantB
	case r.ParticipantB:
		return r.ParticipantA
	}
	return ""
}

// Report is a user-filed abuse report against a chat partner.
type Report struct {
	ID         uuid.UUID  `json:"id"`
	ReporterID string     `json:"reporter_id"`
	TargetID   string     `json:"target_id"`
	RoomID     *uuid.UUID `json:"room_id,omitempty"`
	Reason     string     `json:"reason"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Report statuses
const (
	ReportNew      = "new"
	ReportReviewed = "reviewed"
)

// Match event types delivered on a participant's notify channel.
const (
	MatchFound   = "match_found"
	QueueTimeout = "queue_timeout"
)

// MatchEvent is the payload pushed on a participant's notify channel when a
// matcher claims their waiting entry, or when their wait times out.
type MatchEvent struct {
	Type      string    `json:"type"`
	RoomID    string    `json:"room_id,omitempty"`
	PartnerID string    `json:"partner_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
