// Package matchmaking pairs participants: it runs the claim-or-enqueue
// matching algorithm against the shared waiting queue and owns the
// background housekeeping around it.
package matchmaking

import (
	"context"
	"log"
	"time"

	"strangerchat-backend/internal/storage"

	"github.com/google/uuid"
)

// QueueStore is the slice of the queue storage the matcher needs. The
// conditional-claim contract is the only synchronization primitive in the
// whole matching path: ClaimWaitingEntry returns false when another matcher
// removed the candidate first.
type QueueStore interface {
	AddWaitingEntry(ctx context.Context, entry *storage.WaitingEntry) error
	OldestWaitingEntry(ctx context.Context, excludeParticipant string, interests []string) (*storage.QueueCandidate, error)
	ClaimWaitingEntry(ctx context.Context, cand *storage.QueueCandidate) (bool, error)
	RemoveWaitingByParticipant(ctx context.Context, participantID string) (bool, error)
}

type RoomStore interface {
	CreateRoom(ctx context.Context, room *storage.Room) error
	EndRoom(ctx context.Context, roomID uuid.UUID) (bool, error)
}

type MatchNotifier interface {
	PublishMatchEvent(ctx context.Context, notifyChannel string, ev *storage.MatchEvent) error
}

// WaitScheduler arms the bounded-wait timeout for a freshly enqueued
// participant. Implemented by the housekeeping processor.
type WaitScheduler interface {
	ScheduleWaitTimeout(ctx context.Context, participantID string, delay time.Duration) error
}

type Matcher struct {
	queue       QueueStore
	rooms       RoomStore
	notifier    MatchNotifier
	scheduler   WaitScheduler
	waitTimeout time.Duration
}

func NewMatcher(queue QueueStore, rooms RoomStore, notifier MatchNotifier, scheduler WaitScheduler, waitTimeout time.Duration) *Matcher {
	return &Matcher{
		queue:       queue,
		rooms:       rooms,
		notifier:    notifier,
		scheduler:   scheduler,
		waitTimeout: waitTimeout,
	}
}

type MatchRequest struct {
	ParticipantID string
	Interests     []string
}

// MatchResult carries either a completed pairing (Matched true) or the id
// of the waiting entry the caller was parked under.
type MatchResult struct {
	Matched   bool
	RoomID    uuid.UUID
	PartnerID string
	EntryID   uuid.UUID
}

// FindMatch either binds the caller to a waiting participant or enqueues
// the caller. Lost claim races are not errors: the first loss retries once
// against the ignore-interests pool, a second loss degrades to joining the
// queue.
func (m *Matcher) FindMatch(ctx context.Context, req MatchRequest) (*MatchResult, error) {
	interests := req.Interests

	for attempt := 0; attempt < 2; attempt++ {
		cand, err := m.queue.OldestWaitingEntry(ctx, req.ParticipantID, interests)
		if err != nil {
			log.Printf("[MATCH] Queue scan failed for %s, degrading to enqueue: %v", req.ParticipantID, err)
			break
		}
		if cand == nil {
			break
		}

		claimed, err := m.queue.ClaimWaitingEntry(ctx, cand)
		if err != nil {
			log.Printf("[MATCH] Claim attempt failed for %s, degrading to enqueue: %v", req.ParticipantID, err)
			break
		}
		if !claimed {
			// Another matcher won the race on this entry. Treat the
			// candidate as gone and retry once against the full pool.
			log.Printf("[MATCH] Lost claim race on entry %s, retrying without interest filter", cand.Entry.ID)
			interests = nil
			continue
		}

		return m.completeClaim(ctx, req, &cand.Entry)
	}

	return m.enqueue(ctx, req)
}

func (m *Matcher) completeClaim(ctx context.Context, req MatchRequest, claimed *storage.WaitingEntry) (*MatchResult, error) {
	room := &storage.Room{
		ID:           uuid.New(),
		ParticipantA: req.ParticipantID,
		ParticipantB: claimed.ParticipantID,
	}

	if err := m.rooms.CreateRoom(ctx, room); err != nil {
		// The entry is already claimed; put the partner back so they are
		// not lost, then park the caller in the queue as usual.
		log.Printf("[MATCH] Room creation failed after claim, restoring entry %s: %v", claimed.ID, err)
		if restoreErr := m.queue.AddWaitingEntry(ctx, claimed); restoreErr != nil {
			log.Printf("[MATCH] Warning: failed to restore claimed entry %s: %v", claimed.ID, restoreErr)
		}
		return m.enqueue(ctx, req)
	}

	log.Printf("[MATCH] Paired %s with %s in room %s", req.ParticipantID, claimed.ParticipantID, room.ID)

	// Fire-and-forget push to the claimed side. Claim completion never
	// waits on notification delivery; the partner's polling fallback
	// covers a dropped publish.
	notifyChannel := claimed.NotifyChannel
	partnerFor := req.ParticipantID
	go func() {
		pushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ev := &storage.MatchEvent{
			Type:      storage.MatchFound,
			RoomID:    room.ID.String(),
			PartnerID: partnerFor,
			Timestamp: time.Now().UTC(),
		}
		if err := m.notifier.PublishMatchEvent(pushCtx, notifyChannel, ev); err != nil {
			log.Printf("[MATCH] Push notification to %s failed (poll path will recover): %v", notifyChannel, err)
		}
	}()

	return &MatchResult{
		Matched:   true,
		RoomID:    room.ID,
		PartnerID: claimed.ParticipantID,
	}, nil
}

func (m *Matcher) enqueue(ctx context.Context, req MatchRequest) (*MatchResult, error) {
	entry := &storage.WaitingEntry{
		ID:            uuid.New(),
		ParticipantID: req.ParticipantID,
		NotifyChannel: storage.MatchChannelFor(req.ParticipantID),
		Interests:     req.Interests,
		EnqueuedAt:    time.Now().UTC(),
	}

	if err := m.queue.AddWaitingEntry(ctx, entry); err != nil {
		return nil, err
	}

	if m.scheduler != nil {
		if err := m.scheduler.ScheduleWaitTimeout(ctx, req.ParticipantID, m.waitTimeout); err != nil {
			log.Printf("[MATCH] Warning: failed to schedule wait timeout for %s: %v", req.ParticipantID, err)
		}
	}

	log.Printf("[MATCH] No candidate for %s, joined queue as entry %s", req.ParticipantID, entry.ID)
	return &MatchResult{EntryID: entry.ID}, nil
}

// Cancel withdraws the participant's waiting entry. Withdrawing an absent
// entry is a no-op.
func (m *Matcher) Cancel(ctx context.Context, participantID string) error {
	removed, err := m.queue.RemoveWaitingByParticipant(ctx, participantID)
	if err != nil {
		return err
	}
	if removed {
		log.Printf("[MATCH] Withdrew waiting entry for %s", participantID)
	}
	return nil
}
