package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	waitingQueueKey    = "queue:waiting"
	matchChannelPrefix = "match:"
	roomChannelPrefix  = "room:"
)

// MatchChannelFor returns the pub/sub channel a participant receives match
// events on. The channel name is stored in the waiting entry so whichever
// matcher claims it knows where to push.
func MatchChannelFor(participantID string) string {
	return matchChannelPrefix + participantID
}

// RoomChannelFor returns the pub/sub channel carrying relay events for a room.
func RoomChannelFor(roomID string) string {
	return roomChannelPrefix + roomID
}

type RedisClient struct {
	client *redis.Client
}

func NewRedisClient(ctx context.Context, redisURL string) (*RedisClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisClient{client: client}, nil
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

// AddWaitingEntry inserts the entry into the waiting queue, replacing any
// previous entry for the same participant so the one-live-entry-per-
// participant invariant holds. FIFO order comes from the enqueue timestamp
// used as the sorted-set score.
func (r *RedisClient) AddWaitingEntry(ctx context.Context, entry *WaitingEntry) error {
	if _, err := r.RemoveWaitingByParticipant(ctx, entry.ParticipantID); err != nil {
		log.Printf("[QUEUE_ADD] Warning: failed to clear previous entry for %s (continuing): %v",
			entry.ParticipantID, err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	err = r.client.ZAdd(ctx, waitingQueueKey, redis.Z{
		Score:  float64(entry.EnqueuedAt.UnixNano()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add waiting entry for %s: %w", entry.ParticipantID, err)
	}

	return nil
}

// OldestWaitingEntry returns the oldest waiting entry whose participant
// differs from excludeParticipant. When interests are given, an entry
// sharing at least one interest is preferred; if none qualifies the oldest
// entry is returned regardless. Returns nil when the queue has no usable
// candidate.
func (r *RedisClient) OldestWaitingEntry(ctx context.Context, excludeParticipant string, interests []string) (*QueueCandidate, error) {
	members, err := r.client.ZRange(ctx, waitingQueueKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	var oldest *QueueCandidate
	for _, member := range members {
		var entry WaitingEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			log.Printf("[QUEUE_SCAN] Skipping unreadable queue member: %v", err)
			continue
		}
		if entry.ParticipantID == excludeParticipant {
			continue
		}

		if len(interests) > 0 && sharesInterest(interests, entry.Interests) {
			return &QueueCandidate{Entry: entry, Member: member}, nil
		}
		if oldest == nil {
			oldest = &QueueCandidate{Entry: entry, Member: member}
		}
		if len(interests) == 0 {
			// No preference to satisfy, the oldest entry wins outright.
			break
		}
	}

	return oldest, nil
}

// ClaimWaitingEntry attempts the atomic claim: a conditional removal of the
// candidate's exact serialized member. Zero removed means another matcher
// already claimed it, an expected outcome rather than an error.
func (r *RedisClient) ClaimWaitingEntry(ctx context.Context, cand *QueueCandidate) (bool, error) {
	removed, err := r.client.ZRem(ctx, waitingQueueKey, cand.Member).Result()
	if err != nil {
		return false, fmt.Errorf("claim of entry %s failed: %w", cand.Entry.ID, err)
	}
	return removed > 0, nil
}

// RemoveWaitingByParticipant withdraws the participant's waiting entry if
// one exists. Removing an absent entry is a no-op; the bool reports whether
// anything was removed.
func (r *RedisClient) RemoveWaitingByParticipant(ctx context.Context, participantID string) (bool, error) {
	members, err := r.client.ZRange(ctx, waitingQueueKey, 0, -1).Result()
	if err != nil {
		return false, err
	}

	for _, member := range members {
		var entry WaitingEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			continue
		}
		if entry.ParticipantID != participantID {
			continue
		}
		removed, err := r.client.ZRem(ctx, waitingQueueKey, member).Result()
		if err != nil {
			return false, err
		}
		return removed > 0, nil
	}

	return false, nil
}

// SweepStaleEntries evicts waiting entries older than maxAge. Run from the
// housekeeping processor.
func (r *RedisClient) SweepStaleEntries(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	removed, err := r.client.ZRemRangeByScore(ctx, waitingQueueKey,
		"-inf", strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// QueueDepth returns the number of participants currently waiting.
func (r *RedisClient) QueueDepth(ctx context.Context) (int64, error) {
	return r.client.ZCard(ctx, waitingQueueKey).Result()
}

// PublishMatchEvent pushes a match event to a participant's notify channel.
// Delivery is best effort: pub/sub has no acknowledgment, the polling
// fallback covers dropped events.
func (r *RedisClient) PublishMatchEvent(ctx context.Context, notifyChannel string, ev *MatchEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, notifyChannel, data).Err()
}

// SubscribeToMatchEvents subscribes to the participant's notify channel.
func (r *RedisClient) SubscribeToMatchEvents(ctx context.Context, participantID string) *redis.PubSub {
	return r.client.Subscribe(ctx, MatchChannelFor(participantID))
}

// PublishRoomEvent broadcasts a relay event on the room's channel. Both
// sides of the room receive it, including the sender's own echo, which the
// session layer filters by sender id.
func (r *RedisClient) PublishRoomEvent(ctx context.Context, roomID string, payload []byte) error {
	return r.client.Publish(ctx, RoomChannelFor(roomID), payload).Err()
}

// SubscribeToRoom subscribes to the room's relay channel.
func (r *RedisClient) SubscribeToRoom(ctx context.Context, roomID string) *redis.PubSub {
	return r.client.Subscribe(ctx, RoomChannelFor(roomID))
}

func sharesInterest(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
