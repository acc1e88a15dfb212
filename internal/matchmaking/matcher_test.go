package matchmaking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"strangerchat-backend/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQueue is an in-memory stand-in for the Redis waiting queue. Claims
// are conditional the same way ZRem is: removing an entry that is already
// gone reports false.
type fakeQueue struct {
	mu      sync.Mutex
	entries []*storage.WaitingEntry

	scanErr  error
	claimErr error
	addErr   error
}

func (q *fakeQueue) AddWaitingEntry(ctx context.Context, entry *storage.WaitingEntry) error {
	if q.addErr != nil {
		return q.addErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	return nil
}

func (q *fakeQueue) OldestWaitingEntry(ctx context.Context, excludeParticipant string, interests []string) (*storage.QueueCandidate, error) {
	if q.scanErr != nil {
		return nil, q.scanErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var fallback *storage.WaitingEntry
	for _, e := range q.entries {
		if e.ParticipantID == excludeParticipant {
			continue
		}
		if fallback == nil {
			fallback = e
		}
		if len(interests) > 0 && sharesAny(interests, e.Interests) {
			return &storage.QueueCandidate{Entry: *e, Member: e.ID.String()}, nil
		}
	}
	if fallback == nil {
		return nil, nil
	}
	return &storage.QueueCandidate{Entry: *fallback, Member: fallback.ID.String()}, nil
}

func (q *fakeQueue) ClaimWaitingEntry(ctx context.Context, cand *storage.QueueCandidate) (bool, error) {
	if q.claimErr != nil {
		return false, q.claimErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == cand.Entry.ID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (q *fakeQueue) RemoveWaitingByParticipant(ctx context.Context, participantID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ParticipantID == participantID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (q *fakeQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *fakeQueue) waiting(participantID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ParticipantID == participantID {
			return true
		}
	}
	return false
}

func sharesAny(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

type fakeRooms struct {
	mu        sync.Mutex
	rooms     []*storage.Room
	createErr error
}

func (r *fakeRooms) CreateRoom(ctx context.Context, room *storage.Room) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = append(r.rooms, room)
	return nil
}

func (r *fakeRooms) EndRoom(ctx context.Context, roomID uuid.UUID) (bool, error) {
	return true, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events map[string][]*storage.MatchEvent
}

func (n *fakeNotifier) PublishMatchEvent(ctx context.Context, notifyChannel string, ev *storage.MatchEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.events == nil {
		n.events = make(map[string][]*storage.MatchEvent)
	}
	n.events[notifyChannel] = append(n.events[notifyChannel], ev)
	return nil
}

func (n *fakeNotifier) eventsFor(channel string) []*storage.MatchEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[channel]
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []string
}

func (s *fakeScheduler) ScheduleWaitTimeout(ctx context.Context, participantID string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, participantID)
	return nil
}

func newTestMatcher() (*Matcher, *fakeQueue, *fakeRooms, *fakeNotifier, *fakeScheduler) {
	queue := &fakeQueue{}
	rooms := &fakeRooms{}
	notifier := &fakeNotifier{}
	scheduler := &fakeScheduler{}
	m := NewMatcher(queue, rooms, notifier, scheduler, 30*time.Second)
	return m, queue, rooms, notifier, scheduler
}

func enqueueWaiting(t *testing.T, q *fakeQueue, participantID string, interests ...string) *storage.WaitingEntry {
	t.Helper()
	entry := &storage.WaitingEntry{
		ID:            uuid.New(),
		ParticipantID: participantID,
		NotifyChannel: storage.MatchChannelFor(participantID),
		Interests:     interests,
		EnqueuedAt:    time.Now().UTC(),
	}
	require.NoError(t, q.AddWaitingEntry(context.Background(), entry))
	return entry
}

func TestFindMatch_EmptyQueueEnqueues(t *testing.T) {
	m, queue, _, _, scheduler := newTestMatcher()

	res, err := m.FindMatch(context.Background(), MatchRequest{ParticipantID: "alice"})
	require.NoError(t, err)

	assert.False(t, res.Matched)
	assert.NotEqual(t, uuid.Nil, res.EntryID)
	assert.True(t, queue.waiting("alice"))
	assert.Equal(t, []string{"alice"}, scheduler.scheduled)
}

func TestFindMatch_PairsWithWaitingParticipant(t *testing.T) {
	m, queue, rooms, notifier, _ := newTestMatcher()
	enqueueWaiting(t, queue, "bob")

	res, err := m.FindMatch(context.Background(), MatchRequest{ParticipantID: "alice"})
	require.NoError(t, err)

	assert.True(t, res.Matched)
	assert.Equal(t, "bob", res.PartnerID)
	assert.Equal(t, 0, queue.depth())

	require.Len(t, rooms.rooms, 1)
	assert.Equal(t, "alice", rooms.rooms[0].ParticipantA)
	assert.Equal(t, "bob", rooms.rooms[0].ParticipantB)

	// The claimed side learns about the pairing through its push channel.
	assert.Eventually(t, func() bool {
		events := notifier.eventsFor(storage.MatchChannelFor("bob"))
		return len(events) == 1 &&
			events[0].Type == storage.MatchFound &&
			events[0].PartnerID == "alice" &&
			events[0].RoomID == res.RoomID.String()
	}, time.Second, 10*time.Millisecond)
}

func TestFindMatch_NeverPairsWithSelf(t *testing.T) {
	m, queue, _, _, _ := newTestMatcher()
	enqueueWaiting(t, queue, "alice")

	res, err := m.FindMatch(context.Background(), MatchRequest{ParticipantID: "alice"})
	require.NoError(t, err)

	assert.False(t, res.Matched)
}

func TestFindMatch_PrefersSharedInterest(t *testing.T) {
	m, queue, _, _, _ := newTestMatcher()
	enqueueWaiting(t, queue, "bob", "cooking")
	enqueueWaiting(t, queue, "carol", "chess")

	res, err := m.FindMatch(context.Background(), MatchRequest{
		ParticipantID: "alice",
		Interests:     []string{"chess"},
	})
	require.NoError(t, err)

	assert.True(t, res.Matched)
	assert.Equal(t, "carol", res.PartnerID)
	assert.True(t, queue.waiting("bob"))
}

func TestFindMatch_FallsBackToOldestWithoutSharedInterest(t *testing.T) {
	m, queue, _, _, _ := newTestMatcher()
	enqueueWaiting(t, queue, "bob", "cooking")

	res, err := m.FindMatch(context.Background(), MatchRequest{
		ParticipantID: "alice",
		Interests:     []string{"chess"},
	})
	require.NoError(t, err)

	assert.True(t, res.Matched)
	assert.Equal(t, "bob", res.PartnerID)
}

func TestFindMatch_ConcurrentClaimersNeverShareAnEntry(t *testing.T) {
	queue := &fakeQueue{}
	rooms := &fakeRooms{}
	notifier := &fakeNotifier{}
	m := NewMatcher(queue, rooms, notifier, nil, 30*time.Second)

	enqueueWaiting(t, queue, "waiter")

	const claimers = 8
	results := make([]*MatchResult, claimers)

	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.FindMatch(context.Background(), MatchRequest{
				ParticipantID: uuid.NewString(),
			})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	wonWaiter := 0
	for _, res := range results {
		if res.Matched && res.PartnerID == "waiter" {
			wonWaiter++
		}
	}
	// Losers may pair among themselves off the queue afterwards, but the
	// original waiter is handed out exactly once.
	assert.Equal(t, 1, wonWaiter)
}

// racingQueue denies the first claim as if a rival matcher removed the
// entry a moment earlier.
type racingQueue struct {
	*fakeQueue
	denied bool
}

func (q *racingQueue) ClaimWaitingEntry(ctx context.Context, cand *storage.QueueCandidate) (bool, error) {
	if !q.denied {
		q.denied = true
		return false, nil
	}
	return q.fakeQueue.ClaimWaitingEntry(ctx, cand)
}

func TestFindMatch_LostRaceRetriesWithoutInterestFilter(t *testing.T) {
	queue := &racingQueue{fakeQueue: &fakeQueue{}}
	m := NewMatcher(queue, &fakeRooms{}, &fakeNotifier{}, nil, 30*time.Second)

	enqueueWaiting(t, queue.fakeQueue, "bob", "chess")

	res, err := m.FindMatch(context.Background(), MatchRequest{
		ParticipantID: "alice",
		Interests:     []string{"chess"},
	})
	require.NoError(t, err)

	assert.True(t, res.Matched)
	assert.Equal(t, "bob", res.PartnerID)
	assert.True(t, queue.denied)
}

func TestFindMatch_ScanErrorDegradesToEnqueue(t *testing.T) {
	m, queue, _, _, _ := newTestMatcher()
	queue.scanErr = errors.New("redis: connection refused")

	res, err := m.FindMatch(context.Background(), MatchRequest{ParticipantID: "alice"})
	require.NoError(t, err)

	assert.False(t, res.Matched)
	assert.True(t, queue.waiting("alice"))
}

func TestFindMatch_RoomCreationFailureRestoresPartner(t *testing.T) {
	m, queue, rooms, _, _ := newTestMatcher()
	rooms.createErr = errors.New("pg: connection refused")
	enqueueWaiting(t, queue, "bob")

	res, err := m.FindMatch(context.Background(), MatchRequest{ParticipantID: "alice"})
	require.NoError(t, err)

	assert.False(t, res.Matched)
	assert.True(t, queue.waiting("bob"))
	assert.True(t, queue.waiting("alice"))
}

func TestCancel_RemovesWaitingEntry(t *testing.T) {
	m, queue, _, _, _ := newTestMatcher()
	enqueueWaiting(t, queue, "alice")

	require.NoError(t, m.Cancel(context.Background(), "alice"))
	assert.False(t, queue.waiting("alice"))

	// Cancelling again is a no-op, not an error.
	require.NoError(t, m.Cancel(context.Background(), "alice"))
}
