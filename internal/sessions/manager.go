package sessions

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"strangerchat-backend/internal/matchmaking"
	"strangerchat-backend/internal/ratelimit"
	"strangerchat-backend/internal/storage"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// ClientGateway delivers events to a participant's attached client. The
// websocket manager implements it; delivery is best effort.
type ClientGateway interface {
	Deliver(participantID string, ev *ClientEvent)
}

type Config struct {
	PollInterval time.Duration
	WaitTimeout  time.Duration

	SkipThreshold int
	SkipCooldown  time.Duration
	SkipDecay     time.Duration
}

// Manager is the registry of live sessions and the orchestration between
// the state machines, the matcher, the stores, and the client gateway.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*sessionHandle

	matcher *matchmaking.Matcher
	store   *storage.Storage
	gateway ClientGateway
	clk     clock.Clock
	cfg     Config
}

// sessionHandle couples a session with the cancel funcs of its background
// goroutines (the search loop and the room relay loop).
type sessionHandle struct {
	session      *Session
	cancelSearch context.CancelFunc
	cancelRelay  context.CancelFunc
}

func NewManager(store *storage.Storage, matcher *matchmaking.Matcher, cfg Config, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		sessions: make(map[string]*sessionHandle),
		matcher:  matcher,
		store:    store,
		clk:      clk,
		cfg:      cfg,
	}
}

func (m *Manager) SetGateway(g ClientGateway) {
	m.gateway = g
}

// Initialize returns the participant's session state, creating the session
// on first contact.
func (m *Manager) Initialize(participantID string) *StateSnapshot {
	return m.getOrCreate(participantID).session.Snapshot()
}

func (m *Manager) Snapshot(participantID string) *StateSnapshot {
	return m.getOrCreate(participantID).session.Snapshot()
}

func (m *Manager) SetInterests(participantID string, tags []string) error {
	return m.getOrCreate(participantID).session.SetInterests(tags)
}

// FindMatch runs the matching algorithm for the participant. On a direct
// claim the session lands in connected; otherwise it parks in searching
// and the dual push/poll watch takes over. Policy rejections (cooldown,
// busy session) come back as errors from BeginSearch.
func (m *Manager) FindMatch(ctx context.Context, participantID string) (*StateSnapshot, error) {
	h := m.getOrCreate(participantID)
	s := h.session

	if err := s.BeginSearch(); err != nil {
		return nil, err
	}

	res, err := m.matcher.FindMatch(ctx, matchmaking.MatchRequest{
		ParticipantID: participantID,
		Interests:     s.Interests(),
	})
	if err != nil {
		// Store trouble is transient, never surfaced: stay searching and
		// let the bounded local wait time the participant out.
		log.Printf("[SESSION] Matcher error for %s, degrading to timed wait: %v", participantID, err)
		m.startSearch(h)
		return s.Snapshot(), nil
	}

	if res.Matched {
		if !m.adoptMatch(h, res.RoomID.String(), res.PartnerID) {
			// A concurrent reset beat us between BeginSearch and here;
			// do not leave the freshly created room orphaned.
			m.teardownRoom(res.RoomID.String(), participantID)
		}
		return s.Snapshot(), nil
	}

	m.startSearch(h)
	return s.Snapshot(), nil
}

// SendMessage relays a text message into the current room. The result is
// structured: policy rejections and delivery trouble are values, not
// transport errors.
func (m *Manager) SendMessage(ctx context.Context, participantID, text string) *SendResult {
	h := m.getOrCreate(participantID)

	msg, ev, err := h.session.ComposeMessage(text)
	if err != nil {
		return &SendResult{Success: false, Error: err.Error()}
	}

	if err := m.publishRoomEvent(ctx, ev); err != nil {
		log.Printf("[RELAY] Failed to broadcast message %s from %s: %v", msg.ID, participantID, err)
		return &SendResult{Success: false, Error: "message could not be delivered, try again", Message: msg}
	}

	h.session.MarkMessageSent(msg.ID)
	msg.Status = MessageSent
	return &SendResult{Success: true, Message: msg}
}

// SetTyping relays the typing indicator. Outside a connected session it is
// a no-op, and delivery failures are only logged.
func (m *Manager) SetTyping(ctx context.Context, participantID string, isTyping bool) {
	h := m.getOrCreate(participantID)
	ev := h.session.ComposeTyping(isTyping)
	if ev == nil {
		return
	}
	if err := m.publishRoomEvent(ctx, ev); err != nil {
		log.Printf("[RELAY] Failed to broadcast typing from %s: %v", participantID, err)
	}
}

// MarkMessageAsRead relays a read receipt for the partner's message.
func (m *Manager) MarkMessageAsRead(ctx context.Context, participantID, messageID string) {
	h := m.getOrCreate(participantID)
	ev := h.session.ComposeReadReceipt(messageID)
	if ev == nil {
		return
	}
	if err := m.publishRoomEvent(ctx, ev); err != nil {
		log.Printf("[RELAY] Failed to broadcast read receipt from %s: %v", participantID, err)
	}
}

func (m *Manager) SetReplyingTo(participantID, messageID string) error {
	return m.getOrCreate(participantID).session.SetReplyingTo(messageID)
}

// Disconnect is the local participant leaving the current room. It counts
// one skip, ends the room exactly once, withdraws any lingering queue
// entry, and tells the partner. Calling it again is a no-op end to end.
func (m *Manager) Disconnect(ctx context.Context, participantID string) {
	h, ok := m.get(participantID)
	if !ok {
		return
	}

	roomID, counted := h.session.LocalLeave()
	if !counted {
		return
	}

	m.stopRelay(h)
	if roomID != "" {
		m.teardownRoom(roomID, participantID)
	}
	if _, err := m.store.Redis.RemoveWaitingByParticipant(ctx, participantID); err != nil {
		log.Printf("[SESSION] Failed to clear queue entry for %s: %v", participantID, err)
	}
}

// Reset returns the session to idle from wherever it is: cancelling an
// active search withdraws the queue entry without counting a skip, while
// leaving a connected or disconnected room goes through Disconnect.
func (m *Manager) Reset(ctx context.Context, participantID string) {
	h, ok := m.get(participantID)
	if !ok {
		return
	}

	if h.session.CancelSearch() {
		m.stopSearch(h)
		if err := m.matcher.Cancel(ctx, participantID); err != nil {
			log.Printf("[SESSION] Failed to withdraw queue entry for %s: %v", participantID, err)
		}
		return
	}

	m.Disconnect(ctx, participantID)
}

// ReportUser files an abuse report against the current or most recent
// partner.
func (m *Manager) ReportUser(ctx context.Context, participantID, reason string) error {
	h := m.getOrCreate(participantID)

	targetID, roomID := h.session.ReportTarget()
	if targetID == "" {
		return ErrNoPartner
	}
	if reason == "" {
		reason = "unspecified"
	}

	report := &storage.Report{
		ID:         uuid.New(),
		ReporterID: participantID,
		TargetID:   targetID,
		Reason:     reason,
		Status:     storage.ReportNew,
	}
	if rid, err := uuid.Parse(roomID); err == nil {
		report.RoomID = &rid
		// Cross-check the target against the stored room so a report
		// always names the participant who was actually on the other side.
		if room, err := m.store.DB.GetRoom(ctx, rid); err == nil {
			if other := room.OtherParticipant(participantID); other != "" {
				report.TargetID = other
			}
		}
	}

	if err := m.store.DB.CreateReport(ctx, report); err != nil {
		return err
	}
	log.Printf("[REPORT] %s reported %s (room %s)", participantID, targetID, roomID)
	return nil
}

func (m *Manager) QueueDepth(ctx context.Context) (int64, error) {
	return m.store.Redis.QueueDepth(ctx)
}

func (m *Manager) get(participantID string) (*sessionHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.sessions[participantID]
	return h, ok
}

func (m *Manager) getOrCreate(participantID string) *sessionHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.sessions[participantID]; ok {
		return h
	}
	limiter := ratelimit.NewSkipLimiter(m.cfg.SkipThreshold, m.cfg.SkipCooldown, m.cfg.SkipDecay, m.clk)
	h := &sessionHandle{session: NewSession(participantID, limiter)}
	m.sessions[participantID] = h
	return h
}

// adoptMatch feeds a match from either delivery path through the session's
// guarded transition and, when taken, attaches the relay and notifies the
// client. A false return means the match was stale and was discarded.
func (m *Manager) adoptMatch(h *sessionHandle, roomID, partnerID string) bool {
	if !h.session.ApplyMatch(roomID, partnerID) {
		log.Printf("[SESSION] Discarding stale or invalid match for %s (room %s, partner %s)",
			h.session.ParticipantID(), roomID, partnerID)
		return false
	}

	m.stopSearch(h)
	m.startRelay(h, roomID)
	m.deliver(h.session.ParticipantID(), &ClientEvent{
		Type:      ClientMatchFound,
		RoomID:    roomID,
		PartnerID: partnerID,
		Timestamp: time.Now().UTC(),
	})
	return true
}

// startSearch spawns the watch for a queued participant: subscribed to the
// push channel, polling the room table as fallback, bounded by the overall
// wait timeout.
func (m *Manager) startSearch(h *sessionHandle) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if h.cancelSearch != nil {
		h.cancelSearch()
	}
	h.cancelSearch = cancel
	m.mu.Unlock()

	go m.runSearch(ctx, h)
}

func (m *Manager) runSearch(ctx context.Context, h *sessionHandle) {
	participantID := h.session.ParticipantID()

	sub := m.store.Redis.SubscribeToMatchEvents(ctx, participantID)
	defer sub.Close()
	pushCh := sub.Channel()

	poll := m.clk.Ticker(m.cfg.PollInterval)
	defer poll.Stop()
	deadline := m.clk.Timer(m.cfg.WaitTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-pushCh:
			if !ok {
				return
			}
			var ev storage.MatchEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("[SEARCH] Unreadable match event for %s: %v", participantID, err)
				continue
			}
			switch ev.Type {
			case storage.MatchFound:
				if m.adoptMatch(h, ev.RoomID, ev.PartnerID) {
					return
				}
				// The claimer opened a room we can no longer join.
				m.teardownRoom(ev.RoomID, participantID)
			case storage.QueueTimeout:
				if h.session.CancelSearch() {
					m.deliver(participantID, &ClientEvent{Type: ClientQueueTimeout, Timestamp: time.Now().UTC()})
				}
				return
			}

		case <-poll.C:
			room, err := m.store.DB.OpenRoomForGuest(ctx, participantID)
			if err != nil {
				log.Printf("[SEARCH] Poll failed for %s: %v", participantID, err)
				continue
			}
			if room == nil {
				continue
			}
			if m.adoptMatch(h, room.ID.String(), room.ParticipantA) {
				// The push never landed; the entry is still in the queue
				// and has to go before another matcher claims it.
				if _, err := m.store.Redis.RemoveWaitingByParticipant(context.Background(), participantID); err != nil {
					log.Printf("[SEARCH] Failed to clear queue entry for %s after poll match: %v", participantID, err)
				}
				return
			}

		case <-deadline.C:
			if err := m.matcher.Cancel(ctx, participantID); err != nil {
				log.Printf("[SEARCH] Failed to withdraw entry for %s on timeout: %v", participantID, err)
			}
			if h.session.CancelSearch() {
				m.deliver(participantID, &ClientEvent{Type: ClientQueueTimeout, Timestamp: time.Now().UTC()})
			}
			return
		}
	}
}

func (m *Manager) startRelay(h *sessionHandle, roomID string) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if h.cancelRelay != nil {
		h.cancelRelay()
	}
	h.cancelRelay = cancel
	m.mu.Unlock()

	go m.runRelay(ctx, h, roomID)
}

func (m *Manager) runRelay(ctx context.Context, h *sessionHandle, roomID string) {
	participantID := h.session.ParticipantID()

	sub := m.store.Redis.SubscribeToRoom(ctx, roomID)
	defer sub.Close()
	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev RoomEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("[RELAY] Unreadable room event in %s: %v", roomID, err)
				continue
			}
			out := h.session.HandleRoomEvent(&ev)
			if out == nil {
				continue
			}
			m.deliver(participantID, out)
			if out.Type == ClientPartnerDisconnected {
				// Nothing valid arrives on this room anymore.
				return
			}
		}
	}
}

func (m *Manager) stopSearch(h *sessionHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.cancelSearch != nil {
		h.cancelSearch()
		h.cancelSearch = nil
	}
}

func (m *Manager) stopRelay(h *sessionHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.cancelRelay != nil {
		h.cancelRelay()
		h.cancelRelay = nil
	}
}

// teardownRoom ends a room (idempotently) and tells the other side. Used
// both for normal leaves and for cleaning up rooms created by a claim that
// completed after the would-be partner cancelled.
func (m *Manager) teardownRoom(roomID, selfID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if rid, err := uuid.Parse(roomID); err == nil {
		ended, err := m.store.DB.EndRoom(ctx, rid)
		if err != nil {
			log.Printf("[SESSION] Failed to end room %s: %v", roomID, err)
		} else if !ended {
			log.Printf("[SESSION] Room %s already ended", roomID)
		}
	}

	ev := &RoomEvent{
		Type:      EventDisconnect,
		RoomID:    roomID,
		SenderID:  selfID,
		Timestamp: time.Now().UTC(),
	}
	if err := m.publishRoomEvent(ctx, ev); err != nil {
		log.Printf("[SESSION] Failed to broadcast disconnect for room %s: %v", roomID, err)
	}
}

func (m *Manager) publishRoomEvent(ctx context.Context, ev *RoomEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return m.store.Redis.PublishRoomEvent(ctx, ev.RoomID, payload)
}

func (m *Manager) deliver(participantID string, ev *ClientEvent) {
	if m.gateway == nil {
		return
	}
	m.gateway.Deliver(participantID, ev)
}
