package matchmaking

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"strangerchat-backend/internal/storage"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const (
	TaskSweepStale  = "matchmaking:sweep"
	TaskWaitTimeout = "matchmaking:timeout"
)

type waitTimeoutPayload struct {
	ParticipantID string `json:"participant_id"`
}

// Housekeeper runs the background half of matchmaking: eviction of stale
// waiting entries and the bounded-wait timeout that stops a participant
// from sitting in "searching" forever. It also implements WaitScheduler
// for the matcher.
type Housekeeper struct {
	storage *storage.Storage
	server  *asynq.Server
	client  *asynq.Client

	staleEntryAge time.Duration
	sweepInterval time.Duration
}

func NewHousekeeper(st *storage.Storage, redisURL string, staleEntryAge, sweepInterval time.Duration) (*Housekeeper, error) {
	redisOpt, err := asynqRedisOpt(redisURL)
	if err != nil {
		return nil, err
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			"matchmaking": 6,
			"default":     3,
		},
		StrictPriority: true,
	})

	return &Housekeeper{
		storage:       st,
		server:        server,
		client:        asynq.NewClient(redisOpt),
		staleEntryAge: staleEntryAge,
		sweepInterval: sweepInterval,
	}, nil
}

func (h *Housekeeper) Start(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskSweepStale, h.handleSweep)
	mux.HandleFunc(TaskWaitTimeout, h.handleWaitTimeout)

	go func() {
		if err := h.server.Run(mux); err != nil {
			log.Printf("[HOUSEKEEPING] Asynq server error: %v", err)
		}
	}()

	go h.startPeriodicSweep(ctx)

	log.Println("[HOUSEKEEPING] Processor started")
	return nil
}

func (h *Housekeeper) Stop() {
	h.server.Shutdown()
	h.client.Close()
}

// ScheduleWaitTimeout arms a delayed task that withdraws the participant's
// waiting entry and tells them the search timed out, unless someone claims
// them first.
func (h *Housekeeper) ScheduleWaitTimeout(ctx context.Context, participantID string, delay time.Duration) error {
	payload, err := json.Marshal(waitTimeoutPayload{ParticipantID: participantID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskWaitTimeout, payload)
	_, err = h.client.EnqueueContext(ctx, task, asynq.ProcessIn(delay), asynq.Queue("matchmaking"))
	return err
}

func (h *Housekeeper) handleSweep(ctx context.Context, task *asynq.Task) error {
	removed, err := h.storage.Redis.SweepStaleEntries(ctx, h.staleEntryAge)
	if err != nil {
		log.Printf("[HOUSEKEEPING] Sweep failed: %v", err)
		return err
	}
	if removed > 0 {
		log.Printf("[HOUSEKEEPING] Evicted %d stale waiting entries", removed)
	}
	return nil
}

func (h *Housekeeper) handleWaitTimeout(ctx context.Context, task *asynq.Task) error {
	var payload waitTimeoutPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}

	removed, err := h.storage.Redis.RemoveWaitingByParticipant(ctx, payload.ParticipantID)
	if err != nil {
		return err
	}
	if !removed {
		// Already matched or cancelled; nothing to time out.
		return nil
	}

	log.Printf("[HOUSEKEEPING] Wait timed out for %s, entry withdrawn", payload.ParticipantID)
	ev := &storage.MatchEvent{
		Type:      storage.QueueTimeout,
		Timestamp: time.Now().UTC(),
	}
	if err := h.storage.Redis.PublishMatchEvent(ctx, storage.MatchChannelFor(payload.ParticipantID), ev); err != nil {
		log.Printf("[HOUSEKEEPING] Failed to publish queue timeout for %s: %v", payload.ParticipantID, err)
	}
	return nil
}

func (h *Housekeeper) startPeriodicSweep(ctx context.Context) {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task := asynq.NewTask(TaskSweepStale, nil)
			if _, err := h.client.Enqueue(task, asynq.Queue("matchmaking")); err != nil {
				log.Printf("[HOUSEKEEPING] Error enqueueing sweep task: %v", err)
			}
		}
	}
}

func asynqRedisOpt(redisURL string) (asynq.RedisClientOpt, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}, nil
}
