package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"strangerchat-backend/internal/sessions"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type ChatHandler struct {
	sessions *sessions.Manager
}

func NewChatHandler(manager *sessions.Manager) *ChatHandler {
	return &ChatHandler{sessions: manager}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type CreateSessionResponse struct {
	ParticipantID string                  `json:"participant_id"`
	State         *sessions.StateSnapshot `json:"state"`
}

// CreateSession mints a fresh participant identity and its session.
func (h *ChatHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	participantID := uuid.NewString()
	state := h.sessions.Initialize(participantID)

	log.Printf("[SESSION_CREATE] New participant %s", participantID)
	h.writeJSON(w, http.StatusCreated, CreateSessionResponse{
		ParticipantID: participantID,
		State:         state,
	})
}

func (h *ChatHandler) GetState(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantID")
	if participantID == "" {
		h.writeError(w, http.StatusBadRequest, "missing participant_id", "participantID is required")
		return
	}
	h.writeJSON(w, http.StatusOK, h.sessions.Snapshot(participantID))
}

type InterestsRequestBody struct {
	Interests []string `json:"interests"`
}

func (h *ChatHandler) SetInterests(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantID")
	if participantID == "" {
		h.writeError(w, http.StatusBadRequest, "missing participant_id", "participantID is required")
		return
	}

	var body InterestsRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := h.sessions.SetInterests(participantID, body.Interests); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type MatchRequestBody struct {
	ParticipantID string   `json:"participant_id"`
	Interests     []string `json:"interests,omitempty"`
}

type MatchResponse struct {
	Status            string     `json:"status"`
	RoomID            string     `json:"room_id,omitempty"`
	PartnerID         string     `json:"partner_id,omitempty"`
	SkipCooldownUntil *time.Time `json:"skip_cooldown_until,omitempty"`
	Message           string     `json:"message,omitempty"`
}

// RequestMatch runs the matching algorithm. Policy rejections (an active
// skip cooldown, a session already in progress) come back as structured
// responses, not server errors.
func (h *ChatHandler) RequestMatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var body MatchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if body.ParticipantID == "" {
		h.writeError(w, http.StatusBadRequest, "missing participant_id", "participant_id is required")
		return
	}

	if len(body.Interests) > 0 {
		if err := h.sessions.SetInterests(body.ParticipantID, body.Interests); err != nil {
			h.writeError(w, http.StatusBadRequest, "validation failed", err.Error())
			return
		}
	}

	state, err := h.sessions.FindMatch(r.Context(), body.ParticipantID)
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrCooldownActive):
			resp := MatchResponse{
				Status:  "rejected",
				Message: "too many skips, wait for the cooldown to pass",
			}
			resp.SkipCooldownUntil = h.sessions.Snapshot(body.ParticipantID).SkipCooldownUntil
			h.writeJSON(w, http.StatusTooManyRequests, resp)
		case errors.Is(err, sessions.ErrNotIdle):
			h.writeJSON(w, http.StatusConflict, MatchResponse{
				Status:  "rejected",
				Message: "a session is already in progress, disconnect or reset first",
			})
		default:
			h.writeError(w, http.StatusInternalServerError, "match request failed", err.Error())
		}
		return
	}

	resp := MatchResponse{Status: string(state.Status)}
	switch state.Status {
	case sessions.StatusConnected:
		resp.RoomID = state.RoomID
		resp.PartnerID = state.PartnerID
		resp.Message = "Partner found."
	case sessions.StatusSearching:
		resp.Message = "Searching for a partner. You will be notified when one is found."
	}

	log.Printf("[MATCH_REQUEST] %s -> %s in %v", body.ParticipantID, state.Status, time.Since(start))
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *ChatHandler) CancelMatch(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantID")
	if participantID == "" {
		h.writeError(w, http.StatusBadRequest, "missing participant_id", "participantID is required")
		return
	}

	h.sessions.Reset(r.Context(), participantID)
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "cancelled",
		"message": "Match request cancelled successfully",
	})
}

type ReportRequestBody struct {
	ParticipantID string `json:"participant_id"`
	Reason        string `json:"reason"`
}

func (h *ChatHandler) ReportUser(w http.ResponseWriter, r *http.Request) {
	var body ReportRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if body.ParticipantID == "" {
		h.writeError(w, http.StatusBadRequest, "missing participant_id", "participant_id is required")
		return
	}

	if err := h.sessions.ReportUser(r.Context(), body.ParticipantID, body.Reason); err != nil {
		if errors.Is(err, sessions.ErrNoPartner) {
			h.writeError(w, http.StatusConflict, "nothing to report", err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "failed to file report", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reported"})
}

func (h *ChatHandler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := h.sessions.QueueDepth(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to read queue", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"waiting": depth})
}

func (h *ChatHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[HTTP] Failed to encode response: %v", err)
	}
}

func (h *ChatHandler) writeError(w http.ResponseWriter, status int, errMsg, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: errMsg, Message: message})
}
