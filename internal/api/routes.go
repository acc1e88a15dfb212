package api

import (
	"net/http"
	"time"

	"strangerchat-backend/internal/api/handlers"
	"strangerchat-backend/internal/sessions"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(chatHandler *handlers.ChatHandler, wsManager *sessions.WSManager) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/session", chatHandler.CreateSession)
		r.Get("/session/{participantID}/state", chatHandler.GetState)
		r.Put("/session/{participantID}/interests", chatHandler.SetInterests)

		r.Post("/match/request", chatHandler.RequestMatch)
		r.Delete("/match/cancel/{participantID}", chatHandler.CancelMatch)
		r.Get("/queue/status", chatHandler.GetQueueStatus)

		r.Post("/report", chatHandler.ReportUser)
	})

	r.Get("/ws/chat/{participantID}", wsManager.HandleChatWebSocket)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
