package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"strangerchat-backend/internal/api"
	"strangerchat-backend/internal/api/handlers"
	"strangerchat-backend/internal/config"
	"strangerchat-backend/internal/matchmaking"
	"strangerchat-backend/internal/sessions"
	"strangerchat-backend/internal/storage"
)

func main() {
	cfg := config.Load()

	ctx := context.Background()
	store, err := storage.NewStorage(ctx, cfg.Database.URL, cfg.Redis.URL)
	if err != nil {
		log.Fatalf("[STARTUP] Failed to initialize storage: %v", err)
	}
	defer store.Close()

	housekeeper, err := matchmaking.NewHousekeeper(store, cfg.Redis.URL,
		cfg.Matchmaking.StaleEntryAge, cfg.Matchmaking.SweepInterval)
	if err != nil {
		log.Fatalf("[STARTUP] Failed to initialize housekeeper: %v", err)
	}

	hkCtx, hkCancel := context.WithCancel(ctx)
	defer hkCancel()
	if err := housekeeper.Start(hkCtx); err != nil {
		log.Fatalf("[STARTUP] Failed to start housekeeping: %v", err)
	}

	matcher := matchmaking.NewMatcher(store.Redis, store.DB, store.Redis,
		housekeeper, cfg.Matchmaking.WaitTimeout)

	manager := sessions.NewManager(store, matcher, sessions.Config{
		PollInterval:  cfg.Matchmaking.PollInterval,
		WaitTimeout:   cfg.Matchmaking.WaitTimeout,
		SkipThreshold: cfg.Skip.Threshold,
		SkipCooldown:  cfg.Skip.Cooldown,
		SkipDecay:     cfg.Skip.Decay,
	}, nil)

	wsManager := sessions.NewWSManager(manager)
	chatHandler := handlers.NewChatHandler(manager)

	router := api.NewRouter(chatHandler, wsManager)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("[STARTUP] Server listening on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[STARTUP] Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[SHUTDOWN] Shutting down server...")

	housekeeper.Stop()
	hkCancel()

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[SHUTDOWN] Server forced to shutdown: %v", err)
	}

	log.Println("[SHUTDOWN] Server exited")
}
