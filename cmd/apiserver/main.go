package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/palaver/social-app/internal/api"
	"github.com/palaver/social-app/internal/auth"
	"github.com/palaver/social-app/internal/chat"
	"github.com/palaver/social-app/internal/config"
	"github.com/palaver/social-app/internal/db"
	"github.com/palaver/social-app/internal/friend"
	"github.com/palaver/social-app/internal/messaging"
	"github.com/palaver/social-app/internal/presence"
	"github.com/palaver/social-app/internal/room"
	"github.com/palaver/social-app/internal/user"
	"github.com/palaver/social-app/internal/wall"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// --- PostgreSQL ---
	if err := db.Migrate(cfg.PostgresDSN); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	dbHandle, err := db.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}

	users := user.NewStore(dbHandle)
	friends := friend.NewStore(dbHandle)
	walls := wall.NewStore(dbHandle)
	messages := chat.NewStore(dbHandle)
	rooms := room.NewManager(room.NewPostgresStore(dbHandle), friends, messages)

	// --- Redis (presence flags on user listings) ---
	serverName := cfg.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	presenceStore, err := presence.NewStore(cfg.RedisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "palaver-api"
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL)

	log.Printf("Palaver API server starting")
	log.Printf("  listen_addr: %s", cfg.ListenAddr)
	log.Printf("  nats_url:    %s", cfg.NATSURL)
	log.Printf("  redis_addr:  %s", cfg.RedisAddr)
	log.Printf("  token_ttl:   %s", cfg.TokenTTL)

	server := api.NewServer(cfg.ListenAddr, api.Deps{
		Tokens:   tokens,
		Users:    users,
		Friends:  friends,
		Walls:    walls,
		Rooms:    rooms,
		Messages: messages,
		Notify:   natsClient,
		Presence: presenceStore,
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		natsClient.Close()
		if err := presenceStore.Close(); err != nil {
			log.Printf("presence store close error: %v", err)
		}
		if err := dbHandle.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Printf("server stopped: %v", err)
	}
}
