package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/palaver/social-app/internal/auth"
	"github.com/palaver/social-app/internal/chat"
	"github.com/palaver/social-app/internal/config"
	"github.com/palaver/social-app/internal/db"
	"github.com/palaver/social-app/internal/hub"
	"github.com/palaver/social-app/internal/messaging"
	"github.com/palaver/social-app/internal/metrics"
	"github.com/palaver/social-app/internal/presence"
	"github.com/palaver/social-app/internal/protocol"
	"github.com/palaver/social-app/internal/ratelimit"
	"github.com/palaver/social-app/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	serverName := cfg.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	// --- Redis (presence + rate limiting share the connection) ---
	presenceStore, err := presence.NewStore(cfg.RedisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(presenceStore.Client())

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "palaver-chat-" + serverName
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- PostgreSQL ---
	dbHandle, err := db.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	chatStore := chat.NewStore(dbHandle)
	recent := chat.NewRecentCache()

	eventHub := hub.New(chatStore, recent, cfg.AppendTimeout)
	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL)

	wsConfig := ws.ServerConfig{
		ListenAddr:        cfg.ListenAddr,
		MaxConnections:    cfg.MaxConnections,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	}

	log.Printf("Palaver chat server starting")
	log.Printf("  listen_addr:     %s", wsConfig.ListenAddr)
	log.Printf("  max_connections: %d", wsConfig.MaxConnections)
	log.Printf("  read_timeout:    %s", wsConfig.ReadTimeout)
	log.Printf("  write_timeout:   %s", wsConfig.WriteTimeout)
	log.Printf("  append_timeout:  %s", cfg.AppendTimeout)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  server_name:     %s", serverName)

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(wsConfig, tokens, dispatcher.Dispatch)

	// -----------------------------------------------------------------------
	// join-room — subscribe the connection to a room's live events
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinRoom, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinRoomMsg)
		if !ok || joinMsg.RoomID == "" {
			return
		}
		eventHub.Subscribe(conn, joinMsg.RoomID)
		log.Printf("join-room conn=%s user=%s room=%s", conn.ID(), conn.UserID(), joinMsg.RoomID)
	})

	// -----------------------------------------------------------------------
	// leave-room — unsubscribe the connection from a room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeaveRoom, func(conn *ws.Connection, msg interface{}) {
		leaveMsg, ok := msg.(protocol.LeaveRoomMsg)
		if !ok || leaveMsg.RoomID == "" {
			return
		}
		eventHub.Unsubscribe(conn, leaveMsg.RoomID)
		log.Printf("leave-room conn=%s user=%s room=%s", conn.ID(), conn.UserID(), leaveMsg.RoomID)
	})

	// -----------------------------------------------------------------------
	// send-message — persist best effort, then broadcast to the room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok || sendMsg.RoomID == "" {
			return
		}
		ctx := context.Background()

		allowed, _ := limiter.Allow(ctx, conn.UserID(), ratelimit.RuleMessage)
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: limiter.RetryAfter(ctx, conn.UserID(), ratelimit.RuleMessage),
			})
			if err := conn.Send(resp); err != nil {
				log.Printf("send rate_limited conn=%s: %v", conn.ID(), err)
			}
			return
		}

		// The sender identity comes from the verified connection, never from
		// the payload.
		err := eventHub.PublishMessage(ctx, conn, sendMsg.RoomID, sendMsg.Message, conn.UserID(), conn.Username())
		if err != nil {
			dispatcher.SendError(conn, "invalid_message", err.Error())
		}
	})

	// -----------------------------------------------------------------------
	// typing — relay the typing indicator to the rest of the room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok || typingMsg.RoomID == "" {
			return
		}

		// A throttled typing event is just dropped; there is nothing useful
		// to tell the client.
		allowed, _ := limiter.Allow(context.Background(), conn.UserID(), ratelimit.RuleTyping)
		if !allowed {
			return
		}

		eventHub.PublishTyping(conn, typingMsg.RoomID, conn.UserID(), conn.Username(), typingMsg.IsTyping)
	})

	server.SetOnConnect(func(conn *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		allowed, _ := limiter.Allow(ctx, conn.UserID(), ratelimit.RuleConnect)
		if !allowed {
			log.Printf("connect rate limited user=%s", conn.UserID())
			server.RemoveConnection(conn)
			return
		}

		if err := presenceStore.MarkOnline(ctx, conn.UserID()); err != nil {
			log.Printf("presence mark online user=%s: %v", conn.UserID(), err)
		}

		// Deliver API-originated notifications (friend requests, wall posts)
		// over this live connection.
		err := natsClient.SubscribeNotifications(conn.UserID(), conn.ID(), func(n messaging.Notification) {
			resp, err := protocol.NewServerMessage(protocol.TypeNotification, protocol.NotificationMsg{
				Kind:     n.Kind,
				FromID:   n.FromID,
				FromName: n.FromName,
			})
			if err != nil {
				return
			}
			if err := conn.Send(resp); err != nil {
				log.Printf("notification send conn=%s: %v", conn.ID(), err)
				return
			}
			metrics.NotificationsTotal.Inc()
		})
		if err != nil {
			log.Printf("notification subscribe user=%s: %v", conn.UserID(), err)
		}
	})

	server.SetOnDisconnect(func(conn *ws.Connection) {
		eventHub.Disconnect(conn)
		_ = natsClient.UnsubscribeNotifications(conn.ID())

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if !server.Connections().UserOnline(conn.UserID()) {
			if err := presenceStore.MarkOffline(ctx, conn.UserID()); err != nil {
				log.Printf("presence mark offline user=%s: %v", conn.UserID(), err)
			}
		}
	})

	// Keep presence records alive while connections exist. The TTL handles
	// the crash case; this ticker handles the healthy one.
	stopRefresh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(presence.TTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stopRefresh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				seen := make(map[string]bool)
				for _, c := range server.Connections().All() {
					if seen[c.UserID()] {
						continue
					}
					seen[c.UserID()] = true
					if err := presenceStore.Refresh(ctx, c.UserID()); err != nil {
						log.Printf("presence refresh user=%s: %v", c.UserID(), err)
					}
				}
				cancel()
			}
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		close(stopRefresh)
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := presenceStore.Close(); err != nil {
			log.Printf("presence store close error: %v", err)
		}
		if err := dbHandle.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
