package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dealerhub/chat-service/internal/api"
	"github.com/dealerhub/chat-service/internal/auth"
	"github.com/dealerhub/chat-service/internal/chat"
	"github.com/dealerhub/chat-service/internal/config"
	"github.com/dealerhub/chat-service/internal/messaging"
	"github.com/dealerhub/chat-service/internal/metrics"
	"github.com/dealerhub/chat-service/internal/presence"
	"github.com/dealerhub/chat-service/internal/protocol"
	"github.com/dealerhub/chat-service/internal/ratelimit"
	"github.com/dealerhub/chat-service/internal/session"
	"github.com/dealerhub/chat-service/internal/typing"
	"github.com/dealerhub/chat-service/internal/ws"
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

	// --- PostgreSQL ---
	chatStore, err := chat.NewStore(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	if err := chatStore.Migrate(); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.RedisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "chat-service-" + serverName
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Presence ---
	// Transitions are published to NATS so every instance can fan them
	// out to its own connections. The debounced offline fires from a
	// timer, which only knows the participant id; the role comes from
	// the directory.
	registry := presence.NewRegistry(cfg.PresenceGrace, func(participantID string, online bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		event := chat.PresenceEvent{ParticipantID: participantID, Online: online}
		if p, err := chatStore.Participant(ctx, participantID); err == nil && p != nil {
			event.Role = p.Role
		}

		data, err := json.Marshal(event)
		if err != nil {
			log.Printf("presence publish marshal: %v", err)
			return
		}
		if err := natsClient.PublishPresence(data); err != nil {
			log.Printf("presence publish failed participant=%s: %v", participantID, err)
		}
	})

	// --- Relay, typing ---
	relay := chat.NewRelay(chatStore, natsClient, registry, cfg.PersistTimeout)
	typist := typing.NewCoordinator(cfg.TypingTTL, natsClient)

	verifier := auth.NewVerifier(cfg.JWTSecret)

	wsConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}

	log.Printf("chat server starting")
	log.Printf("  listen_addr:     %s", wsConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", wsConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", wsConfig.MaxConnections)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  presence_grace:  %s", cfg.PresenceGrace)
	log.Printf("  typing_ttl:      %s", cfg.TypingTTL)
	log.Printf("  server_name:     %s", serverName)

	// Declare server early so closures can capture it.
	var server *ws.Server

	// subscribeRoom attaches a connection to its room's live feed. Self
	// events are filtered out: the sender already got an ack and the
	// typing indicator is never mirrored back.
	subscribeRoom := func(conn *ws.Connection, roomKey string) error {
		selfID := conn.Identity.ID
		return natsClient.SubscribeRoom(roomKey, conn.ID, func(data []byte) {
			var event chat.Event
			if err := json.Unmarshal(data, &event); err != nil {
				log.Printf("[room-sub] unmarshal error conn=%s: %v", conn.ID, err)
				return
			}
			if event.From == selfID {
				return
			}

			switch event.Type {
			case chat.EventMessage:
				if event.Message == nil {
					return
				}
				resp, _ := protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
					Message: *event.Message,
				})
				if err := server.SendMessage(conn.ID, resp); err != nil {
					log.Printf("[room-sub] deliver to conn=%s failed: %v", conn.ID, err)
				}

			case chat.EventTyping:
				resp, _ := protocol.NewServerMessage(protocol.TypePeerTyping, protocol.PeerTypingMsg{
					From: event.From,
				})
				_ = server.SendMessage(conn.ID, resp)

			case chat.EventStopTyping:
				resp, _ := protocol.NewServerMessage(protocol.TypePeerStopTyping, protocol.PeerStopTypingMsg{
					From: event.From,
				})
				_ = server.SendMessage(conn.ID, resp)
			}
		})
	}

	sendFailure := func(conn *ws.Connection, correlationID string, err error) {
		code := "internal_error"
		switch {
		case errors.Is(err, chat.ErrNotAuthorized):
			code = "not_authorized"
		case errors.Is(err, chat.ErrInvalidMessage):
			code = "invalid_message"
		case errors.Is(err, chat.ErrPersistence):
			code = "persistence_error"
		}
		resp, _ := protocol.NewServerMessage(protocol.TypeMessageFailed, protocol.MessageFailedMsg{
			CorrelationID: correlationID,
			Code:          code,
			Message:       err.Error(),
		})
		_ = conn.WriteMessage(resp)
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// join — open the conversation with a peer
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoin, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		room, err := relay.Resolve(ctx, conn.Identity.ID, conn.Identity.Role, joinMsg.PeerID)
		if err != nil {
			log.Printf("join rejected conn=%s peer=%s: %v", conn.ID, joinMsg.PeerID, err)
			code := "not_authorized"
			if errors.Is(err, chat.ErrPersistence) {
				code = "persistence_error"
			}
			resp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: code, Message: "cannot join conversation",
			})
			conn.WriteMessage(resp)
			return
		}

		changed, usable := conn.Join(room.Key, joinMsg.PeerID)
		if !usable {
			return
		}

		// Repeated joins of the same room keep the existing subscription.
		if changed || !natsClient.RoomSubscribed(conn.ID) {
			if err := subscribeRoom(conn, room.Key); err != nil {
				log.Printf("join subscribe failed conn=%s room=%s: %v", conn.ID, room.Key, err)
			}
			sessionStore.SetRoom(ctx, conn.ID, room.Key)
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeJoined, protocol.JoinedMsg{
			RoomKey: room.Key,
			PeerID:  joinMsg.PeerID,
			Online:  registry.IsOnline(joinMsg.PeerID),
		})
		conn.WriteMessage(resp)
		log.Printf("join conn=%s participant=%s room=%s", conn.ID, conn.Identity.ID, room.Key)
	})

	// -----------------------------------------------------------------------
	// leave — close the conversation view
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeave, func(conn *ws.Connection, msg interface{}) {
		roomKey, _ := conn.Room()
		if !conn.Leave() {
			return
		}

		typist.Stop(roomKey, conn.Identity.ID)
		_ = natsClient.UnsubscribeRoom(conn.ID)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		sessionStore.ClearRoom(ctx, conn.ID)

		log.Printf("leave conn=%s room=%s", conn.ID, roomKey)
	})

	// -----------------------------------------------------------------------
	// send_message — validate, persist, deliver, ack
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if allowed, _ := limiter.Allow(ctx, conn.Identity.ID, ratelimit.RuleMessage); !allowed {
			resp, _ := protocol.NewServerMessage(protocol.TypeMessageFailed, protocol.MessageFailedMsg{
				CorrelationID: sendMsg.CorrelationID,
				Code:          "rate_limited",
				Message:       "too many messages, slow down",
			})
			conn.WriteMessage(resp)
			return
		}

		persisted, err := relay.Send(ctx, conn.Identity.ID, conn.Identity.Role, sendMsg.RecipientID, sendMsg.Content)
		if err != nil {
			log.Printf("send failed conn=%s recipient=%s: %v", conn.ID, sendMsg.RecipientID, err)
			sendFailure(conn, sendMsg.CorrelationID, err)
			return
		}

		// A send implies the sender stopped typing.
		typist.Stop(persisted.RoomKey, conn.Identity.ID)

		resp, _ := protocol.NewServerMessage(protocol.TypeMessageAck, protocol.MessageAckMsg{
			CorrelationID: sendMsg.CorrelationID,
			Message:       *persisted,
		})
		conn.WriteMessage(resp)

		sessionStore.RefreshTTL(ctx, conn.ID)
	})

	// -----------------------------------------------------------------------
	// typing / stop_typing — transient indicator, joined connections only
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		if _, ok := msg.(protocol.TypingMsg); !ok {
			return
		}
		roomKey, _ := conn.Room()
		if roomKey == "" {
			return
		}
		typist.Signal(roomKey, conn.Identity.ID)
	})

	dispatcher.Register(protocol.TypeStopTyping, func(conn *ws.Connection, msg interface{}) {
		if _, ok := msg.(protocol.StopTypingMsg); !ok {
			return
		}
		roomKey, _ := conn.Room()
		if roomKey == "" {
			return
		}
		typist.Stop(roomKey, conn.Identity.ID)
	})

	server = ws.NewServer(wsConfig, verifier, registry, sessionStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	server.SetConnectLimiter(limiter)

	// Drop the room subscription when the socket goes away. Presence and
	// the Redis session are handled inside the removal itself.
	server.SetOnDisconnect(func(conn *ws.Connection) {
		if roomKey, _ := conn.Room(); roomKey != "" {
			typist.Stop(roomKey, conn.Identity.ID)
		}
		_ = natsClient.UnsubscribeRoom(conn.ID)
	})

	// Presence fan-out: every instance forwards transitions to the
	// connected counterparts (admins hear about users and vice versa).
	if err := natsClient.SubscribePresence(func(data []byte) {
		var event chat.PresenceEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("[presence-sub] unmarshal error: %v", err)
			return
		}

		msgType := protocol.TypeUserOffline
		var payload interface{} = protocol.UserOfflineMsg{ID: event.ParticipantID}
		if event.Online {
			msgType = protocol.TypeUserOnline
			payload = protocol.UserOnlineMsg{ID: event.ParticipantID}
		}
		resp, err := protocol.NewServerMessage(msgType, payload)
		if err != nil {
			return
		}

		for _, conn := range server.Connections().All() {
			if conn.Identity.ID == event.ParticipantID || conn.Identity.Role == event.Role {
				continue
			}
			_ = server.SendMessage(conn.ID, resp)
		}
	}); err != nil {
		log.Fatalf("presence subscription failed: %v", err)
	}

	// REST surface and metrics share the gateway's listener.
	restHandlers := api.NewHandlers(relay, verifier, registry)
	server.SetExtraRoutes(func(mux *http.ServeMux) {
		restHandlers.Register(mux)
		mux.Handle("/metrics", metrics.Handler())
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		typist.Close()
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if err := chatStore.Close(); err != nil {
			log.Printf("chat store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
