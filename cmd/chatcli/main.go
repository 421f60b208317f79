// Command chatcli is a minimal terminal chat client driving the sync
// engine: it connects as one user, opens a room, streams messages to
// stdout, and sends stdin lines as messages. It doubles as the reference
// wiring for embedding the engine.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chatmee/chat-client/internal/cache"
	"github.com/chatmee/chat-client/internal/conn"
	"github.com/chatmee/chat-client/internal/history"
	"github.com/chatmee/chat-client/internal/metrics"
	"github.com/chatmee/chat-client/internal/presence"
	"github.com/chatmee/chat-client/internal/ratelimit"
	"github.com/chatmee/chat-client/internal/roomsync"
	"github.com/chatmee/chat-client/internal/transport"
	"github.com/chatmee/chat-client/internal/usercache"
)

func main() {
	wsURL := envOr("CHATMEE_WS_URL", "ws://localhost:8080/ws")
	apiURL := envOr("CHATMEE_API_URL", "http://localhost:8080")
	natsURL := os.Getenv("CHATMEE_NATS_URL") // set to use the NATS transport
	metricsAddr := os.Getenv("METRICS_ADDR")
	userID := envOr("CHATMEE_USER_ID", "")
	userName := envOr("CHATMEE_USER_NAME", "")
	roomID := envOr("CHATMEE_ROOM_ID", "")

	if userID == "" || roomID == "" {
		fmt.Fprintln(os.Stderr, "usage: CHATMEE_USER_ID=<id> CHATMEE_ROOM_ID=<room> chatcli")
		os.Exit(2)
	}
	if userName == "" {
		userName = userID
	}

	log.Printf("ChatMee client starting")
	log.Printf("  api_url: %s", apiURL)
	if natsURL != "" {
		log.Printf("  nats_url: %s", natsURL)
	} else {
		log.Printf("  ws_url:  %s", wsURL)
	}

	// The manager is created after the transport, but the transport's
	// close callback needs the manager; bridge with a late-bound pointer.
	var mgr *conn.Manager
	onClose := func(err error) {
		if mgr != nil {
			mgr.HandleTransportClose(err)
		}
	}

	var tr transport.Transport
	if natsURL != "" {
		cfg := transport.DefaultNATSConfig()
		cfg.URL = natsURL
		cfg.OnClose = onClose
		tr = transport.NewNATS(cfg)
	} else {
		tr = transport.NewWebSocket(transport.WebSocketConfig{URL: wsURL, OnClose: onClose})
	}

	api := history.NewClient(apiURL, 10*time.Second)
	users := usercache.New(api)
	sessionCache := cache.NewSession()

	aggregator := presence.NewAggregator(presence.AggregatorConfig{
		SelfID: func() string {
			if id, ok := mgr.CurrentIdentity(); ok {
				return id.ID
			}
			return ""
		},
	})

	var sync *roomsync.Synchronizer
	mgr = conn.NewManager(tr, conn.ManagerConfig{
		Heartbeat:       30 * time.Second,
		OnPresenceFrame: aggregator.HandlePresenceFrame,
		OnStateChange: func(st conn.Status) {
			log.Printf("[chatcli] connection: %s", st.State)
			if sync != nil {
				sync.HandleConnectionState(st)
			}
		},
	})

	notifier := presence.NewNotifier(mgr, ratelimit.NewLimiter(), presence.DefaultIdleWindow)

	rendered := 0
	sync = roomsync.New(roomsync.Config{
		Manager:      mgr,
		Fetcher:      api,
		Cache:        sessionCache,
		TypingFrames: aggregator.HandleTypingFrame,
		OnChange: func(id string) {
			if id != roomID {
				return
			}
			st := sync.Snapshot(id)
			if st.Error != "" {
				fmt.Printf("!! %s\n", st.Error)
				return
			}
			for ; rendered < len(st.Messages); rendered++ {
				m := st.Messages[rendered]
				marker := ""
				switch m.Status {
				case roomsync.StatusSending:
					marker = " …"
				case roomsync.StatusFailed:
					marker = " ✗ " + m.ErrorMessage
				}
				fmt.Printf("[%s] %s: %s%s\n", id, m.SenderName, m.Content, marker)
			}
		},
	})

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			log.Printf("[chatcli] metrics on %s/metrics", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Printf("[chatcli] metrics server: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.HandleAuthEvent(ctx, conn.AuthEvent{
		LoggedIn: true,
		User:     conn.Identity{ID: userID, Name: userName},
	})
	if !mgr.Connected() {
		log.Fatalf("could not connect: %s", mgr.Status().LastError)
	}

	// Seed presence from the snapshot endpoint; frames keep it current.
	if ids, err := api.OnlineUsers(ctx); err == nil {
		aggregator.SetOnlineUsers(ids)
	} else {
		log.Printf("[chatcli] online-users seed failed: %v", err)
	}

	sync.OpenRoom(ctx, roomID)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Printf("joined %s as %s. type to send, /who for presence, /quit to leave\n", roomID, userName)

	for {
		select {
		case <-sigs:
			shutdown(mgr, sync, notifier, roomID)
			return
		case line, ok := <-lines:
			if !ok {
				shutdown(mgr, sync, notifier, roomID)
				return
			}
			switch {
			case line == "/quit":
				shutdown(mgr, sync, notifier, roomID)
				return
			case line == "/who":
				for _, id := range aggregator.OnlineUsers() {
					fmt.Printf("  online: %s\n", users.DisplayName(ctx, id))
				}
				for _, id := range aggregator.TypingUsers(roomID) {
					fmt.Printf("  typing: %s\n", users.DisplayName(ctx, id))
				}
			case strings.TrimSpace(line) == "":
				notifier.InputChanged(roomID, false)
			default:
				notifier.InputChanged(roomID, true)
				sync.SendMessage(roomID, line)
				notifier.MessageSent(roomID)
			}
		}
	}
}

func shutdown(mgr *conn.Manager, sync *roomsync.Synchronizer, notifier *presence.Notifier, roomID string) {
	log.Printf("[chatcli] shutting down")
	notifier.Stop()
	sync.CloseRoom(roomID)
	mgr.HandleAuthEvent(context.Background(), conn.AuthEvent{LoggedIn: false})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
