package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Relay fans out selected Bus channels to connected websocket clients, for
// an external dashboard (out of scope itself, but the core still needs a
// concrete network-facing bus binding to exercise). Generalized from the
// teacher's websocket.NewHub in cmd/pulse/main.go, trimmed to pure
// broadcast-only semantics: the SIEM core never reads client-sent frames.
type Relay struct {
	bus      Bus
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte

	channels []string
	cancels  []func()
}

// NewRelay builds a Relay that mirrors the given channels to every
// connected websocket client as JSON-framed {"channel":..., "payload":...}
// messages.
func NewRelay(b Bus, channels ...string) *Relay {
	return &Relay{
		bus:      b,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		clients:  make(map[*websocket.Conn]chan []byte),
		channels: channels,
	}
}

// Start subscribes to every configured channel and begins broadcasting.
// It returns a stop function that unsubscribes and closes all client
// connections.
func (r *Relay) Start(ctx context.Context) func() {
	for _, ch := range r.channels {
		sub, cancel := r.bus.Subscribe(ch)
		r.cancels = append(r.cancels, cancel)
		go r.pump(ctx, ch, sub)
	}
	return func() {
		for _, cancel := range r.cancels {
			cancel()
		}
		r.closeAll()
	}
}

type envelope struct {
	Channel string      `json:"channel"`
	Payload interface{} `json:"payload"`
}

func (r *Relay) pump(ctx context.Context, channel string, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(envelope{Channel: channel, Payload: payload})
			if err != nil {
				log.Warn().Err(err).Str("channel", channel).Msg("bus relay: failed to marshal payload")
				continue
			}
			r.broadcast(data)
		}
	}
}

func (r *Relay) broadcast(data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, out := range r.clients {
		select {
		case out <- data:
		default:
			// Slow client: drop rather than block the relay, same
			// policy as the in-memory bus itself.
		}
	}
}

// ServeHTTP upgrades the connection and registers it as a broadcast target
// until it disconnects.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Msg("bus relay: websocket upgrade failed")
		return
	}

	out := make(chan []byte, 64)
	r.mu.Lock()
	r.clients[conn] = out
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.clients, conn)
		r.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Drain (and discard) client frames so ping/pong control frames are
	// processed; the relay is broadcast-only.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-out:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *Relay) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conn, ch := range r.clients {
		close(ch)
		conn.Close()
		delete(r.clients, conn)
	}
}
