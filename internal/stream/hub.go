// Package stream fans live run snapshots out to websocket watchers, across
// instances when redis is configured.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"backend-lari2gether/internal/tracker"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix = "run:"
	channelSuffix = ":live"
)

type Hub struct {
	id      string
	redis   *redis.Client
	logger  *slog.Logger
	clients map[string]map[*Client]struct{}
	last    map[string][]byte
	mu      sync.RWMutex

	ready  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

type Client struct {
	SessionID string
	Send      chan []byte
}

// envelope tags redis messages with the publishing hub so it can skip its own.
type envelope struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

func NewHub(redisClient *redis.Client, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		id:      uuid.NewString(),
		redis:   redisClient,
		logger:  logger,
		clients: map[string]map[*Client]struct{}{},
		last:    map[string][]byte{},
		ready:   make(chan struct{}),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	if redisClient != nil {
		go h.subscribeRedis(ctx)
	} else {
		close(h.ready)
		close(h.done)
	}
	return h
}

// Close stops the redis subscription.
func (h *Hub) Close() {
	h.cancel()
	<-h.done
}

// Register adds a watcher for sessionID. A watcher joining mid-run first
// receives the latest payload.
func (h *Hub) Register(sessionID string) *Client {
	client := &Client{
		SessionID: sessionID,
		Send:      make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if last, ok := h.last[sessionID]; ok {
		client.Send <- last
	}
	if h.clients[sessionID] == nil {
		h.clients[sessionID] = map[*Client]struct{}{}
	}
	h.clients[sessionID][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sessionClients, ok := h.clients[client.SessionID]; ok {
		if _, ok := sessionClients[client]; !ok {
			return
		}
		delete(sessionClients, client)
		if len(sessionClients) == 0 {
			delete(h.clients, client.SessionID)
		}
		close(client.Send)
	}
}

// Forget drops the cached payload of a finished session.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	delete(h.last, sessionID)
	h.mu.Unlock()
}

// Watchers reports how many local clients follow sessionID.
func (h *Hub) Watchers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID])
}

// Publish broadcasts a session snapshot as JSON.
func (h *Hub) Publish(snap tracker.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		h.logger.Error("encode snapshot", "session_id", snap.SessionID, "error", err)
		return
	}
	h.Broadcast(snap.SessionID, payload)
}

// Broadcast delivers payload to local watchers and, with redis, to every other
// instance. Slow watchers miss messages rather than block the sender.
func (h *Hub) Broadcast(sessionID string, payload []byte) {
	h.deliver(sessionID, payload)

	if h.redis == nil {
		return
	}
	msg, err := json.Marshal(envelope{Origin: h.id, Payload: payload})
	if err != nil {
		h.logger.Error("encode broadcast", "session_id", sessionID, "error", err)
		return
	}
	if err := h.redis.Publish(context.Background(), redisChannel(sessionID), msg).Err(); err != nil {
		h.logger.Warn("redis publish failed", "session_id", sessionID, "error", err)
	}
}

func (h *Hub) deliver(sessionID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[sessionID] = payload
	for client := range h.clients[sessionID] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) subscribeRedis(ctx context.Context) {
	defer close(h.done)

	pubsub := h.redis.PSubscribe(ctx, channelPrefix+"*"+channelSuffix)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		h.logger.Warn("redis subscribe failed", "error", err)
		close(h.ready)
		return
	}
	close(h.ready)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.handleRedis(msg)
		}
	}
}

func (h *Hub) handleRedis(msg *redis.Message) {
	sessionID := sessionIDFromChannel(msg.Channel)
	if sessionID == "" {
		return
	}
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		h.logger.Debug("dropping foreign redis message", "channel", msg.Channel, "error", err)
		return
	}
	if env.Origin == h.id {
		return
	}
	h.deliver(sessionID, env.Payload)
}

func redisChannel(sessionID string) string {
	return channelPrefix + sessionID + channelSuffix
}

// sessionIDFromChannel parses run:{session}:live.
func sessionIDFromChannel(ch string) string {
	if !strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) {
		return ""
	}
	if len(ch) <= len(channelPrefix)+len(channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}
