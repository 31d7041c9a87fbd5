// Package ws is the dev server side of the push channel: socket upgrade, topic
// membership and fan-out of resource changes to joined clients.
package ws

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gridsync/internal/auth"
	"github.com/dgnsrekt/gridsync/internal/data"
	"github.com/dgnsrekt/gridsync/internal/model"
)

// EventUpdate carries a full snapshot after a resource changes.
const EventUpdate = "update"

// EventState answers request_state with the current snapshot.
const EventState = "state"

// Options tunes the hub.
type Options struct {
	// PushDisabled makes every join fail with reason "push disabled".
	PushDisabled bool
	// HeartbeatTimeout closes sockets that send nothing for this long.
	HeartbeatTimeout time.Duration
}

// Hub manages socket connections and topic membership.
type Hub struct {
	store      *data.Store
	issuer     *auth.Issuer
	opts       Options
	clients    map[*Client]bool
	topics     map[string]map[*Client]bool // topic -> clients
	unregister chan *Client
	broadcast  chan *topicMessage
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	logger     *zap.Logger
}

// topicMessage is one event to fan out to a topic.
type topicMessage struct {
	Topic   string
	Event   string
	Payload json.RawMessage
}

// NewHub creates a Hub and subscribes it to store changes.
func NewHub(store *data.Store, issuer *auth.Issuer, opts Options, logger *zap.Logger) *Hub {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = pongWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		store:      store,
		issuer:     issuer,
		opts:       opts,
		clients:    make(map[*Client]bool),
		topics:     make(map[string]map[*Client]bool),
		unregister: make(chan *Client),
		broadcast:  make(chan *topicMessage, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
	store.Observe(h.onChange)
	return h
}

// Run processes hub events. Call this in a goroutine.
// Returns when context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down")
			h.shutdown()
			return

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("connID", client.connID))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.topics[msg.Topic] {
				frame, err := client.buildPush(msg.Topic, msg.Event, msg.Payload)
				if err != nil {
					continue
				}
				select {
				case client.send <- frame:
				default:
					// Buffer full, schedule disconnect
					go h.drop(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) addClient(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	h.clients[c] = true
	h.logger.Debug("client registered", zap.String("connID", c.connID), zap.String("user", c.user.ID))
	return true
}

// removeLocked forgets c and closes its send queue. Callers hold h.mu.
func (h *Hub) removeLocked(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for topic := range c.joins {
		if clients, ok := h.topics[topic]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	close(c.send)
}

func (h *Hub) drop(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// shutdown gracefully closes all client connections.
func (h *Hub) shutdown() {
	h.stopOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.removeLocked(client)
	}
	h.topics = make(map[string]map[*Client]bool)
}

// JoinTopic adds a client to a topic under joinRef.
func (h *Hub) JoinTopic(client *Client, topic, joinRef string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]bool)
	}
	h.topics[topic][client] = true
	client.joins[topic] = joinRef

	h.logger.Debug("client joined topic",
		zap.String("connID", client.connID),
		zap.String("topic", topic),
	)
}

// LeaveTopic removes a client from a topic.
func (h *Hub) LeaveTopic(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.topics[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(client.joins, topic)

	h.logger.Debug("client left topic",
		zap.String("connID", client.connID),
		zap.String("topic", topic),
	)
}

// ActiveTopics returns all topics with at least one subscriber.
func (h *Hub) ActiveTopics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var topics []string
	for topic, clients := range h.topics {
		if len(clients) > 0 {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return topics
}

// Broadcast sends an event to all clients joined to topic.
func (h *Hub) Broadcast(topic, event string, payload json.RawMessage) {
	select {
	case h.broadcast <- &topicMessage{Topic: topic, Event: event, Payload: payload}:
	case <-h.done:
	}
}

// onChange pushes the new snapshot of res to its topic. Session payloads are
// per user and never broadcast.
func (h *Hub) onChange(res model.Resource, rev int64) {
	if res.Kind == model.KindSession {
		return
	}
	snap, err := h.store.Snapshot(res, model.User{})
	if err != nil {
		h.logger.Debug("change for vanished resource", zap.Stringer("resource", res), zap.Error(err))
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		h.logger.Error("encoding snapshot", zap.Stringer("resource", res), zap.Error(err))
		return
	}
	h.Broadcast(res.Topic(), EventUpdate, payload)
	h.logger.Debug("broadcast update",
		zap.String("topic", res.Topic()),
		zap.Int64("revision", rev),
	)
}

// joined reports whether c is a member of topic.
func (h *Hub) joined(c *Client, topic string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ref, ok := c.joins[topic]
	return ref, ok
}

// enqueue queues a frame for c unless it has been unregistered or its buffer
// is full.
func (h *Hub) enqueue(c *Client, frame []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		go h.drop(c)
		return false
	}
}
