// Package relay fans presence and change events out to everyone viewing
// the same document version. Rooms map to Redis pub/sub channels, so any
// number of API instances can serve the same review session.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Event names carried over the relay.
const (
	EventCursorUpdate      = "cursor-update"
	EventAnnotationChange  = "annotation-change"
	EventTopicReviewUpdate = "topic-review-update"
)

const channelPrefix = "relay:"

// RoomName is the room shared by everyone viewing one document version.
func RoomName(documentID string, version int) string {
	return fmt.Sprintf("document-%s-%d", documentID, version)
}

// Message is the wire envelope for relay events.
type Message struct {
	Sender  string          `json:"sender"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler receives messages for one event in one room. Handlers run on the
// room's receive goroutine and must not block.
type Handler func(Message)

// Client joins rooms, emits into them and dispatches incoming messages.
// A client never dispatches its own messages back to itself.
type Client struct {
	rdb    *redis.Client
	sender string

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	pubsub   *redis.PubSub
	handlers map[string][]Handler
	done     chan struct{}
}

func NewClient(rdb *redis.Client, sender string) *Client {
	return &Client{rdb: rdb, sender: sender, rooms: make(map[string]*room)}
}

// Sender returns the identity stamped on every emitted message.
func (c *Client) Sender() string { return c.sender }

// Join subscribes to a room. Joining a room twice is a no-op.
func (c *Client) Join(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[name]; ok {
		return nil
	}

	pubsub := c.rdb.Subscribe(ctx, channelPrefix+name)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("join room %s: %w", name, err)
	}

	r := &room{
		pubsub:   pubsub,
		handlers: make(map[string][]Handler),
		done:     make(chan struct{}),
	}
	c.rooms[name] = r
	go c.receive(r)
	return nil
}

// Leave unsubscribes from a room and stops dispatching its messages.
func (c *Client) Leave(name string) {
	c.mu.Lock()
	r, ok := c.rooms[name]
	if ok {
		delete(c.rooms, name)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = r.pubsub.Close()
	<-r.done
}

// On registers a handler for an event in a room. The room must be joined
// first.
func (c *Client) On(name, event string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[name]
	if !ok {
		return fmt.Errorf("not joined to room %s", name)
	}
	r.handlers[event] = append(r.handlers[event], h)
	return nil
}

// Emit publishes an event into a room. Emitting does not require joining,
// so the HTTP layer can broadcast saves without holding a subscription.
func (c *Client) Emit(ctx context.Context, name, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	msg, err := json.Marshal(Message{Sender: c.sender, Event: event, Payload: raw})
	if err != nil {
		return err
	}
	if err := c.rdb.Publish(ctx, channelPrefix+name, msg).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

// Close leaves every room.
func (c *Client) Close() {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for name := range c.rooms {
		rooms = append(rooms, name)
	}
	c.mu.Unlock()
	for _, name := range rooms {
		c.Leave(name)
	}
}

func (c *Client) receive(r *room) {
	defer close(r.done)
	for raw := range r.pubsub.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			log.Printf("relay: dropping malformed message: %v", err)
			continue
		}
		if msg.Sender == c.sender {
			continue
		}
		c.mu.Lock()
		handlers := append([]Handler(nil), r.handlers[msg.Event]...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(msg)
		}
	}
}
