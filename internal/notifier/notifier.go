// Package notifier broadcasts accepted changes and conflict resolutions to
// other connected sessions over redis pub/sub. Delivery is best-effort:
// sync correctness never depends on it, so a disconnected notifier degrades
// to warnings instead of failures.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/learnloop/sync-server/internal/models"
)

// Pub/sub channel names.
const (
	ChannelChanges             = "sync:changes"
	ChannelConflictResolutions = "sync:conflict-resolutions"
)

// Envelope message types.
const (
	MessageTypeChange           = "change"
	MessageTypeConflictResolved = "conflict_resolved"
)

const connectMaxElapsed = 15 * time.Second

// envelope is the wire format on both channels.
type envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// Event is the in-process form of a received pub/sub message. Exactly one of
// Change and ConflictResolved is set, matching Type.
type Event struct {
	Type             string
	Change           *models.ChangeNotification
	ConflictResolved *models.ConflictResolvedNotification
}

// userID returns the owning user of the event payload, for filtered
// subscriptions.
func (e Event) userID() string {
	switch {
	case e.Change != nil:
		return e.Change.UserID
	case e.ConflictResolved != nil:
		return e.ConflictResolved.UserID
	default:
		return ""
	}
}

// Config holds the redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

type subscription struct {
	userID  string
	handler func(Event)
}

// Notifier is the sync event broadcaster. It is constructed explicitly and
// injected where needed; Connect and Disconnect belong to the application's
// startup and shutdown sequence.
type Notifier struct {
	cfg Config

	mu        sync.Mutex
	client    *redis.Client
	pubsub    *redis.PubSub
	connected bool
	done      chan struct{}

	subMu  sync.Mutex
	subs   map[int]subscription
	nextID int
}

// New creates a disconnected notifier.
func New(cfg Config) *Notifier {
	return &Notifier{
		cfg:  cfg,
		subs: make(map[int]subscription),
	}
}

// Connect establishes the publisher client and the subscriber handles for
// both channels. It is idempotent: a connected notifier is left untouched.
func (n *Notifier) Connect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.connected {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     n.cfg.Addr,
		Password: n.cfg.Password,
		DB:       n.cfg.DB,
	})

	ping := func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	}
	if _, err := backoff.Retry(ctx, ping,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(connectMaxElapsed)); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	pubsub := client.Subscribe(ctx, ChannelChanges, ChannelConflictResolutions)
	done := make(chan struct{})

	n.client = client
	n.pubsub = pubsub
	n.done = done
	n.connected = true

	go n.listen(pubsub.Channel(), done)

	slog.InfoContext(ctx, "Sync event notifier connected", "addr", n.cfg.Addr)
	return nil
}

// Disconnect tears down the pub/sub handles. Idempotent.
func (n *Notifier) Disconnect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.connected {
		return nil
	}

	close(n.done)
	if err := n.pubsub.Close(); err != nil {
		slog.WarnContext(ctx, "Failed to close pub/sub subscriber", "error", err)
	}
	if err := n.client.Close(); err != nil {
		slog.WarnContext(ctx, "Failed to close redis client", "error", err)
	}

	n.client = nil
	n.pubsub = nil
	n.done = nil
	n.connected = false

	slog.InfoContext(ctx, "Sync event notifier disconnected")
	return nil
}

// EmitChange broadcasts an accepted change. Best-effort: when disconnected
// or on publish failure it logs a warning and returns.
func (n *Notifier) EmitChange(ctx context.Context, change models.ChangeNotification) {
	n.publish(ctx, ChannelChanges, MessageTypeChange, change)
}

// EmitConflictResolved broadcasts a conflict resolution. Best-effort.
func (n *Notifier) EmitConflictResolved(ctx context.Context, resolved models.ConflictResolvedNotification) {
	n.publish(ctx, ChannelConflictResolutions, MessageTypeConflictResolved, resolved)
}

func (n *Notifier) publish(ctx context.Context, channel, messageType string, payload any) {
	n.mu.Lock()
	client := n.client
	connected := n.connected
	n.mu.Unlock()

	if !connected {
		slog.WarnContext(ctx, "Sync event notifier not connected, dropping notification",
			"channel", channel, "type", messageType)
		return
	}

	rawPayload, err := json.Marshal(payload)
	if err != nil {
		slog.WarnContext(ctx, "Failed to encode notification payload",
			"channel", channel, "type", messageType, "error", err)
		return
	}
	raw, err := json.Marshal(envelope{
		Type:      messageType,
		Payload:   rawPayload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		slog.WarnContext(ctx, "Failed to encode notification envelope",
			"channel", channel, "type", messageType, "error", err)
		return
	}

	if err := client.Publish(ctx, channel, raw).Err(); err != nil {
		slog.WarnContext(ctx, "Failed to publish notification",
			"channel", channel, "type", messageType, "error", err)
	}
}

// Subscribe registers a callback for events belonging to userID and returns
// an unsubscribe closure. Events for other users are filtered out before the
// callback runs.
func (n *Notifier) Subscribe(userID string, handler func(Event)) func() {
	n.subMu.Lock()
	defer n.subMu.Unlock()

	id := n.nextID
	n.nextID++
	n.subs[id] = subscription{userID: userID, handler: handler}

	return func() {
		n.subMu.Lock()
		defer n.subMu.Unlock()
		delete(n.subs, id)
	}
}

// listen re-emits incoming pub/sub messages as in-process events. Malformed
// messages are logged and dropped; the listener never crashes.
func (n *Notifier) listen(messages <-chan *redis.Message, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			event, err := parseMessage(msg.Payload)
			if err != nil {
				slog.Warn("Dropping malformed sync notification",
					"channel", msg.Channel, "error", err)
				continue
			}
			n.dispatch(event)
		}
	}
}

func (n *Notifier) dispatch(event Event) {
	n.subMu.Lock()
	handlers := make([]func(Event), 0, len(n.subs))
	for _, sub := range n.subs {
		if sub.userID == event.userID() {
			handlers = append(handlers, sub.handler)
		}
	}
	n.subMu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// parseMessage decodes a wire envelope into an Event.
func parseMessage(raw string) (Event, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Event{}, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case MessageTypeChange:
		var change models.ChangeNotification
		if err := json.Unmarshal(env.Payload, &change); err != nil {
			return Event{}, fmt.Errorf("invalid change payload: %w", err)
		}
		return Event{Type: MessageTypeChange, Change: &change}, nil
	case MessageTypeConflictResolved:
		var resolved models.ConflictResolvedNotification
		if err := json.Unmarshal(env.Payload, &resolved); err != nil {
			return Event{}, fmt.Errorf("invalid conflict payload: %w", err)
		}
		return Event{Type: MessageTypeConflictResolved, ConflictResolved: &resolved}, nil
	default:
		return Event{}, fmt.Errorf("unknown message type %q", env.Type)
	}
}
