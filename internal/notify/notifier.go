/**
 * User Notifications over Redis Pub/Sub
 *
 * Capture sessions and scan jobs surface toast-style signals to the drawing
 * viewer. Each signal is published on the notify channel and kept in a short
 * per-session history list so a reconnecting viewer can catch up.
 */

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
)

// Kind is the severity of a user-facing signal
type Kind string

const (
	KindInfo  Kind = "info"
	KindError Kind = "error"
)

const historyLimit = 50

// Notification is one user-facing signal
type Notification struct {
	Event       string    `json:"event"`
	SessionID   string    `json:"sessionId"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// Event is a non-toast message on the same channel (item cleared, job progress)
type Event struct {
	Event     string                 `json:"event"`
	SessionID string                 `json:"sessionId,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// RedisNotifier publishes notifications through Redis
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
	logger  *logging.Logger
	now     func() time.Time
}

// NewRedisNotifier creates a notifier publishing on channel
func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	return &RedisNotifier{
		client:  client,
		channel: channel,
		logger:  logging.NewLogger("Notifier"),
		now:     time.Now,
	}
}

// NotifyUser publishes a signal to a session's viewer
func (n *RedisNotifier) NotifyUser(ctx context.Context, sessionID string, kind Kind, title, description string) error {
	payload, err := json.Marshal(&Notification{
		Event:       "notification",
		SessionID:   sessionID,
		Kind:        kind,
		Title:       title,
		Description: description,
		Timestamp:   n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	pipe := n.client.TxPipeline()
	pipe.Publish(ctx, n.channel, payload)
	pipe.LPush(ctx, historyKey(n.channel, sessionID), payload)
	pipe.LTrim(ctx, historyKey(n.channel, sessionID), 0, historyLimit-1)
	pipe.Expire(ctx, historyKey(n.channel, sessionID), 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		n.logger.Error("Failed to publish notification", "sessionId", sessionID, "title", title, "error", err)
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	return nil
}

// Publish sends a structured event on the notify channel
func (n *RedisNotifier) Publish(ctx context.Context, event string, sessionID string, data map[string]interface{}) error {
	payload, err := json.Marshal(&Event{
		Event:     event,
		SessionID: sessionID,
		Data:      data,
		Timestamp: n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event, err)
	}
	return nil
}

// Recent returns up to limit of a session's latest notifications, newest first
func (n *RedisNotifier) Recent(ctx context.Context, sessionID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}

	raw, err := n.client.LRange(ctx, historyKey(n.channel, sessionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}

	return decodeNotifications(raw), nil
}

func decodeNotifications(raw []string) []Notification {
	out := make([]Notification, 0, len(raw))
	for _, r := range raw {
		var note Notification
		if err := json.Unmarshal([]byte(r), &note); err != nil {
			continue
		}
		out = append(out, note)
	}
	return out
}

func historyKey(channel, sessionID string) string {
	return fmt.Sprintf("%s:session:%s", channel, sessionID)
}
