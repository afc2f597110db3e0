/*
Package notify delivers engine announcements to a group's shared channel.

PURPOSE:
  The engine announces recovery day activations and completed group checks.
  Delivery is best effort: callers log a failed Announce and move on, so no
  implementation here may block a state transition for long.

IMPLEMENTATIONS:
  LogNotifier:   Writes announcements to the structured log
  RedisNotifier: RPUSHes JSON onto a Redis list that the chat bridge drains
  Multi:         Fans out to several notifiers, joining their errors

SEE ALSO:
  - core/store.go: Notifier interface
*/
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/commitment-engine/core"
)

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier logs every announcement at info level.
type LogNotifier struct {
	Logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{Logger: logger}
}

func (n *LogNotifier) Announce(ctx context.Context, a core.Announcement) error {
	attrs := []any{"group", a.GroupID, "kind", a.Kind}
	if a.MemberID != "" {
		attrs = append(attrs, "member", a.MemberID)
	}
	n.Logger.InfoContext(ctx, a.Message, attrs...)
	return nil
}

// =============================================================================
// REDIS NOTIFIER
// =============================================================================

// DefaultKeyPrefix is prepended to the group ID to form the list key.
const DefaultKeyPrefix = "commitment:announcements:"

// RedisNotifier pushes announcements onto one list per group.
type RedisNotifier struct {
	Client    *redis.Client
	KeyPrefix string
	Timeout   time.Duration
}

// NewRedisNotifier connects to addr. It does not ping; the first Announce
// surfaces connection problems.
func NewRedisNotifier(addr, password string, db int) *RedisNotifier {
	return &RedisNotifier{
		Client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		KeyPrefix: DefaultKeyPrefix,
		Timeout:   2 * time.Second,
	}
}

// Key returns the list an announcement for groupID is pushed to.
func (n *RedisNotifier) Key(groupID core.GroupID) string {
	prefix := n.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return prefix + string(groupID)
}

func (n *RedisNotifier) Announce(ctx context.Context, a core.Announcement) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode announcement: %w", err)
	}

	if n.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}

	if err := n.Client.RPush(ctx, n.Key(a.GroupID), payload).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", n.Key(a.GroupID), err)
	}
	return nil
}

// Ping checks the connection at startup.
func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.Client.Ping(ctx).Err()
}

func (n *RedisNotifier) Close() error {
	return n.Client.Close()
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi delivers to every notifier even when one fails.
type Multi []core.Notifier

func (m Multi) Announce(ctx context.Context, a core.Announcement) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Announce(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
