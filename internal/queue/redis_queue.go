package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"cleaner-coordinator/internal/config"
)

// Escalation action labels, one per deferred stage of a cycle.
const (
	LabelReminder          = "reminder"
	LabelBackupInvite      = "backup_invite"
	LabelBackupReminder    = "backup_reminder"
	LabelSecondaryInvite   = "secondary_invite"
	LabelSecondaryReminder = "secondary_reminder"
	LabelFinalEscalation   = "final_escalation"
)

// Action is one deferred escalation step for a cleaning's current cycle. Its
// key combines the cleaning id, label, and offset so re-registration of an
// identical cycle collapses onto the same member.
type Action struct {
	Tenant        string
	CleaningID    string
	Label         string
	OffsetMinutes int
}

// Key encodes the action as a ZSET member.
func (a Action) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d", a.Tenant, a.CleaningID, a.Label, a.OffsetMinutes)
}

// ParseAction decodes a ZSET member back into an Action.
func ParseAction(member string) (Action, error) {
	parts := strings.Split(member, "|")
	if len(parts) != 4 {
		return Action{}, fmt.Errorf("malformed action member %q", member)
	}
	offset, err := strconv.Atoi(parts[3])
	if err != nil {
		return Action{}, fmt.Errorf("malformed action offset in %q: %w", member, err)
	}
	return Action{Tenant: parts[0], CleaningID: parts[1], Label: parts[2], OffsetMinutes: offset}, nil
}

// EscalationQueue keeps the deferred actions of all active cycles in a Redis
// ZSET scored by fire time, with a per-cleaning pending set so a whole
// cycle's actions can be cancelled as a group. Registered actions survive a
// process restart; every popped action still re-validates live state before
// sending anything.
type EscalationQueue struct {
	client       *redis.Client
	scheduledKey string
}

// NewEscalationQueue builds a queue client from config.
func NewEscalationQueue(cfg config.Config) *EscalationQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewEscalationQueueWithClient(client)
}

// NewEscalationQueueWithClient wraps an existing client (tests use miniredis).
func NewEscalationQueueWithClient(client *redis.Client) *EscalationQueue {
	return &EscalationQueue{
		client:       client,
		scheduledKey: "esc:scheduled",
	}
}

func (q *EscalationQueue) pendingKey(cleaningID string) string {
	return "esc:pending:" + cleaningID
}

// Schedule registers one deferred action to fire at the given time.
func (q *EscalationQueue) Schedule(ctx context.Context, a Action, fireAt time.Time) error {
	member := a.Key()
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(fireAt.UnixMilli()), Member: member})
	pipe.SAdd(ctx, q.pendingKey(a.CleaningID), member)
	_, err := pipe.Exec(ctx)
	return err
}

// PopDue atomically claims due actions. A member removed here belongs to
// this caller; malformed members are dropped.
func (q *EscalationQueue) PopDue(ctx context.Context, now time.Time, limit int64) ([]Action, error) {
	res, err := popDueScript.Run(ctx, q.client, []string{q.scheduledKey}, now.UnixMilli(), limit).Result()
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from pop script: %T", res)
	}

	actions := make([]Action, 0, len(raw))
	for _, m := range raw {
		member, ok := m.(string)
		if !ok {
			continue
		}
		a, err := ParseAction(member)
		if err != nil {
			continue
		}
		q.client.SRem(ctx, q.pendingKey(a.CleaningID), member)
		actions = append(actions, a)
	}
	return actions, nil
}

// CancelCleaning removes every still-pending action for a cleaning. It
// returns how many were removed; cancelling a cleaning with nothing
// registered is a no-op.
func (q *EscalationQueue) CancelCleaning(ctx context.Context, cleaningID string) (int, error) {
	pending := q.pendingKey(cleaningID)
	members, err := q.client.SMembers(ctx, pending).Result()
	if err != nil {
		return 0, err
	}

	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, q.scheduledKey, m)
	}
	pipe.Del(ctx, pending)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// PendingForCleaning lists the actions still registered for a cleaning.
func (q *EscalationQueue) PendingForCleaning(ctx context.Context, cleaningID string) ([]Action, error) {
	members, err := q.client.SMembers(ctx, q.pendingKey(cleaningID)).Result()
	if err != nil {
		return nil, err
	}
	actions := make([]Action, 0, len(members))
	for _, m := range members {
		if a, err := ParseAction(m); err == nil {
			actions = append(actions, a)
		}
	}
	return actions, nil
}

// PendingDepth returns the total count of registered actions.
func (q *EscalationQueue) PendingDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.scheduledKey).Result()
}

var popDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for i=1,#due do
  redis.call('ZREM', KEYS[1], due[i])
end
return due
`)
