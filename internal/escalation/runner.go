package escalation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cleaner-coordinator/internal/messages"
	"cleaner-coordinator/internal/models"
	"cleaner-coordinator/internal/notify"
	"cleaner-coordinator/internal/phone"
	"cleaner-coordinator/internal/queue"
	"cleaner-coordinator/internal/telemetry"
)

// Runner is the worker-side consumer of due escalation actions. Actions are
// independent one-shot steps, fire-and-discard: no retries, no ordering
// between cleanings, and every fired action re-validates live state rather
// than trusting its registration to still be relevant.
type Runner struct {
	store     Store
	queue     *queue.EscalationQueue
	sender    notify.Sender
	msg       *messages.Builder
	logger    *zap.SugaredLogger
	broadcast string
	batchSize int64
	poll      time.Duration
	nowFn     func() time.Time
}

func NewRunner(st Store, q *queue.EscalationQueue, sender notify.Sender, msg *messages.Builder, logger *zap.SugaredLogger, broadcastChannel string, batchSize int, poll time.Duration) *Runner {
	if batchSize <= 0 {
		batchSize = 100
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Runner{
		store:     st,
		queue:     q,
		sender:    sender,
		msg:       msg,
		logger:    logger,
		broadcast: broadcastChannel,
		batchSize: int64(batchSize),
		poll:      poll,
		nowFn:     time.Now,
	}
}

// Run polls for due actions until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := r.ExecuteDue(ctx, r.nowFn()); err != nil {
			r.logger.Warnw("failed to pop due actions", "err", err)
		}
		if depth, err := r.queue.PendingDepth(ctx); err == nil {
			telemetry.PendingActions.Set(float64(depth))
		}
	}
}

// ExecuteDue claims and executes every action due at the given instant. It
// returns how many actions were claimed.
func (r *Runner) ExecuteDue(ctx context.Context, now time.Time) (int, error) {
	actions, err := r.queue.PopDue(ctx, now, r.batchSize)
	if err != nil {
		return 0, err
	}
	for _, a := range actions {
		r.execute(ctx, a)
	}
	return len(actions), nil
}

func (r *Runner) execute(ctx context.Context, a queue.Action) {
	c, err := r.store.GetCleaning(ctx, a.Tenant, a.CleaningID)
	if err != nil {
		telemetry.ActionsSkipped.Inc()
		r.logger.Warnw("action fired for unloadable cleaning", "cleaning", a.CleaningID, "label", a.Label, "err", err)
		return
	}

	// Just-in-time guard: a cancel racing this pop, or a confirm landing
	// after registration, both resolve to a no-op here.
	confirmed, err := r.store.IsConfirmed(ctx, a.Tenant, a.CleaningID)
	if err != nil {
		r.logger.Warnw("failed to check confirmed status, assuming not confirmed", "cleaning", a.CleaningID, "err", err)
		confirmed = false
	}
	if confirmed {
		telemetry.ActionsSkipped.Inc()
		r.logger.Infow("action skipped, cleaning confirmed", "cleaning", a.CleaningID, "label", a.Label)
		return
	}

	switch a.Label {
	case queue.LabelReminder:
		if !r.responded(ctx, a, models.RolePrimary) {
			r.sendReminder(ctx, c, c.PrimaryPhone)
		}
	case queue.LabelBackupInvite:
		if !r.responded(ctx, a, models.RolePrimary) {
			r.sendInvite(ctx, c, a.Tenant, c.BackupPhone)
		}
	case queue.LabelBackupReminder:
		if !r.responded(ctx, a, models.RoleBackup) {
			r.sendReminder(ctx, c, c.BackupPhone)
		}
	case queue.LabelSecondaryInvite:
		if !r.responded(ctx, a, models.RolePrimary) && !r.responded(ctx, a, models.RoleBackup) {
			r.sendInvite(ctx, c, a.Tenant, c.SecondaryPhone)
		}
	case queue.LabelSecondaryReminder:
		if !r.responded(ctx, a, models.RoleSecondary) {
			r.sendReminder(ctx, c, c.SecondaryPhone)
		}
	case queue.LabelFinalEscalation:
		r.logger.Infow("final escalation, broadcasting unfilled shift", "cleaning", c.ID, "property", c.Property)
		r.send(ctx, r.broadcast, r.msg.UnfilledBroadcast(c.Property))
		telemetry.Broadcasts.Inc()
	default:
		r.logger.Warnw("unknown action label", "cleaning", a.CleaningID, "label", a.Label)
		return
	}
	telemetry.ActionsFired.Inc()
}

func (r *Runner) responded(ctx context.Context, a queue.Action, role string) bool {
	ok, err := r.store.HasRoleResponded(ctx, a.Tenant, a.CleaningID, role)
	if err != nil {
		r.logger.Warnw("failed to check role response, assuming silent", "cleaning", a.CleaningID, "role", role, "err", err)
		return false
	}
	return ok
}

// sendInvite delivers the unified invite text and records the phone as
// invited in the current cycle.
func (r *Runner) sendInvite(ctx context.Context, c models.Cleaning, tenant, rawPhone string) {
	d10 := phone.Canonical(rawPhone)
	if !phone.IsCanonical(d10) {
		r.logger.Warnw("invite target has no usable phone", "cleaning", c.ID, "raw", rawPhone)
		return
	}
	r.send(ctx, phone.Dialable(d10), r.msg.Invite(c.Property, c.Start))
	telemetry.InvitesSent.Inc()
	if err := r.store.MarkInvited(ctx, tenant, c.ID, d10); err != nil {
		r.logger.Warnw("failed to mark invited phone", "cleaning", c.ID, "phone", d10, "err", err)
	}
}

func (r *Runner) sendReminder(ctx context.Context, c models.Cleaning, rawPhone string) {
	d10 := phone.Canonical(rawPhone)
	if !phone.IsCanonical(d10) {
		r.logger.Warnw("reminder target has no usable phone", "cleaning", c.ID, "raw", rawPhone)
		return
	}
	r.send(ctx, phone.Dialable(d10), r.msg.Reminder(c.Property, c.Start))
	telemetry.RemindersSent.Inc()
}

func (r *Runner) send(ctx context.Context, to, body string) {
	if err := r.sender.Send(ctx, to, body); err != nil {
		telemetry.SendFailures.Inc()
		r.logger.Errorw("failed to send sms", "to", to, "err", err)
	}
}
