// Package escalation drives the invitation cascade: it classifies a
// cleaning's urgency, sends the one-time initial invite, registers the
// deferred follow-up actions for the cycle, and cancels the whole run when a
// cleaner confirms.
package escalation

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"cleaner-coordinator/internal/messages"
	"cleaner-coordinator/internal/models"
	"cleaner-coordinator/internal/notify"
	"cleaner-coordinator/internal/phone"
	"cleaner-coordinator/internal/queue"
	"cleaner-coordinator/internal/store"
	"cleaner-coordinator/internal/telemetry"
	"cleaner-coordinator/internal/urgency"
)

// Store is the slice of persistence the escalation engine needs: live status
// and cycle markers on the cleaning document, plus the durable scheduling
// registry.
type Store interface {
	GetCleaning(ctx context.Context, tenant, id string) (models.Cleaning, error)
	IsConfirmed(ctx context.Context, tenant, id string) (bool, error)
	StartCycle(ctx context.Context, tenant, id, primaryD10 string) error
	MarkInvited(ctx context.Context, tenant, id, d10 string) error
	HasRoleResponded(ctx context.Context, tenant, id, role string) (bool, error)

	GetCycle(ctx context.Context, cleaningID string) (store.Cycle, bool, error)
	UpsertCycleStart(ctx context.Context, cleaningID, tenant string, start time.Time) error
	MarkInitialSent(ctx context.Context, cleaningID, tenant string) error
	ClearCycle(ctx context.Context, cleaningID string) error
}

// ActionQueue registers and cancels deferred actions.
type ActionQueue interface {
	Schedule(ctx context.Context, a queue.Action, fireAt time.Time) error
	CancelCleaning(ctx context.Context, cleaningID string) (int, error)
}

// Scheduler owns the scheduling registry and the registration of escalation
// runs. It is not safe against two concurrent ScheduleInvitations calls for
// the same cleaning; the sweep serializes per tenant.
type Scheduler struct {
	store  Store
	queue  ActionQueue
	sender notify.Sender
	msg    *messages.Builder
	logger *zap.SugaredLogger
	nowFn  func() time.Time
}

func NewScheduler(st Store, q ActionQueue, sender notify.Sender, msg *messages.Builder, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		store:  st,
		queue:  q,
		sender: sender,
		msg:    msg,
		logger: logger,
		nowFn:  time.Now,
	}
}

// ScheduleInvitations starts (or refreshes) the invitation cycle for one
// cleaning: initial invite to the primary plus the tier's deferred actions.
func (s *Scheduler) ScheduleInvitations(ctx context.Context, c models.Cleaning, tenant string) error {
	if c.Start == nil {
		s.logger.Warnw("cleaning has no start time, not scheduling", "cleaning", c.ID)
		return nil
	}

	now := s.nowFn()
	minutesUntil := int(math.Round(c.Start.Sub(now).Minutes()))
	tier := urgency.Classify(minutesUntil)
	rules := urgency.Policy(tier)

	s.logger.Infow("scheduling invitations",
		"cleaning", c.ID, "tenant", tenant, "tier", tier, "minutes_until_start", minutesUntil)

	// Registry guard: an unchanged start time means the cycle's actions are
	// already registered. A registry read failure skips the optimization and
	// re-registers rather than stalling.
	alreadyRegistered := false
	initialSent := false
	cyc, found, err := s.store.GetCycle(ctx, c.ID)
	if err != nil {
		s.logger.Warnw("failed to read scheduling registry", "cleaning", c.ID, "err", err)
	} else if found {
		initialSent = cyc.InitialSent
		alreadyRegistered = cyc.ScheduledStart != nil && cyc.ScheduledStart.Equal(*c.Start)
	}
	if alreadyRegistered {
		s.logger.Infow("cycle already registered for this start time", "cleaning", c.ID)
	} else if err := s.store.UpsertCycleStart(ctx, c.ID, tenant, *c.Start); err != nil {
		s.logger.Warnw("failed to record scheduled start", "cleaning", c.ID, "err", err)
	}

	if !initialSent {
		s.sendInitialInvite(ctx, c, tenant)
	}

	if !alreadyRegistered {
		s.registerDeferred(ctx, c, tenant, tier, rules, now)
	}
	return nil
}

// sendInitialInvite dispatches the one-time invite to the primary. Cycle
// markers are committed before the send so a reply racing it still lands in
// the new cycle. The initial-sent flag is set even when nothing goes out.
func (s *Scheduler) sendInitialInvite(ctx context.Context, c models.Cleaning, tenant string) {
	confirmed, err := s.store.IsConfirmed(ctx, tenant, c.ID)
	if err != nil {
		s.logger.Warnw("failed to check confirmed status, assuming not confirmed", "cleaning", c.ID, "err", err)
		confirmed = false
	}

	if confirmed {
		s.logger.Infow("skipping initial invite, already confirmed", "cleaning", c.ID)
	} else {
		d10 := phone.Canonical(c.PrimaryPhone)
		if phone.IsCanonical(d10) {
			if err := s.store.StartCycle(ctx, tenant, c.ID, d10); err != nil {
				s.logger.Warnw("failed to start invite cycle", "cleaning", c.ID, "err", err)
			}
			s.send(ctx, phone.Dialable(d10), s.msg.Invite(c.Property, c.Start))
			telemetry.InvitesSent.Inc()
		} else {
			s.logger.Warnw("no valid primary phone, nothing sent", "cleaning", c.ID, "raw", c.PrimaryPhone)
		}
	}

	if err := s.store.MarkInitialSent(ctx, c.ID, tenant); err != nil {
		s.logger.Warnw("failed to flag initial invite sent", "cleaning", c.ID, "err", err)
	}
}

func (s *Scheduler) registerDeferred(ctx context.Context, c models.Cleaning, tenant string, tier urgency.Tier, rules urgency.Offsets, now time.Time) {
	steps := []struct {
		label  string
		offset int
		want   bool
	}{
		{queue.LabelReminder, rules.Reminder, true},
		{queue.LabelBackupInvite, rules.BackupInvite, true},
		{queue.LabelBackupReminder, rules.BackupReminder, true},
		{queue.LabelSecondaryInvite, rules.SecondaryInvite, c.SecondaryPhone != ""},
		{queue.LabelSecondaryReminder, rules.SecondaryReminder, c.SecondaryPhone != ""},
		{queue.LabelFinalEscalation, rules.FinalEscalation, true},
	}

	for _, step := range steps {
		if !step.want {
			continue
		}
		fireAt, ok := deferredFireTime(tier, now, *c.Start, step.offset)
		if !ok {
			s.logger.Infow("skipping action, fire time already passed",
				"cleaning", c.ID, "label", step.label, "offset_min", step.offset)
			continue
		}
		a := queue.Action{Tenant: tenant, CleaningID: c.ID, Label: step.label, OffsetMinutes: step.offset}
		if err := s.queue.Schedule(ctx, a, fireAt); err != nil {
			s.logger.Warnw("failed to register action", "cleaning", c.ID, "label", step.label, "err", err)
			continue
		}
		telemetry.ActionsRegistered.Inc()
		s.logger.Infow("registered action", "cleaning", c.ID, "label", step.label, "fire_at", fireAt)
	}
}

// deferredFireTime computes when an action fires: offset minutes after now
// for the ASAP tier, offset minutes before start otherwise. Fire times not
// strictly in the future are never registered.
func deferredFireTime(tier urgency.Tier, now, start time.Time, offsetMinutes int) (time.Time, bool) {
	var fireAt time.Time
	if tier.Relative() {
		fireAt = now.Add(time.Duration(offsetMinutes) * time.Minute)
	} else {
		fireAt = start.Add(-time.Duration(offsetMinutes) * time.Minute)
	}
	return fireAt, fireAt.After(now)
}

// CancelEscalation destroys the cleaning's escalation run: pending deferred
// actions and the registry entry. Idempotent; an action already in flight
// no-ops on its own confirmed-state check instead.
func (s *Scheduler) CancelEscalation(ctx context.Context, cleaningID string) error {
	n, err := s.queue.CancelCleaning(ctx, cleaningID)
	if err != nil {
		s.logger.Warnw("failed to cancel pending actions", "cleaning", cleaningID, "err", err)
		return err
	}
	if n > 0 {
		telemetry.ActionsCancelled.Add(float64(n))
	}
	if err := s.store.ClearCycle(ctx, cleaningID); err != nil {
		s.logger.Warnw("failed to clear scheduling registry", "cleaning", cleaningID, "err", err)
		return err
	}
	s.logger.Infow("cancelled escalation run", "cleaning", cleaningID, "actions_removed", n)
	return nil
}

// send dispatches one text; failures are logged, never propagated, so one
// bad send cannot abort the rest of a run.
func (s *Scheduler) send(ctx context.Context, to, body string) {
	if err := s.sender.Send(ctx, to, body); err != nil {
		telemetry.SendFailures.Inc()
		s.logger.Errorw("failed to send sms", "to", to, "err", err)
	}
}
