// Package reply reconciles inbound SMS replies against the correct cleaning
// and candidate, and applies the confirm / decline / cascade transitions.
package reply

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"cleaner-coordinator/internal/messages"
	"cleaner-coordinator/internal/models"
	"cleaner-coordinator/internal/notify"
	"cleaner-coordinator/internal/phone"
	"cleaner-coordinator/internal/telemetry"
)

// Store is the persistence slice the reply processor needs.
type Store interface {
	ListCleanings(ctx context.Context) ([]models.Cleaning, error)
	GetCleaning(ctx context.Context, tenant, id string) (models.Cleaning, error)
	ConfirmIfPending(ctx context.Context, tenant, id string) (bool, error)
	MarkDeclined(ctx context.Context, tenant, id string) error
	MarkInvited(ctx context.Context, tenant, id, d10 string) error
	RecordRoleResponse(ctx context.Context, tenant, id, role, body string) error
	FindCleanerName(ctx context.Context, tenant, d10 string) (string, error)
	AppendReply(ctx context.Context, tenant, d10, body string, cleaningID *string) error
}

// Canceller tears down a cleaning's escalation run once it is confirmed.
type Canceller interface {
	CancelEscalation(ctx context.Context, cleaningID string) error
}

// Processor handles one inbound reply at a time. The resolve-then-mutate
// sequence is guarded by a conditional status update, so of two racing
// "yes" replies exactly one wins the cleaning.
type Processor struct {
	store          Store
	canceller      Canceller
	sender         notify.Sender
	msg            *messages.Builder
	logger         *zap.SugaredLogger
	fallbackTenant string
	nowFn          func() time.Time
}

func NewProcessor(st Store, canceller Canceller, sender notify.Sender, msg *messages.Builder, logger *zap.SugaredLogger, fallbackTenant string) *Processor {
	return &Processor{
		store:          st,
		canceller:      canceller,
		sender:         sender,
		msg:            msg,
		logger:         logger,
		fallbackTenant: fallbackTenant,
		nowFn:          time.Now,
	}
}

// HandleReply resolves the sender to a cleaning and applies the transition
// for the body. The returned acknowledgement is the webhook response text;
// empty on the accept path, where the confirmation was already sent
// directly. A returned error means something infrastructural broke, not a
// business non-match.
func (p *Processor) HandleReply(ctx context.Context, fromRaw, bodyRaw string) (string, error) {
	fromD10 := phone.Canonical(strings.TrimSpace(fromRaw))
	body := strings.ToLower(strings.TrimSpace(bodyRaw))

	p.logger.Infow("inbound sms reply", "from", fromD10, "body", body)

	cleanings, err := p.store.ListCleanings(ctx)
	if err != nil {
		return "", fmt.Errorf("list cleanings: %w", err)
	}

	matched := chooseBestCleaning(cleanings, fromD10, p.nowFn())

	tenant := p.fallbackTenant
	if matched != nil {
		tenant = matched.Tenant
	} else {
		// Dev stand-in: lets a manual curl exercise the name lookup and
		// guidance path without any live cleanings.
		p.logger.Warnw("no cleaning matched sender, using fallback tenant", "from", fromD10, "tenant", tenant)
	}

	name, err := p.store.FindCleanerName(ctx, tenant, fromD10)
	if err != nil {
		p.logger.Warnw("failed to look up cleaner name", "from", fromD10, "err", err)
		name = ""
	}

	if matched == nil {
		telemetry.RepliesReceived.WithLabelValues("unmatched").Inc()
		return messages.Guidance(), nil
	}

	switch body {
	case "yes":
		return p.handleAccept(ctx, *matched, fromD10, body, name)
	case "no":
		return p.handleDecline(ctx, *matched, fromD10, body)
	default:
		telemetry.RepliesReceived.WithLabelValues("other").Inc()
		p.logReply(ctx, matched.Tenant, fromD10, body, matched.ID)
		return messages.Guidance(), nil
	}
}

func (p *Processor) handleAccept(ctx context.Context, c models.Cleaning, fromD10, body, name string) (string, error) {
	// Confirm to the responder directly; the webhook reply stays empty so
	// the gateway does not duplicate it.
	p.send(ctx, phone.Dialable(fromD10), p.msg.Confirmation(name))

	won, err := p.store.ConfirmIfPending(ctx, c.Tenant, c.ID)
	if err != nil {
		return "", fmt.Errorf("confirm cleaning %s: %w", c.ID, err)
	}
	telemetry.RepliesReceived.WithLabelValues("yes").Inc()

	if won {
		if err := p.canceller.CancelEscalation(ctx, c.ID); err != nil {
			p.logger.Warnw("failed to cancel escalation run", "cleaning", c.ID, "err", err)
		}
		p.notifySlotFilled(ctx, c, fromD10)
	} else {
		p.logger.Infow("cleaning was already confirmed, skipping cancel and notices", "cleaning", c.ID)
	}

	p.recordRole(ctx, c, fromD10, body)
	p.logReply(ctx, c.Tenant, fromD10, body, c.ID)
	return "", nil
}

func (p *Processor) handleDecline(ctx context.Context, c models.Cleaning, fromD10, body string) (string, error) {
	if err := p.store.MarkDeclined(ctx, c.Tenant, c.ID); err != nil {
		return "", fmt.Errorf("decline cleaning %s: %w", c.ID, err)
	}
	telemetry.RepliesReceived.WithLabelValues("no").Inc()

	p.recordRole(ctx, c, fromD10, body)
	p.logReply(ctx, c.Tenant, fromD10, body, c.ID)

	// Cascade to the next candidate in fixed priority order, skipping the
	// decliner's own number so a declining backup is never re-invited.
	// Declines extend the invited set but never reset the cycle marker.
	next := ""
	for _, raw := range []string{c.BackupPhone, c.SecondaryPhone} {
		d10 := phone.Canonical(raw)
		if phone.IsCanonical(d10) && d10 != fromD10 {
			next = d10
			break
		}
	}
	if next == "" {
		p.logger.Infow("decline with no remaining candidate", "cleaning", c.ID)
		return messages.DeclineAck(), nil
	}

	p.logger.Infow("decline, inviting next candidate", "cleaning", c.ID, "next", next)
	p.send(ctx, phone.Dialable(next), p.msg.Invite(c.Property, c.Start))
	telemetry.InvitesSent.Inc()
	if err := p.store.MarkInvited(ctx, c.Tenant, c.ID, next); err != nil {
		p.logger.Warnw("failed to mark cascade invite", "cleaning", c.ID, "phone", next, "err", err)
	}
	return messages.DeclineAck(), nil
}

// notifySlotFilled texts every candidate invited in the current cycle,
// except the confirmer. With no cycle marker recorded nobody is notified;
// stale invitees from before a cycle existed must not get a notice.
func (p *Processor) notifySlotFilled(ctx context.Context, c models.Cleaning, confirmerD10 string) {
	fresh, err := p.store.GetCleaning(ctx, c.Tenant, c.ID)
	if err != nil {
		p.logger.Warnw("failed to reload cleaning for slot-filled notices", "cleaning", c.ID, "err", err)
		return
	}
	if fresh.InviteCycleStartedAt == nil {
		p.logger.Infow("no invite cycle recorded, notifying nobody", "cleaning", c.ID)
		return
	}
	cycleStart := *fresh.InviteCycleStartedAt

	for d10, invitedAt := range fresh.InvitedPhones {
		if d10 == confirmerD10 || invitedAt.Before(cycleStart) {
			continue
		}
		p.send(ctx, phone.Dialable(d10), p.msg.SlotFilled(fresh.Property, fresh.Start))
		telemetry.SlotFilledNotices.Inc()
	}
}

func (p *Processor) recordRole(ctx context.Context, c models.Cleaning, fromD10, body string) {
	role := roleOf(c, fromD10)
	if role == "" {
		return
	}
	if err := p.store.RecordRoleResponse(ctx, c.Tenant, c.ID, role, body); err != nil {
		p.logger.Warnw("failed to record role response", "cleaning", c.ID, "role", role, "err", err)
	}
}

func (p *Processor) logReply(ctx context.Context, tenant, fromD10, body, cleaningID string) {
	var idPtr *string
	if cleaningID != "" {
		idPtr = &cleaningID
	}
	if err := p.store.AppendReply(ctx, tenant, fromD10, body, idPtr); err != nil {
		p.logger.Warnw("failed to log reply", "from", fromD10, "err", err)
	}
}

func (p *Processor) send(ctx context.Context, to, body string) {
	if err := p.sender.Send(ctx, to, body); err != nil {
		telemetry.SendFailures.Inc()
		p.logger.Errorw("failed to send sms", "to", to, "err", err)
	}
}

func roleOf(c models.Cleaning, d10 string) string {
	for _, role := range []string{models.RolePrimary, models.RoleBackup, models.RoleSecondary} {
		if phone.Canonical(c.PhoneForRole(role)) == d10 {
			return role
		}
	}
	return ""
}

// chooseBestCleaning resolves an inbound reply to the most relevant cleaning
// the sender holds a role slot on. Strict bucket preference: invited in the
// current cycle, then upcoming-and-open, then any match; soonest start wins
// inside a bucket and missing starts sort last.
func chooseBestCleaning(cleanings []models.Cleaning, fromD10 string, now time.Time) *models.Cleaning {
	if !phone.IsCanonical(fromD10) {
		return nil
	}

	var invitedThisCycle, upcomingOpen, anyMatch []models.Cleaning
	for _, c := range cleanings {
		if roleOf(c, fromD10) == "" {
			continue
		}

		invitedInCycle := false
		if c.InviteCycleStartedAt != nil {
			if invitedAt, ok := c.InvitedPhones[fromD10]; ok && !invitedAt.Before(*c.InviteCycleStartedAt) {
				invitedInCycle = true
			}
		}

		switch {
		case invitedInCycle:
			invitedThisCycle = append(invitedThisCycle, c)
		case c.Start != nil && c.Start.After(now) && c.Status != models.StatusConfirmed && c.Status != models.StatusDeclined:
			upcomingOpen = append(upcomingOpen, c)
		default:
			anyMatch = append(anyMatch, c)
		}
	}

	for _, bucket := range [][]models.Cleaning{invitedThisCycle, upcomingOpen, anyMatch} {
		if len(bucket) == 0 {
			continue
		}
		sort.SliceStable(bucket, func(i, j int) bool {
			a, b := bucket[i].Start, bucket[j].Start
			if a == nil {
				return false
			}
			if b == nil {
				return true
			}
			return a.Before(*b)
		})
		best := bucket[0]
		return &best
	}
	return nil
}
