// Package urgency maps time-until-start to an escalation tier and holds the
// per-tier timing policy for the invitation cascade.
package urgency

// Tier classifies how soon a cleaning starts.
type Tier string

const (
	TierASAP     Tier = "ASAP"
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierLow      Tier = "low"
)

// Classify buckets minutes-until-start into a tier. Boundaries are
// inclusive; negative input (already started) classifies ASAP.
func Classify(minutesUntilStart int) Tier {
	switch {
	case minutesUntilStart <= 360:
		return TierASAP
	case minutesUntilStart <= 1440:
		return TierCritical
	case minutesUntilStart <= 2880:
		return TierHigh
	case minutesUntilStart <= 4320:
		return TierMedium
	default:
		return TierLow
	}
}

// Offsets holds the five escalation stage offsets for a tier, in minutes.
// For every tier except ASAP they are minutes before the cleaning's start
// time. For ASAP they are minutes after the initial invite was sent, because
// an ASAP cleaning may have less runway than its before-start offsets need.
type Offsets struct {
	Reminder          int
	BackupInvite      int
	BackupReminder    int
	SecondaryInvite   int
	SecondaryReminder int
	FinalEscalation   int
}

var policies = map[Tier]Offsets{
	TierLow:      {Reminder: 360, BackupInvite: 1080, BackupReminder: 1440, SecondaryInvite: 1800, SecondaryReminder: 1440, FinalEscalation: 2160},
	TierMedium:   {Reminder: 180, BackupInvite: 360, BackupReminder: 540, SecondaryInvite: 720, SecondaryReminder: 540, FinalEscalation: 900},
	TierHigh:     {Reminder: 60, BackupInvite: 120, BackupReminder: 180, SecondaryInvite: 240, SecondaryReminder: 180, FinalEscalation: 300},
	TierCritical: {Reminder: 15, BackupInvite: 45, BackupReminder: 90, SecondaryInvite: 120, SecondaryReminder: 90, FinalEscalation: 180},
	TierASAP:     {Reminder: 10, BackupInvite: 10, BackupReminder: 20, SecondaryInvite: 20, SecondaryReminder: 30, FinalEscalation: 60},
}

// Policy returns the offset table for a tier, falling back to the low tier
// for anything unrecognized.
func Policy(t Tier) Offsets {
	if p, ok := policies[t]; ok {
		return p
	}
	return policies[TierLow]
}

// Relative reports whether the tier's offsets are relative to the initial
// send rather than the start time.
func (t Tier) Relative() bool {
	return t == TierASAP
}
