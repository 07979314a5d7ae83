// Package messages holds the outbound SMS template contract. Wording is
// deliberately role-agnostic so a candidate cannot infer their priority
// position from the text.
package messages

import (
	"fmt"
	"time"
)

const whenFallback = "the scheduled time"

// Builder renders outbound texts with start times formatted in a fixed
// location (the property's local zone, configured once per deployment).
type Builder struct {
	loc *time.Location
}

// NewBuilder resolves the timezone name; unknown names fall back to UTC.
func NewBuilder(timezone string) *Builder {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return &Builder{loc: loc}
}

// FormatWhen renders a start time like "Aug 30, 2026, 3:04 PM" in the
// configured zone. Nil start renders the fallback phrase.
func (b *Builder) FormatWhen(start *time.Time) string {
	if start == nil || start.IsZero() {
		return whenFallback
	}
	return start.In(b.loc).Format("Jan 02, 2006, 3:04 PM")
}

func orProperty(property string) string {
	if property == "" {
		return "the property"
	}
	return property
}

// Invite is the unified invite text, identical for every role slot.
func (b *Builder) Invite(property string, start *time.Time) string {
	return fmt.Sprintf("New cleaning at %s on %s. Reply YES to accept or NO to decline.",
		orProperty(property), b.FormatWhen(start))
}

// Reminder is the invite text with a reminder prefix.
func (b *Builder) Reminder(property string, start *time.Time) string {
	return "Reminder: " + b.Invite(property, start)
}

// Confirmation thanks the accepting cleaner, personalized when the name is
// known.
func (b *Builder) Confirmation(name string) string {
	if name != "" {
		return fmt.Sprintf("✅ Thanks %s! You're confirmed for the job.", name)
	}
	return "✅ Thanks! You're confirmed for the job."
}

// SlotFilled tells an invited-but-not-chosen candidate the shift is taken.
func (b *Builder) SlotFilled(property string, start *time.Time) string {
	return fmt.Sprintf("The shift at %s on %s has been filled. Thank you for your time and we'll reach out again soon.",
		orProperty(property), b.FormatWhen(start))
}

// UnfilledBroadcast is the final-escalation notice to the general pool.
func (b *Builder) UnfilledBroadcast(property string) string {
	return fmt.Sprintf("URGENT: No cleaner confirmed for %s. Broadcasting to network.", orProperty(property))
}

// DeclineAck is the webhook response for a decline.
func DeclineAck() string {
	return "❌ No worries. We'll find someone else."
}

// Guidance is the webhook response for anything that is not YES or NO.
func Guidance() string {
	return "🤔 Got your message. Please reply YES to accept or NO to decline."
}
