package messages

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInviteFormatting(t *testing.T) {
	b := NewBuilder("UTC")
	start := time.Date(2026, time.March, 14, 15, 4, 0, 0, time.UTC)

	got := b.Invite("Lakeview Cottage", &start)
	assert.Equal(t, "New cleaning at Lakeview Cottage on Mar 14, 2026, 3:04 PM. Reply YES to accept or NO to decline.", got)
}

func TestInviteFallbacks(t *testing.T) {
	b := NewBuilder("UTC")
	got := b.Invite("", nil)
	assert.Equal(t, "New cleaning at the property on the scheduled time. Reply YES to accept or NO to decline.", got)
}

func TestReminderPrefixesInvite(t *testing.T) {
	b := NewBuilder("UTC")
	start := time.Date(2026, time.March, 14, 15, 4, 0, 0, time.UTC)
	assert.Equal(t, "Reminder: "+b.Invite("Loft", &start), b.Reminder("Loft", &start))
}

func TestConfirmation(t *testing.T) {
	b := NewBuilder("UTC")
	assert.Equal(t, "✅ Thanks Maria! You're confirmed for the job.", b.Confirmation("Maria"))
	assert.Equal(t, "✅ Thanks! You're confirmed for the job.", b.Confirmation(""))
}

func TestSlotFilled(t *testing.T) {
	b := NewBuilder("UTC")
	start := time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)
	assert.Equal(t,
		"The shift at Loft on Mar 14, 2026, 9:30 AM has been filled. Thank you for your time and we'll reach out again soon.",
		b.SlotFilled("Loft", &start))
}

func TestUnfilledBroadcast(t *testing.T) {
	b := NewBuilder("UTC")
	assert.Equal(t, "URGENT: No cleaner confirmed for Loft. Broadcasting to network.", b.UnfilledBroadcast("Loft"))
}

func TestTimezoneRendering(t *testing.T) {
	b := NewBuilder("America/New_York")
	// 15:04 UTC is 11:04 AM in New York during DST.
	start := time.Date(2026, time.July, 1, 15, 4, 0, 0, time.UTC)
	assert.Equal(t, "Jul 01, 2026, 11:04 AM", b.FormatWhen(&start))
}

func TestUnknownTimezoneFallsBackToUTC(t *testing.T) {
	b := NewBuilder("Not/AZone")
	start := time.Date(2026, time.March, 14, 15, 4, 0, 0, time.UTC)
	assert.Equal(t, "Mar 14, 2026, 3:04 PM", b.FormatWhen(&start))
}
