package models

import (
	"time"
)

// CleaningStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusUnassigned = "Unassigned"
	StatusPartial    = "Partial"
	StatusAssigned   = "Assigned"
	StatusConfirmed  = "Confirmed"
	StatusDeclined   = "Declined"
)

// Role slots, in invitation priority order.
const (
	RolePrimary   = "primary"
	RoleBackup    = "backup"
	RoleSecondary = "secondary"
)

// Cleaning represents one booking/shift persisted in Postgres.
type Cleaning struct {
	ID             string     `json:"id"`
	Tenant         string     `json:"tenant"`
	Property       string     `json:"property"`
	Start          *time.Time `json:"start,omitempty"`
	Status         string     `json:"status"`
	PrimaryPhone   string     `json:"primary_phone"`
	BackupPhone    string     `json:"backup_phone"`
	SecondaryPhone string     `json:"secondary_phone"`

	// InvitedPhones maps canonical 10-digit phone -> when it was invited.
	// A phone counts as invited in the current cycle iff its timestamp is
	// >= InviteCycleStartedAt.
	InvitedPhones        map[string]time.Time `json:"invited_phones"`
	InviteCycleStartedAt *time.Time           `json:"invite_cycle_started_at,omitempty"`

	// RoleResponses maps role slot -> last reply body from that role's
	// phone in the current cycle.
	RoleResponses map[string]string `json:"role_responses"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PhoneForRole returns the raw phone stored in the given role slot.
func (c Cleaning) PhoneForRole(role string) string {
	switch role {
	case RolePrimary:
		return c.PrimaryPhone
	case RoleBackup:
		return c.BackupPhone
	case RoleSecondary:
		return c.SecondaryPhone
	}
	return ""
}

// Cleaner is one worker directory entry, keyed by phone within a tenant.
type Cleaner struct {
	Tenant    string    `json:"tenant"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Reply is a logged inbound SMS row.
type Reply struct {
	ID         string    `json:"id"`
	Tenant     string    `json:"tenant"`
	Phone      string    `json:"phone"`
	Body       string    `json:"body"`
	CleaningID *string   `json:"cleaning_id,omitempty"`
	Recorded   time.Time `json:"recorded_at"`
}
