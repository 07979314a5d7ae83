package reply

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cleaner-coordinator/internal/messages"
	"cleaner-coordinator/internal/models"
)

const (
	tenant       = "t1"
	primaryD10   = "8605550001"
	backupD10    = "8605550002"
	secondaryD10 = "8605550003"
)

type fakeStore struct {
	mu        sync.Mutex
	cleanings map[string]*models.Cleaning
	names     map[string]string
	replies   []models.Reply

	confirmWins bool
	confirmErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cleanings:   map[string]*models.Cleaning{},
		names:       map[string]string{},
		confirmWins: true,
	}
}

func (f *fakeStore) put(c models.Cleaning) {
	if c.InvitedPhones == nil {
		c.InvitedPhones = map[string]time.Time{}
	}
	if c.RoleResponses == nil {
		c.RoleResponses = map[string]string{}
	}
	f.cleanings[c.Tenant+"/"+c.ID] = &c
}

func (f *fakeStore) ListCleanings(context.Context) ([]models.Cleaning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Cleaning
	for _, c := range f.cleanings {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeStore) GetCleaning(_ context.Context, tenant, id string) (models.Cleaning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cleanings[tenant+"/"+id]
	if !ok {
		return models.Cleaning{}, errors.New("not found")
	}
	return *c, nil
}

func (f *fakeStore) ConfirmIfPending(_ context.Context, tenant, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return false, f.confirmErr
	}
	if !f.confirmWins {
		return false, nil
	}
	if c, ok := f.cleanings[tenant+"/"+id]; ok {
		c.Status = models.StatusConfirmed
	}
	return true, nil
}

func (f *fakeStore) MarkDeclined(_ context.Context, tenant, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.cleanings[tenant+"/"+id]; ok {
		c.Status = models.StatusDeclined
	}
	return nil
}

func (f *fakeStore) MarkInvited(_ context.Context, tenant, id, d10 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.cleanings[tenant+"/"+id]; ok {
		c.InvitedPhones[d10] = time.Now()
	}
	return nil
}

func (f *fakeStore) RecordRoleResponse(_ context.Context, tenant, id, role, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.cleanings[tenant+"/"+id]; ok {
		c.RoleResponses[role] = body
	}
	return nil
}

func (f *fakeStore) FindCleanerName(_ context.Context, tenant, d10 string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[tenant+"/"+d10], nil
}

func (f *fakeStore) AppendReply(_ context.Context, tenant, d10, body string, cleaningID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, models.Reply{Tenant: tenant, Phone: d10, Body: body, CleaningID: cleaningID})
	return nil
}

type fakeCanceller struct {
	cancelled []string
}

func (f *fakeCanceller) CancelEscalation(_ context.Context, cleaningID string) error {
	f.cancelled = append(f.cancelled, cleaningID)
	return nil
}

type recSender struct {
	mu   sync.Mutex
	sent []struct{ to, body string }
}

func (r *recSender) Send(_ context.Context, to, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, struct{ to, body string }{to, body})
	return nil
}

func (r *recSender) to() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.sent {
		out = append(out, s.to)
	}
	return out
}

func newTestProcessor() (*Processor, *fakeStore, *fakeCanceller, *recSender) {
	st := newFakeStore()
	canceller := &fakeCanceller{}
	sender := &recSender{}
	p := NewProcessor(st, canceller, sender, messages.NewBuilder("UTC"), zap.NewNop().Sugar(), "fallback")
	return p, st, canceller, sender
}

func baseCleaning() models.Cleaning {
	start := time.Now().Add(2 * time.Hour)
	return models.Cleaning{
		ID:             "c1",
		Tenant:         tenant,
		Property:       "Harbor Loft",
		Start:          &start,
		Status:         models.StatusUnassigned,
		PrimaryPhone:   primaryD10,
		BackupPhone:    backupD10,
		SecondaryPhone: secondaryD10,
	}
}

func TestYesNotifiesOnlyCurrentCycleInvitees(t *testing.T) {
	p, st, canceller, sender := newTestProcessor()
	cycleStart := time.Now().Add(-time.Hour)

	c := baseCleaning()
	c.InviteCycleStartedAt = &cycleStart
	c.InvitedPhones = map[string]time.Time{
		primaryD10: cycleStart,
		backupD10:  cycleStart.Add(5 * time.Minute),
		"9995550000": cycleStart.Add(-time.Hour), // stale, pre-cycle
	}
	st.put(c)
	st.names[tenant+"/"+primaryD10] = "Maria"

	ack, err := p.HandleReply(context.Background(), "+1"+primaryD10, "YES")
	require.NoError(t, err)
	assert.Empty(t, ack, "confirmation already sent directly, webhook stays silent")

	tos := sender.to()
	assert.Contains(t, tos, "+1"+primaryD10, "confirmation to the responder")
	assert.Contains(t, tos, "+1"+backupD10, "slot-filled to the other current-cycle invitee")
	assert.NotContains(t, tos, "+19995550000", "stale invitee never notified")
	assert.Len(t, tos, 2)

	assert.Contains(t, sender.sent[0].body, "Thanks Maria")
	assert.Equal(t, []string{"c1"}, canceller.cancelled)

	got, _ := st.GetCleaning(context.Background(), tenant, "c1")
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.Equal(t, "yes", got.RoleResponses[models.RolePrimary])
	require.Len(t, st.replies, 1)
	assert.Equal(t, "yes", st.replies[0].Body)
}

func TestYesWithoutCycleStartNotifiesNobody(t *testing.T) {
	p, st, _, sender := newTestProcessor()

	c := baseCleaning()
	c.InvitedPhones = map[string]time.Time{
		primaryD10: time.Now().Add(-time.Hour),
		backupD10:  time.Now().Add(-time.Hour),
	}
	st.put(c)

	ack, err := p.HandleReply(context.Background(), primaryD10, "yes")
	require.NoError(t, err)
	assert.Empty(t, ack)

	// Only the direct confirmation went out; no slot-filled notices.
	assert.Equal(t, []string{"+1" + primaryD10}, sender.to())
}

func TestYesLosingRaceSkipsCancelAndNotices(t *testing.T) {
	p, st, canceller, sender := newTestProcessor()
	st.confirmWins = false

	cycleStart := time.Now().Add(-time.Hour)
	c := baseCleaning()
	c.InviteCycleStartedAt = &cycleStart
	c.InvitedPhones = map[string]time.Time{primaryD10: cycleStart, backupD10: cycleStart}
	st.put(c)

	ack, err := p.HandleReply(context.Background(), primaryD10, "yes")
	require.NoError(t, err)
	assert.Empty(t, ack)
	assert.Empty(t, canceller.cancelled)
	assert.Equal(t, []string{"+1" + primaryD10}, sender.to(), "confirmation only, no notices")
}

func TestDeclineCascadesToBackup(t *testing.T) {
	p, st, _, sender := newTestProcessor()
	c := baseCleaning()
	st.put(c)

	ack, err := p.HandleReply(context.Background(), primaryD10, "no")
	require.NoError(t, err)
	assert.Equal(t, messages.DeclineAck(), ack)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "+1"+backupD10, sender.sent[0].to)
	assert.Contains(t, sender.sent[0].body, "New cleaning at Harbor Loft")

	got, _ := st.GetCleaning(context.Background(), tenant, "c1")
	assert.Equal(t, models.StatusDeclined, got.Status)
	assert.Contains(t, got.InvitedPhones, backupD10)
}

func TestDeclineCascadesToSecondaryWhenBackupEmpty(t *testing.T) {
	p, st, _, sender := newTestProcessor()
	c := baseCleaning()
	c.BackupPhone = ""
	st.put(c)

	_, err := p.HandleReply(context.Background(), primaryD10, "no")
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "+1"+secondaryD10, sender.sent[0].to)
}

func TestDeclineWithNoCandidatesOnlyLogs(t *testing.T) {
	p, st, _, sender := newTestProcessor()
	c := baseCleaning()
	c.BackupPhone = ""
	c.SecondaryPhone = ""
	st.put(c)

	ack, err := p.HandleReply(context.Background(), primaryD10, "no")
	require.NoError(t, err)
	assert.Equal(t, messages.DeclineAck(), ack)
	assert.Empty(t, sender.sent)
	require.Len(t, st.replies, 1)
}

func TestDecliningBackupIsNotReinvited(t *testing.T) {
	p, st, _, sender := newTestProcessor()
	c := baseCleaning()
	st.put(c)

	_, err := p.HandleReply(context.Background(), backupD10, "no")
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "+1"+secondaryD10, sender.sent[0].to, "cascade skips the decliner's own number")
}

func TestOtherBodyReturnsGuidance(t *testing.T) {
	p, st, _, sender := newTestProcessor()
	c := baseCleaning()
	st.put(c)

	ack, err := p.HandleReply(context.Background(), primaryD10, "maybe later")
	require.NoError(t, err)
	assert.Equal(t, messages.Guidance(), ack)
	assert.Empty(t, sender.sent)
	require.Len(t, st.replies, 1)
	assert.Equal(t, "maybe later", st.replies[0].Body)
}

func TestUnmatchedSenderGetsGuidance(t *testing.T) {
	p, _, _, sender := newTestProcessor()

	ack, err := p.HandleReply(context.Background(), "9990001111", "yes")
	require.NoError(t, err)
	assert.Equal(t, messages.Guidance(), ack)
	assert.Empty(t, sender.sent)
}

func TestChooseBestCleaningPrefersCurrentCycleInvite(t *testing.T) {
	now := time.Now()
	cycleStart := now.Add(-time.Hour)

	soon := now.Add(time.Hour)
	later := now.Add(24 * time.Hour)

	// Invited this cycle, even though it starts later.
	invited := models.Cleaning{ID: "invited", Tenant: tenant, Start: &later, PrimaryPhone: primaryD10,
		InviteCycleStartedAt: &cycleStart,
		InvitedPhones:        map[string]time.Time{primaryD10: cycleStart.Add(time.Minute)}}

	upcoming := models.Cleaning{ID: "upcoming", Tenant: tenant, Start: &soon, PrimaryPhone: primaryD10}

	got := chooseBestCleaning([]models.Cleaning{upcoming, invited}, primaryD10, now)
	require.NotNil(t, got)
	assert.Equal(t, "invited", got.ID)
}

func TestChooseBestCleaningSoonestWithinBucket(t *testing.T) {
	now := time.Now()
	soon := now.Add(time.Hour)
	later := now.Add(5 * time.Hour)

	a := models.Cleaning{ID: "later", Tenant: tenant, Start: &later, BackupPhone: primaryD10}
	b := models.Cleaning{ID: "soon", Tenant: tenant, Start: &soon, BackupPhone: primaryD10}
	c := models.Cleaning{ID: "no-start", Tenant: tenant, BackupPhone: primaryD10}

	got := chooseBestCleaning([]models.Cleaning{a, c, b}, primaryD10, now)
	require.NotNil(t, got)
	assert.Equal(t, "soon", got.ID)
}

func TestChooseBestCleaningIgnoresNonMembers(t *testing.T) {
	now := time.Now()
	soon := now.Add(time.Hour)
	c := models.Cleaning{ID: "c1", Tenant: tenant, Start: &soon, PrimaryPhone: "1112223333"}

	assert.Nil(t, chooseBestCleaning([]models.Cleaning{c}, primaryD10, now))
}

func TestChooseBestCleaningClosedJobsFallToAnyMatch(t *testing.T) {
	now := time.Now()
	soon := now.Add(time.Hour)

	declined := models.Cleaning{ID: "declined", Tenant: tenant, Start: &soon, PrimaryPhone: primaryD10, Status: models.StatusDeclined}
	open := models.Cleaning{ID: "open", Tenant: tenant, Start: &soon, PrimaryPhone: primaryD10, Status: models.StatusUnassigned}

	got := chooseBestCleaning([]models.Cleaning{declined, open}, primaryD10, now)
	require.NotNil(t, got)
	assert.Equal(t, "open", got.ID, "open upcoming job outranks a declined one")
}
