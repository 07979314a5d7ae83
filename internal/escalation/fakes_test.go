package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cleaner-coordinator/internal/models"
	"cleaner-coordinator/internal/queue"
	"cleaner-coordinator/internal/store"
)

// fakeStore is an in-memory Store that also records the order of mutating
// calls, so tests can assert cycle markers are committed before sends.
type fakeStore struct {
	mu        sync.Mutex
	cleanings map[string]*models.Cleaning
	cycles    map[string]store.Cycle
	events    *[]string

	isConfirmedErr error
}

func newFakeStore(events *[]string) *fakeStore {
	return &fakeStore{
		cleanings: map[string]*models.Cleaning{},
		cycles:    map[string]store.Cycle{},
		events:    events,
	}
}

func (f *fakeStore) key(tenant, id string) string { return tenant + "/" + id }

func (f *fakeStore) put(c models.Cleaning) {
	if c.InvitedPhones == nil {
		c.InvitedPhones = map[string]time.Time{}
	}
	if c.RoleResponses == nil {
		c.RoleResponses = map[string]string{}
	}
	f.cleanings[f.key(c.Tenant, c.ID)] = &c
}

func (f *fakeStore) record(event string) {
	if f.events != nil {
		*f.events = append(*f.events, event)
	}
}

func (f *fakeStore) GetCleaning(_ context.Context, tenant, id string) (models.Cleaning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cleanings[f.key(tenant, id)]
	if !ok {
		return models.Cleaning{}, errors.New("cleaning not found")
	}
	return *c, nil
}

func (f *fakeStore) IsConfirmed(_ context.Context, tenant, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isConfirmedErr != nil {
		return false, f.isConfirmedErr
	}
	c, ok := f.cleanings[f.key(tenant, id)]
	if !ok {
		return false, nil
	}
	return c.Status == models.StatusConfirmed, nil
}

func (f *fakeStore) StartCycle(_ context.Context, tenant, id, primaryD10 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cleanings[f.key(tenant, id)]
	if !ok {
		return errors.New("cleaning not found")
	}
	now := time.Now()
	c.InviteCycleStartedAt = &now
	c.InvitedPhones = map[string]time.Time{primaryD10: now}
	c.RoleResponses = map[string]string{}
	f.record("start_cycle")
	return nil
}

func (f *fakeStore) MarkInvited(_ context.Context, tenant, id, d10 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cleanings[f.key(tenant, id)]
	if !ok {
		return errors.New("cleaning not found")
	}
	c.InvitedPhones[d10] = time.Now()
	f.record("mark_invited:" + d10)
	return nil
}

func (f *fakeStore) HasRoleResponded(_ context.Context, tenant, id, role string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cleanings[f.key(tenant, id)]
	if !ok {
		return false, nil
	}
	_, responded := c.RoleResponses[role]
	return responded, nil
}

func (f *fakeStore) GetCycle(_ context.Context, cleaningID string) (store.Cycle, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cycles[cleaningID]
	return c, ok, nil
}

func (f *fakeStore) UpsertCycleStart(_ context.Context, cleaningID, tenant string, start time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.cycles[cleaningID]
	c.CleaningID = cleaningID
	c.Tenant = tenant
	c.ScheduledStart = &start
	f.cycles[cleaningID] = c
	return nil
}

func (f *fakeStore) MarkInitialSent(_ context.Context, cleaningID, tenant string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.cycles[cleaningID]
	c.CleaningID = cleaningID
	c.Tenant = tenant
	c.InitialSent = true
	f.cycles[cleaningID] = c
	return nil
}

func (f *fakeStore) ClearCycle(_ context.Context, cleaningID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cycles, cleaningID)
	return nil
}

// fakeQueue records registrations without Redis.
type fakeQueue struct {
	mu        sync.Mutex
	scheduled []scheduledAction
	cancelled []string
}

type scheduledAction struct {
	action queue.Action
	fireAt time.Time
}

func (f *fakeQueue) Schedule(_ context.Context, a queue.Action, fireAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, scheduledAction{action: a, fireAt: fireAt})
	return nil
}

func (f *fakeQueue) CancelCleaning(_ context.Context, cleaningID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, cleaningID)
	n := 0
	var kept []scheduledAction
	for _, s := range f.scheduled {
		if s.action.CleaningID == cleaningID {
			n++
			continue
		}
		kept = append(kept, s)
	}
	f.scheduled = kept
	return n, nil
}

func (f *fakeQueue) find(label string) (scheduledAction, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.scheduled {
		if s.action.Label == label {
			return s, true
		}
	}
	return scheduledAction{}, false
}

// seqSender captures sends and appends to the shared event log.
type seqSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	events *[]string
}

type sentMessage struct {
	to   string
	body string
}

func (s *seqSender) Send(_ context.Context, to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{to: to, body: body})
	if s.events != nil {
		*s.events = append(*s.events, fmt.Sprintf("send:%s", to))
	}
	return nil
}
