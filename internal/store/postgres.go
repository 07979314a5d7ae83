package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"cleaner-coordinator/internal/models"
)

// Store wraps pgxpool for Postgres persistence. All invite/cycle markers are
// written with server-assigned NOW() so that cycle comparisons never depend
// on process clocks.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const cleaningColumns = `id, tenant, property, start_at, status, primary_phone, backup_phone, secondary_phone, invited_phones, invite_cycle_started_at, role_responses, created_at, updated_at`

// CreateCleaningParams collects inputs required to insert a cleaning.
type CreateCleaningParams struct {
	Tenant         string
	Property       string
	Start          *time.Time
	Status         string
	PrimaryPhone   string
	BackupPhone    string
	SecondaryPhone string
}

// CreateCleaning inserts a cleaning row with a fresh id.
func (s *Store) CreateCleaning(ctx context.Context, p CreateCleaningParams) (models.Cleaning, error) {
	if p.Status == "" {
		p.Status = models.StatusUnassigned
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO cleanings (id, tenant, property, start_at, status, primary_phone, backup_phone, secondary_phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`, id, p.Tenant, p.Property, p.Start, p.Status, p.PrimaryPhone, p.BackupPhone, p.SecondaryPhone)
	if err != nil {
		return models.Cleaning{}, fmt.Errorf("insert cleaning: %w", err)
	}

	return models.Cleaning{
		ID:             id,
		Tenant:         p.Tenant,
		Property:       p.Property,
		Start:          p.Start,
		Status:         p.Status,
		PrimaryPhone:   p.PrimaryPhone,
		BackupPhone:    p.BackupPhone,
		SecondaryPhone: p.SecondaryPhone,
		InvitedPhones:  map[string]time.Time{},
		RoleResponses:  map[string]string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func scanCleaning(row pgx.Row) (models.Cleaning, error) {
	var c models.Cleaning
	var start, cycleStart pgtype.Timestamptz
	var invitedJSON, responsesJSON []byte

	err := row.Scan(&c.ID, &c.Tenant, &c.Property, &start, &c.Status,
		&c.PrimaryPhone, &c.BackupPhone, &c.SecondaryPhone,
		&invitedJSON, &cycleStart, &responsesJSON, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return models.Cleaning{}, err
	}

	if start.Valid {
		t := start.Time
		c.Start = &t
	}
	if cycleStart.Valid {
		t := cycleStart.Time
		c.InviteCycleStartedAt = &t
	}
	c.InvitedPhones, err = decodeInvited(invitedJSON)
	if err != nil {
		return models.Cleaning{}, fmt.Errorf("decode invited_phones: %w", err)
	}
	c.RoleResponses = map[string]string{}
	if len(responsesJSON) > 0 {
		if err := json.Unmarshal(responsesJSON, &c.RoleResponses); err != nil {
			return models.Cleaning{}, fmt.Errorf("decode role_responses: %w", err)
		}
	}
	return c, nil
}

// decodeInvited parses the d10 -> timestamp map the database writes with
// to_jsonb(NOW()). Unparseable entries are dropped rather than failing the
// whole row.
func decodeInvited(raw []byte) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	if len(raw) == 0 {
		return out, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	for d10, ts := range m {
		if t, err := parseTimestamp(ts); err == nil {
			out[d10] = t
		}
	}
	return out, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999-07", "2006-01-02 15:04:05.999999-07"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// GetCleaning fetches one cleaning scoped to a tenant.
func (s *Store) GetCleaning(ctx context.Context, tenant, id string) (models.Cleaning, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+cleaningColumns+` FROM cleanings WHERE tenant = $1 AND id = $2`, tenant, id)
	c, err := scanCleaning(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Cleaning{}, fmt.Errorf("cleaning not found: %w", err)
	}
	if err != nil {
		return models.Cleaning{}, fmt.Errorf("scan cleaning: %w", err)
	}
	return c, nil
}

func (s *Store) queryCleanings(ctx context.Context, q string, args ...any) ([]models.Cleaning, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query cleanings: %w", err)
	}
	defer rows.Close()

	var out []models.Cleaning
	for rows.Next() {
		c, err := scanCleaning(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cleaning: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListCleanings returns every cleaning across all tenants. The reply
// processor bucket-classifies the result in memory; at current scale the
// full scan mirrors how candidates were resolved upstream.
func (s *Store) ListCleanings(ctx context.Context) ([]models.Cleaning, error) {
	return s.queryCleanings(ctx, `SELECT `+cleaningColumns+` FROM cleanings ORDER BY start_at NULLS LAST`)
}

// ListCleaningsForTenant returns one tenant's cleanings.
func (s *Store) ListCleaningsForTenant(ctx context.Context, tenant string) ([]models.Cleaning, error) {
	return s.queryCleanings(ctx, `SELECT `+cleaningColumns+` FROM cleanings WHERE tenant = $1 ORDER BY start_at NULLS LAST`, tenant)
}

// ListUpcoming returns a tenant's future cleanings that have a primary phone
// set, the eligibility filter for the scheduling sweep.
func (s *Store) ListUpcoming(ctx context.Context, tenant string) ([]models.Cleaning, error) {
	return s.queryCleanings(ctx, `
		SELECT `+cleaningColumns+` FROM cleanings
		WHERE tenant = $1 AND start_at IS NOT NULL AND start_at > NOW() AND primary_phone <> ''
		ORDER BY start_at
	`, tenant)
}

// StartCycle begins a fresh invitation cycle: previous invited phones are
// discarded, the cycle marker is stamped, and the primary is recorded as
// invited, all in one statement committed before the invite is sent so a
// racing reply still attributes to the new cycle.
func (s *Store) StartCycle(ctx context.Context, tenant, id, primaryD10 string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE cleanings
		SET invite_cycle_started_at = NOW(),
		    invited_phones = jsonb_build_object($3::text, to_jsonb(NOW())),
		    role_responses = '{}'::jsonb,
		    updated_at = NOW()
		WHERE tenant = $1 AND id = $2
	`, tenant, id, primaryD10)
	if err != nil {
		return fmt.Errorf("start invite cycle: %w", err)
	}
	return nil
}

// MarkInvited records a phone as invited now. Declines extend this map but
// never touch invite_cycle_started_at.
func (s *Store) MarkInvited(ctx context.Context, tenant, id, d10 string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE cleanings
		SET invited_phones = invited_phones || jsonb_build_object($3::text, to_jsonb(NOW())),
		    updated_at = NOW()
		WHERE tenant = $1 AND id = $2
	`, tenant, id, d10)
	if err != nil {
		return fmt.Errorf("mark invited: %w", err)
	}
	return nil
}

// IsConfirmed reads the live status for deferred-action guard checks.
func (s *Store) IsConfirmed(ctx context.Context, tenant, id string) (bool, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM cleanings WHERE tenant = $1 AND id = $2`, tenant, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read status: %w", err)
	}
	return status == models.StatusConfirmed, nil
}

// ConfirmIfPending flips status to Confirmed only if nobody beat us to it.
// Returns whether this call won the transition.
func (s *Store) ConfirmIfPending(ctx context.Context, tenant, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cleanings SET status = $3, updated_at = NOW()
		WHERE tenant = $1 AND id = $2 AND status <> $3
	`, tenant, id, models.StatusConfirmed)
	if err != nil {
		return false, fmt.Errorf("confirm cleaning: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkDeclined sets status to Declined.
func (s *Store) MarkDeclined(ctx context.Context, tenant, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE cleanings SET status = $3, updated_at = NOW()
		WHERE tenant = $1 AND id = $2
	`, tenant, id, models.StatusDeclined)
	if err != nil {
		return fmt.Errorf("decline cleaning: %w", err)
	}
	return nil
}

// RecordRoleResponse stores the latest reply body for a role slot.
func (s *Store) RecordRoleResponse(ctx context.Context, tenant, id, role, body string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE cleanings
		SET role_responses = role_responses || jsonb_build_object($3::text, $4::text),
		    updated_at = NOW()
		WHERE tenant = $1 AND id = $2
	`, tenant, id, role, body)
	if err != nil {
		return fmt.Errorf("record role response: %w", err)
	}
	return nil
}

// HasRoleResponded reports whether the given role slot has replied anything
// in the current cycle.
func (s *Store) HasRoleResponded(ctx context.Context, tenant, id, role string) (bool, error) {
	var responded bool
	err := s.pool.QueryRow(ctx, `
		SELECT role_responses ? $3 FROM cleanings WHERE tenant = $1 AND id = $2
	`, tenant, id, role).Scan(&responded)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read role response: %w", err)
	}
	return responded, nil
}

// FindCleanerName resolves a display name by suffix-matching the canonical
// phone against the tenant's cleaner directory.
func (s *Store) FindCleanerName(ctx context.Context, tenant, d10 string) (string, error) {
	if d10 == "" {
		return "", nil
	}
	var name string
	err := s.pool.QueryRow(ctx, `
		SELECT name FROM cleaners
		WHERE tenant = $1 AND regexp_replace(phone, '\D', '', 'g') LIKE '%' || $2
		LIMIT 1
	`, tenant, d10).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup cleaner name: %w", err)
	}
	return name, nil
}

// UpsertCleaner writes a worker directory entry. Roster management proper is
// out of scope; this exists for seeding and tests.
func (s *Store) UpsertCleaner(ctx context.Context, tenant, rawPhone, name string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cleaners (tenant, phone, name) VALUES ($1, $2, $3)
		ON CONFLICT (tenant, phone) DO UPDATE SET name = EXCLUDED.name
	`, tenant, rawPhone, name)
	if err != nil {
		return fmt.Errorf("upsert cleaner: %w", err)
	}
	return nil
}

// AppendReply logs one inbound reply.
func (s *Store) AppendReply(ctx context.Context, tenant, d10, body string, cleaningID *string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reply_log (id, tenant, phone, body, cleaning_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.New().String(), tenant, d10, body, cleaningID)
	if err != nil {
		return fmt.Errorf("append reply log: %w", err)
	}
	return nil
}

// ListReplies returns a tenant's reply log, newest first.
func (s *Store) ListReplies(ctx context.Context, tenant string) ([]models.Reply, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant, phone, body, cleaning_id, recorded_at
		FROM reply_log WHERE tenant = $1 ORDER BY recorded_at DESC
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("query reply log: %w", err)
	}
	defer rows.Close()

	var out []models.Reply
	for rows.Next() {
		var r models.Reply
		var cleaningID pgtype.Text
		if err := rows.Scan(&r.ID, &r.Tenant, &r.Phone, &r.Body, &cleaningID, &r.Recorded); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		if cleaningID.Valid {
			v := cleaningID.String
			r.CleaningID = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Cycle is one row of the durable scheduling registry, replacing the
// flat-file tracker: which start time was last scheduled for a cleaning and
// whether its one-time initial invite went out.
type Cycle struct {
	CleaningID     string
	Tenant         string
	ScheduledStart *time.Time
	InitialSent    bool
}

// GetCycle reads the registry entry for a cleaning.
func (s *Store) GetCycle(ctx context.Context, cleaningID string) (Cycle, bool, error) {
	var c Cycle
	var start pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT cleaning_id, tenant, scheduled_start, initial_sent FROM invite_cycles WHERE cleaning_id = $1
	`, cleaningID).Scan(&c.CleaningID, &c.Tenant, &start, &c.InitialSent)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cycle{}, false, nil
	}
	if err != nil {
		return Cycle{}, false, fmt.Errorf("read invite cycle: %w", err)
	}
	if start.Valid {
		t := start.Time
		c.ScheduledStart = &t
	}
	return c, true, nil
}

// UpsertCycleStart records the start time a cycle was registered for.
func (s *Store) UpsertCycleStart(ctx context.Context, cleaningID, tenant string, start time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invite_cycles (cleaning_id, tenant, scheduled_start, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (cleaning_id) DO UPDATE SET scheduled_start = EXCLUDED.scheduled_start, updated_at = NOW()
	`, cleaningID, tenant, start)
	if err != nil {
		return fmt.Errorf("upsert invite cycle: %w", err)
	}
	return nil
}

// MarkInitialSent flags that the one-time initial invite was dispatched (or
// deliberately skipped) so a restart never resends it.
func (s *Store) MarkInitialSent(ctx context.Context, cleaningID, tenant string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invite_cycles (cleaning_id, tenant, initial_sent, updated_at)
		VALUES ($1, $2, TRUE, NOW())
		ON CONFLICT (cleaning_id) DO UPDATE SET initial_sent = TRUE, updated_at = NOW()
	`, cleaningID, tenant)
	if err != nil {
		return fmt.Errorf("mark initial sent: %w", err)
	}
	return nil
}

// ClearCycle removes the registry entry. Safe to call when none exists.
func (s *Store) ClearCycle(ctx context.Context, cleaningID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM invite_cycles WHERE cleaning_id = $1`, cleaningID)
	if err != nil {
		return fmt.Errorf("clear invite cycle: %w", err)
	}
	return nil
}
