package campaign

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"chatfabric/internal/storage"
)

// Repo persists campaigns, their targets and schedules.
type Repo struct {
	db *sqlx.DB
}

func NewRepo(db *sqlx.DB) *Repo { return &Repo{db: db} }

// CreateCampaign inserts c as a draft together with its target channels.
func (r *Repo) CreateCampaign(ctx context.Context, c Campaign, targets []string) error {
	now := time.Now().UTC()
	if c.Status == "" {
		c.Status = StatusDraft
	}
	return storage.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO campaigns (id, tenant, bot_id, name, message, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			c.ID, c.Tenant, c.BotID, c.Name, c.Message, c.Status, now, now)
		if err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}
		return addTargets(ctx, tx, c.ID, targets)
	})
}

func addTargets(ctx context.Context, tx *sqlx.Tx, campaignID string, targets []string) error {
	for _, ch := range targets {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO campaign_targets (campaign_id, channel_id) VALUES (?, ?)
			ON CONFLICT (campaign_id, channel_id) DO NOTHING`), campaignID, ch)
		if err != nil {
			return fmt.Errorf("insert target: %w", err)
		}
	}
	return nil
}

func (r *Repo) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	var c Campaign
	err := r.db.GetContext(ctx, &c, r.db.Rebind(`SELECT * FROM campaigns WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return &c, nil
}

func (r *Repo) Targets(ctx context.Context, campaignID string) ([]string, error) {
	var out []string
	err := r.db.SelectContext(ctx, &out, r.db.Rebind(`
		SELECT channel_id FROM campaign_targets WHERE campaign_id = ? ORDER BY channel_id`), campaignID)
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}
	return out, nil
}

// MarkQueued moves a draft campaign to queued. Other states are left alone.
func (r *Repo) MarkQueued(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		StatusQueued, time.Now().UTC(), id, StatusDraft)
	if err != nil {
		return fmt.Errorf("mark queued: %w", err)
	}
	return nil
}

// StartRun moves the campaign to running unless another run holds it. It
// reports whether this caller won the transition.
func (r *Repo) StartRun(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaigns SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?, ?)`),
		StatusRunning, time.Now().UTC(), id, StatusDraft, StatusQueued, StatusCompleted, StatusFailed)
	if err != nil {
		return false, fmt.Errorf("start run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("start run: %w", err)
	}
	return n == 1, nil
}

func (r *Repo) SetTotalTargets(ctx context.Context, id string, total int) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaigns SET total_targets = ?, updated_at = ? WHERE id = ?`),
		total, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set total targets: %w", err)
	}
	return nil
}

// CountDelivery bumps sent_count or failed_count by one.
func (r *Repo) CountDelivery(ctx context.Context, id string, sent bool) error {
	q := `UPDATE campaigns SET failed_count = failed_count + 1, updated_at = ? WHERE id = ?`
	if sent {
		q = `UPDATE campaigns SET sent_count = sent_count + 1, updated_at = ? WHERE id = ?`
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(q), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("count delivery: %w", err)
	}
	return nil
}

func (r *Repo) Finish(ctx context.Context, id string, status Status) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		status, time.Now().UTC(), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (r *Repo) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	var s Schedule
	err := r.db.GetContext(ctx, &s, r.db.Rebind(`SELECT * FROM campaign_schedules WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return &s, nil
}

// SaveSchedule inserts or replaces the row for s.ID.
func (r *Repo) SaveSchedule(ctx context.Context, s *Schedule) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO campaign_schedules
			(id, campaign_id, cron, timezone, start_at, end_at, enabled, idempotency_key, repeat_job_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			cron = excluded.cron,
			timezone = excluded.timezone,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			enabled = excluded.enabled,
			idempotency_key = excluded.idempotency_key,
			repeat_job_key = excluded.repeat_job_key,
			updated_at = excluded.updated_at`),
		s.ID, s.CampaignID, s.Cron, s.Timezone, utcPtr(s.StartAt), utcPtr(s.EndAt), s.Enabled,
		s.IdempotencyKey, s.RepeatJobKey, s.CreatedAt, s.UpdatedAt)
	if storage.IsUniqueViolation(err) {
		return ErrKeyInUse
	}
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

// ScheduleIDByKey returns the schedule owning an idempotency key, or "".
func (r *Repo) ScheduleIDByKey(ctx context.Context, key string) (string, error) {
	var id string
	err := r.db.GetContext(ctx, &id, r.db.Rebind(`SELECT id FROM campaign_schedules WHERE idempotency_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup idempotency key: %w", err)
	}
	return id, nil
}

// SetRepeatKey records the live registration key; nil clears it.
func (r *Repo) SetRepeatKey(ctx context.Context, id string, key *string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaign_schedules SET repeat_job_key = ?, updated_at = ? WHERE id = ?`),
		key, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set repeat key: %w", err)
	}
	return nil
}

func (r *Repo) DeleteSchedule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM campaign_schedules WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

// Schedules lists every schedule, oldest first.
func (r *Repo) Schedules(ctx context.Context) ([]Schedule, error) {
	var out []Schedule
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM campaign_schedules ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return out, nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
