// Package redemption hands out single-use promo codes from a FIFO pool, at
// most one per user per rule per reporting day.
//
// Allocation never locks rows. The oldest available code is read, then claimed
// with a conditional update; a concurrent claimer that loses gets RACE_LOST.
// The per-day record's unique key settles two requests from the same user: the
// loser rolls back and reports the winner's code.
package redemption

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
	// The default reporting zone must resolve on hosts without zoneinfo.
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"chatfabric/internal/eventbus"
	"chatfabric/internal/metrics"
	"chatfabric/internal/storage"
	"chatfabric/pkg/logx"
)

// Reason explains a non-fresh result.
type Reason string

const (
	AlreadyRedeemedToday Reason = "ALREADY_REDEEMED_TODAY"
	OutOfStock           Reason = "OUT_OF_STOCK"
	RaceLost             Reason = "RACE_LOST"
)

const (
	statusAvailable = "AVAILABLE"
	statusUsed      = "USED"
)

var ErrInvalidRequest = errors.New("tenant, botId, userId and ruleId are required")

type Request struct {
	Tenant string `json:"tenant"`
	BotID  string `json:"botId"`
	UserID string `json:"userId"`
	RuleID string `json:"ruleId"`
}

func (r Request) valid() bool {
	return strings.TrimSpace(r.Tenant) != "" && strings.TrimSpace(r.BotID) != "" &&
		strings.TrimSpace(r.UserID) != "" && strings.TrimSpace(r.RuleID) != ""
}

// Result is the outcome shown to the caller. OK with a Reason of
// ALREADY_REDEEMED_TODAY carries the code issued earlier the same day.
type Result struct {
	OK     bool   `json:"ok"`
	Code   string `json:"code,omitempty"`
	Reason Reason `json:"reason,omitempty"`
}

// PoolKey names one code pool.
type PoolKey struct {
	Tenant string `json:"tenant"`
	BotID  string `json:"botId"`
	RuleID string `json:"ruleId"`
}

// IssuedEvent is the Data of redemption.issued.
type IssuedEvent struct {
	BotID   string `json:"botId"`
	UserID  string `json:"userId"`
	RuleID  string `json:"ruleId"`
	Code    string `json:"code"`
	DateKey string `json:"dateKey"`
}

type Config struct {
	// Timezone is the reporting zone for the per-day key.
	Timezone    string
	RaceRetries int
	RaceBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = "Asia/Jakarta"
	}
	if c.RaceRetries <= 0 {
		c.RaceRetries = 3
	}
	if c.RaceBackoff <= 0 {
		c.RaceBackoff = 25 * time.Millisecond
	}
	return c
}

type Ledger struct {
	db  *sqlx.DB
	cfg Config
	loc *time.Location
	log logx.Logger
	bus eventbus.Bus

	now func() time.Time
	// afterSelect runs inside the transaction between reading the candidate
	// code and claiming it.
	afterSelect func(ctx context.Context, tx *sqlx.Tx, codeID string) error
	// onConflict runs after a unique-violation rollback, before the winner's
	// record is read.
	onConflict func(ctx context.Context)
}

func NewLedger(db *sqlx.DB, cfg Config, log logx.Logger, bus eventbus.Bus) (*Ledger, error) {
	cfg = cfg.withDefaults()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("redemption timezone: %w", err)
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Ledger{
		db:  db,
		cfg: cfg,
		loc: loc,
		log: log.With(logx.Component("redemption")),
		bus: bus,
		now: time.Now,
	}, nil
}

// DateKey formats t as YYYY-MM-DD in the reporting timezone.
func (l *Ledger) DateKey(t time.Time) string {
	return t.In(l.loc).Format("2006-01-02")
}

// errAlreadyRedeemed signals that another request for the same user and day
// inserted its record first.
var errAlreadyRedeemed = errors.New("redemption recorded concurrently")

type poolCode struct {
	ID   string `db:"id"`
	Code string `db:"code"`
}

// Redeem allocates one code for req. Business outcomes are reported in the
// Result; the error is reserved for infrastructure failures.
func (l *Ledger) Redeem(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	if !req.valid() {
		return Result{}, ErrInvalidRequest
	}
	now := l.now()
	dateKey := l.DateKey(now)

	var res Result
	var issued poolCode
	err := storage.WithTx(ctx, l.db, func(tx *sqlx.Tx) error {
		code, found, err := existingCode(ctx, tx, req, dateKey)
		if err != nil {
			return err
		}
		if found {
			res = Result{OK: true, Code: code, Reason: AlreadyRedeemedToday}
			return nil
		}

		err = tx.GetContext(ctx, &issued, tx.Rebind(`
			SELECT id, code FROM code_pool
			WHERE tenant = ? AND bot_id = ? AND rule_id = ? AND status = ?
			ORDER BY created_at, id
			LIMIT 1`),
			req.Tenant, req.BotID, req.RuleID, statusAvailable)
		if errors.Is(err, sql.ErrNoRows) {
			res = Result{OK: false, Reason: OutOfStock}
			return nil
		}
		if err != nil {
			return fmt.Errorf("select available code: %w", err)
		}

		if l.afterSelect != nil {
			if err := l.afterSelect(ctx, tx, issued.ID); err != nil {
				return err
			}
		}

		r, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE code_pool SET status = ?, used_at = ?, used_by = ?
			WHERE id = ? AND status = ?`),
			statusUsed, now.UTC(), req.UserID, issued.ID, statusAvailable)
		if err != nil {
			return fmt.Errorf("claim code: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim code: %w", err)
		}
		if n != 1 {
			res = Result{OK: false, Reason: RaceLost}
			return nil
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO redemptions (id, tenant, bot_id, user_id, rule_id, date_key, code_id, code, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			uuid.NewString(), req.Tenant, req.BotID, req.UserID, req.RuleID, dateKey, issued.ID, issued.Code, now.UTC())
		if storage.IsUniqueViolation(err) {
			return errAlreadyRedeemed
		}
		if err != nil {
			return fmt.Errorf("insert redemption: %w", err)
		}
		res = Result{OK: true, Code: issued.Code}
		return nil
	})

	if errors.Is(err, errAlreadyRedeemed) {
		// The claim was rolled back; report the code the winner recorded.
		if l.onConflict != nil {
			l.onConflict(ctx)
		}
		var (
			code  string
			found bool
		)
		code, found, err = existingCode(ctx, l.db, req, dateKey)
		switch {
		case err != nil:
		case found:
			res = Result{OK: true, Code: code, Reason: AlreadyRedeemedToday}
		default:
			res = Result{OK: false, Reason: RaceLost}
		}
	}
	if err != nil {
		metrics.RecordRedemption("error", time.Since(start).Seconds())
		l.log.Error("redemption failed", logx.String("tenant", req.Tenant), logx.String("rule", req.RuleID), logx.Err(err))
		return Result{}, err
	}

	status := "ok"
	if res.Reason != "" {
		status = strings.ToLower(string(res.Reason))
	}
	metrics.RecordRedemption(status, time.Since(start).Seconds())
	if res.OK && res.Reason == "" {
		l.log.Info("code issued",
			logx.String("tenant", req.Tenant),
			logx.String("bot", req.BotID),
			logx.String("user", req.UserID),
			logx.String("rule", req.RuleID),
		)
		l.bus.Publish(eventbus.Event{
			Type:   eventbus.RedemptionIssued,
			Tenant: req.Tenant,
			Data:   IssuedEvent{BotID: req.BotID, UserID: req.UserID, RuleID: req.RuleID, Code: res.Code, DateKey: dateKey},
		})
	}
	return res, nil
}

type queryer interface {
	sqlx.QueryerContext
	Rebind(query string) string
}

func existingCode(ctx context.Context, q queryer, req Request, dateKey string) (string, bool, error) {
	var code string
	err := sqlx.GetContext(ctx, q, &code, q.Rebind(`
		SELECT code FROM redemptions
		WHERE tenant = ? AND bot_id = ? AND user_id = ? AND rule_id = ? AND date_key = ?`),
		req.Tenant, req.BotID, req.UserID, req.RuleID, dateKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup redemption: %w", err)
	}
	return code, true, nil
}

// RedeemWithRetry retries RACE_LOST results with a growing jittered pause.
// Other outcomes are returned as they come.
func (l *Ledger) RedeemWithRetry(ctx context.Context, req Request) (Result, error) {
	for attempt := 0; ; attempt++ {
		res, err := l.Redeem(ctx, req)
		if err != nil || res.Reason != RaceLost || attempt >= l.cfg.RaceRetries {
			return res, err
		}
		wait := time.Duration(attempt+1) * l.cfg.RaceBackoff
		wait += time.Duration(rand.Int63n(int64(l.cfg.RaceBackoff)/2 + 1))
		l.log.Debug("redemption race lost; retrying", logx.String("user", req.UserID), logx.Int("attempt", attempt+1))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return res, ctx.Err()
		case <-t.C:
		}
	}
}

// ImportCodes adds codes to a pool in the given order, which becomes their
// issue order. Codes that already exist in any pool are skipped.
func (l *Ledger) ImportCodes(ctx context.Context, pool PoolKey, codes []string) (int, error) {
	if strings.TrimSpace(pool.Tenant) == "" || strings.TrimSpace(pool.BotID) == "" || strings.TrimSpace(pool.RuleID) == "" {
		return 0, ErrInvalidRequest
	}
	base := l.now().UTC()
	added := 0
	err := storage.WithTx(ctx, l.db, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
			INSERT INTO code_pool (id, tenant, bot_id, rule_id, code, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (code) DO NOTHING`))
		if err != nil {
			return fmt.Errorf("prepare import: %w", err)
		}
		defer stmt.Close()
		for i, code := range codes {
			code = strings.TrimSpace(code)
			if code == "" {
				continue
			}
			createdAt := base.Add(time.Duration(i) * time.Microsecond)
			r, err := stmt.ExecContext(ctx, uuid.NewString(), pool.Tenant, pool.BotID, pool.RuleID, code, statusAvailable, createdAt)
			if err != nil {
				return fmt.Errorf("import code: %w", err)
			}
			n, _ := r.RowsAffected()
			added += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	l.log.Info("codes imported", logx.String("tenant", pool.Tenant), logx.String("rule", pool.RuleID), logx.Int("added", added), logx.Int("submitted", len(codes)))
	return added, nil
}

// Stock counts the available codes in a pool.
func (l *Ledger) Stock(ctx context.Context, pool PoolKey) (int, error) {
	var n int
	err := l.db.GetContext(ctx, &n, l.db.Rebind(`
		SELECT COUNT(*) FROM code_pool
		WHERE tenant = ? AND bot_id = ? AND rule_id = ? AND status = ?`),
		pool.Tenant, pool.BotID, pool.RuleID, statusAvailable)
	if err != nil {
		return 0, fmt.Errorf("count stock: %w", err)
	}
	return n, nil
}
