package redemption

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"chatfabric/internal/eventbus"
	"chatfabric/internal/storage"
	"chatfabric/pkg/logx"
)

var testPool = PoolKey{Tenant: "acme", BotID: "bot-1", RuleID: "welcome"}

func newTestLedger(t *testing.T, bus eventbus.Bus) *Ledger {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{
		Driver: storage.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "ledger.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	l, err := NewLedger(db, Config{RaceBackoff: time.Millisecond}, logx.Nop(), bus)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l
}

func importCodes(t *testing.T, l *Ledger, codes ...string) {
	t.Helper()
	n, err := l.ImportCodes(context.Background(), testPool, codes)
	if err != nil {
		t.Fatalf("ImportCodes: %v", err)
	}
	if n != len(codes) {
		t.Fatalf("ImportCodes added %d, want %d", n, len(codes))
	}
}

func req(user string) Request {
	return Request{Tenant: testPool.Tenant, BotID: testPool.BotID, UserID: user, RuleID: testPool.RuleID}
}

func TestRedeemIssuesOldestFirst(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, nil)
	importCodes(t, l, "AAA", "BBB", "CCC")
	ctx := context.Background()

	for i, want := range []string{"AAA", "BBB", "CCC"} {
		res, err := l.Redeem(ctx, req("user-"+want))
		if err != nil {
			t.Fatalf("Redeem %d: %v", i, err)
		}
		if !res.OK || res.Code != want || res.Reason != "" {
			t.Fatalf("Redeem %d = %+v, want fresh %s", i, res, want)
		}
	}
	if n, _ := l.Stock(ctx, testPool); n != 0 {
		t.Fatalf("Stock = %d, want 0", n)
	}
}

func TestSameDayRepeatReturnsSameCode(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, nil)
	importCodes(t, l, "ONE", "TWO")
	ctx := context.Background()

	first, err := l.Redeem(ctx, req("u1"))
	if err != nil || !first.OK {
		t.Fatalf("first = %+v, %v", first, err)
	}
	again, err := l.Redeem(ctx, req("u1"))
	if err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if !again.OK || again.Code != first.Code || again.Reason != AlreadyRedeemedToday {
		t.Fatalf("repeat = %+v, want %s with %s", again, first.Code, AlreadyRedeemedToday)
	}
	if n, _ := l.Stock(ctx, testPool); n != 1 {
		t.Fatalf("Stock = %d, want 1", n)
	}

	// The next reporting day is a new allowance.
	l.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	next, err := l.Redeem(ctx, req("u1"))
	if err != nil || !next.OK || next.Code != "TWO" || next.Reason != "" {
		t.Fatalf("next day = %+v, %v", next, err)
	}
}

func TestSingleCodeTwoUsers(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, nil)
	importCodes(t, l, "LAST")

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i, user := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			res, err := l.Redeem(context.Background(), req(user))
			if err != nil {
				t.Errorf("Redeem(%s): %v", user, err)
			}
			results[i] = res
		}(i, user)
	}
	wg.Wait()

	var ok, out int
	for _, r := range results {
		switch {
		case r.OK && r.Code == "LAST":
			ok++
		case !r.OK && r.Reason == OutOfStock:
			out++
		}
	}
	if ok != 1 || out != 1 {
		t.Fatalf("results = %+v, want one ok and one OUT_OF_STOCK", results)
	}
}

func TestConcurrentSameUserGetsOneRecord(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, nil)
	importCodes(t, l, "C1", "C2", "C3", "C4", "C5")

	const n = 8
	var wg sync.WaitGroup
	codes := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.RedeemWithRetry(context.Background(), req("same-user"))
			if err != nil || !res.OK {
				t.Errorf("Redeem = %+v, %v", res, err)
				return
			}
			codes <- res.Code
		}()
	}
	wg.Wait()
	close(codes)

	seen := map[string]bool{}
	for c := range codes {
		seen[c] = true
	}
	if len(seen) != 1 {
		t.Fatalf("codes handed out = %v, want exactly one", seen)
	}
	var records int
	if err := l.db.Get(&records, `SELECT COUNT(*) FROM redemptions`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if records != 1 {
		t.Fatalf("redemption records = %d, want 1", records)
	}
	if stock, _ := l.Stock(context.Background(), testPool); stock != 4 {
		t.Fatalf("Stock = %d, want 4", stock)
	}
}

func TestClaimLostToConcurrentWriter(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, nil)
	importCodes(t, l, "X1", "X2")
	ctx := context.Background()

	// Another claimer takes the selected code between read and update.
	var once sync.Once
	l.afterSelect = func(ctx context.Context, tx *sqlx.Tx, codeID string) error {
		var err error
		once.Do(func() {
			_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE code_pool SET status = 'USED', used_by = 'other' WHERE id = ?`), codeID)
		})
		return err
	}

	res, err := l.Redeem(ctx, req("u1"))
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.OK || res.Reason != RaceLost {
		t.Fatalf("Redeem = %+v, want RACE_LOST", res)
	}

	res, err = l.RedeemWithRetry(ctx, req("u1"))
	if err != nil || !res.OK || res.Code != "X2" {
		t.Fatalf("RedeemWithRetry = %+v, %v, want X2", res, err)
	}
}

// A same-day record that commits after the initial lookup makes the insert
// fail; the caller gets the winner's code and keeps the stock untouched.
func TestInsertConflictReturnsWinnerCode(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, nil)
	importCodes(t, l, "W1", "L1")
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }
	dateKey := l.DateKey(fixed)
	ctx := context.Background()

	var winnerID string
	if err := l.db.GetContext(ctx, &winnerID, `SELECT id FROM code_pool WHERE code = 'W1'`); err != nil {
		t.Fatalf("lookup W1: %v", err)
	}
	if _, err := l.db.ExecContext(ctx, `UPDATE code_pool SET status = 'USED', used_by = 'u1' WHERE id = ?`, winnerID); err != nil {
		t.Fatalf("claim W1: %v", err)
	}
	insertWinner := func(ctx context.Context, q sqlx.ExecerContext) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO redemptions (id, tenant, bot_id, user_id, rule_id, date_key, code_id, code, created_at)
			VALUES ('winner', ?, ?, 'u1', ?, ?, ?, 'W1', ?)`,
			testPool.Tenant, testPool.BotID, testPool.RuleID, dateKey, winnerID, fixed)
		return err
	}

	// The winner's row collides with this claim's insert, then becomes the
	// committed record once the claim has rolled back.
	l.afterSelect = func(ctx context.Context, tx *sqlx.Tx, codeID string) error {
		return insertWinner(ctx, tx)
	}
	l.onConflict = func(ctx context.Context) {
		if err := insertWinner(ctx, l.db); err != nil {
			t.Errorf("commit winner: %v", err)
		}
	}

	res, err := l.Redeem(ctx, req("u1"))
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if !res.OK || res.Code != "W1" || res.Reason != AlreadyRedeemedToday {
		t.Fatalf("Redeem = %+v, want W1 ALREADY_REDEEMED_TODAY", res)
	}
	if stock, _ := l.Stock(ctx, testPool); stock != 1 {
		t.Fatalf("Stock = %d, want 1", stock)
	}
}

func TestRetryGivesUpOnPersistentRace(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, nil)
	importCodes(t, l, "R1", "R2", "R3", "R4", "R5")
	attempts := 0
	l.afterSelect = func(ctx context.Context, tx *sqlx.Tx, codeID string) error {
		attempts++
		_, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE code_pool SET status = 'USED', used_by = 'other' WHERE id = ?`), codeID)
		return err
	}
	res, err := l.RedeemWithRetry(context.Background(), req("u1"))
	if err != nil {
		t.Fatalf("RedeemWithRetry: %v", err)
	}
	if res.OK || res.Reason != RaceLost {
		t.Fatalf("result = %+v, want RACE_LOST", res)
	}
	if attempts != 4 {
		t.Fatalf("attempts = %d, want 1 + 3 retries", attempts)
	}
	if stock, _ := l.Stock(context.Background(), testPool); stock != 1 {
		t.Fatalf("Stock = %d, want 1", stock)
	}
}

func TestImportSkipsDuplicatesAndBlanks(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, nil)
	ctx := context.Background()
	n, err := l.ImportCodes(ctx, testPool, []string{"D1", "D1", " ", "D2"})
	if err != nil {
		t.Fatalf("ImportCodes: %v", err)
	}
	if n != 2 {
		t.Fatalf("added = %d, want 2", n)
	}
	n, err = l.ImportCodes(ctx, testPool, []string{"D2", "D3"})
	if err != nil || n != 1 {
		t.Fatalf("second import = %d, %v, want 1", n, err)
	}
	if _, err := l.ImportCodes(ctx, PoolKey{Tenant: "acme"}, []string{"Z"}); err == nil {
		t.Fatalf("import into incomplete pool key succeeded")
	}
}

func TestPoolsAreIsolated(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, nil)
	importCodes(t, l, "MINE")
	other := req("u1")
	other.RuleID = "another-rule"
	res, err := l.Redeem(context.Background(), other)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.OK || res.Reason != OutOfStock {
		t.Fatalf("other pool = %+v, want OUT_OF_STOCK", res)
	}
}

func TestRedeemRejectsIncompleteRequest(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, nil)
	if _, err := l.Redeem(context.Background(), Request{Tenant: "acme"}); err != ErrInvalidRequest {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestIssuedEventPublished(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	l := newTestLedger(t, bus)
	importCodes(t, l, "EV1")

	if _, err := l.Redeem(context.Background(), req("u1")); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	select {
	case e := <-events:
		ie, ok := e.Data.(IssuedEvent)
		if e.Type != eventbus.RedemptionIssued || e.Tenant != "acme" || !ok || ie.Code != "EV1" {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no redemption.issued event")
	}
}

func TestDateKeyUsesReportingTimezone(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, nil)
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2024, 1, 1, 16, 59, 0, 0, time.UTC), "2024-01-01"},
		{time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC), "2024-01-02"},
		{time.Date(2024, 12, 31, 18, 0, 0, 0, time.UTC), "2025-01-01"},
	}
	for _, tt := range tests {
		if got := l.DateKey(tt.at); got != tt.want {
			t.Fatalf("DateKey(%v) = %s, want %s", tt.at, got, tt.want)
		}
	}
}
