//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/suppress/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package suppress_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/resolvix/collector/internal/suppress"
)

// suppressionRulesDDL mirrors the dashboard-owned table the collector reads.
// The dashboard owns the real schema; only the columns used here matter.
const suppressionRulesDDL = `
	CREATE TABLE suppression_rules (
		id              BIGSERIAL PRIMARY KEY,
		name            TEXT        NOT NULL,
		match_text      TEXT        NOT NULL,
		node_ip         TEXT,
		duration_type   TEXT,
		expires_at      TIMESTAMPTZ,
		enabled         BOOLEAN     NOT NULL DEFAULT true,
		match_count     BIGINT      NOT NULL DEFAULT 0,
		last_matched_at TIMESTAMPTZ
	)`

// setupDB starts a PostgreSQL container, creates the suppression_rules table,
// and returns a Store plus a raw pgxpool for row-level assertions.
func setupDB(t *testing.T) (*suppress.Store, *pgxpool.Pool, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("resolvix_test"),
		tcpostgres.WithUsername("resolvix"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	rawPool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("connect for schema setup: %v", err)
	}
	if _, err := rawPool.Exec(ctx, suppressionRulesDDL); err != nil {
		rawPool.Close()
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("create suppression_rules: %v", err)
	}

	store, err := suppress.NewStore(ctx, connStr)
	if err != nil {
		rawPool.Close()
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("suppress.NewStore: %v", err)
	}

	cleanup := func() {
		store.Close()
		rawPool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return store, rawPool, cleanup
}

// insertRule adds one rule row and returns its id.
func insertRule(t *testing.T, pool *pgxpool.Pool, name, matchText string, nodeIP *string, expiresAt *time.Time, enabled bool) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(), `
		INSERT INTO suppression_rules (name, match_text, node_ip, duration_type, expires_at, enabled)
		VALUES ($1, $2, $3, 'permanent', $4, $5)
		RETURNING id`,
		name, matchText, nodeIP, expiresAt, enabled,
	).Scan(&id)
	if err != nil {
		t.Fatalf("insert rule %q: %v", name, err)
	}
	return id
}

func TestActiveRulesFiltersAndOrders(t *testing.T) {
	store, pool, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	node := "10.0.0.5"
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	first := insertRule(t, pool, "global", "connection refused", nil, nil, true)
	second := insertRule(t, pool, "scoped", "oom-killer", &node, &future, true)
	insertRule(t, pool, "disabled", "kernel panic", nil, nil, false)
	insertRule(t, pool, "expired", "watchdog", nil, &past, true)

	rules, err := store.ActiveRules(ctx)
	if err != nil {
		t.Fatalf("ActiveRules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("want 2 active rules, got %d", len(rules))
	}
	if rules[0].ID != first || rules[1].ID != second {
		t.Errorf("id order: want [%d %d], got [%d %d]", first, second, rules[0].ID, rules[1].ID)
	}
	if rules[0].NodeIP != "" {
		t.Errorf("NULL node_ip should scan as empty string, got %q", rules[0].NodeIP)
	}
	if rules[1].NodeIP != node {
		t.Errorf("node_ip: want %q, got %q", node, rules[1].NodeIP)
	}
	if rules[0].ExpiresAt != nil {
		t.Error("NULL expires_at should scan as nil")
	}
	if rules[1].ExpiresAt == nil {
		t.Error("expires_at should be set for the scoped rule")
	}
}

func TestRecordMatchIncrementsCounters(t *testing.T) {
	store, pool, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	id := insertRule(t, pool, "counter", "timeout", nil, nil, true)

	for i := 0; i < 2; i++ {
		if err := store.RecordMatch(ctx, id); err != nil {
			t.Fatalf("RecordMatch[%d]: %v", i, err)
		}
	}

	var count int64
	var lastMatched *time.Time
	err := pool.QueryRow(ctx, `
		SELECT match_count, last_matched_at FROM suppression_rules WHERE id = $1`, id,
	).Scan(&count, &lastMatched)
	if err != nil {
		t.Fatalf("read counters: %v", err)
	}
	if count != 2 {
		t.Errorf("match_count: want 2, got %d", count)
	}
	if lastMatched == nil {
		t.Error("last_matched_at should be set after a match")
	}
}

// TestCacheSuppressesThroughPostgres drives the full path: rule in the
// database, cache warm-up on first check, suppression verdict, and counter
// write-back.
func TestCacheSuppressesThroughPostgres(t *testing.T) {
	store, pool, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	id := insertRule(t, pool, "noisy cron", "xyz", nil, nil, true)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := suppress.NewCache(store, "10.0.0.5", time.Minute, logger)

	rule, suppressed := cache.ShouldSuppress(ctx, "ERROR: xyz failed again")
	if !suppressed {
		t.Fatal("expected suppression")
	}
	if rule.ID != id {
		t.Errorf("rule id: want %d, got %d", id, rule.ID)
	}

	var count int64
	if err := pool.QueryRow(ctx, `
		SELECT match_count FROM suppression_rules WHERE id = $1`, id).Scan(&count); err != nil {
		t.Fatalf("read match_count: %v", err)
	}
	if count != 1 {
		t.Errorf("match_count: want 1, got %d", count)
	}

	st := cache.Stats()
	if st.TotalChecks != 1 || st.TotalSuppressed != 1 {
		t.Errorf("stats: want 1 check / 1 suppressed, got %+v", st)
	}
}
