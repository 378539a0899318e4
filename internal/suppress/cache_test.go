package suppress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeSource is an in-memory RuleSource for cache tests.
type fakeSource struct {
	mu        sync.Mutex
	rules     []Rule
	loadErr   error
	matchErr  error
	matched   []int64
	loadCalls int
}

func (f *fakeSource) ActiveRules(ctx context.Context) ([]Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return append([]Rule(nil), f.rules...), nil
}

func (f *fakeSource) RecordMatch(ctx context.Context, ruleID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.matchErr != nil {
		return f.matchErr
	}
	f.matched = append(f.matched, ruleID)
	return nil
}

func (f *fakeSource) setRules(rules []Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = rules
}

func (f *fakeSource) setLoadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadErr = err
}

func (f *fakeSource) loads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadCalls
}

func (f *fakeSource) recorded() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.matched...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func expiresIn(d time.Duration) *time.Time {
	t := time.Now().Add(d)
	return &t
}

// TestShouldSuppressMatchesCaseInsensitive verifies that matching lowercases
// both the rule text and the line, and that a hit updates store counters.
func TestShouldSuppressMatchesCaseInsensitive(t *testing.T) {
	t.Parallel()

	src := &fakeSource{rules: []Rule{
		{ID: 7, Name: "noisy upstream", MatchText: "Connection REFUSED"},
	}}
	c := NewCache(src, "10.0.0.5", time.Minute, discardLogger())

	rule, suppressed := c.ShouldSuppress(context.Background(), "ERROR: connection refused by upstream")
	if !suppressed {
		t.Fatal("expected line to be suppressed")
	}
	if rule.ID != 7 {
		t.Errorf("rule id: want 7, got %d", rule.ID)
	}
	if got := src.recorded(); len(got) != 1 || got[0] != 7 {
		t.Errorf("recorded matches: want [7], got %v", got)
	}

	if _, suppressed := c.ShouldSuppress(context.Background(), "all systems nominal"); suppressed {
		t.Error("non-matching line must not be suppressed")
	}
}

// TestShouldSuppressFirstMatchWins verifies rules are evaluated in id order.
func TestShouldSuppressFirstMatchWins(t *testing.T) {
	t.Parallel()

	src := &fakeSource{rules: []Rule{
		{ID: 1, Name: "broad", MatchText: "disk"},
		{ID: 2, Name: "narrow", MatchText: "disk full"},
	}}
	c := NewCache(src, "10.0.0.5", time.Minute, discardLogger())

	rule, suppressed := c.ShouldSuppress(context.Background(), "disk full on /var")
	if !suppressed {
		t.Fatal("expected suppression")
	}
	if rule.ID != 1 {
		t.Errorf("first match should win: want rule 1, got %d", rule.ID)
	}
}

// TestShouldSuppressNodeScope verifies that node-scoped rules only match
// lines from their own node, while unscoped rules match everywhere.
func TestShouldSuppressNodeScope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		ruleNode string
		want     bool
	}{
		{name: "unscoped rule matches any node", ruleNode: "", want: true},
		{name: "rule scoped to this node matches", ruleNode: "10.0.0.5", want: true},
		{name: "rule scoped to another node is skipped", ruleNode: "10.0.0.9", want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := &fakeSource{rules: []Rule{
				{ID: 1, Name: "scoped", MatchText: "timeout", NodeIP: tt.ruleNode},
			}}
			c := NewCache(src, "10.0.0.5", time.Minute, discardLogger())

			_, suppressed := c.ShouldSuppress(context.Background(), "request timeout")
			if suppressed != tt.want {
				t.Errorf("suppressed = %v, want %v", suppressed, tt.want)
			}
		})
	}
}

// TestShouldSuppressSkipsExpiredRule verifies that a rule whose expiry has
// passed while cached stops matching immediately, without waiting for the
// next refresh.
func TestShouldSuppressSkipsExpiredRule(t *testing.T) {
	t.Parallel()

	src := &fakeSource{rules: []Rule{
		{ID: 1, Name: "lapsed", MatchText: "timeout", ExpiresAt: expiresIn(-time.Minute)},
		{ID: 2, Name: "current", MatchText: "timeout", ExpiresAt: expiresIn(time.Hour)},
	}}
	c := NewCache(src, "10.0.0.5", time.Minute, discardLogger())

	rule, suppressed := c.ShouldSuppress(context.Background(), "request timeout")
	if !suppressed {
		t.Fatal("expected the unexpired rule to match")
	}
	if rule.ID != 2 {
		t.Errorf("want rule 2 (unexpired), got %d", rule.ID)
	}
}

// TestShouldSuppressFailOpen verifies that a load failure yields no
// suppression and that the failed refresh is retried on the very next call
// rather than being cached until the TTL lapses.
func TestShouldSuppressFailOpen(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		rules:   []Rule{{ID: 1, Name: "r", MatchText: "timeout"}},
		loadErr: errors.New("connection refused"),
	}
	c := NewCache(src, "10.0.0.5", time.Hour, discardLogger())

	if _, suppressed := c.ShouldSuppress(context.Background(), "request timeout"); suppressed {
		t.Fatal("must fail open when rules cannot be loaded")
	}
	if got := src.loads(); got != 1 {
		t.Fatalf("load calls after failure: want 1, got %d", got)
	}

	src.setLoadErr(nil)
	if _, suppressed := c.ShouldSuppress(context.Background(), "request timeout"); !suppressed {
		t.Fatal("expected suppression once the store recovers")
	}
	if got := src.loads(); got != 2 {
		t.Errorf("failed refresh must be retried on next call: want 2 loads, got %d", got)
	}
}

// TestShouldSuppressServesCacheWithinTTL verifies that a warm cache does not
// touch the store again until the TTL lapses.
func TestShouldSuppressServesCacheWithinTTL(t *testing.T) {
	t.Parallel()

	src := &fakeSource{rules: []Rule{{ID: 1, Name: "r", MatchText: "timeout"}}}
	c := NewCache(src, "10.0.0.5", 30*time.Millisecond, discardLogger())

	c.ShouldSuppress(context.Background(), "request timeout")
	c.ShouldSuppress(context.Background(), "request timeout")
	if got := src.loads(); got != 1 {
		t.Fatalf("warm cache should serve without reloading: want 1 load, got %d", got)
	}

	time.Sleep(60 * time.Millisecond)
	c.ShouldSuppress(context.Background(), "request timeout")
	if got := src.loads(); got != 2 {
		t.Errorf("TTL expiry should trigger a reload: want 2 loads, got %d", got)
	}
}

// TestForceReloadBypassesTTL verifies that ForceReload picks up rule changes
// immediately even when the cache is still warm.
func TestForceReloadBypassesTTL(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	c := NewCache(src, "10.0.0.5", time.Hour, discardLogger())

	if _, suppressed := c.ShouldSuppress(context.Background(), "request timeout"); suppressed {
		t.Fatal("no rules loaded yet; nothing should match")
	}

	src.setRules([]Rule{{ID: 1, Name: "new", MatchText: "timeout"}})
	if _, suppressed := c.ShouldSuppress(context.Background(), "request timeout"); suppressed {
		t.Fatal("warm cache should not see new rules before reload")
	}

	if err := c.ForceReload(context.Background()); err != nil {
		t.Fatalf("ForceReload: %v", err)
	}
	if _, suppressed := c.ShouldSuppress(context.Background(), "request timeout"); !suppressed {
		t.Error("expected new rule to match after forced reload")
	}
}

// TestRecordMatchFailureKeepsVerdict verifies that a counter write failure
// does not change the suppression decision.
func TestRecordMatchFailureKeepsVerdict(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		rules:    []Rule{{ID: 1, Name: "r", MatchText: "timeout"}},
		matchErr: errors.New("write failed"),
	}
	c := NewCache(src, "10.0.0.5", time.Minute, discardLogger())

	rule, suppressed := c.ShouldSuppress(context.Background(), "request timeout")
	if !suppressed || rule == nil {
		t.Fatal("counter failure must not change the verdict")
	}
}

// TestNilCacheNeverSuppresses verifies the disabled-suppression mode: a nil
// cache passes everything through and reports zero stats.
func TestNilCacheNeverSuppresses(t *testing.T) {
	t.Parallel()

	var c *Cache
	if _, suppressed := c.ShouldSuppress(context.Background(), "fatal error"); suppressed {
		t.Error("nil cache must never suppress")
	}
	if err := c.ForceReload(context.Background()); err != nil {
		t.Errorf("nil cache ForceReload: %v", err)
	}
	if got := c.Stats(); got != (Stats{}) {
		t.Errorf("nil cache stats: want zero value, got %+v", got)
	}
}

// TestStats verifies check and suppression counters and the derived rate.
func TestStats(t *testing.T) {
	t.Parallel()

	src := &fakeSource{rules: []Rule{{ID: 1, Name: "r", MatchText: "timeout"}}}
	c := NewCache(src, "10.0.0.5", time.Minute, discardLogger())

	lines := []string{"request timeout", "all good", "fine here", "still fine"}
	for _, l := range lines {
		c.ShouldSuppress(context.Background(), l)
	}

	st := c.Stats()
	if st.TotalChecks != 4 {
		t.Errorf("total checks: want 4, got %d", st.TotalChecks)
	}
	if st.TotalSuppressed != 1 {
		t.Errorf("total suppressed: want 1, got %d", st.TotalSuppressed)
	}
	if st.SuppressionRate != 25 {
		t.Errorf("suppression rate: want 25, got %v", st.SuppressionRate)
	}
	if st.CachedRules != 1 {
		t.Errorf("cached rules: want 1, got %d", st.CachedRules)
	}
	if st.LastRefresh.IsZero() {
		t.Error("last refresh should be set after a successful load")
	}
}
