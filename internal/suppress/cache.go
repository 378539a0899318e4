package suppress

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a loaded rule set is served before the next access
// triggers a refresh from the store.
const DefaultTTL = 60 * time.Second

// RuleSource is the slice of Store the cache depends on. Tests substitute an
// in-memory implementation.
type RuleSource interface {
	ActiveRules(ctx context.Context) ([]Rule, error)
	RecordMatch(ctx context.Context, ruleID int64) error
}

// Stats is a point-in-time summary of suppression activity since startup.
type Stats struct {
	TotalChecks     int64     `json:"total_checks"`
	TotalSuppressed int64     `json:"total_suppressed"`
	SuppressionRate float64   `json:"suppression_rate"`
	CachedRules     int       `json:"cached_rules"`
	LastRefresh     time.Time `json:"last_refresh"`
}

// cachedRule pairs a Rule with its pre-lowered match text so the hot path
// only lowercases the incoming line.
type cachedRule struct {
	Rule
	matchLower string
}

// Cache evaluates lines against suppression rules, refreshing its rule set
// from the source at most once per TTL.
//
// A nil *Cache is valid and never suppresses; it is what the daemon carries
// when no rule database is configured.
type Cache struct {
	src    RuleSource
	nodeIP string
	ttl    time.Duration
	logger *slog.Logger

	mu              sync.Mutex
	rules           []cachedRule
	loaded          bool
	lastRefresh     time.Time
	totalChecks     int64
	totalSuppressed int64
}

// NewCache wraps src in a TTL cache scoped to nodeIP. Rules whose NodeIP is
// set to a different address never match. ttl ≤ 0 is replaced with
// DefaultTTL.
func NewCache(src RuleSource, nodeIP string, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{src: src, nodeIP: nodeIP, ttl: ttl, logger: logger}
}

// ShouldSuppress reports whether line matches an active suppression rule,
// returning the matched rule. Rules are tried in id order; the first
// case-insensitive substring hit wins. On a match the rule's store counters
// are updated; counter failures are logged and never change the verdict.
//
// Fail-open: if the rule set cannot be loaded the previous set is retained
// (an empty set when never loaded) and the refresh is retried on the next
// call, so a dead database degrades to "suppress nothing".
func (c *Cache) ShouldSuppress(ctx context.Context, line string) (*Rule, bool) {
	if c == nil {
		return nil, false
	}
	rules := c.snapshot(ctx)
	if len(rules) == 0 {
		return nil, false
	}

	now := time.Now()
	lineLower := strings.ToLower(line)
	for i := range rules {
		r := &rules[i]
		if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			continue
		}
		if r.NodeIP != "" && r.NodeIP != c.nodeIP {
			continue
		}
		if !strings.Contains(lineLower, r.matchLower) {
			continue
		}

		c.mu.Lock()
		c.totalSuppressed++
		c.mu.Unlock()

		if err := c.src.RecordMatch(ctx, r.ID); err != nil {
			c.logger.Warn("failed to record suppression match", "rule_id", r.ID, "error", err)
		}
		matched := r.Rule
		return &matched, true
	}
	return nil, false
}

// ForceReload refreshes the rule set immediately, ignoring the TTL. It is
// used after rule mutations and by tests; the periodic refresh path never
// needs it.
func (c *Cache) ForceReload(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

// Stats returns suppression counters accumulated since startup.
func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		TotalChecks:     c.totalChecks,
		TotalSuppressed: c.totalSuppressed,
		CachedRules:     len(c.rules),
		LastRefresh:     c.lastRefresh,
	}
	if st.TotalChecks > 0 {
		st.SuppressionRate = float64(st.TotalSuppressed) / float64(st.TotalChecks) * 100
	}
	return st
}

// snapshot counts the check, refreshes the rule set if the TTL has lapsed,
// and returns the current rules. The returned slice is replaced wholesale on
// refresh, never mutated, so callers may read it without the lock.
func (c *Cache) snapshot(ctx context.Context) []cachedRule {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalChecks++
	if !c.loaded || time.Since(c.lastRefresh) >= c.ttl {
		if err := c.refreshLocked(ctx); err != nil {
			// Retain the previous set; lastRefresh deliberately does not
			// advance, so the next call retries the store.
			c.logger.Warn("suppression rule refresh failed", "error", err)
		}
	}
	return c.rules
}

// refreshLocked loads the active rule set from the store. The caller must
// hold c.mu.
func (c *Cache) refreshLocked(ctx context.Context) error {
	loaded, err := c.src.ActiveRules(ctx)
	if err != nil {
		return err
	}
	rules := make([]cachedRule, len(loaded))
	for i, r := range loaded {
		rules[i] = cachedRule{Rule: r, matchLower: strings.ToLower(r.MatchText)}
	}
	c.rules = rules
	c.loaded = true
	c.lastRefresh = time.Now()
	c.logger.Debug("suppression rules refreshed", "count", len(rules))
	return nil
}
