// Package suppress decides whether classified log lines are silenced by
// operator-managed suppression rules before they reach ticket publishing.
//
// Rules live in PostgreSQL and are owned by the dashboard; the collector
// only reads them and bumps per-rule match counters. Evaluation is served
// from an in-memory cache that refreshes on access once its TTL lapses, so
// the hot path normally costs no database round-trip. Every failure mode
// fails open: an unreachable store must never cause events to be dropped.
package suppress

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Rule is one row of the suppression_rules table as seen by the collector.
// NodeIP == "" means the rule applies to every node; ExpiresAt == nil means
// the rule never expires.
type Rule struct {
	ID           int64
	Name         string
	MatchText    string
	NodeIP       string
	DurationType string
	ExpiresAt    *time.Time
}

// Store reads suppression rules from PostgreSQL and records match counters.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a pgxpool connection to connStr and pings the database so
// that misconfiguration surfaces at startup rather than on first use.
func NewStore(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ActiveRules returns all enabled, unexpired rules ordered by id ascending.
// The ordering is part of the evaluation contract: first match wins.
func (s *Store) ActiveRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, match_text, node_ip, duration_type, expires_at
		FROM   suppression_rules
		WHERE  enabled = true
		  AND  (expires_at IS NULL OR expires_at > NOW())
		ORDER  BY id`)
	if err != nil {
		return nil, fmt.Errorf("query suppression rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		var nodeIP, durationType *string
		if err := rows.Scan(&r.ID, &r.Name, &r.MatchText, &nodeIP, &durationType, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan suppression rule: %w", err)
		}
		if nodeIP != nil {
			r.NodeIP = *nodeIP
		}
		if durationType != nil {
			r.DurationType = *durationType
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// RecordMatch increments match_count and stamps last_matched_at for the rule
// that just suppressed a line.
func (s *Store) RecordMatch(ctx context.Context, ruleID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE suppression_rules
		SET    match_count     = match_count + 1,
		       last_matched_at = NOW()
		WHERE  id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("record match for rule %d: %w", ruleID, err)
	}
	return nil
}
