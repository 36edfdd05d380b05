// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SQLStore is a database-backed implementation of Store, for deployments
// where rate-limit state must survive restarts or be shared across
// instances. Works over any database/sql driver the DBPool hands out;
// postgres placeholders are rebound from `?` at query time.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore creates the usage table if needed and returns the store.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	_, err := db.Exec(s.rebind(`CREATE TABLE IF NOT EXISTS rate_limit_usage (
		scope TEXT NOT NULL,
		identifier TEXT NOT NULL,
		limit_type TEXT NOT NULL,
		time_window TEXT NOT NULL,
		amount BIGINT NOT NULL,
		window_end TIMESTAMP NOT NULL,
		PRIMARY KEY (scope, identifier, limit_type, time_window)
	)`))
	if err != nil {
		return nil, fmt.Errorf("create rate_limit_usage table: %w", err)
	}
	return s, nil
}

func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// GetUsage gets current usage for a specific limit.
func (s *SQLStore) GetUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow) (int64, time.Time, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT amount, window_end FROM rate_limit_usage
		WHERE scope=? AND identifier=? AND limit_type=? AND time_window=?`),
		string(scope), identifier, string(limitType), string(window))

	var amount int64
	var windowEnd time.Time
	err := row.Scan(&amount, &windowEnd)
	now := time.Now()
	if err == sql.ErrNoRows || (err == nil && windowEnd.Before(now)) {
		return 0, now.Add(window.Duration()), nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("get rate limit usage: %w", err)
	}
	return amount, windowEnd, nil
}

// IncrementUsage increments usage for a specific limit, resetting the
// window first if it has expired.
func (s *SQLStore) IncrementUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64) (int64, time.Time, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("begin rate limit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT amount, window_end FROM rate_limit_usage
		WHERE scope=? AND identifier=? AND limit_type=? AND time_window=?`),
		string(scope), identifier, string(limitType), string(window))

	now := time.Now()
	var current int64
	var windowEnd time.Time
	err = row.Scan(&current, &windowEnd)
	switch {
	case err == sql.ErrNoRows:
		windowEnd = now.Add(window.Duration())
		current = amount
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO rate_limit_usage (scope, identifier, limit_type, time_window, amount, window_end)
			VALUES (?, ?, ?, ?, ?, ?)`),
			string(scope), identifier, string(limitType), string(window), current, windowEnd)
	case err == nil:
		if windowEnd.Before(now) {
			current = amount
			windowEnd = now.Add(window.Duration())
		} else {
			current += amount
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE rate_limit_usage SET amount=?, window_end=?
			WHERE scope=? AND identifier=? AND limit_type=? AND time_window=?`),
			current, windowEnd, string(scope), identifier, string(limitType), string(window))
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("increment rate limit usage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, time.Time{}, fmt.Errorf("commit rate limit usage: %w", err)
	}
	return current, windowEnd, nil
}

// SetUsage sets usage for a specific limit.
func (s *SQLStore) SetUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64, windowEnd time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE rate_limit_usage SET amount=?, window_end=?
		WHERE scope=? AND identifier=? AND limit_type=? AND time_window=?`),
		amount, windowEnd, string(scope), identifier, string(limitType), string(window))
	if err != nil {
		return fmt.Errorf("set rate limit usage: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		_, err = s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO rate_limit_usage (scope, identifier, limit_type, time_window, amount, window_end)
			VALUES (?, ?, ?, ?, ?, ?)`),
			string(scope), identifier, string(limitType), string(window), amount, windowEnd)
		if err != nil {
			return fmt.Errorf("insert rate limit usage: %w", err)
		}
	}
	return nil
}

// DeleteUsage deletes all usage records for an identifier.
func (s *SQLStore) DeleteUsage(ctx context.Context, scope Scope, identifier string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM rate_limit_usage WHERE scope=? AND identifier=?`),
		string(scope), identifier)
	if err != nil {
		return fmt.Errorf("delete rate limit usage: %w", err)
	}
	return nil
}

// DeleteExpired deletes all expired usage records.
func (s *SQLStore) DeleteExpired(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM rate_limit_usage WHERE window_end < ?`), before)
	if err != nil {
		return fmt.Errorf("delete expired rate limit usage: %w", err)
	}
	return nil
}

// Close releases nothing of its own — the *sql.DB belongs to the DBPool.
func (s *SQLStore) Close() error {
	return nil
}
