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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kadirpekel/hephaestus/pkg/config"
	"github.com/kadirpekel/hephaestus/pkg/orchestrator/errs"
)

// Store is the single authoritative relational store. All multi-row
// state changes happen inside a transaction; callers obtain one with
// WithTx. Driver differences (sqlite/mysql `?` placeholders vs postgres
// `$1..$n`) are handled once, in rebind, rather than scattered through every
// query — the same way config.DBPool keys pooled *sql.DB handles by
// driver+DSN instead of hardcoding one engine.
type Store struct {
	db     *sql.DB
	driver string
}

// New opens (or reuses, via pkg/config.DBPool) a pooled connection for cfg
// and runs the schema migration.
func New(ctx context.Context, pool *config.DBPool, cfg *config.DatabaseConfig) (*Store, error) {
	db, err := pool.Get(cfg)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "open store", err)
	}
	s := &Store{db: db, driver: normalizeDriver(cfg.Driver)}
	if err := s.migrate(ctx); err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "migrate store", err)
	}
	return s, nil
}

func normalizeDriver(driver string) string {
	switch driver {
	case "sqlite3", "sqlite":
		return "sqlite"
	case "postgres", "postgresql":
		return "postgres"
	case "mysql":
		return "mysql"
	default:
		return driver
	}
}

// rebind rewrites `?` placeholders into `$1, $2, ...` for postgres; sqlite
// and mysql accept `?` natively via their drivers.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
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

// querier is satisfied by both *sql.DB and *sql.Tx so store methods can run
// inside or outside an explicit transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Querier is querier's exported alias, so callers outside this package
// (pkg/orchestrator/agentmgr, queue, ticket, guardian, conductor,
// diagnostic, validation, monitor) can name the parameter type their own
// functions take when they accept a *sql.Tx from WithTx and thread it
// through to store methods. *sql.DB and *sql.Tx both satisfy it already.
type Querier = querier

// WithTx runs fn inside a serialisable transaction, committing on success
// and rolling back on error or panic. Every multi-row state change in the
// orchestrator (queue recompute, ticket resolution cascades, termination
// cascades) goes through this.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}

// Q returns the pool-level Querier, for read-only lookups a caller wants to
// run outside any transaction (e.g. the queue engine's dedup scan, which
// must not hold a transaction open across an embedding network call).
func (s *Store) Q() Querier {
	return s.db
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the store is reachable, used at startup.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "store unreachable", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, s.rebind(stmt)); err != nil {
			return fmt.Errorf("migrate: %s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
