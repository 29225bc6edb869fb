// Package reset drops every table in a database schema. It suspends
// referential integrity enforcement while it works so that tables can be
// removed regardless of the foreign keys between them.
//
// The operation is destructive and not recoverable. On engines with
// transactional DDL the whole reset runs in one transaction and any
// failure rolls back every drop; see Dialect.Transactional for the
// weaker guarantee on other engines.
package reset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/FreePeak/db-reset/pkg/db"
	"github.com/FreePeak/db-reset/pkg/logger"
)

const (
	// defaultSlowThreshold is the duration above which a drop is logged
	// as slow
	defaultSlowThreshold = 1 * time.Second

	// restoreTimeout bounds the enforcement restore that runs after a
	// failed drop, when the original context may already be canceled
	restoreTimeout = 5 * time.Second
)

// Result reports a completed schema reset
type Result struct {
	Schema   string
	Tables   []string
	Duration time.Duration
}

// execer is the subset of statement execution shared by transactions and
// pinned connections
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Resetter drops all tables in a schema of a connected database
type Resetter struct {
	db            db.Database
	dialect       Dialect
	slowThreshold time.Duration
}

// New creates a Resetter for the given database connection. The
// connection itself is left under the caller's control; the Resetter
// never closes it.
func New(database db.Database) (*Resetter, error) {
	dialect, err := dialectFor(database.DriverName())
	if err != nil {
		return nil, err
	}

	return &Resetter{
		db:            database,
		dialect:       dialect,
		slowThreshold: defaultSlowThreshold,
	}, nil
}

// Dialect returns the engine dialect the Resetter operates with
func (r *Resetter) Dialect() Dialect {
	return r.dialect
}

// SetSlowThreshold sets the duration above which individual drops are
// logged as slow
func (r *Resetter) SetSlowThreshold(threshold time.Duration) {
	r.slowThreshold = threshold
}

// ResolveSchema returns the schema that a reset with the given argument
// would target. An empty schema resolves to the engine default.
func (r *Resetter) ResolveSchema(ctx context.Context, schema string) (string, error) {
	if schema != "" {
		if strings.ContainsRune(schema, 0) {
			return "", &ResetError{Kind: KindMetadata, Err: errors.New("schema name contains a NUL byte")}
		}
		return schema, nil
	}

	if s := r.dialect.DefaultSchema(); s != "" {
		return s, nil
	}

	row := r.db.QueryRow(ctx, r.dialect.CurrentSchemaQuery())
	if row == nil {
		return "", &ResetError{Kind: KindConnection, Err: db.ErrNoDatabase}
	}

	var current sql.NullString
	if err := row.Scan(&current); err != nil {
		return "", newResetError(KindMetadata, "", fmt.Errorf("failed to resolve current schema: %w", err))
	}
	if !current.Valid || current.String == "" {
		return "", &ResetError{Kind: KindMetadata, Err: errors.New("no schema selected on this connection")}
	}
	return current.String, nil
}

// ListTables enumerates the tables currently present in the schema
// without modifying anything
func (r *Resetter) ListTables(ctx context.Context, schema string) ([]string, error) {
	schema, err := r.ResolveSchema(ctx, schema)
	if err != nil {
		return nil, err
	}

	tables, err := collectTables(r.db.Query(ctx, r.dialect.ListTablesQuery(), schema))
	if err != nil {
		return nil, newResetError(KindMetadata, "", fmt.Errorf("failed to enumerate tables in schema %q: %w", schema, err))
	}
	return tables, nil
}

// Reset drops every table in the schema. An empty schema targets the
// engine default. On transactional engines the reset is all or nothing;
// otherwise drops up to the first failure persist, with enforcement
// restored either way.
func (r *Resetter) Reset(ctx context.Context, schema string) (*Result, error) {
	start := time.Now()

	schema, err := r.ResolveSchema(ctx, schema)
	if err != nil {
		return nil, err
	}

	var tables []string
	if r.dialect.Transactional() {
		tables, err = r.resetTx(ctx, schema)
	} else {
		tables, err = r.resetSession(ctx, schema)
	}
	if err != nil {
		return nil, err
	}

	duration := time.Since(start)
	logger.Info("Schema %q reset: dropped %d tables in %s", schema, len(tables), duration.Round(time.Millisecond))

	return &Result{
		Schema:   schema,
		Tables:   tables,
		Duration: duration,
	}, nil
}

// resetTx performs the reset inside a single transaction
func (r *Resetter) resetTx(ctx context.Context, schema string) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, newResetError(KindConnection, "", fmt.Errorf("failed to begin reset transaction: %w", err))
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		logger.Debug("Rolling back schema reset transaction")
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.Warn("Failed to roll back schema reset transaction: %v", rbErr)
		}
	}()

	logger.Debug("Disabling referential integrity enforcement")
	if _, err := tx.ExecContext(ctx, r.dialect.DisableEnforcementStmt()); err != nil {
		return nil, newResetError(KindPermission, "", fmt.Errorf("failed to disable referential integrity enforcement: %w", err))
	}

	tables, err := collectTables(tx.QueryContext(ctx, r.dialect.ListTablesQuery(), schema))
	if err != nil {
		return nil, newResetError(KindMetadata, "", fmt.Errorf("failed to enumerate tables in schema %q: %w", schema, err))
	}

	logger.Info("Dropping %d tables in schema %q", len(tables), schema)
	for _, table := range tables {
		if err := r.dropTable(ctx, tx, schema, table); err != nil {
			return nil, err
		}
	}

	logger.Debug("Restoring referential integrity enforcement")
	if _, err := tx.ExecContext(ctx, r.dialect.RestoreEnforcementStmt()); err != nil {
		return nil, newResetError(KindPermission, "", fmt.Errorf("failed to restore referential integrity enforcement: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, newResetError(KindConnection, "", fmt.Errorf("failed to commit reset transaction: %w", err))
	}
	committed = true

	return tables, nil
}

// resetSession performs the reset on a single pinned connection for
// engines whose DDL cannot run inside a transaction. The enforcement
// toggle is a session variable, so the same connection must disable it,
// drop, and restore it before returning to the pool.
func (r *Resetter) resetSession(ctx context.Context, schema string) (tables []string, err error) {
	sqlDB := r.db.DB()
	if sqlDB == nil {
		return nil, &ResetError{Kind: KindConnection, Err: db.ErrNoDatabase}
	}

	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, newResetError(KindConnection, "", fmt.Errorf("failed to acquire connection: %w", err))
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("Failed to release reset connection: %v", closeErr)
		}
	}()

	logger.Debug("Disabling referential integrity enforcement")
	if _, execErr := conn.ExecContext(ctx, r.dialect.DisableEnforcementStmt()); execErr != nil {
		return nil, newResetError(KindPermission, "", fmt.Errorf("failed to disable referential integrity enforcement: %w", execErr))
	}

	defer func() {
		// The original context may be done; the restore still has to run
		// before the connection goes back to the pool
		restoreCtx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
		defer cancel()

		logger.Debug("Restoring referential integrity enforcement")
		if _, restoreErr := conn.ExecContext(restoreCtx, r.dialect.RestoreEnforcementStmt()); restoreErr != nil {
			wrapped := newResetError(KindPermission, "", fmt.Errorf("failed to restore referential integrity enforcement: %w", restoreErr))
			if err == nil {
				err = wrapped
			} else {
				logger.Error("Failed to restore referential integrity enforcement: %v", restoreErr)
			}
		}
	}()

	tables, err = collectTables(conn.QueryContext(ctx, r.dialect.ListTablesQuery(), schema))
	if err != nil {
		return nil, newResetError(KindMetadata, "", fmt.Errorf("failed to enumerate tables in schema %q: %w", schema, err))
	}

	logger.Info("Dropping %d tables in schema %q", len(tables), schema)
	for _, table := range tables {
		if dropErr := r.dropTable(ctx, conn, schema, table); dropErr != nil {
			return nil, dropErr
		}
	}

	return tables, nil
}

// dropTable issues one idempotent cascading drop
func (r *Resetter) dropTable(ctx context.Context, ex execer, schema, table string) error {
	stmt := r.dialect.DropTableStmt(schema, table)

	start := time.Now()
	if _, err := ex.ExecContext(ctx, stmt); err != nil {
		return newResetError(KindDrop, table, fmt.Errorf("failed to drop table %s.%s: %w", schema, table, err))
	}

	if elapsed := time.Since(start); elapsed >= r.slowThreshold {
		logger.Warn("Slow drop detected (%.2fms): %s", float64(elapsed.Microseconds())/1000.0, stmt)
	} else {
		logger.Debug("Dropped table %s.%s", schema, table)
	}
	return nil
}

// collectTables drains a single-column result set of table names
func collectTables(rows *sql.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logger.Warn("Failed to close table enumeration rows: %v", closeErr)
		}
	}()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}
