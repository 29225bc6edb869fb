package reset

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Dialect supplies the engine-specific SQL used to reset a schema
type Dialect interface {
	// Name returns the engine name as used in configuration
	Name() string

	// DefaultSchema returns the schema targeted when none is specified,
	// or an empty string when it has to be resolved with CurrentSchemaQuery
	DefaultSchema() string

	// CurrentSchemaQuery returns a query yielding the connection's current
	// schema, or an empty string when DefaultSchema is constant
	CurrentSchemaQuery() string

	// ListTablesQuery returns the catalog query enumerating the table
	// names of a schema. The schema is bound as the only query argument.
	ListTablesQuery() string

	// DisableEnforcementStmt returns the statement that suspends
	// referential integrity enforcement
	DisableEnforcementStmt() string

	// RestoreEnforcementStmt returns the statement that restores default
	// enforcement behavior
	RestoreEnforcementStmt() string

	// DropTableStmt returns an idempotent cascading drop for the table
	DropTableStmt(schema, table string) string

	// QuoteIdentifier quotes a name for use in identifier positions
	QuoteIdentifier(name string) string

	// Transactional reports whether schema changes can run inside a
	// single transaction and be rolled back
	Transactional() bool
}

// dialectFor selects the dialect for a database driver
func dialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case "postgres":
		return &postgresDialect{}, nil
	case "mysql":
		return &mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driverName)
	}
}

// postgresDialect implements Dialect for PostgreSQL.
//
// Enforcement is suspended with a transaction-scoped replication role, so
// it reverts automatically on both commit and rollback.
type postgresDialect struct{}

func (d *postgresDialect) Name() string {
	return "postgres"
}

func (d *postgresDialect) DefaultSchema() string {
	return "public"
}

func (d *postgresDialect) CurrentSchemaQuery() string {
	return ""
}

func (d *postgresDialect) ListTablesQuery() string {
	return "SELECT tablename AS table_name FROM pg_catalog.pg_tables WHERE schemaname = $1 ORDER BY tablename"
}

func (d *postgresDialect) DisableEnforcementStmt() string {
	return "SET LOCAL session_replication_role = replica"
}

func (d *postgresDialect) RestoreEnforcementStmt() string {
	return "SET LOCAL session_replication_role = DEFAULT"
}

func (d *postgresDialect) DropTableStmt(schema, table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s.%s CASCADE",
		d.QuoteIdentifier(schema), d.QuoteIdentifier(table))
}

func (d *postgresDialect) QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

func (d *postgresDialect) Transactional() bool {
	return true
}

// mysqlDialect implements Dialect for MySQL.
//
// MySQL DDL commits implicitly, so drops cannot be rolled back. The
// foreign key check toggle is a session variable and must be restored on
// the same connection that disabled it.
type mysqlDialect struct{}

func (d *mysqlDialect) Name() string {
	return "mysql"
}

func (d *mysqlDialect) DefaultSchema() string {
	return ""
}

func (d *mysqlDialect) CurrentSchemaQuery() string {
	return "SELECT DATABASE()"
}

func (d *mysqlDialect) ListTablesQuery() string {
	return "SELECT table_name FROM information_schema.tables WHERE table_schema = ? AND table_type = 'BASE TABLE' ORDER BY table_name"
}

func (d *mysqlDialect) DisableEnforcementStmt() string {
	return "SET FOREIGN_KEY_CHECKS = 0"
}

func (d *mysqlDialect) RestoreEnforcementStmt() string {
	return "SET FOREIGN_KEY_CHECKS = 1"
}

func (d *mysqlDialect) DropTableStmt(schema, table string) string {
	// CASCADE is parsed and ignored by MySQL; dependent constraints are
	// handled by the foreign key check toggle instead
	return fmt.Sprintf("DROP TABLE IF EXISTS %s.%s CASCADE",
		d.QuoteIdentifier(schema), d.QuoteIdentifier(table))
}

func (d *mysqlDialect) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d *mysqlDialect) Transactional() bool {
	return false
}
