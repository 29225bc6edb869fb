package reset

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// Kind classifies a reset failure
type Kind int

const (
	// KindConnection covers network and authentication failures
	KindConnection Kind = iota
	// KindPermission covers insufficient privileges to toggle enforcement
	// or drop a table
	KindPermission
	// KindMetadata covers failures of the catalog queries used to
	// enumerate tables
	KindMetadata
	// KindDrop covers failures of individual drop statements
	KindDrop
)

// String returns a human-readable name for the kind
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindPermission:
		return "permission"
	case KindMetadata:
		return "metadata query"
	case KindDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// ResetError describes a failure during a schema reset
type ResetError struct {
	Kind  Kind
	Table string // set when the failure concerns a specific table
	Err   error
}

// Error implements the error interface
func (e *ResetError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("%s error on table %q: %v", e.Kind, e.Table, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *ResetError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind recorded in err's ResetError, if any
func KindOf(err error) (Kind, bool) {
	var resetErr *ResetError
	if errors.As(err, &resetErr) {
		return resetErr.Kind, true
	}
	return 0, false
}

// newResetError wraps err with the kind classified from the driver error,
// falling back to the phase the error occurred in
func newResetError(phase Kind, table string, err error) *ResetError {
	return &ResetError{Kind: classify(phase, err), Table: table, Err: err}
}

// classify inspects driver-specific error values to refine the failure
// kind beyond the phase it occurred in
func classify(phase Kind, err error) Kind {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPostgres(phase, pqErr)
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return classifyMySQL(phase, mysqlErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) {
		return KindConnection
	}

	return phase
}

// classifyPostgres maps PostgreSQL SQLSTATE codes to failure kinds
func classifyPostgres(phase Kind, pqErr *pq.Error) Kind {
	switch pqErr.Code {
	case "42501": // insufficient_privilege
		return KindPermission
	case "28000", "28P01": // invalid_authorization_specification, invalid_password
		return KindConnection
	case "3D000": // invalid_catalog_name
		return KindConnection
	}
	if pqErr.Code.Class() == "08" { // connection exceptions
		return KindConnection
	}
	return phase
}

// classifyMySQL maps MySQL server error numbers to failure kinds
func classifyMySQL(phase Kind, mysqlErr *mysql.MySQLError) Kind {
	switch mysqlErr.Number {
	case 1045: // ER_ACCESS_DENIED_ERROR
		return KindConnection
	case 1049: // ER_BAD_DB_ERROR
		return KindConnection
	case 1044: // ER_DBACCESS_DENIED_ERROR
		return KindPermission
	case 1142: // ER_TABLEACCESS_DENIED_ERROR
		return KindPermission
	case 1227: // ER_SPECIFIC_ACCESS_DENIED_ERROR
		return KindPermission
	}
	return phase
}
