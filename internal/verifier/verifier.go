// Package verifier implements the DB verifier (C5): on-demand EXISTS
// queries against the watched (table, column) pairs, used by the GC cycle
// to re-confirm a candidate immediately before it is acted on.
package verifier

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bryonbaker/s3gc/internal/models"
)

// Verifier checks whether a key is still referenced by any watched column.
type Verifier interface {
	// ExistsAnywhere runs a SELECT 1 ... LIMIT 1 against every watched
	// (table, column) pair and reports true on the first hit.
	ExistsAnywhere(ctx context.Context, key string) (bool, error)

	// Close releases the underlying connection.
	Close() error
}

// SQLVerifier implements Verifier over a database/sql handle. It is
// parameterized by placeholder and identifier-quoting style so the same
// code drives both the Postgres ($1, double quotes) and MySQL (?,
// backticks) backends.
type SQLVerifier struct {
	db          *sql.DB
	columns     []models.WatchedColumn
	placeholder func(pos int) string
	quote       func(ident string) string
}

var _ Verifier = (*SQLVerifier)(nil)

// PostgresPlaceholder renders the $N positional placeholder style.
func PostgresPlaceholder(pos int) string {
	return fmt.Sprintf("$%d", pos)
}

// MySQLPlaceholder renders the ? placeholder style.
func MySQLPlaceholder(pos int) string {
	return "?"
}

// NewPostgresVerifier builds a Verifier over db using Postgres placeholder
// and identifier-quoting conventions.
func NewPostgresVerifier(db *sql.DB, columns []models.WatchedColumn) *SQLVerifier {
	return &SQLVerifier{db: db, columns: columns, placeholder: PostgresPlaceholder, quote: quoteDoubleQuote}
}

// NewMySQLVerifier builds a Verifier over db using MySQL placeholder and
// identifier-quoting conventions.
func NewMySQLVerifier(db *sql.DB, columns []models.WatchedColumn) *SQLVerifier {
	return &SQLVerifier{db: db, columns: columns, placeholder: MySQLPlaceholder, quote: quoteBacktick}
}

// ExistsAnywhere executes one query per watched column, stopping at the
// first hit.
func (v *SQLVerifier) ExistsAnywhere(ctx context.Context, key string) (bool, error) {
	for _, col := range v.columns {
		exists, err := v.existsIn(ctx, col, key)
		if err != nil {
			return false, fmt.Errorf("verifier: check %s: %w", col, err)
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

func (v *SQLVerifier) existsIn(ctx context.Context, col models.WatchedColumn, key string) (bool, error) {
	query := fmt.Sprintf(
		"SELECT 1 FROM %s WHERE %s = %s LIMIT 1",
		v.quote(col.Table), v.quote(col.Column), v.placeholder(1),
	)
	var discard int
	err := v.db.QueryRowContext(ctx, query, key).Scan(&discard)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close releases the underlying connection.
func (v *SQLVerifier) Close() error {
	return v.db.Close()
}

// quoteDoubleQuote and quoteBacktick wrap a table or column identifier in
// the target backend's identifier-quoting syntax. Table and column names
// come only from configuration, never from user input, so this is a
// formatting convenience rather than a defense against injection; key
// values are always passed as query parameters, never interpolated.
func quoteDoubleQuote(ident string) string {
	return `"` + ident + `"`
}

func quoteBacktick(ident string) string {
	return "`" + ident + "`"
}
