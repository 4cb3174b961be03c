package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Logger is the subset of utils.LogsManager used by the store
type Logger interface {
	Debug(msg, category string)
	Info(msg, category string)
	Warn(msg, category string)
	Error(msg, category string)
}

// QueryRowSingle runs a single-row query. sql.ErrNoRows is reported as (nil, nil).
func QueryRowSingle[T any](
	ctx context.Context,
	db *sql.DB,
	query string,
	scanFunc func(*sql.Row) (*T, error),
	logger Logger,
	logContext string,
	args ...interface{},
) (*T, error) {
	result, err := scanFunc(db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		logger.Error(fmt.Sprintf("Failed to query row: %v", err), logContext)
		return nil, err
	}

	return result, nil
}

// QueryRows runs a multi-row query. Unlike a partial result, a scan failure aborts the
// whole read so callers never reconcile against a silently truncated list.
func QueryRows[T any](
	ctx context.Context,
	db *sql.DB,
	query string,
	scanFunc func(*sql.Rows) (*T, error),
	logger Logger,
	logContext string,
	args ...interface{},
) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.Error(fmt.Sprintf("Failed to query rows: %v", err), logContext)
		return nil, err
	}
	defer rows.Close()

	var results []*T
	for rows.Next() {
		result, err := scanFunc(rows)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to scan row: %v", err), logContext)
			return nil, err
		}
		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		logger.Error(fmt.Sprintf("Error iterating rows: %v", err), logContext)
		return nil, err
	}

	return results, nil
}

// ExecWithAffectedRowsCheck executes a statement and returns sql.ErrNoRows when nothing changed.
// This is the compare-and-set primitive behind guarded status transitions.
func ExecWithAffectedRowsCheck(
	ctx context.Context,
	db *sql.DB,
	query string,
	logger Logger,
	logContext string,
	args ...interface{},
) (int64, error) {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		logger.Error(fmt.Sprintf("Failed to execute query: %v", err), logContext)
		return 0, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if rowsAffected == 0 {
		return 0, sql.ErrNoRows
	}

	return rowsAffected, nil
}

// isUniqueViolation matches sqlite's constraint error text
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ScanNullableString converts sql.NullString to string.
func ScanNullableString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// ScanNullableInt64 converts sql.NullInt64 to *int64.
func ScanNullableInt64(ni sql.NullInt64) *int64 {
	if ni.Valid {
		return &ni.Int64
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
