package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const serviceDatabase = "database"

// DatabaseWrapper wraps database operations with circuit breaker
type DatabaseWrapper struct {
	db *sqlx.DB
	cb *CircuitBreaker
}

// NewDatabaseWrapper guards db with a breaker named after its driver.
func NewDatabaseWrapper(db *sqlx.DB, settings Settings, logger *zap.Logger) *DatabaseWrapper {
	cb := NewCircuitBreaker(db.DriverName(), settings, logger)
	instrument(cb, serviceDatabase)
	return &DatabaseWrapper{db: db, cb: cb}
}

func (dw *DatabaseWrapper) guard(ctx context.Context, fn func() error) error {
	var err error
	cbErr := dw.cb.Execute(ctx, func() error {
		err = fn()
		// A query matching nothing says nothing about database health.
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	recordRequest(dw.cb, serviceDatabase, cbErr)
	if cbErr != nil {
		return cbErr
	}
	return err
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.guard(ctx, func() error { return dw.db.PingContext(ctx) })
}

// SelectContext scans all rows of query into dest.
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	return dw.guard(ctx, func() error { return dw.db.SelectContext(ctx, dest, query, args...) })
}

// GetContext scans a single row of query into dest.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	return dw.guard(ctx, func() error { return dw.db.GetContext(ctx, dest, query, args...) })
}

// ExecContext wraps database exec with circuit breaker
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := dw.guard(ctx, func() error {
		var err error
		res, err = dw.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// Rebind converts ? placeholders to the driver's bindvar style.
func (dw *DatabaseWrapper) Rebind(query string) string { return dw.db.Rebind(query) }

// Close closes the underlying pool.
func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }

// DB returns the underlying handle for operations not covered by the wrapper.
func (dw *DatabaseWrapper) DB() *sqlx.DB { return dw.db }

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
