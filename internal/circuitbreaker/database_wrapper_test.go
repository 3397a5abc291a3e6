package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap/zaptest"
)

type cityRow struct {
	Name       string `db:"name"`
	Population int    `db:"population"`
}

func newMockWrapper(t *testing.T, settings Settings) (*DatabaseWrapper, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	wrapper := NewDatabaseWrapper(sqlx.NewDb(db, "sqlmock"), settings, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = wrapper.Close() })
	return wrapper, mock
}

func TestDatabaseWrapper_NormalOperations(t *testing.T) {
	wrapper, mock := newMockWrapper(t, DatabaseSettings())
	ctx := context.Background()

	mock.ExpectPing()
	if err := wrapper.PingContext(ctx); err != nil {
		t.Errorf("PingContext failed: %v", err)
	}

	mock.ExpectQuery("SELECT (.+) FROM cities").
		WillReturnRows(sqlmock.NewRows([]string{"name", "population"}).AddRow("Paris", 2100000).AddRow("Lyon", 520000))
	var cities []cityRow
	if err := wrapper.SelectContext(ctx, &cities, "SELECT name, population FROM cities"); err != nil {
		t.Errorf("SelectContext failed: %v", err)
	}
	if len(cities) != 2 || cities[0].Name != "Paris" {
		t.Errorf("Unexpected rows %v", cities)
	}

	mock.ExpectExec("INSERT INTO cities").
		WithArgs("Nice").
		WillReturnResult(sqlmock.NewResult(1, 1))
	result, err := wrapper.ExecContext(ctx, "INSERT INTO cities (name) VALUES (?)", "Nice")
	if err != nil {
		t.Errorf("ExecContext failed: %v", err)
	}
	if affected, _ := result.RowsAffected(); affected != 1 {
		t.Errorf("Expected 1 affected row, got %d", affected)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapper_NoRowsIsNotAFailure(t *testing.T) {
	wrapper, mock := newMockWrapper(t, Settings{FailureThreshold: 1})
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM cities").WillReturnRows(sqlmock.NewRows([]string{"name", "population"}))
	var city cityRow
	err := wrapper.GetContext(ctx, &city, "SELECT name, population FROM cities WHERE name = ?", "Atlantis")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("Expected sql.ErrNoRows, got %v", err)
	}
	if wrapper.IsCircuitBreakerOpen() {
		t.Error("sql.ErrNoRows must not trip the breaker")
	}
}

func TestDatabaseWrapper_CircuitBreakerTriggering(t *testing.T) {
	wrapper, mock := newMockWrapper(t, Settings{FailureThreshold: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		mock.ExpectQuery("SELECT").WillReturnError(errors.New("connection refused"))
		var cities []cityRow
		if err := wrapper.SelectContext(ctx, &cities, "SELECT name FROM cities"); err == nil {
			t.Error("Expected query error")
		}
	}

	if !wrapper.IsCircuitBreakerOpen() {
		t.Error("Expected circuit breaker to be open")
	}

	var cities []cityRow
	if err := wrapper.SelectContext(ctx, &cities, "SELECT name FROM cities"); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("Expected circuit breaker open error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}
