package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	logx "timerd/pkg/logx"
)

func newMockStore(t *testing.T) (*sqliteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return newSQLStore(db, logx.Nop()), mock
}

func TestSQLiteTxScheduleFailureRollsBack(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM timer_jobs").WithArgs("t1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO timer_jobs").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.DeleteTimer(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTimer: %v", err)
	}
	job := newJob(t0)
	if err := tx.Schedule(ctx, job); err == nil {
		t.Fatal("expected insert error")
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLiteTxDeleteMissingRow(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM timer_jobs").WithArgs("gone").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.DeleteTimer(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteTimer = %v, want ErrNotFound", err)
	}
	_ = tx.Rollback()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLiteAcquireDueQueryErrorRollsBack(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, handler_type").WillReturnError(errors.New("locked"))
	mock.ExpectRollback()

	if _, err := st.AcquireDue(context.Background(), t0, 10, "node-a", time.Minute); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLiteRecordFailureMissing(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectExec("UPDATE timer_jobs SET retries").WillReturnResult(sqlmock.NewResult(0, 0))

	if _, err := st.RecordFailure(context.Background(), "gone", "boom", t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RecordFailure = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
