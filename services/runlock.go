package services

import (
	"context"
	"database/sql"
	"sync"

	"solgate/logging"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Advisory lock key pair for the scheduled reconcile cycle. Fixed constants:
// every deployment process competes for the same lock.
const (
	runLockClassID = 74230
	runLockObjID   = 1
)

// RunLock is a cross-process mutual exclusion for scheduled cycles, backed
// by a session-scoped Postgres advisory lock. The lock is held on a
// dedicated connection so a crashed holder releases it with its session.
type RunLock struct {
	db   *sql.DB
	mu   sync.Mutex
	conn *sql.Conn
}

func NewRunLock(gdb *gorm.DB) (*RunLock, error) {
	db, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	return &RunLock{db: db}, nil
}

// TryAcquire grabs the lock without blocking. False means the lock is already
// held (by another process, or by this one for a cycle still running) or
// could not be queried.
func (l *RunLock) TryAcquire(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return false
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		logging.Error("run lock: acquiring connection failed", zap.Error(err))
		return false
	}

	var acquired bool
	err = conn.QueryRowContext(ctx,
		"SELECT pg_try_advisory_lock($1, $2)", runLockClassID, runLockObjID).Scan(&acquired)
	if err != nil || !acquired {
		if err != nil {
			logging.Error("run lock: try_advisory_lock failed", zap.Error(err))
		}
		_ = conn.Close()
		return false
	}

	l.conn = conn
	return true
}

// Release unlocks and returns the connection to the pool.
func (l *RunLock) Release(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return
	}
	if _, err := l.conn.ExecContext(ctx,
		"SELECT pg_advisory_unlock($1, $2)", runLockClassID, runLockObjID); err != nil {
		logging.Error("run lock: advisory_unlock failed", zap.Error(err))
	}
	_ = l.conn.Close()
	l.conn = nil
}
