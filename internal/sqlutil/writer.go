// Package sqlutil provides the single-writer discipline the storage
// environment (C1) needs on top of database/sql: sqlite tolerates only one
// writer at a time, so every write transaction in this cache funnels through
// a Writer instead of calling db.Begin directly.
package sqlutil

import (
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/matrix-cache/internal/metrics"
)

// Writer serializes write transactions against a single sqlite connection.
// Read-only callers never go through a Writer; they open their own snapshot
// transaction directly against db.
type Writer interface {
	Do(db *sql.DB, txn *sql.Tx, caller string, fn func(txn *sql.Tx) error) error
}

// ExclusiveWriter is the Writer used against the cache's sqlite backend. All
// write transactions, regardless of which goroutine originated them, are
// handed to a single background goroutine that executes them one at a time.
// This mirrors the storage environment's single-writer-lock requirement
// without needing an OS-level file lock.
type ExclusiveWriter struct {
	todo chan transactionWriterTask
}

type transactionWriterTask struct {
	db     *sql.DB
	txn    *sql.Tx
	caller string
	fn     func(txn *sql.Tx) error
	result chan error
}

// NewExclusiveWriter starts the background writer goroutine.
func NewExclusiveWriter() *ExclusiveWriter {
	w := &ExclusiveWriter{
		todo: make(chan transactionWriterTask),
	}
	go w.run()
	return w
}

func (w *ExclusiveWriter) run() {
	for task := range w.todo {
		task.result <- w.execute(task)
	}
}

func (w *ExclusiveWriter) execute(task transactionWriterTask) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveSince(metrics.WriteTxnDuration, start, task.caller)
	}()

	txn := task.txn
	if txn == nil {
		txn, err = task.db.Begin()
		if err != nil {
			return err
		}
		defer func() {
			if err != nil {
				if rbErr := txn.Rollback(); rbErr != nil {
					logrus.WithError(rbErr).Warn("sqlutil: rollback failed after write error")
				}
				return
			}
			err = txn.Commit()
		}()
	}
	return task.fn(txn)
}

// Do submits fn to run against db inside a single write transaction. If txn
// is non-nil, fn joins that already-open transaction instead of starting a
// new one, so nested writers participating in a single saveState commit
// atomically together.
func (w *ExclusiveWriter) Do(db *sql.DB, txn *sql.Tx, caller string, fn func(txn *sql.Tx) error) error {
	result := make(chan error, 1)
	w.todo <- transactionWriterTask{db: db, txn: txn, caller: caller, fn: fn, result: result}
	return <-result
}

// DummyWriter runs fn directly against whatever transaction it is given,
// for callers (principally tests against go-sqlmock) that already guarantee
// single-writer access themselves.
type DummyWriter struct{}

func (DummyWriter) Do(db *sql.DB, txn *sql.Tx, caller string, fn func(txn *sql.Tx) error) error {
	start := time.Now()
	defer func() {
		metrics.ObserveSince(metrics.WriteTxnDuration, start, caller)
	}()
	if txn != nil {
		return fn(txn)
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
