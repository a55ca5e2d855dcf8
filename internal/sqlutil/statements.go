package sqlutil

import "database/sql"

// StatementList prepares a batch of named SQL statements against a single
// db handle and assigns each prepared *sql.Stmt into the target pointer, so
// every storage substore's Prepare function reads as a flat table of field/
// SQL pairs instead of a run of repetitive db.Prepare calls.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare prepares every statement in the list against db, stopping at the
// first failure so the caller can report which statement's SQL was invalid.
func (s StatementList) Prepare(db *sql.DB) error {
	for _, entry := range s {
		stmt, err := db.Prepare(entry.SQL)
		if err != nil {
			return err
		}
		*entry.Statement = stmt
	}
	return nil
}

// TxStmt binds stmt to txn when a write transaction is in progress, and
// returns stmt unmodified for standalone reads that aren't part of one.
// Every substore method takes this shape so a single saveState transaction
// can span multiple substores without each of them needing to know whether
// it's being called transactionally.
func TxStmt(txn *sql.Tx, stmt *sql.Stmt) *sql.Stmt {
	if txn != nil {
		return txn.Stmt(stmt)
	}
	return stmt
}
