package sqlutil

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/element-hq/matrix-cache/internal/config"
)

// cgoDriverName and pureGoDriverName are the database/sql driver names
// registered by the cgo (mattn/go-sqlite3) and pure-Go (modernc.org/sqlite)
// imports above, respectively.
const (
	cgoDriverName    = "sqlite3"
	pureGoDriverName = "sqlite"
)

// Open opens the cache database file under dir using the driver selected by
// config.SQLiteDriver, requesting WAL journaling in the DSN. The returned
// *sql.DB is limited to one open connection, which every transaction shares:
// a read-only transaction and the ExclusiveWriter's write transaction never
// run at the same time, so an open read transaction holds up the writer and
// a running write holds up new readers until it commits or rolls back.
func Open(driver config.SQLiteDriver, dir string) (*sql.DB, error) {
	driverName, err := driverNameFor(driver)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, "cache.db")
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on", path)

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlutil: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func driverNameFor(driver config.SQLiteDriver) (string, error) {
	switch driver {
	case config.SQLiteDriverCGO:
		return cgoDriverName, nil
	case config.SQLiteDriverPureGo, "":
		return pureGoDriverName, nil
	default:
		return "", fmt.Errorf("sqlutil: unknown sqlite driver %q", driver)
	}
}
