package crypto

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/matrix-cache/store"
)

// BackupVersion is the online key backup descriptor: the server-assigned
// version string, its public key, and the local key used to decrypt
// sessions restored from the backup.
type BackupVersion struct {
	Version   string
	PublicKey string
	LocalKey  []byte
}

// SaveBackupVersion records the current backup descriptor, replacing any
// prior one.
func (s *Store) SaveBackupVersion(ctx context.Context, b BackupVersion) error {
	return s.fsync(ctx, "crypto.SaveBackupVersion", func(txn *sql.Tx) error {
		_, err := txn.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (id, version, public_key, local_key) VALUES (0, $1, $2, $3)
				ON CONFLICT(id) DO UPDATE SET version = excluded.version, public_key = excluded.public_key, local_key = excluded.local_key`, store.TableBackup),
			b.Version, b.PublicKey, b.LocalKey,
		)
		return err
	})
}

// BackupVersion returns the current backup descriptor, if any.
func (s *Store) BackupVersion(ctx context.Context) (*BackupVersion, bool, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer txn.Rollback()

	var b BackupVersion
	err = txn.QueryRowContext(ctx, fmt.Sprintf("SELECT version, public_key, local_key FROM %s WHERE id = 0", store.TableBackup)).Scan(&b.Version, &b.PublicKey, &b.LocalKey)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &b, true, nil
}

// DeleteBackupVersion clears the backup descriptor, e.g. when the server
// reports the backup was deleted or superseded.
func (s *Store) DeleteBackupVersion(ctx context.Context) error {
	return s.fsync(ctx, "crypto.DeleteBackupVersion", func(txn *sql.Tx) error {
		_, err := txn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = 0", store.TableBackup))
		return err
	})
}
