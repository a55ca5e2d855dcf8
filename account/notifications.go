package account

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/matrix-cache/store"
)

// MarkSentNotification records that an OS-level notification has already
// been issued for eventID, so a restart does not duplicate it.
func (s *Store) MarkSentNotification(ctx context.Context, eventID string) error {
	return s.env.Write(nil, "account.MarkSentNotification", func(txn *sql.Tx) error {
		_, err := txn.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (event_id) VALUES ($1) ON CONFLICT DO NOTHING", store.TableNotificationsSent),
			eventID,
		)
		return err
	})
}

// IsNotificationSent reports whether MarkSentNotification has already run
// for eventID.
func (s *Store) IsNotificationSent(ctx context.Context, eventID string) (bool, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer txn.Rollback()

	var id string
	err = txn.QueryRowContext(ctx, fmt.Sprintf("SELECT event_id FROM %s WHERE event_id = $1", store.TableNotificationsSent), eventID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RemoveReadNotification clears eventID's sent marker, e.g. after the read
// marker advances past it and the OS notification is dismissed.
func (s *Store) RemoveReadNotification(ctx context.Context, eventID string) error {
	return s.env.Write(nil, "account.RemoveReadNotification", func(txn *sql.Tx) error {
		_, err := txn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE event_id = $1", store.TableNotificationsSent), eventID)
		return err
	})
}
