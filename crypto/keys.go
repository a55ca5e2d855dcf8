package crypto

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/element-hq/matrix-cache/store"
)

// UserKeys is one user's cached device bundle and cross-signing keys.
type UserKeys struct {
	UserID       string
	Devices      json.RawMessage
	CrossSigning json.RawMessage
	SyncToken    string
	Outdated     bool
}

// UpdateUserKeys stores userID's device bundle and cross-signing keys as of
// syncToken and clears the outdated flag. Callers compare the previous
// bundle (via UserKeys) to decide whether to re-emit userKeysUpdate.
func (s *Store) UpdateUserKeys(ctx context.Context, userID, syncToken string, devices, crossSigning json.RawMessage) error {
	err := s.env.Write(nil, "crypto.UpdateUserKeys", func(txn *sql.Tx) error {
		_, err := txn.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (user_id, devices, cross_signing, sync_token, outdated) VALUES ($1, $2, $3, $4, 0)
				ON CONFLICT(user_id) DO UPDATE SET devices = excluded.devices, cross_signing = excluded.cross_signing,
					sync_token = excluded.sync_token, outdated = 0`, store.TableUserKeys),
			userID, []byte(devices), []byte(crossSigning), syncToken,
		)
		return err
	})
	if err == nil {
		s.notifyKeysReady(userID)
	}
	return err
}

// MarkUserKeysOutOfDate sets the outdated flag, either standalone or joined
// to an already-open write transaction (txn non-nil).
func (s *Store) MarkUserKeysOutOfDate(ctx context.Context, txn *sql.Tx, userID string) error {
	do := func(txn *sql.Tx) error {
		_, err := txn.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (user_id, devices, cross_signing, outdated) VALUES ($1, '{}', NULL, 1)
				ON CONFLICT(user_id) DO UPDATE SET outdated = 1`, store.TableUserKeys),
			userID,
		)
		return err
	}
	if txn != nil {
		return do(txn)
	}
	return s.env.Write(nil, "crypto.MarkUserKeysOutOfDate", do)
}

// UserKeys is the read-side accessor for a user's cached key bundle.
func (s *Store) UserKeys(ctx context.Context, userID string) (*UserKeys, bool, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer txn.Rollback()

	uk := UserKeys{UserID: userID}
	var outdated int
	var crossSigning []byte
	var syncToken sql.NullString
	err = txn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT devices, cross_signing, sync_token, outdated FROM %s WHERE user_id = $1", store.TableUserKeys), userID,
	).Scan(&uk.Devices, &crossSigning, &syncToken, &outdated)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	uk.CrossSigning = crossSigning
	uk.SyncToken = syncToken.String
	uk.Outdated = outdated != 0
	return &uk, true, nil
}

// pendingKeyCallbacks holds QueryKeys callbacks deferred for users whose
// cache entry was outdated at call time, keyed by user id. Flushed by
// notifyKeysReady, which UpdateUserKeys calls on every successful write:
// the analogue of the userKeysUpdateFinalize signal for in-process callers
// that would rather block a callback than subscribe to the bus.
type pendingKeyCallbacks struct {
	mu        sync.Mutex
	callbacks map[string][]func(*UserKeys)
}

var keyCallbacks = &pendingKeyCallbacks{callbacks: make(map[string][]func(*UserKeys))}

// QueryKeys reads userID's cached key bundle and invokes callback with it.
// If the cached entry is outdated, callback is instead deferred until the
// next UpdateUserKeys call for that user, mirroring the external key-query
// round trip the caller is expected to trigger.
func (s *Store) QueryKeys(ctx context.Context, userID string, callback func(*UserKeys)) error {
	uk, ok, err := s.UserKeys(ctx, userID)
	if err != nil {
		return err
	}
	if ok && !uk.Outdated {
		callback(uk)
		return nil
	}
	keyCallbacks.mu.Lock()
	keyCallbacks.callbacks[userID] = append(keyCallbacks.callbacks[userID], callback)
	keyCallbacks.mu.Unlock()
	return nil
}

func (s *Store) notifyKeysReady(userID string) {
	keyCallbacks.mu.Lock()
	callbacks := keyCallbacks.callbacks[userID]
	delete(keyCallbacks.callbacks, userID)
	keyCallbacks.mu.Unlock()

	if len(callbacks) == 0 {
		return
	}
	uk, _, err := s.UserKeys(context.Background(), userID)
	if err != nil {
		return
	}
	for _, cb := range callbacks {
		cb(uk)
	}
}

// VerificationLevel is the three-way trust outcome §4.5 reduces member
// statuses to.
type VerificationLevel int

const (
	Unverified VerificationLevel = iota
	TOFU
	Verified
)

// MarkDeviceVerified records deviceID as verified for userID.
func (s *Store) MarkDeviceVerified(ctx context.Context, userID, deviceID string) error {
	return s.setDeviceTrust(ctx, userID, deviceID, true)
}

// MarkDeviceUnverified records deviceID as explicitly distrusted for
// userID, downgrading VerificationStatus below TOFU.
func (s *Store) MarkDeviceUnverified(ctx context.Context, userID, deviceID string) error {
	return s.setDeviceTrust(ctx, userID, deviceID, false)
}

func (s *Store) setDeviceTrust(ctx context.Context, userID, deviceID string, trusted bool) error {
	return s.env.Write(nil, "crypto.setDeviceTrust", func(txn *sql.Tx) error {
		trust, masterKey, err := readVerification(ctx, txn, userID)
		if err != nil {
			return err
		}
		trust[deviceID] = trusted
		body, err := json.Marshal(trust)
		if err != nil {
			return err
		}
		_, err = txn.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (user_id, trusted_master_key, device_trust) VALUES ($1, $2, $3)
				ON CONFLICT(user_id) DO UPDATE SET device_trust = excluded.device_trust`, store.TableVerification),
			userID, masterKey, body,
		)
		return err
	})
}

func readVerification(ctx context.Context, txn *sql.Tx, userID string) (map[string]bool, string, error) {
	var masterKey sql.NullString
	var body []byte
	err := txn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT trusted_master_key, device_trust FROM %s WHERE user_id = $1", store.TableVerification), userID,
	).Scan(&masterKey, &body)
	if err == sql.ErrNoRows {
		return make(map[string]bool), "", nil
	}
	if err != nil {
		return nil, "", err
	}
	trust := make(map[string]bool)
	if len(body) > 0 {
		if err := json.Unmarshal(body, &trust); err != nil {
			return nil, "", fmt.Errorf("crypto: decoding device_trust for %s: %w", userID, err)
		}
	}
	return trust, masterKey.String, nil
}

// VerificationStatus derives userID's trust level: Verified if the user's
// cross-signing master key has been explicitly trusted or every known
// device has been explicitly verified; Unverified if any device has been
// explicitly marked untrusted; TOFU otherwise.
func (s *Store) VerificationStatus(ctx context.Context, userID string) (VerificationLevel, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return Unverified, err
	}
	defer txn.Rollback()

	trust, masterKey, err := readVerification(ctx, txn, userID)
	if err != nil {
		return Unverified, err
	}
	if masterKey != "" {
		return Verified, nil
	}
	if len(trust) == 0 {
		return TOFU, nil
	}
	allVerified := true
	for _, verified := range trust {
		if !verified {
			return Unverified, nil
		}
		allVerified = allVerified && verified
	}
	if allVerified {
		return Verified, nil
	}
	return TOFU, nil
}

// RoomVerificationStatus reduces the per-user statuses of members to one
// room-level value: Verified iff every member is Verified, TOFU iff no
// member is Unverified, else Unverified. members is injected by the caller
// (roomstate.RoomMembers) rather than looked up here, keeping this package
// free of a dependency on roomstate.
func (s *Store) RoomVerificationStatus(ctx context.Context, members []string) (VerificationLevel, error) {
	allVerified := true
	anyUnverified := false
	for _, userID := range members {
		level, err := s.VerificationStatus(ctx, userID)
		if err != nil {
			return Unverified, err
		}
		if level != Verified {
			allVerified = false
		}
		if level == Unverified {
			anyUnverified = true
		}
	}
	if allVerified {
		return Verified, nil
	}
	if anyUnverified {
		return Unverified, nil
	}
	return TOFU, nil
}
