// Package secrets implements the Secret Vault (C7): internal secrets
// encrypted at rest inside the cache database, external secrets mirrored
// from a pluggable OS keychain, and the synchronous in-memory read path the
// rest of the cache needs for every decrypt/sign call on the hot path, per
// §4.6.
package secrets

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/element-hq/matrix-cache/internal/cache"
	"github.com/element-hq/matrix-cache/store"
)

const vaultKeyAccount = "matrix-cache-vault-key"

// Store is the Secret Vault substore (C7).
type Store struct {
	env      *store.Environment
	keychain Keychain
	mirror   *cache.Cache

	mu       sync.Mutex
	vaultKey [32]byte
	ready    bool

	onSecretChanged func(name string)
	onDatabaseReady func()
}

// New allocates a Store backed by keychain for external secrets and a
// ristretto mirror bounded by maxCost for synchronous reads. The vault's own
// encryption key for internal secrets is itself kept in keychain, generated
// on first use.
func New(env *store.Environment, keychain Keychain, maxCost int64) (*Store, error) {
	mirror, err := cache.New(maxCost, 0, "secrets")
	if err != nil {
		return nil, err
	}
	s := &Store{env: env, keychain: keychain, mirror: mirror}
	if err := s.loadOrCreateVaultKey(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadOrCreateVaultKey() error {
	existing, err := s.keychain.Get(vaultKeyAccount)
	if err == nil && len(existing) == 32 {
		copy(s.vaultKey[:], existing)
		return nil
	}
	if _, genErr := rand.Read(s.vaultKey[:]); genErr != nil {
		return fmt.Errorf("secrets: generating vault key: %w", genErr)
	}
	return s.keychain.Set(vaultKeyAccount, s.vaultKey[:])
}

// OnSecretChanged registers the callback invoked with name after every
// successful StoreSecret/DeleteSecret, the secretChanged signal of §4.6.
func (s *Store) OnSecretChanged(fn func(name string)) { s.onSecretChanged = fn }

// OnDatabaseReady registers the callback invoked once, after the last
// callback of a LoadSecretsFromStore call made with readyAfter=true.
func (s *Store) OnDatabaseReady(fn func()) { s.onDatabaseReady = fn }

// LoadSecretsFromStore initiates reads for every name in list, invoking
// callback(name, internal, value) for each as it resolves. Resolution is
// synchronous in this implementation (the underlying keychain calls do not
// block on network I/O), but callers must treat it as asynchronous per the
// §4.6 contract: do not assume ordering beyond list order, and wait for
// readyAfter's databaseReady callback rather than LoadSecretsFromStore's
// return to know every read has landed.
func (s *Store) LoadSecretsFromStore(ctx context.Context, names []string, internal map[string]bool, callback func(name string, internal bool, value []byte), readyAfter bool) error {
	for _, name := range names {
		isInternal := internal[name]
		value, ok, err := s.readThrough(ctx, name, isInternal)
		if err != nil {
			return fmt.Errorf("secrets: loading %q: %w", name, err)
		}
		if ok {
			s.mirror.Set(name, value, int64(len(value)))
		}
		callback(name, isInternal, value)
	}
	if readyAfter {
		s.mu.Lock()
		s.ready = true
		s.mu.Unlock()
		if s.onDatabaseReady != nil {
			s.onDatabaseReady()
		}
	}
	return nil
}

// IsDatabaseReady reports whether a LoadSecretsFromStore call with
// readyAfter=true has completed, the Secret Vault's half of the cache-wide
// databaseReady signal (the other half is store.Environment.IsDatabaseReady,
// which gates disk access rather than secret availability).
func (s *Store) IsDatabaseReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Store) readThrough(ctx context.Context, name string, internal bool) ([]byte, bool, error) {
	if internal {
		return s.readInternal(ctx, name)
	}
	raw, err := s.keychain.Get(name)
	if err == ErrKeychainAccountNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// StoreSecret writes value through to its backing store (the internal
// encrypted table, or the keychain) and emits secretChanged.
func (s *Store) StoreSecret(ctx context.Context, name string, internal bool, value []byte) error {
	if internal {
		if err := s.writeInternal(ctx, name, value); err != nil {
			return err
		}
	} else {
		if err := s.keychain.Set(name, value); err != nil {
			return err
		}
	}
	s.mirror.Set(name, value, int64(len(value)))
	if s.onSecretChanged != nil {
		s.onSecretChanged(name)
	}
	return nil
}

// DeleteSecret removes name from its backing store and the mirror.
func (s *Store) DeleteSecret(ctx context.Context, name string, internal bool) error {
	if internal {
		if err := s.env.Write(nil, "secrets.DeleteSecret", func(txn *sql.Tx) error {
			_, err := txn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE name = $1", store.TableSecretsInternal), internalKey(name))
			return err
		}); err != nil {
			return err
		}
	} else if err := s.keychain.Delete(name); err != nil {
		return err
	}
	s.mirror.Del(name)
	if s.onSecretChanged != nil {
		s.onSecretChanged(name)
	}
	return nil
}

// Secret is the synchronous point read against the in-memory mirror used on
// the encrypt/decrypt hot path. A miss means the caller must fall back to
// LoadSecretsFromStore rather than treating absence as authoritative: the
// mirror only reflects what has already been loaded or stored this process
// lifetime.
func (s *Store) Secret(name string, internal bool) ([]byte, bool) {
	v, ok := s.mirror.Get(name)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// PickleSecret returns the symmetric key used to pickle Olm material, one
// of the secrets bootstrapped through LoadSecretsFromStore/StoreSecret under
// the reserved name "pickle_secret".
func (s *Store) PickleSecret() ([]byte, bool) {
	return s.Secret("pickle_secret", true)
}

func internalKey(name string) string {
	return "pickle_secret_" + name
}

func (s *Store) writeInternal(ctx context.Context, name string, value []byte) error {
	s.mu.Lock()
	sealed, err := s.seal(value)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.env.Write(nil, "secrets.writeInternal", func(txn *sql.Tx) error {
		_, err := txn.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (name, value) VALUES ($1, $2)
				ON CONFLICT(name) DO UPDATE SET value = excluded.value`, store.TableSecretsInternal),
			internalKey(name), sealed,
		)
		return err
	})
}

func (s *Store) readInternal(ctx context.Context, name string) ([]byte, bool, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer txn.Rollback()

	var sealed []byte
	err = txn.QueryRowContext(ctx, fmt.Sprintf("SELECT value FROM %s WHERE name = $1", store.TableSecretsInternal), internalKey(name)).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	value, ok := s.open(sealed)
	s.mu.Unlock()
	if !ok {
		logrus.WithField("secret", name).Warn("secrets: internal secret failed to decrypt, dropping it")
		return nil, false, nil
	}
	return value, true, nil
}

// seal encrypts value with the vault key under a fresh random nonce,
// prepending the nonce to the ciphertext so open needs only the key.
func (s *Store) seal(value []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("secrets: generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], value, &nonce, &s.vaultKey), nil
}

func (s *Store) open(sealed []byte) ([]byte, bool) {
	if len(sealed) < 24 {
		return nil, false
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	return secretbox.Open(nil, sealed[24:], &nonce, &s.vaultKey)
}
