package secrets

import (
	"errors"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// ErrKeychainAccountNotFound is returned by a Keychain when no value has
// been stored for the given account.
var ErrKeychainAccountNotFound = errors.New("secrets: keychain account not found")

// Keychain is the pluggable backend for external secrets: accounts under a
// well-known name in the host OS credential store (macOS Keychain, the
// Secret Service API on Linux, Windows Credential Manager). This module
// ships no concrete OS backend — see DESIGN.md for why — so callers running
// against a real OS keychain must supply their own Keychain implementation;
// MemoryKeychain below is the in-process fallback used by tests and by
// hosts that have opted out of OS-level storage.
type Keychain interface {
	Get(account string) ([]byte, error)
	Set(account string, value []byte) error
	Delete(account string) error
}

// MemoryKeychain is a process-local, non-persistent Keychain. Every value
// placed in it is lost on process exit, which is unsuitable for external
// secrets in production but matches the shape real backends present.
type MemoryKeychain struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryKeychain() *MemoryKeychain {
	return &MemoryKeychain{data: make(map[string][]byte)}
}

func (m *MemoryKeychain) Get(account string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[account]
	if !ok {
		return nil, ErrKeychainAccountNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryKeychain) Set(account string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[account] = v
	return nil
}

func (m *MemoryKeychain) Delete(account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, account)
	return nil
}

const (
	passphraseKeyLen  = 32
	passphraseSaltLen = 16
)

// PassphraseKeychain persists external-secret accounts to a single file on
// disk, encrypted with a key derived from a caller-supplied passphrase via
// scrypt. It is the concrete fallback this module ships for hosts with no
// OS keychain integration (see the Keychain doc comment): unlike
// MemoryKeychain it survives a process restart, at the cost of the
// passphrase having to be re-supplied (e.g. via a terminal prompt) on every
// Open.
type PassphraseKeychain struct {
	mu         sync.Mutex
	path       string
	passphrase []byte
	salt       [passphraseSaltLen]byte
	key        [passphraseKeyLen]byte
	data       map[string][]byte
}

// NewPassphraseKeychain opens path, deriving the decryption key from
// passphrase and the salt stored in the file's header, or starts a fresh
// empty keychain with a freshly generated salt if path does not exist yet.
func NewPassphraseKeychain(path string, passphrase []byte) (*PassphraseKeychain, error) {
	k := &PassphraseKeychain{path: path, passphrase: passphrase, data: make(map[string][]byte)}
	if err := k.load(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *PassphraseKeychain) deriveKey(salt []byte) error {
	if len(salt) != passphraseSaltLen {
		return errors.New("secrets: passphrase keychain salt must be 16 bytes")
	}
	derived, err := scrypt.Key(k.passphrase, salt, 1<<15, 8, 1, passphraseKeyLen)
	if err != nil {
		return err
	}
	copy(k.key[:], derived)
	return nil
}

func (k *PassphraseKeychain) Get(account string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.data[account]
	if !ok {
		return nil, ErrKeychainAccountNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (k *PassphraseKeychain) Set(account string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	k.data[account] = v
	return k.save()
}

func (k *PassphraseKeychain) Delete(account string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.data, account)
	return k.save()
}

// Accounts lists every account name currently stored, for inspection
// tooling; the vault itself never needs to enumerate accounts since it
// always knows the name it's looking for.
func (k *PassphraseKeychain) Accounts() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.data))
	for name := range k.data {
		out = append(out, name)
	}
	return out
}

// load and save are defined in keychain_file.go, which carries the
// encrypted on-disk format for this type.
