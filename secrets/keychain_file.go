package secrets

import (
	"bytes"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"os"

	"golang.org/x/crypto/nacl/secretbox"
)

// On-disk layout: [16-byte scrypt salt][24-byte secretbox nonce][ciphertext].

// load reads k.path, if it exists, decrypts it with a key derived from
// k.passphrase and the file's own salt, and populates k.data. A missing
// file starts a fresh keychain with a freshly generated salt; its first
// Set/Delete call creates the file.
func (k *PassphraseKeychain) load() error {
	raw, err := os.ReadFile(k.path)
	if errors.Is(err, os.ErrNotExist) {
		if _, err := rand.Read(k.salt[:]); err != nil {
			return err
		}
		return k.deriveKey(k.salt[:])
	}
	if err != nil {
		return err
	}
	if len(raw) < passphraseSaltLen+24 {
		return errors.New("secrets: passphrase keychain file is truncated")
	}
	copy(k.salt[:], raw[:passphraseSaltLen])
	if err := k.deriveKey(k.salt[:]); err != nil {
		return err
	}

	rest := raw[passphraseSaltLen:]
	var nonce [24]byte
	copy(nonce[:], rest[:24])
	plain, ok := secretbox.Open(nil, rest[24:], &nonce, &k.key)
	if !ok {
		return errors.New("secrets: passphrase keychain file does not decrypt with the given passphrase")
	}
	data := make(map[string][]byte)
	dec := gob.NewDecoder(bytes.NewReader(plain))
	if err := dec.Decode(&data); err != nil {
		return err
	}
	k.data = data
	return nil
}

// save encrypts k.data and writes it to k.path under the existing salt,
// replacing any prior contents. Called automatically by Set/Delete; every
// account change is durable as soon as the call returns.
func (k *PassphraseKeychain) save() error {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(k.data); err != nil {
		return err
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	sealed := secretbox.Seal(nonce[:], buf.Bytes(), &nonce, &k.key)

	out := make([]byte, 0, passphraseSaltLen+len(sealed))
	out = append(out, k.salt[:]...)
	out = append(out, sealed...)
	return os.WriteFile(k.path, out, 0o600)
}
