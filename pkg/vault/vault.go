// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package vault stores private-key passphrases encrypted at rest. Entries
// are sealed with AES-GCM under a key derived (scrypt) from a master key
// kept in a separate file; the vault file alone is useless without it.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	cryptorand "crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"

	"github.com/certkeeper/certkeeper/pkg/errdefs"
	"github.com/certkeeper/certkeeper/pkg/utils/fs"
	ulog "github.com/certkeeper/certkeeper/pkg/utils/log"
)

var log = ulog.Log.WithName("vault")

const (
	fileVersion = 1
	saltSize    = 16
	keySize     = 32

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

type sealedEntry struct {
	Nonce string `json:"nonce"`
	Data  string `json:"data"`
}

type vaultFile struct {
	Version int                    `json:"version"`
	Salt    string                 `json:"salt"`
	Entries map[string]sealedEntry `json:"entries"`
}

// Vault is the process-wide passphrase store.
type Vault struct {
	mu        sync.Mutex
	path      string
	masterKey []byte
	salt      []byte
	aead      cipher.AEAD
	entries   map[string]sealedEntry
}

// Open loads (or initializes) the vault at path using the master key file at
// masterKeyPath. A missing master key file is created with fresh random bytes.
func Open(path, masterKeyPath string) (*Vault, error) {
	masterKey, err := loadOrCreateMasterKey(masterKeyPath)
	if err != nil {
		return nil, err
	}

	v := &Vault{path: path, masterKey: masterKey, entries: map[string]sealedEntry{}}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if v.salt, err = randomBytes(saltSize); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, errdefs.IOError(errors.WithStack(err))
	default:
		var file vaultFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, errdefs.ConfigCorrupt(errors.Wrapf(err, "vault file %s is not readable", path))
		}
		if v.salt, err = base64.StdEncoding.DecodeString(file.Salt); err != nil {
			return nil, errdefs.ConfigCorrupt(errors.WithStack(err))
		}
		if file.Entries != nil {
			v.entries = file.Entries
		}
	}

	if v.aead, err = deriveAEAD(masterKey, v.salt); err != nil {
		return nil, err
	}
	return v, nil
}

// Store seals a passphrase for the given fingerprint and persists the vault.
func (v *Vault) Store(fingerprint, passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, err := seal(v.aead, []byte(passphrase))
	if err != nil {
		return err
	}
	v.entries[fingerprint] = entry
	return v.persistLocked()
}

// Get returns the plaintext passphrase for fingerprint, if stored.
func (v *Vault) Get(fingerprint string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.entries[fingerprint]
	if !ok {
		return "", false
	}
	plain, err := open(v.aead, entry)
	if err != nil {
		log.Error(err, "vault entry cannot be unsealed", "fingerprint", fingerprint)
		return "", false
	}
	return string(plain), true
}

// Has reports whether a passphrase is stored for fingerprint.
func (v *Vault) Has(fingerprint string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.entries[fingerprint]
	return ok
}

// Delete removes the entry for fingerprint; deleting a missing entry is a
// no-op.
func (v *Vault) Delete(fingerprint string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.entries[fingerprint]; !ok {
		return nil
	}
	delete(v.entries, fingerprint)
	return v.persistLocked()
}

// RotateKey re-encrypts every entry under a freshly derived key (new salt).
// All entries are decrypted and re-sealed in memory first; the file on disk
// is replaced only after every entry succeeded, so a failure leaves the old
// vault untouched.
func (v *Vault) RotateKey() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	newSalt, err := randomBytes(saltSize)
	if err != nil {
		return err
	}
	newAEAD, err := deriveAEAD(v.masterKey, newSalt)
	if err != nil {
		return err
	}

	newEntries := make(map[string]sealedEntry, len(v.entries))
	var errs *multierror.Error
	for fp, entry := range v.entries {
		plain, err := open(v.aead, entry)
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "entry %s", fp))
			continue
		}
		sealed, err := seal(newAEAD, plain)
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "entry %s", fp))
			continue
		}
		newEntries[fp] = sealed
	}
	if err := errs.ErrorOrNil(); err != nil {
		return errdefs.CryptoError(errors.Wrap(err, "key rotation aborted"))
	}

	oldSalt, oldAEAD, oldEntries := v.salt, v.aead, v.entries
	v.salt, v.aead, v.entries = newSalt, newAEAD, newEntries
	if err := v.persistLocked(); err != nil {
		v.salt, v.aead, v.entries = oldSalt, oldAEAD, oldEntries
		return err
	}
	log.Info("vault encryption key rotated", "entries", len(newEntries))
	return nil
}

func (v *Vault) persistLocked() error {
	file := vaultFile{
		Version: fileVersion,
		Salt:    base64.StdEncoding.EncodeToString(v.salt),
		Entries: v.entries,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	if err := fs.AtomicWrite(v.path, data, 0o600); err != nil {
		return errdefs.IOError(err)
	}
	return nil
}

func seal(aead cipher.AEAD, plain []byte) (sealedEntry, error) {
	nonce, err := randomBytes(aead.NonceSize())
	if err != nil {
		return sealedEntry{}, err
	}
	sealed := aead.Seal(nil, nonce, plain, nil)
	return sealedEntry{
		Nonce: base64.StdEncoding.EncodeToString(nonce),
		Data:  base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

func open(aead cipher.AEAD, entry sealedEntry) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(entry.Nonce)
	if err != nil {
		return nil, errdefs.ConfigCorrupt(errors.WithStack(err))
	}
	data, err := base64.StdEncoding.DecodeString(entry.Data)
	if err != nil {
		return nil, errdefs.ConfigCorrupt(errors.WithStack(err))
	}
	plain, err := aead.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, errdefs.CryptoError(errors.Wrap(err, "unable to unseal entry"))
	}
	return plain, nil
}

func deriveAEAD(masterKey, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(masterKey, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, errdefs.CryptoError(errors.WithStack(err))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errdefs.CryptoError(errors.WithStack(err))
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errdefs.CryptoError(errors.WithStack(err))
	}
	return aead, nil
}

func loadOrCreateMasterKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) < keySize {
			return nil, errdefs.ConfigCorrupt(errors.Errorf("master key file %s is truncated", path))
		}
		return data[:keySize], nil
	case os.IsNotExist(err):
		key, rerr := randomBytes(keySize)
		if rerr != nil {
			return nil, rerr
		}
		if werr := fs.AtomicWrite(path, key, 0o600); werr != nil {
			return nil, errdefs.IOError(werr)
		}
		return key, nil
	default:
		return nil, errdefs.IOError(errors.WithStack(err))
	}
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := cryptorand.Read(buf); err != nil {
		return nil, errdefs.CryptoError(errors.WithStack(err))
	}
	return buf, nil
}
