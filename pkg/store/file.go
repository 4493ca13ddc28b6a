package store

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	fileSuffix = ".sealed"
	saltFile   = ".salt"
	saltSize   = 16
)

var ErrSealedValue = errors.New("sealed value could not be opened")

// FileStore keeps each key in its own file under dir, sealed with
// XChaCha20-Poly1305. The key name is bound as additional data so a file
// copied onto another key's name fails to open.
type FileStore struct {
	dir  string
	aead cipher.AEAD
}

var _ KV = (*FileStore)(nil)

// NewFileStore opens (creating if needed) a store rooted at dir. secret must
// be chacha20poly1305.KeySize bytes; see KeyFromPassphrase.
func NewFileStore(dir string, secret []byte) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, storageErr("store.open", fmt.Errorf("couldn't create store dir: %w", err))
	}
	aead, err := chacha20poly1305.NewX(secret)
	if err != nil {
		return nil, storageErr("store.open", fmt.Errorf("bad store secret: %w", err))
	}
	return &FileStore{dir: dir, aead: aead}, nil
}

// KeyFromPassphrase derives a store secret with Argon2id. The salt lives in
// dir and is created on first use.
func KeyFromPassphrase(dir string, passphrase string) ([]byte, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("couldn't create store dir: %w", err)
	}
	path := filepath.Join(dir, saltFile)
	salt, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("couldn't generate salt: %w", err)
		}
		if err := os.WriteFile(path, salt, 0o600); err != nil {
			return nil, fmt.Errorf("couldn't write salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("couldn't read salt: %w", err)
	}
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, chacha20poly1305.KeySize), nil
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(key Key) string {
	return filepath.Join(s.dir, key.String()+fileSuffix)
}

func (s *FileStore) Set(_ context.Context, key Key, value string) error {
	if err := checkKey("store.set", key); err != nil {
		return err
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return storageErr("store.set", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(value), []byte(key.String()))

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return storageErr("store.set", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return storageErr("store.set", err)
	}
	if err := tmp.Close(); err != nil {
		return storageErr("store.set", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return storageErr("store.set", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		return storageErr("store.set", err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, key Key) (string, bool, error) {
	if err := checkKey("store.get", key); err != nil {
		return "", false, err
	}
	sealed, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("store.get", err)
	}
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return "", false, storageErr("store.get", ErrSealedValue)
	}
	plain, err := s.aead.Open(nil, sealed[:n], sealed[n:], []byte(key.String()))
	if err != nil {
		return "", false, storageErr("store.get", ErrSealedValue)
	}
	return string(plain), true, nil
}

func (s *FileStore) Remove(_ context.Context, key Key) error {
	if err := checkKey("store.remove", key); err != nil {
		return err
	}
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageErr("store.remove", err)
	}
	return nil
}

// keyForFile maps a file name in dir back to its key; temp and salt files
// map to nothing.
func keyForFile(name string) (Key, bool) {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, fileSuffix) {
		return 0, false
	}
	return ParseKey(strings.TrimSuffix(base, fileSuffix))
}
