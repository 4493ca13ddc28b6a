package store

import (
	"context"
	"errors"
	"sync"

	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
)

var (
	ErrUnknownKey = errors.New("unknown storage key")
	ErrClosed     = errors.New("store closed")
)

// KV is the secure key-value capability the credential layer is built on.
// Get reports ok=false for an absent key. Remove of an absent key succeeds.
// Implementations must be safe for concurrent use.
type KV interface {
	Set(ctx context.Context, key Key, value string) error
	Get(ctx context.Context, key Key) (value string, ok bool, err error)
	Remove(ctx context.Context, key Key) error
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Kind == fault.StorageError {
		return err
	}
	return fault.New(fault.StorageError, op, err)
}

func checkKey(op string, key Key) error {
	if !key.Valid() {
		return fault.New(fault.StorageError, op, ErrUnknownKey)
	}
	return nil
}

// MemoryStore keeps values in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[Key]string
}

var _ KV = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[Key]string)}
}

func (m *MemoryStore) Set(_ context.Context, key Key, value string) error {
	if err := checkKey("store.set", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key Key) (string, bool, error) {
	if err := checkKey("store.get", key); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStore) Remove(_ context.Context, key Key) error {
	if err := checkKey("store.remove", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Len reports how many keys currently hold a value.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
