// Package testutil holds fakes shared by the package tests: a key-value store
// that fails on demand and a manually advanced clock.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
	"git.sr.ht/~jakintosh/sessionkit/pkg/store"
)

var ErrInjected = errors.New("injected storage failure")

// Op names a KV operation for failure injection.
type Op string

const (
	OpSet    Op = "set"
	OpGet    Op = "get"
	OpRemove Op = "remove"
)

type failure struct {
	op  Op
	key store.Key
}

// FaultyKV wraps a MemoryStore and fails selected operations.
type FaultyKV struct {
	*store.MemoryStore

	mu       sync.Mutex
	failures map[failure]int // remaining failures, -1 = forever
	down     bool
	calls    map[Op]int
}

var _ store.KV = (*FaultyKV)(nil)

func NewFaultyKV() *FaultyKV {
	return &FaultyKV{
		MemoryStore: store.NewMemoryStore(),
		failures:    make(map[failure]int),
		calls:       make(map[Op]int),
	}
}

// FailOn makes the next n calls of op on key fail. n < 0 fails forever.
func (f *FaultyKV) FailOn(op Op, key store.Key, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[failure{op, key}] = n
}

// SetDown makes every operation fail until called again with false.
func (f *FaultyKV) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *FaultyKV) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FaultyKV) check(op Op, key store.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.down {
		return fault.New(fault.StorageError, "testutil."+string(op), ErrInjected)
	}
	k := failure{op, key}
	n, ok := f.failures[k]
	if !ok || n == 0 {
		return nil
	}
	if n > 0 {
		f.failures[k] = n - 1
	}
	return fault.New(fault.StorageError, "testutil."+string(op), ErrInjected)
}

func (f *FaultyKV) Set(ctx context.Context, key store.Key, value string) error {
	if err := f.check(OpSet, key); err != nil {
		return err
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func (f *FaultyKV) Get(ctx context.Context, key store.Key) (string, bool, error) {
	if err := f.check(OpGet, key); err != nil {
		return "", false, err
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *FaultyKV) Remove(ctx context.Context, key store.Key) error {
	if err := f.check(OpRemove, key); err != nil {
		return err
	}
	return f.MemoryStore.Remove(ctx, key)
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
