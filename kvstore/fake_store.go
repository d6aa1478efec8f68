package kvstore

import (
	"context"
	"sync"
	"time"

	"github.com/homestead/hsscache/core"
)

// FakeStore is an in-memory Store used by unit tests across this tree so
// they need no live Redis, mirroring the teacher framework's pattern of
// swapping a lightweight fake behind a storage interface in tests.
type FakeStore struct {
	mu      sync.Mutex
	entries map[string]Record
	nextCas int64
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{entries: make(map[string]Record)}
}

func (f *FakeStore) allocCas() int64 {
	f.nextCas++
	return f.nextCas
}

func (f *FakeStore) Get(ctx context.Context, key string) (Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.entries[key]
	if !ok {
		return Record{}, false, nil
	}
	if !rec.Expiry.IsZero() && time.Now().After(rec.Expiry) {
		delete(f.entries, key)
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (f *FakeStore) Add(ctx context.Context, key string, value []byte, expiry time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.entries[key]; ok && (rec.Expiry.IsZero() || time.Now().Before(rec.Expiry)) {
		return core.NewError("kvstore.Add", core.DataContention, key, core.ErrDataContention)
	}
	f.entries[key] = Record{Value: append([]byte(nil), value...), Cas: f.allocCas(), Expiry: expiry}
	return nil
}

func (f *FakeStore) Set(ctx context.Context, key string, value []byte, cas int64, expiry time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.entries[key]
	if !ok {
		return core.NewError("kvstore.Set", core.NotFound, key, core.ErrNotFound)
	}
	if rec.Cas != cas {
		return core.NewError("kvstore.Set", core.DataContention, key, core.ErrDataContention)
	}
	f.entries[key] = Record{Value: append([]byte(nil), value...), Cas: f.allocCas(), Expiry: expiry}
	return nil
}

func (f *FakeStore) Delete(ctx context.Context, key string, cas int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.entries[key]
	if !ok {
		return core.NewError("kvstore.Delete", core.NotFound, key, core.ErrNotFound)
	}
	if rec.Cas != cas {
		return core.NewError("kvstore.Delete", core.DataContention, key, core.ErrDataContention)
	}
	delete(f.entries, key)
	return nil
}

// Len reports the number of live (non-expired) entries, for test assertions.
func (f *FakeStore) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.entries {
		if rec.Expiry.IsZero() || time.Now().Before(rec.Expiry) {
			n++
		}
	}
	return n
}
