// Package kvstore implements C1: an abstract CAS-capable key-value client
// wrapping one local replica and N geo-redundant remote replicas.
//
// CAS is expressed as an opaque int64 token, matched against go-redis's Lua
// EVAL facility the same way the teacher framework wraps go-redis for its
// own registry/rate-limiter components — atomicity comes from a server-side
// script, not from client-side locking.
package kvstore

import (
	"context"
	"time"

	"github.com/homestead/hsscache/core"
)

// Record is the raw payload C1 hands back to C2; C2 is responsible for
// interpreting Value as a typed IMPU/IMPI document.
type Record struct {
	Value  []byte
	Cas    int64
	Expiry time.Time
}

// Store is the CAS-capable contract every replica (local or remote)
// implements, and the interface irscache/impustore program against.
type Store interface {
	// Get returns (record, true, nil) on a hit, (zero, false, nil) on a
	// clean miss, or (zero, false, err) on an infrastructure failure
	// (core.ErrTimeout / core.ErrServerUnavailable / core.ErrUnavailable).
	Get(ctx context.Context, key string) (Record, bool, error)

	// Add creates key only if absent. Returns core.ErrDataContention if the
	// key already exists.
	Add(ctx context.Context, key string, value []byte, expiry time.Time) error

	// Set replaces key's value conditional on cas matching the store's
	// current token. Returns core.ErrDataContention on mismatch,
	// core.ErrNotFound if the key does not exist.
	Set(ctx context.Context, key string, value []byte, cas int64, expiry time.Time) error

	// Delete removes key conditional on cas. Same error semantics as Set.
	Delete(ctx context.Context, key string, cas int64) error
}

// Timestamp returns the current wall-clock time as microseconds since the
// epoch (generate_timestamp() in the original cache.h). RedisStore uses it
// as the cas token it stores with every Add and Set.
func Timestamp() int64 {
	return time.Now().UnixMicro()
}

// Client groups the production replicas: one local replica plus N remote
// replicas, matching spec §4.1's "wraps one local and N remote replicas".
// Reads use GR (geo-redundant) fan-out: local first, then remotes in
// order. Writes to the local replica are authoritative; remote writes are
// issued by callers (irscache) independently per replica, per spec §4.3.4.
type Client struct {
	Local   Store
	Remotes []Store
	logger  core.Logger
}

// NewClient builds a Client. logger may be nil.
func NewClient(local Store, remotes []Store, logger core.Logger) *Client {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("cache/kvstore")
	}
	return &Client{Local: local, Remotes: remotes, logger: logger}
}

// Replicas returns local followed by every remote, in GR read order.
func (c *Client) Replicas() []Store {
	all := make([]Store, 0, 1+len(c.Remotes))
	all = append(all, c.Local)
	all = append(all, c.Remotes...)
	return all
}

// GetGR performs a GR read: local first, then each remote in order,
// returning the first hit. A miss on every replica is a clean NOT_FOUND,
// not an error; if no replica hit and any replica errored, the last error
// is returned.
func (c *Client) GetGR(ctx context.Context, key string) (Record, Store, bool, error) {
	var lastErr error
	for _, replica := range c.Replicas() {
		rec, ok, err := replica.Get(ctx, key)
		if err != nil {
			lastErr = err
			c.logger.WarnWithContext(ctx, "replica read failed during GR read", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			continue
		}
		if ok {
			return rec, replica, true, nil
		}
	}
	if lastErr != nil {
		return Record{}, nil, false, lastErr
	}
	return Record{}, nil, false, nil
}
