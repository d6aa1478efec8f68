package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/homestead/hsscache/core"
)

// RedisStore implements Store against a single Redis endpoint. cas is
// stored alongside the value so every compare-and-store decision happens
// inside one atomic Lua script — go-redis's Eval is the same primitive the
// teacher framework's Redis-backed components (registry, rate limiter) use
// for their own atomic read-modify-write operations.
type RedisStore struct {
	client *redis.Client
	logger core.Logger
}

// NewRedisStore wraps an already-connected *redis.Client. logger may be nil.
func NewRedisStore(client *redis.Client, logger core.Logger) *RedisStore {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &RedisStore{client: client, logger: logger}
}

// wire format: an 8-byte header (big-endian cas) followed by the raw
// value. Storing cas in the value lets Get return both
// in a single round trip without a second key.
func encodeEntry(value []byte, cas int64) []byte {
	buf := make([]byte, 8+len(value))
	putUint64(buf[:8], uint64(cas))
	copy(buf[8:], value)
	return buf
}

func decodeEntry(raw []byte) (value []byte, cas int64, err error) {
	if len(raw) < 8 {
		return nil, 0, fmt.Errorf("kvstore: corrupt entry (len=%d): %w", len(raw), core.ErrUnknown)
	}
	cas = int64(getUint64(raw[:8]))
	value = append([]byte(nil), raw[8:]...)
	return value, cas, nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v)
		v >>= 8
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, classifyRedisErr(err)
	}
	value, cas, err := decodeEntry(raw)
	if err != nil {
		return Record{}, false, err
	}
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		ttl = -1
	}
	expiry := time.Time{}
	if ttl > 0 {
		expiry = time.Now().Add(ttl)
	}
	return Record{Value: value, Cas: cas, Expiry: expiry}, true, nil
}

// addScript creates key only if it does not already exist.
var addScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return "CONTENTION"
end
redis.call("SET", KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return "OK"
`)

// Add implements Store.
func (s *RedisStore) Add(ctx context.Context, key string, value []byte, expiry time.Time) error {
	cas := Timestamp()
	entry := encodeEntry(value, cas)
	ttlMs := ttlMillis(expiry)

	res, err := addScript.Run(ctx, s.client, []string{key}, entry, ttlMs).Text()
	if err != nil {
		return classifyRedisErr(err)
	}
	if res == "CONTENTION" {
		return core.NewError("kvstore.Add", core.DataContention, key, core.ErrDataContention)
	}
	return nil
}

// setScript replaces key's value only if the stored cas matches.
var setScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return "NOTFOUND"
end
local stored_cas = string.sub(raw, 1, 8)
if stored_cas ~= ARGV[3] then
  return "CONTENTION"
end
redis.call("SET", KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return "OK"
`)

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, cas int64, expiry time.Time) error {
	newCas := Timestamp()
	entry := encodeEntry(value, newCas)
	ttlMs := ttlMillis(expiry)
	casBytes := make([]byte, 8)
	putUint64(casBytes, uint64(cas))

	res, err := setScript.Run(ctx, s.client, []string{key}, entry, ttlMs, casBytes).Text()
	if err != nil {
		return classifyRedisErr(err)
	}
	switch res {
	case "NOTFOUND":
		return core.NewError("kvstore.Set", core.NotFound, key, core.ErrNotFound)
	case "CONTENTION":
		return core.NewError("kvstore.Set", core.DataContention, key, core.ErrDataContention)
	}
	return nil
}

// deleteScript removes key only if the stored cas matches.
var deleteScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return "NOTFOUND"
end
local stored_cas = string.sub(raw, 1, 8)
if stored_cas ~= ARGV[1] then
  return "CONTENTION"
end
redis.call("DEL", KEYS[1])
return "OK"
`)

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string, cas int64) error {
	casBytes := make([]byte, 8)
	putUint64(casBytes, uint64(cas))

	res, err := deleteScript.Run(ctx, s.client, []string{key}, casBytes).Text()
	if err != nil {
		return classifyRedisErr(err)
	}
	switch res {
	case "NOTFOUND":
		return core.NewError("kvstore.Delete", core.NotFound, key, core.ErrNotFound)
	case "CONTENTION":
		return core.NewError("kvstore.Delete", core.DataContention, key, core.ErrDataContention)
	}
	return nil
}

func ttlMillis(expiry time.Time) int64 {
	if expiry.IsZero() {
		return 0
	}
	d := time.Until(expiry).Milliseconds()
	if d <= 0 {
		return 1
	}
	return d
}

func classifyRedisErr(err error) error {
	if err == context.DeadlineExceeded {
		return core.NewError("kvstore", core.Timeout, "", core.ErrTimeout)
	}
	if err == context.Canceled {
		return core.ErrContextCanceled
	}
	return core.NewError("kvstore", core.ServerUnavailable, "", fmt.Errorf("%w: %v", core.ErrConnectionFailed, err))
}
