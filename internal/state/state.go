package state

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("state: key not found")

// StateStore is a minimal interface for shared ephemeral state such as the
// latest-reading cache.
type StateStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A zero ttl keeps the key until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfNewer stores value only when version is greater than the version
	// last stored under key, and reports whether it did.
	SetIfNewer(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

type noopStore struct{}

// NewNoopStore returns a store that keeps nothing; every Get misses.
func NewNoopStore() StateStore { return noopStore{} }

func (noopStore) Get(context.Context, string) ([]byte, error)              { return nil, ErrMiss }
func (noopStore) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (noopStore) SetIfNewer(context.Context, string, int64, []byte, time.Duration) (bool, error) {
	return false, nil
}
func (noopStore) Del(context.Context, string) error { return nil }
func (noopStore) Close() error                      { return nil }
