package storage

import (
	"context"
	"errors"

	"github.com/tidwall/gjson"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrInvalidJSON = errors.New("value is not valid JSON")
	ErrClosed      = errors.New("store is closed")
)

// Update is a change to a single key. Value is the key's new JSON encoding.
type Update struct {
	Key   []byte
	Value []byte
}

type Store interface {
	Set(ctx context.Context, key []byte, value interface{}) error

	// SetRaw stores value, which must already be JSON, verbatim.
	SetRaw(ctx context.Context, key []byte, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, error)

	Restore(values []byte) error
	Backup() ([]byte, error)

	ListenToUpdates() <-chan *Update

	Close() error
}

// SetValue stores value as JSON when it parses as JSON and as a JSON string
// otherwise, so `bar` and `"bar"` end up the same.
func SetValue(ctx context.Context, s Store, key, value []byte) error {
	if gjson.ValidBytes(value) {
		return s.SetRaw(ctx, key, value)
	}

	return s.Set(ctx, key, string(value))
}
