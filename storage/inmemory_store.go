package storage

import (
	"context"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const UpdateBufferSize = 255

// InmemoryStore keeps every key in a single JSON document. Keys are gjson
// paths, so "a.b" addresses a nested field.
type InmemoryStore struct {
	valuesMu sync.RWMutex
	values   []byte

	mu          sync.Mutex
	updateChans []chan *Update

	// stop will be closed when Close() is called
	stop      chan struct{}
	closeOnce sync.Once
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values:      []byte(""),
		stop:        make(chan struct{}),
		updateChans: make([]chan *Update, 0),
	}
}

func (i *InmemoryStore) Close() error {
	i.closeOnce.Do(func() {
		close(i.stop)

		i.mu.Lock()
		defer i.mu.Unlock()

		for _, updateChan := range i.updateChans {
			close(updateChan)
		}

		i.updateChans = nil
	})

	return nil
}

func (i *InmemoryStore) Set(ctx context.Context, key []byte, value interface{}) error {
	return i.set(ctx, key, func(values []byte) ([]byte, error) {
		return sjson.SetBytes(values, string(key), value)
	})
}

func (i *InmemoryStore) SetRaw(ctx context.Context, key []byte, value []byte) error {
	if !gjson.ValidBytes(value) {
		return ErrInvalidJSON
	}

	// Stored values are pushed as single line messages, so they are kept
	// free of line breaks.
	compact := []byte(gjson.GetBytes(value, "@ugly").Raw)

	return i.set(ctx, key, func(values []byte) ([]byte, error) {
		return sjson.SetRawBytes(values, string(key), compact)
	})
}

func (i *InmemoryStore) set(ctx context.Context, key []byte, apply func([]byte) ([]byte, error)) error {
	if !i.isRunning() {
		return ErrClosed
	}

	i.valuesMu.Lock()
	values, err := apply(i.values)
	if err != nil {
		i.valuesMu.Unlock()
		return err
	}

	i.values = values
	update := &Update{
		Key:   append([]byte(nil), key...),
		Value: []byte(gjson.GetBytes(values, string(key)).Raw),
	}
	i.valuesMu.Unlock()

	return i.publish(ctx, update)
}

func (i *InmemoryStore) publish(ctx context.Context, update *Update) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, updateChan := range i.updateChans {
		select {
		case updateChan <- update:
		case <-i.stop:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (i *InmemoryStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	i.valuesMu.RLock()
	defer i.valuesMu.RUnlock()

	result := gjson.GetBytes(i.values, string(key))
	if !result.Exists() {
		return nil, ErrKeyNotFound
	}

	return []byte(result.Raw), nil
}

func (i *InmemoryStore) ListenToUpdates() <-chan *Update {
	i.mu.Lock()
	defer i.mu.Unlock()

	updateChan := make(chan *Update, UpdateBufferSize)
	if !i.isRunning() {
		close(updateChan)
		return updateChan
	}

	i.updateChans = append(i.updateChans, updateChan)

	return updateChan
}

func (i *InmemoryStore) Restore(values []byte) error {
	if len(values) > 0 && !gjson.ValidBytes(values) {
		return ErrInvalidJSON
	}

	i.valuesMu.Lock()
	defer i.valuesMu.Unlock()

	i.values = append([]byte(nil), values...)

	return nil
}

func (i *InmemoryStore) Backup() ([]byte, error) {
	i.valuesMu.RLock()
	defer i.valuesMu.RUnlock()

	if len(i.values) == 0 {
		return []byte("{}"), nil
	}

	return append([]byte(nil), i.values...), nil
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

var _ Store = (*InmemoryStore)(nil)
