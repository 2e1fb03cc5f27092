package storage

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Collection stores JSON-encoded values of T under keys prefixed with the collection name
type Collection[T any] struct {
	name string
}

// Entry is a decoded record of a Collection
type Entry[T any] struct {
	Key   Key
	Value T
}

// NewCollection returns Collection which keys start with name
func NewCollection[T any](name string) Collection[T] {
	return Collection[T]{name: name}
}

// Key builds a key of the collection from parts
func (c Collection[T]) Key(parts ...interface{}) Key {
	return Tuple(append([]interface{}{c.name}, parts...)...)
}

// Get returns decoded value or nil if key is absent
func (c Collection[T]) Get(ctx context.Context, tx Tx, key Key) (*T, error) {
	raw, err := tx.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", c.name)
	}
	if raw == nil {
		return nil, nil
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.Wrapf(err, "decode %s", c.name)
	}
	return &v, nil
}

// Set encodes and writes v at key
func (c Collection[T]) Set(ctx context.Context, tx Tx, key Key, v *T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", c.name)
	}
	return errors.Wrapf(tx.Set(ctx, key, raw), "set %s", c.name)
}

// Clear removes key
func (c Collection[T]) Clear(ctx context.Context, tx Tx, key Key) error {
	return errors.Wrapf(tx.Clear(ctx, key), "clear %s", c.name)
}

// Range scans every record which key starts with prefix (built with Key)
func (c Collection[T]) Range(ctx context.Context, tx Tx, prefix Key, opts RangeOptions) ([]Entry[T], error) {
	kvs, err := tx.Range(ctx, prefix, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "range %s", c.name)
	}

	out := make([]Entry[T], 0, len(kvs))
	for _, kv := range kvs {
		var v T
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			return nil, errors.Wrapf(err, "decode %s", c.name)
		}
		out = append(out, Entry[T]{Key: kv.Key, Value: v})
	}
	return out, nil
}

// Counter is a single int64 value, used for sequences
type Counter struct {
	Value int64 `json:"value"`
}

// Next increments the counter at key and returns the new value
func Next(ctx context.Context, tx Tx, key Key) (int64, error) {
	c := NewCollection[Counter]("")
	v, err := c.Get(ctx, tx, key)
	if err != nil {
		return 0, err
	}
	if v == nil {
		v = &Counter{}
	}
	v.Value++
	if err := c.Set(ctx, tx, key, v); err != nil {
		return 0, err
	}
	return v.Value, nil
}

// Current returns the counter value at key, zero if absent
func Current(ctx context.Context, tx Tx, key Key) (int64, error) {
	v, err := NewCollection[Counter]("").Get(ctx, tx, key)
	if err != nil || v == nil {
		return 0, err
	}
	return v.Value, nil
}
