package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Transactor used by tests and single-node development.
// Transactions are fully serialized by a store-wide lock and rolled back from an undo log.
type MemoryStore struct {
	txLock sync.Mutex

	keys   []string
	values map[string][]byte
}

// NewMemoryStore returns empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// InTx implements Transactor
func (m *MemoryStore) InTx(ctx context.Context, fn TxFunc) error {
	return runInTx(ctx, m, fn)
}

// Close implements Transactor
func (m *MemoryStore) Close() {}

// Len returns number of stored keys
func (m *MemoryStore) Len() int {
	m.txLock.Lock()
	defer m.txLock.Unlock()
	return len(m.keys)
}

func (m *MemoryStore) begin(ctx context.Context) (attempt, error) {
	m.txLock.Lock()
	return &memTx{store: m, undo: make(map[string]undoRecord)}, nil
}

func (m *MemoryStore) retryable(error) bool { return false }

func (m *MemoryStore) maxAttempts() int { return 1 }

func (m *MemoryStore) put(k string, v []byte) {
	if _, ok := m.values[k]; !ok {
		i := sort.SearchStrings(m.keys, k)
		m.keys = append(m.keys, "")
		copy(m.keys[i+1:], m.keys[i:])
		m.keys[i] = k
	}
	m.values[k] = v
}

func (m *MemoryStore) remove(k string) {
	if _, ok := m.values[k]; !ok {
		return
	}
	delete(m.values, k)
	i := sort.SearchStrings(m.keys, k)
	m.keys = append(m.keys[:i], m.keys[i+1:]...)
}

type undoRecord struct {
	existed bool
	value   []byte
}

type memTx struct {
	mu     sync.Mutex
	store  *MemoryStore
	undo   map[string]undoRecord
	closed bool
}

func (t *memTx) remember(k string) {
	if _, ok := t.undo[k]; ok {
		return
	}
	v, ok := t.store.values[k]
	t.undo[k] = undoRecord{existed: ok, value: v}
}

func (t *memTx) Get(_ context.Context, key Key) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTxClosed
	}

	v, ok := t.store.values[string(key)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (t *memTx) Set(_ context.Context, key Key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTxClosed
	}

	k := string(key)
	t.remember(k)
	t.store.put(k, append([]byte(nil), value...))
	return nil
}

func (t *memTx) Clear(_ context.Context, key Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTxClosed
	}

	k := string(key)
	t.remember(k)
	t.store.remove(k)
	return nil
}

func (t *memTx) Range(_ context.Context, prefix Key, opts RangeOptions) ([]KeyValue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTxClosed
	}

	keys := t.store.keys
	lo := sort.SearchStrings(keys, string(prefix))
	hi := sort.SearchStrings(keys, string(rangeEnd(prefix)))

	var out []KeyValue
	emit := func(k string) bool {
		out = append(out, KeyValue{Key: Key(k), Value: append([]byte(nil), t.store.values[k]...)})
		return opts.Limit > 0 && len(out) >= opts.Limit
	}

	if !opts.Reverse {
		for i := lo; i < hi; i++ {
			if opts.After != nil && bytes.Compare([]byte(keys[i]), opts.After) <= 0 {
				continue
			}
			if emit(keys[i]) {
				break
			}
		}
		return out, nil
	}

	for i := hi - 1; i >= lo; i-- {
		if opts.After != nil && bytes.Compare([]byte(keys[i]), opts.After) >= 0 {
			continue
		}
		if emit(keys[i]) {
			break
		}
	}
	return out, nil
}

func (t *memTx) commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTxClosed
	}
	t.closed = true
	t.store.txLock.Unlock()
	return nil
}

func (t *memTx) rollback(context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for k, u := range t.undo {
		if u.existed {
			t.store.put(k, u.value)
		} else {
			t.store.remove(k)
		}
	}
	t.closed = true
	t.store.txLock.Unlock()
}
