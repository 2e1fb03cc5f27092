package storage

import (
	"context"
	"sync"

	"teamchat-core/internal/storage/zapadapter"

	"github.com/pkg/errors"
)

var (
	ErrTxClosed   = errors.New("transaction is already closed")
	ErrBadKey     = errors.New("malformed key")
	ErrTxConflict = errors.New("transaction conflict, retries exhausted")
)

// KeyValue is a single record returned by a range scan
type KeyValue struct {
	Key   Key
	Value []byte
}

// RangeOptions narrows a range scan over all keys sharing a prefix.
// After is exclusive and must share the scanned prefix. With Reverse set the scan walks
// from the greatest key down and After becomes an upper bound.
type RangeOptions struct {
	After   Key
	Limit   int
	Reverse bool
}

// Tx is a serializable unit of work over ordered keys.
// Get returns nil value without error when the key is absent.
type Tx interface {
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, value []byte) error
	Clear(ctx context.Context, key Key) error
	Range(ctx context.Context, prefix Key, opts RangeOptions) ([]KeyValue, error)
}

// TxFunc is a body of a transaction. It can be invoked several times when the backend retries conflicts,
// so it must not have side effects outside of tx other than ones registered with AfterCommit.
type TxFunc func(ctx context.Context, tx Tx) error

// Transactor runs TxFunc in a serializable transaction. Nested calls with a context that already
// carries a transaction are flattened into the outer one.
type Transactor interface {
	InTx(ctx context.Context, fn TxFunc) error
	Close()
}

// attempt is a backend transaction that can be finished
type attempt interface {
	Tx
	commit(ctx context.Context) error
	rollback(ctx context.Context)
}

type backend interface {
	begin(ctx context.Context) (attempt, error)
	retryable(err error) bool
	maxAttempts() int
}

type ctxKey struct{}

// txState keeps everything bound to one attempt of a transaction
type txState struct {
	tx Tx

	mu          sync.Mutex
	afterCommit []func()
	cache       map[string]*cachedValue
	locks       map[string]*sync.Mutex
}

type cachedValue struct {
	once  sync.Once
	value interface{}
	err   error
}

func stateFrom(ctx context.Context) (*txState, bool) {
	st, ok := ctx.Value(ctxKey{}).(*txState)
	return st, ok
}

func runInTx(ctx context.Context, b backend, fn TxFunc) error {
	if st, ok := stateFrom(ctx); ok {
		return fn(ctx, st.tx)
	}

	for n := 1; ; n++ {
		a, err := b.begin(ctx)
		if err != nil {
			return errors.Wrap(err, "begin transaction")
		}

		st := &txState{tx: a}
		txCtx := zapadapter.NewContextWithAttempt(context.WithValue(ctx, ctxKey{}, st), n)
		err = fn(txCtx, a)
		if err != nil {
			a.rollback(ctx)
		} else {
			err = a.commit(ctx)
		}

		if err == nil {
			st.mu.Lock()
			hooks := st.afterCommit
			st.mu.Unlock()
			for _, f := range hooks {
				f()
			}
			return nil
		}

		if !b.retryable(err) {
			return err
		}
		if n >= b.maxAttempts() {
			return errors.Wrapf(ErrTxConflict, "after %d attempts: %v", n, err)
		}
	}
}

// AfterCommit registers f to be called once the transaction bound to ctx commits.
// Outside of transaction f is called immediately.
func AfterCommit(ctx context.Context, f func()) {
	st, ok := stateFrom(ctx)
	if !ok {
		f()
		return
	}
	st.mu.Lock()
	st.afterCommit = append(st.afterCommit, f)
	st.mu.Unlock()
}

// CachedInTx memoizes fn result for the lifetime of the current transaction attempt.
// Concurrent callers with the same key wait for the first one.
func CachedInTx(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, error) {
	st, ok := stateFrom(ctx)
	if !ok {
		return fn()
	}

	st.mu.Lock()
	if st.cache == nil {
		st.cache = make(map[string]*cachedValue)
	}
	cv, ok := st.cache[key]
	if !ok {
		cv = &cachedValue{}
		st.cache[key] = cv
	}
	st.mu.Unlock()

	cv.once.Do(func() {
		cv.value, cv.err = fn()
	})
	return cv.value, cv.err
}

// LockInTx acquires a named lock scoped to the current transaction attempt and returns its release func
func LockInTx(ctx context.Context, key string) func() {
	st, ok := stateFrom(ctx)
	if !ok {
		return func() {}
	}

	st.mu.Lock()
	if st.locks == nil {
		st.locks = make(map[string]*sync.Mutex)
	}
	l, ok := st.locks[key]
	if !ok {
		l = &sync.Mutex{}
		st.locks[key] = l
	}
	st.mu.Unlock()

	l.Lock()
	return l.Unlock
}
