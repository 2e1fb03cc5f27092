package storage

import (
	"context"
	"sync"

	"teamchat-core/internal/storage/zapadapter"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const schema = `create table if not exists kv (
	key   bytea primary key,
	value bytea not null
)`

// Store keeps every entity as a row of the ordered "kv" table and runs transactions with serializable isolation
type Store struct {
	logger      *zap.SugaredLogger
	db          *pgxpool.Pool
	attemptsMax int
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())
	config.ConnConfig.LogLevel = pgx.LogLevelWarn

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	return &Store{
		logger:      logger,
		db:          pool,
		attemptsMax: attempts,
	}, nil
}

// Migrate creates the kv table if needed
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return errors.Wrap(err, "create kv table")
}

// InTx implements Transactor
func (s *Store) InTx(ctx context.Context, fn TxFunc) error {
	return runInTx(ctx, s, fn)
}

// Close closes all pool connections
func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) begin(ctx context.Context) (attempt, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

func (s *Store) retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			s.logger.Debugf("Retrying transaction after %s", pgErr.Code)
			return true
		}
	}
	return false
}

func (s *Store) maxAttempts() int {
	return s.attemptsMax
}

// pgTx serializes calls since pgx.Tx must not be used concurrently
type pgTx struct {
	mu sync.Mutex
	tx pgx.Tx
}

func (t *pgTx) Get(ctx context.Context, key Key) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var value []byte
	err := t.tx.QueryRow(ctx, "select value from kv where key = $1", []byte(key)).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return value, nil
}

func (t *pgTx) Set(ctx context.Context, key Key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sql := "insert into kv (key, value) values ($1, $2) on conflict (key) do update set value = excluded.value"
	_, err := t.tx.Exec(ctx, sql, []byte(key), value)
	return err
}

func (t *pgTx) Clear(ctx context.Context, key Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.tx.Exec(ctx, "delete from kv where key = $1", []byte(key))
	return err
}

func (t *pgTx) Range(ctx context.Context, prefix Key, opts RangeOptions) ([]KeyValue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var limit interface{}
	if opts.Limit > 0 {
		limit = opts.Limit
	}

	var sql string
	var lower, upper []byte
	switch {
	case !opts.Reverse && opts.After == nil:
		sql = "select key, value from kv where key >= $1 and key < $2 order by key asc limit $3"
		lower, upper = prefix, rangeEnd(prefix)
	case !opts.Reverse:
		sql = "select key, value from kv where key > $1 and key < $2 order by key asc limit $3"
		lower, upper = opts.After, rangeEnd(prefix)
	case opts.After == nil:
		sql = "select key, value from kv where key >= $1 and key < $2 order by key desc limit $3"
		lower, upper = prefix, rangeEnd(prefix)
	default:
		sql = "select key, value from kv where key >= $1 and key < $2 order by key desc limit $3"
		lower, upper = prefix, opts.After
	}

	rows, err := t.tx.Query(ctx, sql, lower, upper, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KeyValue
	for rows.Next() {
		var kv KeyValue
		var key []byte
		if err := rows.Scan(&key, &kv.Value); err != nil {
			return nil, err
		}
		kv.Key = key
		out = append(out, kv)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return out, nil
}

func (t *pgTx) commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTx) rollback(_ context.Context) {
	// error handling can be omitted for rollback according docs
	// see https://pkg.go.dev/github.com/jackc/pgx/v4?tab=doc#hdr-Transactions or any source comment on Rollback
	_ = t.tx.Rollback(context.Background())
}
