package watch

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"teamchat-core/internal/storage"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Subscription receives new seqs of a user's event log
type Subscription interface {
	C() <-chan int64
	Close() error
}

// Notifier signals that a user's event log grew
type Notifier interface {
	Notify(ctx context.Context, uid, seq int64) error
	Subscribe(ctx context.Context, uid int64) (Subscription, error)
}

// NotifyAfterCommit publishes seq of uid once the transaction bound to ctx commits
func NotifyAfterCommit(ctx context.Context, logger *zap.SugaredLogger, n Notifier, uid, seq int64) {
	if n == nil {
		return
	}
	storage.AfterCommit(ctx, func() {
		if err := n.Notify(ctx, uid, seq); err != nil {
			logger.Warnf("Failed to notify user (id: %d) about seq %d: %v", uid, seq, err)
		}
	})
}

// RedisConfig holds connection settings
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// RedisNotifier uses a pub/sub channel per user
type RedisNotifier struct {
	logger *zap.SugaredLogger
	client *redis.Client
}

// NewRedisNotifier connects to redis and checks the connection
func NewRedisNotifier(ctx context.Context, logger *zap.SugaredLogger, cfg RedisConfig) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisNotifierFromClient(logger, client), nil
}

func NewRedisNotifierFromClient(logger *zap.SugaredLogger, client *redis.Client) *RedisNotifier {
	return &RedisNotifier{logger: logger, client: client}
}

func channel(uid int64) string {
	return "user_seq:" + strconv.FormatInt(uid, 10)
}

func (n *RedisNotifier) Notify(ctx context.Context, uid, seq int64) error {
	return n.client.Publish(ctx, channel(uid), seq).Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, uid int64) (Subscription, error) {
	ps := n.client.Subscribe(ctx, channel(uid))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	s := &redisSubscription{ps: ps, ch: make(chan int64, 16)}
	go func() {
		defer close(s.ch)
		for msg := range ps.Channel() {
			seq, err := strconv.ParseInt(msg.Payload, 10, 64)
			if err != nil {
				n.logger.Warnf("Malformed seq %q on %s", msg.Payload, msg.Channel)
				continue
			}
			select {
			case s.ch <- seq:
			default:
			}
		}
	}()
	return s, nil
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

type redisSubscription struct {
	ps *redis.PubSub
	ch chan int64
}

func (s *redisSubscription) C() <-chan int64 { return s.ch }

func (s *redisSubscription) Close() error { return s.ps.Close() }

// MemoryNotifier is an in-process Notifier
type MemoryNotifier struct {
	mu   sync.Mutex
	subs map[int64]map[*memorySubscription]struct{}
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{subs: make(map[int64]map[*memorySubscription]struct{})}
}

func (n *MemoryNotifier) Notify(_ context.Context, uid, seq int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for s := range n.subs[uid] {
		select {
		case s.ch <- seq:
		default:
		}
	}
	return nil
}

func (n *MemoryNotifier) Subscribe(_ context.Context, uid int64) (Subscription, error) {
	s := &memorySubscription{n: n, uid: uid, ch: make(chan int64, 16)}
	n.mu.Lock()
	if n.subs[uid] == nil {
		n.subs[uid] = make(map[*memorySubscription]struct{})
	}
	n.subs[uid][s] = struct{}{}
	n.mu.Unlock()
	return s, nil
}

type memorySubscription struct {
	n   *MemoryNotifier
	uid int64
	ch  chan int64
}

func (s *memorySubscription) C() <-chan int64 { return s.ch }

func (s *memorySubscription) Close() error {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	if _, ok := s.n.subs[s.uid][s]; ok {
		delete(s.n.subs[s.uid], s)
		close(s.ch)
	}
	return nil
}

// WaitAfter blocks until sub reports a seq greater than after or ctx is done
func WaitAfter(ctx context.Context, sub Subscription, after int64) (int64, error) {
	for {
		select {
		case <-ctx.Done():
			return after, ctx.Err()
		case seq, ok := <-sub.C():
			if !ok {
				return after, context.Canceled
			}
			if seq > after {
				return seq, nil
			}
		}
	}
}
