package fastcounters

import (
	"context"

	"teamchat-core/internal/storage"

	"go.uber.org/zap"
)

// BucketSize is the number of chat seqs covered by one bucket
const BucketSize = 1024

var (
	chatCounters = storage.NewCollection[chatCounter]("fast_chat")
	userCounters = storage.NewCollection[userCounter]("fast_user")
	buckets      = storage.NewCollection[bucket]("fast_bucket")
)

type chatCounter struct {
	ChatID  int64 `json:"cid"`
	LastSeq int64 `json:"lastSeq"`
}

type userCounter struct {
	UserID  int64 `json:"uid"`
	ChatID  int64 `json:"cid"`
	ReadSeq int64 `json:"readSeq"`
}

// bucket keeps sparse per-seq facts of BucketSize consecutive messages of a chat.
// Buckets exist only for ranges where something was deleted or mentioned.
type bucket struct {
	ChatID   int64            `json:"cid"`
	Index    int64            `json:"idx"`
	Deleted  bitmap           `json:"deleted,omitempty"`
	All      bitmap           `json:"all,omitempty"`
	Mentions map[int64]bitmap `json:"mentions,omitempty"`
}

func (b *bucket) empty() bool {
	if !b.Deleted.empty() || !b.All.empty() {
		return false
	}
	for _, m := range b.Mentions {
		if !m.empty() {
			return false
		}
	}
	return true
}

func (b *bucket) mentioned(uid int64, i int) bool {
	return b.All.get(i) || b.Mentions[uid].get(i)
}

func bucketOf(seq int64) (int64, int) {
	return seq / BucketSize, int(seq % BucketSize)
}

// Counter is an unread state of one chat for one user
type Counter struct {
	ChatID    int64
	Unread    int64
	Mentioned bool
	ReadSeq   int64
	LastSeq   int64
}

// Repository computes per-chat unread counters from the chat's last seq and the user's read seq.
// Deletions and mentions are kept in per-chat bitmaps, so a message event never touches records of chat members.
type Repository struct {
	logger *zap.SugaredLogger
	store  storage.Transactor
}

// New returns new Repository
func New(logger *zap.SugaredLogger, store storage.Transactor) *Repository {
	return &Repository{logger: logger, store: store}
}

// OnAddDialog subscribes uid to counters of cid. Everything sent before is considered read.
func (r *Repository) OnAddDialog(ctx context.Context, uid, cid int64) error {
	return r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		key := userCounters.Key(uid, cid)
		u, err := userCounters.Get(ctx, tx, key)
		if err != nil || u != nil {
			return err
		}
		chat, err := r.chat(ctx, tx, cid)
		if err != nil {
			return err
		}
		return userCounters.Set(ctx, tx, key, &userCounter{UserID: uid, ChatID: cid, ReadSeq: chat.LastSeq})
	})
}

// OnRemoveDialog unsubscribes uid from counters of cid
func (r *Repository) OnRemoveDialog(ctx context.Context, uid, cid int64) error {
	return r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return userCounters.Clear(ctx, tx, userCounters.Key(uid, cid))
	})
}

// OnMessageCreated moves the chat's last seq and records mentions. The author reads everything up to seq.
func (r *Repository) OnMessageCreated(ctx context.Context, cid, seq, author int64, mentioned []int64, all bool) error {
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		chat, err := r.chat(ctx, tx, cid)
		if err != nil {
			return err
		}
		if seq > chat.LastSeq {
			chat.LastSeq = seq
			if err := chatCounters.Set(ctx, tx, chatCounters.Key(cid), chat); err != nil {
				return err
			}
		}

		if all || len(mentioned) > 0 {
			if err := r.setMentions(ctx, tx, cid, seq, author, mentioned, all); err != nil {
				return err
			}
		}
		return r.read(ctx, tx, author, cid, seq)
	})
	if err != nil {
		return err
	}

	r.logger.Debugf("Chat (id: %d) moved to seq %d", cid, seq)

	return nil
}

// OnMessageEdited replaces mentions recorded for seq
func (r *Repository) OnMessageEdited(ctx context.Context, cid, seq, author int64, mentioned []int64, all bool) error {
	return r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return r.setMentions(ctx, tx, cid, seq, author, mentioned, all)
	})
}

// OnMessageDeleted excludes seq from counters of every member
func (r *Repository) OnMessageDeleted(ctx context.Context, cid, seq int64) error {
	return r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return r.updateBucket(ctx, tx, cid, seq, func(b *bucket, i int) bool {
			return b.Deleted.set(i, true)
		})
	})
}

// OnMessageRead moves the read seq of uid in cid forward
func (r *Repository) OnMessageRead(ctx context.Context, uid, cid, seq int64) error {
	return r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return r.read(ctx, tx, uid, cid, seq)
	})
}

// UserChatCounter returns counter of cid for uid or nil when uid is not subscribed
func (r *Repository) UserChatCounter(ctx context.Context, uid, cid int64) (*Counter, error) {
	var c *Counter
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		u, err := userCounters.Get(ctx, tx, userCounters.Key(uid, cid))
		if err != nil || u == nil {
			return err
		}
		c, err = r.counter(ctx, tx, u)
		return err
	})
	return c, err
}

// UserCounters returns counters of every chat uid is subscribed to
func (r *Repository) UserCounters(ctx context.Context, uid int64) ([]Counter, error) {
	var out []Counter
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		entries, err := userCounters.Range(ctx, tx, userCounters.Key(uid), storage.RangeOptions{})
		if err != nil {
			return err
		}
		out = make([]Counter, 0, len(entries))
		for i := range entries {
			c, err := r.counter(ctx, tx, &entries[i].Value)
			if err != nil {
				return err
			}
			out = append(out, *c)
		}
		return nil
	})
	return out, err
}

func (r *Repository) chat(ctx context.Context, tx storage.Tx, cid int64) (*chatCounter, error) {
	c, err := chatCounters.Get(ctx, tx, chatCounters.Key(cid))
	if err != nil {
		return nil, err
	}
	if c == nil {
		c = &chatCounter{ChatID: cid}
	}
	return c, nil
}

func (r *Repository) read(ctx context.Context, tx storage.Tx, uid, cid, seq int64) error {
	key := userCounters.Key(uid, cid)
	u, err := userCounters.Get(ctx, tx, key)
	if err != nil || u == nil || seq <= u.ReadSeq {
		return err
	}
	u.ReadSeq = seq
	return userCounters.Set(ctx, tx, key, u)
}

func (r *Repository) setMentions(ctx context.Context, tx storage.Tx, cid, seq, author int64, mentioned []int64, all bool) error {
	return r.updateBucket(ctx, tx, cid, seq, func(b *bucket, i int) bool {
		changed := b.All.set(i, all)

		want := make(map[int64]struct{}, len(mentioned))
		for _, uid := range mentioned {
			if uid != author {
				want[uid] = struct{}{}
			}
		}
		for uid, m := range b.Mentions {
			if _, ok := want[uid]; !ok && m.get(i) {
				m.set(i, false)
				b.Mentions[uid] = m
				changed = true
			}
		}
		for uid := range want {
			if b.Mentions == nil {
				b.Mentions = make(map[int64]bitmap)
			}
			m := b.Mentions[uid]
			if m.set(i, true) {
				b.Mentions[uid] = m
				changed = true
			}
		}
		return changed
	})
}

// updateBucket applies f to the bucket holding seq and stores it when f reports a change
func (r *Repository) updateBucket(ctx context.Context, tx storage.Tx, cid, seq int64, f func(b *bucket, i int) bool) error {
	idx, i := bucketOf(seq)
	key := buckets.Key(cid, idx)
	b, err := buckets.Get(ctx, tx, key)
	if err != nil {
		return err
	}
	if b == nil {
		b = &bucket{ChatID: cid, Index: idx}
	}
	if !f(b, i) {
		return nil
	}
	for uid, m := range b.Mentions {
		if m.empty() {
			delete(b.Mentions, uid)
		}
	}
	if b.empty() {
		return buckets.Clear(ctx, tx, key)
	}
	return buckets.Set(ctx, tx, key, b)
}

// counter computes unread as lastSeq - readSeq minus deletions in (readSeq, lastSeq]
func (r *Repository) counter(ctx context.Context, tx storage.Tx, u *userCounter) (*Counter, error) {
	chat, err := r.chat(ctx, tx, u.ChatID)
	if err != nil {
		return nil, err
	}
	c := &Counter{ChatID: u.ChatID, ReadSeq: u.ReadSeq, LastSeq: chat.LastSeq}
	if chat.LastSeq <= u.ReadSeq {
		return c, nil
	}

	from, to := u.ReadSeq+1, chat.LastSeq
	first, _ := bucketOf(from)
	last, _ := bucketOf(to)

	opts := storage.RangeOptions{}
	if first > 0 {
		opts.After = buckets.Key(u.ChatID, first-1)
	}
	entries, err := buckets.Range(ctx, tx, buckets.Key(u.ChatID), opts)
	if err != nil {
		return nil, err
	}

	var deleted int64
	for k := range entries {
		b := &entries[k].Value
		if b.Index > last {
			break
		}
		base := b.Index * BucketSize
		lo, hi := 0, BucketSize
		if from > base {
			lo = int(from - base)
		}
		if to < base+BucketSize-1 {
			hi = int(to-base) + 1
		}
		deleted += int64(b.Deleted.count(lo, hi))
		if !c.Mentioned {
			for i := lo; i < hi; i++ {
				if b.mentioned(u.UserID, i) && !b.Deleted.get(i) {
					c.Mentioned = true
					break
				}
			}
		}
	}

	c.Unread = chat.LastSeq - u.ReadSeq - deleted
	if c.Unread < 0 {
		c.Unread = 0
	}
	return c, nil
}
