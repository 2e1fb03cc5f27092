package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NatsConfig holds JetStream settings of the delivery queue
type NatsConfig struct {
	URL        string        `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	Stream     string        `env:"NATS_DELIVERY_STREAM" envDefault:"DELIVERY"`
	Subject    string        `env:"NATS_DELIVERY_SUBJECT" envDefault:"delivery.items"`
	Durable    string        `env:"NATS_DELIVERY_DURABLE" envDefault:"delivery-workers"`
	AckWait    time.Duration `env:"NATS_ACK_WAIT" envDefault:"30s"`
	MaxDeliver int           `env:"NATS_MAX_DELIVER" envDefault:"10"`
	Batch      int           `env:"NATS_FETCH_BATCH" envDefault:"16"`
}

// NatsQueue is a Queue over a JetStream work-queue stream consumed by a durable pull consumer
type NatsQueue struct {
	logger *zap.SugaredLogger
	cfg    NatsConfig
	nc     *nats.Conn
	js     nats.JetStreamContext
}

// NewNatsQueue connects to NATS and makes sure the stream exists
func NewNatsQueue(logger *zap.SugaredLogger, cfg NatsConfig) (*NatsQueue, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("teamchat-delivery"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
	)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	_, err = js.StreamInfo(cfg.Stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{cfg.Subject},
			Retention: nats.WorkQueuePolicy,
		})
	}
	if err != nil {
		nc.Close()
		return nil, err
	}

	logger.Infof("Connected to NATS at %s, stream %s", cfg.URL, cfg.Stream)

	return &NatsQueue{logger: logger, cfg: cfg, nc: nc, js: js}, nil
}

func (q *NatsQueue) Enqueue(ctx context.Context, item Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	_, err = q.js.Publish(q.cfg.Subject, raw, nats.MsgId(item.ID), nats.Context(ctx))
	return err
}

func (q *NatsQueue) Consume(ctx context.Context, concurrency int, h Handler) error {
	sub, err := q.js.PullSubscribe(q.cfg.Subject, q.cfg.Durable,
		nats.AckWait(q.cfg.AckWait),
		nats.MaxDeliver(q.cfg.MaxDeliver),
	)
	if err != nil {
		return err
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if concurrency < 1 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.fetchLoop(ctx, sub, h)
		}()
	}
	wg.Wait()
	return nil
}

func (q *NatsQueue) fetchLoop(ctx context.Context, sub *nats.Subscription, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := sub.Fetch(q.cfg.Batch, nats.MaxWait(time.Second))
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		if err != nil {
			q.logger.Warnf("Failed to fetch delivery items: %v", err)
			time.Sleep(time.Second)
			continue
		}

		for _, m := range msgs {
			q.handle(ctx, m, h)
		}
	}
}

func (q *NatsQueue) handle(ctx context.Context, m *nats.Msg, h Handler) {
	var item Item
	if err := json.Unmarshal(m.Data, &item); err != nil {
		q.logger.Errorf("Dropping malformed delivery item: %v", err)
		_ = m.Term()
		return
	}
	if meta, err := m.Metadata(); err == nil {
		item.Attempt = int(meta.NumDelivered)
	}

	if err := h(ctx, item); err != nil {
		q.logger.Warnf("Delivery of %s item %s failed on attempt %d: %v", item.Kind, item.ID, item.Attempt, err)
		_ = m.Nak()
		return
	}
	_ = m.Ack()
}

func (q *NatsQueue) Close() error {
	return q.nc.Drain()
}
