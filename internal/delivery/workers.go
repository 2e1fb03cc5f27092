package delivery

import (
	"context"

	"teamchat-core/internal/queue"
	"teamchat-core/internal/storage/zapadapter"

	"go.uber.org/zap"
)

// Workers consume the delivery queue. They make up the delivery role of the server.
type Workers struct {
	logger   *zap.SugaredLogger
	queue    queue.Queue
	mediator *Mediator
	count    int
}

func NewWorkers(logger *zap.SugaredLogger, q queue.Queue, mediator *Mediator, count int) *Workers {
	return &Workers{logger: logger, queue: q, mediator: mediator, count: count}
}

// Run blocks until ctx is done
func (w *Workers) Run(ctx context.Context) error {
	w.logger.Infof("Starting %d delivery workers", w.count)
	defer w.logger.Info("Delivery workers stopped")

	return w.queue.Consume(ctx, w.count, func(ctx context.Context, item queue.Item) error {
		ctx = zapadapter.NewContextWithOperation(ctx, "deliver_"+string(item.Kind))
		err := w.mediator.Handle(ctx, item)
		if err != nil {
			w.logger.Warnf("Delivery of %s item %s (attempt %d) failed: %v", item.Kind, item.ID, item.Attempt, err)
		}
		return err
	})
}
