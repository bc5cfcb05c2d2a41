package push

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256

	dispatchTimeout = 30 * time.Second
)

var ErrQueueFull = errors.New("push queue full")

type Job struct {
	User         string
	Notification Notification
}

type dispatcher interface {
	Dispatch(ctx context.Context, user string, n Notification) Result
}

// Pool runs dispatches on a fixed set of workers fed by a bounded queue.
type Pool struct {
	log        *zap.Logger
	dispatcher dispatcher
	jobs       chan Job
	workers    int
}

func NewPool(logger *zap.Logger, d dispatcher, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &Pool{
		log:        logger,
		dispatcher: d,
		jobs:       make(chan Job, queueSize),
		workers:    workers,
	}
}

// Enqueue hands job to the workers without blocking. When the queue is
// full the job is rejected with ErrQueueFull.
func (p *Pool) Enqueue(job Job) error {
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled. Jobs still
// queued at that point are dropped.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.work(ctx)
			return nil
		})
	}

	return g.Wait()
}

func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.dispatch(ctx, job)
		}
	}
}

func (p *Pool) dispatch(ctx context.Context, job Job) {
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	res := p.dispatcher.Dispatch(ctx, job.User, job.Notification)
	if res.Failed > 0 {
		p.log.Warn("push delivery failures",
			zap.String("user", job.User),
			zap.Int("success", res.Success),
			zap.Int("failed", res.Failed),
			zap.Strings("errors", res.Errors),
		)
		return
	}

	p.log.Debug("push dispatched",
		zap.String("user", job.User),
		zap.Int("success", res.Success),
		zap.Strings("errors", res.Errors),
	)
}
