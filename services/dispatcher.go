package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	aws_pkg "fulfillment-service/pkg/aws"

	"go.uber.org/zap"
)

// BackgroundRunner runs best-effort work off the request path. Task errors
// are only observable through logs and metrics.
type BackgroundRunner interface {
	Go(name string, task func(ctx context.Context) error)
}

// Metrics is the subset of the CloudWatch client the services use.
type Metrics interface {
	RecordCount(ctx context.Context, metricName string, dimensions map[string]string) error
}

type backgroundTask struct {
	name string
	fn   func(ctx context.Context) error
}

// Dispatcher is a fixed pool of workers reading from a bounded queue.
type Dispatcher struct {
	tasks   chan backgroundTask
	timeout time.Duration
	metrics Metrics
	logger  *zap.Logger

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(workers, queueSize int, timeout time.Duration, metrics Metrics, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	d := &Dispatcher{
		tasks:   make(chan backgroundTask, queueSize),
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Go enqueues task. When the queue is full or the dispatcher is closed the
// task is dropped.
func (d *Dispatcher) Go(name string, task func(ctx context.Context) error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		d.logger.Warn("Dispatcher closed, dropping task", zap.String("task", name))
		return
	}
	var queued bool
	select {
	case d.tasks <- backgroundTask{name: name, fn: task}:
		queued = true
	default:
	}
	d.mu.RUnlock()

	if !queued {
		d.logger.Warn("Background queue full, dropping task", zap.String("task", name))
		go d.count(aws_pkg.MetricSideEffectDropped, name)
	}
}

// Close stops accepting work and waits for queued tasks to finish or for ctx
// to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.tasks)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for t := range d.tasks {
		d.run(t)
	}
}

func (d *Dispatcher) run(t backgroundTask) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Background task panicked", zap.String("task", t.name), zap.Any("panic", r))
			d.count(aws_pkg.MetricSideEffectFailures, t.name)
		}
	}()

	if err := t.fn(ctx); err != nil {
		d.logger.Warn("Background task failed", zap.String("task", t.name), zap.Error(err))
		d.count(aws_pkg.MetricSideEffectFailures, t.name)
	}
}

func (d *Dispatcher) count(metric, task string) {
	if d.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = d.metrics.RecordCount(ctx, metric, map[string]string{"Task": task})
}
