// Package worker runs the polling worker pool and the startup reconciler of
// the Caliper engine. Workers pull tasks from the durable queue, execute the
// registered handler under a per-task timeout and report the outcome back to
// the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caliperml/caliper/common"
	"github.com/caliperml/caliper/domain"
	"github.com/caliperml/caliper/queue"
)

// ErrCancelRequested is returned by handlers that observed a cancel request
// at a cooperative checkpoint and stopped early.
var ErrCancelRequested = errors.New("task cancel requested")

// TaskSource is the part of the queue the pool depends on.
type TaskSource interface {
	PickNext(ctx context.Context) (*queue.Task, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error) (queue.Status, error)
	FailPermanent(ctx context.Context, id string, cause error) error
	MarkCancelled(ctx context.Context, id string) error
	Registry() *queue.Registry
}

// Config configures the worker pool.
type Config struct {
	Workers      int
	PollInterval time.Duration
	TaskTimeout  time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 1 * time.Second,
		TaskTimeout:  10 * time.Minute,
	}
}

// Pool manages a fixed set of workers polling the shared queue.
type Pool struct {
	source TaskSource
	config Config
	logger *logrus.Entry

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a worker pool. It does not start polling until Start.
func NewPool(source TaskSource, config Config, logger *logrus.Entry) *Pool {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = DefaultConfig().TaskTimeout
	}
	if logger == nil {
		logger = logrus.NewEntry(common.Logger)
	}
	return &Pool{
		source:   source,
		config:   config,
		logger:   logger.WithField("component", "worker-pool"),
		stopChan: make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.logger.WithField("workers", p.config.Workers).Info("starting worker pool")
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Stop signals the workers and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	log := p.logger.WithField("worker", id)
	log.Debug("worker started")

	for {
		select {
		case <-p.stopChan:
			log.Debug("worker stopped")
			return
		default:
		}

		busy, err := p.processNext(log)
		if err != nil {
			log.WithError(err).Error("worker iteration failed")
		}
		if !busy {
			select {
			case <-p.stopChan:
				log.Debug("worker stopped")
				return
			case <-time.After(p.config.PollInterval):
			}
		}
	}
}

// processNext claims and runs one task. The bool reports whether a task was
// found, so idle workers can back off to the poll interval.
func (p *Pool) processNext(log *logrus.Entry) (bool, error) {
	pickCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	task, err := p.source.PickNext(pickCtx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("failed to pick task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	log = log.WithFields(logrus.Fields{"task": task.Name, "id": task.ID, "attempt": task.RetryCount})
	log.Info("processing task")

	handler, err := p.source.Registry().Resolve(task.Name)
	if err != nil {
		// A task name with no handler cannot succeed on retry either.
		reportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if failErr := p.source.FailPermanent(reportCtx, task.ID, err); failErr != nil {
			log.WithError(failErr).Error("failed to fail unroutable task")
		}
		return true, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.TaskTimeout)
	ctx = queue.WithTaskID(ctx, task.ID)
	runErr := runHandler(ctx, handler, task.Args)
	cancel()

	reportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.report(reportCtx, log, task, runErr)
	return true, nil
}

// runHandler invokes a handler, converting panics into errors so one bad
// task cannot take the worker down.
func runHandler(ctx context.Context, handler queue.Handler, args map[string]interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return handler(ctx, args)
}

func (p *Pool) report(ctx context.Context, log *logrus.Entry, task *queue.Task, runErr error) {
	switch {
	case runErr == nil:
		if err := p.source.Complete(ctx, task.ID); err != nil {
			log.WithError(err).Error("failed to mark task completed")
			return
		}
		log.Info("task completed")

	case errors.Is(runErr, ErrCancelRequested):
		if err := p.source.MarkCancelled(ctx, task.ID); err != nil {
			log.WithError(err).Error("failed to mark task cancelled")
			return
		}
		log.Info("task cancelled")

	case domain.IsRetryable(runErr):
		status, err := p.source.Fail(ctx, task.ID, runErr)
		if err != nil {
			log.WithError(err).Error("failed to record task failure")
			return
		}
		log.WithError(runErr).WithField("status", status).Warn("task failed")

	default:
		if err := p.source.FailPermanent(ctx, task.ID, runErr); err != nil {
			log.WithError(err).Error("failed to record permanent task failure")
			return
		}
		log.WithError(runErr).Error("task failed permanently")
	}
}
