// Package tasks runs fire-and-forget work off the request path with a bounded
// pool, per-task timeouts and error reporting.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/leaveratings/backend/internal/metrics"
)

// Func is a unit of background work.
type Func func(ctx context.Context) error

// Failure describes a task that returned an error or panicked.
type Failure struct {
	Name string
	Err  error
}

// Config holds runner configuration
type Config struct {
	// Workers is the number of pool goroutines
	Workers int
	// QueueSize bounds pending tasks before Submit spills to a dedicated goroutine
	QueueSize int
	// Timeout bounds each task
	Timeout time.Duration
	// OnError observes every failure after it is logged
	OnError func(Failure)
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Workers:   8,
		QueueSize: 256,
		Timeout:   30 * time.Second,
	}
}

type task struct {
	name string
	fn   Func
}

// Runner executes submitted tasks. Submit never blocks the caller.
type Runner struct {
	config Config
	queue  chan task
	errs   chan Failure
	log    zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	pending  sync.WaitGroup
	workers  sync.WaitGroup
	reporter sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// New creates and starts a Runner.
func New(config Config) *Runner {
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		config:  config,
		queue:   make(chan task, config.QueueSize),
		errs:    make(chan Failure, config.QueueSize),
		log:     log.With().Str("component", "tasks").Logger(),
		baseCtx: ctx,
		cancel:  cancel,
	}

	for i := 0; i < config.Workers; i++ {
		r.workers.Add(1)
		go r.work()
	}
	r.reporter.Add(1)
	go r.report()
	return r
}

// Submit schedules fn and reports whether it was accepted. A full queue runs
// the task on its own goroutine rather than blocking or dropping it.
func (r *Runner) Submit(name string, fn func(ctx context.Context) error) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		r.log.Warn().Str("task", name).Msg("runner stopped; task rejected")
		metrics.TaskResults.WithLabelValues(name, "rejected").Inc()
		return false
	}

	r.pending.Add(1)
	t := task{name: name, fn: fn}
	select {
	case r.queue <- t:
	default:
		r.log.Debug().Str("task", name).Msg("task queue full; running on dedicated goroutine")
		go r.run(t)
	}
	return true
}

// Wait blocks until every accepted task has finished.
func (r *Runner) Wait() {
	r.pending.Wait()
}

// Stop rejects new tasks, waits for accepted ones until ctx is done, then
// cancels whatever is still running.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		r.cancel()
		<-done
		err = fmt.Errorf("tasks: shutdown timeout exceeded: %w", ctx.Err())
	}

	close(r.queue)
	r.workers.Wait()
	close(r.errs)
	r.reporter.Wait()
	r.cancel()
	r.log.Info().Msg("task runner stopped")
	return err
}

func (r *Runner) work() {
	defer r.workers.Done()
	for t := range r.queue {
		r.run(t)
	}
}

func (r *Runner) run(t task) {
	defer r.pending.Done()
	metrics.TasksInFlight.Inc()
	defer metrics.TasksInFlight.Dec()

	ctx, cancel := context.WithTimeout(r.baseCtx, r.config.Timeout)
	defer cancel()

	err := safeCall(ctx, t.fn)
	if err == nil {
		metrics.TaskResults.WithLabelValues(t.name, "ok").Inc()
		return
	}
	metrics.TaskResults.WithLabelValues(t.name, "error").Inc()
	r.errs <- Failure{Name: t.name, Err: err}
}

// report drains failures on a single goroutine so callbacks never race.
func (r *Runner) report() {
	defer r.reporter.Done()
	for f := range r.errs {
		ev := r.log.Error().Err(f.Err).Str("task", f.Name)
		if errors.Is(f.Err, context.DeadlineExceeded) {
			ev = ev.Bool("timeout", true)
		}
		ev.Msg("background task failed")
		if r.config.OnError != nil {
			r.config.OnError(f)
		}
	}
}

func safeCall(ctx context.Context, fn Func) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}
