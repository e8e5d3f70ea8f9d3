// Package worker implements the bounded-concurrency task dispatcher. A fixed
// set of workers pulls from a FIFO queue; each worker owns its own plugin VM
// instance, so tasks never migrate mid-execution. A crashed VM fails the
// in-flight task and the worker restarts with a fresh instance.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trackforge/ingest/internal/metrics"
	"github.com/trackforge/ingest/internal/plugin"
	"github.com/trackforge/ingest/internal/processor"
)

// Recognized task names.
const (
	TaskProcessEvent  = "processEvent"
	TaskProcessEvents = "processEvents"
	TaskIngestEvent   = "ingestEvent"
)

// ErrWorkerCrashed fails tasks whose worker's VM panicked mid-execution.
var ErrWorkerCrashed = errors.New("worker crashed")

// ErrPoolStopped rejects tasks submitted after Destroy began.
var ErrPoolStopped = errors.New("worker pool stopped")

// Task is one unit of work: a plugin transform (processEvent/processEvents)
// or a full ingestion run (ingestEvent).
type Task struct {
	Name   string
	Event  *plugin.PluginEvent
	Events []*plugin.PluginEvent
}

// Result carries the task output. For processEvent, Event is nil when the
// plugin dropped it; for processEvents, Events keeps input order with nils
// for drops.
type Result struct {
	Event     *plugin.PluginEvent
	Events    []*plugin.PluginEvent
	Processed *processor.Result
}

type job struct {
	task Task
	ctx  context.Context
	done chan outcome
}

type outcome struct {
	result *Result
	err    error
}

// Config sizes the pool. TasksPerWorker bounds the queue: above
// Concurrency*TasksPerWorker in-flight-or-queued tasks, RunTask blocks FIFO.
type Config struct {
	Concurrency    int
	TasksPerWorker int
	TaskTimeout    time.Duration
}

// Pool dispatches tasks across workers.
type Pool struct {
	cfg       Config
	factory   plugin.Factory
	processor *processor.Processor
	log       *zap.SugaredLogger

	queue chan job
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func NewPool(cfg Config, factory plugin.Factory, proc *processor.Processor, log *zap.SugaredLogger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.TasksPerWorker <= 0 {
		cfg.TasksPerWorker = 10
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if factory == nil {
		factory = func() (plugin.VM, error) { return plugin.NoopVM{}, nil }
	}
	return &Pool{
		cfg:       cfg,
		factory:   factory,
		processor: proc,
		log:       log,
		queue:     make(chan job, cfg.Concurrency*cfg.TasksPerWorker),
	}
}

// Start launches the workers.
func (p *Pool) Start() error {
	for i := 0; i < p.cfg.Concurrency; i++ {
		vm, err := p.newVM()
		if err != nil {
			return fmt.Errorf("worker %d: create plugin vm: %w", i, err)
		}
		p.wg.Add(1)
		go p.worker(i, vm)
	}
	p.log.Infow("worker pool started",
		"workers", p.cfg.Concurrency,
		"queue_capacity", cap(p.queue))
	return nil
}

// RunTask submits a task and waits for its result. Submission blocks FIFO
// once the queue budget is exhausted; ctx cancels the wait, not the task.
func (p *Pool) RunTask(ctx context.Context, task Task) (*Result, error) {
	j := job{task: task, ctx: ctx, done: make(chan outcome, 1)}

	// Enqueue under the lock so Destroy cannot close the queue between the
	// stopped check and the send.
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrPoolStopped
	}
	select {
	case p.queue <- j:
		metrics.WorkerQueueDepth.Set(float64(len(p.queue)))
	case <-ctx.Done():
		p.mu.Unlock()
		return nil, ctx.Err()
	}
	p.mu.Unlock()

	select {
	case out := <-j.done:
		if out.err != nil {
			metrics.WorkerTasks.WithLabelValues(task.Name, "error").Inc()
			return nil, out.err
		}
		metrics.WorkerTasks.WithLabelValues(task.Name, "ok").Inc()
		return out.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Destroy stops accepting tasks, drains the queue, waits for in-flight work,
// and shuts the workers down. In-flight tasks run to completion.
func (p *Pool) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Infow("worker pool drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool drain: %w", ctx.Err())
	}
}

func (p *Pool) worker(id int, vm plugin.VM) {
	defer p.wg.Done()
	defer func() {
		if vm != nil {
			_ = vm.Close()
		}
	}()

	for j := range p.queue {
		metrics.WorkerQueueDepth.Set(float64(len(p.queue)))
		result, err := p.runOne(id, vm, j)
		if errors.Is(err, ErrWorkerCrashed) {
			metrics.WorkerCrashes.Inc()
			p.log.Errorw("worker crashed, restarting VM", "worker", id)
			_ = vm.Close()
			fresh, vmErr := p.newVM()
			if vmErr != nil {
				p.log.Errorw("worker VM restart failed", "worker", id, "error", vmErr)
				fresh = plugin.WithTimeout(plugin.NoopVM{}, p.cfg.TaskTimeout)
			}
			vm = fresh
		}
		j.done <- outcome{result: result, err: err}
	}
}

// runOne executes a single task, converting a VM panic into ErrWorkerCrashed.
func (p *Pool) runOne(id int, vm plugin.VM, j job) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("worker %d panic: %v: %w", id, r, ErrWorkerCrashed)
		}
	}()

	switch j.task.Name {
	case TaskProcessEvent:
		ev, err := vm.ProcessEvent(j.ctx, j.task.Event)
		if err != nil {
			return nil, err
		}
		return &Result{Event: ev}, nil

	case TaskProcessEvents:
		out := make([]*plugin.PluginEvent, len(j.task.Events))
		for i, ev := range j.task.Events {
			transformed, err := vm.ProcessEvent(j.ctx, ev)
			if err != nil {
				return nil, err
			}
			out[i] = transformed
		}
		return &Result{Events: out}, nil

	case TaskIngestEvent:
		ev, err := vm.ProcessEvent(j.ctx, j.task.Event)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			// Plugin dropped the event.
			return &Result{}, nil
		}
		now := time.Now().UTC()
		if ev.Now != "" {
			if parsed, perr := time.Parse(time.RFC3339Nano, ev.Now); perr == nil {
				now = parsed.UTC()
			}
		}
		processed, err := p.processor.ProcessEvent(j.ctx, ev, now)
		if err != nil {
			return nil, err
		}
		return &Result{Event: ev, Processed: processed}, nil

	default:
		return nil, fmt.Errorf("unknown task %q", j.task.Name)
	}
}

func (p *Pool) newVM() (plugin.VM, error) {
	vm, err := p.factory()
	if err != nil {
		return nil, err
	}
	return plugin.WithTimeout(vm, p.cfg.TaskTimeout), nil
}
