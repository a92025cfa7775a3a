package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ctrliq/keynotify/pkg/database"
	"github.com/sirupsen/logrus"
)

const (
	DefaultWorkers    = 4
	DefaultMaxRetries = 3
	DefaultRetryDelay = 30 * time.Second
)

type Config struct {
	Workers    int           `yaml:"workers"`
	MaxRetries int           `yaml:"max-retries"`
	RetryDelay time.Duration `yaml:"retry-delay"`
}

var DefaultConfig = Config{
	Workers:    DefaultWorkers,
	MaxRetries: DefaultMaxRetries,
	RetryDelay: DefaultRetryDelay,
}

// Pool executes tasks on a fixed number of workers. Tasks are
// persisted through the database engine when one is set so that
// tasks left over by a previous run are executed again on Start.
type Pool struct {
	registry *Registry
	db       database.Engine
	cfg      Config

	mu      sync.Mutex
	cond    *sync.Cond
	ready   []*database.Task
	pending int
	started bool
	stopped bool
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

func NewPool(registry *Registry, db database.Engine, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	p := &Pool{
		registry: registry,
		db:       db,
		cfg:      cfg,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start reloads persisted tasks and starts the workers.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("task pool already started")
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	if p.db != nil {
		tasks, err := p.db.Tasks()
		if err != nil {
			return fmt.Errorf("while loading persisted tasks: %w", err)
		}
		for _, t := range tasks {
			logrus.WithField("task", t.Name).Debug("Resuming persisted task")
			p.push(t, true)
		}
		if len(tasks) > 0 {
			logrus.Infof("Resumed %d persisted task(s)", len(tasks))
		}
	}

	for i := 0; i < p.cfg.Workers; i++ {
		p.workers.Add(1)
		go p.work(ctx)
	}

	return nil
}

// Enqueue persists and schedules a task.
func (p *Pool) Enqueue(ctx context.Context, name string, args interface{}) error {
	if _, err := p.registry.handler(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrClosed
	}

	b, err := encode(args)
	if err != nil {
		return err
	}
	t := &database.Task{Name: name, Args: b, CreatedAt: time.Now().UTC()}
	if p.db != nil {
		if err := p.db.PutTask(t); err != nil {
			return fmt.Errorf("while persisting task %s: %w", name, err)
		}
	}
	if !p.push(t, true) {
		p.forget(t)
		return ErrClosed
	}
	return nil
}

// push appends a task to the ready list, new tasks are accounted
// as pending until they complete or exhaust their retries.
func (p *Pool) push(t *database.Task, fresh bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return false
	}
	if fresh {
		p.pending++
	}
	p.ready = append(p.ready, t)
	p.cond.Broadcast()
	return true
}

func (p *Pool) done() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending--
	p.cond.Broadcast()
}

func (p *Pool) next() (*database.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.ready) == 0 && !p.stopped {
		p.cond.Wait()
	}
	if p.stopped {
		return nil, false
	}
	t := p.ready[0]
	p.ready[0] = nil
	p.ready = p.ready[1:]
	return t, true
}

func (p *Pool) forget(t *database.Task) {
	if p.db == nil {
		return
	}
	if err := p.db.DeleteTask(t.ID); err != nil && !errors.Is(err, database.ErrNotFound) {
		logrus.WithField("task", t.Name).Errorf("While deleting task: %s", err)
	}
}

func (p *Pool) work(ctx context.Context) {
	defer p.workers.Done()

	for {
		t, ok := p.next()
		if !ok {
			return
		}
		p.run(ctx, t)
	}
}

func (p *Pool) run(ctx context.Context, t *database.Task) {
	entry := logrus.WithFields(logrus.Fields{
		"task":    t.Name,
		"id":      t.ID,
		"attempt": t.Attempts + 1,
	})

	err := p.registry.Run(ctx, t.Name, t.Args)
	if err == nil {
		entry.Debug("Task completed")
		p.forget(t)
		p.done()
		return
	}

	if ctx.Err() != nil {
		entry.Warnf("Task interrupted: %s", err)
		p.done()
		return
	}

	t.Attempts++
	if errors.Is(err, ErrUnknownTask) || t.Attempts > p.cfg.MaxRetries {
		entry.Errorf("Task failed, giving up: %s", err)
		p.forget(t)
		p.done()
		return
	}

	delay := p.cfg.RetryDelay * time.Duration(t.Attempts)
	entry.Warnf("Task failed, retrying in %s: %s", delay, err)

	if p.db != nil {
		if err := p.db.PutTask(t); err != nil {
			entry.Errorf("While updating task: %s", err)
		}
	}

	time.AfterFunc(delay, func() {
		if !p.push(t, false) {
			p.done()
		}
	})
}

// Drain waits until every scheduled task, including tasks scheduled
// while draining, has completed or exhausted its retries.
func (p *Pool) Drain(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		p.mu.Lock()
		for p.pending > 0 && !p.stopped {
			p.cond.Wait()
		}
		p.mu.Unlock()
		close(idle)
	}()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown drains the pool and stops the workers. Tasks still
// pending when ctx is done stay persisted for the next run.
func (p *Pool) Shutdown(ctx context.Context) error {
	err := p.Drain(ctx)

	p.mu.Lock()
	p.stopped = true
	cancel := p.cancel
	p.cond.Broadcast()
	p.mu.Unlock()

	if err != nil && cancel != nil {
		cancel()
	}
	p.workers.Wait()
	if cancel != nil {
		cancel()
	}

	return err
}
