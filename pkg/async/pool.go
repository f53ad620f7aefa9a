package async

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"
)

// Pool runs submitted tasks on a bounded set of workers. Each task gets
// its own timeout-bound context and panic recovery, so a single bad
// resume cannot take the sweep down with it.
type Pool struct {
	workers  int
	taskName string
	timeout  time.Duration
	workCh   chan func(context.Context) error
	doneCh   chan struct{}
	errCh    chan error
	ctx      context.Context
	cancel   context.CancelFunc
	drainOne sync.Once
}

// NewPool starts workers immediately. taskName labels log lines.
func NewPool(ctx context.Context, workers int, taskName string, timeout time.Duration) *Pool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	p := &Pool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		errCh:    make(chan error, workers*10),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				p.worker(id)
			}(i)
		}
		wg.Wait()
		close(p.doneCh)
	}()

	return p
}

// Submit queues a task. Returns an error once the pool has drained.
func (p *Pool) Submit(fn func(context.Context) error) error {
	select {
	case <-p.doneCh:
		return fmt.Errorf("pool has drained")
	default:
	}

	select {
	case p.workCh <- fn:
		return nil
	case <-p.doneCh:
		return fmt.Errorf("pool has drained")
	}
}

// Drain closes the intake, waits for in-flight tasks, and returns the
// errors the tasks produced.
func (p *Pool) Drain() []error {
	p.drainOne.Do(func() {
		close(p.workCh)
	})
	<-p.doneCh
	p.cancel()

	var errs []error
	for {
		select {
		case err := <-p.errCh:
			errs = append(errs, err)
		default:
			return errs
		}
	}
}

func (p *Pool) worker(id int) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			p.runOne(id, fn)
		}
	}
}

func (p *Pool) runOne(id int, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[async] panic in %s worker %d: %v\n%s",
				p.taskName, id, r, string(debug.Stack()))
			p.report(fmt.Errorf("panic: %v", r))
		}
	}()

	if err := fn(ctx); err != nil {
		p.report(err)
	}
}

func (p *Pool) report(err error) {
	select {
	case p.errCh <- err:
	default:
		log.Printf("[async] %s error channel full, dropping: %v", p.taskName, err)
	}
}

// Batch runs fn over every item on a bounded worker pool and returns
// the collected errors. Item order is not preserved.
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	pool := NewPool(ctx, workers, taskName, timeout)

	for _, item := range items {
		item := item
		if err := pool.Submit(func(ctx context.Context) error {
			return fn(ctx, item)
		}); err != nil {
			break
		}
	}

	return pool.Drain()
}
