package dispatch

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// Pool is a fixed set of worker goroutines executing dispatch tasks. It
// bounds handler concurrency so a flood of events cannot spawn unbounded
// goroutines. Panics inside a task are recovered; the worker keeps running.
type Pool struct {
	workers int
	tasks   chan func()
	ctx     context.Context
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

func NewPool(workers, queueSize int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 8
	}
	if queueSize <= 0 {
		queueSize = workers * 100
	}
	return &Pool{
		workers: workers,
		tasks:   make(chan func(), queueSize),
		logger:  logger.With().Str("component", "dispatch_pool").Logger(),
	}
}

// Start launches the workers. Must be called before Submit.
func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			if task == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						p.logger.Error().
							Interface("panic_value", r).
							Str("stack_trace", string(debug.Stack())).
							Msg("dispatch task panic recovered")
					}
				}()
				task()
			}()
		case <-p.ctx.Done():
			return
		}
	}
}

// Submit enqueues a task without blocking. Returns false when the queue is
// full; the caller decides the fallback.
func (p *Pool) Submit(task func()) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Stop waits for the workers to exit. The pool context must be cancelled
// first.
func (p *Pool) Stop() {
	p.wg.Wait()
}
