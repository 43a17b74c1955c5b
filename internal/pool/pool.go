// Package pool runs request handlers on a bounded set of reusable
// goroutines. A fixed number of core workers stay forever; additional
// workers are spawned on demand and retire after sitting idle.
package pool

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("pool: closed")

// Options sizes the pool.
type Options struct {
	// CoreSize workers never retire.
	CoreSize int
	// IdleTimeout is how long an overflow worker waits for work.
	IdleTimeout time.Duration
}

// DefaultOptions returns three core workers and a 60 second idle timeout.
func DefaultOptions() Options {
	return Options{CoreSize: 3, IdleTimeout: 60 * time.Second}
}

// Stats is a snapshot of the worker counts.
type Stats struct {
	Idle  int
	Total int
}

// Pool hands tasks to workers through an unbuffered channel: a send only
// completes once a worker has taken the task, so there is never more than
// one task in flight between a submitter and a worker.
type Pool struct {
	opts   Options
	logger *zap.Logger

	// submitMu serializes Submit and Close.
	submitMu sync.Mutex
	closed   bool

	// mu guards idle and total. idle counts workers waiting for work that
	// no submitter has claimed yet.
	mu    sync.Mutex
	idle  int
	total int

	work chan func()
}

// New creates an empty pool. Workers are spawned lazily.
func New(opts Options, logger *zap.Logger) *Pool {
	if opts.CoreSize < 1 {
		opts.CoreSize = 1
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultOptions().IdleTimeout
	}
	return &Pool{
		opts:   opts,
		logger: logger,
		work:   make(chan func()),
	}
}

// Submit blocks until a worker has taken task.
func (p *Pool) Submit(task func()) error {
	p.submitMu.Lock()
	defer p.submitMu.Unlock()
	if p.closed {
		return ErrClosed
	}

	p.mu.Lock()
	if p.idle > 0 {
		// Claim a waiting worker so it cannot retire before the send.
		p.idle--
	} else {
		p.total++
		core := p.total <= p.opts.CoreSize
		go p.worker(core)
	}
	p.mu.Unlock()

	p.work <- task
	return nil
}

// Close stops accepting tasks. Idle workers exit; busy workers exit after
// finishing their current task.
func (p *Pool) Close() {
	p.submitMu.Lock()
	defer p.submitMu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.work)
}

// Stats returns the current worker counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Idle: p.idle, Total: p.total}
}

func (p *Pool) worker(core bool) {
	// A fresh worker was claimed by the submitter that spawned it.
	task := <-p.work
	for {
		p.run(task)

		p.mu.Lock()
		p.idle++
		p.mu.Unlock()

		var ok bool
		if core {
			task, ok = p.wait()
		} else {
			task, ok = p.waitOverflow()
		}
		if !ok {
			return
		}
	}
}

// wait blocks for the next task. On Close the worker's slot is released.
func (p *Pool) wait() (func(), bool) {
	task, ok := <-p.work
	if !ok {
		p.retire()
	}
	return task, ok
}

// waitOverflow is wait with retirement after IdleTimeout.
func (p *Pool) waitOverflow() (func(), bool) {
	timer := time.NewTimer(p.opts.IdleTimeout)
	defer timer.Stop()

	select {
	case task, ok := <-p.work:
		if !ok {
			p.retire()
		}
		return task, ok
	case <-timer.C:
	}

	p.mu.Lock()
	if p.idle > 0 {
		// Nobody claimed a waiting worker; this one can go.
		p.idle--
		p.total--
		p.mu.Unlock()
		p.logger.Debug("idle worker retired")
		return nil, false
	}
	p.mu.Unlock()

	// Every waiting worker is claimed, so a send is imminent.
	return p.wait()
}

func (p *Pool) retire() {
	p.mu.Lock()
	p.idle--
	p.total--
	p.mu.Unlock()
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}
