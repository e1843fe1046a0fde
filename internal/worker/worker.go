// Package worker provides the bounded pool that keeps blocking collaborator
// calls off the connection read loops.
//
// Every call with blocking I/O semantics, such as provider round trips,
// database writes and tool-bridge waits, goes through a [Pool] so one slow
// back-end cannot starve other sessions of read-loop time.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is the pool size used when the configuration does not set one.
const DefaultSize = 64

// Pool bounds the number of concurrently running tasks with a weighted
// semaphore. It has no queue of its own: a submit blocks (or fails, for the
// fire-and-forget path) when the pool is saturated, which is the
// backpressure signal.
type Pool struct {
	sem  *semaphore.Weighted
	size int64
	log  *slog.Logger
}

// NewPool creates a Pool running at most size tasks at once. size <= 0 falls
// back to [DefaultSize].
func NewPool(size int, log *slog.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: int64(size),
		log:  log,
	}
}

// Run executes fn on the calling goroutine once a slot is available. It
// returns the context error if ctx is cancelled before a slot frees up,
// otherwise fn's error.
func (p *Pool) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("worker: acquire slot: %w", err)
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// Go runs fn on a new goroutine once a slot is available, blocking the
// caller only for the acquire. fn's error is logged, not returned; use
// [Pool.Run] when the result matters.
func (p *Pool) Go(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("worker: acquire slot: %w", err)
	}
	go func() {
		defer p.sem.Release(1)
		if err := fn(ctx); err != nil {
			p.log.Error("background task failed", "task", name, "error", err)
		}
	}()
	return nil
}

// TryGo is the fire-and-forget submit: if no slot is free right now it
// reports false and drops the task instead of blocking. Used for detached
// work like persistence, whose loss is logged but never stalls the audio
// path.
func (p *Pool) TryGo(ctx context.Context, name string, fn func(ctx context.Context) error) bool {
	if !p.sem.TryAcquire(1) {
		p.log.Warn("worker pool saturated, dropping task", "task", name)
		return false
	}
	go func() {
		defer p.sem.Release(1)
		if err := fn(ctx); err != nil {
			p.log.Error("background task failed", "task", name, "error", err)
		}
	}()
	return true
}

// Wait blocks until every running task has finished. Intended for shutdown
// paths; new submits during Wait may starve it.
func (p *Pool) Wait(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, p.size); err != nil {
		return fmt.Errorf("worker: drain pool: %w", err)
	}
	p.sem.Release(p.size)
	return nil
}
