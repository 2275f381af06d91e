package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
)

// Handler runs one dispatch attempt. Handle returns the terminal status the
// job should take (matched or unmatched) or an error to retry. Exhausted runs
// once when the attempt ceiling is reached, before the job is marked failed.
type Handler interface {
	Handle(ctx context.Context, j *models.DispatchJob) (models.JobStatus, error)
	Exhausted(ctx context.Context, j *models.DispatchJob)
}

// Pool runs a fixed number of worker goroutines that claim due jobs from the
// store. Jobs for different orders run concurrently; each job's steps run on
// a single goroutine.
type Pool struct {
	store        JobStore
	handler      Handler
	logger       *slog.Logger
	backoff      Backoff
	concurrency  int
	pollInterval time.Duration
	jobTimeout   time.Duration
	maxAttempts  int
	staleAfter   time.Duration

	wake     chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

type PoolOption func(*Pool)

func WithConcurrency(n int) PoolOption            { return func(p *Pool) { p.concurrency = n } }
func WithPollInterval(d time.Duration) PoolOption { return func(p *Pool) { p.pollInterval = d } }
func WithJobTimeout(d time.Duration) PoolOption   { return func(p *Pool) { p.jobTimeout = d } }
func WithMaxAttempts(n int) PoolOption            { return func(p *Pool) { p.maxAttempts = n } }
func WithBackoff(b Backoff) PoolOption            { return func(p *Pool) { p.backoff = b } }

// WithStaleAfter enables the reaper: processing jobs claimed longer ago than
// d go back to the queue. Zero disables it.
func WithStaleAfter(d time.Duration) PoolOption { return func(p *Pool) { p.staleAfter = d } }

func NewPool(store JobStore, handler Handler, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		store:        store,
		handler:      handler,
		logger:       logger,
		backoff:      Exponential{Initial: time.Second, Max: 30 * time.Second, Jitter: true},
		concurrency:  8,
		pollInterval: 250 * time.Millisecond,
		jobTimeout:   10 * time.Second,
		maxAttempts:  5,
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		active:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wake nudges an idle worker to poll immediately.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start launches the workers and returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("dispatch pool starting", "concurrency", p.concurrency, "max_attempts", p.maxAttempts)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	if p.staleAfter > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}
	return nil
}

// Stop signals the workers and waits for in-flight jobs. When ctx expires
// first, in-flight jobs are cancelled and count as failed attempts.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("dispatch pool stopped")
	case <-ctx.Done():
		p.logger.Warn("dispatch pool shutdown timed out, cancelling active jobs")
		p.cancelActive()
		<-done
	}
	return nil
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		j, err := p.store.Claim(context.Background(), time.Now().UTC())
		if err != nil {
			p.logger.Error("claim error", "error", err)
			p.sleep()
			continue
		}
		if j == nil {
			p.sleep()
			continue
		}
		p.execute(j)
	}
}

func (p *Pool) execute(j *models.DispatchJob) {
	ctx, cancel := context.WithTimeout(context.Background(), p.jobTimeout)
	p.track(j.ID, cancel)
	start := time.Now()
	status, err := p.safeHandle(ctx, j)
	observability.JobDuration.Observe(time.Since(start).Seconds())
	p.untrack(j.ID)
	cancel()

	if err == nil && !status.Terminal() {
		err = fmt.Errorf("handler returned non-terminal status %q", status)
	}

	now := time.Now().UTC()
	j.UpdatedAt = now
	if err != nil {
		p.handleFailure(j, err, now)
		return
	}
	j.Status = status
	j.FinishedAt = &now
	j.LastError = ""
	p.persist(j)
	observability.JobsFinished.WithLabelValues(string(status)).Inc()
	p.logger.Info("dispatch job finished", "job_id", j.ID, "order_id", j.OrderID, "status", status, "attempt", j.Attempts+1)
}

func (p *Pool) handleFailure(j *models.DispatchJob, cause error, now time.Time) {
	j.Attempts++
	j.LastError = cause.Error()

	if j.Attempts < p.maxAttempts {
		delay := p.backoff.Delay(j.Attempts)
		j.Status = models.JobQueued
		j.RunAt = now.Add(delay)
		j.ClaimedAt = nil
		p.persist(j)
		observability.JobRetries.Inc()
		p.logger.Warn("dispatch attempt failed, retrying",
			"job_id", j.ID, "order_id", j.OrderID, "attempt", j.Attempts,
			"max_attempts", p.maxAttempts, "delay", delay, "error", cause)
		return
	}

	p.logger.Error("dispatch attempts exhausted", "job_id", j.ID, "order_id", j.OrderID, "attempts", j.Attempts, "error", cause)
	fctx, cancel := context.WithTimeout(context.Background(), p.jobTimeout)
	p.handler.Exhausted(fctx, j)
	cancel()

	j.Status = models.JobFailed
	j.FinishedAt = &now
	p.persist(j)
	observability.JobsFinished.WithLabelValues(string(models.JobFailed)).Inc()
}

func (p *Pool) safeHandle(ctx context.Context, j *models.DispatchJob) (status models.JobStatus, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("dispatch handler panic: %v", rec)
		}
	}()
	return p.handler.Handle(ctx, j)
}

func (p *Pool) persist(j *models.DispatchJob) {
	if err := p.store.Update(context.Background(), j); err != nil {
		p.logger.Error("failed to update dispatch job", "job_id", j.ID, "status", j.Status, "error", err)
	}
}

func (p *Pool) reaperLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.staleAfter)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			n, err := p.store.ReapStale(context.Background(), time.Now().UTC().Add(-p.staleAfter))
			if err != nil {
				p.logger.Error("reap stale jobs error", "error", err)
				continue
			}
			if n > 0 {
				observability.JobsReaped.Add(float64(n))
				p.logger.Warn("requeued stale dispatch jobs", "count", n)
				p.Wake()
			}
		}
	}
}

func (p *Pool) sleep() {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.wake:
	case <-p.stopCh:
	}
}

func (p *Pool) track(id string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[id] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(id string) {
	p.activeMu.Lock()
	delete(p.active, id)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for id, cancel := range p.active {
		p.logger.Warn("cancelling active dispatch job", "job_id", id)
		cancel()
	}
}
