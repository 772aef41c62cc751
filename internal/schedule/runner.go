package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBusy is returned by RunNow while a run is in progress.
var ErrBusy = errors.New("schedule: previous run still in progress")

// Job is one run of a periodic task.
type Job func(ctx context.Context) error

// Runner fires a Job on a Schedule. At most one run executes at a time; a
// tick arriving while a run is active is dropped and logged.
type Runner struct {
	name       string
	sched      *Schedule
	job        Job
	retryDelay time.Duration
	logger     *slog.Logger
	now        func() time.Time

	running    atomic.Bool
	rerun      atomic.Bool
	lastFailed atomic.Bool
	skipped    atomic.Int64
	runs       atomic.Int64

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	finished chan time.Time
	kick     chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithRetryDelay shortens the wait after a failed run: the next run happens
// at most d after the failure, even if the schedule says later.
func WithRetryDelay(d time.Duration) Option {
	return func(r *Runner) { r.retryDelay = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner. It does nothing until Start.
func NewRunner(name string, sched *Schedule, job Job, opts ...Option) *Runner {
	r := &Runner{
		name:     name,
		sched:    sched,
		job:      job,
		logger:   slog.Default(),
		now:      time.Now,
		finished: make(chan time.Time, 1),
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("job", name))
	return r
}

// Start launches the scheduling loop. ctx cancellation stops it.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop()

	r.logger.Info("scheduled job started", slog.String("schedule", r.sched.String()))
}

// Stop ends the loop and waits for an in-flight run to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.wg.Wait()
}

// RunNow executes the job synchronously unless a run is already active.
func (r *Runner) RunNow(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		r.skip("manual trigger")
		return ErrBusy
	}
	r.wg.Add(1)
	defer r.wg.Done()
	return r.execute(ctx)
}

// Trigger asks for a run as soon as possible without waiting for it. A
// trigger that arrives during a run starts one more run after it; several
// triggers collapse into one.
func (r *Runner) Trigger() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Skipped returns how many ticks were dropped because a run was active.
func (r *Runner) Skipped() int64 {
	return r.skipped.Load()
}

// Runs returns how many runs have completed.
func (r *Runner) Runs() int64 {
	return r.runs.Load()
}

func (r *Runner) loop() {
	defer close(r.done)

	var lastFinish time.Time
	for {
		now := r.now()

		var fire <-chan time.Time
		var timer *time.Timer
		// A relative schedule counts from the end of the previous run, so
		// there is nothing to wait for while one is active.
		if r.sched.IsAbsolute() || !r.running.Load() {
			next := r.sched.Next(now, lastFinish)
			if r.lastFailed.Load() && r.retryDelay > 0 && !lastFinish.IsZero() {
				if retry := lastFinish.Add(r.retryDelay); retry.Before(next) {
					next = retry
				}
			}
			timer = time.NewTimer(next.Sub(now))
			fire = timer.C
		}

		select {
		case <-r.ctx.Done():
			stopTimer(timer)
			return
		case t := <-r.finished:
			stopTimer(timer)
			lastFinish = t
			if r.rerun.Swap(false) {
				r.fire()
			}
		case <-r.kick:
			stopTimer(timer)
			if r.running.Load() {
				r.rerun.Store(true)
			} else {
				r.fire()
			}
		case <-fire:
			r.fire()
		}
	}
}

func (r *Runner) fire() {
	if !r.running.CompareAndSwap(false, true) {
		r.skip("scheduled tick")
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(r.ctx)
	}()
}

func (r *Runner) execute(ctx context.Context) error {
	start := r.now()
	err := r.job(ctx)
	r.lastFailed.Store(err != nil)
	r.runs.Add(1)
	r.running.Store(false)

	if err != nil {
		r.logger.Warn("scheduled job failed",
			slog.String("error", err.Error()),
			slog.Duration("duration", r.now().Sub(start)))
	}

	select {
	case r.finished <- r.now():
	default:
	}
	return err
}

func (r *Runner) skip(source string) {
	r.skipped.Add(1)
	r.logger.Warn("previous run still active, skipping", slog.String("source", source))
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
