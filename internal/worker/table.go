package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"enforcement-queue/internal/entity"
	"enforcement-queue/internal/service"
)

const (
	defaultReapInterval = 1 * time.Minute
)

// TableQueue is the claim/finalize surface of the table-backed queue.
type TableQueue interface {
	Claim(ctx context.Context, kind string) (*entity.Job, error)
	Complete(ctx context.Context, job *entity.Job) error
	Fail(ctx context.Context, job *entity.Job, errText string, terminal bool) (entity.JobStatus, error)
	ReapExpired(ctx context.Context) (int64, error)
}

type TableConfig struct {
	PollInterval time.Duration
	ReapInterval time.Duration
	WorkerID     string
}

// TableRunner claims jobs in one short transaction, runs the handler outside
// it, then finalizes with a separate write. One polling goroutine runs per
// registered kind; a shared reaper fails abandoned claims that hit the ceiling.
type TableRunner struct {
	queue    TableQueue
	registry *Registry
	cfg      TableConfig
	sink     StatusSink
	metrics  *Metrics
	logger   *slog.Logger
}

type TableOption func(*TableRunner)

func WithTableSink(s StatusSink) TableOption {
	return func(r *TableRunner) { r.sink = s }
}

func WithTableMetrics(m *Metrics) TableOption {
	return func(r *TableRunner) { r.metrics = m }
}

func WithTableLogger(l *slog.Logger) TableOption {
	return func(r *TableRunner) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewTableRunner(q TableQueue, registry *Registry, cfg TableConfig, opts ...TableOption) *TableRunner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	r := &TableRunner{
		queue:    q,
		registry: registry,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ProcessOne claims and processes at most one job of kind. Every error is
// logged and reported as an unprocessed cycle; it never panics or returns an error.
func (r *TableRunner) ProcessOne(ctx context.Context, kind string) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("process cycle panicked", "kind", kind, "panic", p)
			out = OutcomeError
		}
	}()

	job, err := r.queue.Claim(ctx, kind)
	if err != nil {
		r.metrics.dequeueError(kind, "claim")
		r.logger.Error("claim job", "kind", kind, "error", err)
		return OutcomeError
	}
	if job == nil {
		return OutcomeNoJob
	}

	r.logger.Info("executing job", "kind", kind, "job_id", job.ID, "attempts", job.Attempts)

	start := time.Now()
	herr := r.dispatch(context.WithoutCancel(ctx), kind, job)
	dur := time.Since(start)

	fctx, cancel := detach(ctx)
	defer cancel()

	if herr == nil {
		if err := r.queue.Complete(fctx, job); err != nil {
			r.finalizeError("complete job", job, err)
			return OutcomeError
		}
		r.logger.Info("job completed", "kind", kind, "job_id", job.ID, "duration_ms", dur.Milliseconds())
		r.record(ctx, job, OutcomeCompleted, dur, nil)
		return OutcomeCompleted
	}

	fk := entity.KindOf(herr)
	status, err := r.queue.Fail(fctx, job, herr.Error(), !fk.Retryable())
	if err != nil {
		r.finalizeError("fail job", job, err)
		return OutcomeError
	}

	out = OutcomeRetry
	if status == entity.StatusFailed {
		out = OutcomeFailed
	}
	r.logger.Error("job handler failed",
		"kind", kind, "job_id", job.ID, "attempts", job.Attempts,
		"failure", fk.String(), "status", status, "error", herr)
	r.record(ctx, job, out, dur, herr)
	return out
}

func (r *TableRunner) finalizeError(msg string, job *entity.Job, err error) {
	if errors.Is(err, service.ErrClaimLost) {
		r.logger.Warn(msg+": claim lost to another worker",
			"kind", job.Kind, "job_id", job.ID, "attempts", job.Attempts)
		return
	}
	r.logger.Error(msg, "kind", job.Kind, "job_id", job.ID, "error", err)
}

func (r *TableRunner) dispatch(ctx context.Context, kind string, job *entity.Job) error {
	if job.Kind == "" {
		job.Kind = kind
	}
	return invoke(ctx, r.registry.Dispatch, job)
}

// Run starts one poller per registered kind and the reaper, and blocks until
// ctx is cancelled and every goroutine has returned.
func (r *TableRunner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, kind := range r.registry.Kinds() {
		wg.Add(1)
		go func(kind string) {
			defer wg.Done()
			r.runKind(ctx, kind)
		}(kind)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.runReaper(ctx)
	}()

	wg.Wait()
	r.logger.Info("table runner stopped", "worker_id", r.cfg.WorkerID)
}

func (r *TableRunner) runKind(ctx context.Context, kind string) {
	r.logger.Info("table poller started", "kind", kind, "worker_id", r.cfg.WorkerID,
		"poll_interval", r.cfg.PollInterval)

	for {
		if ctx.Err() != nil {
			r.logger.Info("table poller stopping", "kind", kind)
			return
		}
		// poll again right away while there is work
		if r.ProcessOne(ctx, kind).Processed() {
			continue
		}
		if sleep(ctx, r.cfg.PollInterval) != nil {
			r.logger.Info("table poller stopping", "kind", kind)
			return
		}
	}
}

func (r *TableRunner) runReaper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.queue.ReapExpired(ctx)
			if err != nil {
				r.logger.Error("reap expired claims", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Warn("failed expired claims at attempt ceiling", "count", n)
			}
		}
	}
}

func (r *TableRunner) record(ctx context.Context, job *entity.Job, o Outcome, dur time.Duration, cause error) {
	r.metrics.observe(job.Kind, o, dur)
	recordRun(ctx, r.sink, r.logger, Run{
		WorkerID: r.cfg.WorkerID,
		Kind:     job.Kind,
		JobID:    job.ID,
		Attempt:  job.Attempts,
		Outcome:  o,
		Duration: dur,
		Error:    errText(cause),
		At:       time.Now().UTC(),
	})
}
