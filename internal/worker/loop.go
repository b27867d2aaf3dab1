package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"enforcement-queue/internal/entity"
	"enforcement-queue/internal/logging"
	"enforcement-queue/internal/service"
)

const (
	DefaultPollInterval     = 1 * time.Second
	DefaultTransientBackoff = 5 * time.Second
	DefaultMaxFailures      = 5
	sinkTimeout             = 2 * time.Second
	finalizeTimeout         = 10 * time.Second
)

type LoopConfig struct {
	Kind string
	// PollInterval is the idle sleep and the pause after a failed attempt.
	PollInterval time.Duration
	// TransientBackoff is the pause after a dequeue error.
	TransientBackoff time.Duration
	// MaxFailures is the in-memory failure count at which a message is force-acked.
	MaxFailures int
	WorkerID    string
}

// Loop consumes one kind from a queue. It never exits on handler, ack or
// transient dequeue errors; only a missing queue endpoint or ctx cancellation stops it.
type Loop struct {
	cfg      LoopConfig
	queue    service.Queue
	handler  Handler
	failures *FailureTracker
	cases    CaseStatusUpdater
	sink     StatusSink
	metrics  *Metrics
	logger   *slog.Logger
}

type LoopOption func(*Loop)

func WithCaseStatus(c CaseStatusUpdater) LoopOption {
	return func(l *Loop) { l.cases = c }
}

func WithStatusSink(s StatusSink) LoopOption {
	return func(l *Loop) { l.sink = s }
}

func WithMetrics(m *Metrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

func WithLogger(lg *slog.Logger) LoopOption {
	return func(l *Loop) {
		if lg != nil {
			l.logger = lg
		}
	}
}

func WithFailureTracker(t *FailureTracker) LoopOption {
	return func(l *Loop) {
		if t != nil {
			l.failures = t
		}
	}
}

func NewLoop(q service.Queue, h Handler, cfg LoopConfig, opts ...LoopOption) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.TransientBackoff <= 0 {
		cfg.TransientBackoff = DefaultTransientBackoff
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	l := &Loop{
		cfg:      cfg,
		queue:    q,
		handler:  h,
		failures: NewFailureTracker(0),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.With("kind", cfg.Kind)
	return l
}

// Failures exposes the loop's failure counters.
func (l *Loop) Failures() *FailureTracker { return l.failures }

// Run polls until ctx is cancelled (returns nil) or the queue endpoint is
// missing (closes the queue and returns an error matching service.ErrQueueEndpointMissing).
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("worker loop started",
		"poll_interval", l.cfg.PollInterval, "max_failures", l.cfg.MaxFailures, "worker_id", l.cfg.WorkerID)

	for {
		if ctx.Err() != nil {
			l.logger.Info("worker loop stopped")
			return nil
		}
		wait, err := l.Step(ctx)
		if err != nil {
			return err
		}
		if wait > 0 {
			if sleep(ctx, wait) != nil {
				l.logger.Info("worker loop stopped")
				return nil
			}
		}
	}
}

// Step runs one poll cycle and returns how long to wait before the next.
// The only error it returns is the fatal missing-endpoint condition.
func (l *Loop) Step(ctx context.Context) (time.Duration, error) {
	job, err := l.queue.Next(ctx, l.cfg.Kind)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		if errors.Is(err, service.ErrQueueEndpointMissing) {
			l.metrics.dequeueError(l.cfg.Kind, "endpoint_missing")
			l.logger.Log(ctx, logging.LevelCritical, "queue rpc endpoint missing, stopping worker",
				"error", err)
			if cerr := l.queue.Close(); cerr != nil {
				l.logger.Warn("close queue client", "error", cerr)
			}
			return 0, fmt.Errorf("worker %s: %w", l.cfg.Kind, err)
		}
		l.metrics.dequeueError(l.cfg.Kind, "transient")
		l.logger.Error("dequeue failed", "error", err, "retry_in", l.cfg.TransientBackoff)
		return l.cfg.TransientBackoff, nil
	}
	if job == nil {
		return l.cfg.PollInterval, nil
	}
	if job.Kind == "" {
		job.Kind = l.cfg.Kind
	}

	start := time.Now()
	herr := invoke(context.WithoutCancel(ctx), l.handler, job)
	dur := time.Since(start)

	// the job is already done; shutdown must not lose its ack
	fctx, cancel := detach(ctx)
	defer cancel()
	if herr == nil {
		l.succeed(fctx, job, dur)
		return 0, nil
	}
	return l.fail(fctx, job, herr, dur), nil
}

// detach keeps ctx's values but not its cancellation, bounded by finalizeTimeout.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

func (l *Loop) succeed(ctx context.Context, job *entity.Job, dur time.Duration) {
	if !job.HasID() {
		l.logger.Warn("processed job has no message id, skipping ack")
		l.record(ctx, job, OutcomeCompleted, dur, nil)
		return
	}
	l.failures.Clear(job.ID)

	ok, err := l.queue.Ack(ctx, l.cfg.Kind, job.ID)
	switch {
	case err != nil:
		l.logger.Error("ack failed", "job_id", job.ID, "error", err)
	case !ok:
		l.logger.Warn("ack not confirmed by queue", "job_id", job.ID)
	default:
		l.logger.Info("job completed", "job_id", job.ID, "duration_ms", dur.Milliseconds())
	}
	l.record(ctx, job, OutcomeCompleted, dur, nil)
}

func (l *Loop) fail(ctx context.Context, job *entity.Job, herr error, dur time.Duration) time.Duration {
	fk := entity.KindOf(herr)
	if !job.HasID() {
		l.logger.Error("job handler failed, message has no id to track",
			"failure", fk.String(), "error", herr)
		l.record(ctx, job, OutcomeRetry, dur, herr)
		return l.cfg.PollInterval
	}

	n := l.failures.Inc(job.ID)
	l.logger.Error("job handler failed",
		"job_id", job.ID, "failures", n, "failure", fk.String(), "error", herr)

	if rel, ok := l.queue.(service.Releaser); ok {
		status, err := rel.Release(ctx, job, herr)
		if err != nil {
			l.logger.Error("release job", "job_id", job.ID, "error", err)
		} else if status == entity.StatusFailed {
			// the queue's own attempt ceiling made the job terminal
			l.logger.Warn("job failed permanently", "job_id", job.ID, "attempts", job.Attempts)
			l.record(ctx, job, OutcomeFailed, dur, herr)
			l.failures.Clear(job.ID)
			return l.cfg.PollInterval
		}
	}

	if n < l.cfg.MaxFailures && fk.Retryable() {
		l.record(ctx, job, OutcomeRetry, dur, herr)
		return l.cfg.PollInterval
	}

	l.drop(ctx, job, n, herr)
	l.record(ctx, job, OutcomeDropped, dur, herr)
	l.failures.Clear(job.ID)
	return 0
}

// drop force-acks a poison message so it cannot block the queue.
func (l *Loop) drop(ctx context.Context, job *entity.Job, failures int, cause error) {
	l.logger.Warn("dropping poison message",
		"job_id", job.ID, "failures", failures, "max_failures", l.cfg.MaxFailures, "error", cause)

	if job.Kind == entity.KindEnrich {
		l.markEnrichFailed(ctx, job)
	}

	if ok, err := l.queue.Ack(ctx, l.cfg.Kind, job.ID); err != nil {
		l.logger.Error("force ack failed", "job_id", job.ID, "error", err)
	} else if !ok {
		l.logger.Warn("force ack not confirmed by queue", "job_id", job.ID)
	}
	l.metrics.poison(l.cfg.Kind)
}

func (l *Loop) markEnrichFailed(ctx context.Context, job *entity.Job) {
	if l.cases == nil {
		return
	}
	caseNumber, ok := job.Payload.CaseNumber()
	if !ok {
		l.logger.Warn("poisoned enrich job has no case identifier", "job_id", job.ID)
		return
	}
	if err := l.cases.SetEnrichmentStatus(ctx, caseNumber, entity.EnrichFailedStatus); err != nil {
		l.logger.Error("mark case enrich_failed", "job_id", job.ID, "case_number", caseNumber, "error", err)
		return
	}
	l.logger.Info("case marked enrich_failed", "job_id", job.ID, "case_number", caseNumber)
}

func (l *Loop) record(ctx context.Context, job *entity.Job, o Outcome, dur time.Duration, cause error) {
	l.metrics.observe(l.cfg.Kind, o, dur)
	attempt := max(l.failures.Count(job.ID), job.Attempts)
	recordRun(ctx, l.sink, l.logger, Run{
		WorkerID: l.cfg.WorkerID,
		Kind:     l.cfg.Kind,
		JobID:    job.ID,
		Attempt:  attempt,
		Outcome:  o,
		Duration: dur,
		Error:    errText(cause),
		At:       time.Now().UTC(),
	})
}

func recordRun(ctx context.Context, sink StatusSink, logger *slog.Logger, run Run) {
	if sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	if err := sink.Record(ctx, run); err != nil {
		logger.Warn("status sink record failed", "job_id", run.JobID, "error", err)
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
