package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"enforcement-queue/internal/entity"
	"enforcement-queue/internal/service"
	"enforcement-queue/internal/transport/rpc"
	"enforcement-queue/internal/worker"
)

// ---- fakes ----

type fakeQueue struct {
	mu        sync.Mutex
	jobs      []*entity.Job
	redeliver *entity.Job
	nextErrs  []error
	acks      []int64
	ackErr    error
	closed    int
}

func (q *fakeQueue) Enqueue(ctx context.Context, kind string, payload entity.Payload, key string) (int64, error) {
	return 0, errors.New("not used")
}

func (q *fakeQueue) Next(ctx context.Context, kind string) (*entity.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.nextErrs) > 0 {
		err := q.nextErrs[0]
		q.nextErrs = q.nextErrs[1:]
		return nil, err
	}
	if q.redeliver != nil {
		cp := *q.redeliver
		return &cp, nil
	}
	if len(q.jobs) == 0 {
		return nil, nil
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, nil
}

func (q *fakeQueue) Ack(ctx context.Context, kind string, id int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acks = append(q.acks, id)
	if q.ackErr != nil {
		return false, q.ackErr
	}
	// acked messages are gone
	if q.redeliver != nil && q.redeliver.ID == id {
		q.redeliver = nil
	}
	return true, nil
}

func (q *fakeQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed++
	return nil
}

func (q *fakeQueue) ackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acks)
}

// ctxQueue refuses acks on a cancelled context, like a real network call.
type ctxQueue struct {
	fakeQueue
}

func (q *ctxQueue) Ack(ctx context.Context, kind string, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return q.fakeQueue.Ack(ctx, kind, id)
}

type releasingQueue struct {
	fakeQueue
	released []int64
	status   entity.JobStatus
}

func (q *releasingQueue) Release(ctx context.Context, job *entity.Job, cause error) (entity.JobStatus, error) {
	q.released = append(q.released, job.ID)
	return q.status, nil
}

type fakeCases struct {
	statuses map[string]string
}

func (c *fakeCases) SetEnrichmentStatus(ctx context.Context, caseNumber, status string) error {
	if c.statuses == nil {
		c.statuses = map[string]string{}
	}
	c.statuses[caseNumber] = status
	return nil
}

type fakeSink struct {
	mu   sync.Mutex
	runs []worker.Run
}

func (s *fakeSink) Record(ctx context.Context, run worker.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

// ---- helpers ----

func newJob(id int64, kind string, payload entity.Payload) *entity.Job {
	j := &entity.Job{ID: id, Kind: kind}
	j.SetPayload(payload)
	return j
}

func alwaysFail(calls *int) worker.Handler {
	return func(ctx context.Context, job *entity.Job) error {
		*calls++
		return fmt.Errorf("handler failed for %d", job.ID)
	}
}

func newLoop(q service.Queue, h worker.Handler, kind string, opts ...worker.LoopOption) *worker.Loop {
	return worker.NewLoop(q, h, worker.LoopConfig{
		Kind:             kind,
		PollInterval:     time.Millisecond,
		TransientBackoff: 2 * time.Millisecond,
	}, opts...)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

// ---- tests ----

func TestLoop_Success_AcksExactlyOnce(t *testing.T) {
	q := &fakeQueue{jobs: []*entity.Job{newJob(7, entity.KindEnrich, entity.Payload{"case_number": "CASE-1"})}}
	var seen *entity.Job
	l := newLoop(q, func(ctx context.Context, job *entity.Job) error {
		seen = job
		return nil
	}, entity.KindEnrich)

	wait, err := l.Step(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if wait != 0 {
		t.Fatalf("expected immediate next poll after work, got %s", wait)
	}
	if seen == nil || seen.Body["case_number"] != "CASE-1" {
		t.Fatalf("handler did not see the payload: %+v", seen)
	}
	if len(q.acks) != 1 || q.acks[0] != 7 {
		t.Fatalf("expected exactly one ack for 7, got %#v", q.acks)
	}

	// empty queue afterwards
	wait, err = l.Step(context.Background())
	if err != nil || wait != time.Millisecond {
		t.Fatalf("expected poll interval on empty queue, got %s err=%v", wait, err)
	}
	if len(q.acks) != 1 {
		t.Fatalf("expected no further acks, got %#v", q.acks)
	}
}

func TestLoop_PoisonAfterExactlyFiveFailures(t *testing.T) {
	q := &fakeQueue{redeliver: newJob(9, entity.KindOutreach, entity.Payload{"case_number": "CASE-9"})}
	reg := prometheus.NewRegistry()
	sink := &fakeSink{}
	var calls int
	l := newLoop(q, alwaysFail(&calls), entity.KindOutreach,
		worker.WithMetrics(worker.NewMetrics(reg)), worker.WithStatusSink(sink))

	for i := 1; i <= 4; i++ {
		if _, err := l.Step(context.Background()); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got := l.Failures().Count(9); got != i {
			t.Fatalf("expected failure count %d, got %d", i, got)
		}
		if q.ackCount() != 0 {
			t.Fatalf("no ack expected before the ceiling, got %#v", q.acks)
		}
	}

	if _, err := l.Step(context.Background()); err != nil {
		t.Fatalf("step 5: %v", err)
	}
	if calls != 5 {
		t.Fatalf("expected 5 handler calls, got %d", calls)
	}
	if len(q.acks) != 1 || q.acks[0] != 9 {
		t.Fatalf("expected force ack of 9, got %#v", q.acks)
	}
	if got := l.Failures().Count(9); got != 0 {
		t.Fatalf("expected counter reset after drop, got %d", got)
	}
	if v := counterValue(t, reg, "jobqueue_poison_messages_total", map[string]string{"kind": entity.KindOutreach}); v != 1 {
		t.Fatalf("expected poison counter 1, got %v", v)
	}
	last := sink.runs[len(sink.runs)-1]
	if last.Outcome != worker.OutcomeDropped || last.Attempt != 5 {
		t.Fatalf("expected dropped run at attempt 5, got %+v", last)
	}
}

func TestLoop_ShutdownDuringHandlerStillAcks(t *testing.T) {
	q := &ctxQueue{}
	q.jobs = []*entity.Job{newJob(21, entity.KindEnrich, nil)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handlerCtxErr error
	l := newLoop(q, func(hctx context.Context, job *entity.Job) error {
		cancel()
		handlerCtxErr = hctx.Err()
		return nil
	}, entity.KindEnrich)

	if _, err := l.Step(ctx); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if handlerCtxErr != nil {
		t.Fatalf("handler context must not be cancelled by shutdown, got %v", handlerCtxErr)
	}
	if len(q.acks) != 1 || q.acks[0] != 21 {
		t.Fatalf("expected job 21 acked after shutdown signal, got %#v", q.acks)
	}
}

func TestLoop_ShutdownDuringFinalFailureStillForceAcks(t *testing.T) {
	q := &ctxQueue{}
	q.redeliver = newJob(22, entity.KindEnrich, entity.Payload{"case_number": "CASE-22"})
	cases := &fakeCases{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	l := newLoop(q, func(context.Context, *entity.Job) error {
		calls++
		if calls == 5 {
			cancel()
		}
		return errors.New("upstream down")
	}, entity.KindEnrich, worker.WithCaseStatus(cases))

	for i := 0; i < 5; i++ {
		if _, err := l.Step(ctx); err != nil {
			t.Fatalf("step %d: %v", i+1, err)
		}
	}
	if len(q.acks) != 1 || q.acks[0] != 22 {
		t.Fatalf("expected force ack of 22, got %#v", q.acks)
	}
	if cases.statuses["CASE-22"] != entity.EnrichFailedStatus {
		t.Fatalf("expected case marked enrich_failed, got %#v", cases.statuses)
	}
}

func TestLoop_CounterRestartsForRecurringID(t *testing.T) {
	q := &fakeQueue{redeliver: newJob(9, entity.KindOutreach, nil)}
	var calls int
	l := newLoop(q, alwaysFail(&calls), entity.KindOutreach)

	for i := 0; i < 5; i++ {
		_, _ = l.Step(context.Background())
	}
	q.redeliver = newJob(9, entity.KindOutreach, nil)
	_, _ = l.Step(context.Background())

	if got := l.Failures().Count(9); got != 1 {
		t.Fatalf("expected a fresh count of 1, got %d", got)
	}
}

func TestLoop_EnrichPoisonMarksCase(t *testing.T) {
	q := &fakeQueue{redeliver: newJob(3, entity.KindEnrich, entity.Payload{"case_number": "CASE-3"})}
	cases := &fakeCases{}
	var calls int
	l := newLoop(q, alwaysFail(&calls), entity.KindEnrich, worker.WithCaseStatus(cases))

	for i := 0; i < 5; i++ {
		_, _ = l.Step(context.Background())
	}
	if cases.statuses["CASE-3"] != entity.EnrichFailedStatus {
		t.Fatalf("expected CASE-3 marked %s, got %#v", entity.EnrichFailedStatus, cases.statuses)
	}
	if len(q.acks) != 1 {
		t.Fatalf("expected force ack, got %#v", q.acks)
	}
}

func TestLoop_NonEnrichPoisonLeavesCasesAlone(t *testing.T) {
	q := &fakeQueue{redeliver: newJob(4, entity.KindOutreach, entity.Payload{"case_number": "CASE-4"})}
	cases := &fakeCases{}
	var calls int
	l := newLoop(q, alwaysFail(&calls), entity.KindOutreach, worker.WithCaseStatus(cases))

	for i := 0; i < 5; i++ {
		_, _ = l.Step(context.Background())
	}
	if len(cases.statuses) != 0 {
		t.Fatalf("expected no case updates, got %#v", cases.statuses)
	}
}

func TestLoop_PermanentFailureDropsImmediately(t *testing.T) {
	q := &fakeQueue{redeliver: newJob(5, entity.KindEnforce, nil)}
	l := newLoop(q, func(ctx context.Context, job *entity.Job) error {
		return entity.Invalid("missing case_number")
	}, entity.KindEnforce)

	if _, err := l.Step(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(q.acks) != 1 || q.acks[0] != 5 {
		t.Fatalf("expected validation failure to be dropped at once, got %#v", q.acks)
	}
}

func TestLoop_PanicCountsAsFailure(t *testing.T) {
	q := &fakeQueue{redeliver: newJob(6, entity.KindOutreach, nil)}
	l := newLoop(q, func(ctx context.Context, job *entity.Job) error {
		panic("boom")
	}, entity.KindOutreach)

	if _, err := l.Step(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got := l.Failures().Count(6); got != 1 {
		t.Fatalf("expected panic counted as one failure, got %d", got)
	}
}

func TestLoop_NoMessageID_SkipsAck(t *testing.T) {
	q := &fakeQueue{jobs: []*entity.Job{newJob(0, entity.KindEnrich, nil)}}
	l := newLoop(q, func(ctx context.Context, job *entity.Job) error { return nil }, entity.KindEnrich)

	if _, err := l.Step(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(q.acks) != 0 {
		t.Fatalf("expected no ack without id, got %#v", q.acks)
	}
}

func TestLoop_AckErrorIsNotFatal(t *testing.T) {
	q := &fakeQueue{
		jobs:   []*entity.Job{newJob(8, entity.KindEnrich, nil)},
		ackErr: errors.New("network down"),
	}
	l := newLoop(q, func(ctx context.Context, job *entity.Job) error { return nil }, entity.KindEnrich)

	if _, err := l.Step(context.Background()); err != nil {
		t.Fatalf("ack failure must not stop the loop: %v", err)
	}
	if len(q.acks) != 1 {
		t.Fatalf("expected one ack attempt, got %#v", q.acks)
	}
}

func TestLoop_TransientDequeueErrorBacksOff(t *testing.T) {
	q := &fakeQueue{
		nextErrs: []error{&rpc.StatusError{RPC: rpc.RPCDequeue, Code: 503}},
		jobs:     []*entity.Job{newJob(1, entity.KindEnrich, nil)},
	}
	l := newLoop(q, func(ctx context.Context, job *entity.Job) error { return nil }, entity.KindEnrich)

	wait, err := l.Step(context.Background())
	if err != nil {
		t.Fatalf("transient error must not be fatal: %v", err)
	}
	if wait != 2*time.Millisecond {
		t.Fatalf("expected transient backoff, got %s", wait)
	}
	if _, err := l.Step(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(q.acks) != 1 {
		t.Fatalf("expected job processed after the transient error, got %#v", q.acks)
	}
}

func TestLoop_MissingEndpointStopsAndClosesQueue(t *testing.T) {
	q := &fakeQueue{nextErrs: []error{&rpc.EndpointMissingError{RPC: rpc.RPCDequeue}}}
	l := newLoop(q, func(ctx context.Context, job *entity.Job) error { return nil }, entity.KindEnrich)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := l.Run(ctx)
	if !errors.Is(err, service.ErrQueueEndpointMissing) {
		t.Fatalf("expected ErrQueueEndpointMissing, got %v", err)
	}
	if q.closed != 1 {
		t.Fatalf("expected queue closed once, got %d", q.closed)
	}
}

func TestLoop_RunReturnsNilOnCancel(t *testing.T) {
	q := &fakeQueue{}
	l := newLoop(q, func(ctx context.Context, job *entity.Job) error { return nil }, entity.KindEnrich)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.Run(ctx); err != nil {
		t.Fatalf("expected nil on cancellation, got %v", err)
	}
	if q.closed != 0 {
		t.Fatalf("cancellation must not close the queue")
	}
}

func TestLoop_HealthCheckIsNoOp(t *testing.T) {
	job := newJob(11, entity.KindEnrich, nil)
	job.IdempotencyKey = "doctor:probe-1"
	q := &fakeQueue{jobs: []*entity.Job{job}}

	var calls int
	l := newLoop(q, worker.SkipHealthChecks(alwaysFail(&calls)), entity.KindEnrich)

	if _, err := l.Step(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if calls != 0 {
		t.Fatalf("handler must not run for health checks, got %d calls", calls)
	}
	if len(q.acks) != 1 || q.acks[0] != 11 {
		t.Fatalf("expected health check acked, got %#v", q.acks)
	}
}

func TestLoop_ReleaserTerminalStatusStopsTracking(t *testing.T) {
	q := &releasingQueue{status: entity.StatusFailed}
	q.redeliver = newJob(12, entity.KindEnrich, nil)
	sink := &fakeSink{}
	var calls int
	l := newLoop(q, alwaysFail(&calls), entity.KindEnrich, worker.WithStatusSink(sink))

	if _, err := l.Step(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(q.released) != 1 || q.released[0] != 12 {
		t.Fatalf("expected one release, got %#v", q.released)
	}
	if len(q.acks) != 0 {
		t.Fatalf("durable failure must not be acked, got %#v", q.acks)
	}
	if l.Failures().Count(12) != 0 {
		t.Fatalf("expected tracker cleared after terminal release")
	}
	if len(sink.runs) != 1 || sink.runs[0].Outcome != worker.OutcomeFailed {
		t.Fatalf("expected one failed run recorded, got %#v", sink.runs)
	}
}

func TestLoop_ReleaserPendingKeepsCounting(t *testing.T) {
	q := &releasingQueue{status: entity.StatusPending}
	q.redeliver = newJob(13, entity.KindEnrich, nil)
	var calls int
	l := newLoop(q, alwaysFail(&calls), entity.KindEnrich)

	_, _ = l.Step(context.Background())
	_, _ = l.Step(context.Background())
	if got := l.Failures().Count(13); got != 2 {
		t.Fatalf("expected count 2, got %d", got)
	}
	if len(q.released) != 2 {
		t.Fatalf("expected two releases, got %d", len(q.released))
	}
}
