package service

import (
	"context"
	"errors"
	"regexp"

	"enforcement-queue/internal/entity"
)

// JobStore is the read/repair side of the table-backed queue
// (implementation: postgresql.JobRepository).
type JobStore interface {
	GetByID(ctx context.Context, id int64) (*entity.Job, error)
	List(ctx context.Context, f entity.JobFilter) ([]*entity.Job, error)
	Requeue(ctx context.Context, id int64) (*entity.Job, error)
}

// JobQueue is the producer side of a queue.
type JobQueue interface {
	Enqueue(ctx context.Context, kind string, payload entity.Payload, idempotencyKey string) (int64, error)
}

var (
	ErrKindRequired = errors.New("kind is required")
	ErrInvalidKind  = errors.New("kind must be lower_snake_case")
	ErrInvalidState = errors.New("invalid status filter")
)

var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

type JobService struct {
	store JobStore
	queue JobQueue
}

func NewJobService(store JobStore, queue JobQueue) *JobService {
	return &JobService{store: store, queue: queue}
}

type EnqueueRequest struct {
	Kind           string
	Payload        entity.Payload
	IdempotencyKey string
}

func (s *JobService) Enqueue(ctx context.Context, req EnqueueRequest) (int64, error) {
	if req.Kind == "" {
		return 0, ErrKindRequired
	}
	if !kindPattern.MatchString(req.Kind) {
		return 0, ErrInvalidKind
	}
	if req.Payload == nil {
		req.Payload = entity.Payload{}
	}
	return s.queue.Enqueue(ctx, req.Kind, req.Payload, req.IdempotencyKey)
}

func (s *JobService) GetJob(ctx context.Context, id int64) (*entity.Job, error) {
	return s.store.GetByID(ctx, id)
}

func (s *JobService) ListJobs(ctx context.Context, f entity.JobFilter) ([]*entity.Job, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, ErrInvalidState
	}
	return s.store.List(ctx, f)
}

// RequeueJob gives a failed job a fresh attempt budget.
func (s *JobService) RequeueJob(ctx context.Context, id int64) (*entity.Job, error) {
	return s.store.Requeue(ctx, id)
}
