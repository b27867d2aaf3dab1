package service

import (
	"context"
	"errors"

	"enforcement-queue/internal/entity"
)

var (
	// ErrQueueEndpointMissing means the queue storage does not expose the requested RPC at all,
	// usually a deployment or migration ordering problem.
	ErrQueueEndpointMissing = errors.New("queue rpc endpoint missing")

	// ErrNoMessageID means the queue accepted the job but returned no id.
	ErrNoMessageID = errors.New("queue accepted the job but returned no id")

	ErrClientClosed = errors.New("queue client closed")

	// ErrClaimLost means the claim expired and the job was reclaimed by another
	// worker before this one finalized it.
	ErrClaimLost = errors.New("job claim lost")
)

// Queue is implemented by the RPC client and the table-backed queue.
//
// Next returns (nil, nil) when no job is available. Ack returns true for
// already-acknowledged or unknown ids.
type Queue interface {
	Enqueue(ctx context.Context, kind string, payload entity.Payload, idempotencyKey string) (int64, error)
	Next(ctx context.Context, kind string) (*entity.Job, error)
	Ack(ctx context.Context, kind string, id int64) (bool, error)
	Close() error
}

// Releaser is implemented by queues that own a durable attempt count
// (the table-backed queue). The worker loop reports each failure through it.
type Releaser interface {
	Release(ctx context.Context, job *entity.Job, cause error) (entity.JobStatus, error)
}
