package entity

import (
	"encoding/json"
	"strings"
	"time"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further claims are possible for the status.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Known job kinds.
const (
	KindEnrich            = "enrich"
	KindOutreach          = "outreach"
	KindEnforce           = "enforce"
	KindEnforcementAction = "enforcement_action"
	KindGeneratePDF       = "generate_pdf"
)

// HealthCheckPrefix marks idempotency keys of synthetic liveness probes.
const HealthCheckPrefix = "doctor:"

// EnrichFailedStatus is written to the case record when an enrich job is dropped.
const EnrichFailedStatus = "enrich_failed"

// Job is the unit of work for both queue variants.
// Status, LockedAt and LockedBy are only populated by the table-backed queue.
type Job struct {
	ID             int64      `json:"msg_id"`
	Kind           string     `json:"kind"`
	Payload        Payload    `json:"payload"`
	Body           Payload    `json:"body"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Attempts       int        `json:"attempts"`
	Status         JobStatus  `json:"status,omitempty"`
	LockedAt       *time.Time `json:"locked_at,omitempty"`
	LockedBy       *string    `json:"locked_by,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// HasID reports whether the job carries an id usable for acknowledgment.
func (j *Job) HasID() bool {
	return j != nil && j.ID > 0
}

// IsHealthCheck reports whether the job was produced by a liveness probe.
func (j *Job) IsHealthCheck() bool {
	return j != nil && strings.HasPrefix(j.IdempotencyKey, HealthCheckPrefix)
}

// SetPayload stores p under both aliases.
func (j *Job) SetPayload(p Payload) {
	if p == nil {
		p = Payload{}
	}
	j.Payload = p
	j.Body = p
}

// Envelope is what producers send to queue storage.
type Envelope struct {
	Kind           string  `json:"kind"`
	Payload        Payload `json:"payload"`
	IdempotencyKey string  `json:"idempotency_key"`
}

func (e Envelope) MarshalPayload() (json.RawMessage, error) {
	if e.Payload == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(e.Payload)
}

// JobFilter narrows job listings. Zero values mean "any".
type JobFilter struct {
	Kind   string
	Status JobStatus
	Limit  uint64
	Offset uint64
}
