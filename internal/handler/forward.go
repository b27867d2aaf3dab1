// Package handler provides the job handlers the worker binary ships with.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"enforcement-queue/internal/entity"
	"enforcement-queue/internal/worker"
)

const defaultForwardTimeout = 30 * time.Second

// Forwarder posts the normalized job to a per-kind HTTP endpoint where the
// business logic lives. 5xx and transport errors are transient, 422 is a
// validation failure and other 4xx responses are permanent.
type Forwarder struct {
	endpoints map[string]string
	client    *http.Client
}

func NewForwarder(endpoints map[string]string, client *http.Client) *Forwarder {
	if client == nil {
		client = &http.Client{Timeout: defaultForwardTimeout}
	}
	eps := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		eps[k] = v
	}
	return &Forwarder{endpoints: eps, client: client}
}

// Register adds one handler per configured kind to reg.
func (f *Forwarder) Register(reg *worker.Registry) {
	for kind, url := range f.endpoints {
		reg.Register(kind, f.handlerFor(url))
	}
}

// Handler returns the handler for kind, or false when no endpoint is configured.
func (f *Forwarder) Handler(kind string) (worker.Handler, bool) {
	url, ok := f.endpoints[kind]
	if !ok {
		return nil, false
	}
	return worker.SkipHealthChecks(f.handlerFor(url)), true
}

type forwardRequest struct {
	ID             int64          `json:"msg_id"`
	Kind           string         `json:"kind"`
	Payload        entity.Payload `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Attempts       int            `json:"attempts"`
}

func (f *Forwarder) handlerFor(url string) worker.Handler {
	return func(ctx context.Context, job *entity.Job) error {
		body, err := json.Marshal(forwardRequest{
			ID:             job.ID,
			Kind:           job.Kind,
			Payload:        job.Payload,
			IdempotencyKey: job.IdempotencyKey,
			Attempts:       job.Attempts,
		})
		if err != nil {
			return entity.Invalid("encode job %d: %v", job.ID, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return entity.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Job-Kind", job.Kind)
		req.Header.Set("X-Job-Id", strconv.FormatInt(job.ID, 10))
		if job.IdempotencyKey != "" {
			req.Header.Set("Idempotency-Key", job.IdempotencyKey)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return entity.Transient(fmt.Errorf("forward %s job: %w", job.Kind, err))
		}
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusUnprocessableEntity:
			return entity.Invalid("%s handler rejected payload: %s", job.Kind, bytes.TrimSpace(msg))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return entity.Transient(fmt.Errorf("%s handler: status %d", job.Kind, resp.StatusCode))
		default:
			return entity.Permanent(fmt.Errorf("%s handler: status %d: %s", job.Kind, resp.StatusCode, bytes.TrimSpace(msg)))
		}
	}
}
