// Package rpc is the client for the remote queue storage. The storage exposes three
// PostgREST-style functions under <base>/rpc/: queue_job, dequeue_job and ack_job.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"enforcement-queue/internal/entity"
	"enforcement-queue/internal/service"
)

const (
	RPCEnqueue = "queue_job"
	RPCDequeue = "dequeue_job"
	RPCAck     = "ack_job"
)

const (
	defaultMissingBackoff = 2 * time.Second
	defaultTimeout        = 10 * time.Second
	maxResponseBytes      = 1 << 20
)

// EndpointMissingError is returned when the storage answers 404 for an RPC.
type EndpointMissingError struct {
	RPC string
}

func (e *EndpointMissingError) Error() string {
	return fmt.Sprintf("queue rpc %s not found", e.RPC)
}

func (e *EndpointMissingError) Is(target error) bool {
	return target == service.ErrQueueEndpointMissing
}

// StatusError is any other non-success response.
type StatusError struct {
	RPC  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("queue rpc %s: status %d: %s", e.RPC, e.Code, e.Body)
}

type Client struct {
	baseURL        string
	apiKey         string
	http           *http.Client
	logger         *slog.Logger
	missingBackoff time.Duration
	closed         atomic.Bool
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMissingBackoff sets how long Dequeue waits after a missing-endpoint response.
func WithMissingBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.missingBackoff = d
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &http.Client{Timeout: defaultTimeout},
		logger:         slog.Default(),
		missingBackoff: defaultMissingBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ service.Queue = (*Client)(nil)

// Enqueue submits the envelope {kind, payload, idempotency_key} and returns the message id.
func (c *Client) Enqueue(ctx context.Context, kind string, payload entity.Payload, idempotencyKey string) (int64, error) {
	if payload == nil {
		payload = entity.Payload{}
	}
	env := entity.Envelope{Kind: kind, Payload: payload, IdempotencyKey: idempotencyKey}

	_, body, err := c.call(ctx, RPCEnqueue, env)
	if err != nil {
		return 0, err
	}
	id, ok := parseMessageID(body)
	if !ok {
		return 0, fmt.Errorf("%s: %w", RPCEnqueue, service.ErrNoMessageID)
	}
	return id, nil
}

// Next returns the next job for kind, or (nil, nil) when the queue is empty.
// A missing endpoint is reported as an error matching service.ErrQueueEndpointMissing.
func (c *Client) Next(ctx context.Context, kind string) (*entity.Job, error) {
	code, body, err := c.call(ctx, RPCDequeue, map[string]string{"kind": kind})
	if err != nil {
		return nil, err
	}
	if code == http.StatusNoContent {
		return nil, nil
	}
	return decodeMessage(body, kind)
}

// Dequeue is Next for callers outside a worker loop: a missing endpoint
// backs off and reads as an empty queue instead of failing.
func (c *Client) Dequeue(ctx context.Context, kind string) (*entity.Job, error) {
	job, err := c.Next(ctx, kind)
	if errors.Is(err, service.ErrQueueEndpointMissing) {
		c.logger.Warn("queue rpc missing, treating as empty", "rpc", RPCDequeue, "kind", kind,
			"backoff", c.missingBackoff)
		if sleepErr := sleep(ctx, c.missingBackoff); sleepErr != nil {
			return nil, sleepErr
		}
		return nil, nil
	}
	return job, err
}

// Ack acknowledges a processed message. A missing endpoint or unknown message
// counts as already acknowledged.
func (c *Client) Ack(ctx context.Context, kind string, id int64) (bool, error) {
	_, body, err := c.call(ctx, RPCAck, map[string]any{"kind": kind, "msg_id": id})
	if err != nil {
		if errors.Is(err, service.ErrQueueEndpointMissing) {
			return true, nil
		}
		return false, err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true, nil
	}
	var ok bool
	if err := json.Unmarshal(trimmed, &ok); err != nil {
		// 2xx with a non-boolean body: the storage accepted the ack
		return true, nil
	}
	return ok, nil
}

func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) call(ctx context.Context, name string, in any) (int, []byte, error) {
	if c.closed.Load() {
		return 0, nil, service.ErrClientClosed
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: encode request: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc/"+name, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, fmt.Errorf("%s: build request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%s: read response: %w", name, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, body, &EndpointMissingError{RPC: name}
	case resp.StatusCode >= 300:
		return resp.StatusCode, body, &StatusError{RPC: name, Code: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	return resp.StatusCode, body, nil
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
