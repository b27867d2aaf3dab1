package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"enforcement-queue/internal/entity"
)

var idKeys = []string{"msg_id", "message_id", "id", RPCEnqueue}

// parseMessageID accepts a bare number, a numeric string, an object keyed by
// one of idKeys, or an array whose first element is one of those.
func parseMessageID(body []byte) (int64, bool) {
	v, err := decodeAny(body)
	if err != nil {
		return 0, false
	}
	id := resolveID(v)
	return id, id > 0
}

func resolveID(v any) int64 {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0
		}
		return n
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0
		}
		return n
	case map[string]any:
		for _, k := range idKeys {
			if inner, ok := t[k]; ok {
				if id := resolveID(inner); id > 0 {
					return id
				}
			}
		}
	case []any:
		if len(t) > 0 {
			return resolveID(t[0])
		}
	}
	return 0
}

// decodeMessage turns a dequeue_job response into a job. Empty bodies,
// null and empty arrays mean the queue is empty.
func decodeMessage(body []byte, kind string) (*entity.Job, error) {
	v, err := decodeAny(body)
	if err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", RPCDequeue, err)
	}

	var row map[string]any
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		if len(t) == 0 || t[0] == nil {
			return nil, nil
		}
		m, ok := t[0].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: unexpected row type %T", RPCDequeue, t[0])
		}
		row = m
	case map[string]any:
		row = t
	default:
		return nil, fmt.Errorf("%s: unexpected response type %T", RPCDequeue, v)
	}
	if len(row) == 0 {
		return nil, nil
	}

	job := &entity.Job{Kind: kind}
	for _, k := range []string{"msg_id", "message_id", "id"} {
		if id := resolveID(row[k]); id > 0 {
			job.ID = id
			break
		}
	}

	var raw map[string]any
	for _, k := range []string{"payload", "body", "message"} {
		switch t := row[k].(type) {
		case map[string]any:
			raw = t
		case string:
			_ = json.Unmarshal([]byte(t), &raw)
		}
		if raw != nil {
			break
		}
	}
	payload, env := entity.NormalizePayload(raw)
	job.SetPayload(payload)

	if env.Kind != "" {
		job.Kind = env.Kind
	}
	if k, ok := row["kind"].(string); ok && k != "" {
		job.Kind = k
	}
	job.IdempotencyKey = env.IdempotencyKey
	if k, ok := row["idempotency_key"].(string); ok && k != "" {
		job.IdempotencyKey = k
	}
	for _, k := range []string{"read_ct", "attempts"} {
		if n := resolveID(row[k]); n > 0 {
			job.Attempts = int(n)
			break
		}
	}
	for _, k := range []string{"enqueued_at", "created_at"} {
		if s, ok := row[k].(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				job.CreatedAt = ts
				break
			}
		}
	}
	return job, nil
}

func decodeAny(body []byte) (any, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
