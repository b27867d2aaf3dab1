// Package telemetry records worker run outcomes in Redis for dashboards and
// health checks. Recording is best effort.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"enforcement-queue/internal/worker"
)

const (
	defaultPrefix     = "jobqueue:worker"
	defaultRecentRuns = 100
)

// RedisSink keeps, per kind:
//
//	<prefix>:<kind>:status  hash with the last run and per-outcome counters
//	<prefix>:<kind>:runs    list of the most recent runs as JSON, newest first
//	<prefix>:<kind>:seen    hash of worker id -> last heartbeat (unix seconds)
type RedisSink struct {
	rdb        redis.UniversalClient
	prefix     string
	recentRuns int64
}

func NewRedisSink(rdb redis.UniversalClient, prefix string) *RedisSink {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisSink{rdb: rdb, prefix: prefix, recentRuns: defaultRecentRuns}
}

var _ worker.StatusSink = (*RedisSink)(nil)

type runRecord struct {
	WorkerID   string `json:"worker_id,omitempty"`
	JobID      int64  `json:"job_id"`
	Attempt    int    `json:"attempt"`
	Outcome    string `json:"outcome"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	At         string `json:"at"`
}

func (s *RedisSink) Record(ctx context.Context, run worker.Run) error {
	at := run.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	rec := runRecord{
		WorkerID:   run.WorkerID,
		JobID:      run.JobID,
		Attempt:    run.Attempt,
		Outcome:    string(run.Outcome),
		DurationMS: run.Duration.Milliseconds(),
		Error:      run.Error,
		At:         at.Format(time.RFC3339Nano),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	statusKey := s.key(run.Kind, "status")
	runsKey := s.key(run.Kind, "runs")

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, statusKey,
			"last_job_id", strconv.FormatInt(run.JobID, 10),
			"last_outcome", rec.Outcome,
			"last_error", rec.Error,
			"last_run_at", rec.At,
		)
		pipe.HIncrBy(ctx, statusKey, "count:"+rec.Outcome, 1)
		pipe.LPush(ctx, runsKey, raw)
		pipe.LTrim(ctx, runsKey, 0, s.recentRuns-1)
		if run.WorkerID != "" {
			pipe.HSet(ctx, s.key(run.Kind, "seen"), run.WorkerID, at.Unix())
		}
		return nil
	})
	return err
}

// Status is the summary stored for one kind.
type Status struct {
	LastJobID   int64
	LastOutcome string
	LastError   string
	LastRunAt   time.Time
	Counts      map[string]int64
}

func (s *RedisSink) Status(ctx context.Context, kind string) (*Status, error) {
	m, err := s.rdb.HGetAll(ctx, s.key(kind, "status")).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, redis.Nil
	}

	st := &Status{Counts: map[string]int64{}}
	for k, v := range m {
		switch k {
		case "last_job_id":
			st.LastJobID, _ = strconv.ParseInt(v, 10, 64)
		case "last_outcome":
			st.LastOutcome = v
		case "last_error":
			st.LastError = v
		case "last_run_at":
			st.LastRunAt, _ = time.Parse(time.RFC3339Nano, v)
		default:
			if outcome, ok := strings.CutPrefix(k, "count:"); ok {
				n, _ := strconv.ParseInt(v, 10, 64)
				st.Counts[outcome] = n
			}
		}
	}
	return st, nil
}

// RecentRuns returns up to n runs for kind, newest first.
func (s *RedisSink) RecentRuns(ctx context.Context, kind string, n int64) ([]worker.Run, error) {
	if n <= 0 || n > s.recentRuns {
		n = s.recentRuns
	}
	raws, err := s.rdb.LRange(ctx, s.key(kind, "runs"), 0, n-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]worker.Run, 0, len(raws))
	for _, raw := range raws {
		var rec runRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		at, _ := time.Parse(time.RFC3339Nano, rec.At)
		out = append(out, worker.Run{
			WorkerID: rec.WorkerID,
			Kind:     kind,
			JobID:    rec.JobID,
			Attempt:  rec.Attempt,
			Outcome:  worker.Outcome(rec.Outcome),
			Duration: time.Duration(rec.DurationMS) * time.Millisecond,
			Error:    rec.Error,
			At:       at,
		})
	}
	return out, nil
}

func (s *RedisSink) key(kind, suffix string) string {
	return s.prefix + ":" + kind + ":" + suffix
}
