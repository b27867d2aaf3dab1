package rpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"enforcement-queue/internal/entity"
	"enforcement-queue/internal/service"
	"enforcement-queue/internal/transport/rpc"
)

// ---- fake queue storage ----

type storedMsg struct {
	id   int64
	kind string
	key  string
	body map[string]any
}

type fakeStorage struct {
	mu      sync.Mutex
	nextID  int64
	msgs    []*storedMsg
	acks    []int64
	missing map[string]bool
	noID    bool
	apiKey  string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{nextID: 100, missing: map[string]bool{}}
}

func (f *fakeStorage) server(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/rpc/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.missing[name] {
			http.Error(w, `{"message":"function not found"}`, http.StatusNotFound)
			return
		}
		f.apiKey = r.Header.Get("apikey")

		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)

		switch name {
		case rpc.RPCEnqueue:
			if f.noID {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(`{}`))
				return
			}
			f.nextID++
			body, _ := in["payload"].(map[string]any)
			key, _ := in["idempotency_key"].(string)
			f.msgs = append(f.msgs, &storedMsg{id: f.nextID, kind: in["kind"].(string), key: key, body: body})
			_ = json.NewEncoder(w).Encode(f.nextID)

		case rpc.RPCDequeue:
			kind, _ := in["kind"].(string)
			for i, m := range f.msgs {
				if m.kind != kind {
					continue
				}
				f.msgs = append(f.msgs[:i], f.msgs[i+1:]...)
				_ = json.NewEncoder(w).Encode([]map[string]any{{
					"msg_id":  m.id,
					"read_ct": 1,
					"message": map[string]any{"kind": m.kind, "payload": m.body, "idempotency_key": m.key},
				}})
				return
			}
			w.WriteHeader(http.StatusNoContent)

		case rpc.RPCAck:
			id, _ := in["msg_id"].(float64)
			f.acks = append(f.acks, int64(id))
			_, _ = w.Write([]byte(`true`))

		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func respond(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ---- tests ----

func TestClient_EnqueueDequeueAck_RoundTrip(t *testing.T) {
	fs := newFakeStorage()
	srv := fs.server(t)
	c := rpc.New(srv.URL, rpc.WithAPIKey("secret"))
	ctx := context.Background()

	id, err := c.Enqueue(ctx, entity.KindEnrich, entity.Payload{"case_number": "CASE-1"}, "enrich:CASE-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id != 101 {
		t.Fatalf("expected id=101, got %d", id)
	}
	if fs.apiKey != "secret" {
		t.Fatalf("expected apikey header, got %q", fs.apiKey)
	}

	job, err := c.Dequeue(ctx, entity.KindEnrich)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if job == nil {
		t.Fatalf("expected a job")
	}
	if job.ID != id || job.Kind != entity.KindEnrich || job.IdempotencyKey != "enrich:CASE-1" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Payload["case_number"] != "CASE-1" || job.Body["case_number"] != "CASE-1" {
		t.Fatalf("expected payload under both aliases, got payload=%#v body=%#v", job.Payload, job.Body)
	}
	if len(job.Payload) != 1 {
		t.Fatalf("expected exact payload, got %#v", job.Payload)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected read_ct mapped to attempts=1, got %d", job.Attempts)
	}

	for i := 0; i < 2; i++ {
		ok, err := c.Ack(ctx, entity.KindEnrich, id)
		if err != nil || !ok {
			t.Fatalf("ack #%d: ok=%v err=%v", i+1, ok, err)
		}
	}
}

func TestClient_Dequeue_EmptyResponses(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"no content":  {http.StatusNoContent, ""},
		"null":        {http.StatusOK, "null"},
		"empty array": {http.StatusOK, "[]"},
		"array null":  {http.StatusOK, "[null]"},
		"empty obj":   {http.StatusOK, "{}"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := rpc.New(respond(t, tc.status, tc.body).URL)
			job, err := c.Dequeue(context.Background(), "enrich")
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if job != nil {
				t.Fatalf("expected no job, got %+v", job)
			}
		})
	}
}

func TestClient_Dequeue_MissingEndpointBacksOffAndReturnsNoJob(t *testing.T) {
	fs := newFakeStorage()
	fs.missing[rpc.RPCDequeue] = true
	c := rpc.New(fs.server(t).URL, rpc.WithMissingBackoff(20*time.Millisecond))

	start := time.Now()
	job, err := c.Dequeue(context.Background(), "enrich")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if job != nil {
		t.Fatalf("expected no job, got %+v", job)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("expected backoff before returning")
	}
}

func TestClient_Next_MissingEndpointIsDistinctError(t *testing.T) {
	fs := newFakeStorage()
	fs.missing[rpc.RPCDequeue] = true
	c := rpc.New(fs.server(t).URL)

	_, err := c.Next(context.Background(), "enrich")
	if !errors.Is(err, service.ErrQueueEndpointMissing) {
		t.Fatalf("expected ErrQueueEndpointMissing, got %v", err)
	}
	var me *rpc.EndpointMissingError
	if !errors.As(err, &me) || me.RPC != rpc.RPCDequeue {
		t.Fatalf("expected EndpointMissingError for %s, got %v", rpc.RPCDequeue, err)
	}
}

func TestClient_Next_ServerErrorIsNotMissingEndpoint(t *testing.T) {
	c := rpc.New(respond(t, http.StatusInternalServerError, "db down").URL)

	_, err := c.Next(context.Background(), "enrich")
	if err == nil {
		t.Fatalf("expected error")
	}
	if errors.Is(err, service.ErrQueueEndpointMissing) {
		t.Fatalf("5xx must not be reported as a missing endpoint")
	}
	var se *rpc.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Fatalf("expected StatusError 500, got %v", err)
	}
}

func TestClient_Enqueue_Errors(t *testing.T) {
	t.Run("missing endpoint", func(t *testing.T) {
		fs := newFakeStorage()
		fs.missing[rpc.RPCEnqueue] = true
		c := rpc.New(fs.server(t).URL)

		_, err := c.Enqueue(context.Background(), "enrich", nil, "")
		if !errors.Is(err, service.ErrQueueEndpointMissing) {
			t.Fatalf("expected ErrQueueEndpointMissing, got %v", err)
		}
	})

	t.Run("no id", func(t *testing.T) {
		fs := newFakeStorage()
		fs.noID = true
		c := rpc.New(fs.server(t).URL)

		_, err := c.Enqueue(context.Background(), "enrich", nil, "")
		if !errors.Is(err, service.ErrNoMessageID) {
			t.Fatalf("expected ErrNoMessageID, got %v", err)
		}
	})

	t.Run("generic failure", func(t *testing.T) {
		c := rpc.New(respond(t, http.StatusBadRequest, "bad").URL)
		_, err := c.Enqueue(context.Background(), "enrich", nil, "")
		if err == nil || errors.Is(err, service.ErrQueueEndpointMissing) || errors.Is(err, service.ErrNoMessageID) {
			t.Fatalf("expected generic error, got %v", err)
		}
	})
}

func TestClient_Enqueue_IDShapes(t *testing.T) {
	cases := map[string]string{
		"bare number":   `7`,
		"string":        `"7"`,
		"object":        `{"msg_id":7}`,
		"named rpc":     `{"queue_job":7}`,
		"array of rows": `[{"message_id":7}]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			c := rpc.New(respond(t, http.StatusOK, body).URL)
			id, err := c.Enqueue(context.Background(), "enrich", nil, "")
			if err != nil || id != 7 {
				t.Fatalf("expected id=7, got %d err=%v", id, err)
			}
		})
	}
}

func TestClient_Ack_MissingEndpointAndEmptyBodyAreSuccess(t *testing.T) {
	fs := newFakeStorage()
	fs.missing[rpc.RPCAck] = true
	c := rpc.New(fs.server(t).URL)

	ok, err := c.Ack(context.Background(), "enrich", 1)
	if err != nil || !ok {
		t.Fatalf("expected missing ack endpoint to read as acked, got ok=%v err=%v", ok, err)
	}

	c = rpc.New(respond(t, http.StatusNoContent, "").URL)
	ok, err = c.Ack(context.Background(), "enrich", 1)
	if err != nil || !ok {
		t.Fatalf("expected empty 2xx ack to read as acked, got ok=%v err=%v", ok, err)
	}
}

func TestClient_ClosedClientRefusesCalls(t *testing.T) {
	c := rpc.New(respond(t, http.StatusOK, "1").URL)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := c.Next(context.Background(), "enrich"); !errors.Is(err, service.ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}
