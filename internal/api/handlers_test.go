package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"insight-queue/internal/handler"
	"insight-queue/internal/models"
	"insight-queue/internal/queue"
	"insight-queue/internal/store"
	"insight-queue/internal/websocket"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoHandler struct{}

func (echoHandler) DescribeInput() handler.InputSpec {
	return handler.InputSpec{Name: "keyword-report", Description: "test double"}
}

func (echoHandler) Handle(ctx context.Context, payload json.RawMessage, emit handler.ProgressFunc) (json.RawMessage, error) {
	return payload, nil
}

type rig struct {
	q   *queue.Queue
	srv *httptest.Server
}

func newTestServer(t *testing.T) *rig {
	t.Helper()

	db, err := store.New(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	var q *queue.Queue
	wsManager := websocket.New(func() (*websocket.Snapshot, error) {
		jobs, err := q.List("", 100, 0)
		if err != nil {
			return nil, err
		}
		counts, err := q.Counts()
		if err != nil {
			return nil, err
		}
		views := make([]models.JobView, 0, len(jobs))
		for i := range jobs {
			views = append(views, jobs[i].View())
		}
		return &websocket.Snapshot{Jobs: views, Counts: counts}, nil
	}, nil)

	q = queue.New(db, queue.Options{Notify: wsManager.Broadcast})

	registry := handler.NewRegistry()
	registry.Register("keyword-report", echoHandler{})

	server := NewServer(q, registry, wsManager, nil)
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &rig{q: q, srv: srv}
}

func (r *rig) submit(t *testing.T, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(r.srv.URL+"/api/jobs", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestSubmitAndStatus(t *testing.T) {
	r := newTestServer(t)

	resp := r.submit(t, `{"id":"j1","handler":"keyword-report","payload":{"query":"x"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]string
	decode(t, resp, &created)
	assert.Equal(t, "j1", created["id"])

	resp, err := http.Get(r.srv.URL + "/api/jobs/status?id=j1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view models.JobView
	decode(t, resp, &view)
	assert.Equal(t, "j1", view.ID)
	assert.Equal(t, models.StateQueued, view.State)
	assert.Zero(t, view.ProgressPercent)
	assert.Zero(t, view.Attempts)
	assert.False(t, view.CreatedAt.IsZero())
}

func TestSubmit_GeneratedID(t *testing.T) {
	r := newTestServer(t)

	resp := r.submit(t, `{"handler":"keyword-report","payload":{"query":"x"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]string
	decode(t, resp, &created)
	assert.NotEmpty(t, created["id"])
}

func TestSubmit_Validation(t *testing.T) {
	r := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{broken`},
		{"missing payload", `{"handler":"keyword-report"}`},
		{"missing handler", `{"payload":{"query":"x"}}`},
		{"unknown handler", `{"handler":"ghost","payload":{}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := r.submit(t, tc.body)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestSubmit_DuplicateID(t *testing.T) {
	r := newTestServer(t)

	resp := r.submit(t, `{"id":"j1","handler":"keyword-report","payload":{}}`)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = r.submit(t, `{"id":"j1","handler":"keyword-report","payload":{}}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "duplicate_id", body["error"])
	assert.Equal(t, "j1", body["existing_id"])
}

func TestSubmit_IdempotencyKeyCollision(t *testing.T) {
	r := newTestServer(t)

	resp := r.submit(t, `{"id":"j1","handler":"keyword-report","payload":{},"idempotency_key":"k1"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = r.submit(t, `{"id":"j2","handler":"keyword-report","payload":{},"idempotency_key":"k1"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "duplicate_id", body["error"])
	assert.Equal(t, "j1", body["existing_id"], "the response points at the job holding the key")
}

func TestStatus_NotFound(t *testing.T) {
	r := newTestServer(t)

	resp, err := http.Get(r.srv.URL + "/api/jobs/status?id=ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestList_FilterAndCounts(t *testing.T) {
	r := newTestServer(t)

	for _, id := range []string{"j1", "j2", "j3"} {
		resp := r.submit(t, `{"id":"`+id+`","handler":"keyword-report","payload":{}}`)
		resp.Body.Close()
	}
	// Drive j1 to completed through the claim protocol.
	now := time.Now().UTC()
	job, err := r.q.Claim(now)
	require.NoError(t, err)
	require.NoError(t, r.q.Complete(job.ID, job.Attempts, json.RawMessage(`{"ok":true}`)))

	resp, err := http.Get(r.srv.URL + "/api/jobs")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Jobs   []models.JobView `json:"jobs"`
		Counts models.Counts    `json:"counts"`
	}
	decode(t, resp, &list)
	assert.Len(t, list.Jobs, 3)
	assert.Equal(t, models.Counts{Queued: 2, Completed: 1}, list.Counts)

	resp, err = http.Get(r.srv.URL + "/api/jobs?state=queued")
	require.NoError(t, err)
	decode(t, resp, &list)
	assert.Len(t, list.Jobs, 2)

	resp, err = http.Get(r.srv.URL + "/api/jobs?state=bogus")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRemove_Idempotent(t *testing.T) {
	r := newTestServer(t)

	resp := r.submit(t, `{"id":"j1","handler":"keyword-report","payload":{}}`)
	resp.Body.Close()

	del := func() map[string]bool {
		req, err := http.NewRequest(http.MethodDelete, r.srv.URL+"/api/jobs?id=j1", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body map[string]bool
		decode(t, resp, &body)
		return body
	}

	assert.True(t, del()["removed"])
	assert.False(t, del()["removed"], "second removal is not an error")

	resp, err := http.Get(r.srv.URL + "/api/jobs/status?id=j1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRemove_ActiveRefused(t *testing.T) {
	r := newTestServer(t)

	resp := r.submit(t, `{"id":"j1","handler":"keyword-report","payload":{}}`)
	resp.Body.Close()

	_, err := r.q.Claim(time.Now().UTC())
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, r.srv.URL+"/api/jobs?id=j1", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusConflict, delResp.StatusCode)
}

func TestListHandlers(t *testing.T) {
	r := newTestServer(t)

	resp, err := http.Get(r.srv.URL + "/api/handlers")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var specs []handler.InputSpec
	decode(t, resp, &specs)
	require.Len(t, specs, 1)
	assert.Equal(t, "keyword-report", specs[0].Name)
}

func TestMetrics(t *testing.T) {
	r := newTestServer(t)

	resp := r.submit(t, `{"id":"j1","handler":"keyword-report","payload":{}}`)
	resp.Body.Close()

	mResp, err := http.Get(r.srv.URL + "/api/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, mResp.StatusCode)

	var metrics models.Metrics
	decode(t, mResp, &metrics)
	assert.Equal(t, int64(1), metrics.TotalJobs)
	assert.Equal(t, int64(1), metrics.QueuedJobs)
}

func TestMethodNotAllowed(t *testing.T) {
	r := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, r.srv.URL+"/api/jobs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
