package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/umputun/briefly/app/persistence"
	"github.com/umputun/briefly/app/service"
	"github.com/umputun/briefly/app/web/mocks"
)

func newTestService(t *testing.T) *service.Service {
	t.Helper()
	store, err := persistence.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	svc := service.New(service.Params{Backend: store})
	require.NoError(t, svc.Init(t.Context()))
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// newTestServer starts http server with all routes, cfg.Service is set to sqlite backed service if missing
func newTestServer(t *testing.T, cfg Config) (*httptest.Server, JobService) {
	t.Helper()
	if cfg.Service == nil {
		cfg.Service = newTestService(t)
	}
	if cfg.Version == "" {
		cfg.Version = "test"
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, cfg.Service
}

func doJSON(t *testing.T, method, url, body string, headers ...string) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func createJob(t *testing.T, ts *httptest.Server, body string) string {
	t.Helper()
	code, data := doJSON(t, http.MethodPost, ts.URL+"/api/jobs", body)
	require.Equal(t, http.StatusOK, code, string(data))
	var resp CreateJobResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	require.NotEmpty(t, resp.JobID)
	assert.Equal(t, "pending", resp.Status)
	return resp.JobID
}

func getJob(t *testing.T, ts *httptest.Server, id string) JobResponse {
	t.Helper()
	code, data := doJSON(t, http.MethodGet, ts.URL+"/api/jobs/"+id, "")
	require.Equal(t, http.StatusOK, code, string(data))
	var resp JobResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	srv, err := New(Config{Service: newTestService(t)})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, srv.maxWait)
	assert.Equal(t, 500*time.Millisecond, srv.waitInterval)
	assert.NotNil(t, srv.webhookLmt)
}

func TestServer_Health(t *testing.T) {
	ts, _ := newTestServer(t, Config{Version: "v1.2.3"})
	code, data := doJSON(t, http.MethodGet, ts.URL+"/api/health", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok","database":"sqlite","version":"v1.2.3"}`, string(data))

	code, _ = doJSON(t, http.MethodGet, ts.URL+"/ping", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestServer_CreateJob(t *testing.T) {
	ts, _ := newTestServer(t, Config{})

	id := createJob(t, ts, `{"type":"briefing","params":{"hours_back":24}}`)
	job := getJob(t, ts, id)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "briefing", job.Type)
	assert.Equal(t, "pending", job.Status)
	assert.Equal(t, "local", job.Source)
	assert.Equal(t, persistence.Blob{"hours_back": float64(24)}, job.Input)
	_, err := time.Parse(time.RFC3339, job.CreatedAt)
	assert.NoError(t, err)

	tbl := []struct {
		name, body string
	}{
		{"bad json", `{"type":`},
		{"unknown type", `{"type":"podcast"}`},
		{"missing type", `{"params":{}}`},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			code, data := doJSON(t, http.MethodPost, ts.URL+"/api/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, code, string(data))
		})
	}
}

func TestServer_CreateJobDelegated(t *testing.T) {
	deleg := &mocks.DelegatorMock{
		EnabledFunc:  func() bool { return true },
		DispatchFunc: func(persistence.Job) {},
	}
	ts, _ := newTestServer(t, Config{Delegator: deleg})

	id := createJob(t, ts, `{"type":"transcription","params":{"url":"https://example.com/v"}}`)
	require.Len(t, deleg.DispatchCalls(), 1)
	dispatched := deleg.DispatchCalls()[0].Job
	assert.Equal(t, id, dispatched.ID)
	assert.Equal(t, persistence.TypeTranscription, dispatched.Type)
	assert.Equal(t, persistence.Blob{"url": "https://example.com/v"}, dispatched.Input)
	assert.Equal(t, "external", getJob(t, ts, id).Source)
}

func TestServer_LargeIntegers(t *testing.T) {
	deleg := &mocks.DelegatorMock{
		EnabledFunc:  func() bool { return true },
		DispatchFunc: func(persistence.Job) {},
	}
	ts, _ := newTestServer(t, Config{Delegator: deleg})

	id := createJob(t, ts, `{"type":"briefing","params":{"since_id":1790000000000000001,"hours_back":24}}`)
	require.Len(t, deleg.DispatchCalls(), 1)
	assert.Equal(t, persistence.Blob{"since_id": json.Number("1790000000000000001"), "hours_back": json.Number("24")},
		deleg.DispatchCalls()[0].Job.Input, "params handed to the workflow engine unchanged")

	code, data := doJSON(t, http.MethodPost, ts.URL+"/api/n8n/progress",
		`{"job_id":"`+id+`","step":"Fetching X","media_status":{"x":{"newest_id":1790000000000000003}}}`)
	require.Equal(t, http.StatusOK, code, string(data))
	code, data = doJSON(t, http.MethodGet, ts.URL+"/api/jobs/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(data), `"since_id":1790000000000000001`)
	assert.Contains(t, string(data), `"newest_id":1790000000000000003`)

	code, data = doJSON(t, http.MethodPost, ts.URL+"/api/n8n/complete",
		`{"job_id":"`+id+`","result":{"last_id":1790000000000000002}}`)
	require.Equal(t, http.StatusOK, code, string(data))
	code, data = doJSON(t, http.MethodGet, ts.URL+"/api/jobs/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(data), `"since_id":1790000000000000001`)
	assert.Contains(t, string(data), `"last_id":1790000000000000002`)
}

func TestServer_CreateJobDelegationDisabled(t *testing.T) {
	deleg := &mocks.DelegatorMock{
		EnabledFunc:  func() bool { return false },
		DispatchFunc: func(persistence.Job) { t.Fatal("dispatch should not be called") },
	}
	done := make(chan string, 1)
	runner := func(_ context.Context, job persistence.Job) { done <- job.ID }
	ts, _ := newTestServer(t, Config{Delegator: deleg, Runner: runner})

	id := createJob(t, ts, `{"type":"briefing"}`)
	select {
	case got := <-done:
		assert.Equal(t, id, got)
	case <-time.After(5 * time.Second):
		t.Fatal("runner was not called")
	}
	job := getJob(t, ts, id)
	assert.Equal(t, "local", job.Source)
	assert.Equal(t, persistence.Blob{}, job.Input, "missing params stored as empty object")
}

func TestServer_GetJob(t *testing.T) {
	ts, _ := newTestServer(t, Config{})

	code, data := doJSON(t, http.MethodGet, ts.URL+"/api/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.JSONEq(t, `{"error":"job not found"}`, string(data))

	id := createJob(t, ts, `{"type":"briefing"}`)
	code, data = doJSON(t, http.MethodGet, ts.URL+"/api/jobs/"+id, "")
	require.Equal(t, http.StatusOK, code)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, k := range []string{"started_at", "completed_at", "progress", "output", "error"} {
		v, ok := raw[k]
		assert.True(t, ok, "field %s present", k)
		assert.Nil(t, v, "field %s is null", k)
	}
}

func TestServer_Lifecycle(t *testing.T) {
	ts, _ := newTestServer(t, Config{})
	id := createJob(t, ts, `{"type":"briefing","params":{"hours_back":24}}`)
	assert.Equal(t, "pending", getJob(t, ts, id).Status)

	code, data := doJSON(t, http.MethodPost, ts.URL+"/api/n8n/progress",
		`{"job_id":"`+id+`","step":"Fetching X","media_status":{"x":{"status":"fetching"}},"current":1,"total":3}`)
	require.Equal(t, http.StatusOK, code, string(data))
	assert.JSONEq(t, `{"ok":true}`, string(data))

	job := getJob(t, ts, id)
	assert.Equal(t, "running", job.Status)
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, persistence.Blob{"step": "Fetching X", "media_status": map[string]any{"x": map[string]any{"status": "fetching"}},
		"current": float64(1), "total": float64(3)}, job.Progress)

	// progress replaces the previous record entirely
	code, _ = doJSON(t, http.MethodPost, ts.URL+"/api/n8n/progress", `{"job_id":"`+id+`","step":"Summarizing"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, persistence.Blob{"step": "Summarizing"}, getJob(t, ts, id).Progress)

	code, data = doJSON(t, http.MethodPost, ts.URL+"/api/n8n/complete",
		`{"job_id":"`+id+`","status":"completed","result":{"items":42}}`)
	require.Equal(t, http.StatusOK, code, string(data))

	job = getJob(t, ts, id)
	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, persistence.Blob{"items": float64(42)}, job.Output)
	require.NotNil(t, job.CompletedAt)
	assert.Nil(t, job.Error)

	// late progress is acknowledged but ignored
	code, data = doJSON(t, http.MethodPost, ts.URL+"/api/n8n/progress", `{"job_id":"`+id+`","step":"late"}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	job = getJob(t, ts, id)
	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, persistence.Blob{"step": "Summarizing"}, job.Progress)

	// redelivered completion is a no-op
	code, _ = doJSON(t, http.MethodPost, ts.URL+"/api/n8n/complete", `{"job_id":"`+id+`","error":"too late"}`)
	require.Equal(t, http.StatusOK, code)
	job = getJob(t, ts, id)
	assert.Equal(t, "completed", job.Status)
	assert.Nil(t, job.Error)
}

func TestServer_CompleteFailed(t *testing.T) {
	ts, _ := newTestServer(t, Config{})
	id := createJob(t, ts, `{"type":"extraction"}`)

	code, data := doJSON(t, http.MethodPost, ts.URL+"/api/n8n/complete",
		`{"job_id":"`+id+`","status":"failed","error":"source unavailable"}`)
	require.Equal(t, http.StatusOK, code, string(data))
	job := getJob(t, ts, id)
	assert.Equal(t, "failed", job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "source unavailable", *job.Error)
	assert.Nil(t, job.Output)
}

func TestServer_WebhookValidation(t *testing.T) {
	ts, svc := newTestServer(t, Config{})
	id := createJob(t, ts, `{"type":"briefing"}`)

	tbl := []struct {
		name, path, body string
		code             int
	}{
		{"progress bad json", "/api/n8n/progress", `{"job_id":`, http.StatusBadRequest},
		{"progress no job id", "/api/n8n/progress", `{"step":"x"}`, http.StatusBadRequest},
		{"progress no step", "/api/n8n/progress", `{"job_id":"` + id + `"}`, http.StatusBadRequest},
		{"progress unknown job", "/api/n8n/progress", `{"job_id":"missing","step":"x"}`, http.StatusNotFound},
		{"complete bad json", "/api/n8n/complete", `[]`, http.StatusBadRequest},
		{"complete no job id", "/api/n8n/complete", `{"result":{}}`, http.StatusBadRequest},
		{"complete neither", "/api/n8n/complete", `{"job_id":"` + id + `"}`, http.StatusBadRequest},
		{"complete both", "/api/n8n/complete", `{"job_id":"` + id + `","result":{},"error":"x"}`, http.StatusBadRequest},
		{"complete status mismatch", "/api/n8n/complete", `{"job_id":"` + id + `","status":"failed","result":{}}`,
			http.StatusBadRequest},
		{"complete status mismatch error", "/api/n8n/complete", `{"job_id":"` + id + `","status":"completed","error":"x"}`,
			http.StatusBadRequest},
		{"complete bad status", "/api/n8n/complete", `{"job_id":"` + id + `","status":"done","result":{}}`,
			http.StatusBadRequest},
		{"complete unknown job", "/api/n8n/complete", `{"job_id":"missing","result":{}}`, http.StatusNotFound},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			code, data := doJSON(t, http.MethodPost, ts.URL+tt.path, tt.body)
			assert.Equal(t, tt.code, code, string(data))
		})
	}

	// nothing was mutated
	job, err := svc.Get(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusPending, job.Status)
	assert.Nil(t, job.Progress)
	jobs, err := svc.ListRecent(t.Context(), persistence.ListRequest{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "unknown job id never creates a job")
}

func TestServer_ListJobs(t *testing.T) {
	ts, _ := newTestServer(t, Config{})

	code, data := doJSON(t, http.MethodGet, ts.URL+"/api/jobs", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(data))

	ids := make([]string, 0, 5)
	for range 5 {
		ids = append(ids, createJob(t, ts, `{"type":"briefing"}`))
	}

	code, data = doJSON(t, http.MethodGet, ts.URL+"/api/jobs?limit=2", "")
	require.Equal(t, http.StatusOK, code)
	var jobs []JobResponse
	require.NoError(t, json.Unmarshal(data, &jobs))
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[4], jobs[0].ID)
	assert.Equal(t, ids[3], jobs[1].ID)

	code, _ = doJSON(t, http.MethodPost, ts.URL+"/api/n8n/complete", `{"job_id":"`+ids[0]+`","result":{}}`)
	require.Equal(t, http.StatusOK, code)
	code, data = doJSON(t, http.MethodGet, ts.URL+"/api/jobs?status=completed", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(data, &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, ids[0], jobs[0].ID)

	for _, q := range []string{"limit=abc", "limit=-1", "status=done"} {
		code, _ = doJSON(t, http.MethodGet, ts.URL+"/api/jobs?"+q, "")
		assert.Equal(t, http.StatusBadRequest, code, q)
	}
}

func TestServer_ActiveJob(t *testing.T) {
	ts, _ := newTestServer(t, Config{})

	code, data := doJSON(t, http.MethodGet, ts.URL+"/api/jobs/active", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.JSONEq(t, `{"error":"no active job"}`, string(data))

	first := createJob(t, ts, `{"type":"briefing"}`)
	second := createJob(t, ts, `{"type":"briefing"}`)
	code, _ = doJSON(t, http.MethodPost, ts.URL+"/api/n8n/progress", `{"job_id":"`+first+`","step":"x"}`)
	require.Equal(t, http.StatusOK, code)

	code, data = doJSON(t, http.MethodGet, ts.URL+"/api/jobs/active", "")
	require.Equal(t, http.StatusOK, code)
	var job JobResponse
	require.NoError(t, json.Unmarshal(data, &job))
	assert.Equal(t, second, job.ID, "most recently created active job")
}

func TestServer_WaitJob(t *testing.T) {
	ts, svc := newTestServer(t, Config{WaitInterval: 10 * time.Millisecond})

	t.Run("timeout", func(t *testing.T) {
		id := createJob(t, ts, `{"type":"briefing"}`)
		code, data := doJSON(t, http.MethodGet, ts.URL+"/api/jobs/"+id+"/wait?timeout=100ms", "")
		assert.Equal(t, http.StatusRequestTimeout, code, string(data))
	})

	t.Run("completed", func(t *testing.T) {
		id := createJob(t, ts, `{"type":"briefing"}`)
		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = svc.Complete(context.Background(), id, persistence.Blob{"items": 1})
		}()
		code, data := doJSON(t, http.MethodGet, ts.URL+"/api/jobs/"+id+"/wait?timeout=5", "")
		require.Equal(t, http.StatusOK, code, string(data))
		var job JobResponse
		require.NoError(t, json.Unmarshal(data, &job))
		assert.Equal(t, "completed", job.Status)
	})

	t.Run("missing", func(t *testing.T) {
		code, _ := doJSON(t, http.MethodGet, ts.URL+"/api/jobs/missing/wait?timeout=1s", "")
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("client gone", func(t *testing.T) {
		srv, err := New(Config{Service: svc, WaitInterval: 10 * time.Millisecond})
		require.NoError(t, err)
		id := createJob(t, ts, `{"type":"briefing"}`)

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)
		req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/wait?timeout=5s", http.NoBody).WithContext(ctx)
		rec := httptest.NewRecorder()
		srv.routes().ServeHTTP(rec, req)
		assert.Empty(t, rec.Body.String(), "nothing written to a gone client")
		assert.Empty(t, rec.Header().Get("Content-Type"))
		assert.Equal(t, "pending", getJob(t, ts, id).Status)
	})

	t.Run("bad timeout", func(t *testing.T) {
		for _, v := range []string{"abc", "-1s", "0"} {
			code, _ := doJSON(t, http.MethodGet, ts.URL+"/api/jobs/any/wait?timeout="+v, "")
			assert.Equal(t, http.StatusBadRequest, code, v)
		}
	})
}

func TestServer_CancelJob(t *testing.T) {
	ts, _ := newTestServer(t, Config{})

	id := createJob(t, ts, `{"type":"briefing"}`)
	code, data := doJSON(t, http.MethodPost, ts.URL+"/api/jobs/"+id+"/cancel", `{"reason":"user request"}`)
	require.Equal(t, http.StatusOK, code, string(data))
	assert.JSONEq(t, `{"ok":true}`, string(data))
	job := getJob(t, ts, id)
	assert.Equal(t, "cancelled", job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "user request", *job.Error)

	// cancel without body, already cancelled
	code, _ = doJSON(t, http.MethodPost, ts.URL+"/api/jobs/"+id+"/cancel", "")
	assert.Equal(t, http.StatusOK, code)

	other := createJob(t, ts, `{"type":"briefing"}`)
	code, _ = doJSON(t, http.MethodPost, ts.URL+"/api/jobs/"+other+"/cancel", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", getJob(t, ts, other).Status)

	code, _ = doJSON(t, http.MethodPost, ts.URL+"/api/jobs/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = doJSON(t, http.MethodPost, ts.URL+"/api/jobs/"+id+"/cancel", `{"reason":`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServer_WebhookSchema(t *testing.T) {
	ts, _ := newTestServer(t, Config{})
	code, data := doJSON(t, http.MethodGet, ts.URL+"/api/n8n/schema", "")
	require.Equal(t, http.StatusOK, code)

	var resp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Contains(t, resp, "progress")
	require.Contains(t, resp, "complete")
	assert.Contains(t, string(resp["progress"]), "step_detail")
	assert.Contains(t, string(resp["complete"]), "result")
}

func TestServer_WebhookAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("n8n-secret"), bcrypt.MinCost)
	require.NoError(t, err)
	ts, _ := newTestServer(t, Config{WebhookSecretHash: string(hash)})
	id := createJob(t, ts, `{"type":"briefing"}`)
	body := `{"job_id":"` + id + `","step":"x"}`

	code, _ := doJSON(t, http.MethodPost, ts.URL+"/api/n8n/progress", body)
	assert.Equal(t, http.StatusUnauthorized, code, "no token")

	code, _ = doJSON(t, http.MethodPost, ts.URL+"/api/n8n/progress", body, "X-Webhook-Token", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code, "wrong token")

	for range 2 { // second call served from token cache
		code, _ = doJSON(t, http.MethodPost, ts.URL+"/api/n8n/progress", body, "X-Webhook-Token", "n8n-secret")
		assert.Equal(t, http.StatusOK, code)
	}

	code, _ = doJSON(t, http.MethodPost, ts.URL+"/api/n8n/complete", `{"job_id":"`+id+`","result":{}}`)
	assert.Equal(t, http.StatusUnauthorized, code)

	// polling api is not protected
	code, _ = doJSON(t, http.MethodGet, ts.URL+"/api/jobs/"+id, "")
	assert.Equal(t, http.StatusOK, code)
}

func TestServer_WebhookRateLimit(t *testing.T) {
	ts, _ := newTestServer(t, Config{WebhookRateLimit: 1})
	limited := false
	for range 10 {
		code, _ := doJSON(t, http.MethodPost, ts.URL+"/api/n8n/progress", `{"job_id":"missing","step":"x"}`)
		if code == http.StatusTooManyRequests {
			limited = true
			break
		}
		assert.Equal(t, http.StatusNotFound, code)
	}
	assert.True(t, limited, "expected rate limit to kick in")
}

func TestServer_StorageError(t *testing.T) {
	storeErr := &persistence.StorageError{Op: "get", Err: errors.New("connection refused")}
	ts, _ := newTestServer(t, Config{Service: &failingService{JobService: newTestService(t), err: storeErr}})

	code, data := doJSON(t, http.MethodGet, ts.URL+"/api/jobs/some-id", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.JSONEq(t, `{"error":"internal error"}`, string(data), "storage details not leaked")

	code, _ = doJSON(t, http.MethodGet, ts.URL+"/api/jobs/active", "")
	assert.Equal(t, http.StatusInternalServerError, code)

	code, _ = doJSON(t, http.MethodPost, ts.URL+"/api/n8n/progress", `{"job_id":"some-id","step":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestServer_writeJSON(t *testing.T) {
	srv := &Server{}
	w := httptest.NewRecorder()
	srv.writeJSON(w, http.StatusCreated, map[string]int{"a": 1})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"a":1}`, w.Body.String())

	w = httptest.NewRecorder()
	srv.writeJSONError(w, http.StatusBadRequest, "bad")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"bad"}`, w.Body.String())
}

func TestParseTimeout(t *testing.T) {
	tbl := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"10", 10 * time.Second, false},
		{"10s", 10 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"1m", time.Minute, false},
		{"soon", 0, true},
	}
	for _, tt := range tbl {
		d, err := parseTimeout(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, d, tt.in)
	}
}

func TestToJobResponse(t *testing.T) {
	created := time.Date(2026, 10, 15, 12, 0, 0, 0, time.FixedZone("EST", -5*3600))
	started := created.Add(time.Second)
	errMsg := "boom"
	resp := toJobResponse(persistence.Job{ID: "j1", Type: persistence.TypeBriefing, Status: persistence.StatusFailed,
		CreatedAt: created, StartedAt: &started, CompletedAt: &started, Error: &errMsg, Source: persistence.SourceLocal})

	assert.Equal(t, "2026-10-15T17:00:00Z", resp.CreatedAt)
	require.NotNil(t, resp.StartedAt)
	assert.Equal(t, "2026-10-15T17:00:01Z", *resp.StartedAt)
	assert.Equal(t, "failed", resp.Status)
	assert.Equal(t, "boom", *resp.Error)

	buf := bytes.Buffer{}
	require.NoError(t, json.NewEncoder(&buf).Encode(resp))
	assert.Contains(t, buf.String(), `"output":null`)
}

// failingService returns err from every read, mutations go to the embedded service
type failingService struct {
	JobService
	err error
}

func (f *failingService) Get(context.Context, string) (persistence.Job, error) {
	return persistence.Job{}, f.err
}

func (f *failingService) GetActive(context.Context) (persistence.Job, error) {
	return persistence.Job{}, f.err
}
