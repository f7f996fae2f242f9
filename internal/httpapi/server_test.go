package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sorabot/internal/job"
	logx "sorabot/pkg/logx"
)

type fakeJobs struct {
	notified  []string
	notifyErr error
	jobs      map[string]*job.Job
	counts    map[job.State]int
}

func (f *fakeJobs) Notify(_ context.Context, ext string) error {
	f.notified = append(f.notified, ext)
	return f.notifyErr
}

func (f *fakeJobs) Get(_ context.Context, id string) (*job.Job, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, job.ErrNotFound
}

func (f *fakeJobs) Counts(context.Context) (map[job.State]int, error) {
	return f.counts, nil
}

func do(t *testing.T, h http.Handler, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const completed = `{"event_name":"VIDEO_GENERATION_COMPLETED","data":{"uuid":"ext-1","media_url":"https://cdn/v.mp4"}}`

func TestHealth(t *testing.T) {
	jobs := &fakeJobs{counts: map[job.State]int{job.StatePolling: 2, job.StatePending: 1, job.StateDelivered: 7}}
	s := New(Config{}, jobs, logx.Nop())
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	rec := do(t, s.Routes(), http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got healthResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "healthy", got.Status)
	require.Equal(t, 3, got.PendingJobs)
	require.Equal(t, 7, got.Counts["delivered"])
	require.Equal(t, "2026-01-02T03:04:05Z", got.Timestamp)
}

func TestCallbackNotifies(t *testing.T) {
	jobs := &fakeJobs{}
	h := New(Config{}, jobs, logx.Nop()).Routes()

	rec := do(t, h, http.MethodPost, DefaultCallbackPath, completed, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"ext-1"}, jobs.notified)

	rec = do(t, h, http.MethodPost, DefaultCallbackPath, `not json`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackUnknownJobIsAccepted(t *testing.T) {
	jobs := &fakeJobs{notifyErr: job.ErrNotFound}
	h := New(Config{}, jobs, logx.Nop()).Routes()

	rec := do(t, h, http.MethodPost, DefaultCallbackPath, completed, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ignored")

	jobs.notifyErr = errors.New("db down")
	rec = do(t, h, http.MethodPost, DefaultCallbackPath, completed, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCallbackSecret(t *testing.T) {
	jobs := &fakeJobs{}
	h := New(Config{CallbackPath: "/hooks/sora", CallbackSecret: "s3cret"}, jobs, logx.Nop()).Routes()

	rec := do(t, h, http.MethodPost, "/hooks/sora", completed, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/hooks/sora", completed, map[string]string{"X-Callback-Secret": "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/hooks/sora?secret=s3cret", completed, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, jobs.notified, 2)
}

func TestGetJob(t *testing.T) {
	j := job.New(1, 10, 0, "cat", job.Params{}, "", time.Now())
	jobs := &fakeJobs{jobs: map[string]*job.Job{j.ID: j}}
	h := New(Config{}, jobs, logx.Nop()).Routes()

	rec := do(t, h, http.MethodGet, "/jobs/"+j.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got job.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, j.ID, got.ID)
	require.Equal(t, job.StatePending, got.State)
	require.Empty(t, got.Prompt)

	rec = do(t, h, http.MethodGet, "/jobs/not-a-uuid", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/jobs/00000000-0000-0000-0000-000000000000", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobHidesDetailsWithoutSecret(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	j := job.New(42, 4200, 0, "private prompt", job.Params{}, "", at)
	require.NoError(t, j.Apply(job.Transition{To: job.StateSubmitted, ExternalID: "ext-42"}, at))
	jobs := &fakeJobs{jobs: map[string]*job.Job{j.ID: j}}
	h := New(Config{CallbackSecret: "s3cret"}, jobs, logx.Nop()).Routes()

	rec := do(t, h, http.MethodGet, "/jobs/"+j.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, `"state":"submitted"`)
	for _, leak := range []string{"private prompt", "ext-42", "user_id", "chat_id", "external_id"} {
		require.NotContains(t, body, leak)
	}

	rec = do(t, h, http.MethodGet, "/jobs/"+j.ID, "", map[string]string{"X-Callback-Secret": "wrong"})
	require.NotContains(t, rec.Body.String(), "private prompt")

	rec = do(t, h, http.MethodGet, "/jobs/"+j.ID, "", map[string]string{"X-Callback-Secret": "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)
	var full job.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &full))
	require.Equal(t, "private prompt", full.Prompt)
	require.Equal(t, int64(4200), full.ChatID)
	require.Equal(t, "ext-42", full.ExternalID)
}

func TestPprofIsOptIn(t *testing.T) {
	rec := do(t, New(Config{}, &fakeJobs{}, logx.Nop()).Routes(), http.MethodGet, "/debug/pprof/", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, New(Config{Pprof: true}, &fakeJobs{}, logx.Nop()).Routes(), http.MethodGet, "/debug/pprof/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
