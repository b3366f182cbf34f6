package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailroom/internal/config"
	"mailroom/internal/types"
)

// fakeBackend implements every handler dependency in memory.
type fakeBackend struct {
	jobs        map[string]types.Job
	paused      []string
	resumed     []string
	ran         []string
	rescheduled []string
	triggerList []types.Trigger
	ticketPage  *types.TicketPage

	pauseErr  error
	resumeErr error
	runErr    error
	listErr   error

	gotPage, gotPageSize int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		jobs: map[string]types.Job{
			"ticket-intake": {
				Definition: types.JobDefinition{
					Name:         "ticket-intake",
					Type:         types.JobTypeInterval,
					BaseInterval: 5,
					Priority:     types.PriorityHigh,
				},
				Status: types.JobStatusScheduled,
			},
			"cache-sweep": {
				Definition: types.JobDefinition{
					Name:         "cache-sweep",
					Type:         types.JobTypeInterval,
					BaseInterval: 30,
					Priority:     types.PriorityLow,
				},
				Status: types.JobStatusScheduled,
			},
		},
	}
}

func (f *fakeBackend) Get(name string) (types.Job, bool) {
	job, ok := f.jobs[name]
	return job, ok
}

func (f *fakeBackend) All() []types.Job {
	out := make([]types.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}

func (f *fakeBackend) PauseJob(_ context.Context, name string) error {
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.paused = append(f.paused, name)
	return nil
}

func (f *fakeBackend) ResumeJob(_ context.Context, name string) error {
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.resumed = append(f.resumed, name)
	return nil
}

func (f *fakeBackend) RescheduleInterval(_ context.Context, name string) (int, error) {
	f.rescheduled = append(f.rescheduled, name)
	return 2, nil
}

func (f *fakeBackend) Execute(_ context.Context, name string) error {
	if f.runErr != nil {
		return f.runErr
	}
	f.ran = append(f.ran, name)
	return nil
}

func (f *fakeBackend) List(_ context.Context) ([]types.Trigger, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.triggerList, nil
}

func (f *fakeBackend) ListPaginated(_ context.Context, page, pageSize int) (*types.TicketPage, error) {
	f.gotPage = page
	f.gotPageSize = pageSize
	if f.ticketPage != nil {
		return f.ticketPage, nil
	}
	return &types.TicketPage{Records: []types.Ticket{}, Page: page, PageSize: pageSize}, nil
}

func newTestServer(t *testing.T, f *fakeBackend, apiKeyHash string) *httptest.Server {
	t.Helper()
	h := NewJobsHandler(f, f, f, f, f)
	srv := NewServer(config.AdminConfig{
		Port:       "0",
		APIKeyHash: types.SecretString(apiKeyHash),
	}, nil, h)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, method, url string, headers map[string]string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var body map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	ts := newTestServer(t, newFakeBackend(), "$2a$10$somefakehashvalue")

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListJobs(t *testing.T) {
	ts := newTestServer(t, newFakeBackend(), "")

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/v1/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var data types.ListResponse[types.Job]
	require.NoError(t, json.Unmarshal(body["data"], &data))
	assert.Equal(t, 2, data.Total)
	assert.Len(t, data.Data, 2)
}

func TestGetJob(t *testing.T) {
	ts := newTestServer(t, newFakeBackend(), "")

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/v1/jobs/ticket-intake", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var job types.Job
	require.NoError(t, json.Unmarshal(body["data"], &job))
	assert.Equal(t, "ticket-intake", job.Definition.Name)
}

func TestGetJob_NotFound(t *testing.T) {
	ts := newTestServer(t, newFakeBackend(), "")

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/v1/jobs/ghost", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var detail ErrorDetail
	require.NoError(t, json.Unmarshal(body["error"], &detail))
	assert.Equal(t, string(types.ErrCodeNotFoundJob), detail.Code)
	assert.NotEmpty(t, detail.RequestID)
}

func TestPauseAndResumeJob(t *testing.T) {
	f := newFakeBackend()
	ts := newTestServer(t, f, "")

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/v1/jobs/ticket-intake/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"ticket-intake"}, f.paused)

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/v1/jobs/ticket-intake/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"ticket-intake"}, f.resumed)
}

func TestResumeJob_ConflictPropagates(t *testing.T) {
	f := newFakeBackend()
	f.resumeErr = types.NewAppError(types.ErrCodeConflictNotPaused, "job is not paused", nil)
	ts := newTestServer(t, f, "")

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/v1/jobs/ticket-intake/resume", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var detail ErrorDetail
	require.NoError(t, json.Unmarshal(body["error"], &detail))
	assert.Equal(t, string(types.ErrCodeConflictNotPaused), detail.Code)
}

func TestRunJob(t *testing.T) {
	f := newFakeBackend()
	ts := newTestServer(t, f, "")

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/v1/jobs/cache-sweep/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"cache-sweep"}, f.ran)
}

func TestRescheduleJob(t *testing.T) {
	f := newFakeBackend()
	ts := newTestServer(t, f, "")

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/v1/jobs/ticket-intake/reschedule", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"ticket-intake"}, f.rescheduled)

	var data map[string]any
	require.NoError(t, json.Unmarshal(body["data"], &data))
	assert.Equal(t, float64(2), data["interval_minutes"])
}

func TestListTriggers(t *testing.T) {
	f := newFakeBackend()
	f.triggerList = []types.Trigger{{
		Handle:       "h-1",
		JobName:      "ticket-intake",
		Kind:         types.TriggerKindInterval,
		EveryMinutes: 5,
		NextFire:     time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC),
	}}
	ts := newTestServer(t, f, "")

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/v1/triggers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var data types.ListResponse[types.Trigger]
	require.NoError(t, json.Unmarshal(body["data"], &data))
	require.Equal(t, 1, data.Total)
	assert.Equal(t, "ticket-intake", data.Data[0].JobName)
}

func TestListTickets_PaginationParams(t *testing.T) {
	f := newFakeBackend()
	ts := newTestServer(t, f, "")

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/v1/tickets?page=3&page_size=50", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, f.gotPage)
	assert.Equal(t, 50, f.gotPageSize)

	// Missing or malformed parameters fall back to defaults.
	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/v1/tickets?page=bogus", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, f.gotPage)
	assert.Equal(t, 20, f.gotPageSize)
}
