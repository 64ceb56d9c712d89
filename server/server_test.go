package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/studioos/auth"
	"github.com/teranos/studioos/blob"
	"github.com/teranos/studioos/delivery"
	studiotest "github.com/teranos/studioos/internal/testing"
	"github.com/teranos/studioos/pulse"
	"github.com/teranos/studioos/pulse/async"
)

// pendingAdapter accepts every submission and never finishes it
type pendingAdapter struct{ id delivery.PlatformID }

func (a pendingAdapter) Platform() delivery.PlatformID { return a.id }

func (a pendingAdapter) Submit(ctx context.Context, assets []delivery.AssetRef, cfg delivery.PlatformConfig) (delivery.Handle, error) {
	return delivery.Handle(string(a.id) + "-1"), nil
}

func (a pendingAdapter) Status(ctx context.Context, h delivery.Handle) (delivery.StatusReport, error) {
	return delivery.StatusReport{Status: delivery.StatusProcessing, Progress: 40}, nil
}

func (a pendingAdapter) Cancel(ctx context.Context, h delivery.Handle) error { return nil }

type testEnv struct {
	server *StudioServer
	http   *httptest.Server
	queue  *async.Queue
	pub    *pulse.Publisher
}

func newTestEnv(t *testing.T, capacity int) *testEnv {
	t.Helper()
	db := studiotest.CreateTestDB(t)
	log := zap.NewNop().Sugar()
	pub := pulse.NewPublisher()

	cfg := async.DefaultQueueConfig()
	cfg.Capacity = capacity
	queue := async.NewQueue(db, pub, cfg, log)
	t.Cleanup(queue.Close)

	registry := delivery.NewAdapterRegistry()
	registry.Register(pendingAdapter{"spotify"}, delivery.PlatformConfig{Name: "Spotify"})
	registry.Register(pendingAdapter{"tidal"}, delivery.PlatformConfig{Name: "TIDAL", Requirements: delivery.Requirements{MinSampleRate: 44100}})
	orch := delivery.NewOrchestrator(db, registry, pub, delivery.OrchestratorConfig{PollInterval: 10 * time.Millisecond}, log)
	t.Cleanup(orch.Stop)

	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	s, err := New(Deps{
		Queue:          queue,
		Orchestrator:   orch,
		Blobs:          blobs,
		Publisher:      pub,
		AllowedOrigins: []string{"https://studio.example.com"},
		Logger:         log,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})
	return &testEnv{server: s, http: ts, queue: queue, pub: pub}
}

// do sends a request as role and decodes a JSON reply into out when given
func (e *testEnv) do(t *testing.T, role auth.Role, method, path string, body interface{}, out interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	if role != "" {
		req.Header.Set(auth.RoleHeader, string(role))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func normalizeJob() map[string]interface{} {
	return map[string]interface{}{
		"type":       "normalize",
		"priority":   "high",
		"projectId":  "album-7",
		"assetIds":   []string{"trk-1", "trk-2"},
		"parameters": map[string]interface{}{"targetLufs": -14},
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, 10)

	var created idResponse
	resp := env.do(t, auth.RoleStandard, http.MethodPost, "/api/jobs", normalizeJob(), &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "queued", created.State)

	var job async.Job
	resp = env.do(t, auth.RoleViewer, http.MethodGet, "/api/jobs/"+created.ID, nil, &job)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, async.PriorityHigh, job.Priority)
	assert.Equal(t, []string{"trk-1", "trk-2"}, job.AssetIDs)
	assert.JSONEq(t, `{"targetLufs":-14}`, string(job.Parameters))

	var page async.JobPage
	resp = env.do(t, auth.RoleViewer, http.MethodGet, "/api/jobs?state=queued&project=album-7", nil, &page)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, page.Total)

	var cancelled async.Job
	resp = env.do(t, auth.RoleBasic, http.MethodPost, "/api/jobs/"+created.ID+"/cancel", nil, &cancelled)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, async.StateCancelled, cancelled.State)

	var errResp errorResponse
	resp = env.do(t, auth.RoleBasic, http.MethodPost, "/api/jobs/"+created.ID+"/cancel", nil, &errResp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "terminal", errResp.Code)

	resp = env.do(t, auth.RoleStandard, http.MethodPost, "/api/jobs/"+created.ID+"/retry", nil, &errResp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotEmpty(t, errResp.Hints, "retry of a cancelled job points at rerun")

	var rerun idResponse
	resp = env.do(t, auth.RoleStandard, http.MethodPost, "/api/jobs/"+created.ID+"/rerun", nil, &rerun)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEqual(t, created.ID, rerun.ID)
}

func TestJobErrorsMapToStatus(t *testing.T) {
	env := newTestEnv(t, 1)

	var errResp errorResponse
	resp := env.do(t, auth.RoleViewer, http.MethodGet, "/api/jobs/job_missing", nil, &errResp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errResp.Code)

	bad := normalizeJob()
	bad["priority"] = "urgent"
	resp = env.do(t, auth.RoleBasic, http.MethodPost, "/api/jobs", bad, &errResp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	unknown := normalizeJob()
	unknown["priorty"] = 1
	resp = env.do(t, auth.RoleBasic, http.MethodPost, "/api/jobs", unknown, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "misspelled fields are rejected")

	resp = env.do(t, auth.RoleViewer, http.MethodGet, "/api/jobs?state=paused", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, auth.RoleViewer, http.MethodGet, "/api/jobs?since=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	numeric := normalizeJob()
	numeric["priority"] = 0
	resp = env.do(t, auth.RoleBasic, http.MethodPost, "/api/jobs", numeric, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, auth.RoleBasic, http.MethodPost, "/api/jobs", normalizeJob(), &errResp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "queue holds one job")
	assert.Equal(t, "capacity", errResp.Code)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
}

func TestRolesAreEnforcedServerSide(t *testing.T) {
	env := newTestEnv(t, 10)

	var errResp errorResponse
	resp := env.do(t, "", http.MethodPost, "/api/jobs", normalizeJob(), &errResp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", errResp.Code)

	resp = env.do(t, auth.RoleViewer, http.MethodPost, "/api/jobs", normalizeJob(), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, auth.RoleApprover, http.MethodPost, "/api/jobs", normalizeJob(), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, "", http.MethodGet, "/api/jobs", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "reads need a role too")

	resp = env.do(t, "ROOT", http.MethodGet, "/api/jobs", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, "", http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func deliveryRequest(platforms ...string) map[string]interface{} {
	return map[string]interface{}{
		"title":     "Night Drive EP",
		"projectId": "album-7",
		"assets": []map[string]interface{}{
			{"id": "trk-1", "key": "blob-1", "format": "wav", "sampleRate": 48000, "bitDepth": 24},
		},
		"platformIds": platforms,
	}
}

func TestDeliveryOverHTTP(t *testing.T) {
	env := newTestEnv(t, 10)

	resp := env.do(t, auth.RoleStandard, http.MethodPost, "/api/deliveries", deliveryRequest("spotify", "tidal"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "standard engineers deliver one platform at a time")

	var created idResponse
	resp = env.do(t, auth.RoleApprover, http.MethodPost, "/api/deliveries", deliveryRequest("spotify", "tidal"), &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "pending", created.State)

	require.Eventually(t, func() bool {
		var d delivery.Delivery
		env.do(t, auth.RoleViewer, http.MethodGet, "/api/deliveries/"+created.ID, nil, &d)
		return len(d.PlatformDeliveries) == 2 &&
			d.PlatformDeliveries["spotify"].Status == delivery.StatusProcessing &&
			d.PlatformDeliveries["tidal"].Status == delivery.StatusProcessing
	}, 5*time.Second, 20*time.Millisecond)

	var d delivery.Delivery
	resp = env.do(t, auth.RoleApprover, http.MethodPost, "/api/deliveries/"+created.ID+"/cancel",
		map[string]interface{}{"platformIds": []string{"tidal"}}, &d)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, delivery.StatusCancelled, d.PlatformDeliveries["tidal"].Status)
	assert.Equal(t, delivery.StatusProcessing, d.PlatformDeliveries["spotify"].Status)

	resp = env.do(t, auth.RoleAdvanced, http.MethodPost, "/api/deliveries/"+created.ID+"/retry",
		map[string]interface{}{"platformIds": []string{"spotify"}}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "spotify is still processing")

	resp = env.do(t, auth.RoleStandard, http.MethodPost, "/api/deliveries/"+created.ID+"/retry", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, auth.RoleAdvanced, http.MethodPost, "/api/deliveries/"+created.ID+"/retry", nil, &d)
	require.Equal(t, http.StatusOK, resp.StatusCode, "an empty body retries every cancelled platform")
	assert.Equal(t, delivery.StatusPending, d.PlatformDeliveries["tidal"].Status)

	var page delivery.Page
	resp = env.do(t, auth.RoleViewer, http.MethodGet, "/api/deliveries?project=album-7", nil, &page)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, page.Total)

	resp = env.do(t, auth.RoleViewer, http.MethodGet, "/api/deliveries?status=shipped", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeliveryPreconditionsReported(t *testing.T) {
	env := newTestEnv(t, 10)

	req := deliveryRequest("tidal")
	req["assets"] = []map[string]interface{}{
		{"id": "trk-1", "key": "blob-1", "format": "mp3", "sampleRate": 22050},
	}
	var errResp errorResponse
	resp := env.do(t, auth.RoleStandard, http.MethodPost, "/api/deliveries", req, &errResp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Len(t, errResp.Hints, 1)
	assert.Contains(t, errResp.Hints[0], "sample rate")

	resp = env.do(t, auth.RoleStandard, http.MethodPost, "/api/deliveries", deliveryRequest("deezer"), &errResp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, strings.Join(errResp.Hints, "\n"), "unknown platform")

	resp = env.do(t, auth.RoleViewer, http.MethodGet, "/api/deliveries/dlv_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPlatformsAndStats(t *testing.T) {
	env := newTestEnv(t, 10)

	var platforms struct {
		Platforms []map[string]interface{} `json:"platforms"`
		Count     int                      `json:"count"`
	}
	resp := env.do(t, auth.RoleViewer, http.MethodGet, "/api/platforms", nil, &platforms)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, platforms.Count)
	_, leaked := platforms.Platforms[0]["apiKey"]
	assert.False(t, leaked, "API keys never leave the server")

	env.do(t, auth.RoleBasic, http.MethodPost, "/api/jobs", normalizeJob(), nil)

	var stats struct {
		Jobs async.QueueStats `json:"jobs"`
	}
	resp = env.do(t, auth.RoleViewer, http.MethodGet, "/api/engine/stats", nil, &stats)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, stats.Jobs.ByState[async.StateQueued])
	assert.Equal(t, 1, stats.Jobs.Pending["high"])
}

func TestBlobUploadAndDownload(t *testing.T) {
	env := newTestEnv(t, 10)

	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/api/blobs", strings.NewReader("RIFF master bytes"))
	require.NoError(t, err)
	req.Header.Set(auth.RoleHeader, string(auth.RoleBasic))
	resp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.True(t, blob.ValidKey(created["key"]))

	get, err := http.NewRequest(http.MethodGet, env.http.URL+"/api/blobs/"+created["key"], nil)
	require.NoError(t, err)
	get.Header.Set(auth.RoleHeader, string(auth.RoleViewer))
	resp2, err := env.http.Client().Do(get)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	data, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Equal(t, "RIFF master bytes", string(data))

	r := env.do(t, auth.RoleViewer, http.MethodGet, "/api/blobs/9b2f8f9e-3c51-4c1e-9a53-0d4a4e3b2f10", nil, nil)
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
	r = env.do(t, auth.RoleViewer, http.MethodGet, "/api/blobs/not-a-key", nil, nil)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
	r = env.do(t, auth.RoleApprover, http.MethodPost, "/api/blobs", "x", nil)
	assert.Equal(t, http.StatusForbidden, r.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, 10)

	req, err := http.NewRequest(http.MethodOptions, env.http.URL+"/api/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://studio.example.com")
	resp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://studio.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), auth.RoleHeader)

	req.Header.Set("Origin", "https://evil.example.net")
	resp2, err := env.http.Client().Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocketStreamsJobSnapshots(t *testing.T) {
	env := newTestEnv(t, 10)

	var created idResponse
	resp := env.do(t, auth.RoleBasic, http.MethodPost, "/api/jobs", normalizeJob(), &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws?role=VIEWER&job=" + created.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello wsMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello.Type)
	assert.Equal(t, []string{pulse.JobKey(created.ID)}, hello.Keys)

	var first wsMessage
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, "snapshot", first.Type)
	assert.Equal(t, "queued", first.Snapshot.State, "late joiners start from the current state")

	env.do(t, auth.RoleBasic, http.MethodPost, "/api/jobs/"+created.ID+"/cancel", nil, nil)

	var next wsMessage
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, "cancelled", next.Snapshot.State)
	assert.True(t, next.Snapshot.Terminal)
	assert.Equal(t, 1, env.server.ClientCount())
}

func TestWebSocketRequiresRole(t *testing.T) {
	env := newTestEnv(t, 10)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStatusForError(t *testing.T) {
	status, code := statusForError(io.EOF)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal", code)

	rec := httptest.NewRecorder()
	writeWrappedError(rec, zap.NewNop().Sugar(), io.ErrUnexpectedEOF, "failed to read things")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "unexpected EOF", "internal errors stay internal")
}
