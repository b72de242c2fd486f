package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/meshq/admission"
	"github.com/hazyhaar/meshq/bridge"
	"github.com/hazyhaar/meshq/config"
	"github.com/hazyhaar/meshq/storage"
	"github.com/hazyhaar/meshq/store"
)

const (
	workerToken = "worker-secret"
	adminToken  = "admin-secret"
)

type harness struct {
	cfg    *config.Config
	store  *store.Store
	files  *storage.Store
	bridge *bridge.Bridge
	subs   *bridge.Registry
	server *httptest.Server
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.WorkerToken = workerToken
	cfg.AdminToken = adminToken
	cfg.DataDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	log := slog.New(slog.DiscardHandler)
	s := store.OpenMemory(t)
	files, err := storage.New(cfg.DataDir)
	require.NoError(t, err)
	subs := bridge.NewRegistry()
	b := bridge.New(s, files, subs, log, cfg.WorkerToken, 10*time.Millisecond)
	gate := admission.NewGate(s, log, cfg.UploadsPerDay, cfg.MaxPendingJobs)

	srv := New(cfg, s, files, gate, nil, b, subs, log)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &harness{cfg: cfg, store: s, files: files, bridge: b, subs: subs, server: ts}
}

var jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte("jfif payload")...)

func (h *harness) upload(t *testing.T, filename string, data []byte, settings string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	if settings != "" {
		require.NoError(t, mw.WriteField("settings", settings))
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(h.server.URL+"/api/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func (h *harness) adminReq(t *testing.T, method, path string, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.server.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUploadAccepted(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.upload(t, "cat.jpg", jpegBytes, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.NotEmpty(t, body["job_id"])
	require.Equal(t, "pending", body["status"])
	require.Equal(t, float64(1), body["queue_position"])
	require.Equal(t, float64(h.cfg.UploadsPerDay-1), body["remaining_quota"])

	// The job row and the input file both exist.
	job, err := h.store.Get(context.Background(), body["job_id"].(string))
	require.NoError(t, err)
	require.Equal(t, "cat.jpg", job.OriginalFilename)
	require.NotEmpty(t, job.InputHash)
	require.NotEmpty(t, job.InputRef)
	data, err := h.files.ReadInput(job.InputRef)
	require.NoError(t, err)
	require.Equal(t, jpegBytes, data)

	// Defaults applied.
	require.Equal(t, float64(50), job.Settings["steps"])
}

func TestUploadSettingsOverride(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.upload(t, "cat.jpg", jpegBytes, `{"steps": 30, "seed": 7}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)

	job, err := h.store.Get(context.Background(), body["job_id"].(string))
	require.NoError(t, err)
	require.Equal(t, float64(30), job.Settings["steps"])
	require.Equal(t, float64(7), job.Settings["seed"])
	// Untouched defaults survive the merge.
	require.Equal(t, float64(384), job.Settings["octree_res"])
}

func TestUploadRejectsNonImage(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.upload(t, "evil.jpg", []byte("<script>alert(1)</script>"), "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, decodeBody(t, resp)["error"], "unsupported")
}

func TestUploadQuota(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.UploadsPerDay = 2 })

	for i := 0; i < 2; i++ {
		resp := h.upload(t, "cat.jpg", jpegBytes, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := h.upload(t, "cat.jpg", jpegBytes, "")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestUploadQueueFull(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxPendingJobs = 1 })

	resp := h.upload(t, "cat.jpg", jpegBytes, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = h.upload(t, "dog.jpg", jpegBytes, "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestUploadBanned(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.AddBan(context.Background(), "127.0.0.1", "test ban"))

	resp := h.upload(t, "cat.jpg", jpegBytes, "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestJobStatusLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	resp, err := http.Get(h.server.URL + "/api/job/no-such-job")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	up := decodeBody(t, h.upload(t, "cat.jpg", jpegBytes, ""))
	id := up["job_id"].(string)

	resp, err = http.Get(h.server.URL + "/api/job/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	body := decodeBody(t, resp)
	require.Equal(t, "pending", body["status"])
	require.Equal(t, float64(1), body["queue_position"])

	// Fake the worker's outcome directly in the store.
	claimed, err := h.store.ClaimNextPending(ctx)
	require.NoError(t, err)
	_, err = h.files.SaveOutput(id+"/model.stl", []byte("solid"))
	require.NoError(t, err)
	require.NoError(t, h.store.MarkComplete(ctx, claimed.ID, store.Result{
		STLRef: id + "/model.stl", VertexCount: 99, GenerationTimeS: 12.5,
	}))

	resp, err = http.Get(h.server.URL + "/api/job/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	body = decodeBody(t, resp)
	require.Equal(t, "complete", body["status"])
	result := body["result"].(map[string]any)
	require.Equal(t, float64(99), result["vertex_count"])
	require.Equal(t, "/api/job/"+id+"/stl", result["stl_url"])

	// Artifact download.
	resp, err = http.Get(h.server.URL + "/api/job/" + id + "/stl")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, []byte("solid"), data)

	// No GLB was produced.
	resp, err = http.Get(h.server.URL + "/api/job/" + id + "/glb")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFeedbackFlow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	up := decodeBody(t, h.upload(t, "cat.jpg", jpegBytes, ""))
	id := up["job_id"].(string)

	post := func(body string) *http.Response {
		resp, err := http.Post(h.server.URL+"/api/job/"+id+"/feedback",
			"application/json", strings.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	require.Equal(t, http.StatusConflict, post(`{"rating":5}`).StatusCode, "not complete yet")

	claimed, err := h.store.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NoError(t, h.store.MarkComplete(ctx, claimed.ID, store.Result{STLRef: id + "/model.stl"}))

	require.Equal(t, http.StatusOK, post(`{"rating":5,"text":"superb"}`).StatusCode)
	require.Equal(t, http.StatusConflict, post(`{"rating":1}`).StatusCode, "write-once")

	resp, err := http.Get(h.server.URL + "/api/gallery")
	require.NoError(t, err)
	defer resp.Body.Close()
	items := decodeBody(t, resp)["items"].([]any)
	require.Len(t, items, 1)
	require.Equal(t, id, items[0].(map[string]any)["job_id"])
}

func TestQueueAndHealth(t *testing.T) {
	h := newHarness(t, nil)
	h.upload(t, "cat.jpg", jpegBytes, "")

	resp, err := http.Get(h.server.URL + "/api/queue")
	require.NoError(t, err)
	defer resp.Body.Close()
	body := decodeBody(t, resp)
	counts := body["counts"].(map[string]any)
	require.Equal(t, float64(1), counts["pending"])
	require.Equal(t, false, body["worker_connected"])

	resp, err = http.Get(h.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", decodeBody(t, resp)["status"])
}

func TestAdminAuth(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.server.URL + "/api/admin/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/api/admin/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.adminReq(t, http.MethodGet, "/api/admin/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminWorkerControls(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.adminReq(t, http.MethodPost, "/api/admin/worker/pause", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, h.bridge.Status().Paused)

	resp = h.adminReq(t, http.MethodGet, "/api/admin/worker/", "")
	body := decodeBody(t, resp)
	require.Equal(t, true, body["paused"])
	require.Equal(t, false, body["connected"])

	resp = h.adminReq(t, http.MethodPost, "/api/admin/worker/resume", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, h.bridge.Status().Paused)

	resp = h.adminReq(t, http.MethodPost, "/api/admin/worker/ping", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no worker connected")

	// Admin actions land in the audit trail.
	_, total, err := h.store.AuditLog(context.Background(), store.AuditFilter{Action: "admin_action"})
	require.NoError(t, err)
	require.GreaterOrEqual(t, total, 2)
}

func TestAdminJobOps(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	up := decodeBody(t, h.upload(t, "cat.jpg", jpegBytes, ""))
	id := up["job_id"].(string)

	resp := h.adminReq(t, http.MethodGet, "/api/admin/jobs/?status=pending", "")
	body := decodeBody(t, resp)
	require.Equal(t, float64(1), body["total"])

	resp = h.adminReq(t, http.MethodPost, "/api/admin/jobs/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, job.Status)
	require.Equal(t, "Cancelled by admin", job.ErrorMessage)

	resp = h.adminReq(t, http.MethodPost, "/api/admin/jobs/"+id+"/cancel", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode, "already terminal")

	resp = h.adminReq(t, http.MethodPost, "/api/admin/jobs/"+id+"/retry", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job, err = h.store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, job.Status)

	inputRef := job.InputRef
	resp = h.adminReq(t, http.MethodDelete, "/api/admin/jobs/"+id+"/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = h.store.Get(ctx, id)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.files.ReadInput(inputRef)
	require.ErrorIs(t, err, storage.ErrNotFound, "input file cleaned up")
}

func TestAdminBans(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.adminReq(t, http.MethodPost, "/api/admin/bans/", `{"ip_or_cidr":"10.0.0.0/24","reason":"bots"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.adminReq(t, http.MethodGet, "/api/admin/bans/", "")
	bans := decodeBody(t, resp)["bans"].([]any)
	require.Len(t, bans, 1)
	banID := int64(bans[0].(map[string]any)["id"].(float64))

	resp = h.adminReq(t, http.MethodDelete, fmt.Sprintf("/api/admin/bans/%d", banID), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.adminReq(t, http.MethodGet, "/api/admin/bans/", "")
	require.Nil(t, decodeBody(t, resp)["bans"])
}
