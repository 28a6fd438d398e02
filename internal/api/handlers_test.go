package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"pdfbot/internal/auth"
	"pdfbot/internal/config"
	"pdfbot/internal/logging"
	"pdfbot/internal/models"
	"pdfbot/internal/service/stats"
	"pdfbot/internal/worker"
)

const testSecret = "hook-secret"

var webhookHeader = map[string]string{"X-Webhook-Secret": testSecret}

func TestEventRoundTrip(t *testing.T) {
	router, _, workers, _ := newTestServer(t)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/events", map[string]any{
		"user_id": 42,
		"kind":    "command",
		"payload": "/start",
	}, webhookHeader)
	assertStatus(t, resp, http.StatusOK)

	var body struct {
		Replies []models.OutboundReply `json:"replies"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if len(body.Replies) != 1 || body.Replies[0].Key != "menu" {
		t.Fatalf("unexpected replies %+v", body.Replies)
	}
	got := workers.lastEvent()
	if got == nil || got.UserID != 42 || got.Kind != models.EventCommand || got.Payload != "/start" {
		t.Fatalf("event not forwarded: %+v", got)
	}
}

func TestEventValidation(t *testing.T) {
	router, _, _, _ := newTestServer(t)

	cases := []struct {
		name string
		body any
	}{
		{"missing user", map[string]any{"kind": "text"}},
		{"negative user", map[string]any{"user_id": -1, "kind": "text"}},
		{"unknown kind", map[string]any{"user_id": 1, "kind": "sticker"}},
		{"file via json", map[string]any{"user_id": 1, "kind": "file"}},
	}
	for _, tc := range cases {
		resp := doJSONRequest(t, router, http.MethodPost, "/api/events", tc.body, webhookHeader)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, resp.Code)
		}
	}
}

func TestEventsRequireWebhookSecret(t *testing.T) {
	router, _, _, _ := newTestServer(t)
	resp := doJSONRequest(t, router, http.MethodPost, "/api/events", map[string]any{
		"user_id": 1, "kind": "text", "payload": "hi",
	}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestEventErrorStatus(t *testing.T) {
	router, _, workers, _ := newTestServer(t)

	cases := []struct {
		err  error
		want int
		kind models.ErrorKind
	}{
		{models.NewError(models.KindRateLimited, "slow down"), http.StatusTooManyRequests, models.KindRateLimited},
		{models.NewError(models.KindSessionBusy, "queue full"), http.StatusTooManyRequests, models.KindSessionBusy},
		{models.NewError(models.KindSystemOverloaded, "busy"), http.StatusServiceUnavailable, models.KindSystemOverloaded},
		{worker.ErrManagerClosed, http.StatusServiceUnavailable, models.KindSystemOverloaded},
		{models.NewError(models.KindTooLarge, "big"), http.StatusRequestEntityTooLarge, models.KindTooLarge},
		{models.NewError(models.KindUnsupportedKind, "docx"), http.StatusBadRequest, models.KindUnsupportedKind},
	}
	for _, tc := range cases {
		workers.setErr(tc.err)
		resp := doJSONRequest(t, router, http.MethodPost, "/api/events", map[string]any{
			"user_id": 5, "kind": "text", "payload": "x",
		}, webhookHeader)
		assertStatus(t, resp, tc.want)
		var body struct {
			Error     string           `json:"error"`
			ErrorKind models.ErrorKind `json:"error_kind"`
		}
		decodeJSON(t, resp.Body.Bytes(), &body)
		if body.ErrorKind != tc.kind || body.Error == "" {
			t.Fatalf("%v: unexpected body %+v", tc.err, body)
		}
	}
}

func TestFileUpload(t *testing.T) {
	router, _, workers, _ := newTestServer(t)

	resp := postMultipart(t, router, "/api/events/file", map[string]string{"user_id": "9"}, "report.PDF", []byte("%PDF-1.4 test"))
	assertStatus(t, resp, http.StatusOK)

	ev := workers.lastEvent()
	if ev == nil || ev.Kind != models.EventFile || ev.File == nil {
		t.Fatalf("file event not forwarded: %+v", ev)
	}
	if ev.File.Name != "report.PDF" || ev.File.Kind != models.KindPDF {
		t.Fatalf("unexpected upload %+v", ev.File)
	}
	if string(workers.lastBody()) != "%PDF-1.4 test" {
		t.Fatalf("body not readable by the worker: %q", workers.lastBody())
	}

	resp = postMultipart(t, router, "/api/events/file", map[string]string{}, "a.pdf", []byte("x"))
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestFileUploadTooLarge(t *testing.T) {
	router, _, _, _ := newTestServer(t)
	big := bytes.Repeat([]byte("a"), 3<<20)
	resp := postMultipart(t, router, "/api/events/file", map[string]string{"user_id": "9"}, "big.pdf", big)
	assertStatus(t, resp, http.StatusRequestEntityTooLarge)
}

func TestPollReplies(t *testing.T) {
	router, handler, _, _ := newTestServer(t)

	handler.outbox.Notify(&models.OutboundReply{UserID: 3, Key: "result.ready", Text: "done"})
	resp := doJSONRequest(t, router, http.MethodGet, "/api/users/3/replies", nil, webhookHeader)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Replies []models.OutboundReply `json:"replies"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if len(body.Replies) != 1 || body.Replies[0].Key != "result.ready" {
		t.Fatalf("unexpected replies %+v", body.Replies)
	}

	resp = doJSONRequest(t, router, http.MethodGet, "/api/users/3/replies", nil, webhookHeader)
	decodeJSON(t, resp.Body.Bytes(), &body)
	if len(body.Replies) != 0 {
		t.Fatalf("outbox should be drained, got %+v", body.Replies)
	}

	resp = doJSONRequest(t, router, http.MethodGet, "/api/users/abc/replies", nil, webhookHeader)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestPollRepliesWaits(t *testing.T) {
	router, handler, _, _ := newTestServer(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		handler.outbox.Notify(&models.OutboundReply{UserID: 4, Key: "session.expired"})
	}()
	start := time.Now()
	resp := doJSONRequest(t, router, http.MethodGet, "/api/users/4/replies?wait=2", nil, webhookHeader)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Replies []models.OutboundReply `json:"replies"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if len(body.Replies) != 1 {
		t.Fatalf("expected the late reply, got %+v", body.Replies)
	}
	if time.Since(start) > 1500*time.Millisecond {
		t.Fatalf("long poll did not wake up on notify")
	}
}

func TestPollRepliesTimesOutEmpty(t *testing.T) {
	router, handler, _, _ := newTestServer(t)
	resp := doJSONRequest(t, router, http.MethodGet, "/api/users/5/replies?wait=1", nil, webhookHeader)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Replies []models.OutboundReply `json:"replies"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if len(body.Replies) != 0 {
		t.Fatalf("expected no replies, got %+v", body.Replies)
	}
	// a reply arriving after the poll gave up is kept for the next poll
	handler.outbox.Notify(&models.OutboundReply{UserID: 5, Key: "result.ready"})
	if handler.outbox.Pending(5) != 1 {
		t.Fatalf("late reply lost")
	}
}

func TestSessionSnapshot(t *testing.T) {
	router, _, workers, _ := newTestServer(t)
	workers.snapshots[8] = models.SessionSnapshot{UserID: 8, Stage: models.StageAwaitingFiles, Operation: models.OpMerge, FileCount: 1}

	resp := doJSONRequest(t, router, http.MethodGet, "/api/users/8/session", nil, webhookHeader)
	assertStatus(t, resp, http.StatusOK)
	var snap models.SessionSnapshot
	decodeJSON(t, resp.Body.Bytes(), &snap)
	if snap.Stage != models.StageAwaitingFiles || snap.Operation != models.OpMerge {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	resp = doJSONRequest(t, router, http.MethodGet, "/api/users/9/session", nil, webhookHeader)
	decodeJSON(t, resp.Body.Bytes(), &snap)
	if snap.Stage != models.StageIdle {
		t.Fatalf("unknown user should be idle, got %+v", snap)
	}
}

func TestArtifactDownloadAndDelivery(t *testing.T) {
	router, _, _, files := newTestServer(t)
	path := filepath.Join(t.TempDir(), "out.pdf")
	if err := os.WriteFile(path, []byte("%PDF-result"), 0o600); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	files.artifacts["art-1"] = &models.ResultArtifact{ID: "art-1", UserID: 11, Name: "merged.pdf", Path: path, Kind: models.KindPDF}

	resp := doJSONRequest(t, router, http.MethodGet, "/api/artifacts/art-1?user_id=12", nil, webhookHeader)
	assertStatus(t, resp, http.StatusNotFound)

	resp = doJSONRequest(t, router, http.MethodGet, "/api/artifacts/art-1?user_id=11", nil, webhookHeader)
	assertStatus(t, resp, http.StatusOK)
	if resp.Body.String() != "%PDF-result" {
		t.Fatalf("unexpected artifact body %q", resp.Body.String())
	}
	if ct := resp.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("unexpected content type %q", ct)
	}

	resp = doJSONRequest(t, router, http.MethodPost, "/api/artifacts/art-1/delivered?user_id=11", nil, webhookHeader)
	assertStatus(t, resp, http.StatusNoContent)
	if _, ok := files.artifacts["art-1"]; ok {
		t.Fatalf("artifact should be released after delivery")
	}
	resp = doJSONRequest(t, router, http.MethodPost, "/api/artifacts/art-1/delivered?user_id=11", nil, webhookHeader)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestAdminRoutes(t *testing.T) {
	router, _, workers, files := newTestServer(t)
	admin := map[string]string{"Authorization": "Bearer admin-key"}

	resp := doJSONRequest(t, router, http.MethodGet, "/api/admin/stats", nil, webhookHeader)
	assertStatus(t, resp, http.StatusUnauthorized)

	resp = doJSONRequest(t, router, http.MethodGet, "/api/admin/stats?since=1h", nil, admin)
	assertStatus(t, resp, http.StatusOK)
	var statsBody struct {
		Workers    worker.Stats   `json:"workers"`
		Mirrored   *int           `json:"mirrored_sessions"`
		Operations *stats.Summary `json:"operations"`
	}
	decodeJSON(t, resp.Body.Bytes(), &statsBody)
	if statsBody.Workers.Users != 2 || statsBody.Operations == nil || statsBody.Operations.Total != 3 {
		t.Fatalf("unexpected admin stats %+v", statsBody)
	}
	if statsBody.Mirrored == nil || *statsBody.Mirrored != 4 {
		t.Fatalf("mirrored session count missing: %+v", statsBody.Mirrored)
	}

	workers.mirrored = -1
	resp = doJSONRequest(t, router, http.MethodGet, "/api/admin/stats", nil, admin)
	assertStatus(t, resp, http.StatusOK)
	if strings.Contains(resp.Body.String(), "mirrored_sessions") {
		t.Fatalf("mirrored count reported without redis: %s", resp.Body.String())
	}

	resp = doJSONRequest(t, router, http.MethodGet, "/api/admin/stats?since=yesterday", nil, admin)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, router, http.MethodGet, "/api/admin/errors?limit=5", nil, admin)
	assertStatus(t, resp, http.StatusOK)

	relayed := map[string]string{"X-Webhook-Secret": testSecret, "X-Admin-User": "1"}
	resp = doJSONRequest(t, router, http.MethodPost, "/api/admin/users/21/reset", nil, relayed)
	assertStatus(t, resp, http.StatusOK)
	if len(workers.resets) != 1 || workers.resets[0] != 21 {
		t.Fatalf("reset not forwarded: %v", workers.resets)
	}

	resp = doJSONRequest(t, router, http.MethodPost, "/api/admin/sweep?max_age=1h", nil, admin)
	assertStatus(t, resp, http.StatusOK)
	if files.sweptAge != time.Hour {
		t.Fatalf("sweep age not forwarded: %v", files.sweptAge)
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if ts, ok := parseSince("", now); !ok || !ts.Equal(now.Add(-24*time.Hour)) {
		t.Fatalf("default window: %v %v", ts, ok)
	}
	if ts, ok := parseSince("all", now); !ok || !ts.IsZero() {
		t.Fatalf("all: %v %v", ts, ok)
	}
	if ts, ok := parseSince("2024-04-30T00:00:00Z", now); !ok || ts.Day() != 30 {
		t.Fatalf("rfc3339: %v %v", ts, ok)
	}
	if _, ok := parseSince("-1h", now); ok {
		t.Fatalf("negative duration must be rejected")
	}
}

func TestRootListsOperations(t *testing.T) {
	router, _, _, _ := newTestServer(t)
	resp := doJSONRequest(t, router, http.MethodGet, "/health", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	resp = doJSONRequest(t, router, http.MethodGet, "/stats", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	resp = doJSONRequest(t, router, http.MethodGet, "/", nil, nil)
	assertStatus(t, resp, http.StatusOK)
}

func newTestServer(t *testing.T) (*gin.Engine, *Handler, *mockWorkers, *mockFiles) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	workers := &mockWorkers{snapshots: map[int64]models.SessionSnapshot{}, mirrored: 4}
	files := &mockFiles{artifacts: map[string]*models.ResultArtifact{}}
	authSvc := auth.NewService(
		config.AdminConfig{IDs: []int64{1}, APIKey: "admin-key"},
		config.WebhookConfig{Secret: testSecret},
	)
	handler := NewHandler(workers, files, &mockStats{}, authSvc, worker.NewOutbox(0, 0), nil, Options{
		MaxUploadBytes: 1 << 20,
		FileRetention:  24 * time.Hour,
		PollTimeout:    5 * time.Second,
	}, logging.Nop())

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, handler, workers, files
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postMultipart(t *testing.T, router *gin.Engine, path string, fields map[string]string, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Webhook-Secret", testSecret)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

type mockWorkers struct {
	mu        sync.Mutex
	events    []*models.InboundEvent
	bodies    [][]byte
	err       error
	snapshots map[int64]models.SessionSnapshot
	resets    []int64
	mirrored  int
}

func (m *mockWorkers) Handle(ctx context.Context, event *models.InboundEvent) ([]*models.OutboundReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	var body []byte
	if event.File != nil && event.File.Body != nil {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(event.File.Body)
		body = buf.Bytes()
	}
	m.bodies = append(m.bodies, body)
	if m.err != nil {
		return nil, m.err
	}
	return []*models.OutboundReply{{UserID: event.UserID, Key: "menu", Stage: models.StageIdle}}, nil
}

func (m *mockWorkers) Snapshot(ctx context.Context, userID int64) (models.SessionSnapshot, bool) {
	snap, ok := m.snapshots[userID]
	return snap, ok
}

func (m *mockWorkers) Reset(userID int64) bool {
	m.resets = append(m.resets, userID)
	return true
}

func (m *mockWorkers) Stats() worker.Stats {
	return worker.Stats{Users: 2, InFlight: 1}
}

func (m *mockWorkers) MirroredSessions(context.Context) (int, bool) {
	if m.mirrored < 0 {
		return 0, false
	}
	return m.mirrored, true
}

func (m *mockWorkers) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *mockWorkers) lastEvent() *models.InboundEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockWorkers) lastBody() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.bodies) == 0 {
		return nil
	}
	return m.bodies[len(m.bodies)-1]
}

type mockFiles struct {
	artifacts map[string]*models.ResultArtifact
	sweptAge  time.Duration
}

func (m *mockFiles) Artifact(userID int64, id string) (*models.ResultArtifact, bool) {
	a, ok := m.artifacts[id]
	if !ok || a.UserID != userID {
		return nil, false
	}
	return a, true
}

func (m *mockFiles) ReleaseByID(userID int64, id string) (bool, error) {
	if _, ok := m.Artifact(userID, id); !ok {
		return false, nil
	}
	delete(m.artifacts, id)
	return true, nil
}

func (m *mockFiles) Sweep(maxAge time.Duration) (int, error) {
	m.sweptAge = maxAge
	return 0, nil
}

func (m *mockFiles) Usage() (int, int64, error) { return len(m.artifacts), 0, nil }
func (m *mockFiles) LiveCount() int             { return len(m.artifacts) }

type mockStats struct{}

func (mockStats) Summary(ctx context.Context, since time.Time) (*stats.Summary, error) {
	return &stats.Summary{Since: since, Total: 3, Successes: 2, Failures: 1}, nil
}

func (mockStats) UserStats(ctx context.Context, userID int64) (*stats.UserStats, error) {
	return &stats.UserStats{UserID: userID}, nil
}

func (mockStats) RecentFailures(ctx context.Context, limit int) ([]models.OperationRecord, error) {
	return nil, nil
}
