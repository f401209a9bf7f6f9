package server

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
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/batch"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/broadcast"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/engine"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/metrics"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/pipeline"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/ratelimit"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/recovery"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/shutdown"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/store"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/worker"
)

// stubPipe copies the input behind a "converted:" prefix. Inputs named
// *bad* fail and inputs named *slow* hold at stage 2 until release is
// closed.
type stubPipe struct{ release chan struct{} }

func (p stubPipe) Run(ctx context.Context, req pipeline.Request, cp pipeline.Checkpoint) (string, error) {
	if err := cp(1, 3, "Reading Input"); err != nil {
		return "", err
	}
	for strings.Contains(req.Filename, "slow") {
		if err := cp(2, 3, "Converting"); err != nil {
			return "", err
		}
		select {
		case <-p.release:
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Millisecond):
			continue
		}
		break
	}
	if strings.Contains(req.Filename, "bad") {
		return "", errors.New("cannot decode page")
	}
	if err := cp(3, 3, "Writing Output"); err != nil {
		return "", err
	}
	data, err := os.ReadFile(req.InputPath)
	if err != nil {
		return "", err
	}
	out := req.OutputPath(".pdf")
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", err
	}
	return out, os.WriteFile(out, append([]byte("converted:"), data...), 0o644)
}

type fixture struct {
	srv     *Server
	h       http.Handler
	e       *engine.Engine
	coord   *shutdown.Coordinator
	release chan struct{}
}

func newFixture(t *testing.T, rules map[ratelimit.Scope]ratelimit.Rule) *fixture {
	t.Helper()
	log := zap.NewNop()
	release := make(chan struct{})
	jobs := job.NewQueue()
	batches := batch.NewQueue(jobs)
	bus := broadcast.New(16)
	bus.TrackJobs(jobs.Get)
	jobs.Observe(bus)
	batches.Observe(bus)
	col := metrics.NewCollector()
	jobs.Observe(col)

	pool := worker.New(worker.Config{Workers: 2, Capacity: 20, WorkDir: t.TempDir()}, jobs, stubPipe{release}, nil, log)
	rec := recovery.NewManager(store.NewMemory(), jobs, batches, log)
	e := engine.New(jobs, batches, pool, rec, bus, log)
	coord := shutdown.New(2*time.Second, e, pool, jobs, nil, log)
	srv := New(Options{UploadDir: t.TempDir(), UploadLimit: 1 << 20, MaxWait: 5 * time.Second}, Deps{
		Engine:   e,
		Limiter:  ratelimit.New(rules),
		Bus:      bus,
		Metrics:  col,
		Pool:     pool,
		Shutdown: coord,
		Log:      log,
	})
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
		pool.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Wait(ctx)
		e.Settle()
	})
	return &fixture{srv: srv, h: srv.Handler(), e: e, coord: coord, release: release}
}

type upload struct{ name, body string }

func multipartRequest(t *testing.T, target, field string, fields map[string]string, files ...upload) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile(field, f.name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write([]byte(f.body))
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(path string) *httptest.ResponseRecorder {
	return f.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSubmitJobAndDownload(t *testing.T) {
	f := newFixture(t, nil)
	req := multipartRequest(t, "/api/jobs?wait=5s", "file",
		map[string]string{"options": `{"dpi":300,"ocr":true}`, "priority": "high"},
		upload{"page.png", "hello"})
	rec := f.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/jobs = %d %s", rec.Code, rec.Body)
	}
	body := decode(t, rec)
	if body["status"] != "completed" || body["priority"] != "high" {
		t.Fatalf("job = %v", body)
	}
	id := body["id"].(string)

	rec = f.get("/api/jobs/" + id)
	if rec.Code != http.StatusOK || decode(t, rec)["input_filename"] != "page.png" {
		t.Fatalf("GET job = %d %s", rec.Code, rec.Body)
	}

	rec = f.get("/api/jobs/" + id + "/download")
	if rec.Code != http.StatusOK {
		t.Fatalf("download = %d %s", rec.Code, rec.Body)
	}
	if got := rec.Body.String(); got != "converted:hello" {
		t.Fatalf("download body = %q", got)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "page_converted.pdf") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
}

func TestSubmitJobWithoutWaitIsAccepted(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(multipartRequest(t, "/api/jobs", "file", nil, upload{"slow.png", "x"}))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /api/jobs = %d %s", rec.Code, rec.Body)
	}
	body := decode(t, rec)
	id, _ := body["job_id"].(string)
	if id == "" || body["status_url"] != "/api/jobs/"+id {
		t.Fatalf("body = %v", body)
	}

	rec = f.get("/api/jobs/" + id + "/download")
	if rec.Code != http.StatusConflict {
		t.Fatalf("download of unfinished job = %d, want 409", rec.Code)
	}

	rec = f.do(httptest.NewRequest(http.MethodDelete, "/api/jobs/"+id, nil))
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "cancelled" {
		t.Fatalf("DELETE job = %d %s", rec.Code, rec.Body)
	}
	rec = f.do(httptest.NewRequest(http.MethodDelete, "/api/jobs/"+id, nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second DELETE = %d, want 409", rec.Code)
	}
}

func TestSubmitJobValidation(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"bad dpi", multipartRequest(t, "/api/jobs", "file", map[string]string{"options": `{"dpi":1}`}, upload{"a.png", "x"}), http.StatusBadRequest},
		{"bad json", multipartRequest(t, "/api/jobs", "file", map[string]string{"options": `{`}, upload{"a.png", "x"}), http.StatusBadRequest},
		{"bad priority", multipartRequest(t, "/api/jobs", "file", map[string]string{"priority": "urgent"}, upload{"a.png", "x"}), http.StatusBadRequest},
		{"no file", multipartRequest(t, "/api/jobs", "file", nil), http.StatusBadRequest},
		{"not multipart", httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader("{}")), http.StatusBadRequest},
		{"too large", multipartRequest(t, "/api/jobs", "file", nil, upload{"big.png", strings.Repeat("x", 2<<20)}), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := f.do(tt.req); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
		})
	}

	if rec := f.get("/api/jobs/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("GET unknown job = %d, want 404", rec.Code)
	}
	if rec := f.get("/api/batches/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("GET unknown batch = %d, want 404", rec.Code)
	}
}

func TestRateLimitedSubmit(t *testing.T) {
	f := newFixture(t, map[ratelimit.Scope]ratelimit.Rule{
		ratelimit.ScopeSubmit: {Capacity: 2, Refill: 0.01},
	})
	for i := 0; i < 2; i++ {
		rec := f.do(multipartRequest(t, "/api/jobs", "file", nil, upload{"a.png", "x"}))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("request %d = %d %s", i, rec.Code, rec.Body)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Fatalf("X-RateLimit-Limit = %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}
	rec := f.do(multipartRequest(t, "/api/jobs", "file", nil, upload{"a.png", "x"}))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || decode(t, rec)["retry_after_sec"] == nil {
		t.Fatalf("missing retry hint: %v %s", rec.Header(), rec.Body)
	}

	// Status reads have no rule here and stay open.
	if rec := f.get("/api/batches"); rec.Code != http.StatusOK {
		t.Fatalf("GET /api/batches = %d", rec.Code)
	}
}

func TestBatchLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(multipartRequest(t, "/api/batches", "files",
		map[string]string{"priority": "low"},
		upload{"p1.png", "1"}, upload{"p2.png", "2"}, upload{"slow.png", "3"}))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /api/batches = %d %s", rec.Code, rec.Body)
	}
	body := decode(t, rec)
	id := body["batch_id"].(string)
	if ids := body["job_ids"].([]any); len(ids) != 3 {
		t.Fatalf("job_ids = %v", ids)
	}

	progress := func() map[string]any {
		rec := f.get("/api/batches/" + id)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET batch = %d %s", rec.Code, rec.Body)
		}
		return decode(t, rec)["progress"].(map[string]any)
	}
	waitFor(t, "two completed jobs", func() bool { return progress()["completed"] == float64(2) })
	if m := decode(t, f.get("/metrics")); m["active_batches"] != float64(1) {
		t.Fatalf("active_batches = %v, want 1", m["active_batches"])
	}

	ts := httptest.NewServer(f.h)
	defer ts.Close()
	ws, err := websocket.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/batches/"+id, "", ts.URL)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ws.Close()
	_ = ws.SetDeadline(time.Now().Add(5 * time.Second))
	var first broadcast.Message
	if err := websocket.JSON.Receive(ws, &first); err != nil {
		t.Fatalf("first message: %v", err)
	}
	want := batch.Progress{Total: 3, Completed: 2, Pending: 1}
	if first.Kind != broadcast.KindBatch || first.BatchProgress == nil || *first.BatchProgress != want {
		t.Fatalf("first batch message = %+v", first)
	}

	rec = f.do(httptest.NewRequest(http.MethodDelete, "/api/batches/"+id, nil))
	body = decode(t, rec)
	if rec.Code != http.StatusOK || body["cancelled"] != float64(1) || body["already_terminal"] != float64(2) {
		t.Fatalf("DELETE batch = %d %v", rec.Code, body)
	}
	for {
		var m broadcast.Message
		if err := websocket.JSON.Receive(ws, &m); err != nil {
			t.Fatalf("no cancelled batch message: %v", err)
		}
		if m.Kind != broadcast.KindBatch {
			continue
		}
		want := batch.Progress{Total: 3, Completed: 2, Cancelled: 1}
		if m.Status != string(batch.StatusCancelled) || m.BatchProgress == nil || *m.BatchProgress != want {
			t.Fatalf("cancelled batch message = %+v", m)
		}
		break
	}
	if m := decode(t, f.get("/metrics")); m["active_batches"] != float64(0) {
		t.Fatalf("active_batches after cancel = %v, want 0", m["active_batches"])
	}
	p := progress()
	if p["cancelled"] != float64(1) || p["is_complete"] != true {
		t.Fatalf("progress after cancel = %v", p)
	}

	rec = f.get("/api/batches")
	list := decode(t, rec)["batches"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["status"] != "cancelled" {
		t.Fatalf("batches = %v", list)
	}

	if rec := f.do(multipartRequest(t, "/api/batches", "files", nil)); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty batch = %d, want 400", rec.Code)
	}
}

func TestRetryFailedJob(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(multipartRequest(t, "/api/jobs?wait=5", "file", nil, upload{"bad.png", "x"}))
	body := decode(t, rec)
	if rec.Code != http.StatusOK || body["status"] != "failed" {
		t.Fatalf("bad job = %d %v", rec.Code, body)
	}
	id := body["id"].(string)

	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/jobs/"+id+"/retry", nil))
	body = decode(t, rec)
	if rec.Code != http.StatusAccepted || body["retry_of"] != id || body["job_id"] == id {
		t.Fatalf("retry = %d %v", rec.Code, body)
	}
	if rec := f.do(httptest.NewRequest(http.MethodPost, "/api/jobs/nope/retry", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("retry unknown = %d, want 404", rec.Code)
	}
}

func TestHistoryQuery(t *testing.T) {
	f := newFixture(t, nil)
	for _, name := range []string{"a.png", "bad.png"} {
		if rec := f.do(multipartRequest(t, "/api/jobs?wait=5s", "file", nil, upload{name, "x"})); rec.Code != http.StatusOK {
			t.Fatalf("submit %s = %d", name, rec.Code)
		}
	}

	rec := f.get("/api/jobs?status=failed&limit=10")
	body := decode(t, rec)
	if rec.Code != http.StatusOK || body["total"] != float64(1) {
		t.Fatalf("history = %d %v", rec.Code, body)
	}

	for _, q := range []string{"status=bogus", "limit=x", "from=yesterday", "offset=-1"} {
		if rec := f.get("/api/jobs?" + q); rec.Code != http.StatusBadRequest {
			t.Fatalf("GET /api/jobs?%s = %d, want 400", q, rec.Code)
		}
	}
}

func TestDrainingRefusesWritesKeepsReads(t *testing.T) {
	f := newFixture(t, nil)
	f.e.StopAdmission()

	rec := f.do(multipartRequest(t, "/api/jobs", "file", nil, upload{"a.png", "x"}))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("submit while draining = %d, want 503", rec.Code)
	}
	if rec := f.get("/api/batches"); rec.Code != http.StatusOK {
		t.Fatalf("read while draining = %d", rec.Code)
	}
	rec = f.get("/health")
	if rec.Code != http.StatusServiceUnavailable || decode(t, rec)["status"] != "draining" {
		t.Fatalf("health while draining = %d %s", rec.Code, rec.Body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.get("/health")
	body := decode(t, rec)
	if rec.Code != http.StatusOK || body["status"] != "healthy" || body["workers"] != float64(2) || body["shutdown"] != "running" {
		t.Fatalf("health = %d %v", rec.Code, body)
	}

	if rec := f.do(multipartRequest(t, "/api/jobs?wait=5s", "file", nil, upload{"a.png", "x"})); rec.Code != http.StatusOK {
		t.Fatalf("submit = %d", rec.Code)
	}
	rec = f.get("/metrics")
	body = decode(t, rec)
	if rec.Code != http.StatusOK || body["completed_jobs"] != float64(1) || body["queue_capacity"] != float64(20) {
		t.Fatalf("metrics = %d %v", rec.Code, body)
	}
	if _, ok := body["store_pending"]; !ok {
		t.Fatalf("metrics missing store_pending: %v", body)
	}
}

func TestAdminShutdown(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/admin/shutdown", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /admin/shutdown = %d", rec.Code)
	}
	select {
	case <-f.coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("shutdown did not finish")
	}
	if rec := f.do(multipartRequest(t, "/api/jobs", "file", nil, upload{"a.png", "x"})); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("submit after shutdown = %d, want 503", rec.Code)
	}
	if body := decode(t, f.get("/health")); body["shutdown"] != "stopped" {
		t.Fatalf("health after shutdown = %v", body)
	}
}

func TestJobWebSocket(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.h)
	defer ts.Close()

	j, err := f.e.SubmitJob(context.Background(), "slow.png", writeInput(t, "x"), job.DefaultOptions(), job.PriorityNormal)
	if err != nil {
		t.Fatalf("SubmitJob() error = %v", err)
	}
	ws, err := websocket.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/jobs/"+j.ID, "", ts.URL)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ws.Close()
	_ = ws.SetDeadline(time.Now().Add(5 * time.Second))

	var first broadcast.Message
	if err := websocket.JSON.Receive(ws, &first); err != nil {
		t.Fatalf("first message: %v", err)
	}
	if first.ID != j.ID || first.Kind != broadcast.KindJob || first.Terminal() {
		t.Fatalf("first message = %+v", first)
	}

	close(f.release)
	for {
		var m broadcast.Message
		if err := websocket.JSON.Receive(ws, &m); err != nil {
			t.Fatalf("stream ended before a terminal message: %v", err)
		}
		if m.Terminal() {
			if m.Status != string(job.StatusCompleted) {
				t.Fatalf("terminal message = %+v", m)
			}
			break
		}
	}
	var extra broadcast.Message
	if err := websocket.JSON.Receive(ws, &extra); err == nil {
		t.Fatalf("stream stayed open after terminal message: %+v", extra)
	}

	if rec := f.get("/ws/jobs/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("GET /ws/jobs/nope = %d, want 404", rec.Code)
	}
}

func writeInput(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.png")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSafeName(t *testing.T) {
	tests := map[string]string{
		"page.png":             "page.png",
		"../../etc/passwd":     "passwd",
		`C:\scans\page 1.tiff`: "page 1.tiff",
		"..":                   "upload",
		"":                     "upload",
	}
	for in, want := range tests {
		if got := safeName(in); got != want {
			t.Errorf("safeName(%q) = %q, want %q", in, got, want)
		}
	}
}
