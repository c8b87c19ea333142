package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/sensor/internal/annotator"
	"github.com/hyperjump/sensor/internal/config"
	"github.com/hyperjump/sensor/internal/jobs"
	"github.com/hyperjump/sensor/internal/keyword"
	"github.com/hyperjump/sensor/internal/models"
	"github.com/hyperjump/sensor/internal/storage"
	"github.com/hyperjump/sensor/internal/trace"
)

type testEnv struct {
	store *storage.SQLiteStorage
	index *keyword.BleveIndex
	jobs  *jobs.Manager
	srv   *Server
	http  *httptest.Server
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "sensor.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	idx, err := keyword.NewBleveIndex("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	ann := annotator.NewPersisting(annotator.NewVader(), store, idx, nil)
	mgr := jobs.NewManager(store, jobs.WithAnnotator(ann), jobs.WithIndex(idx))
	t.Cleanup(func() { _ = mgr.Close() })

	opts = append([]Option{WithIndex(idx), WithAnnotator(ann)}, opts...)
	srv := NewServer(store, mgr, &config.ServerConfig{Host: "localhost", Port: 0}, zap.NewNop(), opts...)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &testEnv{store: store, index: idx, jobs: mgr, srv: srv, http: hs}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(trace.Header, "trace-test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, buf.Bytes()
}

func (e *testEnv) seedReport(t *testing.T, texts ...string) (*models.Report, []*models.Comment) {
	t.Helper()
	ctx := context.Background()
	rep := &models.Report{Name: "CS101"}
	if err := e.store.CreateReport(ctx, rep); err != nil {
		t.Fatal(err)
	}
	created, err := e.store.CreateComments(ctx, rep.ID, texts)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.index.IndexBatch(ctx, created); err != nil {
		t.Fatal(err)
	}
	return rep, created
}

func TestHealthAndTraceHeader(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if resp.Header.Get(trace.Header) != "trace-test" {
		t.Errorf("trace header not echoed: %q", resp.Header.Get(trace.Header))
	}
}

func TestReportEndpoints(t *testing.T) {
	e := newTestEnv(t)
	rep, _ := e.seedReport(t, "Great lectures", "Too fast")

	resp, body := e.do(t, http.MethodGet, "/api/v1/reports", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", resp.StatusCode)
	}
	var list struct {
		Reports []models.Report `json:"reports"`
	}
	if err := json.Unmarshal(body, &list); err != nil || len(list.Reports) != 1 || list.Reports[0].CommentCount != 2 {
		t.Fatalf("reports %s err %v", body, err)
	}

	resp, _ = e.do(t, http.MethodGet, "/api/v1/reports/"+rep.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get status %d", resp.StatusCode)
	}
	resp, body = e.do(t, http.MethodGet, "/api/v1/reports/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing report status %d", resp.StatusCode)
	}
	var errBody map[string]string
	_ = json.Unmarshal(body, &errBody)
	if errBody["trace_id"] != "trace-test" || errBody["error"] == "" {
		t.Errorf("error body %s", body)
	}

	resp, _ = e.do(t, http.MethodPost, "/api/v1/reports/"+rep.ID+"/thresholds", map[string]float64{"positive_min": 5, "negative_max": -5})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("thresholds status %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodPost, "/api/v1/reports/"+rep.ID+"/thresholds", map[string]float64{"positive_min": -1, "negative_max": 1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid thresholds status %d", resp.StatusCode)
	}
	got, err := e.store.GetReport(context.Background(), rep.ID)
	if err != nil || got.PositiveMin != 5 {
		t.Errorf("thresholds not stored: %+v %v", got, err)
	}

	resp, _ = e.do(t, http.MethodDelete, "/api/v1/reports/"+rep.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete status %d", resp.StatusCode)
	}
	if n, _ := e.index.DocCount(); n != 0 {
		t.Errorf("index still holds %d comments", n)
	}
}

func TestCommentEndpoints(t *testing.T) {
	e := newTestEnv(t)
	rep, _ := e.seedReport(t)

	resp, body := e.do(t, http.MethodPost, "/api/v1/reports/"+rep.ID+"/comments/batch",
		map[string][]string{"comments": {"This was a wonderful, excellent class!", "Boring."}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("batch status %d: %s", resp.StatusCode, body)
	}
	var created struct {
		Comments []*models.Comment `json:"comments"`
	}
	if err := json.Unmarshal(body, &created); err != nil || len(created.Comments) != 2 {
		t.Fatalf("created %s err %v", body, err)
	}
	cid := created.Comments[0].ID

	resp, body = e.do(t, http.MethodPost, "/api/v1/comments/"+cid+"/annotate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("annotate status %d: %s", resp.StatusCode, body)
	}
	patch, err := models.DecodePatch(body)
	if err != nil || !patch.SetsSentiment() || patch.Sentiment.Value <= 3 {
		t.Fatalf("annotate body %s err %v", body, err)
	}
	var traced struct {
		TraceID       string `json:"trace_id"`
		SentimentText string `json:"sentiment_text"`
	}
	_ = json.Unmarshal(body, &traced)
	if traced.TraceID != "trace-test" || traced.SentimentText != "Positive" {
		t.Errorf("annotate response %s", body)
	}

	resp, _ = e.do(t, http.MethodPost, "/api/v1/comments/"+cid+"/clear", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("clear status %d", resp.StatusCode)
	}
	c, err := e.store.GetComment(context.Background(), cid)
	if err != nil || c.Annotated() {
		t.Errorf("comment should be cleared: %+v %v", c, err)
	}

	resp, _ = e.do(t, http.MethodDelete, "/api/v1/comments/"+cid, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete status %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodDelete, "/api/v1/comments/"+cid, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodPost, "/api/v1/comments/nope/annotate", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("annotate missing status %d", resp.StatusCode)
	}

	resp, body = e.do(t, http.MethodGet, "/api/v1/reports/"+rep.ID+"/comments", nil)
	var listed struct {
		Comments []*models.Comment `json:"comments"`
	}
	if err := json.Unmarshal(body, &listed); err != nil || resp.StatusCode != http.StatusOK || len(listed.Comments) != 1 {
		t.Errorf("list after delete: %s", body)
	}
}

func TestSearchEndpoint(t *testing.T) {
	e := newTestEnv(t)
	rep, _ := e.seedReport(t, "The lectures were clear", "Exams were too long", "Lectures ran late")
	other, _ := e.seedReport(t, "Lectures elsewhere")

	resp, body := e.do(t, http.MethodGet, "/api/v1/reports/"+rep.ID+"/search?q=lectures", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status %d: %s", resp.StatusCode, body)
	}
	var sr models.SearchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		t.Fatal(err)
	}
	if len(sr.Results) != 2 {
		t.Fatalf("results %s", body)
	}
	for _, hit := range sr.Results {
		if hit.Comment.ReportID != rep.ID {
			t.Errorf("hit from report %s leaked into %s", other.ID, rep.ID)
		}
	}

	_, body = e.do(t, http.MethodGet, "/api/v1/reports/"+rep.ID+"/search?q=lectres", nil)
	_ = json.Unmarshal(body, &sr)
	if sr.Suggestion != "lectures" {
		t.Errorf("suggestion = %q", sr.Suggestion)
	}

	for _, q := range []string{"", "?q=x&limit=0", "?q=x&limit=abc"} {
		path := "/api/v1/reports/" + rep.ID + "/search"
		if q != "" {
			path += q
		}
		if resp, _ := e.do(t, http.MethodGet, path, nil); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%q: status %d", q, resp.StatusCode)
		}
	}
}

func TestThemesEndpoint(t *testing.T) {
	e := newTestEnv(t)
	rep, created := e.seedReport(t, "a", "b", "c")
	ctx := context.Background()
	for i, theme := range []string{"Pace", "Pace", "Exams"} {
		if _, err := e.store.UpdateAnnotation(ctx, created[i].ID, models.CommentPatch{Themes: models.Tags(theme)}); err != nil {
			t.Fatal(err)
		}
	}
	_, body := e.do(t, http.MethodGet, "/api/v1/reports/"+rep.ID+"/themes?top=1", nil)
	var out struct {
		Themes []models.ThemeCount `json:"themes"`
		Top    []models.ThemeCount `json:"top"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Themes) != 2 || len(out.Top) != 1 || out.Top[0].Theme != "Pace" || out.Top[0].Count != 2 {
		t.Errorf("themes %s", body)
	}
}

func TestUploadEndpoints(t *testing.T) {
	e := newTestEnv(t)
	req := models.UploadRequest{Name: "Fall", Comments: []string{"Loved it", "Hated the exams"}}

	resp, body := e.do(t, http.MethodPost, "/api/v1/uploads", req)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upload status %d: %s", resp.StatusCode, body)
	}
	var ur models.UploadResponse
	if err := json.Unmarshal(body, &ur); err != nil || ur.JobID == "" || ur.TraceID != "trace-test" {
		t.Fatalf("upload response %s", body)
	}

	deadline := time.Now().Add(5 * time.Second)
	var snap models.UploadSnapshot
	for time.Now().Before(deadline) {
		_, body = e.do(t, http.MethodGet, "/api/v1/uploads/"+ur.JobID+"/status", nil)
		if err := json.Unmarshal(body, &snap); err != nil {
			t.Fatal(err)
		}
		if snap.Stage == models.StageComplete || snap.Failed() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if snap.Stage != models.StageComplete || snap.Percent != 100 {
		t.Fatalf("final snapshot %+v", snap)
	}

	resp, body = e.do(t, http.MethodPost, "/api/v1/uploads", req)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("cached upload status %d", resp.StatusCode)
	}
	_ = json.Unmarshal(body, &ur)
	if !ur.Cached {
		t.Errorf("expected cached response, got %s", body)
	}

	if resp, _ := e.do(t, http.MethodPost, "/api/v1/uploads", models.UploadRequest{Comments: []string{" "}}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty upload status %d", resp.StatusCode)
	}
	if resp, _ := e.do(t, http.MethodGet, "/api/v1/uploads/nope/status", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job status %d", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.seedReport(t, "one", "two")
	_, body := e.do(t, http.MethodGet, "/api/v1/status", nil)
	var out map[string]float64
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["reports"] != 1 || out["comments"] != 2 || out["unannotated"] != 2 || out["indexed"] != 2 {
		t.Errorf("status %s", body)
	}
	if out["disk_usage_bytes"] <= 0 {
		t.Errorf("disk usage missing: %s", body)
	}
}

type mockWatchService struct {
	dirs []string
}

func (m *mockWatchService) Directories() []string {
	return append([]string(nil), m.dirs...)
}

func (m *mockWatchService) AddDirectory(path string, _ bool) error {
	for _, d := range m.dirs {
		if d == path {
			return nil
		}
	}
	m.dirs = append(m.dirs, path)
	return nil
}

func (m *mockWatchService) RemoveDirectory(path string) error {
	for i, d := range m.dirs {
		if d == path {
			m.dirs = append(m.dirs[:i], m.dirs[i+1:]...)
			return nil
		}
	}
	return nil
}

func TestWatchDirectories(t *testing.T) {
	inbox := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	mock := &mockWatchService{}
	e := newTestEnv(t, WithWatch(mock, cfgPath, cfg))

	resp, body := e.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]any{"path": inbox, "sync": false})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status %d: %s", resp.StatusCode, body)
	}
	loaded, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Watch.Directories) != 1 || loaded.Watch.Directories[0] != inbox {
		t.Errorf("persisted directories %v", loaded.Watch.Directories)
	}

	_, body = e.do(t, http.MethodGet, "/api/v1/watch/directories", nil)
	var out struct {
		Directories []string `json:"directories"`
	}
	if err := json.Unmarshal(body, &out); err != nil || len(out.Directories) != 1 {
		t.Errorf("list %s", body)
	}

	if resp, _ := e.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]string{"path": filepath.Join(inbox, "missing")}); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing dir status %d", resp.StatusCode)
	}
	if resp, _ := e.do(t, http.MethodDelete, "/api/v1/watch/directories?path="+inbox, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("remove status %d", resp.StatusCode)
	}
	if len(mock.dirs) != 0 {
		t.Errorf("dirs after remove %v", mock.dirs)
	}
}

func TestWatchDirectories_NotEnabled(t *testing.T) {
	e := newTestEnv(t)
	r := httptest.NewRequest(http.MethodGet, "/api/v1/watch/directories", nil)
	w := httptest.NewRecorder()
	e.srv.handleWatchDirectoriesList(w, r)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status: got %d, want 501", w.Code)
	}
}
