package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/sensor/internal/annotation"
	"github.com/hyperjump/sensor/internal/annotator"
	"github.com/hyperjump/sensor/internal/config"
	"github.com/hyperjump/sensor/internal/jobs"
	"github.com/hyperjump/sensor/internal/keyword"
	"github.com/hyperjump/sensor/internal/models"
	"github.com/hyperjump/sensor/internal/pipeline"
	"github.com/hyperjump/sensor/internal/report"
	"github.com/hyperjump/sensor/internal/server"
	"github.com/hyperjump/sensor/internal/storage"
	"github.com/hyperjump/sensor/internal/trace"
	"github.com/hyperjump/sensor/internal/upload"
)

// Compile-time checks that Client serves every collaborator contract.
var (
	_ report.Backend      = (*Client)(nil)
	_ pipeline.Annotator  = (*Client)(nil)
	_ upload.Uploader     = (*Client)(nil)
	_ upload.StatusSource = (*Client)(nil)
)

func newTestServer(t *testing.T) (*Client, *storage.SQLiteStorage) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "sensor.db"))
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
	mgr := jobs.NewManager(store, jobs.WithIndex(idx))
	t.Cleanup(func() { _ = mgr.Close() })

	srv := server.NewServer(store, mgr, &config.ServerConfig{Host: "localhost"}, zap.NewNop(),
		server.WithIndex(idx), server.WithAnnotator(ann))
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return New(hs.URL), store
}

func TestSessionAndPipelineOverHTTP(t *testing.T) {
	c, store := newTestServer(t)
	ctx := context.Background()
	rep := &models.Report{Name: "CS101"}
	if err := store.CreateReport(ctx, rep); err != nil {
		t.Fatal(err)
	}

	s := report.NewSession(rep.ID, c, report.WithBatchSize(2))
	if err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}
	texts := []string{
		"This was a wonderful, excellent class!",
		"Terrible, boring and awful lectures.",
		"The room is on the second floor.",
	}
	created, err := s.Submit(ctx, texts)
	if err != nil || len(created) != 3 {
		t.Fatalf("Submit() = %d comments, err %v", len(created), err)
	}

	p := pipeline.New(s, c, pipeline.WithStepDelay(0))
	if err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}
	v := s.View()
	if v.Unannotated != 0 {
		t.Errorf("unannotated = %d, want 0", v.Unannotated)
	}
	if v.Counts.Positive != 1 || v.Counts.Negative != 1 {
		t.Errorf("counts = %+v", v.Counts)
	}

	// The server stored the annotations too.
	remote, err := c.ListComments(ctx, rep.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, rc := range remote {
		if !rc.Annotated() {
			t.Errorf("comment %s not annotated on the server", rc.ID)
		}
	}

	if err := s.SetThresholds(ctx, annotation.Thresholds{PositiveMin: 9.9, NegativeMax: -9.9}); err != nil {
		t.Fatal(err)
	}
	got, err := c.GetReport(ctx, rep.ID)
	if err != nil || got.PositiveMin != 9.9 {
		t.Errorf("thresholds not stored: %+v %v", got, err)
	}

	if err := s.Delete(ctx, created[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetComment(ctx, created[0].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetComment after delete: err = %v, want ErrNotFound", err)
	}
}

func TestSearchAndReports(t *testing.T) {
	c, store := newTestServer(t)
	ctx := context.Background()
	rep := &models.Report{Name: "CS101"}
	if err := store.CreateReport(ctx, rep); err != nil {
		t.Fatal(err)
	}
	if _, err := c.CreateComments(ctx, rep.ID, []string{"The lectures were clear", "Exams were long"}); err != nil {
		t.Fatal(err)
	}

	res, err := c.Search(ctx, rep.ID, "lectures", 5, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Results) != 1 || !strings.Contains(res.Results[0].Comment.Text, "lectures") {
		t.Errorf("search results = %+v", res.Results)
	}

	list, err := c.ListReports(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListReports() = %v, %v", list, err)
	}
	if err := c.DeleteReport(ctx, rep.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetReport(ctx, rep.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetReport after delete: err = %v", err)
	}
	if err := c.Health(ctx); err != nil {
		t.Errorf("Health() = %v", err)
	}
}

func TestUploadTrackedToCompletion(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()
	cfg := upload.Config{
		PollInterval:      10 * time.Millisecond,
		RetryInterval:     10 * time.Millisecond,
		AnimationInterval: 5 * time.Millisecond,
	}
	req := models.UploadRequest{Name: "Week 1", Comments: []string{"Too fast", "Loved it", "More examples please"}}

	var mu sync.Mutex
	var transferred int64
	progress := func(sent, total int64) {
		mu.Lock()
		defer mu.Unlock()
		transferred = sent
		if sent > total {
			t.Errorf("sent %d > total %d", sent, total)
		}
	}
	if _, err := c.Upload(ctx, models.UploadRequest{Name: "probe", Comments: []string{"probe"}}, progress); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	if transferred == 0 {
		t.Error("progress never reported")
	}
	mu.Unlock()

	st, err := upload.New(cfg).Run(ctx, c, c, req)
	if err != nil {
		t.Fatalf("Run() err = %v", err)
	}
	if st.State != upload.Complete || st.ReportID == "" {
		t.Fatalf("status = %+v", st)
	}
	comments, err := c.ListComments(ctx, st.ReportID)
	if err != nil || len(comments) != 3 {
		t.Errorf("ingested %d comments, err %v", len(comments), err)
	}

	again, err := upload.New(cfg).Run(ctx, c, c, req)
	if err != nil || again.State != upload.Complete || again.ReportID != st.ReportID {
		t.Errorf("cached upload = %+v, err %v", again, err)
	}

	if _, err := c.UploadStatus(ctx, "no-such-job"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UploadStatus(missing) err = %v", err)
	}
}

type recordingDoer struct {
	req  *http.Request
	resp *http.Response
}

func (d *recordingDoer) Do(req *http.Request) (*http.Response, error) {
	d.req = req
	return d.resp, nil
}

func TestTraceHeaderAndErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"json error", http.StatusBadGateway, `{"error":"annotation failed","trace_id":"srv-1"}`, "annotation failed"},
		{"plain error", http.StatusInternalServerError, "boom\n", "boom"},
		{"empty body", http.StatusServiceUnavailable, "", "Service Unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doer := &recordingDoer{resp: &http.Response{
				StatusCode: tt.status,
				Body:       io.NopCloser(strings.NewReader(tt.body)),
			}}
			c := New("http://sensor.test/", WithHTTPClient(doer))
			ctx := trace.WithID(context.Background(), "client-7")
			_, err := c.Annotate(ctx, &models.Comment{ID: "c1"})

			if got := doer.req.Header.Get(trace.Header); got != "client-7" {
				t.Errorf("trace header = %q", got)
			}
			if doer.req.URL.String() != "http://sensor.test/api/v1/comments/c1/annotate" {
				t.Errorf("url = %s", doer.req.URL)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *APIError", err)
			}
			if apiErr.StatusCode != tt.status || apiErr.Message != tt.wantMsg {
				t.Errorf("APIError = %+v", apiErr)
			}
			if errors.Is(err, ErrNotFound) {
				t.Error("non-404 error must not match ErrNotFound")
			}
		})
	}
}

func TestTraceHeaderGenerated(t *testing.T) {
	var got string
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(trace.Header)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(hs.Close)
	if err := New(hs.URL).Health(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got == "" {
		t.Error("client sent no trace id")
	}
}

func TestCountingReader(t *testing.T) {
	var calls []int64
	cr := &countingReader{r: strings.NewReader("abcdefghij"), total: 10, progress: func(sent, total int64) {
		calls = append(calls, sent)
	}}
	buf := make([]byte, 4)
	for {
		_, err := cr.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	want := []int64{4, 8, 10}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls = %v, want %v", calls, want)
		}
	}
}
