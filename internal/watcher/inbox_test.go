package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hyperjump/sensor/internal/fileid"
	"github.com/hyperjump/sensor/internal/models"
)

type fakeJobs struct {
	mu   sync.Mutex
	reqs []models.UploadRequest
	err  error
	seen map[string]bool
}

func (f *fakeJobs) Submit(_ context.Context, req models.UploadRequest) (models.UploadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.UploadResponse{}, f.err
	}
	f.reqs = append(f.reqs, req)
	// Same content, same report; known content is answered as cached.
	id := fileid.ContentHash(req.Comments)
	if f.seen[id] {
		return models.UploadResponse{ReportID: id, Cached: true}, nil
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	f.seen[id] = true
	return models.UploadResponse{ReportID: id, JobID: "job"}, nil
}

type fakeRemover struct {
	deleted []string
}

func (f *fakeRemover) DeleteReport(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func TestInbox_FileArrived(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "CS101_Fall.csv")
	if err := writeFile(path, "Question: Comments\nGreat pace, \"too, fast, honestly way too fast\"\nLoved labs, short\n"); err != nil {
		t.Fatal(err)
	}
	jobs := &fakeJobs{}
	in := NewInbox(context.Background(), jobs)
	in.FileArrived(path)

	if len(jobs.reqs) != 1 {
		t.Fatalf("submissions = %d", len(jobs.reqs))
	}
	req := jobs.reqs[0]
	if req.Name != "CS101 Fall" {
		t.Errorf("name = %q", req.Name)
	}
	if len(req.Comments) != 2 || !strings.Contains(req.Comments[0], "too, fast") {
		t.Errorf("comments = %q", req.Comments)
	}
	if id, ok := in.ReportFor(path); !ok || id == "" {
		t.Error("report not recorded for path")
	}
}

func TestInbox_SkipsEmptyAndFailures(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.txt")
	if err := writeFile(empty, "\n  \n"); err != nil {
		t.Fatal(err)
	}
	jobs := &fakeJobs{}
	in := NewInbox(context.Background(), jobs)
	in.FileArrived(empty)
	in.FileArrived(filepath.Join(dir, "missing.csv"))
	if len(jobs.reqs) != 0 {
		t.Errorf("nothing should be submitted, got %v", jobs.reqs)
	}

	ok := filepath.Join(dir, "ok.txt")
	if err := writeFile(ok, "one\n"); err != nil {
		t.Fatal(err)
	}
	jobs.err = errors.New("closed")
	in.FileArrived(ok)
	if _, found := in.ReportFor(ok); found {
		t.Error("failed submission must not be recorded")
	}
}

func TestInbox_ReplaceAndRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.txt")
	rm := &fakeRemover{}
	in := NewInbox(context.Background(), &fakeJobs{}, WithRemover(rm))

	if err := writeFile(path, "first\n"); err != nil {
		t.Fatal(err)
	}
	in.FileArrived(path)
	first, _ := in.ReportFor(path)

	in.FileArrived(path)
	if len(rm.deleted) != 0 {
		t.Errorf("unchanged content must keep its report, deleted %v", rm.deleted)
	}

	if err := writeFile(path, "second\n"); err != nil {
		t.Fatal(err)
	}
	in.FileArrived(path)
	second, _ := in.ReportFor(path)
	if second == first || len(rm.deleted) != 1 || rm.deleted[0] != first {
		t.Errorf("replaced file should delete %s, deleted %v", first, rm.deleted)
	}

	in.FileRemoved(path)
	if len(rm.deleted) != 2 || rm.deleted[1] != second {
		t.Errorf("removed file should delete %s, deleted %v", second, rm.deleted)
	}
	if _, ok := in.ReportFor(path); ok {
		t.Error("removed path still recorded")
	}
	in.FileRemoved(path)
	if len(rm.deleted) != 2 {
		t.Error("unknown path must not delete anything")
	}
}

func TestInbox_CachedReportIsNotOwned(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "copy.txt")
	if err := writeFile(path, "uploaded by hand\n"); err != nil {
		t.Fatal(err)
	}
	manual := fileid.ContentHash([]string{"uploaded by hand"})
	jobs := &fakeJobs{seen: map[string]bool{manual: true}}
	rm := &fakeRemover{}
	in := NewInbox(context.Background(), jobs, WithRemover(rm))

	in.FileArrived(path)
	if id, _ := in.ReportFor(path); id != manual {
		t.Fatalf("report = %q, want %q", id, manual)
	}
	in.FileRemoved(path)
	if len(rm.deleted) != 0 {
		t.Errorf("report created outside the inbox was deleted: %v", rm.deleted)
	}
}

func TestInbox_SharedReportDeletedWithLastFile(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	for _, p := range []string{a, b} {
		if err := writeFile(p, "same comments\n"); err != nil {
			t.Fatal(err)
		}
	}
	rm := &fakeRemover{}
	in := NewInbox(context.Background(), &fakeJobs{}, WithRemover(rm))
	in.FileArrived(a)
	in.FileArrived(b)

	in.FileRemoved(a)
	if len(rm.deleted) != 0 {
		t.Fatalf("report still used by %s was deleted: %v", b, rm.deleted)
	}
	in.FileRemoved(b)
	if len(rm.deleted) != 1 || rm.deleted[0] != fileid.ContentHash([]string{"same comments"}) {
		t.Errorf("deleted = %v", rm.deleted)
	}
}
