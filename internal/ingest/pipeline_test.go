package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tutorly/tutord/internal/retrieval"
)

type fakeReader struct {
	pages []string
	err   error
}

func (f *fakeReader) Pages(_ []byte) ([]string, error) {
	return f.pages, f.err
}

type fakeEmbedder struct {
	mu     sync.Mutex
	calls  int
	failOn string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.failOn != "" && strings.Contains(text, f.failOn) {
		return nil, errors.New("embedding backend unavailable")
	}
	return []float32{float32(len(text)), 1}, nil
}

type fakeChunkWriter struct {
	mu       sync.Mutex
	deleted  []string
	inserted []retrieval.Chunk
	events   []string
}

func (f *fakeChunkWriter) DeleteForOwner(_ context.Context, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ownerID)
	f.events = append(f.events, "delete")
	return nil
}

func (f *fakeChunkWriter) Insert(_ context.Context, chunks []retrieval.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, chunks...)
	f.events = append(f.events, "insert")
	return nil
}

type fakeClassStore struct {
	mu       sync.Mutex
	statuses []string
	err      error
}

func (f *fakeClassStore) UpdateClassTextbook(_, status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeClassStore) UpdateClassTextbookStatus(_, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// waitForTerminal polls until the job leaves the queued/processing states.
func waitForTerminal(t *testing.T, p *Pipeline, jobID string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job := p.JobStatus(jobID)
		if job.Status == StatusCompleted || job.Status == StatusFailed {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return Job{}
}

const para = "one two three four five six seven eight nine ten eleven"

func TestSubmit_IngestsAndMarksReady(t *testing.T) {
	reader := &fakeReader{pages: []string{
		para + "\n\n" + para + " twelve",
		para + " on page two",
	}}
	writer := &fakeChunkWriter{}
	classes := &fakeClassStore{}
	p := NewPipeline(NewJobTable(), reader, &fakeEmbedder{}, writer, classes, testLogger())

	jobID, err := p.Submit("class-1", []byte("pdf-bytes"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForTerminal(t, p, jobID)
	if job.Status != StatusCompleted {
		t.Fatalf("status = %s (error %q), want completed", job.Status, job.Error)
	}
	if job.Progress != 100 {
		t.Errorf("progress = %d, want 100", job.Progress)
	}

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.inserted) != 3 {
		t.Fatalf("inserted %d chunks, want 3", len(writer.inserted))
	}
	for i, c := range writer.inserted {
		if c.Seq != i {
			t.Errorf("chunk %d seq = %d, want %d", i, c.Seq, i)
		}
		if c.OwnerID != "class-1" {
			t.Errorf("chunk %d owner = %s", i, c.OwnerID)
		}
		if len(c.Embedding) == 0 {
			t.Errorf("chunk %d has no embedding", i)
		}
	}
	if writer.inserted[2].Page != 2 {
		t.Errorf("third chunk page = %d, want 2", writer.inserted[2].Page)
	}

	classes.mu.Lock()
	defer classes.mu.Unlock()
	want := []string{"processing", "ready"}
	if len(classes.statuses) != 2 || classes.statuses[0] != want[0] || classes.statuses[1] != want[1] {
		t.Errorf("class statuses = %v, want %v", classes.statuses, want)
	}
}

func TestSubmit_ReplacesBeforeInserting(t *testing.T) {
	reader := &fakeReader{pages: []string{para}}
	writer := &fakeChunkWriter{}
	p := NewPipeline(NewJobTable(), reader, &fakeEmbedder{}, writer, &fakeClassStore{}, testLogger())

	jobID, err := p.Submit("class-1", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForTerminal(t, p, jobID)

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.events) == 0 || writer.events[0] != "delete" {
		t.Errorf("events = %v, want delete first", writer.events)
	}
	if writer.deleted[0] != "class-1" {
		t.Errorf("deleted owner = %s", writer.deleted[0])
	}
}

func TestSubmit_FiltersShortParagraphs(t *testing.T) {
	reader := &fakeReader{pages: []string{
		"Chapter 3\n\n" + para + "\n\n42\n\n   \n\n" + para + " more words here",
	}}
	writer := &fakeChunkWriter{}
	p := NewPipeline(NewJobTable(), reader, &fakeEmbedder{}, writer, &fakeClassStore{}, testLogger())

	jobID, err := p.Submit("class-1", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForTerminal(t, p, jobID)

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.inserted) != 2 {
		t.Fatalf("inserted %d chunks, want 2 (headers and numbers dropped)", len(writer.inserted))
	}
}

// blockingEmbedder parks any call whose text matches blockOn until release is
// closed, letting tests observe the job between pages.
type blockingEmbedder struct {
	blockOn string
	release chan struct{}
}

func (b *blockingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.Contains(text, b.blockOn) {
		<-b.release
	}
	return []float32{1, 2}, nil
}

func waitForProgress(t *testing.T, p *Pipeline, jobID string, want int) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job := p.JobStatus(jobID)
		if job.Progress == want {
			return job
		}
		if job.Status == StatusCompleted || job.Status == StatusFailed {
			t.Fatalf("job %s reached %s at progress %d before progress %d", jobID, job.Status, job.Progress, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reported progress %d", jobID, want)
	return Job{}
}

func TestSubmit_ReportsPerPageProgress(t *testing.T) {
	reader := &fakeReader{pages: []string{para, para + " page two marker"}}
	embedder := &blockingEmbedder{blockOn: "page two", release: make(chan struct{})}
	p := NewPipeline(NewJobTable(), reader, embedder, &fakeChunkWriter{}, &fakeClassStore{}, testLogger())

	jobID, err := p.Submit("class-1", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// With page 2 parked in the embedder, the job settles on the page 1
	// snapshot: 5 + round(1/2 * 90).
	job := waitForProgress(t, p, jobID, 50)
	if job.Status != StatusProcessing {
		t.Errorf("status = %s, want processing", job.Status)
	}
	if job.Stage != "embedding page 1 of 2" {
		t.Errorf("stage = %q, want %q", job.Stage, "embedding page 1 of 2")
	}

	close(embedder.release)
	job = waitForTerminal(t, p, jobID)
	if job.Status != StatusCompleted || job.Progress != 100 {
		t.Errorf("terminal job = %+v, want completed at 100", job)
	}
}

func TestSubmit_FailureLeavesClassProcessing(t *testing.T) {
	reader := &fakeReader{pages: []string{para}}
	classes := &fakeClassStore{}
	p := NewPipeline(NewJobTable(), reader, &fakeEmbedder{failOn: "one"}, &fakeChunkWriter{}, classes, testLogger())

	jobID, err := p.Submit("class-1", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForTerminal(t, p, jobID)
	if job.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.Error == "" {
		t.Error("failed job has no error message")
	}

	classes.mu.Lock()
	defer classes.mu.Unlock()
	if len(classes.statuses) != 1 || classes.statuses[0] != "processing" {
		t.Errorf("class statuses = %v, want [processing] only", classes.statuses)
	}
}

func TestSubmit_ClassUpdateFails(t *testing.T) {
	classes := &fakeClassStore{err: errors.New("class missing")}
	p := NewPipeline(NewJobTable(), &fakeReader{pages: []string{para}}, &fakeEmbedder{}, &fakeChunkWriter{}, classes, testLogger())

	if _, err := p.Submit("ghost", nil); err == nil {
		t.Fatal("expected error when class cannot be marked processing")
	}
}

func TestJobStatus_UnknownJob(t *testing.T) {
	p := NewPipeline(NewJobTable(), &fakeReader{}, &fakeEmbedder{}, &fakeChunkWriter{}, &fakeClassStore{}, testLogger())

	job := p.JobStatus("no-such-job")
	if job.Status != StatusFailed {
		t.Errorf("status = %s, want failed", job.Status)
	}
	if job.Error != "Job not found" {
		t.Errorf("error = %q, want %q", job.Error, "Job not found")
	}
}

func TestSplitParagraphs(t *testing.T) {
	text := para + "\n\ntoo short\n\n" + para + " extra"
	got := splitParagraphs(text)
	if len(got) != 2 {
		t.Fatalf("got %d paragraphs, want 2", len(got))
	}
	if got[0] != para {
		t.Errorf("first paragraph = %q", got[0])
	}
}
