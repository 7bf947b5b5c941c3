// Package ingest turns uploaded textbook PDFs into embedded chunks, tracking
// per-job progress in memory while the heavy work runs in the background.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tutorly/tutord/internal/retrieval"
)

// Paragraphs shorter than this many whitespace-separated tokens carry too
// little signal to be worth embedding (page numbers, headers, stray lines).
const minChunkTokens = 10

// embedConcurrency bounds parallel embedding calls per page.
const embedConcurrency = 4

// DocumentReader extracts per-page plain text from an uploaded document.
type DocumentReader interface {
	Pages(data []byte) ([]string, error)
}

// Embedder generates embeddings for chunk text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkWriter persists embedded chunks.
type ChunkWriter interface {
	DeleteForOwner(ctx context.Context, ownerID string) error
	Insert(ctx context.Context, chunks []retrieval.Chunk) error
}

// ClassStore updates a class's textbook processing state.
type ClassStore interface {
	UpdateClassTextbook(id, status, jobID string) error
	UpdateClassTextbookStatus(id, status string) error
}

// Pipeline ingests textbooks: extract pages, chunk into paragraphs, embed,
// and store, replacing whatever the class had before.
type Pipeline struct {
	jobs     *JobTable
	reader   DocumentReader
	embedder Embedder
	chunks   ChunkWriter
	classes  ClassStore
	logger   *slog.Logger
}

// NewPipeline creates a Pipeline with the given dependencies.
func NewPipeline(jobs *JobTable, reader DocumentReader, embedder Embedder, chunks ChunkWriter, classes ClassStore, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		jobs:     jobs,
		reader:   reader,
		embedder: embedder,
		chunks:   chunks,
		classes:  classes,
		logger:   logger,
	}
}

// Submit registers a new ingestion job for the class and starts processing in
// the background. The class is marked processing before Submit returns, so a
// status poll right after submission already sees the new job.
func (p *Pipeline) Submit(classID string, document []byte) (string, error) {
	jobID := uuid.New().String()
	p.jobs.Set(Job{ID: jobID, Status: StatusQueued})

	if err := p.classes.UpdateClassTextbook(classID, "processing", jobID); err != nil {
		return "", fmt.Errorf("marking class %s processing: %w", classID, err)
	}

	// Detached from the request context: ingestion outlives the upload call.
	go p.run(context.Background(), jobID, classID, document)

	return jobID, nil
}

// JobStatus returns the job's current snapshot. Unknown job IDs come back as
// a synthetic failed job rather than an error, so pollers need no special
// case after a daemon restart wiped the table.
func (p *Pipeline) JobStatus(jobID string) Job {
	if job, ok := p.jobs.Get(jobID); ok {
		return job
	}
	return Job{ID: jobID, Status: StatusFailed, Error: "Job not found"}
}

func (p *Pipeline) run(ctx context.Context, jobID, classID string, document []byte) {
	start := time.Now()
	if err := p.process(ctx, jobID, classID, document); err != nil {
		// The class stays in processing state: the old chunks are gone and a
		// re-upload is the only way forward, which the status surfaces.
		p.logger.Warn("textbook ingestion failed", "job_id", jobID, "class_id", classID, "error", err)
		job, _ := p.jobs.Get(jobID)
		job.Status = StatusFailed
		job.Error = err.Error()
		p.jobs.Set(job)
		return
	}
	p.logger.Info("textbook ingestion completed", "job_id", jobID, "class_id", classID, "duration", time.Since(start))
}

func (p *Pipeline) process(ctx context.Context, jobID, classID string, document []byte) error {
	p.jobs.Set(Job{ID: jobID, Status: StatusProcessing, Progress: 5, Stage: "extracting text"})

	pages, err := p.reader.Pages(document)
	if err != nil {
		return fmt.Errorf("extracting pages: %w", err)
	}
	if len(pages) == 0 {
		return fmt.Errorf("document has no pages")
	}

	// Replace, not merge: the new upload is the whole textbook.
	if err := p.chunks.DeleteForOwner(ctx, classID); err != nil {
		return fmt.Errorf("clearing previous chunks: %w", err)
	}

	seq := 0
	for i, page := range pages {
		pageNum := i + 1
		paragraphs := splitParagraphs(page)

		chunks := make([]retrieval.Chunk, len(paragraphs))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(embedConcurrency)
		for j, text := range paragraphs {
			chunks[j] = retrieval.Chunk{
				ID:      uuid.New().String(),
				OwnerID: classID,
				Seq:     seq,
				Text:    text,
				Page:    pageNum,
			}
			seq++
			g.Go(func() error {
				vec, err := p.embedder.Embed(gctx, text)
				if err != nil {
					return fmt.Errorf("embedding chunk on page %d: %w", pageNum, err)
				}
				chunks[j].Embedding = vec
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if err := p.chunks.Insert(ctx, chunks); err != nil {
			return fmt.Errorf("storing chunks for page %d: %w", pageNum, err)
		}

		progress := 5 + int(math.Round(float64(pageNum)/float64(len(pages))*90))
		p.jobs.Set(Job{
			ID:       jobID,
			Status:   StatusProcessing,
			Progress: progress,
			Stage:    fmt.Sprintf("embedding page %d of %d", pageNum, len(pages)),
		})
	}

	if err := p.classes.UpdateClassTextbookStatus(classID, "ready"); err != nil {
		return fmt.Errorf("marking class %s ready: %w", classID, err)
	}
	p.jobs.Set(Job{ID: jobID, Status: StatusCompleted, Progress: 100})
	return nil
}

// splitParagraphs splits page text on blank lines and drops fragments with
// fewer than minChunkTokens tokens.
func splitParagraphs(text string) []string {
	var paragraphs []string
	for _, block := range strings.Split(text, "\n\n") {
		p := strings.TrimSpace(block)
		if p == "" {
			continue
		}
		if len(strings.Fields(p)) < minChunkTokens {
			continue
		}
		paragraphs = append(paragraphs, p)
	}
	return paragraphs
}
