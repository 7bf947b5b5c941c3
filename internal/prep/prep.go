// Package prep builds exam preparation material from a student's recently
// uploaded assignments.
package prep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tutorly/tutord/internal/ingest"
	"github.com/tutorly/tutord/internal/provider"
	"github.com/tutorly/tutord/internal/quota"
	"github.com/tutorly/tutord/internal/storage"
	"github.com/tutorly/tutord/internal/tools"
)

const (
	// maxAssignments bounds how many recent uploads feed one generation.
	maxAssignments = 5

	// maxAssignmentChars caps the extracted text per assignment.
	maxAssignmentChars = 4000

	extractConcurrency = 4
)

// ErrNoAssignments means the user has nothing uploaded to generate from.
var ErrNoAssignments = errors.New("no assignments to generate prep material from")

const generationPrompt = `You are preparing a student for an exam. Below are their recent assignments. Produce practice material as a single JSON object with this exact shape:

{"title": "short title for this prep set", "feedback": "2-3 sentences on patterns and weak spots you noticed", "problems": [{"question": "the problem statement", "solution": ["step 1", "step 2", "..."]}]}

Write 4 to 6 problems at the same difficulty as the assignments. Reply with the JSON only.`

// Problem is one practice problem with its worked solution.
type Problem struct {
	Question string   `json:"question"`
	Solution []string `json:"solution"`
}

// Item is a generated prep set.
type Item struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Feedback string    `json:"feedback"`
	Problems []Problem `json:"problems"`
}

// Store is the persistence slice the generator needs.
type Store interface {
	ListRecentAssignments(userID string, limit int) ([]storage.Assignment, error)
	CreatePrepItem(p storage.PrepItem) error
}

// Generator turns recent assignments into persisted prep material.
type Generator struct {
	completer provider.ChatCompleter
	reader    ingest.DocumentReader
	store     Store
	gate      tools.QuotaGate
	model     string
	logger    *slog.Logger
}

// NewGenerator creates a Generator. model names the completion model used for
// generation; empty means the completer's default.
func NewGenerator(completer provider.ChatCompleter, reader ingest.DocumentReader, store Store, gate tools.QuotaGate, model string, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		completer: completer,
		reader:    reader,
		store:     store,
		gate:      gate,
		model:     model,
		logger:    logger,
	}
}

// Generate builds one prep set from the user's recent assignments, persists
// it, and returns it. The operation is metered under the exam buster feature.
func (g *Generator) Generate(ctx context.Context, userID string) (Item, error) {
	if _, _, err := g.gate.CheckAndReserve(ctx, userID, quota.FeatureExamBuster, 1); err != nil {
		return Item{}, err
	}

	assignments, err := g.store.ListRecentAssignments(userID, maxAssignments)
	if err != nil {
		return Item{}, fmt.Errorf("loading assignments: %w", err)
	}
	if len(assignments) == 0 {
		return Item{}, ErrNoAssignments
	}

	texts := make([]string, len(assignments))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(extractConcurrency)
	for i, a := range assignments {
		eg.Go(func() error {
			if egctx.Err() != nil {
				return egctx.Err()
			}
			pages, err := g.reader.Pages(a.File)
			if err != nil {
				return fmt.Errorf("reading assignment %s: %w", a.ID, err)
			}
			text := strings.Join(pages, "\n")
			if len(text) > maxAssignmentChars {
				text = text[:maxAssignmentChars]
			}
			texts[i] = text
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Item{}, err
	}

	var prompt strings.Builder
	prompt.WriteString(generationPrompt)
	for i, text := range texts {
		fmt.Fprintf(&prompt, "\n\n--- Assignment %d ---\n%s", i+1, text)
	}

	resp, err := g.completer.Complete(ctx, provider.CompletionRequest{
		Model: g.model,
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: prompt.String()},
		},
	})
	if err != nil {
		return Item{}, fmt.Errorf("generating prep material: %w", err)
	}

	item, err := parseItem(resp.Content)
	if err != nil {
		return Item{}, fmt.Errorf("parsing generated material: %w", err)
	}
	item.ID = uuid.New().String()

	problemsJSON, err := json.Marshal(item.Problems)
	if err != nil {
		return Item{}, fmt.Errorf("encoding problems: %w", err)
	}
	if err := g.store.CreatePrepItem(storage.PrepItem{
		ID:           item.ID,
		UserID:       userID,
		Title:        item.Title,
		Feedback:     item.Feedback,
		ProblemsJSON: string(problemsJSON),
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return Item{}, fmt.Errorf("persisting prep item: %w", err)
	}

	if err := g.gate.Increment(ctx, userID, quota.FeatureExamBuster, 1); err != nil {
		g.logger.Error("recording exam buster usage failed", "user_id", userID, "error", err)
	}
	return item, nil
}

// parseItem extracts the JSON object from a model response, skipping any
// reasoning prelude the model emits before a closing </think> tag.
func parseItem(content string) (Item, error) {
	if idx := strings.LastIndex(content, "</think>"); idx >= 0 {
		content = content[idx+len("</think>"):]
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return Item{}, fmt.Errorf("no JSON object in response")
	}

	var item Item
	if err := json.Unmarshal([]byte(content[start:end+1]), &item); err != nil {
		return Item{}, err
	}
	if item.Title == "" || len(item.Problems) == 0 {
		return Item{}, fmt.Errorf("generated material is incomplete")
	}
	return item, nil
}
