package prep

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/tutorly/tutord/internal/provider"
	"github.com/tutorly/tutord/internal/quota"
	"github.com/tutorly/tutord/internal/storage"
)

type fakeStore struct {
	assignments []storage.Assignment
	listErr     error
	created     []storage.PrepItem
}

func (f *fakeStore) ListRecentAssignments(_ string, limit int) ([]storage.Assignment, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.assignments) > limit {
		return f.assignments[:limit], nil
	}
	return f.assignments, nil
}

func (f *fakeStore) CreatePrepItem(p storage.PrepItem) error {
	f.created = append(f.created, p)
	return nil
}

type fakeCompleter struct {
	content string
	err     error
	lastReq provider.CompletionRequest
}

func (f *fakeCompleter) Complete(_ context.Context, req provider.CompletionRequest) (provider.Message, error) {
	f.lastReq = req
	return provider.Message{Role: provider.RoleAssistant, Content: f.content}, f.err
}

func (f *fakeCompleter) Stream(context.Context, provider.CompletionRequest, func(string)) (string, error) {
	return "", errors.New("not used")
}

type fakeReader struct {
	text string
}

func (f *fakeReader) Pages(data []byte) ([]string, error) {
	if f.text != "" {
		return []string{f.text}, nil
	}
	return []string{string(data)}, nil
}

type fakeGate struct {
	mu         sync.Mutex
	checkErr   error
	checks     []string
	increments []string
}

func (f *fakeGate) CheckAndReserve(_ context.Context, _, feature string, _ float64) (quota.Plan, quota.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, feature)
	return quota.Plan{}, quota.Usage{}, f.checkErr
}

func (f *fakeGate) Increment(_ context.Context, _, feature string, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.increments = append(f.increments, feature)
	return nil
}

const validResponse = `{"title": "Derivatives Review", "feedback": "Chain rule slips in several problems.", "problems": [{"question": "Differentiate x^3", "solution": ["Apply the power rule", "3x^2"]}]}`

func newGenerator(store *fakeStore, completer *fakeCompleter, gate *fakeGate) *Generator {
	return NewGenerator(completer, &fakeReader{}, store, gate, "prep-model", slog.New(slog.DiscardHandler))
}

func TestGenerate(t *testing.T) {
	store := &fakeStore{assignments: []storage.Assignment{
		{ID: "a1", File: []byte("differentiate these functions")},
		{ID: "a2", File: []byte("more calculus problems")},
	}}
	completer := &fakeCompleter{content: validResponse}
	gate := &fakeGate{}

	item, err := newGenerator(store, completer, gate).Generate(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if item.Title != "Derivatives Review" {
		t.Errorf("title = %q", item.Title)
	}
	if len(item.Problems) != 1 || item.Problems[0].Question != "Differentiate x^3" {
		t.Errorf("problems = %+v", item.Problems)
	}

	if len(store.created) != 1 {
		t.Fatalf("created %d items, want 1", len(store.created))
	}
	saved := store.created[0]
	if saved.UserID != "u1" || saved.Title != "Derivatives Review" {
		t.Errorf("saved = %+v", saved)
	}
	if !strings.Contains(saved.ProblemsJSON, "power rule") {
		t.Errorf("problems JSON = %q", saved.ProblemsJSON)
	}

	// The prompt carries the assignment text and the generation uses the
	// dedicated model.
	if !strings.Contains(completer.lastReq.Messages[0].Content, "differentiate these functions") {
		t.Error("prompt missing assignment text")
	}
	if completer.lastReq.Model != "prep-model" {
		t.Errorf("model = %q", completer.lastReq.Model)
	}

	if len(gate.increments) != 1 || gate.increments[0] != quota.FeatureExamBuster {
		t.Errorf("increments = %v", gate.increments)
	}
}

func TestGenerate_SkipsReasoningPrelude(t *testing.T) {
	store := &fakeStore{assignments: []storage.Assignment{{ID: "a1", File: []byte("text")}}}
	completer := &fakeCompleter{content: "Let me think about the problems first...\n</think>\n" + validResponse}

	item, err := newGenerator(store, completer, &fakeGate{}).Generate(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if item.Title != "Derivatives Review" {
		t.Errorf("title = %q", item.Title)
	}
}

func TestGenerate_NoAssignments(t *testing.T) {
	gate := &fakeGate{}
	_, err := newGenerator(&fakeStore{}, &fakeCompleter{content: validResponse}, gate).Generate(context.Background(), "u1")
	if !errors.Is(err, ErrNoAssignments) {
		t.Fatalf("err = %v, want ErrNoAssignments", err)
	}
	if len(gate.increments) != 0 {
		t.Error("usage counted despite failed generation")
	}
}

func TestGenerate_QuotaFailure(t *testing.T) {
	gate := &fakeGate{checkErr: &quota.Error{Kind: quota.FeatureUnavailable, Feature: quota.FeatureExamBuster}}
	store := &fakeStore{assignments: []storage.Assignment{{ID: "a1", File: []byte("x")}}}

	_, err := newGenerator(store, &fakeCompleter{content: validResponse}, gate).Generate(context.Background(), "u1")
	var qerr *quota.Error
	if !errors.As(err, &qerr) {
		t.Fatalf("err = %v, want *quota.Error", err)
	}
	if len(store.created) != 0 {
		t.Error("item persisted despite quota failure")
	}
}

func TestGenerate_MalformedResponse(t *testing.T) {
	store := &fakeStore{assignments: []storage.Assignment{{ID: "a1", File: []byte("x")}}}
	completer := &fakeCompleter{content: "I could not produce JSON, sorry."}
	gate := &fakeGate{}

	if _, err := newGenerator(store, completer, gate).Generate(context.Background(), "u1"); err == nil {
		t.Fatal("expected error for malformed response")
	}
	if len(gate.increments) != 0 {
		t.Error("usage counted despite failed generation")
	}
}

func TestParseItem_IncompleteMaterial(t *testing.T) {
	if _, err := parseItem(`{"title": "", "problems": []}`); err == nil {
		t.Fatal("expected error for incomplete material")
	}
}
