package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tutorly/tutord/internal/provider"
	"github.com/tutorly/tutord/internal/quota"
	"github.com/tutorly/tutord/internal/retrieval"
	"github.com/tutorly/tutord/internal/storage"
)

func args(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshaling args: %v", err)
	}
	return b
}

// --- Registry ---

type staticTool struct {
	name string
}

func (s *staticTool) Spec() provider.ToolSpec { return provider.ToolSpec{Name: s.name} }
func (s *staticTool) Feature() string         { return "" }
func (s *staticTool) Invoke(context.Context, Invocation) (string, error) {
	return "", nil
}

func TestRegistry_SpecsKeepRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&staticTool{name: "b"})
	r.Register(&staticTool{name: "a"})
	r.Register(&staticTool{name: "c"})

	specs := r.Specs()
	want := []string{"b", "a", "c"}
	if len(specs) != 3 {
		t.Fatalf("got %d specs, want 3", len(specs))
	}
	for i, name := range want {
		if specs[i].Name != name {
			t.Errorf("specs[%d] = %s, want %s", i, specs[i].Name, name)
		}
	}

	if _, ok := r.Get("a"); !ok {
		t.Error("Get(a) not found")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) unexpectedly found")
	}
}

// --- Search ---

type stubSearcher struct {
	results []provider.SearchResult
	err     error
}

func (s *stubSearcher) Search(context.Context, string) ([]provider.SearchResult, error) {
	return s.results, s.err
}

func TestSearch_FormatsResults(t *testing.T) {
	tool := NewSearch(&stubSearcher{results: []provider.SearchResult{
		{Title: "Quadratic formula", URL: "https://example.com/q", Description: "Solving ax²+bx+c", Age: "3 days ago"},
		{Title: "Completing the square", URL: "https://example.com/c", Description: "Another method"},
	}})

	out, err := tool.Invoke(context.Background(), Invocation{Args: args(t, map[string]string{"query": "quadratic"})})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	for _, want := range []string{
		"## Quadratic formula",
		"Url: https://example.com/q",
		"Description: Solving ax²+bx+c",
		"Age: 3 days ago",
		"## Completing the square",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Age: \n") {
		t.Error("empty age rendered")
	}
}

func TestSearch_CapsResults(t *testing.T) {
	var results []provider.SearchResult
	for i := 0; i < 12; i++ {
		results = append(results, provider.SearchResult{Title: "r", URL: "u", Description: "d"})
	}
	tool := NewSearch(&stubSearcher{results: results})

	out, err := tool.Invoke(context.Background(), Invocation{Args: args(t, map[string]string{"query": "x"})})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := strings.Count(out, "## "); got != maxSearchResults {
		t.Errorf("rendered %d results, want %d", got, maxSearchResults)
	}
}

func TestSearch_NoResults(t *testing.T) {
	tool := NewSearch(&stubSearcher{})
	out, err := tool.Invoke(context.Background(), Invocation{Args: args(t, map[string]string{"query": "x"})})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "No results found." {
		t.Errorf("out = %q", out)
	}
}

// --- OpenURL ---

func TestOpenURL_ExtractsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><script>var x = 1;</script><style>p{}</style></head>
			<body><h1>Derivatives</h1><p>The derivative measures change.</p></body></html>`))
	}))
	defer srv.Close()

	tool := NewOpenURL()
	out, err := tool.Invoke(context.Background(), Invocation{Args: args(t, map[string]string{"url": srv.URL})})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(out, "Derivatives") || !strings.Contains(out, "derivative measures change") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "var x") {
		t.Errorf("script content leaked into output: %q", out)
	}
}

func TestOpenURL_CapsLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<body>" + strings.Repeat("word ", 2000) + "</body>"))
	}))
	defer srv.Close()

	tool := NewOpenURL()
	out, err := tool.Invoke(context.Background(), Invocation{Args: args(t, map[string]string{"url": srv.URL})})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(out) > maxPageChars {
		t.Errorf("output length = %d, want <= %d", len(out), maxPageChars)
	}
}

func TestOpenURL_RejectsNonHTTP(t *testing.T) {
	tool := NewOpenURL()
	if _, err := tool.Invoke(context.Background(), Invocation{Args: args(t, map[string]string{"url": "file:///etc/passwd"})}); err == nil {
		t.Fatal("expected error for non-http scheme")
	}
}

// --- Desmos ---

func TestDesmos_BuildsBlock(t *testing.T) {
	tool := NewDesmos()
	if tool.Feature() != quota.FeatureGraphing {
		t.Errorf("feature = %q", tool.Feature())
	}

	out, err := tool.Invoke(context.Background(), Invocation{
		Args: args(t, map[string][]string{"expressions": {"y=x^2", " y=2x+1 ", ""}}),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(out, "```desmos\ny=x^2\ny=2x+1\n```") {
		t.Errorf("output = %q", out)
	}
}

func TestDesmos_EmptyExpressions(t *testing.T) {
	tool := NewDesmos()
	if _, err := tool.Invoke(context.Background(), Invocation{
		Args: args(t, map[string][]string{"expressions": {}}),
	}); err == nil {
		t.Fatal("expected error for empty expressions")
	}
}

// --- QueryTextbook ---

type stubRetriever struct {
	chunks []retrieval.ScoredChunk
	err    error
}

func (s *stubRetriever) Query(context.Context, string, string) ([]retrieval.ScoredChunk, error) {
	return s.chunks, s.err
}

func TestQueryTextbook_FormatsPages(t *testing.T) {
	tool := NewQueryTextbook(&stubRetriever{chunks: []retrieval.ScoredChunk{
		{Chunk: retrieval.Chunk{Text: "The mitochondria is the powerhouse of the cell.", Page: 12}, Score: 0.9},
		{Chunk: retrieval.Chunk{Text: "ATP synthesis occurs across the inner membrane.", Page: 14}, Score: 0.8},
	}})

	out, err := tool.Invoke(context.Background(), Invocation{
		ClassID: "class-1",
		Args:    args(t, map[string]string{"query": "mitochondria"}),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(out, "[Page 12] The mitochondria") {
		t.Errorf("output missing page 12 passage:\n%s", out)
	}
	if !strings.Contains(out, "[Page 14] ATP synthesis") {
		t.Errorf("output missing page 14 passage:\n%s", out)
	}
	if !strings.Contains(out, "cite page numbers") {
		t.Errorf("output missing citation instruction:\n%s", out)
	}
}

func TestQueryTextbook_NoMaterial(t *testing.T) {
	tool := NewQueryTextbook(&stubRetriever{})
	out, err := tool.Invoke(context.Background(), Invocation{
		ClassID: "class-1",
		Args:    args(t, map[string]string{"query": "x"}),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(out, "No textbook material") {
		t.Errorf("out = %q", out)
	}
}

func TestQueryTextbook_NoClass(t *testing.T) {
	tool := NewQueryTextbook(&stubRetriever{})
	out, err := tool.Invoke(context.Background(), Invocation{
		Args: args(t, map[string]string{"query": "x"}),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(out, "not attached to a class") {
		t.Errorf("out = %q", out)
	}
}

// --- ImageGen ---

type stubGenerator struct {
	data []byte
	err  error
}

func (s *stubGenerator) GenerateImage(context.Context, string) ([]byte, error) {
	return s.data, s.err
}

type stubGate struct {
	checkErr   error
	increments []float64
}

func (s *stubGate) CheckAndReserve(_ context.Context, _, _ string, _ float64) (quota.Plan, quota.Usage, error) {
	return quota.Plan{}, quota.Usage{}, s.checkErr
}

func (s *stubGate) Increment(_ context.Context, _, _ string, amount float64) error {
	s.increments = append(s.increments, amount)
	return nil
}

type stubChatFiles struct {
	chat      storage.Chat
	savedName string
	savedMB   float64
	savedJSON string
}

func (s *stubChatFiles) GetChat(string) (storage.Chat, error) { return s.chat, nil }

func (s *stubChatFiles) SaveChatFile(_, name string, _ []byte, sizeMB float64, filesJSON string) error {
	s.savedName = name
	s.savedMB = sizeMB
	s.savedJSON = filesJSON
	return nil
}

func TestImageGen_StoresAndCounts(t *testing.T) {
	data := make([]byte, 2<<20) // 2 MB
	gate := &stubGate{}
	chats := &stubChatFiles{chat: storage.Chat{ID: "chat-1", FilesJSON: `["notes.pdf"]`}}
	tool := NewImageGen(&stubGenerator{data: data}, gate, chats)

	out, err := tool.Invoke(context.Background(), Invocation{
		UserID: "u1",
		ChatID: "chat-1",
		Args:   args(t, map[string]string{"prompt": "unit circle"}),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if chats.savedMB != 2 {
		t.Errorf("saved size = %v MB, want 2", chats.savedMB)
	}
	if !strings.HasPrefix(chats.savedName, "generated-") || !strings.HasSuffix(chats.savedName, ".png") {
		t.Errorf("saved name = %q", chats.savedName)
	}

	var files []string
	if err := json.Unmarshal([]byte(chats.savedJSON), &files); err != nil {
		t.Fatalf("parsing saved files: %v", err)
	}
	if len(files) != 2 || files[0] != "notes.pdf" {
		t.Errorf("files = %v", files)
	}

	if len(gate.increments) != 1 || gate.increments[0] != 2 {
		t.Errorf("increments = %v, want [2]", gate.increments)
	}
	if !strings.Contains(out, "/api/files/chats/chat-1/"+chats.savedName) {
		t.Errorf("output missing file link:\n%s", out)
	}
}

func TestImageGen_QuotaErrorPassesThrough(t *testing.T) {
	qerr := &quota.Error{Kind: quota.LimitReached, Feature: quota.FeatureFileUpload}
	gate := &stubGate{checkErr: qerr}
	chats := &stubChatFiles{chat: storage.Chat{ID: "chat-1"}}
	tool := NewImageGen(&stubGenerator{data: []byte("png")}, gate, chats)

	_, err := tool.Invoke(context.Background(), Invocation{
		UserID: "u1",
		ChatID: "chat-1",
		Args:   args(t, map[string]string{"prompt": "x"}),
	})

	var got *quota.Error
	if !errors.As(err, &got) {
		t.Fatalf("error = %v, want *quota.Error", err)
	}
	if chats.savedName != "" {
		t.Error("image stored despite quota failure")
	}
	if len(gate.increments) != 0 {
		t.Error("usage counted despite quota failure")
	}
}
