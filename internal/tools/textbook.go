package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tutorly/tutord/internal/provider"
	"github.com/tutorly/tutord/internal/retrieval"
)

// TextbookRetriever finds the chunks most relevant to a query within one
// class's ingested textbook.
type TextbookRetriever interface {
	Query(ctx context.Context, query, ownerID string) ([]retrieval.ScoredChunk, error)
}

// QueryTextbook searches the ingested textbook of the chat's class.
type QueryTextbook struct {
	retriever TextbookRetriever
}

// NewQueryTextbook creates the textbook retrieval tool.
func NewQueryTextbook(retriever TextbookRetriever) *QueryTextbook {
	return &QueryTextbook{retriever: retriever}
}

func (q *QueryTextbook) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        "query_textbook",
		Description: "Search the class textbook for passages relevant to a question. Prefer this over web search when the question concerns course material.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look up in the textbook",
				},
			},
			"required": []string{"query"},
		},
	}
}

func (q *QueryTextbook) Feature() string { return "" }

func (q *QueryTextbook) Invoke(ctx context.Context, inv Invocation) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(inv.Args, &args); err != nil {
		return "", fmt.Errorf("parsing textbook arguments: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", fmt.Errorf("textbook query is empty")
	}
	if inv.ClassID == "" {
		return "This chat is not attached to a class, so there is no textbook to search.", nil
	}

	chunks, err := q.retriever.Query(ctx, args.Query, inv.ClassID)
	if err != nil {
		return "", fmt.Errorf("querying textbook: %w", err)
	}
	if len(chunks) == 0 {
		return "No textbook material found for this query.", nil
	}

	var b strings.Builder
	b.WriteString("Relevant textbook passages (cite page numbers when you use them):\n")
	for _, c := range chunks {
		fmt.Fprintf(&b, "\n[Page %d] %s\n", c.Page, c.Text)
	}
	return b.String(), nil
}
