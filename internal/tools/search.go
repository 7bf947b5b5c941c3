package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tutorly/tutord/internal/provider"
)

// maxSearchResults bounds how many hits go back to the model.
const maxSearchResults = 8

// Search exposes web search to the model.
type Search struct {
	searcher provider.WebSearcher
}

// NewSearch creates the web search tool.
func NewSearch(searcher provider.WebSearcher) *Search {
	return &Search{searcher: searcher}
}

func (s *Search) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        "search_web",
		Description: "Search the web for current information. Use when the question needs facts you are unsure about or recent events.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query",
				},
			},
			"required": []string{"query"},
		},
	}
}

func (s *Search) Feature() string { return "" }

func (s *Search) Invoke(ctx context.Context, inv Invocation) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(inv.Args, &args); err != nil {
		return "", fmt.Errorf("parsing search arguments: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", fmt.Errorf("search query is empty")
	}

	results, err := s.searcher.Search(ctx, args.Query)
	if err != nil {
		return "", fmt.Errorf("searching: %w", err)
	}
	if len(results) == 0 {
		return "No results found.", nil
	}
	if len(results) > maxSearchResults {
		results = results[:maxSearchResults]
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n", r.Title)
		fmt.Fprintf(&b, "Url: %s\n", r.URL)
		fmt.Fprintf(&b, "Description: %s", r.Description)
		if r.Age != "" {
			fmt.Fprintf(&b, "\nAge: %s", r.Age)
		}
	}
	return b.String(), nil
}
