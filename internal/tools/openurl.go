package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/tutorly/tutord/internal/provider"
)

const (
	// maxPageChars caps how much extracted page text goes back to the model.
	maxPageChars = 3000

	openURLTimeout = 15 * time.Second
	maxPageBytes   = 5 << 20
)

// OpenURL fetches a web page and returns its readable text.
type OpenURL struct {
	httpClient *http.Client
}

// NewOpenURL creates the page fetching tool.
func NewOpenURL() *OpenURL {
	return &OpenURL{httpClient: &http.Client{Timeout: openURLTimeout}}
}

func (o *OpenURL) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        "open_url",
		Description: "Fetch a web page and return its text content. Use after search_web to read a promising result.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The URL to fetch",
				},
			},
			"required": []string{"url"},
		},
	}
}

func (o *OpenURL) Feature() string { return "" }

func (o *OpenURL) Invoke(ctx context.Context, inv Invocation) (string, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(inv.Args, &args); err != nil {
		return "", fmt.Errorf("parsing open_url arguments: %w", err)
	}
	if !strings.HasPrefix(args.URL, "http://") && !strings.HasPrefix(args.URL, "https://") {
		return "", fmt.Errorf("unsupported url %q", args.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	text, err := extractText(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("extracting text: %w", err)
	}
	if text == "" {
		return "The page has no readable text.", nil
	}
	if len(text) > maxPageChars {
		text = text[:maxPageChars]
	}
	return text, nil
}

// extractText walks the HTML tree collecting visible text, skipping script
// and style subtrees.
func extractText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String(), nil
}
