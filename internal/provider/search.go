package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	braveBaseURL = "https://api.search.brave.com/res/v1"
	braveTimeout = 15 * time.Second
)

// BraveClient queries the Brave web search API.
type BraveClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var _ WebSearcher = (*BraveClient)(nil)

// NewBraveClient creates a search client with the given subscription token.
func NewBraveClient(apiKey string) *BraveClient {
	return &BraveClient{
		apiKey:     apiKey,
		baseURL:    braveBaseURL,
		httpClient: &http.Client{Timeout: braveTimeout},
	}
}

// NewBraveClientWithBaseURL creates a client pointing at a custom base URL
// (for testing).
func NewBraveClientWithBaseURL(apiKey, baseURL string) *BraveClient {
	c := NewBraveClient(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			Age         string `json:"age"`
		} `json:"results"`
	} `json:"web"`
}

func (c *BraveClient) Search(ctx context.Context, query string) ([]SearchResult, error) {
	endpoint := c.baseURL + "/web/search?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var parsed braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		results = append(results, SearchResult{
			Title:       r.Title,
			URL:         r.URL,
			Description: r.Description,
			Age:         r.Age,
		})
	}
	return results, nil
}
