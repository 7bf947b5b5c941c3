package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	replicateBaseURL = "https://api.replicate.com/v1"
	replicateTimeout = 120 * time.Second

	// Rendered images stay small; anything past this is a misbehaving server.
	maxImageBytes = 20 << 20
)

// ReplicateClient generates images through the Replicate predictions API,
// using blocking mode so a single request returns the finished output.
type ReplicateClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

var _ ImageGenerator = (*ReplicateClient)(nil)

// NewReplicateClient creates an image generation client for the given model
// (an "owner/name" path).
func NewReplicateClient(apiKey, model string) *ReplicateClient {
	return &ReplicateClient{
		apiKey:     apiKey,
		model:      model,
		baseURL:    replicateBaseURL,
		httpClient: &http.Client{Timeout: replicateTimeout},
	}
}

// NewReplicateClientWithBaseURL creates a client pointing at a custom base
// URL (for testing).
func NewReplicateClientWithBaseURL(apiKey, model, baseURL string) *ReplicateClient {
	c := NewReplicateClient(apiKey, model)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type predictionRequest struct {
	Input map[string]any `json:"input"`
}

type predictionResponse struct {
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

func (c *ReplicateClient) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	body, err := json.Marshal(predictionRequest{Input: map[string]any{"prompt": prompt}})
	if err != nil {
		return nil, fmt.Errorf("marshaling prediction: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s/predictions", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Prefer", "wait")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing prediction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var prediction predictionResponse
	if err := json.NewDecoder(resp.Body).Decode(&prediction); err != nil {
		return nil, fmt.Errorf("decoding prediction: %w", err)
	}
	if prediction.Error != "" {
		return nil, fmt.Errorf("prediction failed: %s", prediction.Error)
	}

	outputURL, err := outputURL(prediction.Output)
	if err != nil {
		return nil, err
	}
	return c.fetch(ctx, outputURL)
}

// outputURL extracts the image URL from a prediction output, which is either
// a single URL string or an array of them depending on the model.
func outputURL(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("prediction produced no output")
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return single, nil
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 && many[0] != "" {
		return many[0], nil
	}

	return "", fmt.Errorf("unrecognized prediction output: %s", string(raw))
}

func (c *ReplicateClient) fetch(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected download status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return data, nil
}
