package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI talks to any OpenAI-compatible endpoint (OpenRouter in production)
// and covers chat, vision and embeddings with per-purpose model names.
type OpenAI struct {
	client      *openai.Client
	chatModel   string
	visionModel string
	embedModel  string
}

var (
	_ ChatCompleter  = (*OpenAI)(nil)
	_ Embedder       = (*OpenAI)(nil)
	_ ImageDescriber = (*OpenAI)(nil)
)

// NewOpenAI creates a client for the given base URL and key. An empty baseURL
// keeps the library default (api.openai.com).
func NewOpenAI(baseURL, apiKey, chatModel, visionModel, embedModel string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{
		client:      openai.NewClientWithConfig(cfg),
		chatModel:   chatModel,
		visionModel: visionModel,
		embedModel:  embedModel,
	}
}

func (o *OpenAI) model(req CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return o.chatModel
}

func (o *OpenAI) Complete(ctx context.Context, req CompletionRequest) (Message, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.model(req),
		Messages:  toChatMessages(req.Messages),
		Tools:     toTools(req.Tools),
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return Message{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Message{}, errors.New("chat completion: empty choices")
	}
	return fromChatMessage(resp.Choices[0].Message), nil
}

func (o *OpenAI) Stream(ctx context.Context, req CompletionRequest, onToken func(string)) (string, error) {
	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     o.model(req),
		Messages:  toChatMessages(req.Messages),
		MaxTokens: req.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		return "", fmt.Errorf("starting completion stream: %w", err)
	}
	defer stream.Close()

	var full string
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return full, nil
		}
		if err != nil {
			return full, fmt.Errorf("reading completion stream: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		token := chunk.Choices[0].Delta.Content
		if token == "" {
			continue
		}
		full += token
		if onToken != nil {
			onToken(token)
		}
	}
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(o.embedModel),
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("creating embedding: empty response")
	}
	return resp.Data[0].Embedding, nil
}

func (o *OpenAI) DescribeImage(ctx context.Context, data []byte, mimeType, prompt string) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.visionModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURL},
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("describing image: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("describing image: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func toChatMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, cm)
	}
	return out
}

func toTools(specs []ToolSpec) []openai.Tool {
	if len(specs) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(specs))
	for _, s := range specs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return out
}

func fromChatMessage(m openai.ChatCompletionMessage) Message {
	msg := Message{Role: m.Role, Content: m.Content}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: []byte(tc.Function.Arguments),
		})
	}
	return msg
}
