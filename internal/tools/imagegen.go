package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/tutorly/tutord/internal/provider"
	"github.com/tutorly/tutord/internal/quota"
	"github.com/tutorly/tutord/internal/storage"
)

// QuotaGate is the slice of the usage gate the image tool needs: generated
// images count against the user's lifetime upload allowance.
type QuotaGate interface {
	CheckAndReserve(ctx context.Context, userID, feature string, amount float64) (quota.Plan, quota.Usage, error)
	Increment(ctx context.Context, userID, feature string, amount float64) error
}

// ChatFileStore persists generated images as chat attachments.
type ChatFileStore interface {
	GetChat(id string) (storage.Chat, error)
	SaveChatFile(chatID, name string, data []byte, sizeMB float64, filesJSON string) error
}

// ImageGen renders an image from a prompt and attaches it to the chat.
type ImageGen struct {
	generator provider.ImageGenerator
	gate      QuotaGate
	chats     ChatFileStore
}

// NewImageGen creates the image generation tool.
func NewImageGen(generator provider.ImageGenerator, gate QuotaGate, chats ChatFileStore) *ImageGen {
	return &ImageGen{generator: generator, gate: gate, chats: chats}
}

func (g *ImageGen) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        "generate_image",
		Description: "Generate an illustrative image from a text prompt and attach it to the conversation. Use for diagrams or visual explanations a graph cannot express.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{
					"type":        "string",
					"description": "Description of the image to generate",
				},
			},
			"required": []string{"prompt"},
		},
	}
}

func (g *ImageGen) Feature() string { return quota.FeatureImageGen }

func (g *ImageGen) Invoke(ctx context.Context, inv Invocation) (string, error) {
	var args struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(inv.Args, &args); err != nil {
		return "", fmt.Errorf("parsing image arguments: %w", err)
	}
	if strings.TrimSpace(args.Prompt) == "" {
		return "", fmt.Errorf("image prompt is empty")
	}

	data, err := g.generator.GenerateImage(ctx, args.Prompt)
	if err != nil {
		return "", fmt.Errorf("generating image: %w", err)
	}

	// Stored images consume upload allowance like any other attachment. The
	// quota error propagates untouched so the caller can surface it.
	sizeMB := float64(len(data)) / (1 << 20)
	if _, _, err := g.gate.CheckAndReserve(ctx, inv.UserID, quota.FeatureFileUpload, sizeMB); err != nil {
		return "", err
	}

	chat, err := g.chats.GetChat(inv.ChatID)
	if err != nil {
		return "", fmt.Errorf("loading chat: %w", err)
	}
	var files []string
	if chat.FilesJSON != "" {
		if err := json.Unmarshal([]byte(chat.FilesJSON), &files); err != nil {
			return "", fmt.Errorf("parsing chat files: %w", err)
		}
	}

	name := "generated-" + uuid.New().String() + ".png"
	files = append(files, name)
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return "", fmt.Errorf("marshaling chat files: %w", err)
	}

	if err := g.chats.SaveChatFile(inv.ChatID, name, data, sizeMB, string(filesJSON)); err != nil {
		return "", fmt.Errorf("storing image: %w", err)
	}
	if err := g.gate.Increment(ctx, inv.UserID, quota.FeatureFileUpload, sizeMB); err != nil {
		return "", fmt.Errorf("recording upload usage: %w", err)
	}

	link := fmt.Sprintf("![%s](/api/files/chats/%s/%s)", args.Prompt, inv.ChatID, name)
	return "The image was generated and attached. Show it to the student by including this markdown in your answer:\n\n" + link, nil
}
