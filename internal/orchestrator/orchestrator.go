// Package orchestrator runs a tutoring conversation turn: attachment intake,
// the bounded tool-calling loop, and the final streamed answer.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/tutorly/tutord/internal/ingest"
	"github.com/tutorly/tutord/internal/provider"
	"github.com/tutorly/tutord/internal/quota"
	"github.com/tutorly/tutord/internal/storage"
	"github.com/tutorly/tutord/internal/tools"
)

const (
	// maxToolIterations bounds the tool loop per turn. Each iteration makes
	// one model call and executes at most one tool.
	maxToolIterations = 10

	// maxFileContextChars caps how much of an attachment's extracted content
	// enters the transcript.
	maxFileContextChars = 5000

	// maxChatNameWords caps the model-generated chat name.
	maxChatNameWords = 4
)

// exhaustedFallback is persisted as the assistant's answer when the tool loop
// runs out of iterations without producing a final response.
const exhaustedFallback = "I wasn't able to finish working through that with my tools. Could you rephrase the question or break it into smaller parts?"

const systemPrompt = `You are a patient, encouraging tutor helping a student understand their coursework.

Guidelines:
- Explain step by step and check understanding rather than just giving answers.
- Prefer query_textbook when the question concerns the class material, and cite page numbers from the passages you use.
- Use search_web and open_url for current or factual information you are unsure about.
- Use graphing_calculator for functions and equations the student would benefit from seeing; include the returned block verbatim.
- Use generate_image only when a diagram genuinely helps and a graph cannot express it; include the returned markdown verbatim.
- Format answers in markdown and keep LaTeX inside $...$ or $$...$$ delimiters.`

// Event stream types.
const (
	EventToken        = "token"
	EventToolCall     = "tool_call"
	EventToolResponse = "tool_response"
	EventError        = "error"
	EventDone         = "done"
)

// Event is one entry in a turn's output stream.
type Event struct {
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Result  string          `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
	ErrType string          `json:"errorType,omitempty"`
	Feature string          `json:"feature,omitempty"`
	Limit   float64         `json:"limit,omitempty"`
}

// File is an attachment uploaded with the user's message.
type File struct {
	Name string
	Data []byte
}

// TurnRequest is one user message plus its attachments.
type TurnRequest struct {
	UserID  string
	ChatID  string
	Content string
	Files   []File
}

// ChatStore is the transcript persistence the orchestrator needs.
type ChatStore interface {
	GetChat(id string) (storage.Chat, error)
	UpdateChatMessages(id, messagesJSON string) error
	UpdateChatName(id, name string) error
	UpdateChatTopic(id, topic string) error
	ListUserTopics(userID string) ([]string, error)
	SaveChatFile(chatID, name string, data []byte, sizeMB float64, filesJSON string) error
}

// Orchestrator drives conversation turns.
type Orchestrator struct {
	completer provider.ChatCompleter
	describer provider.ImageDescriber
	reader    ingest.DocumentReader
	gate      tools.QuotaGate
	chats     ChatStore
	registry  *tools.Registry
	logger    *slog.Logger
}

// New creates an Orchestrator.
func New(completer provider.ChatCompleter, describer provider.ImageDescriber, reader ingest.DocumentReader, gate tools.QuotaGate, chats ChatStore, registry *tools.Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		completer: completer,
		describer: describer,
		reader:    reader,
		gate:      gate,
		chats:     chats,
		registry:  registry,
		logger:    logger,
	}
}

// loopOutcome tells Run how the tool loop ended.
type loopOutcome int

const (
	loopAnswered loopOutcome = iota
	loopAborted
	loopExhausted
)

// Run executes one conversation turn, sending output through emit. Errors
// returned before the first emit call map cleanly onto an HTTP status; once
// streaming has begun, failures are reported as error events and Run returns
// nil.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest, emit func(Event)) error {
	if _, _, err := o.gate.CheckAndReserve(ctx, req.UserID, quota.FeatureChat, 1); err != nil {
		return err
	}

	chat, err := o.chats.GetChat(req.ChatID)
	if err != nil {
		return fmt.Errorf("loading chat %s: %w", req.ChatID, err)
	}

	transcript, err := decodeTranscript(chat.MessagesJSON)
	if err != nil {
		return fmt.Errorf("decoding transcript: %w", err)
	}

	if len(transcript) == 0 {
		o.nameChat(ctx, chat, req.Content)
	}

	fileMessages, err := o.intakeFiles(ctx, req, chat)
	if err != nil {
		return err
	}

	userMsg := provider.Message{Role: provider.RoleUser, Content: req.Content}

	// The user's message is durable before any model call: a failed turn
	// never loses what the student typed.
	transcript = append(transcript, userMsg)
	if err := o.persist(req.ChatID, transcript); err != nil {
		return err
	}

	// The working context carries attachment descriptions and tool traffic
	// for the model's benefit; only the transcript above is ever persisted.
	convo := make([]provider.Message, 0, len(transcript)+len(fileMessages))
	convo = append(convo, transcript[:len(transcript)-1]...)
	convo = append(convo, fileMessages...)
	convo = append(convo, userMsg)

	convo, outcome := o.toolLoop(ctx, req, convo, emit)
	switch outcome {
	case loopAborted:
		return nil
	case loopExhausted:
		emit(Event{Type: EventToken, Token: exhaustedFallback})
		transcript = append(transcript, provider.Message{Role: provider.RoleAssistant, Content: exhaustedFallback})
		if err := o.persist(req.ChatID, transcript); err != nil {
			o.logger.Error("persisting transcript failed", "chat_id", req.ChatID, "error", err)
		}
		emit(Event{Type: EventDone})
		return nil
	}

	answer, err := o.finalAnswer(ctx, convo, emit)
	if err != nil {
		o.logger.Error("final completion failed", "chat_id", req.ChatID, "error", err)
		emit(Event{Type: EventError, ErrType: "provider_error", Message: "The tutor could not produce an answer. Please try again."})
		return nil
	}

	transcript = append(transcript, provider.Message{Role: provider.RoleAssistant, Content: answer})
	if err := o.persist(req.ChatID, transcript); err != nil {
		o.logger.Error("persisting transcript failed", "chat_id", req.ChatID, "error", err)
		emit(Event{Type: EventError, ErrType: "storage_error", Message: "The answer could not be saved."})
		return nil
	}

	if err := o.gate.Increment(ctx, req.UserID, quota.FeatureChat, 1); err != nil {
		o.logger.Error("recording chat usage failed", "user_id", req.UserID, "error", err)
	}

	emit(Event{Type: EventDone})
	return nil
}

// toolLoop runs the bounded tool-calling loop over the working context. All
// tool traffic stays in the returned context and never reaches storage.
func (o *Orchestrator) toolLoop(ctx context.Context, req TurnRequest, convo []provider.Message, emit func(Event)) ([]provider.Message, loopOutcome) {
	specs := o.registry.Specs()

	for range maxToolIterations {
		resp, err := o.completer.Complete(ctx, provider.CompletionRequest{
			Messages: withSystem(convo),
			Tools:    specs,
		})
		if err != nil {
			o.logger.Error("tool loop completion failed", "chat_id", req.ChatID, "error", err)
			emit(Event{Type: EventError, ErrType: "provider_error", Message: "The tutor could not produce an answer. Please try again."})
			return convo, loopAborted
		}

		if len(resp.ToolCalls) == 0 {
			// Loop content is discarded: the final answer comes from a
			// separate streaming call over the working context.
			return convo, loopAnswered
		}

		// One tool per iteration keeps turns traceable; extra requested
		// calls are dropped and the model re-decides next iteration.
		call := resp.ToolCalls[0]
		resp.ToolCalls = resp.ToolCalls[:1]
		emit(Event{Type: EventToolCall, Tool: call.Name, Args: call.Arguments})

		result, qerr := o.executeTool(ctx, req, call)
		if qerr != nil {
			emit(quotaEvent(qerr))
			return convo, loopAborted
		}

		emit(Event{Type: EventToolResponse, Tool: call.Name, Result: result})
		convo = append(convo, resp, provider.Message{
			Role:       provider.RoleTool,
			Content:    result,
			ToolCallID: call.ID,
		})
	}

	o.logger.Warn("tool loop exhausted", "chat_id", req.ChatID)
	return convo, loopExhausted
}

// executeTool runs one tool call, translating every non-quota failure into a
// result string the model can react to. Only quota errors escape.
func (o *Orchestrator) executeTool(ctx context.Context, req TurnRequest, call provider.ToolCall) (string, *quota.Error) {
	tool, ok := o.registry.Get(call.Name)
	if !ok {
		o.logger.Warn("model requested unknown tool", "tool", call.Name)
		return fmt.Sprintf("Tool %q is not available.", call.Name), nil
	}

	chat, err := o.chats.GetChat(req.ChatID)
	if err != nil {
		return fmt.Sprintf("Tool %q failed: %v", call.Name, err), nil
	}

	feature := tool.Feature()
	if feature != "" {
		if _, _, err := o.gate.CheckAndReserve(ctx, req.UserID, feature, 1); err != nil {
			var qerr *quota.Error
			if errors.As(err, &qerr) {
				return "", qerr
			}
			return fmt.Sprintf("Tool %q failed: %v", call.Name, err), nil
		}
	}

	result, err := tool.Invoke(ctx, tools.Invocation{
		UserID:  req.UserID,
		ChatID:  req.ChatID,
		ClassID: chat.ClassID,
		Args:    call.Arguments,
	})
	if err != nil {
		var qerr *quota.Error
		if errors.As(err, &qerr) {
			return "", qerr
		}
		o.logger.Warn("tool invocation failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("Tool %q failed: %v", call.Name, err), nil
	}

	if feature != "" {
		if err := o.gate.Increment(ctx, req.UserID, feature, 1); err != nil {
			o.logger.Error("recording tool usage failed", "tool", call.Name, "error", err)
		}
	}
	return result, nil
}

// finalAnswer streams the assistant's reply over the working context, with no
// tools offered.
func (o *Orchestrator) finalAnswer(ctx context.Context, convo []provider.Message, emit func(Event)) (string, error) {
	return o.completer.Stream(ctx, provider.CompletionRequest{
		Messages: withSystem(convo),
	}, func(token string) {
		emit(Event{Type: EventToken, Token: token})
	})
}

// intakeFiles stores each attachment and converts it into working context for
// the model: images go through the vision model, PDFs through text
// extraction. Both are metered. Quota errors abort the turn before anything
// was streamed.
func (o *Orchestrator) intakeFiles(ctx context.Context, req TurnRequest, chat storage.Chat) ([]provider.Message, error) {
	if len(req.Files) == 0 {
		return nil, nil
	}

	var files []string
	if chat.FilesJSON != "" {
		if err := json.Unmarshal([]byte(chat.FilesJSON), &files); err != nil {
			return nil, fmt.Errorf("parsing chat files: %w", err)
		}
	}

	var out []provider.Message
	for _, f := range req.Files {
		sizeMB := float64(len(f.Data)) / (1 << 20)
		if _, _, err := o.gate.CheckAndReserve(ctx, req.UserID, quota.FeatureFileUpload, sizeMB); err != nil {
			return nil, err
		}

		files = append(files, f.Name)
		filesJSON, err := json.Marshal(files)
		if err != nil {
			return nil, fmt.Errorf("marshaling chat files: %w", err)
		}
		if err := o.chats.SaveChatFile(req.ChatID, f.Name, f.Data, sizeMB, string(filesJSON)); err != nil {
			return nil, fmt.Errorf("storing attachment %s: %w", f.Name, err)
		}
		if err := o.gate.Increment(ctx, req.UserID, quota.FeatureFileUpload, sizeMB); err != nil {
			o.logger.Error("recording upload usage failed", "user_id", req.UserID, "error", err)
		}

		msg, err := o.fileContext(ctx, req.UserID, f)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (o *Orchestrator) fileContext(ctx context.Context, userID string, f File) (provider.Message, error) {
	switch mime := imageMIME(f.Name); {
	case mime != "":
		if _, _, err := o.gate.CheckAndReserve(ctx, userID, quota.FeatureImageView, 1); err != nil {
			return provider.Message{}, err
		}
		desc, err := o.describer.DescribeImage(ctx, f.Data, mime,
			"Describe this image in detail so a tutor can answer questions about it. Transcribe any text, formulas or diagrams it contains.")
		if err != nil {
			return provider.Message{}, fmt.Errorf("describing %s: %w", f.Name, err)
		}
		if err := o.gate.Increment(ctx, userID, quota.FeatureImageView, 1); err != nil {
			o.logger.Error("recording image view usage failed", "user_id", userID, "error", err)
		}
		return provider.Message{
			Role:    provider.RoleUser,
			Content: fmt.Sprintf("The student attached the image %q. Its contents:\n%s", f.Name, truncate(desc, maxFileContextChars)),
		}, nil

	case strings.EqualFold(filepath.Ext(f.Name), ".pdf"):
		if _, _, err := o.gate.CheckAndReserve(ctx, userID, quota.FeaturePDFView, 1); err != nil {
			return provider.Message{}, err
		}
		pages, err := o.reader.Pages(f.Data)
		if err != nil {
			return provider.Message{}, fmt.Errorf("reading %s: %w", f.Name, err)
		}
		if err := o.gate.Increment(ctx, userID, quota.FeaturePDFView, 1); err != nil {
			o.logger.Error("recording pdf view usage failed", "user_id", userID, "error", err)
		}
		return provider.Message{
			Role:    provider.RoleUser,
			Content: fmt.Sprintf("The student attached the document %q. Its contents:\n%s", f.Name, truncate(strings.Join(pages, "\n"), maxFileContextChars)),
		}, nil

	default:
		return provider.Message{
			Role:    provider.RoleUser,
			Content: fmt.Sprintf("The student attached the file %q, but its type is not supported. Let them know you cannot read it.", f.Name),
		}, nil
	}
}

// nameChat runs the two best-effort naming calls for a brand new chat: a
// short display name, then a topic that reuses an existing one when the
// conversation fits it. Failures only log; naming never blocks a turn.
func (o *Orchestrator) nameChat(ctx context.Context, chat storage.Chat, firstMessage string) {
	name, err := o.completer.Complete(ctx, provider.CompletionRequest{
		Messages: []provider.Message{{
			Role: provider.RoleUser,
			Content: "Give this tutoring conversation a short name of at most four words. Reply with the name only, no quotes.\n\nFirst message: " +
				firstMessage,
		}},
		MaxTokens: 30,
	})
	if err != nil {
		o.logger.Warn("naming chat failed", "chat_id", chat.ID, "error", err)
	} else if n := cleanName(name.Content); n != "" {
		if err := o.chats.UpdateChatName(chat.ID, n); err != nil {
			o.logger.Warn("saving chat name failed", "chat_id", chat.ID, "error", err)
		}
	}

	topics, err := o.chats.ListUserTopics(chat.UserID)
	if err != nil {
		o.logger.Warn("listing topics failed", "chat_id", chat.ID, "error", err)
		return
	}

	prompt := "Classify this tutoring conversation into a topic of one to three words (e.g. \"Calculus\", \"Organic Chemistry\"). Reply with the topic only."
	if len(topics) > 0 {
		prompt += " Reuse one of the student's existing topics if the conversation fits it: " + strings.Join(topics, ", ") + "."
	}
	topic, err := o.completer.Complete(ctx, provider.CompletionRequest{
		Messages: []provider.Message{{
			Role:    provider.RoleUser,
			Content: prompt + "\n\nFirst message: " + firstMessage,
		}},
		MaxTokens: 20,
	})
	if err != nil {
		o.logger.Warn("naming topic failed", "chat_id", chat.ID, "error", err)
		return
	}
	if t := cleanName(topic.Content); t != "" {
		if err := o.chats.UpdateChatTopic(chat.ID, t); err != nil {
			o.logger.Warn("saving chat topic failed", "chat_id", chat.ID, "error", err)
		}
	}
}

func (o *Orchestrator) persist(chatID string, messages []provider.Message) error {
	b, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encoding transcript: %w", err)
	}
	if err := o.chats.UpdateChatMessages(chatID, string(b)); err != nil {
		return fmt.Errorf("persisting transcript: %w", err)
	}
	return nil
}

func decodeTranscript(messagesJSON string) ([]provider.Message, error) {
	if messagesJSON == "" || messagesJSON == "[]" {
		return nil, nil
	}
	var messages []provider.Message
	if err := json.Unmarshal([]byte(messagesJSON), &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func withSystem(messages []provider.Message) []provider.Message {
	out := make([]provider.Message, 0, len(messages)+1)
	out = append(out, provider.Message{Role: provider.RoleSystem, Content: systemPrompt})
	return append(out, messages...)
}

func quotaEvent(qerr *quota.Error) Event {
	return Event{
		Type:    EventError,
		ErrType: string(qerr.Kind),
		Message: qerr.Error(),
		Feature: qerr.Feature,
		Limit:   qerr.Limit,
	}
}

func imageMIME(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func cleanName(s string) string {
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"'`))
	words := strings.Fields(s)
	if len(words) > maxChatNameWords {
		words = words[:maxChatNameWords]
	}
	return strings.Join(words, " ")
}
