// Package api exposes the tutoring daemon over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tutorly/tutord/internal/ingest"
	"github.com/tutorly/tutord/internal/orchestrator"
	"github.com/tutorly/tutord/internal/prep"
	"github.com/tutorly/tutord/internal/quota"
	"github.com/tutorly/tutord/internal/storage"
)

const (
	maxChatBodySize     = 32 << 20
	maxTextbookBodySize = 100 << 20
)

// TurnRunner executes one conversation turn, streaming events through emit.
type TurnRunner interface {
	Run(ctx context.Context, req orchestrator.TurnRequest, emit func(orchestrator.Event)) error
}

// TextbookPipeline accepts textbook uploads and reports job progress.
type TextbookPipeline interface {
	Submit(classID string, document []byte) (string, error)
	JobStatus(jobID string) ingest.Job
}

// PrepGenerator builds exam prep material for a user.
type PrepGenerator interface {
	Generate(ctx context.Context, userID string) (prep.Item, error)
}

// UsageGate is the quota surface the API needs directly: textbook uploads
// and chat deletion adjust the lifetime upload total.
type UsageGate interface {
	CheckAndReserve(ctx context.Context, userID, feature string, amount float64) (quota.Plan, quota.Usage, error)
	Increment(ctx context.Context, userID, feature string, amount float64) error
	Decrement(ctx context.Context, userID, feature string, amount float64) error
}

// Deps holds everything the handlers need.
type Deps struct {
	Store        *storage.Store
	Orchestrator TurnRunner
	Pipeline     TextbookPipeline
	Prep         PrepGenerator
	Gate         UsageGate
	Logger       *slog.Logger
}

// NewHandler builds the HTTP API.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Post("/api/chat", handleChat(deps))
	r.Post("/api/textbook/{classId}", handleTextbookUpload(deps))
	r.Get("/api/textbook/status/{jobId}", handleTextbookStatus(deps))
	r.Get("/api/prep", handlePrep(deps))
	r.Patch("/api/chats/{chatId}", handleRenameChat(deps))
	r.Delete("/api/chats/{chatId}", handleDeleteChat(deps))
	r.Delete("/api/chats/{chatId}/messages/{index}", handleDeleteMessage(deps))
	r.Get("/api/files/chats/{chatId}/{name}", handleChatFile(deps))

	return r
}

// handleChat runs a conversation turn. The request is multipart form data
// (userId, chatId, content, optional files); the response is an NDJSON event
// stream.
func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxChatBodySize)
		if err := r.ParseMultipartForm(maxChatBodySize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}

		req := orchestrator.TurnRequest{
			UserID:  r.FormValue("userId"),
			ChatID:  r.FormValue("chatId"),
			Content: r.FormValue("content"),
		}
		if req.UserID == "" || req.ChatID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "userId and chatId are required")
			return
		}
		if req.Content == "" && len(r.MultipartForm.File["files"]) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message content is empty")
			return
		}

		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "opening upload %q: %v", fh.Filename, err)
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload %q: %v", fh.Filename, err)
				return
			}
			req.Files = append(req.Files, orchestrator.File{Name: fh.Filename, Data: data})
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Cache-Control", "no-cache")

		enc := json.NewEncoder(w)
		streaming := false
		emit := func(e orchestrator.Event) {
			streaming = true
			if err := enc.Encode(e); err != nil {
				deps.Logger.Warn("writing event failed", "error", err)
				return
			}
			flusher.Flush()
		}

		// Run reports mid-stream failures as events; an error here means the
		// turn was rejected before any output, so a plain JSON error is safe.
		if err := deps.Orchestrator.Run(r.Context(), req, emit); err != nil && !streaming {
			writeDomainError(w, err)
		}
	}
}

func handleTextbookUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		classID := chi.URLParam(r, "classId")

		r.Body = http.MaxBytesReader(w, r.Body, maxTextbookBodySize)
		if err := r.ParseMultipartForm(maxTextbookBodySize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}

		userID := r.FormValue("userId")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "userId is required")
			return
		}

		file, _, err := r.FormFile("textbook")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "textbook file is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading textbook: %v", err)
			return
		}

		sizeMB := float64(len(data)) / (1 << 20)
		if _, _, err := deps.Gate.CheckAndReserve(r.Context(), userID, quota.FeatureFileUpload, sizeMB); err != nil {
			writeDomainError(w, err)
			return
		}

		jobID, err := deps.Pipeline.Submit(classID, data)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		if err := deps.Gate.Increment(r.Context(), userID, quota.FeatureFileUpload, sizeMB); err != nil {
			deps.Logger.Error("recording upload usage failed", "user_id", userID, "error", err)
		}

		writeJSON(w, map[string]string{"jobId": jobID})
	}
}

func handleTextbookStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.Pipeline.JobStatus(chi.URLParam(r, "jobId")))
	}
}

func handlePrep(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "id is required")
			return
		}

		if _, err := deps.Prep.Generate(r.Context(), userID); err != nil {
			if errors.Is(err, prep.ErrNoAssignments) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "no assignments to generate from")
				return
			}
			writeDomainError(w, err)
			return
		}

		writeJSON(w, map[string]string{"status": "Success"})
	}
}

func handleRenameChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := chi.URLParam(r, "chatId")

		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}

		if err := deps.Store.UpdateChatName(chatID, req.Name); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "updated"})
	}
}

// handleDeleteChat removes a chat and credits its uploaded megabytes back to
// the user's lifetime allowance.
func handleDeleteChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := chi.URLParam(r, "chatId")

		chat, err := deps.Store.GetChat(chatID)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		if err := deps.Store.DeleteChat(chatID); err != nil {
			writeDomainError(w, err)
			return
		}

		if chat.TotalUploadedMB > 0 {
			if err := deps.Gate.Decrement(r.Context(), chat.UserID, quota.FeatureFileUpload, chat.TotalUploadedMB); err != nil {
				deps.Logger.Error("crediting upload usage failed", "user_id", chat.UserID, "error", err)
			}
		}

		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleDeleteMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := chi.URLParam(r, "chatId")

		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil || index < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid message index")
			return
		}

		chat, err := deps.Store.GetChat(chatID)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		var messages []json.RawMessage
		if chat.MessagesJSON != "" {
			if err := json.Unmarshal([]byte(chat.MessagesJSON), &messages); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "decoding transcript: %v", err)
				return
			}
		}
		if index >= len(messages) {
			httpError(w, http.StatusNotFound, "not_found", "message index out of range")
			return
		}

		messages = append(messages[:index], messages[index+1:]...)
		b, err := json.Marshal(messages)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "encoding transcript: %v", err)
			return
		}
		if err := deps.Store.UpdateChatMessages(chatID, string(b)); err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleChatFile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := chi.URLParam(r, "chatId")
		name := chi.URLParam(r, "name")

		data, err := deps.Store.GetChatFile(chatID, name)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		contentType := mime.TypeByExtension(filepath.Ext(name))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(data)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeDomainError maps service errors onto HTTP responses. Quota failures
// carry the feature and limit so the client can render an upgrade prompt.
func writeDomainError(w http.ResponseWriter, err error) {
	var qerr *quota.Error
	if errors.As(err, &qerr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message": qerr.Error(),
				"type":    string(qerr.Kind),
				"feature": qerr.Feature,
				"limit":   qerr.Limit,
			},
		})
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
