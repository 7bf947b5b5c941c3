package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/tutorly/tutord/internal/api"
	"github.com/tutorly/tutord/internal/config"
	"github.com/tutorly/tutord/internal/ingest"
	"github.com/tutorly/tutord/internal/orchestrator"
	"github.com/tutorly/tutord/internal/prep"
	"github.com/tutorly/tutord/internal/provider"
	"github.com/tutorly/tutord/internal/quota"
	"github.com/tutorly/tutord/internal/retrieval"
	"github.com/tutorly/tutord/internal/storage"
	"github.com/tutorly/tutord/internal/tools"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tutord server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running tutord server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tutord status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "tutord.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "tutord version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Refuse to start when another instance already answers on the port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("tutord is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("tutord is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Model and web service clients.
	openAI := provider.NewOpenAI(cfg.Provider.BaseURL, cfg.Provider.APIKey,
		cfg.Provider.ChatModel, cfg.Provider.VisionModel, cfg.Provider.EmbedModel)
	searcher := provider.NewBraveClient(cfg.Search.BraveAPIKey)
	imageGen := provider.NewReplicateClient(cfg.Images.ReplicateAPIKey, cfg.Images.Model)

	// Quota gate over the SQLite usage records.
	gate := quota.NewGate(quota.NewStorageStore(store))

	// Textbook retrieval and ingestion.
	chunkStore := retrieval.NewSQLiteChunkStore(store.DB())
	retriever := retrieval.NewRetriever(openAI, chunkStore)
	pdfReader := ingest.PDFReader{}
	pipeline := ingest.NewPipeline(ingest.NewJobTable(), pdfReader, openAI, chunkStore, store, logger)

	// Tools available to the tutor during a turn.
	registry := tools.NewRegistry()
	registry.Register(tools.NewQueryTextbook(retriever))
	registry.Register(tools.NewSearch(searcher))
	registry.Register(tools.NewOpenURL())
	registry.Register(tools.NewDesmos())
	registry.Register(tools.NewImageGen(imageGen, gate, store))

	orc := orchestrator.New(openAI, openAI, pdfReader, gate, store, registry, logger)
	prepGen := prep.NewGenerator(openAI, pdfReader, store, gate, cfg.Provider.PrepModel, logger)

	handler := api.NewHandler(api.Deps{
		Store:        store,
		Orchestrator: orc,
		Pipeline:     pipeline,
		Prep:         prepGen,
		Gate:         gate,
		Logger:       logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server over stdio for local clients.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Retriever: retriever})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "tutord listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("tutord is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop tutord (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to tutord (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Chat model", "%s", cfg.Provider.ChatModel)
	printStatus("Vision model", "%s", cfg.Provider.VisionModel)
	printStatus("Embed model", "%s", cfg.Provider.EmbedModel)
	printStatus("Prep model", "%s", cfg.Provider.PrepModel)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
