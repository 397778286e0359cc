package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/framesight/framesight/internal/agent"
	"github.com/framesight/framesight/internal/analysis"
	"github.com/framesight/framesight/internal/api"
	"github.com/framesight/framesight/internal/chat"
	"github.com/framesight/framesight/internal/config"
	"github.com/framesight/framesight/internal/dispatch"
	"github.com/framesight/framesight/internal/docstore"
	"github.com/framesight/framesight/internal/extract"
	"github.com/framesight/framesight/internal/inference"
	"github.com/framesight/framesight/internal/notify"
	"github.com/framesight/framesight/internal/objectstore"
	"github.com/framesight/framesight/internal/pipeline"
	"github.com/framesight/framesight/internal/search"
	"github.com/framesight/framesight/internal/secrets"
	"github.com/framesight/framesight/internal/summary"
	"github.com/framesight/framesight/internal/vectorstore"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the framesight server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "framesight version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	sec := secrets.EnvStore{}
	apiToken, err := sec.Get(secrets.APIToken)
	if err != nil {
		apiToken = randomToken()
		slog.Warn("no api token configured, generated one for this run", "token", apiToken)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	docs, err := docstore.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening document store: %w", err)
	}
	defer func() {
		if err := docs.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing document store: %v\n", err)
		}
	}()

	objects, err := objectstore.NewLocalStore(cfg.Storage.ObjectRoot, cfg.Storage.SignedURLBase, nil)
	if err != nil {
		return fmt.Errorf("opening object store: %w", err)
	}

	index, err := vectorstore.NewPgIndex(ctx, cfg.Vector.PostgresURL, cfg.Vector.Index, cfg.Inference.EmbedDimension)
	if err != nil {
		return fmt.Errorf("opening vector index: %w", err)
	}
	defer index.Close()

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL)
	}

	adapter := inference.New(cfg.Inference, sec)
	embedder := inference.NewEmbedder(cfg.Inference, sec)

	// Wire the dispatch registry: every pipeline stage is an asynchronous
	// handler, so stage failures never propagate to callers.
	registry := dispatch.NewRegistry()
	scratch := os.TempDir()
	engine := extract.NewEngine(objects, registry, extract.NewFFmpegFrameSource(scratch), extract.FFmpegRunner{}, scratch)
	analysisStage := analysis.NewStage(objects, docs, adapter, notifier, registry, cfg.Storage.SignedURLTTL)
	summaryStage := summary.NewStage(docs, adapter, notifier)
	ingestor := search.NewIngestor(objects, index, embedder)

	registry.Register(pipeline.TargetExtract, engine.Handle)
	registry.Register(pipeline.TargetAnalysis, analysisStage.Handle)
	registry.Register(pipeline.TargetSummary, summaryStage.Handle)
	registry.Register(pipeline.TargetIngest, ingestor.Handle)

	var rewriter *search.Rewriter
	if cfg.Search.Preprocess {
		rewriter = search.NewRewriter(adapter, cfg.Inference.ModelOverride)
	}
	var reranker search.Reranker
	if cfg.Search.Rerank {
		reranker = search.NewHTTPReranker(cfg.Search.RerankURL, sec)
	}
	searcher := search.NewSearcher(index, embedder, objects, rewriter, reranker, cfg.Storage.SignedURLTTL)
	chatSvc := chat.NewService(docs, adapter, cfg.Chat.HistoryWindow)
	agentSvc := agent.New(docs, adapter, notifier, agent.LogCommander{})

	handler := api.NewAppHandler(api.AppDeps{
		Dispatcher: registry,
		Searcher:   searcher,
		Chatter:    chatSvc,
		Agent:      agentSvc,
		Summarizer: summaryStage,
		Objects:    objects,
		Token:      apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{Searcher: searcher, Chatter: chatSvc})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "framesight listening on %s\n", addr)
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
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Let in-flight pipeline stages finish before closing the stores.
	registry.Wait()
	return nil
}

func randomToken() string {
	buf := make([]byte, 24)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
