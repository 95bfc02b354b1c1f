// Package main is the entry point for the chat media downloader.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/constansino/chat-dl-go/internal/config"
	"github.com/constansino/chat-dl-go/internal/domain"
	"github.com/constansino/chat-dl-go/internal/extractor"
	"github.com/constansino/chat-dl-go/internal/fetcher"
	"github.com/constansino/chat-dl-go/internal/gateway"
	"github.com/constansino/chat-dl-go/internal/infra/archive"
	"github.com/constansino/chat-dl-go/internal/infra/cache"
	"github.com/constansino/chat-dl-go/internal/infra/fs"
	"github.com/constansino/chat-dl-go/internal/infra/sqlite"
	transport "github.com/constansino/chat-dl-go/internal/transport/http"
	"github.com/constansino/chat-dl-go/internal/transport/http/middleware"
	"github.com/constansino/chat-dl-go/pkg/logger"
	"github.com/constansino/chat-dl-go/pkg/safeclient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(&logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	for _, dir := range []string{cfg.CacheDir, cfg.DataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	client := safeclient.New(safeclient.Config{
		Timeout:      cfg.RequestTimeout,
		DefaultProxy: cfg.ProxyURL,
	})

	streamer := fetcher.New(client, fetcher.Config{
		CacheDir: cfg.CacheDir,
		MaxBytes: cfg.MaxBytes(),
		ProxyURL: cfg.ProxyURL,
	})
	streamer.SetObserver(&fetcher.LogObserver{})

	videoCache := cache.DefaultVideoCache()
	engine := extractor.New(extractor.Config{
		CacheDir:    cfg.CacheDir,
		MaxDuration: cfg.MaxDuration(),
		ProxyURL:    cfg.ProxyURL,
	}, videoCache)

	repo, err := sqlite.NewRepository(cfg.DataDir)
	if err != nil {
		slog.Error("Failed to open history database", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	var archiveClient *archive.Client
	if cfg.ArchiveEnabled() {
		archiveClient, err = archive.NewClient(context.Background(), &archive.Config{
			Endpoint:        cfg.ArchiveEndpoint,
			Region:          cfg.ArchiveRegion,
			AccessKeyID:     cfg.ArchiveAccessKey,
			SecretAccessKey: cfg.ArchiveSecretKey,
			Bucket:          cfg.ArchiveBucket,
		})
		if err != nil {
			slog.Warn("Archive disabled", "error", err)
			archiveClient = nil
		}
	}

	messenger := &consoleMessenger{}
	gw := gateway.New(gateway.Config{
		SelectionTimeout: cfg.SelectionTimeout,
		PushInterval:     cfg.PushInterval,
		SaveDir:          cfg.SaveDir,
		DeleteAfterSend:  cfg.DeleteAfterSend,
		CookiesFile:      cfg.CookiesFile,
	}, engine, streamer, messenger)
	gw.SetRecorder(repo)
	if archiveClient != nil {
		gw.SetArchiver(archiveClient)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleaner := fs.NewCleaner(&fs.CleanerConfig{
		CacheDir:        cfg.CacheDir,
		CacheMaxAge:     cfg.CacheMaxAge,
		CacheInterval:   cfg.CleanupInterval,
		ArchiveClient:   archiveClient,
		ArchiveMaxAge:   cfg.ArchiveMaxAge,
		ArchiveInterval: cfg.CleanupInterval,
	})
	cleaner.Start(ctx)
	defer cleaner.Stop()

	limiter := middleware.NewRateLimiter(&middleware.RateLimitConfig{
		RequestsPerMinute: cfg.RateLimitRPM,
		Burst:             cfg.RateLimitBurst,
		CleanupInterval:   10 * time.Minute,
	})
	defer limiter.Stop()

	handlers := transport.NewHandlers(gw, repo, cfg.CacheDir)
	server := transport.NewServer(":"+cfg.Port, transport.NewRouter(cfg, handlers, limiter))

	go func() {
		slog.Info("Status API starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	go runConsole(ctx, gw)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server shutdown error", "error", err)
	}
	client.Close()
}

// consoleKey identifies the local terminal user when no chat platform
// adapter is attached.
var consoleKey = domain.NewCallerKey("console", "local")

// runConsole reads commands from stdin, the minimal stand-in for a chat
// platform adapter: `download <url>`, `video <url>`, `audio <url>`,
// `fetch <url>`, or a bare number while a format menu is open.
func runConsole(ctx context.Context, gw *gateway.Gateway) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if gw.HandleMessage(ctx, consoleKey, line) {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "download", "dl":
			gw.HandleDownload(ctx, consoleKey, strings.TrimSpace(arg))
		case "video":
			gw.HandleVideo(ctx, consoleKey, strings.TrimSpace(arg))
		case "audio":
			gw.HandleAudio(ctx, consoleKey, strings.TrimSpace(arg))
		case "fetch":
			gw.HandleFetch(ctx, consoleKey, strings.TrimSpace(arg))
		case "quit", "exit":
			syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
			return
		default:
			fmt.Println("commands: download <url> | download | video <url> | audio <url> | fetch <url> | quit")
		}
	}
}

// consoleMessenger prints outbound replies to the terminal.
type consoleMessenger struct{}

func (m *consoleMessenger) SendText(_ context.Context, key domain.CallerKey, text string) error {
	fmt.Printf("[%s] %s\n", key, text)
	return nil
}

func (m *consoleMessenger) SendFile(_ context.Context, key domain.CallerKey, path string) error {
	fmt.Printf("[%s] file ready: %s\n", key, path)
	return nil
}
