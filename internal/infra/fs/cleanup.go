// Package fs provides filesystem cleanup operations.
package fs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/constansino/chat-dl-go/internal/infra/archive"
)

// Cleaner removes stale artifacts from the cache directory and, when an
// archive client is configured, from the archive bucket.
type Cleaner struct {
	cacheDir      string
	cacheMaxAge   time.Duration
	cacheInterval time.Duration

	archiveClient   *archive.Client
	archiveMaxAge   time.Duration
	archiveInterval time.Duration

	stopCh chan struct{}
}

// CleanerConfig holds configuration for the cleaner.
type CleanerConfig struct {
	CacheDir      string
	CacheMaxAge   time.Duration
	CacheInterval time.Duration

	ArchiveClient   *archive.Client
	ArchiveMaxAge   time.Duration
	ArchiveInterval time.Duration
}

// NewCleaner creates a new Cleaner.
func NewCleaner(cfg *CleanerConfig) *Cleaner {
	return &Cleaner{
		cacheDir:        cfg.CacheDir,
		cacheMaxAge:     cfg.CacheMaxAge,
		cacheInterval:   cfg.CacheInterval,
		archiveClient:   cfg.ArchiveClient,
		archiveMaxAge:   cfg.ArchiveMaxAge,
		archiveInterval: cfg.ArchiveInterval,
		stopCh:          make(chan struct{}),
	}
}

// Start starts the cleanup goroutines.
func (c *Cleaner) Start(ctx context.Context) {
	if c.cacheDir != "" && c.cacheInterval > 0 {
		go c.startCacheCleanup(ctx)
	}

	if c.archiveClient != nil && c.archiveInterval > 0 {
		go c.startArchiveCleanup(ctx)
	}
}

// Stop stops the cleanup goroutines.
func (c *Cleaner) Stop() {
	close(c.stopCh)
}

func (c *Cleaner) startCacheCleanup(ctx context.Context) {
	slog.Info("Starting cache cleanup",
		"dir", c.cacheDir,
		"max_age", c.cacheMaxAge,
		"interval", c.cacheInterval,
	)

	ticker := time.NewTicker(c.cacheInterval)
	defer ticker.Stop()

	// Run immediately on start
	c.cleanupCache()

	for {
		select {
		case <-ticker.C:
			c.cleanupCache()
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		}
	}
}

// cleanupCache removes cached artifacts past their max age. Partial
// downloads (.part) are removed regardless of age once stale for an hour,
// since an in-flight fetch touches its file far more often than that.
func (c *Cleaner) cleanupCache() {
	threshold := time.Now().Add(-c.cacheMaxAge)
	partThreshold := time.Now().Add(-time.Hour)
	deleted := 0

	err := filepath.Walk(c.cacheDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		stale := info.ModTime().Before(threshold)
		if strings.HasSuffix(path, ".part") {
			stale = info.ModTime().Before(partThreshold)
		}
		if !stale {
			return nil
		}

		if err := os.Remove(path); err != nil {
			slog.Warn("Failed to delete cached file",
				"path", path,
				"error", err,
			)
		} else {
			deleted++
		}

		return nil
	})

	if err != nil {
		slog.Error("Cache cleanup error",
			"dir", c.cacheDir,
			"error", err,
		)
	}

	if deleted > 0 {
		slog.Info("Cache cleanup completed",
			"deleted", deleted,
			"max_age", c.cacheMaxAge,
		)
	}
}

func (c *Cleaner) startArchiveCleanup(ctx context.Context) {
	slog.Info("Starting archive cleanup",
		"max_age", c.archiveMaxAge,
		"interval", c.archiveInterval,
	)

	ticker := time.NewTicker(c.archiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanupArchive(ctx)
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cleaner) cleanupArchive(ctx context.Context) {
	deleted, err := c.archiveClient.DeleteOlderThan(ctx, c.archiveMaxAge)
	if err != nil {
		slog.Error("Archive cleanup error", "error", err)
		return
	}

	if deleted > 0 {
		slog.Info("Archive cleanup completed",
			"deleted", deleted,
			"max_age", c.archiveMaxAge,
		)
	}
}

// CleanupCacheNow performs an immediate cache cleanup.
func (c *Cleaner) CleanupCacheNow() {
	c.cleanupCache()
}
