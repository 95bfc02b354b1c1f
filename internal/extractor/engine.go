// Package extractor wraps the yt-dlp extraction engine: metadata probing,
// format discovery and download with post-processing. The engine's own
// network and decode logic is a black box; this package only builds
// commands, parses its JSON output and enforces the duration limit.
package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/constansino/chat-dl-go/internal/domain"
	"github.com/constansino/chat-dl-go/internal/fetcher"
	"github.com/constansino/chat-dl-go/internal/infra/cache"
)

// Video downloads pick the best audio/video pair up to 720p and merge into
// a single mp4; audio downloads transcode losslessly to flac.
const (
	videoSelector = "bv*[height<=720]+ba/b[height<=720]"
	audioSelector = "bestaudio/best"
)

// ProgressFunc receives structured status updates from a running download.
type ProgressFunc func(domain.Progress)

// Config holds engine construction parameters.
type Config struct {
	CacheDir    string
	MaxDuration time.Duration
	ProxyURL    string // configured default, overridable per source
	Headers     map[string]string
}

// Engine drives yt-dlp. Engine calls block; callers run them inside a
// background job goroutine, never on the inbound event path.
type Engine struct {
	cfg   Config
	cache *cache.VideoCache

	// run executes a prepared command; swapped out in tests.
	run func(ctx context.Context, cmd *ytdlp.Command, url string) (string, error)
}

// New creates an Engine backed by the given metadata cache.
func New(cfg Config, videoCache *cache.VideoCache) *Engine {
	if videoCache == nil {
		videoCache = cache.DefaultVideoCache()
	}
	return &Engine{
		cfg:   cfg,
		cache: videoCache,
		run: func(ctx context.Context, cmd *ytdlp.Command, url string) (string, error) {
			res, err := cmd.Run(ctx, url)
			if err != nil {
				return "", err
			}
			return res.Stdout, nil
		},
	}
}

// command builds the base yt-dlp invocation shared by every operation.
func (e *Engine) command(src domain.Source) *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings().
		NoPlaylist()

	for k, v := range e.cfg.Headers {
		cmd = cmd.AddHeaders(k + ":" + v)
	}
	for k, v := range src.Headers {
		cmd = cmd.AddHeaders(k + ":" + v)
	}
	if proxy := src.Proxy.Resolve(e.cfg.ProxyURL); proxy != "" {
		cmd = cmd.Proxy(proxy)
	}
	if src.CookiesFile != "" {
		if _, err := os.Stat(src.CookiesFile); err == nil {
			cmd = cmd.Cookies(src.CookiesFile)
		}
	}
	return cmd
}

// Probe extracts video metadata without downloading. Results are cached
// per URL.
func (e *Engine) Probe(ctx context.Context, src domain.Source) (domain.VideoInfo, error) {
	if info, ok := e.cache.Get(src.URL); ok {
		return info, nil
	}

	out, err := e.run(ctx, e.command(src).SkipDownload().DumpSingleJSON(), src.URL)
	if err != nil {
		return domain.VideoInfo{}, fmt.Errorf("%w: %w", domain.ErrExtractParse, err)
	}

	info, _, err := parseProbe([]byte(out))
	if err != nil {
		return domain.VideoInfo{}, err
	}
	e.cache.Set(src.URL, info)
	return info, nil
}

// Formats lists the selectable video-bearing formats for a source, best
// first. Audio-only entries are excluded. The format list itself is never
// cached; every call re-extracts.
func (e *Engine) Formats(ctx context.Context, src domain.Source) ([]domain.Format, error) {
	out, err := e.run(ctx, e.command(src).SkipDownload().DumpSingleJSON(), src.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrExtractParse, err)
	}

	info, formats, err := parseProbe([]byte(out))
	if err != nil {
		return nil, err
	}
	e.cache.Set(src.URL, info)

	if len(formats) == 0 {
		return nil, fmt.Errorf("%w: no video formats for %s", domain.ErrExtractParse, src.URL)
	}
	return formats, nil
}

// DownloadVideo downloads the best ≤720p video+audio pair merged to mp4.
// The duration limit is checked against probed metadata before any bytes
// move.
func (e *Engine) DownloadVideo(ctx context.Context, src domain.Source) (string, error) {
	info, err := e.Probe(ctx, src)
	if err != nil {
		return "", err
	}
	if time.Duration(info.Duration)*time.Second > e.cfg.MaxDuration {
		return "", fmt.Errorf("%w: %ds", domain.ErrDurationLimit, info.Duration)
	}

	slog.Info("Video download starting",
		"url", src.URL,
		"title", info.Title,
		"author", info.AuthorName(),
	)

	path := filepath.Join(e.cfg.CacheDir, fetcher.FileName(src.URL, ".mp4"))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	cmd := e.command(src).
		Format(videoSelector).
		MergeOutputFormat("mp4").
		RecodeVideo("mp4").
		Output(path)

	if _, err := e.run(ctx, cmd, src.URL); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDownloadFailed, err)
	}
	return path, nil
}

// DownloadAudio downloads the best audio stream transcoded to flac.
func (e *Engine) DownloadAudio(ctx context.Context, src domain.Source) (string, error) {
	base := fetcher.FileName(src.URL, "")
	path := filepath.Join(e.cfg.CacheDir, base+".flac")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	cmd := e.command(src).
		Format(audioSelector).
		ExtractAudio().
		AudioFormat("flac").
		AudioQuality("0").
		Output(filepath.Join(e.cfg.CacheDir, base) + ".%(ext)s")

	if _, err := e.run(ctx, cmd, src.URL); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDownloadFailed, err)
	}
	return path, nil
}

// DownloadFormat downloads an explicitly selected format, forced to pair
// with the best available audio. customDir overrides the cache directory
// and is created if absent. progressFn, when non-nil, receives engine
// status updates; it must not block.
func (e *Engine) DownloadFormat(ctx context.Context, src domain.Source, formatID, customDir string, progressFn ProgressFunc) (string, error) {
	dir := e.cfg.CacheDir
	if customDir != "" {
		dir = customDir
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create output directory: %w", err)
		}
	}

	path := filepath.Join(dir, fetcher.FileName(src.URL, "_"+formatID+".mp4"))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	cmd := e.command(src).
		Format(formatID + "+bestaudio/best").
		MergeOutputFormat("mp4").
		RecodeVideo("mp4").
		Output(path)

	if progressFn != nil {
		cmd = cmd.ProgressFunc(500*time.Millisecond, func(update ytdlp.ProgressUpdate) {
			progressFn(translateProgress(update))
		})
	}

	slog.Info("Manual format download starting",
		"url", src.URL,
		"format_id", formatID,
		"path", path,
	)

	if _, err := e.run(ctx, cmd, src.URL); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDownloadFailed, err)
	}
	return path, nil
}

// translateProgress maps an engine update onto the domain progress shape.
func translateProgress(update ytdlp.ProgressUpdate) domain.Progress {
	p := domain.Progress{Phase: domain.PhaseDownloading}
	if update.Status == ytdlp.ProgressStatusFinished {
		p.Phase = domain.PhaseFinished
		return p
	}

	p.Percent = update.PercentString()
	if eta := update.ETA(); eta > 0 {
		p.ETA = eta.Truncate(time.Second).String()
	} else {
		p.ETA = "n/a"
	}
	if !update.Started.IsZero() {
		elapsed := time.Since(update.Started).Seconds()
		if elapsed > 0 && update.DownloadedBytes > 0 {
			p.Speed = fmt.Sprintf("%.1fMB/s", float64(update.DownloadedBytes)/elapsed/1024/1024)
		}
	}
	if p.Speed == "" {
		p.Speed = "n/a"
	}
	return p
}
