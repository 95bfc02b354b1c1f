// Package gateway implements the interactive format-selection pipeline:
// callers pick a download variant from a numbered menu, a background job
// downloads it, and progress is reported back through the chat platform.
//
// The chat platform itself is a collaborator behind the Messenger
// interface; the gateway never talks to a network transport directly.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/constansino/chat-dl-go/internal/domain"
	"github.com/constansino/chat-dl-go/internal/extractor"
)

// Messenger delivers outbound replies to the chat platform.
type Messenger interface {
	SendText(ctx context.Context, key domain.CallerKey, text string) error
	SendFile(ctx context.Context, key domain.CallerKey, path string) error
}

// Extractor is the engine capability the gateway drives for manual
// format downloads.
type Extractor interface {
	Formats(ctx context.Context, src domain.Source) ([]domain.Format, error)
	DownloadFormat(ctx context.Context, src domain.Source, formatID, customDir string, fn extractor.ProgressFunc) (string, error)
}

// AutoDownloader is the optional no-menu capability: best available video
// or audio without a format selection round-trip.
type AutoDownloader interface {
	DownloadVideo(ctx context.Context, src domain.Source) (string, error)
	DownloadAudio(ctx context.Context, src domain.Source) (string, error)
}

// Streamer fetches plain resources that need no extraction engine. The
// variants differ only in the default extension of the derived file name.
type Streamer interface {
	FetchVideo(ctx context.Context, src domain.Source, name string) (string, error)
	FetchAudio(ctx context.Context, src domain.Source, name string) (string, error)
	FetchImage(ctx context.Context, src domain.Source, name string) (string, error)
	FetchFile(ctx context.Context, src domain.Source, name string) (string, error)
}

// Recorder persists terminal job outcomes. Optional.
type Recorder interface {
	Record(ctx context.Context, rec *domain.Record) error
}

// Archiver stores a copy of the artifact before delete-after-send. Optional.
type Archiver interface {
	Store(ctx context.Context, key, path string) error
}

// Config holds gateway behaviour parameters.
type Config struct {
	SelectionTimeout time.Duration // menu reply window
	PushInterval     time.Duration // proactive progress pushes, 0 disables
	SaveDir          string        // overrides the cache dir for manual downloads
	DeleteAfterSend  bool
	CookiesFile      string
	MenuLimit        int // formats shown per menu, defaults to 15
}

// Gateway owns the per-caller session and job registries.
type Gateway struct {
	cfg       Config
	ext       Extractor
	streamer  Streamer
	messenger Messenger
	sessions  *sessionRegistry
	jobs      *jobRegistry
	recorder  Recorder
	archiver  Archiver
}

// New creates a Gateway.
func New(cfg Config, ext Extractor, streamer Streamer, messenger Messenger) *Gateway {
	if cfg.SelectionTimeout <= 0 {
		cfg.SelectionTimeout = 20 * time.Second
	}
	if cfg.MenuLimit <= 0 {
		cfg.MenuLimit = 15
	}
	return &Gateway{
		cfg:       cfg,
		ext:       ext,
		streamer:  streamer,
		messenger: messenger,
		sessions:  newSessionRegistry(),
		jobs:      newJobRegistry(),
	}
}

// SetRecorder installs the download-history recorder.
func (g *Gateway) SetRecorder(r Recorder) { g.recorder = r }

// SetArchiver installs the artifact archiver.
func (g *Gateway) SetArchiver(a Archiver) { g.archiver = a }

// HandleMessage intercepts an inbound message when the caller has a
// pending selection session. It returns true when the message was consumed
// as a menu reply, in which case it must not fall through to any other
// handling. A reply that races the timeout loses to whichever removes the
// session first.
func (g *Gateway) HandleMessage(ctx context.Context, key domain.CallerKey, text string) bool {
	s, ok := g.sessions.take(key)
	if !ok {
		return false
	}
	s.timer.Stop()
	g.resolveSelection(ctx, key, s, text)
	return true
}

// HandleDownload processes a `download <url>` command. With an empty URL it
// reports the progress of the caller's active job instead.
func (g *Gateway) HandleDownload(ctx context.Context, key domain.CallerKey, rawURL string) {
	if strings.TrimSpace(rawURL) == "" {
		g.reportProgress(ctx, key)
		return
	}

	if err := validateURL(rawURL); err != nil {
		g.reply(ctx, key, "Cannot start download: "+err.Error())
		return
	}
	if g.jobs.active(key) {
		g.reply(ctx, key, "A download is already running for you. Send the command without a URL to check progress.")
		return
	}

	src := g.source(normalizeURL(rawURL))
	g.reply(ctx, key, "Fetching available formats, hold on...")

	formats, err := g.ext.Formats(ctx, src)
	if err != nil {
		slog.Warn("Format listing failed", "url", src.URL, "error", err)
		g.reply(ctx, key, "Failed to list formats: "+err.Error())
		return
	}
	if len(formats) > g.cfg.MenuLimit {
		formats = formats[:g.cfg.MenuLimit]
	}

	s := &session{url: src.URL, formats: formats}
	s.timer = time.AfterFunc(g.cfg.SelectionTimeout, func() { g.expireSession(key) })
	if old := g.sessions.put(key, s); old != nil {
		old.timer.Stop()
	}

	g.reply(ctx, key, g.renderMenu(formats))
}

// HandleFetch processes a `fetch <url>` command: a direct streamed download
// with no format selection, tracked like any other background job.
func (g *Gateway) HandleFetch(ctx context.Context, key domain.CallerKey, rawURL string) {
	if err := validateURL(rawURL); err != nil {
		g.reply(ctx, key, "Cannot start fetch: "+err.Error())
		return
	}

	st, ok := g.jobs.begin(key)
	if !ok {
		g.reply(ctx, key, "A download is already running for you. Send the download command without a URL to check progress.")
		return
	}

	src := g.source(normalizeURL(rawURL))
	g.reply(ctx, key, "Fetching in the background...")
	go g.runFetchJob(context.WithoutCancel(ctx), key, st, src)
}

// HandleVideo downloads the best available video (within the duration
// limit) without a format menu.
func (g *Gateway) HandleVideo(ctx context.Context, key domain.CallerKey, rawURL string) {
	g.handleAuto(ctx, key, rawURL, false)
}

// HandleAudio downloads the best available audio, transcoded losslessly.
func (g *Gateway) HandleAudio(ctx context.Context, key domain.CallerKey, rawURL string) {
	g.handleAuto(ctx, key, rawURL, true)
}

func (g *Gateway) handleAuto(ctx context.Context, key domain.CallerKey, rawURL string, audio bool) {
	if err := validateURL(rawURL); err != nil {
		g.reply(ctx, key, "Cannot start download: "+err.Error())
		return
	}
	dl, ok := g.ext.(AutoDownloader)
	if !ok {
		g.reply(ctx, key, "Direct downloads are not available.")
		return
	}

	st, ok := g.jobs.begin(key)
	if !ok {
		g.reply(ctx, key, "A download is already running for you. Send the download command without a URL to check progress.")
		return
	}

	src := g.source(normalizeURL(rawURL))
	g.reply(ctx, key, "Download started in the background; send the download command without a URL to check progress.")
	go g.runAutoJob(context.WithoutCancel(ctx), key, st, src, dl, audio)
}

// runAutoJob is runJob without a selected format: the engine picks the
// best variant itself.
func (g *Gateway) runAutoJob(ctx context.Context, key domain.CallerKey, st *jobState, src domain.Source, dl AutoDownloader, audio bool) {
	defer g.jobs.end(key)

	rec := &domain.Record{
		ID:        uuid.New().String(),
		CallerKey: key,
		URL:       src.URL,
		CreatedAt: time.Now().UTC(),
	}

	st.setProgress("downloading")
	var path string
	var err error
	if audio {
		path, err = dl.DownloadAudio(ctx, src)
	} else {
		path, err = dl.DownloadVideo(ctx, src)
	}
	if err != nil {
		slog.Error("Background download failed", "caller", key, "url", src.URL, "error", err)
		g.reply(ctx, key, "Download failed: "+err.Error())
		g.finishRecord(ctx, rec, domain.RecordStatusError, err.Error())
		return
	}

	g.deliver(ctx, key, st, path, rec)
	g.finishRecord(ctx, rec, domain.RecordStatusDone, "")
}

// Progress returns the tracked progress string for a caller key.
func (g *Gateway) Progress(key domain.CallerKey) (string, bool) {
	return g.jobs.progress(key)
}

// ActiveJobs returns the number of tracked background jobs.
func (g *Gateway) ActiveJobs() int { return g.jobs.len() }

// PendingSessions returns the number of open selection sessions.
func (g *Gateway) PendingSessions() int { return g.sessions.len() }

func (g *Gateway) source(url string) domain.Source {
	return domain.Source{URL: url, CookiesFile: g.cfg.CookiesFile}
}

func (g *Gateway) reply(ctx context.Context, key domain.CallerKey, text string) {
	if err := g.messenger.SendText(ctx, key, text); err != nil {
		slog.Warn("Outbound message failed", "caller", key, "error", err)
	}
}

func (g *Gateway) reportProgress(ctx context.Context, key domain.CallerKey) {
	if p, ok := g.jobs.progress(key); ok {
		g.reply(ctx, key, "Current progress:\n"+p)
		return
	}
	g.reply(ctx, key, "No active download. Send the command with a URL to start one.")
}

func (g *Gateway) renderMenu(formats []domain.Format) string {
	lines := make([]string, 0, len(formats)+1)
	lines = append(lines, fmt.Sprintf("Reply with a number to pick a format (%.0fs):",
		g.cfg.SelectionTimeout.Seconds()))
	for i, f := range formats {
		lines = append(lines, f.MenuLine(i+1))
	}
	return strings.Join(lines, "\n")
}

// expireSession fires when the reply window closes. A reply that arrived
// first already took the session, making this a no-op.
func (g *Gateway) expireSession(key domain.CallerKey) {
	if _, ok := g.sessions.take(key); ok {
		g.reply(context.Background(), key, "Selection timed out, download cancelled.")
	}
}

// resolveSelection applies a menu reply. The session is already removed, so
// a second reply cannot double-trigger the job.
func (g *Gateway) resolveSelection(ctx context.Context, key domain.CallerKey, s *session, text string) {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		g.reply(ctx, key, "That was not a number. Selection cancelled.")
		return
	}
	if n < 1 || n > len(s.formats) {
		g.reply(ctx, key, "Number out of range. Selection cancelled.")
		return
	}

	format := s.formats[n-1]
	st, ok := g.jobs.begin(key)
	if !ok {
		g.reply(ctx, key, "A download is already running for you. Send the download command without a URL to check progress.")
		return
	}

	g.reply(ctx, key, fmt.Sprintf(
		"Selected %s. Download started in the background; send the download command without a URL to check progress.",
		format.Resolution))

	go g.runJob(context.WithoutCancel(ctx), key, st, g.source(s.url), format)
}

// runJob downloads the selected format, sends the artifact and cleans up.
// The tracker entry is removed unconditionally, whatever the outcome.
func (g *Gateway) runJob(ctx context.Context, key domain.CallerKey, st *jobState, src domain.Source, format domain.Format) {
	defer g.jobs.end(key)

	rec := &domain.Record{
		ID:        uuid.New().String(),
		CallerKey: key,
		URL:       src.URL,
		FormatID:  format.ID,
		CreatedAt: time.Now().UTC(),
	}

	// Engine callbacks run on the engine's own goroutine; they are
	// marshaled through a channel and dropped rather than ever blocking it.
	updates := make(chan domain.Progress, 16)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for p := range updates {
			g.applyProgress(ctx, key, st, p)
		}
	}()
	hook := func(p domain.Progress) {
		select {
		case updates <- p:
		default:
		}
	}

	path, err := g.ext.DownloadFormat(ctx, src, format.ID, g.cfg.SaveDir, hook)
	close(updates)
	<-forwarded

	if err != nil {
		slog.Error("Background download failed", "caller", key, "url", src.URL, "error", err)
		g.reply(ctx, key, "Download failed: "+err.Error())
		g.finishRecord(ctx, rec, domain.RecordStatusError, err.Error())
		return
	}

	g.deliver(ctx, key, st, path, rec)
	g.finishRecord(ctx, rec, domain.RecordStatusDone, "")
}

// runFetchJob is the streamed counterpart of runJob.
func (g *Gateway) runFetchJob(ctx context.Context, key domain.CallerKey, st *jobState, src domain.Source) {
	defer g.jobs.end(key)

	rec := &domain.Record{
		ID:        uuid.New().String(),
		CallerKey: key,
		URL:       src.URL,
		CreatedAt: time.Now().UTC(),
	}

	st.setProgress("downloading")
	path, err := g.fetchByKind(ctx, src)
	if err != nil {
		slog.Error("Background fetch failed", "caller", key, "url", src.URL, "error", err)
		g.reply(ctx, key, "Download failed: "+err.Error())
		g.finishRecord(ctx, rec, domain.RecordStatusError, err.Error())
		return
	}

	g.deliver(ctx, key, st, path, rec)
	g.finishRecord(ctx, rec, domain.RecordStatusDone, "")
}

// fetchByKind routes a direct fetch to the media-kind variant matching the
// URL's path extension, so the derived artifact name carries a sensible
// extension even when the resource has none.
func (g *Gateway) fetchByKind(ctx context.Context, src domain.Source) (string, error) {
	var ext string
	if u, err := url.Parse(src.URL); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}

	switch ext {
	case ".mp4", ".webm", ".mkv", ".mov":
		return g.streamer.FetchVideo(ctx, src, "")
	case ".mp3", ".flac", ".m4a", ".ogg", ".wav":
		return g.streamer.FetchAudio(ctx, src, "")
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return g.streamer.FetchImage(ctx, src, "")
	default:
		return g.streamer.FetchFile(ctx, src, "")
	}
}

// deliver hands the artifact to the platform and applies delete-after-send.
// A send failure degrades the status string; the upstream transfer may
// still have succeeded, so it is not treated as a job failure.
func (g *Gateway) deliver(ctx context.Context, key domain.CallerKey, st *jobState, path string, rec *domain.Record) {
	st.setStatus(domain.JobStatusSending)
	st.setProgress("sending file")

	if fi, err := os.Stat(path); err == nil {
		rec.SizeBytes = fi.Size()
	}

	if g.archiver != nil {
		archiveKey := rec.ID + "/" + filepath.Base(path)
		if err := g.archiver.Store(ctx, archiveKey, path); err != nil {
			slog.Warn("Artifact archive failed", "caller", key, "path", path, "error", err)
		}
	}

	if err := g.messenger.SendFile(ctx, key, path); err != nil {
		slog.Warn("Send failed, upload may still complete upstream", "caller", key, "error", err)
		st.setProgress("send may have timed out: " + err.Error())
	} else {
		st.setProgress("file sent")
	}

	if g.cfg.DeleteAfterSend {
		if _, err := os.Stat(path); err == nil {
			if err := os.Remove(path); err != nil {
				slog.Warn("Failed to delete artifact", "path", path, "error", err)
			}
		}
	}
}

// applyProgress updates the tracked string and pushes a throttled
// notification when the configured interval has elapsed.
func (g *Gateway) applyProgress(ctx context.Context, key domain.CallerKey, st *jobState, p domain.Progress) {
	var line string
	if p.Phase == domain.PhaseFinished {
		line = "download complete, transcoding/merging..."
	} else {
		line = fmt.Sprintf("downloading: %s | speed: %s | eta: %s", p.Percent, p.Speed, p.ETA)
	}
	st.setProgress(line)

	if st.shouldPush(g.cfg.PushInterval) {
		g.reply(ctx, key, line)
	}
}

func (g *Gateway) finishRecord(ctx context.Context, rec *domain.Record, status domain.RecordStatus, errMsg string) {
	if g.recorder == nil {
		return
	}
	rec.Status = status
	rec.Error = errMsg
	rec.CompletedAt = time.Now().UTC()
	if err := g.recorder.Record(ctx, rec); err != nil {
		slog.Warn("History record failed", "job_id", rec.ID, "error", err)
	}
}
