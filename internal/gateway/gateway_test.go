package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/constansino/chat-dl-go/internal/domain"
	"github.com/constansino/chat-dl-go/internal/extractor"
)

var testKey = domain.NewCallerKey("conv1", "user1")

// fakeMessenger records outbound traffic.
type fakeMessenger struct {
	mu    sync.Mutex
	texts []string
	files []string
}

func (m *fakeMessenger) SendText(_ context.Context, _ domain.CallerKey, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return nil
}

func (m *fakeMessenger) SendFile(_ context.Context, _ domain.CallerKey, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = append(m.files, path)
	return nil
}

func (m *fakeMessenger) textCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.texts)
}

func (m *fakeMessenger) lastText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.texts) == 0 {
		return ""
	}
	return m.texts[len(m.texts)-1]
}

func (m *fakeMessenger) hasText(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.texts {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func (m *fakeMessenger) sentFiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.files...)
}

// fakeExtractor serves a fixed format list and materializes downloads as
// temp files. A non-nil gate blocks DownloadFormat until released.
type fakeExtractor struct {
	mu         sync.Mutex
	formats    []domain.Format
	formatsErr error
	dlErr      error
	dlDir      string
	gate       chan struct{}
	downloaded []string // format IDs in download order
}

func (e *fakeExtractor) Formats(_ context.Context, _ domain.Source) ([]domain.Format, error) {
	if e.formatsErr != nil {
		return nil, e.formatsErr
	}
	return e.formats, nil
}

func (e *fakeExtractor) DownloadFormat(_ context.Context, _ domain.Source, formatID, _ string, fn extractor.ProgressFunc) (string, error) {
	if e.gate != nil {
		<-e.gate
	}
	e.mu.Lock()
	e.downloaded = append(e.downloaded, formatID)
	e.mu.Unlock()

	if e.dlErr != nil {
		return "", e.dlErr
	}
	if fn != nil {
		fn(domain.Progress{Phase: domain.PhaseDownloading, Percent: "50.0%", Speed: "1.0MB/s", ETA: "5s"})
		fn(domain.Progress{Phase: domain.PhaseFinished})
	}
	path := filepath.Join(e.dlDir, formatID+".mp4")
	if err := os.WriteFile(path, []byte("video"), 0644); err != nil {
		return "", err
	}
	return path, nil
}

func (e *fakeExtractor) DownloadVideo(_ context.Context, _ domain.Source) (string, error) {
	if e.dlErr != nil {
		return "", e.dlErr
	}
	path := filepath.Join(e.dlDir, "best.mp4")
	return path, os.WriteFile(path, []byte("video"), 0644)
}

func (e *fakeExtractor) DownloadAudio(_ context.Context, _ domain.Source) (string, error) {
	if e.dlErr != nil {
		return "", e.dlErr
	}
	path := filepath.Join(e.dlDir, "best.flac")
	return path, os.WriteFile(path, []byte("audio"), 0644)
}

func (e *fakeExtractor) downloadedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.downloaded...)
}

// fakeStreamer materializes fetches as temp files, recording which media
// kind each fetch was routed to.
type fakeStreamer struct {
	mu    sync.Mutex
	dir   string
	err   error
	kinds []string
}

func (s *fakeStreamer) fetch(kind, ext string) (string, error) {
	s.mu.Lock()
	s.kinds = append(s.kinds, kind)
	s.mu.Unlock()

	if s.err != nil {
		return "", s.err
	}
	path := filepath.Join(s.dir, "fetched"+ext)
	if err := os.WriteFile(path, []byte("bytes"), 0644); err != nil {
		return "", err
	}
	return path, nil
}

func (s *fakeStreamer) FetchVideo(_ context.Context, _ domain.Source, _ string) (string, error) {
	return s.fetch("video", ".mp4")
}

func (s *fakeStreamer) FetchAudio(_ context.Context, _ domain.Source, _ string) (string, error) {
	return s.fetch("audio", ".mp3")
}

func (s *fakeStreamer) FetchImage(_ context.Context, _ domain.Source, _ string) (string, error) {
	return s.fetch("image", ".jpg")
}

func (s *fakeStreamer) FetchFile(_ context.Context, _ domain.Source, _ string) (string, error) {
	return s.fetch("file", ".bin")
}

func (s *fakeStreamer) fetchedKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.kinds...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []*domain.Record
}

func (r *fakeRecorder) Record(_ context.Context, rec *domain.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *rec
	r.records = append(r.records, &copied)
	return nil
}

func (r *fakeRecorder) all() []*domain.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Record(nil), r.records...)
}

func testFormats(n int) []domain.Format {
	formats := make([]domain.Format, n)
	for i := range formats {
		formats[i] = domain.Format{
			ID:         fmt.Sprintf("f%d", i+1),
			Ext:        "mp4",
			Resolution: "1280x720",
			Filesize:   int64(i+1) * 1024 * 1024,
		}
	}
	return formats
}

func newTestGateway(t *testing.T, cfg Config, ext Extractor, streamer Streamer) (*Gateway, *fakeMessenger) {
	t.Helper()
	if cfg.SelectionTimeout == 0 {
		cfg.SelectionTimeout = time.Second
	}
	m := &fakeMessenger{}
	return New(cfg, ext, streamer, m), m
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHandleDownloadShowsMenu(t *testing.T) {
	ext := &fakeExtractor{formats: testFormats(3), dlDir: t.TempDir()}
	gw, m := newTestGateway(t, Config{}, ext, nil)

	gw.HandleDownload(context.Background(), testKey, "https://example.com/watch?v=1")

	if gw.PendingSessions() != 1 {
		t.Fatalf("expected 1 pending session, got %d", gw.PendingSessions())
	}
	if !m.hasText("Fetching available formats") {
		t.Error("missing fetching notice")
	}
	menu := m.lastText()
	if !strings.Contains(menu, "1. [mp4]") || !strings.Contains(menu, "3. [mp4]") {
		t.Errorf("menu not rendered as expected:\n%s", menu)
	}
}

func TestHandleDownloadCapsMenu(t *testing.T) {
	ext := &fakeExtractor{formats: testFormats(30), dlDir: t.TempDir()}
	gw, m := newTestGateway(t, Config{}, ext, nil)

	gw.HandleDownload(context.Background(), testKey, "https://example.com/watch?v=1")

	menu := m.lastText()
	if !strings.Contains(menu, "15. [mp4]") {
		t.Error("menu should include entry 15")
	}
	if strings.Contains(menu, "16. [mp4]") {
		t.Error("menu should be capped at 15 entries")
	}
}

func TestHandleDownloadInvalidURL(t *testing.T) {
	ext := &fakeExtractor{formats: testFormats(1), dlDir: t.TempDir()}
	gw, m := newTestGateway(t, Config{}, ext, nil)

	gw.HandleDownload(context.Background(), testKey, "ftp://example.com/file")

	if gw.PendingSessions() != 0 {
		t.Error("no session expected for an invalid URL")
	}
	if !m.hasText("Cannot start download") {
		t.Error("missing rejection message")
	}
}

func TestHandleDownloadFormatsError(t *testing.T) {
	ext := &fakeExtractor{formatsErr: errors.New("unsupported site")}
	gw, m := newTestGateway(t, Config{}, ext, nil)

	gw.HandleDownload(context.Background(), testKey, "https://example.com/nope")

	if gw.PendingSessions() != 0 {
		t.Error("no session expected when format listing fails")
	}
	if !m.hasText("Failed to list formats") {
		t.Error("missing failure message")
	}
}

func TestSelectionRunsJob(t *testing.T) {
	ext := &fakeExtractor{formats: testFormats(3), dlDir: t.TempDir()}
	rec := &fakeRecorder{}
	gw, m := newTestGateway(t, Config{DeleteAfterSend: true}, ext, nil)
	gw.SetRecorder(rec)

	gw.HandleDownload(context.Background(), testKey, "https://example.com/watch?v=1")

	if !gw.HandleMessage(context.Background(), testKey, "2") {
		t.Fatal("reply should have been consumed")
	}
	if gw.PendingSessions() != 0 {
		t.Error("session should be gone once the reply is handled")
	}

	waitFor(t, func() bool { return gw.ActiveJobs() == 0 }, "job never finished")

	if ids := ext.downloadedIDs(); len(ids) != 1 || ids[0] != "f2" {
		t.Errorf("expected download of f2, got %v", ids)
	}
	files := m.sentFiles()
	if len(files) != 1 {
		t.Fatalf("expected 1 sent file, got %d", len(files))
	}
	if _, err := os.Stat(files[0]); !os.IsNotExist(err) {
		t.Error("artifact should be deleted after send")
	}

	records := rec.all()
	if len(records) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(records))
	}
	if records[0].Status != domain.RecordStatusDone || records[0].FormatID != "f2" {
		t.Errorf("unexpected record %+v", records[0])
	}
	if records[0].SizeBytes == 0 {
		t.Error("record should capture the artifact size")
	}
}

func TestSelectionKeepsFileWithoutDeleteAfterSend(t *testing.T) {
	ext := &fakeExtractor{formats: testFormats(1), dlDir: t.TempDir()}
	gw, m := newTestGateway(t, Config{DeleteAfterSend: false}, ext, nil)

	gw.HandleDownload(context.Background(), testKey, "https://example.com/watch?v=1")
	gw.HandleMessage(context.Background(), testKey, "1")

	waitFor(t, func() bool { return gw.ActiveJobs() == 0 }, "job never finished")

	files := m.sentFiles()
	if len(files) != 1 {
		t.Fatalf("expected 1 sent file, got %d", len(files))
	}
	if _, err := os.Stat(files[0]); err != nil {
		t.Errorf("artifact should survive: %v", err)
	}
}

func TestSelectionRejectsNonNumeric(t *testing.T) {
	ext := &fakeExtractor{formats: testFormats(3), dlDir: t.TempDir()}
	gw, m := newTestGateway(t, Config{}, ext, nil)

	gw.HandleDownload(context.Background(), testKey, "https://example.com/watch?v=1")
	if !gw.HandleMessage(context.Background(), testKey, "yes please") {
		t.Fatal("reply should have been consumed")
	}

	if !m.hasText("not a number") {
		t.Error("missing cancellation message")
	}
	if gw.ActiveJobs() != 0 {
		t.Error("no job should start for a non-numeric reply")
	}
	if gw.PendingSessions() != 0 {
		t.Error("session should be consumed even by a bad reply")
	}
}

func TestSelectionRejectsOutOfRange(t *testing.T) {
	ext := &fakeExtractor{formats: testFormats(3), dlDir: t.TempDir()}
	gw, m := newTestGateway(t, Config{}, ext, nil)

	tests := []string{"0", "4", "-1"}
	for _, reply := range tests {
		gw.HandleDownload(context.Background(), testKey, "https://example.com/watch?v=1")
		gw.HandleMessage(context.Background(), testKey, reply)

		if !m.hasText("out of range") {
			t.Errorf("reply %q: missing out-of-range message", reply)
		}
		if gw.ActiveJobs() != 0 {
			t.Errorf("reply %q: no job should start", reply)
		}
	}
}

func TestSelectionTimeout(t *testing.T) {
	ext := &fakeExtractor{formats: testFormats(3), dlDir: t.TempDir()}
	gw, m := newTestGateway(t, Config{SelectionTimeout: 30 * time.Millisecond}, ext, nil)

	gw.HandleDownload(context.Background(), testKey, "https://example.com/watch?v=1")

	waitFor(t, func() bool { return gw.PendingSessions() == 0 }, "session never expired")
	waitFor(t, func() bool { return m.hasText("timed out") }, "missing timeout message")

	// A late reply falls through to normal handling.
	if gw.HandleMessage(context.Background(), testKey, "1") {
		t.Error("reply after timeout should not be consumed")
	}
	if gw.ActiveJobs() != 0 {
		t.Error("no job should start after timeout")
	}
}

func TestNewDownloadReplacesPendingSession(t *testing.T) {
	ext := &fakeExtractor{formats: testFormats(3), dlDir: t.TempDir()}
	gw, _ := newTestGateway(t, Config{}, ext, nil)

	gw.HandleDownload(context.Background(), testKey, "https://example.com/watch?v=1")
	gw.HandleDownload(context.Background(), testKey, "https://example.com/watch?v=2")

	if gw.PendingSessions() != 1 {
		t.Fatalf("expected 1 pending session, got %d", gw.PendingSessions())
	}

	// The reply targets the most recent menu.
	gw.HandleMessage(context.Background(), testKey, "1")
	waitFor(t, func() bool { return gw.ActiveJobs() == 0 }, "job never finished")

	if ids := ext.downloadedIDs(); len(ids) != 1 {
		t.Errorf("expected exactly one download, got %v", ids)
	}
}

func TestBusyRejectsSecondDownload(t *testing.T) {
	gate := make(chan struct{})
	ext := &fakeExtractor{formats: testFormats(2), dlDir: t.TempDir(), gate: gate}
	gw, m := newTestGateway(t, Config{}, ext, nil)

	gw.HandleDownload(context.Background(), testKey, "https://example.com/watch?v=1")
	gw.HandleMessage(context.Background(), testKey, "1")

	waitFor(t, func() bool { return gw.ActiveJobs() == 1 }, "job never started")

	gw.HandleDownload(context.Background(), testKey, "https://example.com/watch?v=2")
	if !m.hasText("already running") {
		t.Error("missing busy rejection")
	}
	if gw.PendingSessions() != 0 {
		t.Error("busy rejection must not open a session")
	}

	close(gate)
	waitFor(t, func() bool { return gw.ActiveJobs() == 0 }, "job never finished")

	if ids := ext.downloadedIDs(); len(ids) != 1 {
		t.Errorf("expected exactly one download, got %v", ids)
	}
}

func TestOtherCallersUnaffectedByBusy(t *testing.T) {
	gate := make(chan struct{})
	ext := &fakeExtractor{formats: testFormats(2), dlDir: t.TempDir(), gate: gate}
	gw, _ := newTestGateway(t, Config{}, ext, nil)

	gw.HandleDownload(context.Background(), testKey, "https://example.com/watch?v=1")
	gw.HandleMessage(context.Background(), testKey, "1")
	waitFor(t, func() bool { return gw.ActiveJobs() == 1 }, "job never started")

	// A different caller gets a menu despite the running job.
	otherKey := domain.NewCallerKey("conv2", "user2")
	gw.HandleDownload(context.Background(), otherKey, "https://example.com/watch?v=3")
	if gw.PendingSessions() != 1 {
		t.Errorf("expected session for other caller, got %d", gw.PendingSessions())
	}

	close(gate)
	waitFor(t, func() bool { return gw.ActiveJobs() == 0 }, "job never finished")
}

func TestProgressPoll(t *testing.T) {
	ext := &fakeExtractor{formats: testFormats(1), dlDir: t.TempDir()}
	gw, m := newTestGateway(t, Config{}, ext, nil)

	gw.HandleDownload(context.Background(), testKey, "")
	if !m.hasText("No active download") {
		t.Error("missing no-job response")
	}

	gate := make(chan struct{})
	ext.gate = gate
	gw.HandleDownload(context.Background(), testKey, "https://example.com/watch?v=1")
	gw.HandleMessage(context.Background(), testKey, "1")
	waitFor(t, func() bool { return gw.ActiveJobs() == 1 }, "job never started")

	gw.HandleDownload(context.Background(), testKey, "")
	if !m.hasText("Current progress") {
		t.Error("missing progress response")
	}

	close(gate)
	waitFor(t, func() bool { return gw.ActiveJobs() == 0 }, "job never finished")
}

func TestDownloadFailureReported(t *testing.T) {
	ext := &fakeExtractor{formats: testFormats(1), dlDir: t.TempDir(), dlErr: errors.New("merge failed")}
	rec := &fakeRecorder{}
	gw, m := newTestGateway(t, Config{}, ext, nil)
	gw.SetRecorder(rec)

	gw.HandleDownload(context.Background(), testKey, "https://example.com/watch?v=1")
	gw.HandleMessage(context.Background(), testKey, "1")

	waitFor(t, func() bool { return gw.ActiveJobs() == 0 }, "job never finished")
	waitFor(t, func() bool { return m.hasText("Download failed") }, "missing failure message")

	records := rec.all()
	if len(records) != 1 || records[0].Status != domain.RecordStatusError {
		t.Fatalf("expected one error record, got %+v", records)
	}
	if records[0].Error == "" {
		t.Error("error record should carry the failure reason")
	}
}

func TestHandleFetch(t *testing.T) {
	streamer := &fakeStreamer{dir: t.TempDir()}
	gw, m := newTestGateway(t, Config{DeleteAfterSend: true}, &fakeExtractor{}, streamer)

	gw.HandleFetch(context.Background(), testKey, "https://example.com/file.bin")

	waitFor(t, func() bool { return gw.ActiveJobs() == 0 }, "fetch job never finished")
	waitFor(t, func() bool { return len(m.sentFiles()) == 1 }, "file never sent")

	if _, err := os.Stat(m.sentFiles()[0]); !os.IsNotExist(err) {
		t.Error("fetched artifact should be deleted after send")
	}
}

func TestHandleFetchRoutesByExtension(t *testing.T) {
	tests := []struct {
		url  string
		kind string
		ext  string
	}{
		{"https://example.com/clip.mp4", "video", ".mp4"},
		{"https://example.com/track.MP3", "audio", ".mp3"},
		{"https://example.com/pic.jpeg?size=big", "image", ".jpg"},
		{"https://example.com/archive.tar.gz", "file", ".bin"},
		{"https://example.com/download", "file", ".bin"},
	}
	for _, tt := range tests {
		streamer := &fakeStreamer{dir: t.TempDir()}
		gw, m := newTestGateway(t, Config{}, &fakeExtractor{}, streamer)

		gw.HandleFetch(context.Background(), testKey, tt.url)
		waitFor(t, func() bool { return gw.ActiveJobs() == 0 }, "fetch job never finished")
		waitFor(t, func() bool { return len(m.sentFiles()) == 1 }, "file never sent")

		if kinds := streamer.fetchedKinds(); len(kinds) != 1 || kinds[0] != tt.kind {
			t.Errorf("%s: expected %s fetch, got %v", tt.url, tt.kind, kinds)
		}
		if got := filepath.Ext(m.sentFiles()[0]); got != tt.ext {
			t.Errorf("%s: expected artifact extension %s, got %s", tt.url, tt.ext, got)
		}
	}
}

func TestHandleFetchInvalidURL(t *testing.T) {
	streamer := &fakeStreamer{dir: t.TempDir()}
	gw, m := newTestGateway(t, Config{}, &fakeExtractor{}, streamer)

	gw.HandleFetch(context.Background(), testKey, "not a url")

	if gw.ActiveJobs() != 0 {
		t.Error("no job expected for an invalid URL")
	}
	if !m.hasText("Cannot start fetch") {
		t.Error("missing rejection message")
	}
}

func TestHandleVideo(t *testing.T) {
	ext := &fakeExtractor{dlDir: t.TempDir()}
	rec := &fakeRecorder{}
	gw, m := newTestGateway(t, Config{}, ext, nil)
	gw.SetRecorder(rec)

	gw.HandleVideo(context.Background(), testKey, "https://example.com/watch?v=1")

	waitFor(t, func() bool { return gw.ActiveJobs() == 0 }, "job never finished")
	waitFor(t, func() bool { return len(m.sentFiles()) == 1 }, "file never sent")

	if filepath.Ext(m.sentFiles()[0]) != ".mp4" {
		t.Errorf("expected a video artifact, got %s", m.sentFiles()[0])
	}
	records := rec.all()
	if len(records) != 1 || records[0].Status != domain.RecordStatusDone {
		t.Fatalf("expected one done record, got %+v", records)
	}
}

func TestHandleAudio(t *testing.T) {
	ext := &fakeExtractor{dlDir: t.TempDir()}
	gw, m := newTestGateway(t, Config{}, ext, nil)

	gw.HandleAudio(context.Background(), testKey, "https://example.com/watch?v=1")

	waitFor(t, func() bool { return gw.ActiveJobs() == 0 }, "job never finished")
	waitFor(t, func() bool { return len(m.sentFiles()) == 1 }, "file never sent")

	if filepath.Ext(m.sentFiles()[0]) != ".flac" {
		t.Errorf("expected an audio artifact, got %s", m.sentFiles()[0])
	}
}

func TestHandleVideoFailure(t *testing.T) {
	ext := &fakeExtractor{dlDir: t.TempDir(), dlErr: errors.New("too long")}
	gw, m := newTestGateway(t, Config{}, ext, nil)

	gw.HandleVideo(context.Background(), testKey, "https://example.com/watch?v=1")

	waitFor(t, func() bool { return gw.ActiveJobs() == 0 }, "job never finished")
	waitFor(t, func() bool { return m.hasText("Download failed") }, "missing failure message")
}

func TestProgressPushesThrottled(t *testing.T) {
	ext := &fakeExtractor{formats: testFormats(1), dlDir: t.TempDir()}
	gw, m := newTestGateway(t, Config{PushInterval: time.Millisecond}, ext, nil)

	gw.HandleDownload(context.Background(), testKey, "https://example.com/watch?v=1")
	before := m.textCount()
	gw.HandleMessage(context.Background(), testKey, "1")

	waitFor(t, func() bool { return gw.ActiveJobs() == 0 }, "job never finished")

	// Selected notice, at least one pushed progress line.
	if m.textCount() <= before+1 {
		t.Errorf("expected pushed progress beyond the selection notice, got %d messages", m.textCount()-before)
	}
	if !m.hasText("downloading: 50.0%") && !m.hasText("transcoding") {
		t.Error("expected a progress line to be pushed")
	}
}

func TestProgressPushesDisabledByDefault(t *testing.T) {
	ext := &fakeExtractor{formats: testFormats(1), dlDir: t.TempDir()}
	gw, m := newTestGateway(t, Config{}, ext, nil)

	gw.HandleDownload(context.Background(), testKey, "https://example.com/watch?v=1")
	gw.HandleMessage(context.Background(), testKey, "1")
	waitFor(t, func() bool { return gw.ActiveJobs() == 0 }, "job never finished")

	if m.hasText("downloading: 50.0%") {
		t.Error("progress must not be pushed when the interval is zero")
	}
}
