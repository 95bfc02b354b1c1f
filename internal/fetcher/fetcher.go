// Package fetcher implements streaming HTTP downloads with size limits and
// bounded retries. Files are written next to their final path and renamed
// into place only after the body completes.
package fetcher

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/constansino/chat-dl-go/internal/domain"
	"github.com/constansino/chat-dl-go/pkg/safeclient"
)

const chunkSize = 1 << 20 // 1 MiB

// defaultHeaders are sent with every request unless overridden per source.
var defaultHeaders = map[string]string{
	"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Accept":     "*/*",
}

// Config holds fetcher construction parameters.
type Config struct {
	CacheDir   string
	MaxBytes   int64
	ProxyURL   string        // configured default proxy, overridable per source
	RetryDelay time.Duration // base of the linear backoff, defaults to 1s
}

// doer is the slice of the HTTP client the fetcher needs.
type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads single resources over a shared HTTP client.
type Fetcher struct {
	client     doer
	cacheDir   string
	maxBytes   int64
	proxyURL   string
	retryDelay time.Duration
	observer   Observer
}

// New creates a Fetcher using the given shared client.
func New(client *safeclient.Client, cfg Config) *Fetcher {
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	return &Fetcher{
		client:     client,
		cacheDir:   cfg.CacheDir,
		maxBytes:   cfg.MaxBytes,
		proxyURL:   cfg.ProxyURL,
		retryDelay: delay,
		observer:   NopObserver{},
	}
}

// SetObserver installs a transfer-progress observer. Observability only,
// not part of the download contract.
func (f *Fetcher) SetObserver(o Observer) {
	if o == nil {
		o = NopObserver{}
	}
	f.observer = o
}

// FileName derives a deterministic file name from a URL and extension, so
// repeated fetches of the same resource share one artifact.
func FileName(rawURL, ext string) string {
	sum := sha1.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:16] + ext
}

// Fetch downloads src to the cache directory and returns the local path.
// fileName may be empty, in which case it is derived from the URL. If the
// target path already exists the download is skipped entirely.
//
// Size and zero-size violations fail immediately; transport faults are
// retried twice with linearly increasing backoff before surfacing as
// domain.ErrDownloadFailed.
func (f *Fetcher) Fetch(ctx context.Context, src domain.Source, fileName string) (string, error) {
	if fileName == "" {
		fileName = FileName(src.URL, "")
	}
	path := filepath.Join(f.cacheDir, fileName)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	op := func() error {
		err := f.attempt(ctx, src, path)
		if err == nil {
			return nil
		}
		if domain.IsPolicyViolation(err) || isPermanentHTTP(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newLinearBackOff(f.retryDelay), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if domain.IsPolicyViolation(err) {
			return "", err
		}
		var httpErr *httpStatusError
		if errors.As(err, &httpErr) {
			return "", fmt.Errorf("%w: %w", domain.ErrDownloadFailed, err)
		}
		slog.Error("Download failed", "url", src.URL, "path", path, "error", err)
		return "", fmt.Errorf("%w: %w", domain.ErrDownloadFailed, err)
	}
	return path, nil
}

// FetchVideo, FetchAudio, FetchImage and FetchFile fetch with an extension
// matched to the media kind when no explicit name is given.

func (f *Fetcher) FetchVideo(ctx context.Context, src domain.Source, name string) (string, error) {
	if name == "" {
		name = FileName(src.URL, ".mp4")
	}
	return f.Fetch(ctx, src, name)
}

func (f *Fetcher) FetchAudio(ctx context.Context, src domain.Source, name string) (string, error) {
	if name == "" {
		name = FileName(src.URL, ".mp3")
	}
	return f.Fetch(ctx, src, name)
}

func (f *Fetcher) FetchImage(ctx context.Context, src domain.Source, name string) (string, error) {
	if name == "" {
		name = FileName(src.URL, ".jpg")
	}
	return f.Fetch(ctx, src, name)
}

func (f *Fetcher) FetchFile(ctx context.Context, src domain.Source, name string) (string, error) {
	if name == "" {
		name = FileName(src.URL, ".bin")
	}
	return f.Fetch(ctx, src, name)
}

// httpStatusError marks responses with status >= 400; these are not retried.
type httpStatusError struct {
	status string
}

func (e *httpStatusError) Error() string {
	return "unexpected response status " + e.status
}

func isPermanentHTTP(err error) bool {
	var httpErr *httpStatusError
	return errors.As(err, &httpErr)
}

// attempt performs one full download into path via a temporary sibling
// file. Any failure removes the partial output before returning.
func (f *Fetcher) attempt(ctx context.Context, src domain.Source, path string) error {
	reqCtx := safeclient.WithProxy(ctx, src.Proxy.Resolve(f.proxyURL))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, src.URL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	for k, v := range defaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range src.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &httpStatusError{status: resp.Status}
	}

	declared := resp.ContentLength // -1 when unknown
	if declared == 0 {
		slog.Warn("Zero-size media, cancelling download", "url", src.URL)
		return domain.ErrZeroSize
	}
	if declared > f.maxBytes {
		slog.Warn("Media exceeds size limit, cancelling download",
			"url", src.URL,
			"declared_mb", float64(declared)/1024/1024,
			"limit_mb", f.maxBytes/1024/1024,
		)
		return domain.ErrSizeLimit
	}

	tmp := path + ".part"
	received, err := f.streamBody(resp.Body, tmp, declared)
	if err != nil {
		os.Remove(tmp)
		return err
	}

	if received == 0 {
		os.Remove(tmp)
		slog.Warn("Zero bytes received, cancelling download", "url", src.URL)
		return domain.ErrZeroSize
	}
	if declared > 0 && received < declared {
		os.Remove(tmp)
		return fmt.Errorf("incomplete payload: %d/%d bytes", received, declared)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return backoff.Permanent(err)
	}
	return nil
}

// streamBody copies the response body to tmp in fixed-size chunks,
// enforcing the byte limit on every chunk since the declared length may be
// absent or understated.
func (f *Fetcher) streamBody(body io.Reader, tmp string, declared int64) (int64, error) {
	file, err := os.Create(tmp)
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	defer file.Close()

	buf := make([]byte, chunkSize)
	var received int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			received += int64(n)
			if received > f.maxBytes {
				return received, domain.ErrSizeLimit
			}
			if _, err := file.Write(buf[:n]); err != nil {
				return received, backoff.Permanent(err)
			}
			f.observer.Update(received, declared)
		}
		if readErr == io.EOF {
			return received, nil
		}
		if readErr != nil {
			return received, readErr
		}
	}
}

// linearBackOff waits delay, then 2*delay, then 3*delay and so on between
// attempts. backoff/v4 only ships constant and exponential policies.
type linearBackOff struct {
	delay time.Duration
	step  int
}

func newLinearBackOff(delay time.Duration) *linearBackOff {
	return &linearBackOff{delay: delay}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.step++
	return time.Duration(b.step) * b.delay
}

func (b *linearBackOff) Reset() { b.step = 0 }
