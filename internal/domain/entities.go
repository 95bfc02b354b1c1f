// Package domain contains the core business entities and types.
package domain

import (
	"fmt"
	"time"
)

// CallerKey identifies the owner of a session or job. It combines the
// conversation and the sender so concurrent callers never collide.
type CallerKey string

// NewCallerKey builds a CallerKey from a conversation id and a sender id.
func NewCallerKey(conversation, sender string) CallerKey {
	return CallerKey(conversation + "_" + sender)
}

// ProxyOption selects the proxy used for a single download. The zero value
// means "use the configured default"; ExplicitProxy and NoProxy override it.
type ProxyOption struct {
	kind  proxyKind
	value string
}

type proxyKind int

const (
	proxyDefault proxyKind = iota
	proxyExplicit
	proxyDisabled
)

// DefaultProxy uses the proxy from configuration, if any.
func DefaultProxy() ProxyOption { return ProxyOption{} }

// ExplicitProxy forces the given proxy URL for this download.
func ExplicitProxy(rawURL string) ProxyOption {
	return ProxyOption{kind: proxyExplicit, value: rawURL}
}

// NoProxy disables the proxy for this download even when one is configured.
func NoProxy() ProxyOption { return ProxyOption{kind: proxyDisabled} }

// Resolve returns the proxy URL to use given the configured default.
// An empty result means a direct connection.
func (p ProxyOption) Resolve(configured string) string {
	switch p.kind {
	case proxyExplicit:
		return p.value
	case proxyDisabled:
		return ""
	default:
		return configured
	}
}

// Source describes a remote resource to download. It is immutable once a
// download begins.
type Source struct {
	URL         string
	Headers     map[string]string // extra headers merged over the defaults
	Proxy       ProxyOption
	CookiesFile string // optional Netscape cookie jar for the extractor
}

// VideoInfo contains metadata about a video, extracted once per URL and
// cached afterwards.
type VideoInfo struct {
	Title       string `json:"title"`
	Channel     string `json:"channel"`
	UploaderID  string `json:"uploader_id"`
	Duration    int    `json:"duration"` // seconds
	Timestamp   int64  `json:"timestamp"`
	Thumbnail   string `json:"thumbnail"`
	Description string `json:"description"`
	ChannelID   string `json:"channel_id"`
}

// AuthorName renders the channel and uploader as a single display string.
func (v VideoInfo) AuthorName() string {
	return v.Channel + "@" + v.UploaderID
}

// Format describes one selectable encoding of a source.
type Format struct {
	ID         string
	Ext        string
	Resolution string
	Filesize   int64 // bytes, 0 when the extractor reports none
	Note       string
	FPS        float64
	VCodec     string
}

// SizeMB returns the (possibly approximate) size in mebibytes.
func (f Format) SizeMB() float64 {
	return float64(f.Filesize) / 1024 / 1024
}

// MenuLine renders the format as a numbered menu entry.
func (f Format) MenuLine(pos int) string {
	return fmt.Sprintf("%d. [%s] %s %s (%.1fMB)", pos, f.Ext, f.Resolution, f.Note, f.SizeMB())
}

// Progress is a structured status update emitted by the extraction engine
// while a download is running.
type Progress struct {
	Phase   string // PhaseDownloading or PhaseFinished
	Percent string
	Speed   string
	ETA     string
}

// Progress phases reported by the extraction engine.
const (
	PhaseDownloading = "downloading"
	PhaseFinished    = "finished"
)

// JobStatus represents the current state of a tracked download job.
type JobStatus string

const (
	JobStatusDownloading JobStatus = "downloading"
	JobStatusSending     JobStatus = "sending"
)

// RecordStatus is the terminal outcome stored in the download history.
type RecordStatus string

const (
	RecordStatusDone  RecordStatus = "done"
	RecordStatusError RecordStatus = "error"
)

// Record is one row of download history: a job that reached a terminal state.
type Record struct {
	ID          string       `json:"id"`
	CallerKey   CallerKey    `json:"caller_key"`
	URL         string       `json:"url"`
	FormatID    string       `json:"format_id,omitempty"`
	Status      RecordStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	SizeBytes   int64        `json:"size_bytes,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt time.Time    `json:"completed_at"`
}
