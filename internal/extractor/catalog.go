package extractor

import (
	"encoding/json"
	"fmt"

	"github.com/constansino/chat-dl-go/internal/domain"
)

// probeInfo mirrors the fields of yt-dlp's single-JSON dump that the
// service consumes.
type probeInfo struct {
	Title       string        `json:"title"`
	Channel     string        `json:"channel"`
	UploaderID  string        `json:"uploader_id"`
	Duration    float64       `json:"duration"`
	Timestamp   int64         `json:"timestamp"`
	Thumbnail   string        `json:"thumbnail"`
	Description string        `json:"description"`
	ChannelID   string        `json:"channel_id"`
	Formats     []probeFormat `json:"formats"`
}

type probeFormat struct {
	FormatID       string  `json:"format_id"`
	Ext            string  `json:"ext"`
	Resolution     string  `json:"resolution"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Filesize       int64   `json:"filesize"`
	FilesizeApprox int64   `json:"filesize_approx"`
	FormatNote     string  `json:"format_note"`
	FPS            float64 `json:"fps"`
	VCodec         string  `json:"vcodec"`
}

// parseProbe decodes a single-JSON dump into video metadata and the
// selectable format list.
func parseProbe(raw []byte) (domain.VideoInfo, []domain.Format, error) {
	if len(raw) == 0 {
		return domain.VideoInfo{}, nil, fmt.Errorf("%w: empty extractor output", domain.ErrExtractParse)
	}

	var probe probeInfo
	if err := json.Unmarshal(raw, &probe); err != nil {
		return domain.VideoInfo{}, nil, fmt.Errorf("%w: %w", domain.ErrExtractParse, err)
	}

	info := domain.VideoInfo{
		Title:       probe.Title,
		Channel:     probe.Channel,
		UploaderID:  probe.UploaderID,
		Duration:    int(probe.Duration),
		Timestamp:   probe.Timestamp,
		Thumbnail:   probe.Thumbnail,
		Description: probe.Description,
		ChannelID:   probe.ChannelID,
	}
	return info, selectFormats(probe.Formats), nil
}

// selectFormats filters out audio-only entries and reverses the engine
// order. yt-dlp emits worst-first, so after the reversal entry 0 is the
// highest quality.
func selectFormats(raw []probeFormat) []domain.Format {
	formats := make([]domain.Format, 0, len(raw))
	for _, f := range raw {
		if f.VCodec == "" || f.VCodec == "none" {
			continue
		}

		resolution := f.Resolution
		if resolution == "" {
			resolution = fmt.Sprintf("%dx%d", f.Width, f.Height)
		}
		size := f.Filesize
		if size == 0 {
			size = f.FilesizeApprox
		}

		formats = append(formats, domain.Format{
			ID:         f.FormatID,
			Ext:        f.Ext,
			Resolution: resolution,
			Filesize:   size,
			Note:       f.FormatNote,
			FPS:        f.FPS,
			VCodec:     f.VCodec,
		})
	}

	for i, j := 0, len(formats)-1; i < j; i, j = i+1, j-1 {
		formats[i], formats[j] = formats[j], formats[i]
	}
	return formats
}
