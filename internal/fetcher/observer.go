package fetcher

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Observer receives transfer-progress updates, one per chunk written.
// total is the declared content length, -1 when unknown.
type Observer interface {
	Update(written, total int64)
}

// NopObserver discards all updates.
type NopObserver struct{}

func (NopObserver) Update(int64, int64) {}

// LogObserver logs unit-scaled transfer progress, throttled so large
// downloads do not flood the log.
type LogObserver struct {
	mu   sync.Mutex
	last time.Time
}

// Update logs progress at most every 2 seconds.
func (o *LogObserver) Update(written, total int64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	if now.Sub(o.last) < 2*time.Second {
		return
	}
	o.last = now

	if total > 0 {
		slog.Debug("Transfer progress",
			"written", scaleBytes(written),
			"total", scaleBytes(total),
		)
	} else {
		slog.Debug("Transfer progress", "written", scaleBytes(written))
	}
}

// scaleBytes renders a byte count with a binary unit suffix.
func scaleBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}
