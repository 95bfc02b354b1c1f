package gateway

import (
	"sync"
	"time"

	"github.com/constansino/chat-dl-go/internal/domain"
)

// jobState is the mutable progress record of one background download.
type jobState struct {
	mu       sync.Mutex
	progress string
	status   domain.JobStatus
	lastPush time.Time
}

func (j *jobState) setProgress(s string) {
	j.mu.Lock()
	j.progress = s
	j.mu.Unlock()
}

func (j *jobState) setStatus(st domain.JobStatus) {
	j.mu.Lock()
	j.status = st
	j.mu.Unlock()
}

func (j *jobState) snapshot() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// shouldPush reports whether a proactive notification is due and, if so,
// stamps the push time. interval <= 0 disables pushes entirely.
func (j *jobState) shouldPush(interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	if now.Sub(j.lastPush) < interval {
		return false
	}
	j.lastPush = now
	return true
}

// jobRegistry tracks at most one background job per caller key.
type jobRegistry struct {
	mu sync.Mutex
	m  map[domain.CallerKey]*jobState
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{m: make(map[domain.CallerKey]*jobState)}
}

// begin inserts a fresh job state for key. It fails when a job is already
// tracked, making the existence check atomic with the insert.
func (r *jobRegistry) begin(key domain.CallerKey) (*jobState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.m[key]; exists {
		return nil, false
	}
	st := &jobState{progress: "preparing download", status: domain.JobStatusDownloading}
	r.m[key] = st
	return st, true
}

// end removes the job entry for key. Called unconditionally once a job
// reaches a terminal state.
func (r *jobRegistry) end(key domain.CallerKey) {
	r.mu.Lock()
	delete(r.m, key)
	r.mu.Unlock()
}

// progress returns the tracked progress string for key.
func (r *jobRegistry) progress(key domain.CallerKey) (string, bool) {
	r.mu.Lock()
	st, ok := r.m[key]
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	return st.snapshot(), true
}

// active reports whether a job is tracked for key.
func (r *jobRegistry) active(key domain.CallerKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[key]
	return ok
}

func (r *jobRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
