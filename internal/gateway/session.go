package gateway

import (
	"sync"
	"time"

	"github.com/constansino/chat-dl-go/internal/domain"
)

// session tracks one unresolved format choice for a caller.
type session struct {
	url     string
	formats []domain.Format
	timer   *time.Timer
}

// sessionRegistry guards the per-caller selection sessions. Insert and
// delete are atomic with respect to the existence check, so a timeout and
// a late reply can race: whichever takes the session first wins and the
// other observes absence.
type sessionRegistry struct {
	mu sync.Mutex
	m  map[domain.CallerKey]*session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{m: make(map[domain.CallerKey]*session)}
}

// put installs a session for key, returning any session it displaced so
// the caller can stop its timer.
func (r *sessionRegistry) put(key domain.CallerKey, s *session) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.m[key]
	r.m[key] = s
	return old
}

// take removes and returns the session for key, if present.
func (r *sessionRegistry) take(key domain.CallerKey) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[key]
	if ok {
		delete(r.m, key)
	}
	return s, ok
}

func (r *sessionRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
