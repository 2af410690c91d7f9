// Package sessions keeps track of running live sessions so the process can
// report them and shut them down together.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vango-go/vai-home/pkg/bridge/session"
)

// Session is the part of *session.Engine the tracker needs.
type Session interface {
	Cancel()
	Done() <-chan struct{}
	State() session.State
}

// Info describes one tracked session.
type Info struct {
	ID        string
	Profile   string
	State     session.State
	StartedAt time.Time
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	id        string
	profile   string
	session   Session
	startedAt time.Time
	once      sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
	}
}

// Register tracks s until it is done or until the returned function is
// called. Registering an id again replaces the old entry.
func (t *Tracker) Register(id, profile string, s Session) (unregister func()) {
	if t == nil || s == nil {
		return func() {}
	}

	entry := &trackedSession{id: id, profile: profile, session: s, startedAt: time.Now()}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[id]
	t.sessions[id] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(old)
	}

	go func() {
		<-s.Done()
		t.unregister(entry)
	}()

	return func() { t.unregister(entry) }
}

func (t *Tracker) unregister(entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[entry.id] == entry {
			delete(t.sessions, entry.id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Snapshot lists tracked sessions, oldest first.
func (t *Tracker) Snapshot() []Info {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	entries := make([]*trackedSession, 0, len(t.sessions))
	for _, entry := range t.sessions {
		entries = append(entries, entry)
	}
	t.mu.Unlock()

	out := make([]Info, 0, len(entries))
	for _, entry := range entries {
		out = append(out, Info{
			ID:        entry.id,
			Profile:   entry.profile,
			State:     entry.session.State(),
			StartedAt: entry.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// CancelAll asks every tracked session to stop without waiting.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var targets []Session
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.session == nil {
			continue
		}
		targets = append(targets, entry.session)
	}
	t.mu.Unlock()

	for _, s := range targets {
		s.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every tracked session is gone or ctx is done. It
// reports whether all sessions finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Shutdown cancels every session and waits for them within ctx.
func (t *Tracker) Shutdown(ctx context.Context) bool {
	t.CancelAll()
	return t.Wait(ctx)
}
