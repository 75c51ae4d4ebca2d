// Package linkstate tracks the connection lifecycle of an outbound adapter:
//
//	idle -> connecting -> requesting -> streaming -> idle
//
// Any failure returns the link to idle.
package linkstate

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kstaniek/gnss-bridge/internal/logging"
	"github.com/looplab/fsm"
)

const (
	Idle       = "idle"
	Connecting = "connecting"
	Requesting = "requesting"
	Streaming  = "streaming"
)

const (
	evDial      = "dial"
	evConnected = "connected"
	evAccepted  = "accepted"
	evFail      = "fail"
)

// Link is one adapter's state machine.
type Link struct {
	name   string
	f      *fsm.FSM
	logger *slog.Logger

	mu    sync.Mutex
	since time.Time
	last  error
}

var (
	regMu sync.RWMutex
	links = map[string]*Link{}
)

// New creates a link in Idle and registers it under name for Snapshot.
func New(name string, logger *slog.Logger) *Link {
	if logger == nil {
		logger = logging.L()
	}
	l := &Link{name: name, logger: logger, since: time.Now()}
	l.f = fsm.NewFSM(
		Idle,
		fsm.Events{
			{Name: evDial, Src: []string{Idle}, Dst: Connecting},
			{Name: evConnected, Src: []string{Connecting}, Dst: Requesting},
			{Name: evAccepted, Src: []string{Requesting}, Dst: Streaming},
			{Name: evFail, Src: []string{Connecting, Requesting, Streaming}, Dst: Idle},
		},
		fsm.Callbacks{
			"enter_state": func(e *fsm.Event) {
				l.mu.Lock()
				l.since = time.Now()
				l.mu.Unlock()
				l.logger.Debug("link_state", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
	regMu.Lock()
	links[name] = l
	regMu.Unlock()
	return l
}

func (l *Link) event(name string) {
	if err := l.f.Event(name); err != nil {
		var nt fsm.NoTransitionError
		if errors.As(err, &nt) {
			return
		}
		l.logger.Debug("link_state_rejected", "event", name, "state", l.f.Current(), "error", err)
	}
}

// Dial marks the start of a connect attempt.
func (l *Link) Dial() { l.event(evDial) }

// Connected marks an established transport connection.
func (l *Link) Connected() { l.event(evConnected) }

// Accepted marks the peer accepting the session; data flows from here on.
func (l *Link) Accepted() { l.event(evAccepted) }

// Fail returns the link to Idle, remembering err.
func (l *Link) Fail(err error) {
	l.mu.Lock()
	l.last = err
	l.mu.Unlock()
	l.event(evFail)
}

// State is the current state name.
func (l *Link) State() string { return l.f.Current() }

// Streaming reports whether the link is in the Streaming state.
func (l *Link) Streaming() bool { return l.f.Is(Streaming) }

// Status is the exported view of a link.
type Status struct {
	Adapter   string    `json:"adapter"`
	State     string    `json:"state"`
	Since     time.Time `json:"since"`
	LastError string    `json:"last_error,omitempty"`
}

// Status snapshots l.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Status{Adapter: l.name, State: l.f.Current(), Since: l.since}
	if l.last != nil {
		s.LastError = l.last.Error()
	}
	return s
}

// Snapshot lists every registered link sorted by adapter name.
func Snapshot() []Status {
	regMu.RLock()
	out := make([]Status, 0, len(links))
	for _, l := range links {
		out = append(out, l.Status())
	}
	regMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Adapter < out[j].Adapter })
	return out
}
