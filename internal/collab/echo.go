package collab

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/canvas/internal/clock"
)

// DefaultEchoWindow is how long a local write shields a shape from remote snapshots.
const DefaultEchoWindow = 500 * time.Millisecond

// echoTags maps shape ids to the time their local-write tag expires.
type echoTags struct {
	mu     sync.Mutex
	clock  clock.Clock
	window time.Duration
	expiry map[string]time.Time
}

func newEchoTags(clk clock.Clock, window time.Duration) *echoTags {
	if window <= 0 {
		window = DefaultEchoWindow
	}
	return &echoTags{
		clock:  clk,
		window: window,
		expiry: make(map[string]time.Time),
	}
}

func (e *echoTags) tag(shapeID string) {
	e.mu.Lock()
	e.expiry[shapeID] = e.clock.Now().Add(e.window)
	e.mu.Unlock()
}

func (e *echoTags) active(shapeID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	for id, until := range e.expiry {
		if !now.Before(until) {
			delete(e.expiry, id)
		}
	}
	_, ok := e.expiry[shapeID]
	return ok
}

func (e *echoTags) clear() {
	e.mu.Lock()
	e.expiry = make(map[string]time.Time)
	e.mu.Unlock()
}
