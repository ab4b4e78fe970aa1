package collab

import (
	"math"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/clock"
	"github.com/MarcoPoloResearchLab/canvas/internal/scene"
)

const (
	// DefaultSmoothing is the share of the remaining distance covered per frame.
	DefaultSmoothing = 0.2
	// DefaultEpsilon is the per-axis distance at which a cursor snaps to its target.
	DefaultEpsilon = 0.1
)

// InterpolatorConfig tunes a CursorInterpolator.
type InterpolatorConfig struct {
	Clock     clock.Clock
	Smoothing float64
	Epsilon   float64
	// OnFrame receives the positions after every tick that moved a cursor.
	OnFrame func(map[string]scene.Point)
}

// CursorInterpolator eases remote cursors toward their last reported position.
type CursorInterpolator struct {
	mu        sync.Mutex
	clock     clock.Clock
	smoothing float64
	epsilon   float64
	onFrame   func(map[string]scene.Point)
	states    map[string]*cursorState
	frame     clock.Timer
	running   bool
}

type cursorState struct {
	current scene.Point
	target  scene.Point
}

// NewCursorInterpolator constructs an idle interpolator.
func NewCursorInterpolator(cfg InterpolatorConfig) *CursorInterpolator {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	smoothing := cfg.Smoothing
	if !(smoothing > 0 && smoothing <= 1) {
		smoothing = DefaultSmoothing
	}
	epsilon := cfg.Epsilon
	if !(epsilon > 0) {
		epsilon = DefaultEpsilon
	}
	return &CursorInterpolator{
		clock:     clk,
		smoothing: smoothing,
		epsilon:   epsilon,
		onFrame:   cfg.OnFrame,
		states:    make(map[string]*cursorState),
	}
}

// SetTarget records a new sample for key. The first sample places the cursor
// directly at the target.
func (c *CursorInterpolator) SetTarget(key string, x, y float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := scene.Point{X: x, Y: y}
	state, ok := c.states[key]
	if !ok {
		c.states[key] = &cursorState{current: target, target: target}
		return
	}
	state.target = target
}

// Sync feeds a roster into the interpolator: every other session's cursor
// becomes a target and sessions missing from the roster are dropped.
func (c *CursorInterpolator) Sync(records []canvas.PresenceRecord, ownSessionKey string) {
	keys := make([]string, 0, len(records))
	for _, record := range records {
		if record.SessionKey == ownSessionKey || record.Cursor == nil {
			continue
		}
		keys = append(keys, record.SessionKey)
		c.SetTarget(record.SessionKey, record.Cursor.X, record.Cursor.Y)
	}
	c.Retain(keys)
}

// Retain drops the state of every key not listed.
func (c *CursorInterpolator) Retain(keys []string) {
	keep := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		keep[key] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.states {
		if _, ok := keep[key]; !ok {
			delete(c.states, key)
		}
	}
}

// Tick advances every cursor one frame and reports whether any moved.
func (c *CursorInterpolator) Tick() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickLocked()
}

func (c *CursorInterpolator) tickLocked() bool {
	moved := false
	for _, state := range c.states {
		if state.current == state.target {
			continue
		}
		dx := state.target.X - state.current.X
		dy := state.target.Y - state.current.Y
		if math.Abs(dx) < c.epsilon && math.Abs(dy) < c.epsilon {
			state.current = state.target
		} else {
			state.current.X += dx * c.smoothing
			state.current.Y += dy * c.smoothing
		}
		moved = true
	}
	return moved
}

// Position returns the rendered position of key.
func (c *CursorInterpolator) Position(key string) (scene.Point, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[key]
	if !ok {
		return scene.Point{}, false
	}
	return state.current, true
}

// Positions returns every rendered position.
func (c *CursorInterpolator) Positions() map[string]scene.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionsLocked()
}

// Keys returns the tracked session keys in order.
func (c *CursorInterpolator) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.states))
	for key := range c.states {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Start runs Tick once per frame until Stop.
func (c *CursorInterpolator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.frame = c.clock.AfterFunc(clock.FrameInterval, c.frameTick)
}

// Stop cancels the frame loop. No frame is scheduled afterwards.
func (c *CursorInterpolator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	if c.frame != nil {
		c.frame.Stop()
		c.frame = nil
	}
}

func (c *CursorInterpolator) frameTick() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	moved := c.tickLocked()
	var positions map[string]scene.Point
	if moved && c.onFrame != nil {
		positions = c.positionsLocked()
	}
	onFrame := c.onFrame
	c.frame = c.clock.AfterFunc(clock.FrameInterval, c.frameTick)
	c.mu.Unlock()

	if positions != nil {
		onFrame(positions)
	}
}

func (c *CursorInterpolator) positionsLocked() map[string]scene.Point {
	positions := make(map[string]scene.Point, len(c.states))
	for key, state := range c.states {
		positions[key] = state.current
	}
	return positions
}
