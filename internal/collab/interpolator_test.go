package collab

import (
	"math"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/clock"
	"github.com/MarcoPoloResearchLab/canvas/internal/scene"
)

func TestInterpolatorFirstSampleSnaps(t *testing.T) {
	interpolator := NewCursorInterpolator(InterpolatorConfig{Clock: newTestClock()})
	interpolator.SetTarget("user-b:s1", 40, 30)

	position, ok := interpolator.Position("user-b:s1")
	assert.Equal(t, ok, true)
	assert.Equal(t, position, scene.Point{X: 40, Y: 30})
	assert.Equal(t, interpolator.Tick(), false)
}

func TestInterpolatorConvergesMonotonically(t *testing.T) {
	interpolator := NewCursorInterpolator(InterpolatorConfig{Clock: newTestClock()})
	interpolator.SetTarget("k", 0, 0)
	interpolator.SetTarget("k", 60, 80)

	first, _ := interpolator.Position("k")
	assert.Equal(t, first, scene.Point{X: 0, Y: 0})

	previous := math.Inf(1)
	ticks := 0
	for ; ticks < 100; ticks++ {
		position, _ := interpolator.Position("k")
		if position == (scene.Point{X: 60, Y: 80}) {
			break
		}
		distance := math.Hypot(60-position.X, 80-position.Y)
		if distance >= previous {
			t.Fatalf("distance did not decrease at tick %d: %v >= %v", ticks, distance, previous)
		}
		previous = distance
		interpolator.Tick()
	}
	if ticks > 35 {
		t.Fatalf("expected convergence within 35 ticks, took %d", ticks)
	}

	position, _ := interpolator.Position("k")
	assert.Equal(t, position, scene.Point{X: 60, Y: 80})
}

func TestInterpolatorFirstTickCoversSmoothingShare(t *testing.T) {
	interpolator := NewCursorInterpolator(InterpolatorConfig{})
	interpolator.SetTarget("k", 0, 0)
	interpolator.SetTarget("k", 100, 0)
	interpolator.Tick()

	position, _ := interpolator.Position("k")
	assert.Equal(t, position.X, 100*DefaultSmoothing)
}

func TestInterpolatorSyncDropsOwnAndDepartedSessions(t *testing.T) {
	interpolator := NewCursorInterpolator(InterpolatorConfig{Clock: newTestClock()})
	interpolator.SetTarget("gone:s1", 1, 1)

	records := []canvas.PresenceRecord{
		{SessionKey: "me:s1", Cursor: &canvas.Cursor{X: 1, Y: 1}},
		{SessionKey: "other:s1", Cursor: &canvas.Cursor{X: 5, Y: 5}},
		{SessionKey: "idle:s1"},
	}
	interpolator.Sync(records, "me:s1")

	assert.Equal(t, interpolator.Keys(), []string{"other:s1"})
}

func TestInterpolatorFrameLoopStops(t *testing.T) {
	clk := newTestClock()
	var frames int
	interpolator := NewCursorInterpolator(InterpolatorConfig{
		Clock:   clk,
		OnFrame: func(map[string]scene.Point) { frames++ },
	})
	interpolator.SetTarget("k", 0, 0)
	interpolator.SetTarget("k", 100, 100)

	interpolator.Start()
	interpolator.Start()
	clk.Advance(3 * clock.FrameInterval)
	assert.Equal(t, frames, 3)

	interpolator.Stop()
	assert.Equal(t, clk.Pending(), 0)
	clk.Advance(10 * clock.FrameInterval)
	assert.Equal(t, frames, 3)
}
