package layout

import (
	"math"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

// Orientation of a guide line.
type Orientation string

const (
	Vertical   Orientation = "vertical"
	Horizontal Orientation = "horizontal"
)

// Guide is an alignment line shown while dragging.
type Guide struct {
	Orientation Orientation
	Position    float64
}

// Snap is the correction SmartGuides proposes for a moving box.
type Snap struct {
	DX     float64
	DY     float64
	Guides []Guide
}

// SmartGuides compares the edges and centers of moving against others and
// returns the smallest offset per axis that brings a pair within threshold
// into alignment.
func SmartGuides(moving Box, others []Box, threshold float64) Snap {
	var snap Snap
	if !(threshold > 0) {
		return snap
	}

	if offset, position, ok := closest(verticalLines(moving), others, verticalLines, threshold); ok {
		snap.DX = offset
		snap.Guides = append(snap.Guides, Guide{Orientation: Vertical, Position: position})
	}
	if offset, position, ok := closest(horizontalLines(moving), others, horizontalLines, threshold); ok {
		snap.DY = offset
		snap.Guides = append(snap.Guides, Guide{Orientation: Horizontal, Position: position})
	}
	return snap
}

// SnapResize resizes box like ResizeBox, then moves each dragged edge onto the
// nearest line of others within threshold. A snap that would shrink the box
// below canvas.MinSize is skipped.
func SnapResize(box Box, handle Handle, dx, dy, grid float64, others []Box, threshold float64) (Box, Snap) {
	to := ResizeBox(box, handle, dx, dy, grid)
	var snap Snap
	if !(threshold > 0) {
		return to, snap
	}

	var edgesX, edgesY []float64
	if handle.movesLeft() {
		edgesX = append(edgesX, to.X)
	}
	if handle.movesRight() {
		edgesX = append(edgesX, to.Right())
	}
	if handle.movesTop() {
		edgesY = append(edgesY, to.Y)
	}
	if handle.movesBottom() {
		edgesY = append(edgesY, to.Bottom())
	}

	if offset, position, ok := closest(edgesX, others, verticalLines, threshold); ok {
		next := to
		if handle.movesLeft() {
			next.X += offset
			next.Width -= offset
		} else {
			next.Width += offset
		}
		if next.Width >= canvas.MinSize {
			to = next
			snap.DX = offset
			snap.Guides = append(snap.Guides, Guide{Orientation: Vertical, Position: position})
		}
	}
	if offset, position, ok := closest(edgesY, others, horizontalLines, threshold); ok {
		next := to
		if handle.movesTop() {
			next.Y += offset
			next.Height -= offset
		} else {
			next.Height += offset
		}
		if next.Height >= canvas.MinSize {
			to = next
			snap.DY = offset
			snap.Guides = append(snap.Guides, Guide{Orientation: Horizontal, Position: position})
		}
	}
	return to, snap
}

func verticalLines(b Box) []float64 {
	return []float64{b.X, b.CenterX(), b.Right()}
}

func horizontalLines(b Box) []float64 {
	return []float64{b.Y, b.CenterY(), b.Bottom()}
}

func closest(lines []float64, others []Box, targets func(Box) []float64, threshold float64) (float64, float64, bool) {
	best := math.Inf(1)
	var offset, position float64
	found := false
	for _, other := range others {
		for _, target := range targets(other) {
			for _, line := range lines {
				delta := target - line
				if math.Abs(delta) <= threshold && math.Abs(delta) < best {
					best = math.Abs(delta)
					offset = delta
					position = target
					found = true
				}
			}
		}
	}
	return offset, position, found
}
