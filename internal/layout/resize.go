package layout

import (
	"math"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

// Handle names the resize anchor being dragged.
type Handle string

const (
	HandleTopLeft     Handle = "top-left"
	HandleTop         Handle = "top-center"
	HandleTopRight    Handle = "top-right"
	HandleRight       Handle = "middle-right"
	HandleBottomRight Handle = "bottom-right"
	HandleBottom      Handle = "bottom-center"
	HandleBottomLeft  Handle = "bottom-left"
	HandleLeft        Handle = "middle-left"
)

func (h Handle) movesLeft() bool {
	return h == HandleTopLeft || h == HandleLeft || h == HandleBottomLeft
}

func (h Handle) movesRight() bool {
	return h == HandleTopRight || h == HandleRight || h == HandleBottomRight
}

func (h Handle) movesTop() bool {
	return h == HandleTopLeft || h == HandleTop || h == HandleTopRight
}

func (h Handle) movesBottom() bool {
	return h == HandleBottomLeft || h == HandleBottom || h == HandleBottomRight
}

// ResizeBox drags handle of box by dx, dy. The opposite edges stay fixed and
// each dimension is floored at canvas.MinSize. A positive grid snaps the moving
// edges before the floor is applied.
func ResizeBox(box Box, handle Handle, dx, dy, grid float64) Box {
	left, top := box.X, box.Y
	right, bottom := box.Right(), box.Bottom()

	if handle.movesLeft() {
		left = math.Min(SnapToGrid(left+dx, grid), right-canvas.MinSize)
	}
	if handle.movesRight() {
		right = math.Max(SnapToGrid(right+dx, grid), left+canvas.MinSize)
	}
	if handle.movesTop() {
		top = math.Min(SnapToGrid(top+dy, grid), bottom-canvas.MinSize)
	}
	if handle.movesBottom() {
		bottom = math.Max(SnapToGrid(bottom+dy, grid), top+canvas.MinSize)
	}
	return Box{X: left, Y: top, Width: right - left, Height: bottom - top}
}

// ScaleNodes maps every node from the from box into the to box. Each node's
// center is scaled about the box origin and its size by the same factors,
// floored at canvas.MinSize, so a single-node resize keeps the node in place.
func ScaleNodes(nodes []canvas.Node, from, to Box) []canvas.Node {
	scaleX, scaleY := 1.0, 1.0
	if from.Width > 0 {
		scaleX = to.Width / from.Width
	}
	if from.Height > 0 {
		scaleY = to.Height / from.Height
	}

	scaled := make([]canvas.Node, len(nodes))
	for index, node := range nodes {
		centerX, centerY := node.Center()
		newCenterX := to.X + (centerX-from.X)*scaleX
		newCenterY := to.Y + (centerY-from.Y)*scaleY

		width := math.Max(node.Width*scaleX, canvas.MinSize)
		height := math.Max(node.Height*scaleY, canvas.MinSize)

		node.Width = width
		node.Height = height
		node.X = newCenterX - width/2
		node.Y = newCenterY - height/2
		scaled[index] = node
	}
	return scaled
}

// SnapToGrid rounds value to the nearest multiple of grid. A non-positive grid
// returns value unchanged.
func SnapToGrid(value, grid float64) float64 {
	if !(grid > 0) {
		return value
	}
	return math.Round(value/grid) * grid
}
