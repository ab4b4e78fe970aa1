package layout

import (
	"math"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

func threeNodes() []canvas.Node {
	return []canvas.Node{
		canvas.NewRect("a", 0, 0, 20, 10),
		canvas.NewRect("b", 40, 30, 10, 40),
		canvas.NewRect("c", 100, 5, 30, 20),
	}
}

func TestAlignEdges(t *testing.T) {
	ids := []string{"a", "b", "c"}
	tests := []struct {
		name   string
		op     AlignOp
		verify func(t *testing.T, nodes []canvas.Node)
	}{
		{name: "left", op: AlignLeft, verify: func(t *testing.T, nodes []canvas.Node) {
			for _, node := range nodes {
				assert.Equal(t, node.X, 0.0)
			}
		}},
		{name: "right", op: AlignRight, verify: func(t *testing.T, nodes []canvas.Node) {
			for _, node := range nodes {
				assert.Equal(t, node.X+node.Width, 130.0)
			}
		}},
		{name: "center", op: AlignCenterX, verify: func(t *testing.T, nodes []canvas.Node) {
			for _, node := range nodes {
				assert.Equal(t, node.X+node.Width/2, 65.0)
			}
		}},
		{name: "top", op: AlignTop, verify: func(t *testing.T, nodes []canvas.Node) {
			for _, node := range nodes {
				assert.Equal(t, node.Y, 0.0)
			}
		}},
		{name: "bottom", op: AlignBottom, verify: func(t *testing.T, nodes []canvas.Node) {
			for _, node := range nodes {
				assert.Equal(t, node.Y+node.Height, 70.0)
			}
		}},
		{name: "middle", op: AlignMiddleY, verify: func(t *testing.T, nodes []canvas.Node) {
			for _, node := range nodes {
				assert.Equal(t, node.Y+node.Height/2, 35.0)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := threeNodes()
			result := Align(input, ids, tt.op)
			tt.verify(t, result)
			assert.Equal(t, input, threeNodes())
		})
	}
}

func TestAlignRequiresTwoSelected(t *testing.T) {
	input := threeNodes()
	result := Align(input, []string{"b", "missing"}, AlignLeft)
	assert.Equal(t, result, input)
}

func TestAlignLeavesUnselectedNodes(t *testing.T) {
	input := threeNodes()
	result := Align(input, []string{"a", "c"}, AlignTop)
	assert.Equal(t, result[1], input[1])
	assert.Equal(t, result[2].Y, 0.0)
}

func TestDistributeHorizontalKeepsSpan(t *testing.T) {
	input := threeNodes()
	before, _ := BoundingBox(input)
	result := Align(input, []string{"c", "a", "b"}, DistributeH)
	after, _ := BoundingBox(result)

	assert.Equal(t, after.X, before.X)
	assert.Equal(t, after.Right(), before.Right())

	gapAB := result[1].X - (result[0].X + result[0].Width)
	gapBC := result[2].X - (result[1].X + result[1].Width)
	assert.Equal(t, gapAB, gapBC)
	assert.Equal(t, gapAB, 35.0)
}

func TestDistributeVerticalOrdersByPosition(t *testing.T) {
	nodes := []canvas.Node{
		canvas.NewRect("low", 0, 100, 10, 20),
		canvas.NewRect("high", 0, 0, 10, 20),
		canvas.NewRect("mid", 0, 30, 10, 20),
	}
	result := Align(nodes, []string{"low", "high", "mid"}, DistributeV)

	assert.Equal(t, result[1].Y, 0.0)
	assert.Equal(t, result[2].Y, 50.0)
	assert.Equal(t, result[0].Y, 100.0)
}

func TestZOrderFrontAndBackPreserveRelativeOrder(t *testing.T) {
	nodes := []canvas.Node{
		withZ(canvas.NewRect("a", 0, 0, 10, 10), 0),
		withZ(canvas.NewRect("b", 0, 0, 10, 10), 1),
		withZ(canvas.NewRect("c", 0, 0, 10, 10), 2),
		withZ(canvas.NewRect("d", 0, 0, 10, 10), 3),
	}

	front := ZOrder(nodes, []string{"b", "a"}, ZFront)
	assert.Equal(t, front[0].ZIndex, 4)
	assert.Equal(t, front[1].ZIndex, 5)
	assert.Equal(t, front[3].ZIndex, 3)

	back := ZOrder(nodes, []string{"d", "c"}, ZBack)
	assert.Equal(t, back[2].ZIndex, -2)
	assert.Equal(t, back[3].ZIndex, -1)
	assert.Equal(t, back[0].ZIndex, 0)

	assert.Equal(t, nodes[0].ZIndex, 0)
}

func TestZOrderStepMayTie(t *testing.T) {
	nodes := []canvas.Node{
		withZ(canvas.NewRect("a", 0, 0, 10, 10), 0),
		withZ(canvas.NewRect("b", 0, 0, 10, 10), 1),
	}
	forward := ZOrder(nodes, []string{"a"}, ZForward)
	assert.Equal(t, forward[0].ZIndex, 1)
	assert.Equal(t, forward[1].ZIndex, 1)

	backward := ZOrder(nodes, []string{"b"}, ZBackward)
	assert.Equal(t, backward[1].ZIndex, 0)

	sorted := SortByZ(forward)
	assert.Equal(t, sorted[0].ID, "a")
	assert.Equal(t, NextZIndex(nodes), 2)
}

func TestResizeBoxFloorsAtMinimum(t *testing.T) {
	box := Box{X: 10, Y: 10, Width: 100, Height: 50}

	shrunk := ResizeBox(box, HandleBottomRight, -500, -500, 0)
	assert.Equal(t, shrunk, Box{X: 10, Y: 10, Width: canvas.MinSize, Height: canvas.MinSize})

	fromLeft := ResizeBox(box, HandleLeft, 500, 0, 0)
	assert.Equal(t, fromLeft.Right(), box.Right())
	assert.Equal(t, fromLeft.Width, canvas.MinSize)
	assert.Equal(t, fromLeft.Height, box.Height)

	grown := ResizeBox(box, HandleTopLeft, -10, -10, 0)
	assert.Equal(t, grown, Box{X: 0, Y: 0, Width: 110, Height: 60})
}

func TestResizeBoxSnapsMovingEdges(t *testing.T) {
	box := Box{X: 0, Y: 0, Width: 100, Height: 100}
	snapped := ResizeBox(box, HandleRight, 13, 0, 10)
	assert.Equal(t, snapped.Width, 110.0)
}

func TestScaleNodesAboutAnchor(t *testing.T) {
	from := Box{X: 0, Y: 0, Width: 100, Height: 100}
	to := ResizeBox(from, HandleBottomRight, 100, 0, 0)
	nodes := []canvas.Node{
		canvas.NewRect("a", 0, 0, 50, 50),
		canvas.NewRect("b", 50, 50, 50, 50),
	}

	scaled := ScaleNodes(nodes, from, to)

	assert.Equal(t, scaled[0].X, 0.0)
	assert.Equal(t, scaled[0].Width, 100.0)
	assert.Equal(t, scaled[1].X, 100.0)
	assert.Equal(t, scaled[1].Y, 50.0)
	assert.Equal(t, nodes[1].X, 50.0)
}

func TestScaleNodesFloorsTinyResults(t *testing.T) {
	from := Box{X: 0, Y: 0, Width: 100, Height: 100}
	to := Box{X: 0, Y: 0, Width: 1, Height: 1}
	scaled := ScaleNodes([]canvas.Node{canvas.NewRect("a", 0, 0, 100, 100)}, from, to)
	assert.Equal(t, scaled[0].Width, canvas.MinSize)
	assert.Equal(t, scaled[0].Height, canvas.MinSize)
}

func TestSnapToGrid(t *testing.T) {
	assert.Equal(t, SnapToGrid(14, 10), 10.0)
	assert.Equal(t, SnapToGrid(15, 10), 20.0)
	assert.Equal(t, SnapToGrid(14, 0), 14.0)
}

func TestSmartGuidesPicksNearestLine(t *testing.T) {
	moving := Box{X: 103, Y: 48, Width: 20, Height: 20}
	others := []Box{{X: 0, Y: 0, Width: 100, Height: 50}}

	snap := SmartGuides(moving, others, 5)

	assert.Equal(t, snap.DX, -3.0)
	assert.Equal(t, snap.DY, 2.0)
	assert.Equal(t, len(snap.Guides), 2)
	assert.Equal(t, snap.Guides[0], Guide{Orientation: Vertical, Position: 100})

	none := SmartGuides(Box{X: 500, Y: 500, Width: 10, Height: 10}, others, 5)
	assert.Equal(t, len(none.Guides), 0)
}

func TestSnapResizeMovesOnlyDraggedEdges(t *testing.T) {
	from := Box{X: 0, Y: 0, Width: 50, Height: 50}
	others := []Box{{X: 100, Y: 0, Width: 40, Height: 80}}

	to, snap := SnapResize(from, HandleBottomRight, 47, 27, 0, others, 5)
	assert.Equal(t, to, Box{X: 0, Y: 0, Width: 100, Height: 80})
	assert.Equal(t, snap.DX, 3.0)
	assert.Equal(t, snap.DY, 3.0)

	to, snap = SnapResize(from, HandleRight, 47, 27, 0, others, 5)
	assert.Equal(t, to, Box{X: 0, Y: 0, Width: 100, Height: 50})
	assert.Equal(t, snap.DY, 0.0)
	assert.Equal(t, len(snap.Guides), 1)

	to, _ = SnapResize(from, HandleBottomRight, 47, 27, 0, others, 0)
	assert.Equal(t, to, Box{X: 0, Y: 0, Width: 97, Height: 77})
}

func TestBoundingBox(t *testing.T) {
	box, ok := BoundingBox(threeNodes())
	assert.Equal(t, ok, true)
	assert.Equal(t, box, Box{X: 0, Y: 0, Width: 130, Height: 70})

	_, ok = BoundingBox(nil)
	assert.Equal(t, ok, false)
	assert.Equal(t, math.IsInf(box.Width, 0), false)
}

func withZ(node canvas.Node, z int) canvas.Node {
	node.ZIndex = z
	return node
}
