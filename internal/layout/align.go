// Package layout implements pure geometry over canvas nodes: alignment,
// distribution, z-order and resize math. Functions never mutate their inputs.
package layout

import (
	"math"
	"sort"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

// AlignOp enumerates alignment and distribution operations.
type AlignOp string

const (
	AlignLeft    AlignOp = "left"
	AlignRight   AlignOp = "right"
	AlignCenterX AlignOp = "centerX"
	AlignTop     AlignOp = "top"
	AlignBottom  AlignOp = "bottom"
	AlignMiddleY AlignOp = "middleY"
	DistributeH  AlignOp = "distributeH"
	DistributeV  AlignOp = "distributeV"
)

// Box is an axis-aligned rectangle.
type Box struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Right returns the box's right edge.
func (b Box) Right() float64 { return b.X + b.Width }

// Bottom returns the box's bottom edge.
func (b Box) Bottom() float64 { return b.Y + b.Height }

// CenterX returns the horizontal center.
func (b Box) CenterX() float64 { return b.X + b.Width/2 }

// CenterY returns the vertical center.
func (b Box) CenterY() float64 { return b.Y + b.Height/2 }

// NodeBox returns the bounds of node.
func NodeBox(node canvas.Node) Box {
	return Box{X: node.X, Y: node.Y, Width: node.Width, Height: node.Height}
}

// BoundingBox returns the smallest box enclosing nodes. ok is false for no nodes.
func BoundingBox(nodes []canvas.Node) (box Box, ok bool) {
	if len(nodes) == 0 {
		return Box{}, false
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, node := range nodes {
		minX = math.Min(minX, node.X)
		minY = math.Min(minY, node.Y)
		maxX = math.Max(maxX, node.X+node.Width)
		maxY = math.Max(maxY, node.Y+node.Height)
	}
	return Box{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}, true
}

// Align repositions the selected nodes according to op. With fewer than two
// selected nodes the input slice is returned unchanged.
func Align(nodes []canvas.Node, selectedIDs []string, op AlignOp) []canvas.Node {
	selected := selectedIndexes(nodes, selectedIDs)
	if len(selected) < 2 {
		return nodes
	}
	picked := make([]canvas.Node, 0, len(selected))
	for _, index := range selected {
		picked = append(picked, nodes[index])
	}
	bounds, _ := BoundingBox(picked)

	result := append([]canvas.Node(nil), nodes...)
	switch op {
	case DistributeH:
		distribute(result, selected, bounds.X, bounds.Width,
			func(n canvas.Node) float64 { return n.X },
			func(n canvas.Node) float64 { return n.Width },
			func(n *canvas.Node, v float64) { n.X = v })
		return result
	case DistributeV:
		distribute(result, selected, bounds.Y, bounds.Height,
			func(n canvas.Node) float64 { return n.Y },
			func(n canvas.Node) float64 { return n.Height },
			func(n *canvas.Node, v float64) { n.Y = v })
		return result
	}

	for _, index := range selected {
		node := &result[index]
		switch op {
		case AlignLeft:
			node.X = bounds.X
		case AlignRight:
			node.X = bounds.Right() - node.Width
		case AlignCenterX:
			node.X = bounds.CenterX() - node.Width/2
		case AlignTop:
			node.Y = bounds.Y
		case AlignBottom:
			node.Y = bounds.Bottom() - node.Height
		case AlignMiddleY:
			node.Y = bounds.CenterY() - node.Height/2
		default:
			return nodes
		}
	}
	return result
}

func distribute(
	nodes []canvas.Node,
	selected []int,
	start, span float64,
	position func(canvas.Node) float64,
	extent func(canvas.Node) float64,
	set func(*canvas.Node, float64),
) {
	order := append([]int(nil), selected...)
	sort.SliceStable(order, func(i, j int) bool {
		return position(nodes[order[i]]) < position(nodes[order[j]])
	})

	occupied := 0.0
	for _, index := range order {
		occupied += extent(nodes[index])
	}
	gap := (span - occupied) / float64(len(order)-1)

	cursor := start
	for _, index := range order {
		set(&nodes[index], cursor)
		cursor += extent(nodes[index]) + gap
	}
}

func selectedIndexes(nodes []canvas.Node, selectedIDs []string) []int {
	if len(selectedIDs) == 0 {
		return nil
	}
	wanted := make(map[string]struct{}, len(selectedIDs))
	for _, id := range selectedIDs {
		wanted[id] = struct{}{}
	}
	indexes := make([]int, 0, len(selectedIDs))
	for index, node := range nodes {
		if _, ok := wanted[node.ID]; ok {
			indexes = append(indexes, index)
		}
	}
	return indexes
}
