package layout

import (
	"sort"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

// ZOp enumerates z-order operations.
type ZOp string

const (
	ZFront    ZOp = "front"
	ZBack     ZOp = "back"
	ZForward  ZOp = "forward"
	ZBackward ZOp = "backward"
)

// ZOrder reassigns zIndex values of the selected nodes. Front and back keep the
// relative order of the selection; forward and backward may produce equal
// zIndex values, which is fine for a sort key.
func ZOrder(nodes []canvas.Node, selectedIDs []string, op ZOp) []canvas.Node {
	selected := selectedIndexes(nodes, selectedIDs)
	if len(selected) == 0 {
		return nodes
	}
	result := append([]canvas.Node(nil), nodes...)

	switch op {
	case ZForward:
		for _, index := range selected {
			result[index].ZIndex++
		}
		return result
	case ZBackward:
		for _, index := range selected {
			result[index].ZIndex--
		}
		return result
	case ZFront, ZBack:
	default:
		return nodes
	}

	order := append([]int(nil), selected...)
	sort.SliceStable(order, func(i, j int) bool {
		return result[order[i]].ZIndex < result[order[j]].ZIndex
	})

	minZ, maxZ := result[0].ZIndex, result[0].ZIndex
	for _, node := range result {
		if node.ZIndex < minZ {
			minZ = node.ZIndex
		}
		if node.ZIndex > maxZ {
			maxZ = node.ZIndex
		}
	}

	for position, index := range order {
		if op == ZFront {
			result[index].ZIndex = maxZ + 1 + position
		} else {
			result[index].ZIndex = minZ - len(order) + position
		}
	}
	return result
}

// SortByZ returns a copy of nodes ordered by zIndex, stable for equal values.
func SortByZ(nodes []canvas.Node) []canvas.Node {
	sorted := append([]canvas.Node(nil), nodes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ZIndex < sorted[j].ZIndex
	})
	return sorted
}

// NextZIndex returns a zIndex above every node.
func NextZIndex(nodes []canvas.Node) int {
	if len(nodes) == 0 {
		return 0
	}
	maxZ := nodes[0].ZIndex
	for _, node := range nodes[1:] {
		if node.ZIndex > maxZ {
			maxZ = node.ZIndex
		}
	}
	return maxZ + 1
}
