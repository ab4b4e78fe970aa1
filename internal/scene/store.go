// Package scene holds the client-local scene graph: nodes, selection, viewport
// and interaction mode. Every mutator is synchronous and never fails.
package scene

import (
	"math"
	"sync"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

// Mode is the current pointer interaction mode.
type Mode string

const (
	ModeIdle      Mode = "idle"
	ModePanning   Mode = "panning"
	ModeMarquee   Mode = "marquee"
	ModeTransform Mode = "transform"
)

// Point is a canvas-space coordinate.
type Point struct {
	X float64
	Y float64
}

// Viewport is the client-local camera. It is never persisted or shared.
type Viewport struct {
	Scale    float64
	Position Point
}

// Snapshot is an immutable view of the store.
type Snapshot struct {
	Nodes     []canvas.Node
	Selection []string
	Viewport  Viewport
	Mode      Mode
	Revision  uint64
}

// Store is the in-memory source of truth for what is rendered.
type Store struct {
	mu        sync.RWMutex
	nodes     []canvas.Node
	selection []string
	viewport  Viewport
	mode      Mode
	revision  uint64
	listeners []func(Snapshot)
}

// NewStore constructs an empty store at scale 1.
func NewStore() *Store {
	return &Store{
		viewport: Viewport{Scale: 1},
		mode:     ModeIdle,
	}
}

// OnChange registers fn to run after every mutation. Listeners run synchronously
// on the mutating goroutine and must not call back into the store.
func (s *Store) OnChange(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Nodes returns a copy of the node list.
func (s *Store) Nodes() []canvas.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]canvas.Node(nil), s.nodes...)
}

// Node returns the node with id.
func (s *Store) Node(id string) (canvas.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, node := range s.nodes {
		if node.ID == id {
			return node, true
		}
	}
	return canvas.Node{}, false
}

// Selection returns the selected ids in selection order.
func (s *Store) Selection() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.selection...)
}

// SelectedNodes returns the selected nodes in scene order.
func (s *Store) SelectedNodes() []canvas.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	selected := s.selectedSetLocked()
	nodes := make([]canvas.Node, 0, len(selected))
	for _, node := range s.nodes {
		if _, ok := selected[node.ID]; ok {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// Viewport returns the current viewport.
func (s *Store) Viewport() Viewport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewport
}

// Mode returns the interaction mode.
func (s *Store) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Revision counts mutations applied to the store.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// SetNodes replaces the node list. Selected ids that no longer exist are dropped.
func (s *Store) SetNodes(nodes []canvas.Node) {
	s.mutate(func() {
		s.nodes = append([]canvas.Node(nil), nodes...)
		s.pruneSelectionLocked()
	})
}

// Reconcile replaces the node list with merge's result. merge receives a copy
// of the current nodes and runs under the store's lock, so no mutation can land
// between the read and the write; it must not call back into the store.
func (s *Store) Reconcile(merge func(current []canvas.Node) []canvas.Node) {
	if merge == nil {
		return
	}
	s.mutate(func() {
		s.nodes = append([]canvas.Node(nil), merge(append([]canvas.Node(nil), s.nodes...))...)
		s.pruneSelectionLocked()
	})
}

// AddNode appends node, replacing any node with the same id.
func (s *Store) AddNode(node canvas.Node) {
	s.mutate(func() {
		for index := range s.nodes {
			if s.nodes[index].ID == node.ID {
				s.nodes = replaceAt(s.nodes, index, node)
				return
			}
		}
		next := make([]canvas.Node, 0, len(s.nodes)+1)
		next = append(next, s.nodes...)
		s.nodes = append(next, node)
	})
}

// UpdateNode applies patch to the node with id. Unknown ids are ignored.
func (s *Store) UpdateNode(id string, patch canvas.Patch) {
	s.mutate(func() {
		for index := range s.nodes {
			if s.nodes[index].ID == id {
				s.nodes = replaceAt(s.nodes, index, patch.Apply(s.nodes[index]))
				return
			}
		}
	})
}

// UpdateSelectedNodes applies transform to every selected node and leaves the
// rest untouched.
func (s *Store) UpdateSelectedNodes(transform func(canvas.Node) canvas.Node) {
	if transform == nil {
		return
	}
	s.mutate(func() {
		selected := s.selectedSetLocked()
		if len(selected) == 0 {
			return
		}
		next := make([]canvas.Node, len(s.nodes))
		for index, node := range s.nodes {
			if _, ok := selected[node.ID]; ok {
				updated := transform(node)
				updated.ID = node.ID
				next[index] = updated
				continue
			}
			next[index] = node
		}
		s.nodes = next
	})
}

// RemoveSelectedNodes deletes every selected node and clears the selection.
func (s *Store) RemoveSelectedNodes() {
	s.mutate(func() {
		selected := s.selectedSetLocked()
		s.nodes = filterNodes(s.nodes, func(node canvas.Node) bool {
			_, ok := selected[node.ID]
			return !ok
		})
		s.selection = nil
	})
}

// NudgeSelected moves every selected node by dx, dy.
func (s *Store) NudgeSelected(dx, dy float64) {
	s.UpdateSelectedNodes(func(node canvas.Node) canvas.Node {
		node.X += dx
		node.Y += dy
		return node
	})
}

// SetSelection replaces the selection with ids, de-duplicated in order.
func (s *Store) SetSelection(ids ...string) {
	s.mutate(func() {
		s.selection = appendUnique(nil, ids...)
	})
}

// AddToSelection appends ids that are not already selected.
func (s *Store) AddToSelection(ids ...string) {
	s.mutate(func() {
		s.selection = appendUnique(append([]string(nil), s.selection...), ids...)
	})
}

// RemoveFromSelection drops ids from the selection.
func (s *Store) RemoveFromSelection(ids ...string) {
	s.mutate(func() {
		removed := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			removed[id] = struct{}{}
		}
		next := make([]string, 0, len(s.selection))
		for _, id := range s.selection {
			if _, ok := removed[id]; !ok {
				next = append(next, id)
			}
		}
		s.selection = next
	})
}

// ClearSelection empties the selection.
func (s *Store) ClearSelection() {
	s.mutate(func() {
		s.selection = nil
	})
}

// SetViewport replaces the viewport. A non-positive scale keeps the current scale.
func (s *Store) SetViewport(viewport Viewport) {
	s.mutate(func() {
		if validScale(viewport.Scale) {
			s.viewport.Scale = viewport.Scale
		}
		s.viewport.Position = viewport.Position
	})
}

// SetScale updates the zoom factor. Non-positive values are ignored.
func (s *Store) SetScale(scale float64) {
	s.mutate(func() {
		if validScale(scale) {
			s.viewport.Scale = scale
		}
	})
}

// SetPosition updates the viewport offset.
func (s *Store) SetPosition(position Point) {
	s.mutate(func() {
		s.viewport.Position = position
	})
}

// SetMode updates the interaction mode.
func (s *Store) SetMode(mode Mode) {
	s.mutate(func() {
		switch mode {
		case ModeIdle, ModePanning, ModeMarquee, ModeTransform:
			s.mode = mode
		}
	})
}

func (s *Store) mutate(apply func()) {
	s.mu.Lock()
	apply()
	s.revision++
	snapshot := s.snapshotLocked()
	listeners := append(([]func(Snapshot))(nil), s.listeners...)
	s.mu.Unlock()

	for _, listener := range listeners {
		listener(snapshot)
	}
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Nodes:     append([]canvas.Node(nil), s.nodes...),
		Selection: append([]string(nil), s.selection...),
		Viewport:  s.viewport,
		Mode:      s.mode,
		Revision:  s.revision,
	}
}

func (s *Store) selectedSetLocked() map[string]struct{} {
	selected := make(map[string]struct{}, len(s.selection))
	for _, id := range s.selection {
		selected[id] = struct{}{}
	}
	return selected
}

func (s *Store) pruneSelectionLocked() {
	if len(s.selection) == 0 {
		return
	}
	present := make(map[string]struct{}, len(s.nodes))
	for _, node := range s.nodes {
		present[node.ID] = struct{}{}
	}
	next := make([]string, 0, len(s.selection))
	for _, id := range s.selection {
		if _, ok := present[id]; ok {
			next = append(next, id)
		}
	}
	s.selection = next
}

func replaceAt(nodes []canvas.Node, index int, node canvas.Node) []canvas.Node {
	next := append([]canvas.Node(nil), nodes...)
	next[index] = node
	return next
}

func filterNodes(nodes []canvas.Node, keep func(canvas.Node) bool) []canvas.Node {
	next := make([]canvas.Node, 0, len(nodes))
	for _, node := range nodes {
		if keep(node) {
			next = append(next, node)
		}
	}
	return next
}

func appendUnique(existing []string, ids ...string) []string {
	seen := make(map[string]struct{}, len(existing)+len(ids))
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		existing = append(existing, id)
	}
	return existing
}

func validScale(scale float64) bool {
	return scale > 0 && !math.IsInf(scale, 0)
}
