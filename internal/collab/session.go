package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/clock"
	"github.com/MarcoPoloResearchLab/canvas/internal/layout"
	"github.com/MarcoPoloResearchLab/canvas/internal/scene"
)

const (
	defaultTextWidth  = 200
	defaultTextHeight = 40
)

var errSessionClosed = errors.New("collab: session closed")

// SessionConfig wires one mounted canvas for one user.
type SessionConfig struct {
	CanvasID    string
	UserID      string
	DisplayName string
	Color       string
	Shapes      ShapeRepository
	// Presence is optional; without it the session has no roster or cursors.
	Presence       PresenceBackend
	Clock          clock.Clock
	IDProvider     canvas.IDProvider
	LockTTL        time.Duration
	DebounceWindow time.Duration
	EchoWindow     time.Duration
	// Grid snaps resized edges when positive.
	Grid float64
	// GuideThreshold snaps dragged and resized shapes onto the edges and
	// centers of other shapes within this distance when positive.
	GuideThreshold float64
	Logger         *zap.Logger
}

// Session is the per-mount composition of the scene store, the sync bridge,
// the writer, the presence channel and the cursor interpolator. Every method
// tags its write with the writer before mutating the store, and leaves remote
// work to the background queues.
type Session struct {
	mu           sync.Mutex
	userID       string
	store        *scene.Store
	writer       *Writer
	bridge       *SyncBridge
	presence     *PresenceChannel
	interpolator *CursorInterpolator
	clock        clock.Clock
	ids          canvas.IDProvider
	grid         float64
	guides       float64
	logger       *zap.Logger
	closed       bool

	drag   *dragState
	resize *resizeState
}

type dragState struct {
	originals []canvas.Node
	dx, dy    float64
	moved     bool
}

type resizeState struct {
	handle    layout.Handle
	originals []canvas.Node
	from      layout.Box
	others    []layout.Box
	dx, dy    float64
	moved     bool
	dirty     bool
	frame     clock.Timer
}

// NewSession builds every collaborator. Nothing touches the network until Start.
func NewSession(cfg SessionConfig) (*Session, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = canvas.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := scene.NewStore()
	writer, err := NewWriter(WriterConfig{
		CanvasID:       cfg.CanvasID,
		UserID:         cfg.UserID,
		Repository:     cfg.Shapes,
		Clock:          clk,
		LockTTL:        cfg.LockTTL,
		DebounceWindow: cfg.DebounceWindow,
		EchoWindow:     cfg.EchoWindow,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	bridge, err := NewSyncBridge(BridgeConfig{
		CanvasID:   cfg.CanvasID,
		UserID:     cfg.UserID,
		Repository: cfg.Shapes,
		Store:      store,
		Clock:      clk,
		Guard:      writer,
		LockTTL:    cfg.LockTTL,
		Logger:     logger,
	})
	if err != nil {
		writer.Close()
		return nil, err
	}

	session := &Session{
		userID:       cfg.UserID,
		store:        store,
		writer:       writer,
		bridge:       bridge,
		interpolator: NewCursorInterpolator(InterpolatorConfig{Clock: clk}),
		clock:        clk,
		ids:          ids,
		grid:         cfg.Grid,
		guides:       cfg.GuideThreshold,
		logger:       logger.With(zap.String("canvas_id", cfg.CanvasID), zap.String("user_id", cfg.UserID)),
	}

	if cfg.Presence != nil {
		presence, presenceErr := NewPresenceChannel(PresenceConfig{
			CanvasID:    cfg.CanvasID,
			UserID:      cfg.UserID,
			DisplayName: cfg.DisplayName,
			Color:       cfg.Color,
			Backend:     cfg.Presence,
			Clock:       clk,
			OnRoster:    session.onRoster,
			Logger:      logger,
		})
		if presenceErr != nil {
			bridge.Close()
			writer.Close()
			return nil, presenceErr
		}
		session.presence = presence
	}
	return session, nil
}

// Store exposes the scene store for rendering.
func (s *Session) Store() *scene.Store { return s.store }

// Writer exposes the shape writer.
func (s *Session) Writer() *Writer { return s.writer }

// Bridge exposes the sync bridge.
func (s *Session) Bridge() *SyncBridge { return s.bridge }

// Presence exposes the presence channel, or nil without a presence backend.
func (s *Session) Presence() *PresenceChannel { return s.presence }

// Interpolator exposes the remote cursor interpolator.
func (s *Session) Interpolator() *CursorInterpolator { return s.interpolator }

// Start loads the canvas, subscribes to shapes and presence and starts the
// cursor frame loop.
func (s *Session) Start(ctx context.Context) error {
	if err := s.bridge.Start(ctx); err != nil {
		return err
	}
	if s.presence != nil {
		if err := s.presence.Start(ctx); err != nil {
			return err
		}
	}
	s.interpolator.Start()
	return nil
}

// SetVisible suspends subscriptions and the cursor loop while hidden.
func (s *Session) SetVisible(visible bool) {
	s.bridge.SetVisible(visible)
	if s.presence != nil {
		s.presence.SetVisible(visible)
	}
	if visible {
		s.interpolator.Start()
	} else {
		s.interpolator.Stop()
	}
}

// Busy reports whether another user is transforming shapeID.
func (s *Session) Busy(shapeID string) bool {
	return s.bridge.Busy(shapeID)
}

// CreateRect adds a rectangle on top of the scene and selects it.
func (s *Session) CreateRect(x, y, width, height float64) (canvas.Node, error) {
	id, err := s.newID()
	if err != nil {
		return canvas.Node{}, err
	}
	return s.create(canvas.NewRect(id, x, y, width, height)), nil
}

// CreateText adds a text node on top of the scene and selects it.
func (s *Session) CreateText(x, y float64, text string) (canvas.Node, error) {
	id, err := s.newID()
	if err != nil {
		return canvas.Node{}, err
	}
	return s.create(canvas.NewText(id, x, y, defaultTextWidth, defaultTextHeight, text)), nil
}

func (s *Session) newID() (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", errSessionClosed
	}
	return s.ids.NewID()
}

func (s *Session) create(node canvas.Node) canvas.Node {
	node.ZIndex = layout.NextZIndex(s.store.Nodes())
	s.writer.Create(node)
	s.store.AddNode(node)
	s.store.SetSelection(node.ID)
	return node
}

// Select replaces the selection.
func (s *Session) Select(ids ...string) {
	s.store.SetSelection(ids...)
}

// BeginDrag starts moving the selection: every selected shape is leased.
func (s *Session) BeginDrag() {
	selected := s.store.SelectedNodes()
	if len(selected) == 0 {
		return
	}
	s.mu.Lock()
	if s.closed || s.drag != nil || s.resize != nil {
		s.mu.Unlock()
		return
	}
	s.drag = &dragState{originals: selected}
	s.mu.Unlock()

	s.store.SetMode(scene.ModeTransform)
	for _, node := range selected {
		s.writer.BeginTransform(node.ID)
	}
}

// DragTo moves the dragged shapes by dx, dy from where the drag began. With a
// guide threshold the offset is corrected so the dragged group lines up with a
// nearby shape.
func (s *Session) DragTo(dx, dy float64) {
	s.mu.Lock()
	drag := s.drag
	s.mu.Unlock()
	if drag == nil {
		return
	}
	if from, ok := layout.BoundingBox(drag.originals); ok {
		moving := layout.Box{X: from.X + dx, Y: from.Y + dy, Width: from.Width, Height: from.Height}
		snap := layout.SmartGuides(moving, s.otherBoxes(drag.originals), s.guides)
		dx += snap.DX
		dy += snap.DY
	}

	s.mu.Lock()
	if s.drag != drag {
		s.mu.Unlock()
		return
	}
	drag.dx, drag.dy = dx, dy
	drag.moved = true
	s.mu.Unlock()

	for _, original := range drag.originals {
		patch := canvas.PositionPatch(original.X+dx, original.Y+dy)
		s.writer.DebouncedUpdate(original.ID, patch)
		s.store.UpdateNode(original.ID, patch)
	}
}

// EndDrag commits the last drag position and releases the leases.
func (s *Session) EndDrag() {
	s.mu.Lock()
	drag := s.drag
	s.drag = nil
	s.mu.Unlock()
	if drag == nil {
		return
	}
	for _, original := range drag.originals {
		patch := canvas.Patch{}
		if drag.moved {
			patch = canvas.PositionPatch(original.X+drag.dx, original.Y+drag.dy)
		}
		s.writer.CommitTransform(original.ID, patch)
	}
	s.store.SetMode(scene.ModeIdle)
}

// otherBoxes returns the boxes of every node outside moving.
func (s *Session) otherBoxes(moving []canvas.Node) []layout.Box {
	if !(s.guides > 0) {
		return nil
	}
	skip := make(map[string]struct{}, len(moving))
	for _, node := range moving {
		skip[node.ID] = struct{}{}
	}
	var boxes []layout.Box
	for _, node := range s.store.Nodes() {
		if _, ok := skip[node.ID]; ok {
			continue
		}
		boxes = append(boxes, layout.NodeBox(node))
	}
	return boxes
}

// BeginResize starts resizing the selection's bounding box from handle.
func (s *Session) BeginResize(handle layout.Handle) {
	selected := s.store.SelectedNodes()
	from, ok := layout.BoundingBox(selected)
	if !ok {
		return
	}
	others := s.otherBoxes(selected)
	s.mu.Lock()
	if s.closed || s.drag != nil || s.resize != nil {
		s.mu.Unlock()
		return
	}
	s.resize = &resizeState{handle: handle, originals: selected, from: from, others: others}
	s.mu.Unlock()

	s.store.SetMode(scene.ModeTransform)
	for _, node := range selected {
		s.writer.BeginTransform(node.ID)
	}
}

// ResizeTo records the pointer offset from where the resize began. The scene
// is updated once on the next frame however many moves arrive before it.
func (s *Session) ResizeTo(dx, dy float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resize := s.resize
	if resize == nil {
		return
	}
	resize.dx, resize.dy = dx, dy
	resize.moved = true
	resize.dirty = true
	if resize.frame == nil {
		resize.frame = s.clock.AfterFunc(clock.FrameInterval, func() { s.resizeFrame(resize) })
	}
}

func (s *Session) resizeFrame(resize *resizeState) {
	s.mu.Lock()
	if s.resize != resize {
		s.mu.Unlock()
		return
	}
	resize.frame = nil
	scaled, ok := s.takeResizeLocked(resize)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.applyResize(scaled, true)
}

func (s *Session) takeResizeLocked(resize *resizeState) ([]canvas.Node, bool) {
	if !resize.dirty {
		return nil, false
	}
	resize.dirty = false
	return s.resizedLocked(resize), true
}

// resizedLocked is the selection scaled to the last recorded pointer offset.
func (s *Session) resizedLocked(resize *resizeState) []canvas.Node {
	to, _ := layout.SnapResize(resize.from, resize.handle, resize.dx, resize.dy, s.grid, resize.others, s.guides)
	return layout.ScaleNodes(resize.originals, resize.from, to)
}

func (s *Session) applyResize(scaled []canvas.Node, debounce bool) {
	byID := make(map[string]canvas.Node, len(scaled))
	for _, node := range scaled {
		byID[node.ID] = node
		if debounce {
			s.writer.DebouncedUpdate(node.ID, canvas.GeometryPatch(node))
		}
	}
	s.store.UpdateSelectedNodes(func(node canvas.Node) canvas.Node {
		if next, ok := byID[node.ID]; ok {
			node.X, node.Y, node.Width, node.Height = next.X, next.Y, next.Width, next.Height
		}
		return node
	})
}

// EndResize applies any move still waiting for a frame, commits the geometry
// of the last recorded offset and releases the leases.
func (s *Session) EndResize() {
	s.mu.Lock()
	resize := s.resize
	s.resize = nil
	var final []canvas.Node
	var pending bool
	if resize != nil {
		if resize.frame != nil {
			resize.frame.Stop()
			resize.frame = nil
		}
		pending = resize.dirty
		resize.dirty = false
		if resize.moved {
			final = s.resizedLocked(resize)
		}
	}
	s.mu.Unlock()
	if resize == nil {
		return
	}

	patches := make(map[string]canvas.Patch, len(final))
	for _, node := range final {
		patches[node.ID] = canvas.GeometryPatch(node)
	}
	for _, original := range resize.originals {
		s.writer.CommitTransform(original.ID, patches[original.ID])
	}
	if pending {
		s.applyResize(final, false)
	}
	s.store.SetMode(scene.ModeIdle)
}

// Align arranges the selection and writes every moved shape.
func (s *Session) Align(op layout.AlignOp) {
	before := s.store.Nodes()
	after := layout.Align(before, s.store.Selection(), op)
	s.replace(before, after, func(prev, next canvas.Node) canvas.Patch {
		if prev.X == next.X && prev.Y == next.Y {
			return canvas.Patch{}
		}
		return canvas.PositionPatch(next.X, next.Y)
	})
}

// ZOrder restacks the selection and writes every changed zIndex.
func (s *Session) ZOrder(op layout.ZOp) {
	before := s.store.Nodes()
	after := layout.ZOrder(before, s.store.Selection(), op)
	s.replace(before, after, func(prev, next canvas.Node) canvas.Patch {
		if prev.ZIndex == next.ZIndex {
			return canvas.Patch{}
		}
		return canvas.Patch{ZIndex: canvas.Int(next.ZIndex)}
	})
}

func (s *Session) replace(before, after []canvas.Node, diff func(prev, next canvas.Node) canvas.Patch) {
	previous := make(map[string]canvas.Node, len(before))
	for _, node := range before {
		previous[node.ID] = node
	}
	patches := make(map[string]canvas.Patch)
	for _, node := range after {
		if prev, ok := previous[node.ID]; ok {
			if patch := diff(prev, node); !patch.IsEmpty() {
				patches[node.ID] = patch
			}
		}
	}
	if len(patches) == 0 {
		return
	}
	for _, node := range after {
		if patch, ok := patches[node.ID]; ok {
			s.writer.Update(node.ID, patch)
		}
	}
	s.store.Reconcile(func(current []canvas.Node) []canvas.Node {
		next := make([]canvas.Node, 0, len(current))
		for _, node := range current {
			if patch, ok := patches[node.ID]; ok {
				node = patch.Apply(node)
			}
			next = append(next, node)
		}
		return next
	})
}

// Nudge moves the selection by dx, dy and writes the new positions.
func (s *Session) Nudge(dx, dy float64) {
	for _, node := range s.store.SelectedNodes() {
		s.writer.Update(node.ID, canvas.PositionPatch(node.X+dx, node.Y+dy))
	}
	s.store.NudgeSelected(dx, dy)
}

// UpdateShape writes patch and applies it locally.
func (s *Session) UpdateShape(shapeID string, patch canvas.Patch) {
	if patch.IsEmpty() {
		return
	}
	s.writer.Update(shapeID, patch)
	s.store.UpdateNode(shapeID, patch)
}

// DeleteSelected removes every selected shape.
func (s *Session) DeleteSelected() {
	selected := s.store.Selection()
	if len(selected) == 0 {
		return
	}
	for _, id := range selected {
		s.writer.Delete(id)
	}
	s.store.RemoveSelectedNodes()
}

// MoveCursor broadcasts the local cursor, subject to the presence rate limit.
func (s *Session) MoveCursor(x, y float64) bool {
	if s.presence == nil {
		return false
	}
	return s.presence.SendCursor(x, y)
}

// Flush waits for every queued remote call.
func (s *Session) Flush() {
	s.writer.Flush()
	if s.presence != nil {
		s.presence.Flush()
	}
}

// Close ends any transform, stops every timer and drains the queues.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.resize != nil && s.resize.frame != nil {
		s.resize.frame.Stop()
	}
	s.resize = nil
	s.drag = nil
	s.mu.Unlock()

	s.interpolator.Stop()
	s.bridge.Close()
	if s.presence != nil {
		s.presence.Close()
	}
	s.writer.Close()
}

func (s *Session) onRoster(records []canvas.PresenceRecord) {
	if s.presence == nil {
		return
	}
	s.interpolator.Sync(records, s.presence.SessionKey())
}
