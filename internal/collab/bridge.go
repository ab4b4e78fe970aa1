package collab

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/clock"
	"github.com/MarcoPoloResearchLab/canvas/internal/scene"
)

// BridgeState is the subscription state of a SyncBridge.
type BridgeState string

const (
	StateUnsubscribed BridgeState = "unsubscribed"
	StateSubscribed   BridgeState = "subscribed"
	StateSuspended    BridgeState = "suspended"
)

// LocalWriteGuard tells the bridge which shapes have local writes in flight.
type LocalWriteGuard interface {
	Protected(shapeID string) bool
}

// BridgeConfig describes the bridge of one mounted canvas.
type BridgeConfig struct {
	CanvasID   string
	UserID     string
	Repository ShapeRepository
	Store      *scene.Store
	Clock      clock.Clock
	Guard      LocalWriteGuard
	LockTTL    time.Duration
	Logger     *zap.Logger
}

// SyncBridge mirrors the remote shapes of a canvas into a scene store. Snapshots
// arriving within one frame are coalesced and only the latest is applied.
type SyncBridge struct {
	mu          sync.Mutex
	canvasID    string
	userID      string
	repository  ShapeRepository
	store       *scene.Store
	clock       clock.Clock
	guard       LocalWriteGuard
	lockTTL     time.Duration
	logger      *zap.Logger
	ctx         context.Context
	state       BridgeState
	unsubscribe func()
	generation  uint64
	pending     []canvas.Shape
	hasPending  bool
	frame       clock.Timer
	locks       map[string]canvas.LockedBy
	applied     int
	closed      bool
}

// NewSyncBridge constructs an unsubscribed bridge.
func NewSyncBridge(cfg BridgeConfig) (*SyncBridge, error) {
	if cfg.Repository == nil {
		return nil, errMissingRepository
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = canvas.DefaultLockTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncBridge{
		canvasID:   cfg.CanvasID,
		userID:     cfg.UserID,
		repository: cfg.Repository,
		store:      cfg.Store,
		clock:      clk,
		guard:      cfg.Guard,
		lockTTL:    ttl,
		logger:     logger.With(zap.String("canvas_id", cfg.CanvasID)),
		state:      StateUnsubscribed,
		locks:      make(map[string]canvas.LockedBy),
	}, nil
}

// Start loads the canvas once and subscribes to changes. With an empty canvas
// id it does nothing. A failed initial load is logged; the subscription's first
// snapshot covers it.
func (b *SyncBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed || b.canvasID == "" || b.state != StateUnsubscribed {
		b.mu.Unlock()
		return nil
	}
	b.ctx = ctx
	b.mu.Unlock()

	shapes, err := b.repository.List(ctx, b.canvasID)
	if err != nil {
		b.logger.Warn("initial shape load failed", zap.Error(err))
	} else {
		b.apply(shapes)
	}

	return b.subscribe()
}

// SetVisible suspends the subscription while hidden and resubscribes when
// visible again.
func (b *SyncBridge) SetVisible(visible bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if visible {
		suspended := b.state == StateSuspended
		b.mu.Unlock()
		if suspended {
			if err := b.subscribe(); err != nil {
				b.logger.Warn("shape resubscribe failed", zap.Error(err))
			}
		}
		return
	}
	if b.state != StateSubscribed {
		b.mu.Unlock()
		return
	}
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.generation++
	b.state = StateSuspended
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Close unsubscribes and cancels the pending frame.
func (b *SyncBridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.generation++
	b.state = StateUnsubscribed
	if b.frame != nil {
		b.frame.Stop()
		b.frame = nil
	}
	b.pending = nil
	b.hasPending = false
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// State reports the subscription state.
func (b *SyncBridge) State() BridgeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Applied counts snapshots written to the store.
func (b *SyncBridge) Applied() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applied
}

// Busy reports whether another user holds a fresh lease on shapeID according
// to the last applied snapshot.
func (b *SyncBridge) Busy(shapeID string) bool {
	b.mu.Lock()
	lock, ok := b.locks[shapeID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	shape := canvas.Shape{LockedBy: &lock}
	return shape.LockedByOther(b.userID, b.clock.Now(), b.lockTTL)
}

// subscribe opens a subscription outside the lock. A subscription that was
// superseded while opening is closed right away.
func (b *SyncBridge) subscribe() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.generation++
	generation := b.generation
	b.state = StateSubscribed
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Unlock()

	unsubscribe, err := b.repository.Subscribe(ctx, b.canvasID, func(shapes []canvas.Shape) {
		b.receive(generation, shapes)
	})

	b.mu.Lock()
	if err != nil {
		if b.generation == generation {
			b.state = StateUnsubscribed
		}
		b.mu.Unlock()
		return err
	}
	if b.generation != generation {
		b.mu.Unlock()
		unsubscribe()
		return nil
	}
	b.unsubscribe = unsubscribe
	b.mu.Unlock()
	return nil
}

func (b *SyncBridge) receive(generation uint64, shapes []canvas.Shape) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || generation != b.generation {
		return
	}
	b.pending = shapes
	b.hasPending = true
	if b.frame == nil {
		b.frame = b.clock.AfterFunc(clock.FrameInterval, b.flush)
	}
}

func (b *SyncBridge) flush() {
	b.mu.Lock()
	shapes := b.pending
	ready := b.hasPending && !b.closed
	b.pending = nil
	b.hasPending = false
	b.frame = nil
	b.mu.Unlock()

	if ready {
		b.apply(shapes)
	}
}

// apply replaces the store's nodes with the snapshot. Protected shapes keep
// their local state: present, absent, or not yet known remotely. The merge runs
// inside the store so local edits made meanwhile are not overwritten.
func (b *SyncBridge) apply(shapes []canvas.Shape) {
	locks := make(map[string]canvas.LockedBy)
	for _, shape := range shapes {
		if shape.LockedBy != nil {
			locks[shape.Node.ID] = *shape.LockedBy
		}
	}

	b.store.Reconcile(func(existing []canvas.Node) []canvas.Node {
		local := make(map[string]canvas.Node, len(existing))
		for _, node := range existing {
			local[node.ID] = node
		}
		nodes := make([]canvas.Node, 0, len(shapes))
		seen := make(map[string]struct{}, len(shapes))
		for _, shape := range shapes {
			id := shape.Node.ID
			seen[id] = struct{}{}
			if b.protected(id) {
				if current, ok := local[id]; ok {
					nodes = append(nodes, current)
				}
				continue
			}
			nodes = append(nodes, shape.Node)
		}
		for _, node := range existing {
			if _, ok := seen[node.ID]; ok {
				continue
			}
			if b.protected(node.ID) {
				nodes = append(nodes, node)
			}
		}
		return nodes
	})

	b.mu.Lock()
	b.locks = locks
	b.applied++
	b.mu.Unlock()
}

func (b *SyncBridge) protected(shapeID string) bool {
	return b.guard != nil && b.guard.Protected(shapeID)
}
