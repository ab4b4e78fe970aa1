package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/clock"
)

const (
	// DefaultDebounceWindow is the quiet period before an intermediate patch is sent.
	DefaultDebounceWindow = 75 * time.Millisecond
	// renewalFraction of the lease TTL elapses between refreshes.
	renewalFraction = 0.6
)

var (
	errMissingRepository = errors.New("collab: shape repository is required")
	errMissingStore      = errors.New("collab: scene store is required")
)

// WriterConfig describes one client's writer for one canvas.
type WriterConfig struct {
	CanvasID       string
	UserID         string
	Repository     ShapeRepository
	Clock          clock.Clock
	LockTTL        time.Duration
	DebounceWindow time.Duration
	EchoWindow     time.Duration
	Logger         *zap.Logger
}

// Writer sends local edits to the repository. Intermediate transform patches
// are debounced per shape, leases are renewed while a transform is held, and
// every remote call runs on an ordered background queue so callers never block.
type Writer struct {
	mu         sync.Mutex
	canvasID   string
	userID     string
	repository ShapeRepository
	clock      clock.Clock
	lockTTL    time.Duration
	debounce   time.Duration
	echo       *echoTags
	outbox     *outbox
	logger     *zap.Logger
	transforms map[string]*heldLease
	pending    map[string]*pendingPatch
	closed     bool
}

type heldLease struct {
	timer clock.Timer
}

type pendingPatch struct {
	timer clock.Timer
	patch canvas.Patch
}

// NewWriter constructs a Writer. Its background queue runs until Close.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Repository == nil {
		return nil, errMissingRepository
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = canvas.DefaultLockTTL
	}
	window := cfg.DebounceWindow
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("canvas_id", cfg.CanvasID))

	return &Writer{
		canvasID:   cfg.CanvasID,
		userID:     cfg.UserID,
		repository: cfg.Repository,
		clock:      clk,
		lockTTL:    ttl,
		debounce:   window,
		echo:       newEchoTags(clk, cfg.EchoWindow),
		outbox:     newOutbox(logger),
		logger:     logger,
		transforms: make(map[string]*heldLease),
		pending:    make(map[string]*pendingPatch),
	}, nil
}

// RenewalInterval is how often a held lease is refreshed.
func (w *Writer) RenewalInterval() time.Duration {
	return time.Duration(float64(w.lockTTL) * renewalFraction)
}

// BeginTransform acquires the lease on shapeID and keeps renewing it until
// CommitTransform. Beginning an already held transform does nothing.
func (w *Writer) BeginTransform(shapeID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.usableLocked(shapeID) {
		return
	}
	if _, held := w.transforms[shapeID]; held {
		return
	}
	w.enqueueLocked("shapes.set_lock", shapeID, func(ctx context.Context) error {
		return w.repository.SetLock(ctx, w.canvasID, shapeID, w.userID)
	})
	lease := &heldLease{}
	lease.timer = w.clock.AfterFunc(w.RenewalInterval(), w.renewal(shapeID, lease))
	w.transforms[shapeID] = lease
}

func (w *Writer) renewal(shapeID string, lease *heldLease) func() {
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed || w.transforms[shapeID] != lease {
			return
		}
		w.enqueueLocked("shapes.refresh_lock", shapeID, func(ctx context.Context) error {
			return w.repository.RefreshLock(ctx, w.canvasID, shapeID, w.userID)
		})
		lease.timer = w.clock.AfterFunc(w.RenewalInterval(), w.renewal(shapeID, lease))
	}
}

// DebouncedUpdate schedules patch for shapeID, restarting the quiet window.
// Patches within one window are merged, so the write carries the latest values.
func (w *Writer) DebouncedUpdate(shapeID string, patch canvas.Patch) {
	if patch.IsEmpty() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.usableLocked(shapeID) {
		return
	}
	w.echo.tag(shapeID)

	entry, ok := w.pending[shapeID]
	if ok {
		entry.timer.Stop()
		entry.patch = entry.patch.Merge(patch)
	} else {
		entry = &pendingPatch{patch: patch}
		w.pending[shapeID] = entry
	}
	entry.timer = w.clock.AfterFunc(w.debounce, w.flushPending(shapeID, entry))
}

func (w *Writer) flushPending(shapeID string, entry *pendingPatch) func() {
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed || w.pending[shapeID] != entry {
			return
		}
		delete(w.pending, shapeID)
		w.sendUpdateLocked(shapeID, entry.patch)
	}
}

// CommitTransform sends the final patch immediately, cancelling any pending
// debounced write, stops renewing the lease and releases it.
func (w *Writer) CommitTransform(shapeID string, patch canvas.Patch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.usableLocked(shapeID) {
		return
	}
	final := patch
	if entry, ok := w.pending[shapeID]; ok {
		entry.timer.Stop()
		delete(w.pending, shapeID)
		final = entry.patch.Merge(patch)
	}
	if !final.IsEmpty() {
		w.sendUpdateLocked(shapeID, final)
	}
	if lease, ok := w.transforms[shapeID]; ok {
		lease.timer.Stop()
		delete(w.transforms, shapeID)
	}
	w.enqueueLocked("shapes.clear_lock", shapeID, func(ctx context.Context) error {
		return w.repository.ClearLock(ctx, w.canvasID, shapeID)
	})
}

// Update writes patch immediately without debouncing or leasing.
func (w *Writer) Update(shapeID string, patch canvas.Patch) {
	if patch.IsEmpty() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.usableLocked(shapeID) {
		return
	}
	w.sendUpdateLocked(shapeID, patch)
}

// Create persists a new node.
func (w *Writer) Create(node canvas.Node) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.usableLocked(node.ID) {
		return
	}
	w.echo.tag(node.ID)
	w.enqueueLocked("shapes.create", node.ID, func(ctx context.Context) error {
		_, err := w.repository.Create(ctx, w.canvasID, canvas.Shape{Node: node})
		return err
	})
}

// Delete removes a shape remotely and drops any pending work for it.
func (w *Writer) Delete(shapeID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.usableLocked(shapeID) {
		return
	}
	if entry, ok := w.pending[shapeID]; ok {
		entry.timer.Stop()
		delete(w.pending, shapeID)
	}
	if lease, ok := w.transforms[shapeID]; ok {
		lease.timer.Stop()
		delete(w.transforms, shapeID)
	}
	w.echo.tag(shapeID)
	w.enqueueLocked("shapes.delete", shapeID, func(ctx context.Context) error {
		return w.repository.Delete(ctx, w.canvasID, shapeID)
	})
}

// Protected reports whether a remote snapshot must not overwrite the local
// node: the shape is under transform, has a pending write, or was written
// within the echo window.
func (w *Writer) Protected(shapeID string) bool {
	w.mu.Lock()
	_, pending := w.pending[shapeID]
	w.mu.Unlock()
	return pending || w.transforming(shapeID) || w.echo.active(shapeID)
}

// transforming reports whether the writer holds the lease on shapeID.
func (w *Writer) transforming(shapeID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.transforms[shapeID]
	return ok
}

// Flush blocks until every queued remote call has completed. Pending debounced
// patches are not forced out.
func (w *Writer) Flush() {
	w.outbox.wait()
}

// Close sends pending patches, releases held leases and drains the queue.
// Later calls are ignored.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	for shapeID, entry := range w.pending {
		entry.timer.Stop()
		w.sendUpdateLocked(shapeID, entry.patch)
	}
	for shapeID, lease := range w.transforms {
		lease.timer.Stop()
		id := shapeID
		w.enqueueLocked("shapes.clear_lock", id, func(ctx context.Context) error {
			return w.repository.ClearLock(ctx, w.canvasID, id)
		})
	}
	w.pending = make(map[string]*pendingPatch)
	w.transforms = make(map[string]*heldLease)
	w.closed = true
	w.mu.Unlock()

	w.outbox.close()
	w.echo.clear()
}

func (w *Writer) sendUpdateLocked(shapeID string, patch canvas.Patch) {
	w.echo.tag(shapeID)
	w.enqueueLocked("shapes.update", shapeID, func(ctx context.Context) error {
		_, err := w.repository.Update(ctx, w.canvasID, shapeID, patch)
		return err
	})
}

func (w *Writer) enqueueLocked(operation, shapeID string, run func(context.Context) error) {
	w.outbox.enqueue(operation, run, zap.String("shape_id", shapeID))
}

func (w *Writer) usableLocked(shapeID string) bool {
	return !w.closed && w.canvasID != "" && shapeID != ""
}
