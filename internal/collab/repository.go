// Package collab is the client-side collaboration engine for one mounted
// canvas: it mirrors remote shapes into a scene store, writes local edits back
// under advisory leases, and broadcasts presence and cursors.
package collab

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

// ErrPermissionDenied marks a remote rejection caused by missing rights, such
// as writes racing a logout. It is logged at debug level and otherwise ignored.
var ErrPermissionDenied = errors.New("collab: permission denied")

// ShapeRepository is the remote shape collection of every canvas.
type ShapeRepository interface {
	Create(ctx context.Context, canvasID string, shape canvas.Shape) (canvas.Shape, error)
	Update(ctx context.Context, canvasID, shapeID string, patch canvas.Patch) (canvas.Shape, error)
	Delete(ctx context.Context, canvasID, shapeID string) error
	// List returns the shapes of a canvas ordered by zIndex.
	List(ctx context.Context, canvasID string) ([]canvas.Shape, error)
	// Subscribe calls fn with a full snapshot whenever the canvas changes. It
	// must not block on network I/O.
	Subscribe(ctx context.Context, canvasID string, fn func([]canvas.Shape)) (func(), error)
	SetLock(ctx context.Context, canvasID, shapeID, userID string) error
	RefreshLock(ctx context.Context, canvasID, shapeID, userID string) error
	ClearLock(ctx context.Context, canvasID, shapeID string) error
}

// PresenceBackend stores ephemeral presence records. Implementations remove a
// session's record when its connection drops or its record expires.
type PresenceBackend interface {
	Register(ctx context.Context, canvasID string, record canvas.PresenceRecord) (canvas.PresenceRecord, error)
	Heartbeat(ctx context.Context, canvasID, sessionKey string) error
	UpdateCursor(ctx context.Context, canvasID, sessionKey string, x, y float64) error
	Subscribe(ctx context.Context, canvasID string, fn func([]canvas.PresenceRecord)) (func(), error)
}
