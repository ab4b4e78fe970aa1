package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/clock"
)

const (
	// DefaultHeartbeatInterval keeps a session's record fresh while mounted.
	DefaultHeartbeatInterval = 15 * time.Second
	// DefaultCursorInterval is the minimum spacing between cursor sends.
	DefaultCursorInterval = 50 * time.Millisecond
)

var errMissingPresenceBackend = errors.New("collab: presence backend is required")

// PresenceConfig describes the presence of one session on one canvas.
type PresenceConfig struct {
	CanvasID          string
	UserID            string
	DisplayName       string
	Color             string
	SessionID         string
	Backend           PresenceBackend
	Clock             clock.Clock
	HeartbeatInterval time.Duration
	CursorInterval    time.Duration
	OnRoster          func([]canvas.PresenceRecord)
	Logger            *zap.Logger
}

// PresenceChannel announces this session on a canvas, keeps it alive, sends
// rate-limited cursor updates and tracks everyone else's records.
type PresenceChannel struct {
	mu          sync.Mutex
	canvasID    string
	userID      string
	displayName string
	color       string
	sessionID   string
	sessionKey  string
	backend     PresenceBackend
	clock       clock.Clock
	heartbeat   time.Duration
	cursorEvery time.Duration
	onRoster    func([]canvas.PresenceRecord)
	logger      *zap.Logger
	outbox      *outbox

	ctx         context.Context
	started     bool
	closed      bool
	visible     bool
	beat        clock.Timer
	unsubscribe func()
	generation  uint64
	lastCursor  time.Time
	sentCursor  bool
	roster      []canvas.PresenceRecord
}

// NewPresenceChannel constructs a channel with a fresh session id unless one is
// supplied.
func NewPresenceChannel(cfg PresenceConfig) (*PresenceChannel, error) {
	if cfg.Backend == nil {
		return nil, errMissingPresenceBackend
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	cursorEvery := cfg.CursorInterval
	if cursorEvery <= 0 {
		cursorEvery = DefaultCursorInterval
	}
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionKey := canvas.SessionKey(cfg.UserID, sessionID)
	logger = logger.With(zap.String("canvas_id", cfg.CanvasID), zap.String("session_key", sessionKey))

	return &PresenceChannel{
		canvasID:    cfg.CanvasID,
		userID:      cfg.UserID,
		displayName: cfg.DisplayName,
		color:       cfg.Color,
		sessionID:   sessionID,
		sessionKey:  sessionKey,
		backend:     cfg.Backend,
		clock:       clk,
		heartbeat:   heartbeat,
		cursorEvery: cursorEvery,
		onRoster:    cfg.OnRoster,
		logger:      logger,
		outbox:      newOutbox(logger),
		visible:     true,
	}, nil
}

// SessionKey identifies this session in every roster.
func (p *PresenceChannel) SessionKey() string {
	return p.sessionKey
}

// Start registers the session, starts the heartbeat and subscribes to the
// roster. With an empty canvas id it does nothing.
func (p *PresenceChannel) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed || p.started || p.canvasID == "" {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.ctx = ctx
	record := p.recordLocked()
	p.outbox.enqueue("presence.register", func(ctx context.Context) error {
		_, err := p.backend.Register(ctx, p.canvasID, record)
		return err
	})
	p.beat = p.clock.AfterFunc(p.heartbeat, p.heartbeatTick)
	visible := p.visible
	p.mu.Unlock()

	if !visible {
		return nil
	}
	return p.subscribe()
}

func (p *PresenceChannel) recordLocked() canvas.PresenceRecord {
	return canvas.PresenceRecord{
		SessionKey:  p.sessionKey,
		SessionID:   p.sessionID,
		UserID:      p.userID,
		DisplayName: p.displayName,
		Color:       p.color,
		Online:      true,
		At:          p.clock.Now(),
	}
}

// heartbeatTick refreshes the record, registering it again when the backend
// no longer has it.
func (p *PresenceChannel) heartbeatTick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	record := p.recordLocked()
	p.outbox.enqueue("presence.heartbeat", func(ctx context.Context) error {
		err := p.backend.Heartbeat(ctx, p.canvasID, p.sessionKey)
		if !errors.Is(err, canvas.ErrSessionNotFound) {
			return err
		}
		p.logger.Debug("presence record missing, registering again")
		_, err = p.backend.Register(ctx, p.canvasID, record)
		return err
	})
	p.beat = p.clock.AfterFunc(p.heartbeat, p.heartbeatTick)
}

// SendCursor publishes the cursor position unless one was sent within the
// rate limit or the view is hidden. It reports whether the sample was sent;
// skipped samples are dropped.
func (p *PresenceChannel) SendCursor(x, y float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.closed || !p.visible {
		return false
	}
	now := p.clock.Now()
	if p.sentCursor && now.Sub(p.lastCursor) < p.cursorEvery {
		return false
	}
	p.lastCursor = now
	p.sentCursor = true
	p.outbox.enqueue("presence.update_cursor", func(ctx context.Context) error {
		return p.backend.UpdateCursor(ctx, p.canvasID, p.sessionKey, x, y)
	})
	return true
}

// SetVisible pauses the roster subscription while hidden and opens a fresh one
// when visible again.
func (p *PresenceChannel) SetVisible(visible bool) {
	p.mu.Lock()
	if p.closed || p.visible == visible {
		p.mu.Unlock()
		return
	}
	p.visible = visible
	started := p.started
	if visible {
		p.mu.Unlock()
		if started {
			if err := p.subscribe(); err != nil {
				p.logger.Warn("presence resubscribe failed", zap.Error(err))
			}
		}
		return
	}
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.generation++
	p.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Roster returns every known record, including this session's own.
func (p *PresenceChannel) Roster() []canvas.PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]canvas.PresenceRecord(nil), p.roster...)
}

// Cursors returns the records of other sessions that carry a cursor.
func (p *PresenceChannel) Cursors() []canvas.PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	cursors := make([]canvas.PresenceRecord, 0, len(p.roster))
	for _, record := range p.roster {
		if record.SessionKey == p.sessionKey || record.Cursor == nil {
			continue
		}
		cursors = append(cursors, record)
	}
	return cursors
}

// Flush blocks until queued presence writes have completed.
func (p *PresenceChannel) Flush() {
	p.outbox.wait()
}

// Close stops the heartbeat and the roster subscription. The record itself is
// left for the backend's disconnect handling to remove.
func (p *PresenceChannel) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.generation++
	if p.beat != nil {
		p.beat.Stop()
		p.beat = nil
	}
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	p.outbox.close()
}

func (p *PresenceChannel) subscribe() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.generation++
	generation := p.generation
	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Unlock()

	unsubscribe, err := p.backend.Subscribe(ctx, p.canvasID, func(records []canvas.PresenceRecord) {
		p.receive(generation, records)
	})
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			p.logger.Debug("presence subscribe rejected", zap.Error(err))
			return nil
		}
		return err
	}

	p.mu.Lock()
	if p.generation != generation {
		p.mu.Unlock()
		unsubscribe()
		return nil
	}
	p.unsubscribe = unsubscribe
	p.mu.Unlock()
	return nil
}

func (p *PresenceChannel) receive(generation uint64, records []canvas.PresenceRecord) {
	p.mu.Lock()
	if p.closed || generation != p.generation {
		p.mu.Unlock()
		return
	}
	p.roster = append([]canvas.PresenceRecord(nil), records...)
	onRoster := p.onRoster
	p.mu.Unlock()

	if onRoster != nil {
		onRoster(records)
	}
}
