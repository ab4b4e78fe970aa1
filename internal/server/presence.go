package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/canvas/internal/auth"
	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/users"
)

const (
	socketWriteWait   = 10 * time.Second
	socketPongWait    = 60 * time.Second
	socketPingPeriod  = socketPongWait * 9 / 10
	socketMaxMessage  = 4096
	socketSendBacklog = 16
)

// PresenceStore is the presence backend behind the socket.
type PresenceStore interface {
	Register(ctx context.Context, canvasID string, record canvas.PresenceRecord) (canvas.PresenceRecord, error)
	Heartbeat(ctx context.Context, canvasID, sessionKey string) error
	UpdateCursor(ctx context.Context, canvasID, sessionKey string, x, y float64) error
	Release(ctx context.Context, canvasID, sessionKey, owner string) (bool, error)
	Subscribe(ctx context.Context, canvasID string, fn func([]canvas.PresenceRecord)) (func(), error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

var errForeignSession = errors.New("session belongs to another user")

// presenceConn is one socket. It may carry several sessions of the token
// holder. Records are written with the socket's id as owner, and on close only
// the records this socket still owns are removed.
type presenceConn struct {
	id       string
	handler  *httpHandler
	canvasID string
	profile  users.Profile
	socket   *websocket.Conn
	send     chan canvas.PresenceMessage

	mu       sync.Mutex
	sessions map[string]canvas.PresenceMessage
}

func (h *httpHandler) handlePresenceSocket(c *gin.Context) {
	claims, ok := claimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	canvasID := c.Param("canvasId")
	if _, err := canvas.NewCanvasID(canvasID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	profile := h.resolveProfile(claims)

	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("presence upgrade failed", zap.Error(err))
		return
	}

	conn := &presenceConn{
		id:       ulid.Make().String(),
		handler:  h,
		canvasID: canvasID,
		profile:  profile,
		socket:   socket,
		send:     make(chan canvas.PresenceMessage, socketSendBacklog),
		sessions: make(map[string]canvas.PresenceMessage),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unsubscribe, err := h.presence.Subscribe(ctx, canvasID, conn.pushRoster)
	if err != nil {
		h.logger.Warn("presence subscribe failed", zap.String("canvas_id", canvasID), zap.Error(err))
		_ = socket.Close()
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		conn.writePump(ctx)
	}()

	conn.readPump(ctx)

	unsubscribe()
	cancel()
	<-writerDone
	conn.removeSessions()
	_ = socket.Close()
}

func (h *httpHandler) resolveProfile(claims auth.Claims) users.Profile {
	profile := users.Profile{
		UserID:      claims.Subject,
		DisplayName: claims.Name,
		Color:       users.ColorFor(claims.Subject),
	}
	if profile.DisplayName == "" {
		profile.DisplayName = claims.Subject
	}
	if h.profiles == nil {
		return profile
	}
	resolved, err := h.profiles.Resolve(claims)
	if err != nil {
		h.logger.Warn("profile resolution failed", zap.String("user_id", claims.Subject), zap.Error(err))
		return profile
	}
	return resolved
}

func (p *presenceConn) readPump(ctx context.Context) {
	p.socket.SetReadLimit(socketMaxMessage)
	_ = p.socket.SetReadDeadline(time.Now().Add(socketPongWait))
	p.socket.SetPongHandler(func(string) error {
		return p.socket.SetReadDeadline(time.Now().Add(socketPongWait))
	})

	for {
		var message canvas.PresenceMessage
		if err := p.socket.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.handler.logger.Debug("presence socket closed", zap.String("canvas_id", p.canvasID), zap.Error(err))
			}
			return
		}
		_ = p.socket.SetReadDeadline(time.Now().Add(socketPongWait))
		if err := p.apply(ctx, message); err != nil {
			p.enqueue(canvas.PresenceMessage{
				Type:       canvas.PresenceMessageError,
				SessionKey: message.SessionKey,
				Error:      err.Error(),
			})
		}
	}
}

func (p *presenceConn) apply(ctx context.Context, message canvas.PresenceMessage) error {
	switch message.Type {
	case canvas.PresenceMessageRegister:
		return p.register(ctx, message)
	case canvas.PresenceMessageHeartbeat:
		return p.refresh(ctx, message.SessionKey, func() error {
			return p.handler.presence.Heartbeat(ctx, p.canvasID, message.SessionKey)
		})
	case canvas.PresenceMessageCursor:
		return p.refresh(ctx, message.SessionKey, func() error {
			return p.handler.presence.UpdateCursor(ctx, p.canvasID, message.SessionKey, message.X, message.Y)
		})
	default:
		return errors.New("unknown message type")
	}
}

func (p *presenceConn) register(ctx context.Context, message canvas.PresenceMessage) error {
	record := canvas.PresenceRecord{
		SessionID:   message.SessionID,
		UserID:      p.profile.UserID,
		DisplayName: p.profile.DisplayName,
		Color:       p.profile.Color,
		Owner:       p.id,
	}
	if record.DisplayName == "" {
		record.DisplayName = message.DisplayName
	}
	if record.Color == "" {
		record.Color = message.Color
	}
	registered, err := p.handler.presence.Register(ctx, p.canvasID, record)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.sessions[registered.SessionKey] = canvas.PresenceMessage{
		Type:        canvas.PresenceMessageRegister,
		SessionID:   message.SessionID,
		DisplayName: message.DisplayName,
		Color:       message.Color,
	}
	p.mu.Unlock()
	return nil
}

// refresh runs a merge for one of the caller's sessions. A record that expired
// or was never written is registered again over this socket and the merge is
// retried once.
func (p *presenceConn) refresh(ctx context.Context, sessionKey string, merge func() error) error {
	_, sessionID, err := p.owns(sessionKey)
	if err != nil {
		return err
	}
	err = merge()
	if !errors.Is(err, canvas.ErrSessionNotFound) {
		return err
	}
	p.mu.Lock()
	registration, ok := p.sessions[sessionKey]
	p.mu.Unlock()
	if !ok {
		registration = canvas.PresenceMessage{Type: canvas.PresenceMessageRegister, SessionID: sessionID}
	}
	p.handler.logger.Debug("presence session registered again",
		zap.String("canvas_id", p.canvasID),
		zap.String("session_key", sessionKey),
	)
	if err := p.register(ctx, registration); err != nil {
		return err
	}
	return merge()
}

func (p *presenceConn) owns(sessionKey string) (string, string, error) {
	userID, sessionID, err := canvas.ParseSessionKey(sessionKey)
	if err != nil {
		return "", "", err
	}
	if userID != p.profile.UserID {
		return "", "", errForeignSession
	}
	return userID, sessionID, nil
}

func (p *presenceConn) pushRoster(records []canvas.PresenceRecord) {
	docs := make([]canvas.PresenceDocument, 0, len(records))
	for _, record := range records {
		docs = append(docs, record.Document())
	}
	p.enqueue(canvas.PresenceMessage{Type: canvas.PresenceMessageRoster, Records: docs})
}

// enqueue drops the message when the client is not keeping up. Rosters are
// full snapshots, so the next one repairs the gap.
func (p *presenceConn) enqueue(message canvas.PresenceMessage) {
	select {
	case p.send <- message:
	default:
		p.handler.logger.Debug("presence message dropped", zap.String("canvas_id", p.canvasID), zap.String("type", message.Type))
	}
}

func (p *presenceConn) writePump(ctx context.Context) {
	ticker := time.NewTicker(socketPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = p.socket.SetWriteDeadline(time.Now().Add(socketWriteWait))
			_ = p.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-p.send:
			_ = p.socket.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := p.socket.WriteJSON(message); err != nil {
				_ = p.socket.Close()
				return
			}
		case <-ticker.C:
			_ = p.socket.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := p.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = p.socket.Close()
				return
			}
		}
	}
}

// removeSessions is the disconnect hook: every session this socket still owns
// disappears from the roster. Sessions registered again over a newer socket
// stay.
func (p *presenceConn) removeSessions() {
	p.mu.Lock()
	keys := make([]string, 0, len(p.sessions))
	for key := range p.sessions {
		keys = append(keys, key)
	}
	p.sessions = map[string]canvas.PresenceMessage{}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), socketWriteWait)
	defer cancel()
	for _, key := range keys {
		released, err := p.handler.presence.Release(ctx, p.canvasID, key, p.id)
		if err != nil {
			p.handler.logger.Warn("presence removal failed",
				zap.String("canvas_id", p.canvasID),
				zap.String("session_key", key),
				zap.Error(err),
			)
			continue
		}
		if !released {
			p.handler.logger.Debug("presence session kept by newer socket",
				zap.String("canvas_id", p.canvasID),
				zap.String("session_key", key),
			)
		}
	}
}
