package remote

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

const socketWriteWait = 10 * time.Second

var errClientClosed = errors.New("remote: presence client closed")

// PresenceClient is a presence backend backed by one WebSocket per canvas.
// Sockets are dialed on first use and redialed after a drop, replaying the
// sessions registered through them. Closing a socket makes the server remove
// those sessions.
type PresenceClient struct {
	cfg    ClientConfig
	dialer *websocket.Dialer

	mu       sync.Mutex
	canvases map[string]*presenceLink
	closed   bool
}

// NewPresenceClient constructs a PresenceClient.
func NewPresenceClient(cfg ClientConfig) (*PresenceClient, error) {
	normalized, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	return &PresenceClient{
		cfg:      normalized,
		dialer:   &websocket.Dialer{HandshakeTimeout: defaultRequestTimeout},
		canvases: make(map[string]*presenceLink),
	}, nil
}

// Register announces a session. The server assigns the user id from the
// token and the display name and color from the caller's profile.
func (c *PresenceClient) Register(ctx context.Context, canvasID string, record canvas.PresenceRecord) (canvas.PresenceRecord, error) {
	link, err := c.link(canvasID)
	if err != nil {
		return canvas.PresenceRecord{}, err
	}
	record.SessionKey = canvas.SessionKey(record.UserID, record.SessionID)
	record.Online = true
	record.Cursor = nil
	if err := link.register(ctx, record); err != nil {
		return canvas.PresenceRecord{}, err
	}
	return record, nil
}

// Heartbeat keeps a session online.
func (c *PresenceClient) Heartbeat(ctx context.Context, canvasID, sessionKey string) error {
	link, err := c.link(canvasID)
	if err != nil {
		return err
	}
	return link.send(ctx, canvas.PresenceMessage{Type: canvas.PresenceMessageHeartbeat, SessionKey: sessionKey})
}

// UpdateCursor reports a session's pointer position.
func (c *PresenceClient) UpdateCursor(ctx context.Context, canvasID, sessionKey string, x, y float64) error {
	link, err := c.link(canvasID)
	if err != nil {
		return err
	}
	return link.send(ctx, canvas.PresenceMessage{Type: canvas.PresenceMessageCursor, SessionKey: sessionKey, X: x, Y: y})
}

// Subscribe calls fn with every roster the server pushes for canvasID. The
// last known roster, if any, is delivered asynchronously right away.
func (c *PresenceClient) Subscribe(ctx context.Context, canvasID string, fn func([]canvas.PresenceRecord)) (func(), error) {
	link, err := c.link(canvasID)
	if err != nil {
		return nil, err
	}
	if err := link.ensure(ctx); err != nil {
		return nil, err
	}
	return link.subscribe(fn), nil
}

// Disconnect closes the socket of one canvas.
func (c *PresenceClient) Disconnect(canvasID string) {
	c.mu.Lock()
	link := c.canvases[canvasID]
	delete(c.canvases, canvasID)
	c.mu.Unlock()
	if link != nil {
		link.close()
	}
}

// Close disconnects every canvas.
func (c *PresenceClient) Close() {
	c.mu.Lock()
	links := make([]*presenceLink, 0, len(c.canvases))
	for _, link := range c.canvases {
		links = append(links, link)
	}
	c.canvases = map[string]*presenceLink{}
	c.closed = true
	c.mu.Unlock()
	for _, link := range links {
		link.close()
	}
}

func (c *PresenceClient) link(canvasID string) (*presenceLink, error) {
	if _, err := canvas.NewCanvasID(canvasID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClientClosed
	}
	link, ok := c.canvases[canvasID]
	if !ok {
		link = &presenceLink{
			client:      c,
			canvasID:    canvasID,
			registered:  make(map[string]canvas.PresenceRecord),
			subscribers: make(map[uint64]func([]canvas.PresenceRecord)),
		}
		c.canvases[canvasID] = link
	}
	return link, nil
}

func (c *PresenceClient) socketURL(canvasID string) string {
	base := c.cfg.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/canvases/" + url.PathEscape(canvasID) + "/presence/ws?access_token=" + url.QueryEscape(c.cfg.Token)
}

type presenceLink struct {
	client   *PresenceClient
	canvasID string

	mu          sync.Mutex
	writeMu     sync.Mutex
	socket      *websocket.Conn
	registered  map[string]canvas.PresenceRecord
	subscribers map[uint64]func([]canvas.PresenceRecord)
	nextID      uint64
	roster      []canvas.PresenceRecord
	hasRoster   bool
	closed      bool
}

// ensure dials the socket when it is down and replays registrations.
func (l *presenceLink) ensure(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errClientClosed
	}
	if l.socket != nil {
		return nil
	}

	socket, response, err := l.client.dialer.DialContext(ctx, l.client.socketURL(l.canvasID), nil)
	if err != nil {
		if response != nil && response.StatusCode != http.StatusSwitchingProtocols {
			return statusError(response)
		}
		return err
	}
	l.socket = socket
	go l.readLoop(socket)

	for _, record := range l.registered {
		if err := l.writeRaw(socket, registerMessage(record)); err != nil {
			l.socket = nil
			_ = socket.Close()
			return err
		}
	}
	return nil
}

func (l *presenceLink) register(ctx context.Context, record canvas.PresenceRecord) error {
	if err := l.ensure(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.registered[record.SessionKey] = record
	socket := l.socket
	l.mu.Unlock()
	if socket == nil {
		return errClientClosed
	}
	return l.write(socket, registerMessage(record))
}

func (l *presenceLink) send(ctx context.Context, message canvas.PresenceMessage) error {
	if err := l.ensure(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	socket := l.socket
	l.mu.Unlock()
	if socket == nil {
		return errClientClosed
	}
	return l.write(socket, message)
}

func (l *presenceLink) write(socket *websocket.Conn, message canvas.PresenceMessage) error {
	if err := l.writeRaw(socket, message); err != nil {
		l.drop(socket)
		return err
	}
	return nil
}

func (l *presenceLink) writeRaw(socket *websocket.Conn, message canvas.PresenceMessage) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = socket.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return socket.WriteJSON(message)
}

func (l *presenceLink) subscribe(fn func([]canvas.PresenceRecord)) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.subscribers[id] = fn
	roster, hasRoster := l.roster, l.hasRoster
	l.mu.Unlock()

	if hasRoster {
		go func() {
			l.mu.Lock()
			_, live := l.subscribers[id]
			l.mu.Unlock()
			if live {
				fn(roster)
			}
		}()
	}
	return func() {
		l.mu.Lock()
		delete(l.subscribers, id)
		l.mu.Unlock()
	}
}

func (l *presenceLink) readLoop(socket *websocket.Conn) {
	logger := l.client.cfg.Logger
	for {
		var message canvas.PresenceMessage
		if err := socket.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("presence socket dropped", zap.String("canvas_id", l.canvasID), zap.Error(err))
			}
			l.drop(socket)
			return
		}
		switch message.Type {
		case canvas.PresenceMessageRoster:
			records := make([]canvas.PresenceRecord, 0, len(message.Records))
			for _, doc := range message.Records {
				records = append(records, doc.Record())
			}
			l.mu.Lock()
			l.roster = records
			l.hasRoster = true
			subscribers := make([]func([]canvas.PresenceRecord), 0, len(l.subscribers))
			for _, fn := range l.subscribers {
				subscribers = append(subscribers, fn)
			}
			l.mu.Unlock()
			for _, fn := range subscribers {
				fn(records)
			}
		case canvas.PresenceMessageError:
			logger.Warn("presence message rejected",
				zap.String("canvas_id", l.canvasID),
				zap.String("session_key", message.SessionKey),
				zap.String("error", message.Error),
			)
		}
	}
}

// drop forgets a broken socket so the next call redials.
func (l *presenceLink) drop(socket *websocket.Conn) {
	l.mu.Lock()
	if l.socket == socket {
		l.socket = nil
	}
	l.mu.Unlock()
	_ = socket.Close()
}

func (l *presenceLink) close() {
	l.mu.Lock()
	l.closed = true
	socket := l.socket
	l.socket = nil
	l.subscribers = map[uint64]func([]canvas.PresenceRecord){}
	l.mu.Unlock()
	if socket == nil {
		return
	}
	l.writeMu.Lock()
	_ = socket.SetWriteDeadline(time.Now().Add(socketWriteWait))
	_ = socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	l.writeMu.Unlock()
	_ = socket.Close()
}

func registerMessage(record canvas.PresenceRecord) canvas.PresenceMessage {
	return canvas.PresenceMessage{
		Type:        canvas.PresenceMessageRegister,
		SessionID:   record.SessionID,
		DisplayName: record.DisplayName,
		Color:       record.Color,
	}
}
