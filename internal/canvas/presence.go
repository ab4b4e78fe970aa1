package canvas

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidSessionKey indicates a presence key that is not "userID:sessionID".
	ErrInvalidSessionKey = errors.New("canvas: invalid session key")
	// ErrSessionNotFound indicates that a session has no live presence record.
	ErrSessionNotFound = errors.New("presence: session not found")
)

// Cursor is the last reported pointer position of a session.
type Cursor struct {
	X  float64
	Y  float64
	At time.Time
}

// PresenceRecord is the ephemeral state of one connected session. Two tabs of
// the same user are two records with different session ids.
type PresenceRecord struct {
	SessionKey  string
	SessionID   string
	UserID      string
	DisplayName string
	Color       string
	Online      bool
	At          time.Time
	Cursor      *Cursor
	// Owner names the connection that registered the record. Only that
	// connection may release it.
	Owner string
}

// SessionKey joins a user id and a per-mount session id.
func SessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// ParseSessionKey splits a session key at its last separator. Session ids never
// contain a colon; user ids may.
func ParseSessionKey(key string) (userID string, sessionID string, err error) {
	index := strings.LastIndex(key, ":")
	if index <= 0 || index == len(key)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSessionKey, key)
	}
	return key[:index], key[index+1:], nil
}

// CursorDocument is the wire form of Cursor.
type CursorDocument struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	TS int64   `json:"ts"`
}

// PresenceDocument is the wire form of PresenceRecord.
type PresenceDocument struct {
	SessionKey  string          `json:"sessionKey"`
	SessionID   string          `json:"sessionId"`
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName"`
	Color       string          `json:"color"`
	Online      bool            `json:"online"`
	TS          int64           `json:"ts"`
	Cursor      *CursorDocument `json:"cursor,omitempty"`
}

// Document renders the record into its wire form.
func (r PresenceRecord) Document() PresenceDocument {
	doc := PresenceDocument{
		SessionKey:  r.SessionKey,
		SessionID:   r.SessionID,
		UserID:      r.UserID,
		DisplayName: r.DisplayName,
		Color:       r.Color,
		Online:      r.Online,
	}
	if !r.At.IsZero() {
		doc.TS = r.At.UnixMilli()
	}
	if r.Cursor != nil {
		doc.Cursor = &CursorDocument{X: r.Cursor.X, Y: r.Cursor.Y, TS: r.Cursor.At.UnixMilli()}
	}
	return doc
}

// Record converts the wire form back into a PresenceRecord. A missing session
// key is derived from the user and session ids.
func (d PresenceDocument) Record() PresenceRecord {
	record := PresenceRecord{
		SessionKey:  d.SessionKey,
		SessionID:   d.SessionID,
		UserID:      d.UserID,
		DisplayName: d.DisplayName,
		Color:       d.Color,
		Online:      d.Online,
	}
	if record.SessionKey == "" && d.UserID != "" && d.SessionID != "" {
		record.SessionKey = SessionKey(d.UserID, d.SessionID)
	}
	if d.TS > 0 {
		record.At = time.UnixMilli(d.TS).UTC()
	}
	if d.Cursor != nil {
		record.Cursor = &Cursor{X: d.Cursor.X, Y: d.Cursor.Y, At: time.UnixMilli(d.Cursor.TS).UTC()}
	}
	return record
}

// Presence socket message types.
const (
	PresenceMessageRegister  = "register"
	PresenceMessageHeartbeat = "heartbeat"
	PresenceMessageCursor    = "cursor"
	PresenceMessageRoster    = "roster"
	PresenceMessageError     = "error"
)

// PresenceMessage is the JSON envelope exchanged over the presence socket.
// Clients send register, heartbeat and cursor; the server sends roster and error.
type PresenceMessage struct {
	Type        string             `json:"type"`
	SessionID   string             `json:"sessionId,omitempty"`
	SessionKey  string             `json:"sessionKey,omitempty"`
	DisplayName string             `json:"displayName,omitempty"`
	Color       string             `json:"color,omitempty"`
	X           float64            `json:"x,omitempty"`
	Y           float64            `json:"y,omitempty"`
	Records     []PresenceDocument `json:"records,omitempty"`
	Error       string             `json:"error,omitempty"`
}
