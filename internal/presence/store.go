// Package presence keeps ephemeral per-session presence records in Redis.
// Records expire on their own unless refreshed, and every write is announced
// on a per-canvas pub/sub channel.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

const (
	// DefaultRecordTTL bounds how long a record survives without a heartbeat.
	DefaultRecordTTL = 45 * time.Second
	// DefaultSweepInterval is how often subscribers re-read the roster to notice expired records.
	DefaultSweepInterval = 15 * time.Second

	keyPrefix = "presence:"
)

var (
	// ErrSessionNotFound indicates that the session has no live record.
	ErrSessionNotFound = canvas.ErrSessionNotFound

	errMissingClient = errors.New("presence: redis client is required")
)

const (
	fieldSessionID   = "sessionId"
	fieldUserID      = "userId"
	fieldDisplayName = "displayName"
	fieldColor       = "color"
	fieldOnline      = "online"
	fieldTS          = "ts"
	fieldCursorX     = "cursorX"
	fieldCursorY     = "cursorY"
	fieldCursorTS    = "cursorTs"
	fieldOwner       = "owner"
)

// mergeScript refreshes a record only while it exists, so a heartbeat racing
// an expiry never leaves a record without its identity fields.
// KEYS: record, index. ARGV: ttl millis, session key, field/value pairs.
var mergeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 3))
redis.call("PEXPIRE", KEYS[1], ARGV[1])
redis.call("SADD", KEYS[2], ARGV[2])
return 1
`)

// releaseScript deletes a record only while the caller still owns it.
// KEYS: record, index. ARGV: owner, session key.
var releaseScript = redis.NewScript(`
local owner = redis.call("HGET", KEYS[1], "owner")
if owner ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[2])
return 1
`)

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Client        *redis.Client
	RecordTTL     time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Store reads and writes presence records for every canvas.
type Store struct {
	client        *redis.Client
	recordTTL     time.Duration
	sweepInterval time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

// NewStore constructs a Store around an existing client.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	ttl := cfg.RecordTTL
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:        cfg.Client,
		recordTTL:     ttl,
		sweepInterval: sweep,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Connect parses redisURL, dials and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// Ping checks that Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// RecordTTL reports the expiry applied to every write.
func (s *Store) RecordTTL() time.Duration {
	return s.recordTTL
}

// Register writes the initial record of a session. An existing record for the
// same session is replaced, including its cursor, and record.Owner becomes the
// only owner able to Release it.
func (s *Store) Register(ctx context.Context, canvasID string, record canvas.PresenceRecord) (canvas.PresenceRecord, error) {
	validCanvas, err := canvas.NewCanvasID(canvasID)
	if err != nil {
		return canvas.PresenceRecord{}, err
	}
	if _, err := canvas.NewUserID(record.UserID); err != nil {
		return canvas.PresenceRecord{}, err
	}
	if record.SessionID == "" {
		return canvas.PresenceRecord{}, fmt.Errorf("%w: empty session id", canvas.ErrInvalidSessionKey)
	}
	record.SessionKey = canvas.SessionKey(record.UserID, record.SessionID)
	record.Online = true
	record.At = s.clock().UTC()
	record.Cursor = nil

	key := s.recordKey(validCanvas.String(), record.SessionKey)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			fieldSessionID, record.SessionID,
			fieldUserID, record.UserID,
			fieldDisplayName, record.DisplayName,
			fieldColor, record.Color,
			fieldOnline, "1",
			fieldTS, record.At.UnixMilli(),
			fieldOwner, record.Owner,
		)
		pipe.Expire(ctx, key, s.recordTTL)
		pipe.SAdd(ctx, s.indexKey(validCanvas.String()), record.SessionKey)
		return nil
	})
	if err != nil {
		s.logError("presence.register", err, validCanvas.String(), record.SessionKey)
		return canvas.PresenceRecord{}, fmt.Errorf("register presence: %w", err)
	}
	s.announce(ctx, validCanvas.String(), record.SessionKey)
	return record, nil
}

// Heartbeat marks a session online and extends its expiry.
func (s *Store) Heartbeat(ctx context.Context, canvasID, sessionKey string) error {
	return s.merge(ctx, "presence.heartbeat", canvasID, sessionKey,
		fieldOnline, "1",
		fieldTS, s.clock().UTC().UnixMilli(),
	)
}

// UpdateCursor merges a cursor position into a session's record.
func (s *Store) UpdateCursor(ctx context.Context, canvasID, sessionKey string, x, y float64) error {
	now := s.clock().UTC().UnixMilli()
	return s.merge(ctx, "presence.update_cursor", canvasID, sessionKey,
		fieldCursorX, strconv.FormatFloat(x, 'f', -1, 64),
		fieldCursorY, strconv.FormatFloat(y, 'f', -1, 64),
		fieldCursorTS, now,
		fieldOnline, "1",
		fieldTS, now,
	)
}

// Release deletes a session's record if owner still holds it. A record that
// was registered again by another owner, or that is already gone, is left
// alone and Release reports false.
func (s *Store) Release(ctx context.Context, canvasID, sessionKey, owner string) (bool, error) {
	validCanvas, err := canvas.NewCanvasID(canvasID)
	if err != nil {
		return false, err
	}
	if _, _, err := canvas.ParseSessionKey(sessionKey); err != nil {
		return false, err
	}
	keys := []string{s.recordKey(validCanvas.String(), sessionKey), s.indexKey(validCanvas.String())}
	released, err := releaseScript.Run(ctx, s.client, keys, owner, sessionKey).Int()
	if err != nil {
		s.logError("presence.release", err, validCanvas.String(), sessionKey)
		return false, fmt.Errorf("release presence: %w", err)
	}
	if released == 0 {
		return false, nil
	}
	s.announce(ctx, validCanvas.String(), sessionKey)
	return true, nil
}

// List returns every live record on canvasID ordered by session key. Index
// entries whose record expired are pruned.
func (s *Store) List(ctx context.Context, canvasID string) ([]canvas.PresenceRecord, error) {
	validCanvas, err := canvas.NewCanvasID(canvasID)
	if err != nil {
		return nil, err
	}
	indexKey := s.indexKey(validCanvas.String())
	members, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	if len(members) == 0 {
		return []canvas.PresenceRecord{}, nil
	}
	sort.Strings(members)

	commands := make([]*redis.MapStringStringCmd, len(members))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for index, member := range members {
			commands[index] = pipe.HGetAll(ctx, s.recordKey(validCanvas.String(), member))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}

	records := make([]canvas.PresenceRecord, 0, len(members))
	var stale []interface{}
	for index, command := range commands {
		fields := command.Val()
		if len(fields) == 0 {
			stale = append(stale, members[index])
			continue
		}
		records = append(records, decodeRecord(members[index], fields))
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, indexKey, stale...).Err(); err != nil {
			s.logError("presence.prune", err, validCanvas.String(), "")
		}
	}
	return records, nil
}

// Subscribe delivers the roster of canvasID to fn now, after every write to the
// canvas and on every sweep, until ctx ends or the returned function is called.
func (s *Store) Subscribe(ctx context.Context, canvasID string, fn func([]canvas.PresenceRecord)) (func(), error) {
	validCanvas, err := canvas.NewCanvasID(canvasID)
	if err != nil {
		return nil, err
	}
	subscriptionCtx, cancel := context.WithCancel(ctx)
	pubsub := s.client.Subscribe(subscriptionCtx, s.channel(validCanvas.String()))
	if _, err := pubsub.Receive(subscriptionCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}
	messages := pubsub.Channel()

	deliver := func() {
		records, err := s.List(subscriptionCtx, validCanvas.String())
		if err != nil {
			if subscriptionCtx.Err() == nil {
				s.logError("presence.subscribe", err, validCanvas.String(), "")
			}
			return
		}
		if subscriptionCtx.Err() != nil {
			return
		}
		fn(records)
	}

	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		deliver()
		for {
			select {
			case <-subscriptionCtx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				deliver()
			case <-ticker.C:
				deliver()
			}
		}
	}()

	return func() {
		cancel()
		_ = pubsub.Close()
	}, nil
}

func (s *Store) merge(ctx context.Context, operation, canvasID, sessionKey string, values ...interface{}) error {
	validCanvas, err := canvas.NewCanvasID(canvasID)
	if err != nil {
		return err
	}
	if _, _, err := canvas.ParseSessionKey(sessionKey); err != nil {
		return err
	}
	keys := []string{s.recordKey(validCanvas.String(), sessionKey), s.indexKey(validCanvas.String())}
	args := append([]interface{}{s.recordTTL.Milliseconds(), sessionKey}, values...)
	merged, err := mergeScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		s.logError(operation, err, validCanvas.String(), sessionKey)
		return fmt.Errorf("%s: %w", operation, err)
	}
	if merged == 0 {
		return ErrSessionNotFound
	}
	s.announce(ctx, validCanvas.String(), sessionKey)
	return nil
}

func (s *Store) announce(ctx context.Context, canvasID, sessionKey string) {
	if err := s.client.Publish(ctx, s.channel(canvasID), sessionKey).Err(); err != nil {
		s.logError("presence.publish", err, canvasID, sessionKey)
	}
}

func (s *Store) recordKey(canvasID, sessionKey string) string {
	return keyPrefix + canvasID + ":session:" + sessionKey
}

func (s *Store) indexKey(canvasID string) string {
	return keyPrefix + canvasID + ":sessions"
}

func (s *Store) channel(canvasID string) string {
	return keyPrefix + canvasID + ":events"
}

func (s *Store) logError(operation string, err error, canvasID, sessionKey string) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.Error(err),
		zap.String("canvas_id", canvasID),
	}
	if sessionKey != "" {
		fields = append(fields, zap.String("session_key", sessionKey))
	}
	s.logger.Error("presence store error", fields...)
}

func decodeRecord(sessionKey string, fields map[string]string) canvas.PresenceRecord {
	record := canvas.PresenceRecord{
		SessionKey:  sessionKey,
		SessionID:   fields[fieldSessionID],
		UserID:      fields[fieldUserID],
		DisplayName: fields[fieldDisplayName],
		Color:       fields[fieldColor],
		Online:      fields[fieldOnline] == "1",
		At:          parseMillis(fields[fieldTS]),
		Owner:       fields[fieldOwner],
	}
	if _, ok := fields[fieldCursorTS]; ok {
		x, errX := strconv.ParseFloat(fields[fieldCursorX], 64)
		y, errY := strconv.ParseFloat(fields[fieldCursorY], 64)
		if errX == nil && errY == nil {
			record.Cursor = &canvas.Cursor{X: x, Y: y, At: parseMillis(fields[fieldCursorTS])}
		}
	}
	return record
}

func parseMillis(raw string) time.Time {
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}
