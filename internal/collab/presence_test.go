package collab

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/clock"
)

func newTestPresence(t *testing.T, backend PresenceBackend, clk *clock.Manual, userID string, logger *zap.Logger) *PresenceChannel {
	t.Helper()
	channel, err := NewPresenceChannel(PresenceConfig{
		CanvasID:    "canvas-1",
		UserID:      userID,
		DisplayName: "Ada",
		Color:       "#ff0000",
		Backend:     backend,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to construct presence channel: %v", err)
	}
	t.Cleanup(channel.Close)
	return channel
}

func TestPresenceSessionsOfOneUserAreDistinct(t *testing.T) {
	backend := newFakePresence()
	clk := newTestClock()
	first := newTestPresence(t, backend, clk, "user-a", nil)
	second := newTestPresence(t, backend, clk, "user-a", nil)

	if first.SessionKey() == second.SessionKey() {
		t.Fatalf("expected distinct session keys, got %s twice", first.SessionKey())
	}
	if !strings.HasPrefix(first.SessionKey(), "user-a:") {
		t.Fatalf("expected session key to start with the user id, got %s", first.SessionKey())
	}

	for _, channel := range []*PresenceChannel{first, second} {
		if err := channel.Start(context.Background()); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		channel.Flush()
	}

	records := backend.snapshot()
	if len(records) != 2 {
		t.Fatalf("expected two independent records, got %d", len(records))
	}
	for _, record := range records {
		if !record.Online || record.UserID != "user-a" || record.DisplayName != "Ada" {
			t.Fatalf("unexpected record %+v", record)
		}
	}
}

func TestPresenceCursorRateLimit(t *testing.T) {
	backend := newFakePresence()
	clk := newTestClock()
	channel := newTestPresence(t, backend, clk, "user-a", nil)

	if channel.SendCursor(1, 1) {
		t.Fatalf("expected cursor before start to be dropped")
	}
	if err := channel.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if !channel.SendCursor(1, 1) {
		t.Fatalf("expected first cursor to be sent")
	}
	clk.Advance(10 * time.Millisecond)
	if channel.SendCursor(2, 2) {
		t.Fatalf("expected cursor within the interval to be dropped")
	}
	clk.Advance(40 * time.Millisecond)
	if !channel.SendCursor(3, 3) {
		t.Fatalf("expected cursor after the interval to be sent")
	}
	channel.Flush()

	if _, cursorCalls := backend.counts(); cursorCalls != 2 {
		t.Fatalf("expected two cursor writes, got %d", cursorCalls)
	}
	for _, record := range backend.snapshot() {
		if record.Cursor == nil || record.Cursor.X != 3 {
			t.Fatalf("expected last sent cursor, got %+v", record.Cursor)
		}
	}

	channel.SetVisible(false)
	clk.Advance(time.Second)
	if channel.SendCursor(4, 4) {
		t.Fatalf("expected no cursor while hidden")
	}
}

func TestPresenceHeartbeatUntilClose(t *testing.T) {
	backend := newFakePresence()
	clk := newTestClock()
	channel := newTestPresence(t, backend, clk, "user-a", nil)
	if err := channel.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	clk.Advance(DefaultHeartbeatInterval)
	clk.Advance(DefaultHeartbeatInterval)
	channel.Flush()
	if heartbeats, _ := backend.counts(); heartbeats != 2 {
		t.Fatalf("expected two heartbeats, got %d", heartbeats)
	}

	channel.Close()
	clk.Advance(time.Minute)
	if heartbeats, _ := backend.counts(); heartbeats != 2 {
		t.Fatalf("expected heartbeat to stop on close, got %d", heartbeats)
	}
	if len(backend.snapshot()) != 1 {
		t.Fatalf("expected close to leave the record for disconnect cleanup")
	}
}

func TestPresenceHeartbeatRegistersMissingRecordAgain(t *testing.T) {
	backend := newFakePresence()
	clk := newTestClock()
	channel := newTestPresence(t, backend, clk, "user-a", nil)
	if err := channel.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	channel.Flush()

	backend.expire(channel.SessionKey())
	clk.Advance(DefaultHeartbeatInterval)
	channel.Flush()

	records := backend.snapshot()
	if len(records) != 1 {
		t.Fatalf("expected the record to be registered again, got %d records", len(records))
	}
	if records[0].SessionKey != channel.SessionKey() || records[0].DisplayName != "Ada" {
		t.Fatalf("unexpected restored record %+v", records[0])
	}
}

func TestPresenceRosterAndCursors(t *testing.T) {
	backend := newFakePresence()
	clk := newTestClock()
	var delivered int
	channel, err := NewPresenceChannel(PresenceConfig{
		CanvasID: "canvas-1",
		UserID:   "user-a",
		Backend:  backend,
		Clock:    clk,
		OnRoster: func([]canvas.PresenceRecord) { delivered++ },
	})
	if err != nil {
		t.Fatalf("failed to construct presence channel: %v", err)
	}
	defer channel.Close()
	if err := channel.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	own := canvas.PresenceRecord{SessionKey: channel.SessionKey(), UserID: "user-a", Cursor: &canvas.Cursor{X: 1, Y: 1}}
	other := canvas.PresenceRecord{SessionKey: "user-b:s1", UserID: "user-b", Cursor: &canvas.Cursor{X: 5, Y: 6}}
	idle := canvas.PresenceRecord{SessionKey: "user-c:s1", UserID: "user-c"}
	backend.emit([]canvas.PresenceRecord{own, other, idle})

	if got := len(channel.Roster()); got != 3 {
		t.Fatalf("expected full roster, got %d", got)
	}
	cursors := channel.Cursors()
	if len(cursors) != 1 || cursors[0].SessionKey != "user-b:s1" {
		t.Fatalf("expected only the other session's cursor, got %+v", cursors)
	}
	if delivered != 1 {
		t.Fatalf("expected roster callback once, got %d", delivered)
	}

	channel.SetVisible(false)
	backend.emit([]canvas.PresenceRecord{other})
	if got := len(channel.Roster()); got != 3 {
		t.Fatalf("expected roster frozen while hidden, got %d", got)
	}
	channel.SetVisible(true)
	backend.emit([]canvas.PresenceRecord{other})
	if got := len(channel.Roster()); got != 1 {
		t.Fatalf("expected roster to resume, got %d", got)
	}
}

func TestPresencePermissionDeniedIsDebugOnly(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	backend := newFakePresence()
	backend.cursorErr = ErrPermissionDenied
	clk := newTestClock()
	channel := newTestPresence(t, backend, clk, "user-a", zap.New(core))
	if err := channel.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	channel.SendCursor(1, 1)
	channel.Flush()

	if got := logs.FilterLevelExact(zapcore.WarnLevel).Len(); got != 0 {
		t.Fatalf("expected no warnings, got %d", got)
	}
	if got := logs.FilterMessage("remote call rejected").Len(); got != 1 {
		t.Fatalf("expected one debug entry, got %d", got)
	}
}

func TestPresenceEmptyCanvasIsInert(t *testing.T) {
	backend := newFakePresence()
	channel, err := NewPresenceChannel(PresenceConfig{UserID: "user-a", Backend: backend, Clock: newTestClock()})
	if err != nil {
		t.Fatalf("failed to construct presence channel: %v", err)
	}
	defer channel.Close()
	if err := channel.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	channel.Flush()
	if len(backend.snapshot()) != 0 {
		t.Fatalf("expected no registration without a canvas id")
	}
}
