package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/clock"
)

func newTestWriter(t *testing.T, repository ShapeRepository, clk *clock.Manual) *Writer {
	t.Helper()
	writer, err := NewWriter(WriterConfig{
		CanvasID:   "canvas-1",
		UserID:     "user-a",
		Repository: repository,
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("failed to construct writer: %v", err)
	}
	t.Cleanup(writer.Close)
	return writer
}

func TestNewWriterRequiresRepository(t *testing.T) {
	if _, err := NewWriter(WriterConfig{CanvasID: "canvas-1"}); !errors.Is(err, errMissingRepository) {
		t.Fatalf("expected errMissingRepository, got %v", err)
	}
}

func TestDebouncedUpdateSendsOnlyLatestPatch(t *testing.T) {
	repository := newFakeRepository()
	clk := newTestClock()
	writer := newTestWriter(t, repository, clk)

	writer.DebouncedUpdate("shape-1", canvas.Patch{X: canvas.Float(10)})
	clk.Advance(30 * time.Millisecond)
	writer.DebouncedUpdate("shape-1", canvas.Patch{X: canvas.Float(20)})
	clk.Advance(30 * time.Millisecond)
	writer.DebouncedUpdate("shape-1", canvas.Patch{X: canvas.Float(30)})

	writer.Flush()
	if updates := repository.callsOf("update"); len(updates) != 0 {
		t.Fatalf("expected no update inside the window, got %d", len(updates))
	}

	clk.Advance(DefaultDebounceWindow)
	writer.Flush()

	updates := repository.callsOf("update")
	if len(updates) != 1 {
		t.Fatalf("expected exactly one update, got %d", len(updates))
	}
	if updates[0].patch.X == nil || *updates[0].patch.X != 30 {
		t.Fatalf("expected x=30, got %+v", updates[0].patch)
	}
}

func TestDebouncedUpdateMergesFieldsWithinBurst(t *testing.T) {
	repository := newFakeRepository()
	clk := newTestClock()
	writer := newTestWriter(t, repository, clk)

	writer.DebouncedUpdate("shape-1", canvas.Patch{Width: canvas.Float(120)})
	writer.DebouncedUpdate("shape-1", canvas.PositionPatch(5, 6))
	clk.Advance(DefaultDebounceWindow)
	writer.Flush()

	updates := repository.callsOf("update")
	if len(updates) != 1 {
		t.Fatalf("expected one update, got %d", len(updates))
	}
	patch := updates[0].patch
	if patch.Width == nil || *patch.Width != 120 || patch.X == nil || *patch.X != 5 {
		t.Fatalf("expected merged patch, got %+v", patch)
	}
}

func TestTransformLeaseLifecycle(t *testing.T) {
	repository := newFakeRepository()
	clk := newTestClock()
	writer := newTestWriter(t, repository, clk)

	if writer.RenewalInterval() >= canvas.DefaultLockTTL {
		t.Fatalf("renewal interval %s must be below ttl", writer.RenewalInterval())
	}

	writer.BeginTransform("shape-1")
	writer.BeginTransform("shape-1")
	for elapsed := time.Duration(0); elapsed < 7*time.Second; elapsed += 100 * time.Millisecond {
		writer.DebouncedUpdate("shape-1", canvas.PositionPatch(float64(elapsed/time.Millisecond), 0))
		clk.Advance(100 * time.Millisecond)
	}
	if !writer.transforming("shape-1") {
		t.Fatalf("expected transform to be held")
	}
	writer.CommitTransform("shape-1", canvas.PositionPatch(500, 40))
	writer.Flush()

	if got := len(repository.callsOf("setLock")); got != 1 {
		t.Fatalf("expected one setLock, got %d", got)
	}
	if got := len(repository.callsOf("refreshLock")); got != 2 {
		t.Fatalf("expected two refreshLock calls over 7s, got %d", got)
	}
	if got := len(repository.callsOf("clearLock")); got != 1 {
		t.Fatalf("expected one clearLock, got %d", got)
	}

	calls := repository.allCalls()
	last, final := calls[len(calls)-1], calls[len(calls)-2]
	if last.operation != "clearLock" {
		t.Fatalf("expected clearLock last, got %s", last.operation)
	}
	if final.operation != "update" || *final.patch.X != 500 || *final.patch.Y != 40 {
		t.Fatalf("expected committed update before release, got %+v", final)
	}
	if writer.transforming("shape-1") {
		t.Fatalf("expected lease to be released")
	}

	clk.Advance(10 * time.Second)
	writer.Flush()
	if got := len(repository.callsOf("refreshLock")); got != 2 {
		t.Fatalf("expected renewal to stop after commit, got %d", got)
	}
}

func TestCommitCancelsPendingDebouncedWrite(t *testing.T) {
	repository := newFakeRepository()
	clk := newTestClock()
	writer := newTestWriter(t, repository, clk)

	writer.BeginTransform("shape-1")
	writer.DebouncedUpdate("shape-1", canvas.PositionPatch(1, 1))
	writer.CommitTransform("shape-1", canvas.PositionPatch(2, 2))
	clk.Advance(time.Second)
	writer.Flush()

	updates := repository.callsOf("update")
	if len(updates) != 1 || *updates[0].patch.X != 2 {
		t.Fatalf("expected only the committed update, got %+v", updates)
	}
}

func TestProtectedCoversPendingTransformAndEcho(t *testing.T) {
	repository := newFakeRepository()
	clk := newTestClock()
	writer := newTestWriter(t, repository, clk)

	if writer.Protected("shape-1") {
		t.Fatalf("expected untouched shape to be unprotected")
	}
	writer.DebouncedUpdate("shape-1", canvas.PositionPatch(1, 1))
	if !writer.Protected("shape-1") {
		t.Fatalf("expected pending write to protect the shape")
	}
	clk.Advance(DefaultDebounceWindow)
	if !writer.Protected("shape-1") {
		t.Fatalf("expected echo window to protect the shape")
	}
	clk.Advance(DefaultEchoWindow)
	if writer.Protected("shape-1") {
		t.Fatalf("expected protection to lapse after the echo window")
	}
}

func TestWriterIgnoresEmptyIdentifiers(t *testing.T) {
	repository := newFakeRepository()
	clk := newTestClock()
	writer := newTestWriter(t, repository, clk)

	writer.BeginTransform("")
	writer.Update("", canvas.PositionPatch(1, 1))
	writer.Update("shape-1", canvas.Patch{})
	writer.Flush()

	if calls := repository.allCalls(); len(calls) != 0 {
		t.Fatalf("expected no calls, got %+v", calls)
	}
}

func TestCloseReleasesHeldLeases(t *testing.T) {
	repository := newFakeRepository()
	clk := newTestClock()
	writer, err := NewWriter(WriterConfig{CanvasID: "canvas-1", UserID: "user-a", Repository: repository, Clock: clk})
	if err != nil {
		t.Fatalf("failed to construct writer: %v", err)
	}

	writer.BeginTransform("shape-1")
	writer.DebouncedUpdate("shape-1", canvas.PositionPatch(9, 9))
	writer.Close()

	if got := len(repository.callsOf("update")); got != 1 {
		t.Fatalf("expected pending patch to be sent on close, got %d", got)
	}
	if got := len(repository.callsOf("clearLock")); got != 1 {
		t.Fatalf("expected lease to be released on close, got %d", got)
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no timers after close, got %d", clk.Pending())
	}

	writer.Update("shape-1", canvas.PositionPatch(1, 1))
	if got := len(repository.callsOf("update")); got != 1 {
		t.Fatalf("expected writes after close to be ignored")
	}
}

type rejectingRepository struct {
	*fakeRepository
}

func (r rejectingRepository) SetLock(_ context.Context, _ string, _ string, _ string) error {
	return ErrPermissionDenied
}

func (r rejectingRepository) ClearLock(_ context.Context, _ string, _ string) error {
	return errors.New("network down")
}

func TestOutboxSuppressesPermissionDenied(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	clk := newTestClock()
	writer, err := NewWriter(WriterConfig{
		CanvasID:   "canvas-1",
		UserID:     "user-a",
		Repository: rejectingRepository{newFakeRepository()},
		Clock:      clk,
		Logger:     zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct writer: %v", err)
	}
	defer writer.Close()

	writer.BeginTransform("shape-1")
	writer.CommitTransform("shape-1", canvas.Patch{})
	writer.Flush()

	if got := logs.FilterMessage("remote call rejected").FilterLevelExact(zapcore.DebugLevel).Len(); got != 1 {
		t.Fatalf("expected one debug rejection, got %d", got)
	}
	warnings := logs.FilterLevelExact(zapcore.WarnLevel).All()
	if len(warnings) != 1 {
		t.Fatalf("expected one warning for the transient failure, got %d", len(warnings))
	}
	if warnings[0].ContextMap()["operation"] != "shapes.clear_lock" {
		t.Fatalf("unexpected warning context %+v", warnings[0].ContextMap())
	}
}
