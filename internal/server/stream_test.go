package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

func openStream(t *testing.T, api *testAPI, path string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, api.server.URL+path, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); contentType != "text/event-stream" {
		t.Fatalf("unexpected content type %q", contentType)
	}
	return bufio.NewReader(response.Body)
}

func TestShapeStreamDeliversSnapshots(t *testing.T) {
	api := newTestAPI(t, time.Hour)
	token := api.token(t, "alice", "Alice")
	reader := openStream(t, api, "/canvases/board/shapes/stream?access_token="+token)

	initial := readEvent(t, reader)
	if initial.name != streamEventShapes || initial.data != "[]" {
		t.Fatalf("expected empty initial snapshot, got %+v", initial)
	}

	if status, body := api.do(t, http.MethodPost, "/canvases/board/shapes", token, map[string]interface{}{
		"id": "rect-1", "type": "rect", "x": 5, "y": 6, "width": 100, "height": 50,
	}); status != http.StatusCreated {
		t.Fatalf("create failed: %d %s", status, body)
	}

	next := readEvent(t, reader)
	if next.name != streamEventShapes {
		t.Fatalf("expected shapes event, got %q", next.name)
	}
	var docs []canvas.Document
	if err := json.Unmarshal([]byte(next.data), &docs); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "rect-1" || docs[0].X != 5 {
		t.Fatalf("unexpected snapshot %+v", docs)
	}
}

func TestShapeStreamSendsHeartbeats(t *testing.T) {
	api := newTestAPI(t, 20*time.Millisecond)
	token := api.token(t, "alice", "")
	reader := openStream(t, api, "/canvases/board/shapes/stream?access_token="+token)

	if first := readEvent(t, reader); first.name != streamEventShapes {
		t.Fatalf("expected initial snapshot first, got %q", first.name)
	}
	heartbeat := readEvent(t, reader)
	if heartbeat.name != streamEventHeartbeat {
		t.Fatalf("expected heartbeat, got %+v", heartbeat)
	}
}

func TestLatestSnapshotKeepsNewest(t *testing.T) {
	snapshots := newLatestSnapshot()
	snapshots.offer([]canvas.Shape{{Node: canvas.NewRect("a", 0, 0, 10, 10)}})
	snapshots.offer([]canvas.Shape{{Node: canvas.NewRect("b", 0, 0, 10, 10)}})

	select {
	case <-snapshots.notify:
	default:
		t.Fatalf("expected a pending notification")
	}
	shapes, ok := snapshots.take()
	if !ok || len(shapes) != 1 || shapes[0].Node.ID != "b" {
		t.Fatalf("expected newest snapshot, got %+v", shapes)
	}
	if _, ok := snapshots.take(); ok {
		t.Fatalf("expected snapshot to be consumed")
	}
}
