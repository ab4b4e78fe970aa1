package collab

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/clock"
)

var testEpoch = time.Unix(1700000000, 0).UTC()

func newTestClock() *clock.Manual {
	return clock.NewManual(testEpoch)
}

type repositoryCall struct {
	operation string
	shapeID   string
	userID    string
	patch     canvas.Patch
}

// fakeRepository records every call. Snapshots reach subscribers only through
// emit, never from inside Subscribe.
type fakeRepository struct {
	mu           sync.Mutex
	shapes       []canvas.Shape
	calls        []repositoryCall
	subscribers  map[int]func([]canvas.Shape)
	nextSub      int
	subscribed   int
	unsubscribed int
	lastCallback func([]canvas.Shape)
}

func newFakeRepository(shapes ...canvas.Shape) *fakeRepository {
	return &fakeRepository{
		shapes:      shapes,
		subscribers: make(map[int]func([]canvas.Shape)),
	}
}

func (r *fakeRepository) record(call repositoryCall) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *fakeRepository) Create(_ context.Context, _ string, shape canvas.Shape) (canvas.Shape, error) {
	r.record(repositoryCall{operation: "create", shapeID: shape.Node.ID})
	return shape, nil
}

func (r *fakeRepository) Update(_ context.Context, _ string, shapeID string, patch canvas.Patch) (canvas.Shape, error) {
	r.record(repositoryCall{operation: "update", shapeID: shapeID, patch: patch})
	return canvas.Shape{}, nil
}

func (r *fakeRepository) Delete(_ context.Context, _ string, shapeID string) error {
	r.record(repositoryCall{operation: "delete", shapeID: shapeID})
	return nil
}

func (r *fakeRepository) List(_ context.Context, _ string) ([]canvas.Shape, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]canvas.Shape(nil), r.shapes...), nil
}

func (r *fakeRepository) Subscribe(_ context.Context, _ string, fn func([]canvas.Shape)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSub++
	id := r.nextSub
	r.subscribers[id] = fn
	r.subscribed++
	r.lastCallback = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subscribers, id)
			r.unsubscribed++
			r.mu.Unlock()
		})
	}, nil
}

func (r *fakeRepository) SetLock(_ context.Context, _ string, shapeID, userID string) error {
	r.record(repositoryCall{operation: "setLock", shapeID: shapeID, userID: userID})
	return nil
}

func (r *fakeRepository) RefreshLock(_ context.Context, _ string, shapeID, userID string) error {
	r.record(repositoryCall{operation: "refreshLock", shapeID: shapeID, userID: userID})
	return nil
}

func (r *fakeRepository) ClearLock(_ context.Context, _ string, shapeID string) error {
	r.record(repositoryCall{operation: "clearLock", shapeID: shapeID})
	return nil
}

// emit delivers shapes to every live subscriber.
func (r *fakeRepository) emit(shapes []canvas.Shape) {
	r.mu.Lock()
	callbacks := make([]func([]canvas.Shape), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		callbacks = append(callbacks, fn)
	}
	r.mu.Unlock()
	for _, fn := range callbacks {
		fn(shapes)
	}
}

func (r *fakeRepository) callsOf(operation string) []repositoryCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []repositoryCall
	for _, call := range r.calls {
		if call.operation == operation {
			matched = append(matched, call)
		}
	}
	return matched
}

func (r *fakeRepository) allCalls() []repositoryCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]repositoryCall(nil), r.calls...)
}

func (r *fakeRepository) subscriptionCounts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribed, r.unsubscribed
}

func (r *fakeRepository) staleCallback() func([]canvas.Shape) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCallback
}

type fakePresence struct {
	mu           sync.Mutex
	records      map[string]canvas.PresenceRecord
	heartbeats   int
	cursorCalls  int
	cursorErr    error
	subscribers  map[int]func([]canvas.PresenceRecord)
	nextSub      int
	unsubscribed int
}

func newFakePresence() *fakePresence {
	return &fakePresence{
		records:     make(map[string]canvas.PresenceRecord),
		subscribers: make(map[int]func([]canvas.PresenceRecord)),
	}
}

func (p *fakePresence) Register(_ context.Context, _ string, record canvas.PresenceRecord) (canvas.PresenceRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[record.SessionKey] = record
	return record, nil
}

func (p *fakePresence) Heartbeat(_ context.Context, _ string, sessionKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeats++
	if _, ok := p.records[sessionKey]; !ok {
		return canvas.ErrSessionNotFound
	}
	return nil
}

// expire drops a record the way a lapsed TTL would.
func (p *fakePresence) expire(sessionKey string) {
	p.mu.Lock()
	delete(p.records, sessionKey)
	p.mu.Unlock()
}

func (p *fakePresence) UpdateCursor(_ context.Context, _ string, sessionKey string, x, y float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursorCalls++
	if p.cursorErr != nil {
		return p.cursorErr
	}
	record := p.records[sessionKey]
	record.Cursor = &canvas.Cursor{X: x, Y: y}
	p.records[sessionKey] = record
	return nil
}

func (p *fakePresence) Subscribe(_ context.Context, _ string, fn func([]canvas.PresenceRecord)) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSub++
	id := p.nextSub
	p.subscribers[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subscribers, id)
			p.unsubscribed++
			p.mu.Unlock()
		})
	}, nil
}

func (p *fakePresence) emit(records []canvas.PresenceRecord) {
	p.mu.Lock()
	callbacks := make([]func([]canvas.PresenceRecord), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		callbacks = append(callbacks, fn)
	}
	p.mu.Unlock()
	for _, fn := range callbacks {
		fn(records)
	}
}

func (p *fakePresence) snapshot() []canvas.PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	records := make([]canvas.PresenceRecord, 0, len(p.records))
	for _, record := range p.records {
		records = append(records, record)
	}
	return records
}

func (p *fakePresence) counts() (heartbeats, cursorCalls int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heartbeats, p.cursorCalls
}

func rectShape(id string, x float64) canvas.Shape {
	return canvas.Shape{Node: canvas.NewRect(id, x, 0, 100, 50)}
}
