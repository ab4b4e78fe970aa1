package shapes

import (
	"context"
	"sync"
	"time"
)

// Change event types published after a write.
const (
	EventShapeUpserted = "shape-upsert"
	EventShapeDeleted  = "shape-delete"
	EventShapeLocked   = "shape-lock"
)

// ChangeEvent announces that shapes on a canvas changed.
type ChangeEvent struct {
	CanvasID  string
	EventType string
	ShapeIDs  []string
	Timestamp time.Time
}

// Dispatcher fans change events out to subscribers of one canvas. A subscriber
// whose buffer is full misses the event; writers never block.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan ChangeEvent
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for events on canvasID until ctx ends or cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, canvasID string) (<-chan ChangeEvent, func()) {
	if canvasID == "" {
		ch := make(chan ChangeEvent)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan ChangeEvent, d.bufferSize),
	}
	d.register(canvasID, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(canvasID, sub.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers event to every subscriber of its canvas without blocking.
func (d *Dispatcher) Publish(event ChangeEvent) {
	if event.CanvasID == "" || event.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.CanvasID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the live subscribers of canvasID.
func (d *Dispatcher) SubscriberCount(canvasID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[canvasID])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(canvasID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[canvasID]; !ok {
		d.subscribers[canvasID] = make(map[int64]*subscriber)
	}
	d.subscribers[canvasID][sub.id] = sub
}

func (d *Dispatcher) unregister(canvasID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[canvasID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, canvasID)
		}
	}
	d.mu.Unlock()
}
