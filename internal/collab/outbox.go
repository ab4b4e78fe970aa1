package collab

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

type outboxTask struct {
	operation string
	fields    []zap.Field
	run       func(context.Context) error
}

// outbox runs remote calls one at a time in submission order on a background
// goroutine. Failures are logged and dropped.
type outbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []outboxTask
	busy    bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	stopped chan struct{}
}

func newOutbox(logger *zap.Logger) *outbox {
	ctx, cancel := context.WithCancel(context.Background())
	o := &outbox{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		stopped: make(chan struct{}),
	}
	o.cond = sync.NewCond(&o.mu)
	go o.loop()
	return o
}

// enqueue schedules run. Tasks submitted after close are dropped.
func (o *outbox) enqueue(operation string, run func(context.Context) error, fields ...zap.Field) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.queue = append(o.queue, outboxTask{operation: operation, fields: fields, run: run})
	o.cond.Broadcast()
}

// wait blocks until every queued task has finished.
func (o *outbox) wait() {
	o.mu.Lock()
	for len(o.queue) > 0 || o.busy {
		o.cond.Wait()
	}
	o.mu.Unlock()
}

// close drains the queue, then stops the worker.
func (o *outbox) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		<-o.stopped
		return
	}
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
	<-o.stopped
	o.cancel()
}

func (o *outbox) loop() {
	defer close(o.stopped)
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.cond.Wait()
		}
		if len(o.queue) == 0 {
			o.cond.Broadcast()
			o.mu.Unlock()
			return
		}
		task := o.queue[0]
		o.queue = o.queue[1:]
		o.busy = true
		o.mu.Unlock()

		if err := task.run(o.ctx); err != nil {
			o.report(task, err)
		}

		o.mu.Lock()
		o.busy = false
		o.cond.Broadcast()
		o.mu.Unlock()
	}
}

func (o *outbox) report(task outboxTask, err error) {
	fields := append([]zap.Field{zap.String("operation", task.operation), zap.Error(err)}, task.fields...)
	if errors.Is(err, ErrPermissionDenied) {
		o.logger.Debug("remote call rejected", fields...)
		return
	}
	o.logger.Warn("remote call failed", fields...)
}
