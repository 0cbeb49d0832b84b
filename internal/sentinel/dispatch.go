package sentinel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/perimeter/internal/metrics"
)

// dispatchTimeout bounds a single handler invocation. Handlers doing I/O
// (webhooks, notifications) run inside this budget on the worker goroutine,
// never on the request path.
const dispatchTimeout = 30 * time.Second

// dispatcher fans high-severity activities out to registered handlers.
// Enqueueing is non-blocking: when the queue is full the activity is dropped
// and counted, so a slow handler can never back-pressure request handling.
type dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler

	queue  chan *SuspiciousActivity
	stop   chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

func newDispatcher(queueSize int, logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		queue:  make(chan *SuspiciousActivity, queueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go d.run()
	return d
}

// register adds an alert handler. The dispatcher holds the set of handlers
// but no ownership of handler-internal state.
func (d *dispatcher) register(h Handler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// enqueue hands an activity to the worker, dropping it when the queue is full.
func (d *dispatcher) enqueue(activity *SuspiciousActivity) {
	select {
	case d.queue <- activity:
	default:
		metrics.AlertQueueDrops.Inc()
		d.logger.Warn("alert queue full, dropping activity",
			"activity_type", activity.Type, "source_ip", activity.SourceIP)
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			// Drain what is already queued before exiting.
			for {
				select {
				case activity := <-d.queue:
					d.deliver(activity)
				default:
					return
				}
			}
		case activity := <-d.queue:
			d.deliver(activity)
		}
	}
}

// deliver invokes every handler independently. A handler error or panic is
// caught and logged; it never blocks the other handlers.
func (d *dispatcher) deliver(activity *SuspiciousActivity) {
	d.mu.RLock()
	handlers := make([]Handler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	for _, h := range handlers {
		if err := d.invoke(h, activity); err != nil {
			metrics.AlertDispatchesTotal.WithLabelValues(h.Name(), "error").Inc()
			d.logger.Error("alert handler failed",
				"handler", h.Name(), "activity_type", activity.Type, "error", err)
			continue
		}
		metrics.AlertDispatchesTotal.WithLabelValues(h.Name(), "ok").Inc()
	}
}

func (d *dispatcher) invoke(h Handler, activity *SuspiciousActivity) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	return h.Handle(ctx, activity)
}

// close stops the worker after draining the queue.
func (d *dispatcher) close() {
	close(d.stop)
	<-d.done
}

// queueDepth reports how many activities are waiting for delivery.
func (d *dispatcher) queueDepth() int {
	return len(d.queue)
}

// LogHandler is a Handler that writes every high-severity alert to the
// structured log. It never fails.
type LogHandler struct {
	Logger *slog.Logger
}

// Name implements Handler.
func (h *LogHandler) Name() string { return "log" }

// Handle implements Handler.
func (h *LogHandler) Handle(_ context.Context, activity *SuspiciousActivity) error {
	h.Logger.Warn("security alert",
		"activity_type", activity.Type,
		"severity", activity.Severity,
		"source_ip", activity.SourceIP,
		"user_id", activity.UserID,
		"details", activity.Details,
	)
	return nil
}
