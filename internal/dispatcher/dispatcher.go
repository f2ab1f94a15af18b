package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/pkg/core"
)

var (
	ErrUnknownPacket = errors.New("no handler for packet")
	ErrQueueFull     = errors.New("queue full")
	ErrStopped       = errors.New("dispatcher stopped")
)

// Event is a decoded packet received from a client.
type Event struct {
	Conn      core.ConnID
	Channel   protocol.Channel
	Packet    protocol.Packet
	Timestamp time.Time
}

// Type is the packet type the event is routed by.
func (e Event) Type() protocol.PacketType {
	return e.Packet.Type()
}

// HandlerFunc processes an event.
type HandlerFunc func(Event) error

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	bufferSize int
	blocking   bool
	logged     bool
	serialized bool
}

// Buffered makes the handler async with a queue of the given size.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered handler block when the queue is full instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Serialized runs the handler on the job loop, so it never overlaps any
// other job or serialized handler.
func Serialized() Option {
	return func(c *config) {
		c.serialized = true
	}
}

type job struct {
	fn   func()
	done chan struct{}
}

// Dispatcher routes events to registered handlers and owns the job loop
// every state mutation is funneled through.
type Dispatcher struct {
	handlers map[protocol.PacketType]HandlerFunc
	logger   Logger

	jobs    chan job
	stopped chan struct{}
	running sync.Once
	loop    atomic.Int64 // goroutine running the job loop, 0 when none

	// OTEL metrics
	queueSize metric.Int64ObservableGauge
	jobQueue  metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter

	// Track buffers for gauge callback
	mu      sync.RWMutex
	buffers map[protocol.PacketType]chan Event
}

// New creates a new Dispatcher with the given logger and job queue size.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger, jobQueue int) (*Dispatcher, error) {
	if jobQueue <= 0 {
		jobQueue = 1024
	}
	d := &Dispatcher{
		handlers: make(map[protocol.PacketType]HandlerFunc),
		buffers:  make(map[protocol.PacketType]chan Event),
		jobs:     make(chan job, jobQueue),
		stopped:  make(chan struct{}),
		logger:   logger,
	}

	// Get meter from global OTel provider (returns no-op if not configured)
	m := meter()

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of events in queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	d.jobQueue, err = m.Int64ObservableGauge(
		"dispatcher.jobs.pending",
		metric.WithDescription("Jobs waiting for the serialization loop"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating job queue gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			d.mu.RLock()
			defer d.mu.RUnlock()
			for pt, buf := range d.buffers {
				o.ObserveInt64(d.queueSize, int64(len(buf)),
					metric.WithAttributes(attribute.String("packet", pt.String())))
			}
			o.ObserveInt64(d.jobQueue, int64(len(d.jobs)))
			return nil
		},
		d.queueSize, d.jobQueue,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.events.processed",
		metric.WithDescription("Total events processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.events.dropped",
		metric.WithDescription("Total events dropped due to full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return d, nil
}

// Register adds a handler for the given packet type with optional configuration.
func (d *Dispatcher) Register(pt protocol.PacketType, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h

	if cfg.serialized {
		handler = d.withSerialization(handler)
	}

	if cfg.bufferSize > 0 {
		handler = d.withBuffer(pt, cfg.bufferSize, cfg.blocking, handler)
	}

	if cfg.logged {
		handler = d.withLogging(pt, handler)
	}

	d.handlers[pt] = handler
}

// Dispatch routes an event to its registered handler.
func (d *Dispatcher) Dispatch(e Event) error {
	h, ok := d.handlers[e.Type()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPacket, e.Type())
	}
	return h(e)
}

// HasHandler returns true if a handler is registered for the packet type.
func (d *Dispatcher) HasHandler(pt protocol.PacketType) bool {
	_, ok := d.handlers[pt]
	return ok
}

// Run executes queued jobs one at a time until ctx ends. Jobs still queued
// at that point are dropped and their waiters released.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.running.Do(func() { close(d.stopped) })
	d.loop.Store(goid.Get())
	defer d.loop.Store(0)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.jobs:
			j.fn()
			close(j.done)
		}
	}
}

// OnLoop reports whether the caller is running on the job loop.
func (d *Dispatcher) OnLoop() bool {
	return d.loop.Load() == goid.Get()
}

// Do runs fn on the job loop and waits for it to finish. Called from a job
// it runs fn inline.
func (d *Dispatcher) Do(fn func()) error {
	if d.OnLoop() {
		fn()
		return nil
	}
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case d.jobs <- j:
	case <-d.stopped:
		return ErrStopped
	}
	select {
	case <-j.done:
		return nil
	case <-d.stopped:
		return ErrStopped
	}
}

// Queue schedules fn on the job loop without waiting. It returns false when
// the queue is full or the loop has stopped.
func (d *Dispatcher) Queue(fn func()) bool {
	select {
	case <-d.stopped:
		return false
	default:
	}
	select {
	case d.jobs <- job{fn: fn, done: make(chan struct{})}:
		return true
	default:
		d.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("packet", "job")))
		return false
	}
}

func (d *Dispatcher) withSerialization(h HandlerFunc) HandlerFunc {
	return func(e Event) error {
		var err error
		if doErr := d.Do(func() { err = h(e) }); doErr != nil {
			return doErr
		}
		return err
	}
}

func (d *Dispatcher) withBuffer(pt protocol.PacketType, size int, blocking bool, h HandlerFunc) HandlerFunc {
	buffer := make(chan Event, size)

	d.mu.Lock()
	d.buffers[pt] = buffer
	d.mu.Unlock()

	ptAttr := attribute.String("packet", pt.String())

	go func() {
		for e := range buffer {
			if err := h(e); err != nil {
				d.logger.Error("buffered handler failed", "packet", pt.String(), "conn", e.Conn, "error", err)
			}
			d.processed.Add(context.Background(), 1, metric.WithAttributes(ptAttr))
		}
	}()

	if blocking {
		return func(e Event) error {
			buffer <- e
			return nil
		}
	}

	return func(e Event) error {
		select {
		case buffer <- e:
			return nil
		default:
			d.dropped.Add(context.Background(), 1, metric.WithAttributes(ptAttr))
			return fmt.Errorf("%w: %s", ErrQueueFull, pt)
		}
	}
}

func (d *Dispatcher) withLogging(pt protocol.PacketType, h HandlerFunc) HandlerFunc {
	return func(e Event) error {
		start := time.Now()
		d.logger.Debug("handling packet", "packet", pt.String(), "conn", e.Conn)

		err := h(e)

		if err != nil {
			d.logger.Error("packet failed", "packet", pt.String(), "conn", e.Conn, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("packet complete", "packet", pt.String(), "duration", time.Since(start))
		}

		return err
	}
}
