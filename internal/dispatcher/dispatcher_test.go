package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coopsync/coopsync/internal/protocol"
)

// testLogger implements Logger for testing
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("DEBUG: %s %v", msg, keysAndValues))
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("INFO: %s %v", msg, keysAndValues))
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("ERROR: %s %v", msg, keysAndValues))
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *testLogger) {
	logger := &testLogger{}

	d, err := New(logger, 16)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	return d, logger
}

func pedEvent() Event {
	return Event{Conn: "a", Packet: protocol.PedSync{ID: 1}}
}

func runLoop(t *testing.T, d *Dispatcher) {
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(cancel)
}

func TestDispatcher_SyncHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var got Event
	d.Register(protocol.TypePedSync, func(e Event) error {
		got = e
		return nil
	})

	if err := d.Dispatch(pedEvent()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got.Conn != "a" {
		t.Errorf("handler was not called with the event, got %+v", got)
	}
}

func TestDispatcher_UnknownPacket(t *testing.T) {
	d, _ := newTestDispatcher(t)

	err := d.Dispatch(Event{Packet: protocol.FileAck{}})

	if !errors.Is(err, ErrUnknownPacket) {
		t.Errorf("expected ErrUnknownPacket, got %v", err)
	}
}

func TestDispatcher_BufferedHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var processed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)

	d.Register(protocol.TypePedSync, func(e Event) error {
		processed.Add(1)
		wg.Done()
		return nil
	}, Buffered(100))

	for i := 0; i < 3; i++ {
		if err := d.Dispatch(pedEvent()); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}

	wg.Wait()

	if processed.Load() != 3 {
		t.Errorf("expected 3 processed, got %d", processed.Load())
	}
}

func TestDispatcher_BufferedDropsWhenFull(t *testing.T) {
	d, _ := newTestDispatcher(t)

	// Block the handler so queue fills up
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	d.Register(protocol.TypePedSync, func(e Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	}, Buffered(2))

	d.Dispatch(pedEvent()) // being processed
	<-started
	d.Dispatch(pedEvent()) // queued
	d.Dispatch(pedEvent()) // queued

	err := d.Dispatch(pedEvent())
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	close(block)
}

func TestDispatcher_BufferedBlocking(t *testing.T) {
	d, _ := newTestDispatcher(t)

	block := make(chan struct{})
	d.Register(protocol.TypePedSync, func(e Event) error {
		<-block
		return nil
	}, Buffered(1), Blocking())

	d.Dispatch(pedEvent())
	d.Dispatch(pedEvent())

	done := make(chan struct{})
	go func() {
		d.Dispatch(pedEvent())
		d.Dispatch(pedEvent())
		close(done)
	}()

	select {
	case <-done:
		t.Error("dispatch should have blocked")
	case <-time.After(50 * time.Millisecond):
		// Expected - dispatch is blocking
	}

	close(block)
}

func TestDispatcher_LoggedHandlerError(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register(protocol.TypePedSync, func(e Event) error {
		return fmt.Errorf("test error")
	}, Logged())

	d.Dispatch(pedEvent())

	logger.mu.Lock()
	defer logger.mu.Unlock()

	hasError := false
	for _, msg := range logger.messages {
		if len(msg) >= 5 && msg[:5] == "ERROR" {
			hasError = true
			break
		}
	}

	if !hasError {
		t.Error("expected error log message")
	}
}

func TestDispatcher_HasHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.Register(protocol.TypeFileAck, func(e Event) error { return nil })

	if !d.HasHandler(protocol.TypeFileAck) {
		t.Error("expected handler to exist")
	}

	if d.HasHandler(protocol.TypeHandshake) {
		t.Error("expected handler to not exist")
	}
}

func TestDispatcher_SerializedHandlersNeverOverlap(t *testing.T) {
	d, _ := newTestDispatcher(t)
	runLoop(t, d)

	var inside atomic.Int32
	var overlap atomic.Bool
	counter := 0
	h := func(e Event) error {
		if inside.Add(1) > 1 {
			overlap.Store(true)
		}
		counter++
		inside.Add(-1)
		return nil
	}
	d.Register(protocol.TypePedSync, h, Serialized())
	d.Register(protocol.TypeVehicleSync, h, Serialized(), Buffered(64), Blocking())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				d.Dispatch(pedEvent())
				d.Dispatch(Event{Packet: protocol.VehicleSync{}})
				d.Do(func() { counter++ })
			}
		}()
	}
	wg.Wait()

	// drain the buffered handler through the loop
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var n int
		d.Do(func() { n = counter })
		if n == 8*50*3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	var n int
	d.Do(func() { n = counter })
	if n != 8*50*3 {
		t.Errorf("expected %d increments, got %d", 8*50*3, n)
	}
	if overlap.Load() {
		t.Error("serialized handlers overlapped")
	}
}

func TestDispatcher_SerializedReturnsHandlerError(t *testing.T) {
	d, _ := newTestDispatcher(t)
	runLoop(t, d)

	want := errors.New("boom")
	d.Register(protocol.TypePedSync, func(e Event) error { return want }, Serialized())

	if err := d.Dispatch(pedEvent()); !errors.Is(err, want) {
		t.Errorf("expected handler error, got %v", err)
	}
}

func TestDispatcher_QueueRunsInOrder(t *testing.T) {
	d, _ := newTestDispatcher(t)
	runLoop(t, d)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		if !d.Queue(func() { order = append(order, i) }) {
			t.Fatalf("queue %d rejected", i)
		}
	}
	d.Do(func() {})

	for i, v := range order {
		if v != i {
			t.Fatalf("jobs ran out of order: %v", order)
		}
	}
	if len(order) != 5 {
		t.Errorf("expected 5 jobs, got %d", len(order))
	}
}

func TestDispatcher_StoppedLoop(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if err := d.Do(func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	if d.Queue(func() {}) {
		t.Error("queue accepted a job after stop")
	}
}

func TestDispatcher_DoFromJobRunsInline(t *testing.T) {
	d, _ := newTestDispatcher(t)
	runLoop(t, d)

	if d.OnLoop() {
		t.Fatal("test goroutine reported as the job loop")
	}

	var order []string
	done := make(chan error, 1)
	go func() {
		done <- d.Do(func() {
			order = append(order, "outer")
			if !d.OnLoop() {
				order = append(order, "not on loop")
			}
			if err := d.Do(func() { order = append(order, "inner") }); err != nil {
				order = append(order, err.Error())
			}
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Do failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("nested Do deadlocked")
	}
	if fmt.Sprint(order) != "[outer inner]" {
		t.Errorf("unexpected order: %v", order)
	}
}

func TestDispatcher_SerializedHandlerFromJob(t *testing.T) {
	d, _ := newTestDispatcher(t)
	runLoop(t, d)

	var handled atomic.Int32
	d.Register(protocol.TypePedSync, func(Event) error {
		handled.Add(1)
		return nil
	}, Serialized())

	done := make(chan error, 1)
	go func() {
		var dispatchErr error
		err := d.Do(func() { dispatchErr = d.Dispatch(pedEvent()) })
		done <- errors.Join(err, dispatchErr)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("dispatch from job failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("serialized dispatch from a job deadlocked")
	}
	if handled.Load() != 1 {
		t.Errorf("expected 1 handled event, got %d", handled.Load())
	}
}
