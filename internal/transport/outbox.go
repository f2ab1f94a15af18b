package transport

import (
	"errors"
	"sync"

	"github.com/coopsync/coopsync/internal/protocol"
)

// ErrSlowConsumer is returned by Send when a peer's outbound queue is full.
// The peer is closed.
var ErrSlowConsumer = errors.New("peer outbound queue full")

// ReasonSlowConsumer is the close reason given to a peer that stopped
// reading.
const ReasonSlowConsumer = "send queue full"

// Outgoing is one queued send.
type Outgoing struct {
	Channel  protocol.Channel
	Data     []byte
	Delivery Delivery
}

// Outbox is a bounded per-peer send queue drained by a single writer.
// Push never blocks, so callers on the server's job loop are never held up
// by a peer's flow control.
type Outbox struct {
	queue chan Outgoing
	done  chan struct{}
	once  sync.Once
}

func NewOutbox(size int) *Outbox {
	return &Outbox{
		queue: make(chan Outgoing, size),
		done:  make(chan struct{}),
	}
}

// Push queues msg. It fails with ErrUnknownConnection once the outbox is
// closed and with ErrSlowConsumer when the queue is full.
func (o *Outbox) Push(msg Outgoing) error {
	select {
	case <-o.done:
		return ErrUnknownConnection
	default:
	}
	select {
	case o.queue <- msg:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Run hands queued messages to write in order until write fails or the
// outbox is closed.
func (o *Outbox) Run(write func(Outgoing) error) error {
	for {
		select {
		case <-o.done:
			return nil
		case msg := <-o.queue:
			if err := write(msg); err != nil {
				return err
			}
		}
	}
}

// Len is the number of queued messages.
func (o *Outbox) Len() int { return len(o.queue) }

// Close stops Run and makes further pushes fail. Safe to call more than once.
func (o *Outbox) Close() {
	o.once.Do(func() { close(o.done) })
}
