// Package transport abstracts the channelized connection layer clients
// talk to. Implementations live in the quic and websocket subpackages.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/pkg/core"
)

var (
	// ErrUnknownConnection is returned when sending to a peer that is gone.
	ErrUnknownConnection = errors.New("unknown connection")
	ErrClosed            = errors.New("transport closed")
	ErrInvalidChannel    = errors.New("invalid channel")
)

// Delivery is the guarantee requested for a send.
type Delivery int

const (
	ReliableOrdered Delivery = iota
	Unreliable
)

func (d Delivery) String() string {
	if d == Unreliable {
		return "unreliable"
	}
	return "reliable-ordered"
}

// EventType discriminates transport events.
type EventType int

const (
	EventConnect EventType = iota
	EventDisconnect
	EventMessage
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	default:
		return "message"
	}
}

// Event is delivered in order per connection: one EventConnect, any number
// of EventMessage, one EventDisconnect.
type Event struct {
	Type        EventType
	Conn        core.ConnID
	RemoteAddr  string
	ConnectedAt time.Time
	Channel     protocol.Channel
	Data        []byte
	Reason      string
}

type Transport interface {
	// Start begins accepting peers. It returns once listening.
	Start(ctx context.Context) error
	Close() error

	Send(conn core.ConnID, ch protocol.Channel, data []byte, d Delivery) error
	CloseConn(conn core.ConnID, reason string) error

	Events() <-chan Event

	// Addr is the bound listen address, valid after Start.
	Addr() string
}

// ValidChannel reports whether ch is one the protocol defines.
func ValidChannel(ch protocol.Channel) bool {
	return ch < protocol.ChannelCount
}

// Emitter is the event queue shared by the implementations.
type Emitter struct {
	events chan Event
}

func NewEmitter(size int) *Emitter {
	return &Emitter{events: make(chan Event, size)}
}

func (e *Emitter) Events() <-chan Event { return e.events }

// Emit blocks until the event is queued or ctx ends.
func (e *Emitter) Emit(ctx context.Context, ev Event) bool {
	select {
	case e.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
