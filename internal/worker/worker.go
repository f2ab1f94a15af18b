package worker

import (
	"errors"
	"log/slog"

	"github.com/coopsync/coopsync/internal/download"
	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/registry"
	"github.com/coopsync/coopsync/internal/transport"
	"github.com/coopsync/coopsync/pkg/core"
)

// ErrUnexpectedPacket is returned when a handler is given a packet of the wrong type
var ErrUnexpectedPacket = errors.New("unexpected packet")

// Host is the part of the server the handlers talk back to. Every method is
// called from the dispatcher's job loop.
type Host interface {
	// Ready reports whether conn has received every catalog file.
	Ready(conn core.ConnID) bool
	SetUsername(conn core.ConnID, name string) bool
	// Relay sends p to every ready client except from.
	Relay(from core.ConnID, ch protocol.Channel, p protocol.Packet, d transport.Delivery)
}

// Dependencies holds all dependencies for the worker manager
type Dependencies struct {
	Registry  *registry.Registry
	Downloads *download.Manager
	Host      Host
	Logger    *slog.Logger
}

// Manager turns client packets into registry and download updates
type Manager struct {
	deps Dependencies
}

// NewManager creates a new worker manager
func NewManager(deps Dependencies) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{deps: deps}
}
