package worker

import (
	"fmt"
	"unicode/utf8"

	"github.com/coopsync/coopsync/internal/dispatcher"
	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/transport"
)

// maxUsername bounds the name a handshake may claim.
const maxUsername = 64

// RegisterHandlers registers all packet handlers with the dispatcher. Every
// handler is serialized so it observes connect and disconnect in order.
func (m *Manager) RegisterHandlers(d *dispatcher.Dispatcher) {
	// Session control - sync
	d.Register(protocol.TypeHandshake, m.handleHandshake, dispatcher.Serialized(), dispatcher.Logged())
	d.Register(protocol.TypeFileAck, m.handleFileAck, dispatcher.Serialized(), dispatcher.Logged())
	d.Register(protocol.TypeDeleteEntity, m.handleDeleteEntity, dispatcher.Serialized(), dispatcher.Logged())

	// High-volume position sync - buffered, dropped when full
	d.Register(protocol.TypePedSync, m.handlePedSync, dispatcher.Serialized(), dispatcher.Buffered(10000))
	d.Register(protocol.TypeVehicleSync, m.handleVehicleSync, dispatcher.Serialized(), dispatcher.Buffered(5000))

	// Vehicle state is relayed reliably, so it must not be dropped
	d.Register(protocol.TypeVehicleStateSync, m.handleVehicleState, dispatcher.Serialized(), dispatcher.Buffered(1000), dispatcher.Blocking(), dispatcher.Logged())
}

func (m *Manager) handleHandshake(e dispatcher.Event) error {
	p, ok := e.Packet.(protocol.Handshake)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedPacket, e.Packet)
	}
	name := truncateName(p.Username, maxUsername)
	if !m.deps.Host.SetUsername(e.Conn, name) {
		return fmt.Errorf("failed to set username: unknown connection %s", e.Conn)
	}
	return nil
}

func (m *Manager) handleFileAck(e dispatcher.Event) error {
	p, ok := e.Packet.(protocol.FileAck)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedPacket, e.Packet)
	}
	m.deps.Downloads.Ack(e.Conn, p.ID)
	return nil
}

func (m *Manager) handleDeleteEntity(e dispatcher.Event) error {
	p, ok := e.Packet.(protocol.DeleteEntity)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedPacket, e.Packet)
	}
	if !m.deps.Host.Ready(e.Conn) {
		return nil
	}
	if !m.deps.Registry.RemoveOwned(p.Handle, e.Conn) {
		m.deps.Logger.Debug("Ignored delete of entity not owned by sender", "conn", e.Conn, "handle", p.Handle.String())
		return nil
	}
	m.deps.Host.Relay(e.Conn, protocol.ChannelDefault, p, transport.ReliableOrdered)
	return nil
}

func (m *Manager) handlePedSync(e dispatcher.Event) error {
	p, ok := e.Packet.(protocol.PedSync)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedPacket, e.Packet)
	}
	if !m.deps.Host.Ready(e.Conn) {
		return nil
	}
	if !m.deps.Registry.UpsertPed(p.ID, p.Position, p.Rotation, p.Health, e.Conn) {
		return nil
	}
	m.deps.Host.Relay(e.Conn, protocol.ChannelPedSync, p, transport.Unreliable)
	return nil
}

func (m *Manager) handleVehicleSync(e dispatcher.Event) error {
	p, ok := e.Packet.(protocol.VehicleSync)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedPacket, e.Packet)
	}
	if !m.deps.Host.Ready(e.Conn) {
		return nil
	}
	if !m.deps.Registry.UpsertVehicle(p.ID, p.Position, p.Quaternion, e.Conn) {
		return nil
	}
	m.deps.Host.Relay(e.Conn, protocol.ChannelVehicleSync, p, transport.Unreliable)
	return nil
}

func (m *Manager) handleVehicleState(e dispatcher.Event) error {
	p, ok := e.Packet.(protocol.VehicleStateSync)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedPacket, e.Packet)
	}
	if !m.deps.Host.Ready(e.Conn) {
		return nil
	}

	// the damage model is a snapshot of the sender's vehicle and is relayed as reported
	if !m.deps.Registry.UpsertVehicleState(p.ID, p.Passengers, p.Damage, e.Conn) {
		return nil
	}
	m.deps.Host.Relay(e.Conn, protocol.ChannelVehicleSync, p, transport.ReliableOrdered)
	return nil
}

// truncateName cuts name to at most n bytes without splitting a rune.
func truncateName(name string, n int) string {
	if len(name) <= n {
		return name
	}
	for n > 0 && !utf8.RuneStart(name[n]) {
		n--
	}
	return name[:n]
}
