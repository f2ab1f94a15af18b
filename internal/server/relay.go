package server

import (
	"errors"

	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/transport"
	"github.com/coopsync/coopsync/pkg/core"
)

// Relay sends p to every ready client except from.
func (s *Server) Relay(from core.ConnID, ch protocol.Channel, p protocol.Packet, d transport.Delivery) {
	s.broadcast(from, ch, p, d)
}

// PublishProp implements registry.PropPublisher.
func (s *Server) PublishProp(p core.Prop) {
	s.broadcast("", protocol.ChannelProps, protocol.PropFor(p), transport.ReliableOrdered)
}

// PublishDelete implements registry.PropPublisher.
func (s *Server) PublishDelete(h core.Handle) {
	s.broadcast("", protocol.ChannelDefault, protocol.DeleteEntity{Handle: h}, transport.ReliableOrdered)
}

func (s *Server) broadcast(except core.ConnID, ch protocol.Channel, p protocol.Packet, d transport.Delivery) {
	data, err := protocol.Encode(p)
	if err != nil {
		s.logger.Error("Failed to encode packet", "packet", p.Type().String(), "error", err)
		return
	}

	s.mu.RLock()
	targets := make([]core.ConnID, 0, len(s.clients))
	for id, c := range s.clients {
		if id != except && c.FilesReceived {
			targets = append(targets, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range targets {
		s.sendRaw(id, ch, data, d)
	}
}

// send delivers p reliable-ordered to one client.
func (s *Server) send(conn core.ConnID, ch protocol.Channel, p protocol.Packet) {
	data, err := protocol.Encode(p)
	if err != nil {
		s.logger.Error("Failed to encode packet", "packet", p.Type().String(), "error", err)
		return
	}
	s.sendRaw(conn, ch, data, transport.ReliableOrdered)
}

func (s *Server) sendRaw(conn core.ConnID, ch protocol.Channel, data []byte, d transport.Delivery) {
	err := s.deps.Transport.Send(conn, ch, data, d)
	if err != nil && !errors.Is(err, transport.ErrUnknownConnection) {
		s.logger.Warn("Send failed", "conn", conn, "channel", ch.String(), "error", err)
	}
}
