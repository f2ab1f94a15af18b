package server

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/coopsync/coopsync/internal/download"
	"github.com/coopsync/coopsync/internal/influx"
	"github.com/coopsync/coopsync/internal/logging"
	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/transport"
	"github.com/coopsync/coopsync/pkg/core"
)

// Client is one connected peer.
type Client struct {
	ID            core.ConnID
	Username      string
	RemoteAddr    string
	ConnectedAt   time.Time
	FilesReceived bool

	session *core.Session
}

// Clients returns a copy of the client table ordered by connect time.
func (s *Server) Clients() []Client {
	s.mu.RLock()
	out := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		cp := *c
		cp.session = nil
		out = append(out, cp)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Client) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out
}

// ClientCount is the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Ready reports whether conn has every catalog file.
func (s *Server) Ready(conn core.ConnID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[conn]
	return ok && c.FilesReceived
}

func (s *Server) SetUsername(conn core.ConnID, name string) bool {
	s.mu.Lock()
	c, ok := s.clients[conn]
	if ok {
		c.Username = name
		if c.session != nil {
			c.session.Username = name
		}
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	// log outside mu: the log context provider reads the client count
	s.logger.InfoContext(logging.WithConn(context.Background(), conn, name), "Client identified")
	return true
}

// logCtx tags a log context with conn and its username, if one is known.
func (s *Server) logCtx(conn core.ConnID) context.Context {
	s.mu.RLock()
	var name string
	if c, ok := s.clients[conn]; ok {
		name = c.Username
	}
	s.mu.RUnlock()
	return logging.WithConn(context.Background(), conn, name)
}

func (s *Server) connect(ev transport.Event) {
	s.mu.Lock()
	if s.opts.MaxClients > 0 && len(s.clients) >= s.opts.MaxClients {
		s.mu.Unlock()
		s.logger.WarnContext(logging.WithConn(context.Background(), ev.Conn, ""), "Rejected client, server full",
			"remote", ev.RemoteAddr, "maxClients", s.opts.MaxClients)
		_ = s.deps.Transport.CloseConn(ev.Conn, ReasonFull)
		return
	}
	connectedAt := ev.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = s.deps.Now()
	}
	c := &Client{
		ID:          ev.Conn,
		RemoteAddr:  ev.RemoteAddr,
		ConnectedAt: connectedAt,
		session: &core.Session{
			ConnID:      ev.Conn,
			RemoteAddr:  ev.RemoteAddr,
			ConnectedAt: connectedAt,
		},
	}
	s.clients[ev.Conn] = c
	s.mu.Unlock()
	s.sessions.Add(1)

	logCtx := logging.WithConn(context.Background(), ev.Conn, "")
	if err := s.deps.Storage.StartSession(c.session); err != nil {
		s.logger.WarnContext(logCtx, "Failed to record session start", "error", err)
	}
	s.writeSessionPoint("connect", *c.session, connectedAt)

	s.logger.InfoContext(logCtx, "Client connected", "remote", ev.RemoteAddr)

	if !s.downloads.Connect(ev.Conn) {
		s.markReady(c)
	}
}

// filesReceived is the download manager's completion callback. It runs on
// the job loop inside Ack.
func (s *Server) filesReceived(conn core.ConnID, p download.Progress) {
	s.mu.RLock()
	c, ok := s.clients[conn]
	s.mu.RUnlock()
	if !ok {
		return
	}

	logCtx := s.logCtx(conn)
	now := s.deps.Now()
	delivery := &core.FileDelivery{
		ConnID:   conn,
		Time:     now,
		Files:    p.FileCount,
		Bytes:    s.deps.Catalog.TotalBytes(),
		Duration: now.Sub(p.StartedAt),
		Retries:  p.TotalRetries,
	}
	if err := s.deps.Storage.RecordFileDelivery(delivery); err != nil {
		s.logger.WarnContext(logCtx, "Failed to record file delivery", "error", err)
	}
	s.logger.InfoContext(logCtx, "Client received all files", "files", p.FileCount, "duration", delivery.Duration)

	s.markReady(c)
}

// markReady flags c, tells it the download phase is over and sends it every
// server prop.
func (s *Server) markReady(c *Client) {
	s.mu.Lock()
	c.FilesReceived = true
	s.mu.Unlock()

	s.send(c.ID, protocol.ChannelFile, protocol.AllFilesSent{})
	for _, p := range s.registry.Props() {
		s.send(c.ID, protocol.ChannelProps, protocol.PropFor(p))
	}
}

func (s *Server) downloadStalled(conn core.ConnID, p download.Progress) {
	delivery := &core.FileDelivery{
		ConnID:   conn,
		Time:     s.deps.Now(),
		Files:    p.FilePosition,
		Duration: s.deps.Now().Sub(p.StartedAt),
		Retries:  p.TotalRetries,
		Stalled:  true,
	}
	logCtx := s.logCtx(conn)
	if err := s.deps.Storage.RecordFileDelivery(delivery); err != nil {
		s.logger.WarnContext(logCtx, "Failed to record file delivery", "error", err)
	}
	if err := s.deps.Transport.CloseConn(conn, ReasonStalled); err != nil {
		s.logger.DebugContext(logCtx, "Stalled client already gone", "error", err)
	}
}

// disconnect drops the download session, removes every ped and vehicle the
// client owned and tells the remaining clients about the removals.
func (s *Server) disconnect(conn core.ConnID, reason string) {
	s.downloads.Disconnect(conn)
	removed := s.registry.RemoveOwnedBy(conn)

	s.mu.Lock()
	c, ok := s.clients[conn]
	delete(s.clients, conn)
	s.mu.Unlock()

	for _, h := range removed {
		s.broadcast(conn, protocol.ChannelDefault, protocol.DeleteEntity{Handle: h}, transport.ReliableOrdered)
	}

	if !ok {
		return
	}
	s.endSession(c, reason)
	s.logger.InfoContext(logging.WithConn(context.Background(), conn, c.Username), "Client disconnected",
		"reason", reason,
		"removedEntities", len(removed))
}

func (s *Server) endSession(c *Client, reason string) {
	if c.session == nil {
		return
	}
	c.session.DisconnectedAt = s.deps.Now()
	c.session.Reason = reason
	if err := s.deps.Storage.EndSession(c.session); err != nil {
		s.logger.WarnContext(logging.WithConn(context.Background(), c.ID, c.Username), "Failed to record session end", "error", err)
	}
	s.writeSessionPoint("disconnect", *c.session, c.session.DisconnectedAt)
}

func (s *Server) writeSessionPoint(event string, session core.Session, at time.Time) {
	if s.deps.Influx == nil {
		return
	}
	point := influx.SessionPoint(s.opts.Name, event, session, at)
	if err := s.deps.Influx.WritePoint(context.Background(), influx.BucketSessions, point); err != nil {
		s.logger.Debug("Failed to write session point", "error", err)
	}
}
