// Package server ties the transport, the dispatcher job loop, the entity
// registry and the download manager into one running game server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sasha-s/go-deadlock"

	"github.com/coopsync/coopsync/internal/catalog"
	"github.com/coopsync/coopsync/internal/dispatcher"
	"github.com/coopsync/coopsync/internal/download"
	"github.com/coopsync/coopsync/internal/logging"
	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/registry"
	"github.com/coopsync/coopsync/internal/storage"
	"github.com/coopsync/coopsync/internal/transport"
	"github.com/coopsync/coopsync/internal/worker"
	"github.com/coopsync/coopsync/pkg/core"
)

const (
	// ReasonStalled is the close reason for a client whose download stopped
	// acknowledging files.
	ReasonStalled = "file transfer stalled"
	ReasonFull    = "server full"
)

// PointWriter is implemented by influx.Manager.
type PointWriter interface {
	WritePoint(ctx context.Context, bucket string, point *influxdb2_write.Point) error
}

// Options are the tunables read from server.* and files.*.
type Options struct {
	Name           string
	TickRate       int
	MaxClients     int
	OwnershipGrace time.Duration
	AckTimeout     time.Duration
	MaxRetries     int
}

// Dependencies holds what the server is built from. Storage, Influx and
// Logger are optional.
type Dependencies struct {
	Transport transport.Transport
	Catalog   *catalog.Catalog
	Storage   storage.Backend
	Influx    PointWriter
	Logger    *slog.Logger
	Now       func() time.Time
}

// Server is one running session host. All registry and download mutations
// run on the dispatcher's job loop.
type Server struct {
	opts Options
	deps Dependencies

	registry   *registry.Registry
	downloads  *download.Manager
	dispatcher *dispatcher.Dispatcher
	workers    *worker.Manager
	logger     *slog.Logger

	mu      deadlock.RWMutex
	clients map[core.ConnID]*Client

	startedAt time.Time
	lastTick  atomic.Int64 // nanoseconds
	sessions  atomic.Int64
	running   atomic.Bool
}

// New builds a server. Nothing runs until Run.
func New(opts Options, deps Dependencies) (*Server, error) {
	if deps.Transport == nil {
		return nil, errors.New("server: transport is required")
	}
	if deps.Storage == nil {
		deps.Storage = storage.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.TickRate <= 0 {
		opts.TickRate = 20
	}

	s := &Server{
		opts:    opts,
		deps:    deps,
		logger:  deps.Logger,
		clients: make(map[core.ConnID]*Client),
	}

	d, err := dispatcher.New(logging.NewDispatcherLogger(s.logger), 4096)
	if err != nil {
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}
	s.dispatcher = d

	s.registry = registry.New(registry.Options{
		OwnershipGrace: opts.OwnershipGrace,
		Publisher:      s,
		Now:            deps.Now,
	})

	s.downloads = download.New(deps.Catalog, download.TransportSender{T: deps.Transport}, download.Options{
		AckTimeout: opts.AckTimeout,
		MaxRetries: opts.MaxRetries,
		OnComplete: s.filesReceived,
		OnStalled:  s.downloadStalled,
		Logger:     s.logger,
		Now:        deps.Now,
	})

	s.workers = worker.NewManager(worker.Dependencies{
		Registry:  s.registry,
		Downloads: s.downloads,
		Host:      s,
		Logger:    s.logger,
	})
	s.workers.RegisterHandlers(d)

	return s, nil
}

// Entities is the registry server-side code reads and creates props through.
func (s *Server) Entities() *registry.Registry { return s.registry }

// CreateProp spawns a server-owned prop and broadcasts it to ready clients.
// It is safe to call from any goroutine, including a job on the loop.
func (s *Server) CreateProp(model int32, pos, rot core.Vector3) (*registry.PropHandle, error) {
	var (
		h   *registry.PropHandle
		err error
	)
	if doErr := s.do(func() { h, err = s.registry.CreateProp(model, pos, rot) }); doErr != nil {
		return nil, doErr
	}
	return h, err
}

// do runs fn on the job loop. Before Run, or when already on the loop, it
// runs fn inline.
func (s *Server) do(fn func()) error {
	if !s.running.Load() {
		fn()
		return nil
	}
	return s.dispatcher.Do(fn)
}

// Run starts the transport and serves until ctx ends. Connected clients'
// sessions are closed in storage before it returns.
func (s *Server) Run(ctx context.Context) error {
	if err := s.deps.Transport.Start(ctx); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	s.startedAt = s.deps.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.tickLoop(ctx)
	}()
	s.running.Store(true)

	s.logger.Info("Server started",
		"name", s.opts.Name,
		"address", s.deps.Transport.Addr(),
		"files", catalogLen(s.deps.Catalog),
		"tickRate", s.opts.TickRate)

	err := s.eventLoop(ctx)

	cancel()
	wg.Wait()
	s.running.Store(false)
	s.shutdown()
	return err
}

func catalogLen(c *catalog.Catalog) int {
	if c.Empty() {
		return 0
	}
	return c.Len()
}

func (s *Server) eventLoop(ctx context.Context) error {
	events := s.deps.Transport.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return transport.ErrClosed
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Server) handleEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventConnect:
		_ = s.dispatcher.Do(func() { s.connect(ev) })
	case transport.EventDisconnect:
		_ = s.dispatcher.Do(func() { s.disconnect(ev.Conn, ev.Reason) })
	case transport.EventMessage:
		p, err := protocol.Decode(ev.Data)
		if err != nil {
			s.logger.Warn("Dropped malformed packet", "conn", ev.Conn, "channel", ev.Channel.String(), "error", err)
			return
		}
		err = s.dispatcher.Dispatch(dispatcher.Event{
			Conn:      ev.Conn,
			Channel:   ev.Channel,
			Packet:    p,
			Timestamp: s.deps.Now(),
		})
		switch {
		case errors.Is(err, dispatcher.ErrUnknownPacket):
			s.logger.Debug("Ignored packet with no handler", "conn", ev.Conn, "packet", p.Type().String())
		case err != nil && !errors.Is(err, dispatcher.ErrStopped):
			s.logger.Warn("Packet handling failed", "conn", ev.Conn, "packet", p.Type().String(), "error", err)
		}
	}
}

func (s *Server) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(s.opts.TickRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := s.dispatcher.Do(s.downloads.Tick); err != nil {
				return
			}
			s.lastTick.Store(int64(time.Since(start)))
		}
	}
}

// shutdown closes the transport and ends every open session. Loops must be
// stopped.
func (s *Server) shutdown() {
	if err := s.deps.Transport.Close(); err != nil {
		s.logger.Warn("Failed to close transport", "error", err)
	}

	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[core.ConnID]*Client)
	s.mu.Unlock()

	for _, c := range clients {
		s.endSession(c, "server shutdown")
	}
	s.registry.Reset()
	s.logger.Info("Server stopped", "clients", len(clients))
}
