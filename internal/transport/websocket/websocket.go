// Package websocket implements transport.Transport over gorilla/websocket
// for clients that cannot speak QUIC. Every binary message is one frame of
// the form [channel][payload]; the delivery hint is ignored because the
// underlying TCP stream is already reliable and ordered.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/sasha-s/go-deadlock"

	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/transport"
	"github.com/coopsync/coopsync/pkg/core"
)

const (
	Path = "/ws"

	eventQueueSize   = 1024
	defaultSendQueue = 1024
	writeWait        = 10 * time.Second
	closeWait        = time.Second
	maxMessageSize   = transport.MaxFrameSize + 1
)

type Options struct {
	Address string
	// SendQueue bounds each peer's queued messages. A peer whose queue
	// fills is closed.
	SendQueue int
	Logger    *slog.Logger
}

type peer struct {
	id     core.ConnID
	conn   *ws.Conn
	out    *transport.Outbox
	reason atomic.Value // string
}

// writeLoop is the only caller of WriteMessage on the connection.
func (p *peer) writeLoop() error {
	return p.out.Run(func(m transport.Outgoing) error {
		msg := make([]byte, 1+len(m.Data))
		msg[0] = byte(m.Channel)
		copy(msg[1:], m.Data)
		if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		return p.conn.WriteMessage(ws.BinaryMessage, msg)
	})
}

// kick records reason, sends a close frame and drops the connection. The
// close frame write is bounded by closeWait.
func (p *peer) kick(code int, reason string) error {
	p.reason.CompareAndSwap(nil, reason)
	p.out.Close()
	_ = p.conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(code, reason), time.Now().Add(closeWait))
	return p.conn.Close()
}

// Transport implements transport.Transport.
type Transport struct {
	*transport.Emitter

	opts     Options
	logger   *slog.Logger
	upgrader ws.Upgrader
	server   *http.Server
	listener net.Listener

	mu    deadlock.RWMutex
	peers map[core.ConnID]*peer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

var _ transport.Transport = (*Transport)(nil)

func New(opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	t := &Transport{
		Emitter: transport.NewEmitter(eventQueueSize),
		opts:    opts,
		logger:  logger.With("transport", "websocket"),
		peers:   make(map[core.ConnID]*peer),
		upgrader: ws.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// Handler serves the upgrade endpoint. Start mounts it at Path.
func (t *Transport) Handler() http.Handler {
	return http.HandlerFunc(t.serveWS)
}

func (t *Transport) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.opts.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", t.opts.Address, err)
	}
	t.listener = ln

	mux := http.NewServeMux()
	mux.Handle(Path, t.Handler())
	t.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		t.Close()
	}()

	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("http server stopped", "error", err)
		}
	}()

	t.logger.Info("listening", "address", ln.Addr().String(), "path", Path)
	return nil
}

func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *Transport) serveWS(w http.ResponseWriter, r *http.Request) {
	if t.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	p := &peer{id: core.ConnID(uuid.NewString()), conn: conn, out: transport.NewOutbox(t.opts.SendQueue)}
	t.mu.Lock()
	t.peers[p.id] = p
	t.mu.Unlock()

	t.wg.Add(2)
	defer t.wg.Done()
	go func() {
		defer t.wg.Done()
		if err := p.writeLoop(); err != nil {
			t.logger.Warn("peer write failed, closing", "conn", p.id, "error", err)
			_ = p.kick(ws.CloseGoingAway, transport.ReasonSlowConsumer)
		}
	}()

	t.Emit(t.ctx, transport.Event{
		Type:        transport.EventConnect,
		Conn:        p.id,
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: time.Now(),
	})

	t.readLoop(p)

	t.mu.Lock()
	delete(t.peers, p.id)
	t.mu.Unlock()
	p.out.Close()
	conn.Close()

	reason, _ := p.reason.Load().(string)
	t.Emit(t.ctx, transport.Event{Type: transport.EventDisconnect, Conn: p.id, Reason: reason})
}

func (t *Transport) readLoop(p *peer) {
	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			var ce *ws.CloseError
			if errors.As(err, &ce) {
				p.reason.CompareAndSwap(nil, ce.Text)
			}
			return
		}
		if msgType != ws.BinaryMessage || len(data) == 0 {
			continue
		}
		ch := protocol.Channel(data[0])
		if !transport.ValidChannel(ch) {
			t.logger.Warn("message on unknown channel", "conn", p.id, "channel", data[0])
			continue
		}
		if !t.Emit(t.ctx, transport.Event{Type: transport.EventMessage, Conn: p.id, Channel: ch, Data: data[1:]}) {
			return
		}
	}
}

func (t *Transport) peer(id core.ConnID) (*peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return p, ok
}

// Send queues data for the peer's writer and never waits on the network.
// A peer whose queue is full is closed and ErrSlowConsumer returned.
func (t *Transport) Send(id core.ConnID, ch protocol.Channel, data []byte, d transport.Delivery) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if !transport.ValidChannel(ch) {
		return fmt.Errorf("%w: %d", transport.ErrInvalidChannel, ch)
	}
	p, ok := t.peer(id)
	if !ok {
		return transport.ErrUnknownConnection
	}
	err := p.out.Push(transport.Outgoing{Channel: ch, Data: data, Delivery: d})
	if errors.Is(err, transport.ErrSlowConsumer) {
		t.logger.Warn("peer stopped reading, closing", "conn", id, "queued", p.out.Len())
		t.kickAsync(p, ws.CloseGoingAway, transport.ReasonSlowConsumer)
	}
	return err
}

// CloseConn returns at once; the close frame is written in the background.
func (t *Transport) CloseConn(id core.ConnID, reason string) error {
	p, ok := t.peer(id)
	if !ok {
		return transport.ErrUnknownConnection
	}
	t.kickAsync(p, ws.ClosePolicyViolation, reason)
	return nil
}

func (t *Transport) kickAsync(p *peer, code int, reason string) {
	p.reason.CompareAndSwap(nil, reason)
	p.out.Close()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		_ = p.kick(code, reason)
	}()
}

func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.RLock()
	for _, p := range t.peers {
		_ = p.kick(ws.CloseGoingAway, "server shutting down")
	}
	t.mu.RUnlock()

	var err error
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = t.server.Shutdown(ctx)
	}
	t.cancel()
	t.wg.Wait()
	return err
}
