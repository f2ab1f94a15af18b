// Package quic implements transport.Transport on quic-go.
//
// Each logical channel is one long-lived unidirectional stream per
// direction whose first byte is the channel id; frames on it are length
// prefixed. Unreliable sends go out as datagrams of the form
// [channel][payload].
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	quicgo "github.com/quic-go/quic-go"
	"github.com/sasha-s/go-deadlock"

	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/transport"
	"github.com/coopsync/coopsync/pkg/core"
)

// ALPN is the application protocol negotiated during the TLS handshake.
const ALPN = "coopsync"

const (
	eventQueueSize = 1024
	openTimeout    = 5 * time.Second

	defaultSendQueue = 1024
	defaultWriteWait = 10 * time.Second

	codeNormal quicgo.ApplicationErrorCode = 0
	codeKicked quicgo.ApplicationErrorCode = 1
	codeSlow   quicgo.ApplicationErrorCode = 2
)

// Options configures the QUIC listener.
type Options struct {
	Address   string
	TLSConfig *tls.Config
	// MaxIdleTimeout closes silent peers. Zero keeps the quic-go default.
	MaxIdleTimeout time.Duration
	// SendQueue bounds each peer's queued reliable frames. A peer whose
	// queue fills is closed.
	SendQueue int
	// WriteWait bounds a single frame write to a peer.
	WriteWait time.Duration
	Logger    *slog.Logger
}

// Transport implements transport.Transport.
type Transport struct {
	*transport.Emitter

	opts     Options
	listener *quicgo.Listener
	logger   *slog.Logger

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
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	return &Transport{
		Emitter: transport.NewEmitter(eventQueueSize),
		opts:    opts,
		logger:  logger.With("transport", "quic"),
		peers:   make(map[core.ConnID]*peer),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	tlsConf := t.opts.TLSConfig
	if tlsConf == nil {
		var err error
		tlsConf, err = SelfSignedTLS()
		if err != nil {
			return err
		}
	}
	tlsConf = tlsConf.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}

	conf := &quicgo.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  t.opts.MaxIdleTimeout,
		KeepAlivePeriod: 5 * time.Second,
	}

	ln, err := quicgo.ListenAddr(t.opts.Address, tlsConf, conf)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", t.opts.Address, err)
	}
	t.listener = ln
	t.ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(1)
	go t.acceptLoop()

	t.logger.Info("listening", "address", ln.Addr().String())
	return nil
}

func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil || t.closed.Load() {
				return
			}
			t.logger.Warn("accept failed", "error", err)
			continue
		}

		p := newPeer(core.ConnID(uuid.NewString()), conn, t.opts.SendQueue)
		t.mu.Lock()
		t.peers[p.id] = p
		t.mu.Unlock()

		t.Emit(t.ctx, transport.Event{
			Type:        transport.EventConnect,
			Conn:        p.id,
			RemoteAddr:  conn.RemoteAddr().String(),
			ConnectedAt: time.Now(),
		})

		t.wg.Add(4)
		go t.streamLoop(p)
		go t.datagramLoop(p)
		go t.writeLoop(p)
		go t.watch(p)
	}
}

// watch emits the disconnect once the connection is gone, after both read
// loops have drained so no message follows the disconnect event.
func (t *Transport) watch(p *peer) {
	defer t.wg.Done()
	<-p.conn.Context().Done()
	p.out.Close()
	p.readers.Wait()

	t.mu.Lock()
	delete(t.peers, p.id)
	t.mu.Unlock()

	reason := ""
	if cause := context.Cause(p.conn.Context()); cause != nil {
		reason = cause.Error()
	}
	t.Emit(t.ctx, transport.Event{Type: transport.EventDisconnect, Conn: p.id, Reason: reason})
}

func (t *Transport) writeLoop(p *peer) {
	defer t.wg.Done()
	if err := p.writeLoop(t.ctx, t.opts.WriteWait); err != nil && p.conn.Context().Err() == nil {
		t.logger.Warn("peer write failed, closing", "conn", p.id, "error", err)
	}
}

func (t *Transport) streamLoop(p *peer) {
	defer t.wg.Done()
	defer p.readers.Done()

	var streams sync.WaitGroup
	defer streams.Wait()

	for {
		stream, err := p.conn.AcceptUniStream(t.ctx)
		if err != nil {
			return
		}
		streams.Add(1)
		go func() {
			defer streams.Done()
			t.readStream(p, stream)
		}()
	}
}

func (t *Transport) readStream(p *peer, stream quicgo.ReceiveStream) {
	var hdr [1]byte
	if _, err := io.ReadFull(stream, hdr[:]); err != nil {
		return
	}
	ch := protocol.Channel(hdr[0])
	if !transport.ValidChannel(ch) {
		t.logger.Warn("peer opened stream on unknown channel", "conn", p.id, "channel", hdr[0])
		stream.CancelRead(0)
		return
	}
	for {
		data, err := transport.ReadFrame(stream)
		if err != nil {
			return
		}
		if !t.Emit(t.ctx, transport.Event{Type: transport.EventMessage, Conn: p.id, Channel: ch, Data: data}) {
			return
		}
	}
}

func (t *Transport) datagramLoop(p *peer) {
	defer t.wg.Done()
	defer p.readers.Done()
	for {
		dg, err := p.conn.ReceiveDatagram(t.ctx)
		if err != nil {
			return
		}
		if len(dg) == 0 || !transport.ValidChannel(protocol.Channel(dg[0])) {
			continue
		}
		if !t.Emit(t.ctx, transport.Event{
			Type:    transport.EventMessage,
			Conn:    p.id,
			Channel: protocol.Channel(dg[0]),
			Data:    dg[1:],
		}) {
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

// Send queues data on channel ch and never waits on the peer. Unreliable
// sends that do not fit in a datagram fall back to the channel stream. A
// peer whose queue is full is closed and ErrSlowConsumer returned.
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
		p.out.Close()
		p.conn.CloseWithError(codeSlow, transport.ReasonSlowConsumer)
	}
	return err
}

func (t *Transport) CloseConn(id core.ConnID, reason string) error {
	p, ok := t.peer(id)
	if !ok {
		return transport.ErrUnknownConnection
	}
	return p.conn.CloseWithError(codeKicked, reason)
}

// Close stops accepting, closes every peer and waits for the loops to end.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.RLock()
	for _, p := range t.peers {
		p.conn.CloseWithError(codeNormal, "server shutting down")
	}
	t.mu.RUnlock()

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	return err
}
