package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopsync/coopsync/internal/catalog"
	"github.com/coopsync/coopsync/internal/config"
	"github.com/coopsync/coopsync/internal/logging"
	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/storage/memory"
	"github.com/coopsync/coopsync/internal/transport"
	"github.com/coopsync/coopsync/pkg/core"
)

type sentPacket struct {
	conn     core.ConnID
	channel  protocol.Channel
	packet   protocol.Packet
	delivery transport.Delivery
}

type fakeTransport struct {
	events chan transport.Event

	mu     sync.Mutex
	sent   []sentPacket
	closed map[core.ConnID]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan transport.Event, 64),
		closed: make(map[core.ConnID]string),
	}
}

func (f *fakeTransport) Start(context.Context) error    { return nil }
func (f *fakeTransport) Close() error                   { return nil }
func (f *fakeTransport) Addr() string                   { return "fake:4499" }
func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) Send(conn core.ConnID, ch protocol.Channel, data []byte, d transport.Delivery) error {
	p, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, gone := f.closed[conn]; gone {
		return transport.ErrUnknownConnection
	}
	f.sent = append(f.sent, sentPacket{conn: conn, channel: ch, packet: p, delivery: d})
	return nil
}

func (f *fakeTransport) CloseConn(conn core.ConnID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[conn] = reason
	return nil
}

func (f *fakeTransport) connect(conn core.ConnID) {
	f.events <- transport.Event{Type: transport.EventConnect, Conn: conn, RemoteAddr: "127.0.0.1:1", ConnectedAt: time.Now()}
}

func (f *fakeTransport) disconnect(conn core.ConnID, reason string) {
	f.events <- transport.Event{Type: transport.EventDisconnect, Conn: conn, Reason: reason}
}

func (f *fakeTransport) message(t *testing.T, conn core.ConnID, ch protocol.Channel, p protocol.Packet) {
	t.Helper()
	data, err := protocol.Encode(p)
	require.NoError(t, err)
	f.events <- transport.Event{Type: transport.EventMessage, Conn: conn, Channel: ch, Data: data}
}

// received lists the packets of type pt sent to conn.
func (f *fakeTransport) received(conn core.ConnID, pt protocol.PacketType) []sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentPacket
	for _, s := range f.sent {
		if s.conn == conn && s.packet.Type() == pt {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTransport) closeReason(conn core.ConnID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.closed[conn]
	return r, ok
}

type harness struct {
	srv   *Server
	tr    *fakeTransport
	store *memory.Backend
}

func newHarness(t *testing.T, cat *catalog.Catalog, opts Options) *harness {
	t.Helper()
	if opts.TickRate == 0 {
		opts.TickRate = 200
	}
	opts.Name = "test"
	h := &harness{
		tr:    newFakeTransport(),
		store: memory.New(config.MemoryConfig{OutputDir: "out"}, "test", afero.NewMemMapFs()),
	}
	require.NoError(t, h.store.Init())

	srv, err := New(opts, Dependencies{Transport: h.tr, Catalog: cat, Storage: h.store})
	require.NoError(t, err)
	h.srv = srv
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func (h *harness) connectReady(t *testing.T, conns ...core.ConnID) {
	t.Helper()
	for _, c := range conns {
		h.tr.connect(c)
		eventually(t, func() bool { return h.srv.Ready(c) }, string(c)+" ready")
	}
}

func TestNew_RequiresTransport(t *testing.T) {
	_, err := New(Options{}, Dependencies{})
	assert.Error(t, err)
}

func TestConnect_EmptyCatalogIsReadyImmediately(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.run(t)

	h.connectReady(t, "a")
	eventually(t, func() bool { return len(h.tr.received("a", protocol.TypeAllFilesSent)) == 1 }, "AllFilesSent")
	assert.Equal(t, protocol.ChannelFile, h.tr.received("a", protocol.TypeAllFilesSent)[0].channel)
	assert.Empty(t, h.tr.received("a", protocol.TypeFileHeader))

	sessions := h.store.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, core.ConnID("a"), sessions[0].Session.ConnID)
}

func TestConnect_DownloadsCatalogBeforeReady(t *testing.T) {
	cat := catalog.FromFiles(map[string][]byte{"main.js": []byte("console.log(1)")}, "main.js")
	h := newHarness(t, cat, Options{})
	h.run(t)

	h.tr.connect("a")
	eventually(t, func() bool { return len(h.tr.received("a", protocol.TypeFileChunk)) == 1 }, "chunk sent")
	assert.Len(t, h.tr.received("a", protocol.TypeFileHeader), 1)
	assert.False(t, h.srv.Ready("a"))

	h.tr.message(t, "a", protocol.ChannelFile, protocol.FileAck{ID: 0})
	eventually(t, func() bool { return h.srv.Ready("a") }, "ready after ack")
	eventually(t, func() bool { return len(h.tr.received("a", protocol.TypeAllFilesSent)) == 1 }, "AllFilesSent")

	sessions := h.store.Sessions()
	require.Len(t, sessions, 1)
	require.Len(t, sessions[0].Deliveries, 1)
	d := sessions[0].Deliveries[0]
	assert.Equal(t, 1, d.Files)
	assert.Equal(t, int64(len("console.log(1)")), d.Bytes)
	assert.False(t, d.Stalled)
}

func TestGameplayGatingAndRelay(t *testing.T) {
	cat := catalog.FromFiles(map[string][]byte{"main.js": []byte("x")}, "main.js")
	h := newHarness(t, cat, Options{})
	h.run(t)

	// b downloads but never acks
	h.tr.connect("b")
	eventually(t, func() bool { return len(h.tr.received("b", protocol.TypeFileChunk)) == 1 }, "b chunk")

	h.tr.connect("a")
	eventually(t, func() bool { return len(h.tr.received("a", protocol.TypeFileChunk)) == 1 }, "a chunk")
	h.tr.message(t, "a", protocol.ChannelFile, protocol.FileAck{ID: 0})
	eventually(t, func() bool { return h.srv.Ready("a") }, "a ready")

	h.tr.connect("c")
	eventually(t, func() bool { return len(h.tr.received("c", protocol.TypeFileChunk)) == 1 }, "c chunk")
	h.tr.message(t, "c", protocol.ChannelFile, protocol.FileAck{ID: 0})
	eventually(t, func() bool { return h.srv.Ready("c") }, "c ready")

	// packets from a downloading client are dropped
	h.tr.message(t, "b", protocol.ChannelPedSync, protocol.PedSync{ID: 11})

	h.tr.message(t, "a", protocol.ChannelPedSync, protocol.PedSync{ID: 10, Health: 200})
	eventually(t, func() bool { return len(h.tr.received("c", protocol.TypePedSync)) == 1 }, "relay to c")

	got := h.tr.received("c", protocol.TypePedSync)[0]
	assert.Equal(t, protocol.PedSync{ID: 10, Health: 200}, got.packet)
	assert.Equal(t, protocol.ChannelPedSync, got.channel)
	assert.Equal(t, transport.Unreliable, got.delivery)

	assert.Empty(t, h.tr.received("a", protocol.TypePedSync), "no echo to sender")
	assert.Empty(t, h.tr.received("b", protocol.TypePedSync), "no relay to downloading client")
	_, ok := h.srv.Entities().Ped(11)
	assert.False(t, ok)
}

func TestDisconnect_RemovesOwnedEntities(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.run(t)
	h.connectReady(t, "a", "b")

	h.tr.message(t, "a", protocol.ChannelDefault, protocol.Handshake{Username: "trevor"})
	h.tr.message(t, "a", protocol.ChannelPedSync, protocol.PedSync{ID: 1})
	h.tr.message(t, "a", protocol.ChannelVehicleSync, protocol.VehicleSync{ID: 2})
	h.tr.message(t, "b", protocol.ChannelPedSync, protocol.PedSync{ID: 3})
	eventually(t, func() bool { return h.srv.Entities().Counts().Peds == 2 && h.srv.Entities().Counts().Vehicles == 1 }, "entities tracked")

	h.tr.disconnect("a", "timeout")
	var ended core.Session
	eventually(t, func() bool {
		for _, r := range h.store.Sessions() {
			if r.Session.ConnID == "a" && !r.Session.DisconnectedAt.IsZero() {
				ended = r.Session
				return true
			}
		}
		return false
	}, "session of a ended")
	assert.Equal(t, 1, h.srv.ClientCount())

	_, ok := h.srv.Entities().Ped(1)
	assert.False(t, ok)
	_, ok = h.srv.Entities().Vehicle(2)
	assert.False(t, ok)
	_, ok = h.srv.Entities().Ped(3)
	assert.True(t, ok)

	deletes := h.tr.received("b", protocol.TypeDeleteEntity)
	require.Len(t, deletes, 2)
	handles := []core.Handle{
		deletes[0].packet.(protocol.DeleteEntity).Handle,
		deletes[1].packet.(protocol.DeleteEntity).Handle,
	}
	assert.ElementsMatch(t, []core.Handle{{Kind: core.HandlePed, ID: 1}, {Kind: core.HandleVehicle, ID: 2}}, handles)

	assert.Equal(t, "trevor", ended.Username)
	assert.Equal(t, "timeout", ended.Reason)
}

func TestConnect_RejectsWhenFull(t *testing.T) {
	h := newHarness(t, nil, Options{MaxClients: 1})
	h.run(t)
	h.connectReady(t, "a")

	h.tr.connect("b")
	eventually(t, func() bool { _, ok := h.tr.closeReason("b"); return ok }, "b closed")
	reason, _ := h.tr.closeReason("b")
	assert.Equal(t, ReasonFull, reason)
	assert.Equal(t, 1, h.srv.ClientCount())
	assert.Equal(t, 1, h.srv.SessionCount())

	// the transport reports the rejected peer gone; nothing to clean up
	h.tr.disconnect("b", ReasonFull)
	h.tr.connect("c")
	eventually(t, func() bool { _, ok := h.tr.closeReason("c"); return ok }, "c closed")
}

func TestStalledDownloadClosesConnection(t *testing.T) {
	cat := catalog.FromFiles(map[string][]byte{"main.js": []byte("x")}, "main.js")
	h := newHarness(t, cat, Options{AckTimeout: 20 * time.Millisecond, MaxRetries: 1})
	h.run(t)

	h.tr.connect("a")
	eventually(t, func() bool { _, ok := h.tr.closeReason("a"); return ok }, "stalled client closed")

	reason, _ := h.tr.closeReason("a")
	assert.Equal(t, ReasonStalled, reason)
	assert.GreaterOrEqual(t, len(h.tr.received("a", protocol.TypeFileHeader)), 2, "file re-sent before giving up")

	sessions := h.store.Sessions()
	require.Len(t, sessions, 1)
	require.Len(t, sessions[0].Deliveries, 1)
	assert.True(t, sessions[0].Deliveries[0].Stalled)
	assert.Equal(t, 1, sessions[0].Deliveries[0].Retries)
}

func TestCreateProp(t *testing.T) {
	h := newHarness(t, nil, Options{})

	before, err := h.srv.CreateProp(42, core.Vector3{X: 1}, core.Vector3{})
	require.NoError(t, err)

	h.run(t)
	h.connectReady(t, "a")
	eventually(t, func() bool { return len(h.tr.received("a", protocol.TypeServerProp)) == 1 }, "existing prop sent on ready")
	assert.Equal(t, before.ID(), h.tr.received("a", protocol.TypeServerProp)[0].packet.(protocol.ServerProp).ID)

	after, err := h.srv.CreateProp(7, core.Vector3{}, core.Vector3{})
	require.NoError(t, err)
	assert.NotEqual(t, before.ID(), after.ID())
	eventually(t, func() bool { return len(h.tr.received("a", protocol.TypeServerProp)) == 2 }, "new prop broadcast")

	require.True(t, after.SetPosition(core.Vector3{Z: 3}))
	eventually(t, func() bool { return len(h.tr.received("a", protocol.TypeServerProp)) == 3 }, "prop update broadcast")

	require.True(t, after.Delete())
	deletes := h.tr.received("a", protocol.TypeDeleteEntity)
	require.Len(t, deletes, 1)
	assert.Equal(t, after.Handle(), deletes[0].packet.(protocol.DeleteEntity).Handle)
}

func TestCreateProp_FromJobLoop(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.run(t)
	h.connectReady(t, "a")

	type result struct {
		id  uint32
		err error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		doErr := h.srv.do(func() {
			p, err := h.srv.CreateProp(99, core.Vector3{Y: 2}, core.Vector3{})
			r.err = err
			if p != nil {
				r.id = p.ID()
			}
		})
		if doErr != nil {
			r.err = doErr
		}
		done <- r
	}()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		eventually(t, func() bool { return len(h.tr.received("a", protocol.TypeServerProp)) == 1 }, "prop broadcast")
		assert.Equal(t, r.id, h.tr.received("a", protocol.TypeServerProp)[0].packet.(protocol.ServerProp).ID)
	case <-time.After(2 * time.Second):
		t.Fatal("CreateProp deadlocked on the job loop")
	}
}

func TestMalformedPacketIsDropped(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.run(t)
	h.connectReady(t, "a", "b")

	h.tr.events <- transport.Event{Type: transport.EventMessage, Conn: "a", Data: []byte{0xff, 1, 2}}
	h.tr.events <- transport.Event{Type: transport.EventMessage, Conn: "a", Data: []byte{byte(protocol.TypePedSync), 1}}
	h.tr.message(t, "a", protocol.ChannelPedSync, protocol.PedSync{ID: 4})

	eventually(t, func() bool { return len(h.tr.received("b", protocol.TypePedSync)) == 1 }, "valid packet still handled")
}

func TestSampleAndSnapshot(t *testing.T) {
	h := newHarness(t, nil, Options{})
	_, err := h.srv.CreateProp(1, core.Vector3{}, core.Vector3{})
	require.NoError(t, err)
	h.run(t)
	h.connectReady(t, "a")

	h.tr.message(t, "a", protocol.ChannelPedSync, protocol.PedSync{ID: 5, Health: 100})
	eventually(t, func() bool { return h.srv.Entities().Counts().Peds == 1 }, "ped tracked")

	sample := h.srv.Sample()
	assert.Equal(t, 1, sample.Clients)
	assert.Equal(t, 1, sample.Peds)
	assert.Equal(t, 1, sample.Props)
	assert.Zero(t, sample.Downloads)

	snaps := h.srv.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, core.KindPed, snaps[0].Kind)
	assert.Equal(t, core.ConnID("a"), snaps[0].Owner)
	assert.Equal(t, core.KindProp, snaps[1].Kind)

	clients := h.srv.Clients()
	require.Len(t, clients, 1)
	assert.True(t, clients[0].FilesReceived)
	assert.Greater(t, h.srv.Uptime(), time.Duration(0))
}

func TestLogsCarryConnectionAndClientCount(t *testing.T) {
	var (
		buf bytes.Buffer
		mu  sync.Mutex
		srv atomic.Pointer[Server]
	)
	inner := slog.NewTextHandler(&lockedWriter{w: &buf, mu: &mu}, nil)
	logger := slog.New(logging.NewContextHandler(inner, func() []slog.Attr {
		if s := srv.Load(); s != nil {
			return []slog.Attr{slog.Int("clients", s.ClientCount())}
		}
		return nil
	}))

	tr := newFakeTransport()
	store := memory.New(config.MemoryConfig{OutputDir: "out"}, "test", afero.NewMemMapFs())
	require.NoError(t, store.Init())
	s, err := New(Options{Name: "test", TickRate: 200}, Dependencies{Transport: tr, Storage: store, Logger: logger})
	require.NoError(t, err)
	srv.Store(s)
	h := &harness{srv: s, tr: tr, store: store}
	h.run(t)
	h.connectReady(t, "a")

	done := make(chan bool, 1)
	go func() { done <- s.SetUsername("a", "lamar") }()
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("SetUsername blocked while logging")
	}

	tr.disconnect("a", "bye")
	eventually(t, func() bool { return s.ClientCount() == 0 }, "a removed")

	mu.Lock()
	out := buf.String()
	mu.Unlock()
	assert.Contains(t, out, `msg="Client identified" conn=a username=lamar clients=1`)
	assert.Contains(t, out, "conn=a username=lamar clients=0")
}

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
