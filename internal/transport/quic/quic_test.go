package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"testing"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/transport"
)

func startTransport(t *testing.T) *Transport {
	t.Helper()
	tr := New(Options{Address: "127.0.0.1:0"})
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func dial(t *testing.T, addr string) quicgo.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := quicgo.DialAddr(ctx, addr, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
	}, &quicgo.Config{EnableDatagrams: true})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseWithError(0, "") })
	return conn
}

func nextEvent(t *testing.T, tr *Transport) transport.Event {
	t.Helper()
	select {
	case ev := <-tr.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transport event")
		return transport.Event{}
	}
}

func TestTransport_ConnectMessageDisconnect(t *testing.T) {
	tr := startTransport(t)
	conn := dial(t, tr.Addr())

	ev := nextEvent(t, tr)
	require.Equal(t, transport.EventConnect, ev.Type)
	id := ev.Conn
	assert.NotEmpty(t, id)
	assert.NotEmpty(t, ev.RemoteAddr)

	stream, err := conn.OpenUniStream()
	require.NoError(t, err)
	_, err = stream.Write([]byte{byte(protocol.ChannelPedSync)})
	require.NoError(t, err)
	require.NoError(t, transport.WriteFrame(stream, []byte("one")))
	require.NoError(t, transport.WriteFrame(stream, []byte("two")))

	for _, want := range []string{"one", "two"} {
		ev = nextEvent(t, tr)
		require.Equal(t, transport.EventMessage, ev.Type)
		assert.Equal(t, id, ev.Conn)
		assert.Equal(t, protocol.ChannelPedSync, ev.Channel)
		assert.Equal(t, want, string(ev.Data))
	}

	require.NoError(t, conn.CloseWithError(0, "bye"))
	ev = nextEvent(t, tr)
	assert.Equal(t, transport.EventDisconnect, ev.Type)
	assert.Equal(t, id, ev.Conn)

	assert.ErrorIs(t, tr.Send(id, protocol.ChannelDefault, []byte("x"), transport.ReliableOrdered), transport.ErrUnknownConnection)
}

func TestTransport_SendReliable(t *testing.T) {
	tr := startTransport(t)
	conn := dial(t, tr.Addr())
	id := nextEvent(t, tr).Conn

	require.NoError(t, tr.Send(id, protocol.ChannelFile, []byte("header"), transport.ReliableOrdered))
	require.NoError(t, tr.Send(id, protocol.ChannelFile, []byte("chunk"), transport.ReliableOrdered))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := conn.AcceptUniStream(ctx)
	require.NoError(t, err)

	var hdr [1]byte
	_, err = io.ReadFull(stream, hdr[:])
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.ChannelFile), hdr[0])

	first, err := transport.ReadFrame(stream)
	require.NoError(t, err)
	second, err := transport.ReadFrame(stream)
	require.NoError(t, err)
	assert.Equal(t, "header", string(first))
	assert.Equal(t, "chunk", string(second))
}

func TestTransport_SendUnreliable(t *testing.T) {
	tr := startTransport(t)
	conn := dial(t, tr.Addr())
	id := nextEvent(t, tr).Conn

	require.NoError(t, tr.Send(id, protocol.ChannelVehicleSync, []byte("pos"), transport.Unreliable))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dg, err := conn.ReceiveDatagram(ctx)
	require.NoError(t, err)
	assert.Equal(t, append([]byte{byte(protocol.ChannelVehicleSync)}, "pos"...), dg)

	require.NoError(t, conn.SendDatagram([]byte{byte(protocol.ChannelPedSync), 9}))
	ev := nextEvent(t, tr)
	assert.Equal(t, transport.EventMessage, ev.Type)
	assert.Equal(t, []byte{9}, ev.Data)
}

func TestTransport_CloseConn(t *testing.T) {
	tr := startTransport(t)
	conn := dial(t, tr.Addr())
	id := nextEvent(t, tr).Conn

	require.NoError(t, tr.CloseConn(id, "file transfer stalled"))

	select {
	case <-conn.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client was not disconnected")
	}
	ev := nextEvent(t, tr)
	assert.Equal(t, transport.EventDisconnect, ev.Type)

	assert.ErrorIs(t, tr.CloseConn("missing", ""), transport.ErrUnknownConnection)
}

func TestTransport_PeerThatStopsReading(t *testing.T) {
	tr := New(Options{Address: "127.0.0.1:0", SendQueue: 16, WriteWait: 200 * time.Millisecond})
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { tr.Close() })

	conn := dial(t, tr.Addr())
	id := nextEvent(t, tr).Conn

	chunk := make([]byte, 5120)
	start := time.Now()
	var err error
	for i := 0; i < 10000 && err == nil; i++ {
		err = tr.Send(id, protocol.ChannelFile, chunk, transport.ReliableOrdered)
	}
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrSlowConsumer) || errors.Is(err, transport.ErrUnknownConnection), err.Error())

	ev := nextEvent(t, tr)
	assert.Equal(t, transport.EventDisconnect, ev.Type)
	assert.Equal(t, id, ev.Conn)

	select {
	case <-conn.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client was not disconnected")
	}
}

func TestTransport_InvalidChannel(t *testing.T) {
	tr := startTransport(t)
	dial(t, tr.Addr())
	id := nextEvent(t, tr).Conn

	err := tr.Send(id, protocol.Channel(42), nil, transport.ReliableOrdered)
	assert.ErrorIs(t, err, transport.ErrInvalidChannel)
}
