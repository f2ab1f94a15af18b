package transport

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopsync/coopsync/internal/protocol"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	require.NoError(t, WriteFrame(&buf, nil))

	assert.Equal(t, []byte{5, 0, 0, 0}, buf.Bytes()[:4])

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	got, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrame_TooLarge(t *testing.T) {
	assert.Error(t, WriteFrame(io.Discard, make([]byte, MaxFrameSize+1)))

	_, err := ReadFrame(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF}))
	assert.ErrorContains(t, err, "exceeds")
}

func TestFrame_Truncated(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{4, 0, 0, 0, 1}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestEmitter(t *testing.T) {
	e := NewEmitter(1)
	require.True(t, e.Emit(context.Background(), Event{Type: EventConnect, Conn: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.False(t, e.Emit(ctx, Event{Type: EventMessage}), "full queue gives up when ctx ends")

	ev := <-e.Events()
	assert.Equal(t, EventConnect, ev.Type)
	assert.Equal(t, "connect", ev.Type.String())
}

func TestValidChannel(t *testing.T) {
	assert.True(t, ValidChannel(protocol.ChannelFile))
	assert.False(t, ValidChannel(protocol.Channel(protocol.ChannelCount)))
}

func TestOutbox_PushNeverBlocks(t *testing.T) {
	o := NewOutbox(2)
	require.NoError(t, o.Push(Outgoing{Channel: protocol.ChannelFile, Data: []byte("a")}))
	require.NoError(t, o.Push(Outgoing{Channel: protocol.ChannelFile, Data: []byte("b")}))
	assert.ErrorIs(t, o.Push(Outgoing{Channel: protocol.ChannelFile}), ErrSlowConsumer)
	assert.Equal(t, 2, o.Len())

	o.Close()
	o.Close()
	assert.ErrorIs(t, o.Push(Outgoing{}), ErrUnknownConnection)
}

func TestOutbox_RunInOrder(t *testing.T) {
	o := NewOutbox(8)
	for _, s := range []string{"one", "two", "three"} {
		require.NoError(t, o.Push(Outgoing{Channel: protocol.ChannelDefault, Data: []byte(s)}))
	}

	var got []string
	err := o.Run(func(m Outgoing) error {
		got = append(got, string(m.Data))
		if len(got) == 3 {
			return io.ErrClosedPipe
		}
		return nil
	})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestOutbox_CloseStopsRun(t *testing.T) {
	o := NewOutbox(1)
	done := make(chan error, 1)
	go func() { done <- o.Run(func(Outgoing) error { return nil }) }()

	o.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}
