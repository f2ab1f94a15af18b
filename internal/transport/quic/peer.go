package quic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/transport"
	"github.com/coopsync/coopsync/pkg/core"
)

type peer struct {
	id   core.ConnID
	conn quicgo.Connection
	out  *transport.Outbox

	// readers tracks the stream and datagram loops.
	readers sync.WaitGroup

	// owned by the writer goroutine
	streams [protocol.ChannelCount]quicgo.SendStream
}

func newPeer(id core.ConnID, conn quicgo.Connection, queueSize int) *peer {
	p := &peer{id: id, conn: conn, out: transport.NewOutbox(queueSize)}
	p.readers.Add(2)
	return p
}

// writeLoop drains the outbox onto the channel streams. A write that cannot
// finish within writeWait closes the connection.
func (p *peer) writeLoop(ctx context.Context, writeWait time.Duration) error {
	err := p.out.Run(func(m transport.Outgoing) error {
		if m.Delivery == transport.Unreliable {
			sent, err := p.sendDatagram(m.Channel, m.Data)
			if sent || err != nil {
				return err
			}
		}
		return p.write(ctx, m.Channel, m.Data, writeWait)
	})
	if err != nil {
		p.conn.CloseWithError(codeSlow, transport.ReasonSlowConsumer)
	}
	return err
}

// sendDatagram reports false when data does not fit in a datagram.
func (p *peer) sendDatagram(ch protocol.Channel, data []byte) (bool, error) {
	dg := make([]byte, 1+len(data))
	dg[0] = byte(ch)
	copy(dg[1:], data)
	err := p.conn.SendDatagram(dg)
	var tooLarge *quicgo.DatagramTooLargeError
	if errors.As(err, &tooLarge) {
		return false, nil
	}
	return true, err
}

func (p *peer) write(ctx context.Context, ch protocol.Channel, data []byte, writeWait time.Duration) error {
	if p.streams[ch] == nil {
		openCtx, cancel := context.WithTimeout(ctx, openTimeout)
		defer cancel()
		s, err := p.conn.OpenUniStreamSync(openCtx)
		if err != nil {
			return fmt.Errorf("opening %s stream: %w", ch, err)
		}
		p.streams[ch] = s
		if err := s.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		if _, err := s.Write([]byte{byte(ch)}); err != nil {
			return fmt.Errorf("writing %s stream header: %w", ch, err)
		}
	}
	s := p.streams[ch]
	if err := s.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := transport.WriteFrame(s, data); err != nil {
		return fmt.Errorf("writing %s frame: %w", ch, err)
	}
	return nil
}
