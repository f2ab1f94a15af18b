package download

import (
	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/transport"
	"github.com/coopsync/coopsync/pkg/core"
)

// TransportSender encodes file records and sends them reliable-ordered on
// the file channel.
type TransportSender struct {
	T transport.Transport
}

func (s TransportSender) SendHeader(conn core.ConnID, h protocol.FileHeader) error {
	return s.send(conn, h)
}

func (s TransportSender) SendChunk(conn core.ConnID, c protocol.FileChunk) error {
	return s.send(conn, c)
}

func (s TransportSender) send(conn core.ConnID, p protocol.Packet) error {
	data, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	return s.T.Send(conn, protocol.ChannelFile, data, transport.ReliableOrdered)
}
