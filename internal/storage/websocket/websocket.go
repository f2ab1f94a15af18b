package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coopsync/coopsync/pkg/core"
	"github.com/coopsync/coopsync/pkg/streaming"
)

// Config holds WebSocket backend configuration.
type Config struct {
	URL        string
	Secret     string
	ServerName string
	Logger     *slog.Logger
}

// Backend streams session records over WebSocket to a remote collector.
// After a reconnect it resends hello and the start of every session that
// has not ended.
type Backend struct {
	conn   *collector
	cfg    Config
	nextID atomic.Uint64

	mu    sync.Mutex
	hello []byte
	open  map[uint][]byte
}

// New creates a new WebSocket storage backend.
func New(cfg Config) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{
		cfg:  cfg,
		open: make(map[uint][]byte),
	}
	b.conn = newCollector(logger, b.replay)
	return b
}

// replay lists hello followed by the open sessions in ID order.
func (b *Backend) replay() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hello == nil {
		return nil
	}
	out := [][]byte{b.hello}
	for _, id := range slices.Sorted(maps.Keys(b.open)) {
		out = append(out, b.open[id])
	}
	return out
}

// Init connects to the collector and waits for it to acknowledge the hello.
func (b *Backend) Init() error {
	if err := b.conn.dial(b.cfg.URL, b.cfg.Secret); err != nil {
		return err
	}

	data, err := marshalEnvelope(streaming.TypeHello, streaming.HelloPayload{
		ServerName: b.cfg.ServerName,
		StartedAt:  time.Now(),
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.hello = data
	b.mu.Unlock()

	return b.conn.sendAndWait(data, streaming.TypeHello, ackTimeout)
}

// Close says goodbye and disconnects from the collector.
func (b *Backend) Close() error {
	if err := b.sendEnvelopeAndWait(streaming.TypeGoodbye, nil); err != nil {
		b.conn.logger.Warn("Collector did not acknowledge goodbye", "error", err)
	}
	return b.conn.close()
}

// marshalEnvelope builds a JSON-encoded Envelope from a message type and payload.
func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env := streaming.Envelope{Type: msgType, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

// sendEnvelope marshals the payload into an Envelope and pushes it
// to the write loop (fire-and-forget).
func (b *Backend) sendEnvelope(msgType string, payload any) error {
	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	b.conn.send(data)
	return nil
}

// sendEnvelopeAndWait marshals the payload and waits for a collector ack.
func (b *Backend) sendEnvelopeAndWait(msgType string, payload any) error {
	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return b.conn.sendAndWait(data, msgType, ackTimeout)
}

// StartSession assigns an auto-increment ID and sends the session.
func (b *Backend) StartSession(s *core.Session) error {
	s.ID = uint(b.nextID.Add(1))
	data, err := marshalEnvelope(streaming.TypeSessionStart, s)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.open[s.ID] = data
	b.mu.Unlock()
	b.conn.send(data)
	return nil
}

func (b *Backend) EndSession(s *core.Session) error {
	b.mu.Lock()
	delete(b.open, s.ID)
	b.mu.Unlock()
	return b.sendEnvelope(streaming.TypeSessionEnd, s)
}

func (b *Backend) RecordFileDelivery(d *core.FileDelivery) error {
	return b.sendEnvelope(streaming.TypeFileDelivery, d)
}

func (b *Backend) RecordSnapshot(snaps []core.EntitySnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	return b.sendEnvelope(streaming.TypeSnapshot, snaps)
}

func (b *Backend) RecordPerformance(p *core.PerformanceSample) error {
	return b.sendEnvelope(streaming.TypePerformance, p)
}
