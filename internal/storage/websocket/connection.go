package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/coopsync/coopsync/pkg/streaming"
	ws "github.com/gorilla/websocket"
	"github.com/sasha-s/go-deadlock"
)

const (
	queueSize    = 10_000
	ackQueueSize = 16
	maxRedials   = 10
	firstBackoff = time.Second
	maxBackoff   = 30 * time.Second
	writeWait    = 10 * time.Second
	ackTimeout   = 10 * time.Second
)

// collector is the link to the session collector. One writer goroutine owns
// the socket. After a redial the replay envelopes (hello and every session
// still open) are written before anything else so the collector can rebuild
// its view of the server.
type collector struct {
	mu     deadlock.Mutex
	conn   *ws.Conn
	gone   chan struct{} // closed when conn is replaced
	queue  chan []byte
	acks   chan streaming.AckMessage
	done   chan struct{}
	closed bool

	url     string
	secret  string
	backoff time.Duration

	// replay returns the envelopes to resend after a redial, in order.
	replay func() [][]byte

	logger *slog.Logger
}

func newCollector(logger *slog.Logger, replay func() [][]byte) *collector {
	return &collector{
		queue:   make(chan []byte, queueSize),
		acks:    make(chan streaming.AckMessage, ackQueueSize),
		done:    make(chan struct{}),
		backoff: firstBackoff,
		replay:  replay,
		logger:  logger,
	}
}

func (c *collector) dial(rawURL, secret string) error {
	c.url = rawURL
	c.secret = secret

	conn, err := c.dialOnce()
	if err != nil {
		return err
	}
	c.attach(conn)
	return nil
}

func (c *collector) dialOnce() (*ws.Conn, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("invalid collector URL: %w", err)
	}
	q := u.Query()
	q.Set("secret", c.secret)
	u.RawQuery = q.Encode()

	conn, _, err := ws.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("collector dial failed: %w", err)
	}
	return conn, nil
}

// attach makes conn current and starts its loops.
func (c *collector) attach(conn *ws.Conn) {
	gone := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.gone = gone
	c.mu.Unlock()

	go c.writeLoop(conn, gone)
	go c.readLoop(conn)
}

func (c *collector) write(conn *ws.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(ws.TextMessage, data)
}

// writeLoop drains the queue onto conn until a write fails or conn is
// replaced.
func (c *collector) writeLoop(conn *ws.Conn, gone <-chan struct{}) {
	for {
		select {
		case <-c.done:
			return
		case <-gone:
			return
		case data := <-c.queue:
			if err := c.write(conn, data); err != nil {
				c.logger.Warn("Collector write failed", "error", err)
				go c.redial(conn)
				return
			}
		}
	}
}

// readLoop routes acks from conn until it fails.
func (c *collector) readLoop(conn *ws.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn("Collector read failed", "error", err)
			go c.redial(conn)
			return
		}

		var ack streaming.AckMessage
		if err := json.Unmarshal(message, &ack); err != nil || ack.Type != "ack" {
			c.logger.Debug("Ignored collector message", "raw", string(message))
			continue
		}
		select {
		case c.acks <- ack:
		default:
			c.logger.Debug("Ack queue full, dropping", "for", ack.For)
		}
	}
}

// redial replaces broken with a fresh connection, backing off exponentially
// between attempts. Both loops of a broken connection call it; only the first
// does any work.
func (c *collector) redial(broken *ws.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != broken {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	close(c.gone)
	c.mu.Unlock()
	_ = broken.Close()

	backoff := c.backoff
	for attempt := 1; attempt <= maxRedials; attempt++ {
		c.logger.Info("Reconnecting to collector", "attempt", attempt, "backoff", backoff)
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		conn, err := c.dialOnce()
		if err != nil {
			c.logger.Warn("Collector redial failed", "attempt", attempt, "error", err)
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		replayed, err := c.replayOn(conn)
		if err != nil {
			c.logger.Warn("Collector replay failed", "attempt", attempt, "error", err)
			_ = conn.Close()
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.mu.Unlock()
		c.attach(conn)
		c.logger.Info("Collector reconnected", "attempt", attempt, "replayed", replayed)
		return
	}

	c.logger.Error("Collector reconnect failed after max attempts", "maxAttempts", maxRedials)
}

func (c *collector) replayOn(conn *ws.Conn) (int, error) {
	if c.replay == nil {
		return 0, nil
	}
	envelopes := c.replay()
	for _, data := range envelopes {
		if err := c.write(conn, data); err != nil {
			return 0, err
		}
	}
	return len(envelopes), nil
}

// send queues data for the writer. It never blocks; data is dropped when
// the queue is full.
func (c *collector) send(data []byte) {
	select {
	case c.queue <- data:
	default:
		c.logger.Warn("Collector queue full, dropping message")
	}
}

// sendAndWait queues data and waits for the collector to ack ackFor.
func (c *collector) sendAndWait(data []byte, ackFor string, timeout time.Duration) error {
	c.send(data)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ack := <-c.acks:
			if ack.For == ackFor {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timeout waiting for ack of %q", ackFor)
		case <-c.done:
			return fmt.Errorf("collector closed while waiting for ack of %q", ackFor)
		}
	}
}

// close sends a close frame and stops every goroutine.
func (c *collector) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}
