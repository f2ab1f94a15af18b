// Package download pushes the file catalog to each connected client, one
// chunk per session per tick, advancing only on client acknowledgement.
package download

import (
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/coopsync/coopsync/internal/catalog"
	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/transport"
	"github.com/coopsync/coopsync/pkg/core"
)

// Sender delivers file records to a connection on the reliable file channel.
type Sender interface {
	SendHeader(conn core.ConnID, h protocol.FileHeader) error
	SendChunk(conn core.ConnID, c protocol.FileChunk) error
}

// State of a session.
type State int

const (
	// Announced: headers sent, no chunk yet.
	Announced State = iota
	// Transferring: the chunk cursor is advancing.
	Transferring
)

func (s State) String() string {
	if s == Transferring {
		return "transferring"
	}
	return "announced"
}

type Options struct {
	// AckTimeout is how long an exhausted file waits for its ack before it
	// is sent again. Zero waits forever.
	AckTimeout time.Duration
	// MaxRetries is the number of re-sends before a session is dropped.
	MaxRetries int

	// OnComplete and OnStalled receive the session's final progress. They
	// run after the manager lock is released.
	OnComplete func(conn core.ConnID, p Progress)
	OnStalled  func(conn core.ConnID, p Progress)

	Logger *slog.Logger
	Now    func() time.Time
}

// Progress is a read-only view of a session.
type Progress struct {
	State        State
	FilePosition int
	FileCount    int
	Chunk        int
	Retries      int
	TotalRetries int
	StartedAt    time.Time
}

type session struct {
	conn    core.ConnID
	state   State
	filePos int
	chunk   int
	retries int
	// totalRetries survives file advances; retries is per file.
	totalRetries int
	exhaustedAt  time.Time
	startedAt    time.Time
}

// Manager owns every download session. The catalog is shared and never
// mutated; cursors live in the sessions.
type Manager struct {
	mu       deadlock.Mutex
	files    []*catalog.File
	sender   Sender
	sessions map[core.ConnID]*session
	opts     Options
	logger   *slog.Logger
}

func New(c *catalog.Catalog, sender Sender, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var files []*catalog.File
	if !c.Empty() {
		files = c.Files()
	}
	return &Manager{
		files:    files,
		sender:   sender,
		sessions: make(map[core.ConnID]*session),
		opts:     opts,
		logger:   logger,
	}
}

// Enabled reports whether there is anything to download.
func (m *Manager) Enabled() bool {
	return len(m.files) > 0
}

// Connect opens a session for conn and announces every file. It returns
// false, creating nothing, when the catalog is empty. A second Connect for
// the same conn restarts its session.
func (m *Manager) Connect(conn core.ConnID) bool {
	if !m.Enabled() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[conn] = &session{conn: conn, state: Announced, startedAt: m.opts.Now()}
	for _, f := range m.files {
		if !m.send(conn, func() error { return m.sender.SendHeader(conn, protocol.HeaderFor(f)) }) {
			break
		}
	}
	return true
}

// send reports false when the peer is gone.
func (m *Manager) send(conn core.ConnID, fn func() error) bool {
	err := fn()
	if err == nil {
		return true
	}
	if !errors.Is(err, transport.ErrUnknownConnection) {
		m.logger.Warn("file send failed", "conn", conn, "error", err)
	}
	return false
}

// Tick sends at most one chunk per session and handles ack timeouts.
func (m *Manager) Tick() {
	var stalled []core.ConnID
	var final []Progress

	m.mu.Lock()
	now := m.opts.Now()
	for _, s := range m.sessions {
		f := m.files[s.filePos]

		if s.chunk < f.ChunkCount() {
			data := f.Chunks[s.chunk]
			if m.send(s.conn, func() error { return m.sender.SendChunk(s.conn, protocol.FileChunk{ID: f.ID, Data: data}) }) {
				s.chunk++
				s.state = Transferring
			}
			if s.chunk == f.ChunkCount() {
				s.exhaustedAt = now
			}
			continue
		}

		if s.exhaustedAt.IsZero() {
			s.exhaustedAt = now
		}
		if m.opts.AckTimeout <= 0 || now.Sub(s.exhaustedAt) < m.opts.AckTimeout {
			continue
		}
		if s.retries >= m.opts.MaxRetries {
			stalled = append(stalled, s.conn)
			final = append(final, m.progressOf(s))
			continue
		}
		s.retries++
		s.totalRetries++
		s.chunk = 0
		s.exhaustedAt = time.Time{}
		m.logger.Debug("file ack timed out, resending", "conn", s.conn, "file", f.Name, "retry", s.retries)
		m.send(s.conn, func() error { return m.sender.SendHeader(s.conn, protocol.HeaderFor(f)) })
	}
	for _, conn := range stalled {
		delete(m.sessions, conn)
		m.logger.Warn("file transfer stalled", "conn", conn, "retries", m.opts.MaxRetries)
	}
	m.mu.Unlock()

	if m.opts.OnStalled != nil {
		for i, conn := range stalled {
			m.opts.OnStalled(conn, final[i])
		}
	}
}

// Ack records that conn stored fileID. Acks for any file other than the one
// the session is on, or for a file not fully sent yet, are ignored. It
// returns true when this ack completed the session.
func (m *Manager) Ack(conn core.ConnID, fileID byte) bool {
	m.mu.Lock()
	s, ok := m.sessions[conn]
	if !ok {
		m.mu.Unlock()
		return false
	}
	f := m.files[s.filePos]
	if f.ID != fileID || s.chunk < f.ChunkCount() {
		m.mu.Unlock()
		return false
	}

	s.filePos++
	s.chunk = 0
	s.retries = 0
	s.exhaustedAt = time.Time{}

	complete := s.filePos == len(m.files)
	var final Progress
	if complete {
		final = m.progressOf(s)
		delete(m.sessions, conn)
	}
	m.mu.Unlock()

	if complete && m.opts.OnComplete != nil {
		m.opts.OnComplete(conn, final)
	}
	return complete
}

// Disconnect drops the session regardless of progress.
func (m *Manager) Disconnect(conn core.ConnID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[conn]
	delete(m.sessions, conn)
	return ok
}

func (m *Manager) Progress(conn core.ConnID) (Progress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conn]
	if !ok {
		return Progress{}, false
	}
	return m.progressOf(s), true
}

func (m *Manager) progressOf(s *session) Progress {
	return Progress{
		State:        s.state,
		FilePosition: s.filePos,
		FileCount:    len(m.files),
		Chunk:        s.chunk,
		Retries:      s.retries,
		TotalRetries: s.totalRetries,
		StartedAt:    s.startedAt,
	}
}

// Active lists connections with an open session, sorted.
func (m *Manager) Active() []core.ConnID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.ConnID, 0, len(m.sessions))
	for conn := range m.sessions {
		out = append(out, conn)
	}
	slices.Sort(out)
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
