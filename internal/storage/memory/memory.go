// internal/storage/memory/memory.go
package memory

import (
	"time"

	"github.com/coopsync/coopsync/internal/config"
	"github.com/coopsync/coopsync/pkg/core"
	"github.com/sasha-s/go-deadlock"
	"github.com/spf13/afero"
)

// SessionRecord groups a session with its file deliveries
type SessionRecord struct {
	Session    core.Session
	Deliveries []core.FileDelivery
}

// EntityRecord groups every snapshot taken of one entity
type EntityRecord struct {
	Kind      core.EntityKind
	ID        uint32
	Snapshots []core.EntitySnapshot
}

type entityKey struct {
	kind core.EntityKind
	id   uint32
}

// Backend keeps everything in memory and exports to JSON on Close
type Backend struct {
	cfg        config.MemoryConfig
	fs         afero.Fs
	serverName string
	now        func() time.Time
	startedAt  time.Time

	sessions    []*SessionRecord
	byConn      map[core.ConnID]*SessionRecord
	entities    map[entityKey]*EntityRecord
	entityOrder []entityKey
	performance []core.PerformanceSample

	idCounter      uint
	lastExportPath string
	mu             deadlock.RWMutex
}

// New creates a new memory backend. A nil fs writes to the OS filesystem.
func New(cfg config.MemoryConfig, serverName string, fs afero.Fs) *Backend {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Backend{
		cfg:        cfg,
		fs:         fs,
		serverName: serverName,
		now:        time.Now,
		byConn:     make(map[core.ConnID]*SessionRecord),
		entities:   make(map[entityKey]*EntityRecord),
	}
}

// Init marks the start of the recording
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startedAt = b.now()
	return nil
}

// Close exports the recording if anything was recorded
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.sessions) == 0 && len(b.performance) == 0 && len(b.entities) == 0 {
		return nil
	}
	return b.exportJSON()
}

// StartSession registers a new session and assigns its ID
func (b *Backend) StartSession(s *core.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.idCounter++
	s.ID = b.idCounter

	rec := &SessionRecord{Session: *s}
	b.sessions = append(b.sessions, rec)
	b.byConn[s.ConnID] = rec
	return nil
}

// EndSession stores the disconnect time and reason
func (b *Backend) EndSession(s *core.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.byConn[s.ConnID]
	if !ok {
		return nil // silently ignore unknown sessions
	}
	rec.Session.DisconnectedAt = s.DisconnectedAt
	rec.Session.Reason = s.Reason
	if s.Username != "" {
		rec.Session.Username = s.Username
	}
	delete(b.byConn, s.ConnID)
	return nil
}

// RecordFileDelivery attaches a delivery to its open session
func (b *Backend) RecordFileDelivery(d *core.FileDelivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec, ok := b.byConn[d.ConnID]; ok {
		rec.Deliveries = append(rec.Deliveries, *d)
	}
	return nil
}

// RecordSnapshot appends snapshots to their entity tracks
func (b *Backend) RecordSnapshot(snaps []core.EntitySnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range snaps {
		key := entityKey{kind: s.Kind, id: s.ID}
		rec, ok := b.entities[key]
		if !ok {
			rec = &EntityRecord{Kind: s.Kind, ID: s.ID}
			b.entities[key] = rec
			b.entityOrder = append(b.entityOrder, key)
		}
		rec.Snapshots = append(rec.Snapshots, s)
	}
	return nil
}

// RecordPerformance appends a performance sample
func (b *Backend) RecordPerformance(p *core.PerformanceSample) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.performance = append(b.performance, *p)
	return nil
}

// Sessions returns copies of every recorded session
func (b *Backend) Sessions() []SessionRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]SessionRecord, 0, len(b.sessions))
	for _, rec := range b.sessions {
		cp := SessionRecord{Session: rec.Session}
		cp.Deliveries = append(cp.Deliveries, rec.Deliveries...)
		out = append(out, cp)
	}
	return out
}

// Entity looks up the snapshot track of one entity
func (b *Backend) Entity(kind core.EntityKind, id uint32) (EntityRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.entities[entityKey{kind: kind, id: id}]
	if !ok {
		return EntityRecord{}, false
	}
	cp := *rec
	cp.Snapshots = append([]core.EntitySnapshot(nil), rec.Snapshots...)
	return cp, true
}

// PerformanceSamples returns a copy of the recorded samples
func (b *Backend) PerformanceSamples() []core.PerformanceSample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]core.PerformanceSample(nil), b.performance...)
}

// ExportedFilePath returns the path written by the last Close
func (b *Backend) ExportedFilePath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastExportPath
}
