// Package gormstorage implements the storage.Backend interface on GORM
// (Postgres or SQLite) with internal queues and a background DB writer.
package gormstorage

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/coopsync/coopsync/internal/database"
	"github.com/coopsync/coopsync/internal/model"
	"github.com/coopsync/coopsync/internal/model/convert"
	"github.com/coopsync/coopsync/internal/queue"
	"github.com/coopsync/coopsync/pkg/core"
	"github.com/sasha-s/go-deadlock"

	"gorm.io/gorm"
)

// DefaultWriteInterval is how often queued rows are flushed.
const DefaultWriteInterval = 2 * time.Second

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB            *gorm.DB
	ServerName    string
	Logger        *slog.Logger
	WriteInterval time.Duration
}

// queues holds all the write queues for batch DB insertion.
type queues struct {
	Deliveries  *queue.Queue[model.FileDelivery]
	Snapshots   *queue.Queue[model.EntitySnapshot]
	Performance *queue.Queue[model.ServerPerformance]
}

func newQueues() *queues {
	return &queues{
		Deliveries:  queue.New[model.FileDelivery](),
		Snapshots:   queue.New[model.EntitySnapshot](),
		Performance: queue.New[model.ServerPerformance](),
	}
}

// Backend implements storage.Backend using GORM with queue-based batch writes.
type Backend struct {
	// AfterMigrate runs once after the schema migration in Init.
	AfterMigrate func() error
	// AfterClose runs once after the final flush in Close.
	AfterClose func() error

	deps     Dependencies
	queues   *queues
	stopChan chan struct{}
	done     chan struct{}

	// open session row IDs by connection, used to stamp deliveries
	mu       deadlock.Mutex
	sessions map[core.ConnID]uint
}

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.WriteInterval <= 0 {
		deps.WriteInterval = DefaultWriteInterval
	}
	return &Backend{
		deps:     deps,
		sessions: make(map[core.ConnID]uint),
	}
}

// Init creates internal queues, runs schema migration, and starts the DB
// writer goroutine. Without a DB the backend only queues.
func (b *Backend) Init() error {
	b.queues = newQueues()
	b.stopChan = make(chan struct{})
	b.done = make(chan struct{})

	if b.deps.DB != nil {
		b.deps.Logger.Info("Migrating schema")
		if err := database.Migrate(b.deps.DB, b.deps.ServerName); err != nil {
			return fmt.Errorf("failed to setup DB: %w", err)
		}
		if b.AfterMigrate != nil {
			if err := b.AfterMigrate(); err != nil {
				return fmt.Errorf("failed to run post-migration step: %w", err)
			}
		}
	}

	go b.writerLoop()
	return nil
}

// Close stops the DB writer goroutine after a final flush.
func (b *Backend) Close() error {
	if b.stopChan == nil {
		return nil
	}
	select {
	case <-b.stopChan:
		return nil
	default:
	}
	close(b.stopChan)
	<-b.done
	if b.AfterClose != nil {
		if err := b.AfterClose(); err != nil {
			return fmt.Errorf("failed to run post-close step: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying connection.
func (b *Backend) DB() *gorm.DB {
	return b.deps.DB
}

// StartSession inserts the session synchronously so its ID is known.
func (b *Backend) StartSession(s *core.Session) error {
	if b.deps.DB == nil {
		return nil
	}
	row := convert.CoreToSession(*s)
	if err := b.deps.DB.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	s.ID = row.ID

	b.mu.Lock()
	b.sessions[s.ConnID] = row.ID
	b.mu.Unlock()
	return nil
}

// EndSession updates the disconnect columns of the session row.
func (b *Backend) EndSession(s *core.Session) error {
	b.mu.Lock()
	id, ok := b.sessions[s.ConnID]
	delete(b.sessions, s.ConnID)
	b.mu.Unlock()

	if b.deps.DB == nil || !ok {
		return nil
	}
	row := convert.CoreToSession(*s)
	err := b.deps.DB.Model(&model.ConnectionSession{}).Where("id = ?", id).Updates(map[string]any{
		"disconnected_at": row.DisconnectedAt,
		"reason":          row.Reason,
		"username":        row.Username,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// RecordFileDelivery converts and queues a delivery.
func (b *Backend) RecordFileDelivery(d *core.FileDelivery) error {
	row := convert.CoreToFileDelivery(*d)
	b.mu.Lock()
	row.SessionID = b.sessions[d.ConnID]
	b.mu.Unlock()
	b.queues.Deliveries.Push(row)
	return nil
}

// RecordSnapshot converts and queues snapshots.
func (b *Backend) RecordSnapshot(snaps []core.EntitySnapshot) error {
	rows := make([]model.EntitySnapshot, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, convert.CoreToSnapshot(s))
	}
	b.queues.Snapshots.Push(rows...)
	return nil
}

// RecordPerformance converts and queues a performance sample.
func (b *Backend) RecordPerformance(p *core.PerformanceSample) error {
	b.queues.Performance.Push(convert.CoreToPerformance(*p))
	return nil
}

// QueueLengths reports pending rows per queue.
func (b *Backend) QueueLengths() map[string]int {
	return map[string]int{
		"deliveries":  b.queues.Deliveries.Len(),
		"snapshots":   b.queues.Snapshots.Len(),
		"performance": b.queues.Performance.Len(),
	}
}

// writeQueue writes a batch from q in a transaction. Failed batches go
// back to the front of the queue.
func writeQueue[T any](db *gorm.DB, q *queue.Queue[T], name string, log *slog.Logger) {
	if q.Empty() {
		return
	}

	items := q.Drain(0)
	tx := db.Begin()
	if err := tx.Create(&items).Error; err != nil {
		log.Error("Error creating rows", "table", name, "count", len(items), "error", err)
		tx.Rollback()
		q.PushFront(items...)
		return
	}
	tx.Commit()
}

// Flush writes every queue once.
func (b *Backend) Flush() {
	if b.deps.DB == nil {
		return
	}
	start := time.Now()
	writeQueue(b.deps.DB, b.queues.Deliveries, "file_deliveries", b.deps.Logger)
	writeQueue(b.deps.DB, b.queues.Snapshots, "entity_snapshots", b.deps.Logger)
	writeQueue(b.deps.DB, b.queues.Performance, "server_performances", b.deps.Logger)
	b.deps.Logger.Debug("Flushed write queues", "duration", time.Since(start))
}

// writerLoop periodically drains queues into the DB.
func (b *Backend) writerLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.deps.WriteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			b.Flush()
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}
