// internal/storage/storage.go
package storage

import "github.com/coopsync/coopsync/pkg/core"

// Backend is the interface all storage implementations must satisfy
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// Session management (StartSession assigns ID to the passed pointer)
	StartSession(s *core.Session) error
	EndSession(s *core.Session) error

	// Recording
	RecordFileDelivery(d *core.FileDelivery) error
	RecordSnapshot(snaps []core.EntitySnapshot) error
	RecordPerformance(p *core.PerformanceSample) error
}

// Exportable is an optional interface for backends that write a file on
// Close.
type Exportable interface {
	ExportedFilePath() string
}

// Noop discards everything. Used when storage.type is "none".
type Noop struct{}

func (Noop) Init() error                                     { return nil }
func (Noop) Close() error                                    { return nil }
func (Noop) StartSession(*core.Session) error                { return nil }
func (Noop) EndSession(*core.Session) error                  { return nil }
func (Noop) RecordFileDelivery(*core.FileDelivery) error     { return nil }
func (Noop) RecordSnapshot([]core.EntitySnapshot) error      { return nil }
func (Noop) RecordPerformance(*core.PerformanceSample) error { return nil }
