// internal/storage/memory/export.go
package memory

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/coopsync/coopsync/pkg/core"
)

// RecordingExport is the root JSON structure
type RecordingExport struct {
	ServerName  string                   `json:"serverName"`
	StartedAt   time.Time                `json:"startedAt"`
	EndedAt     time.Time                `json:"endedAt"`
	Sessions    []SessionJSON            `json:"sessions"`
	Entities    []EntityJSON             `json:"entities"`
	Performance []core.PerformanceSample `json:"performance"`
}

// SessionJSON is a session with its deliveries inlined
type SessionJSON struct {
	core.Session
	Deliveries []core.FileDelivery `json:"deliveries"`
}

// EntityJSON is the snapshot track of one entity
type EntityJSON struct {
	ID   uint32 `json:"id"`
	Kind string `json:"kind"`
	// Track entries: [unixMillis, [x, y, z], owner]
	Track [][]any `json:"track"`
}

// exportFileName builds "<server>_<start>.json[.gz]" with path-hostile
// characters replaced.
func (b *Backend) exportFileName() string {
	name := b.serverName
	if name == "" {
		name = "coopsync"
	}
	name = strings.NewReplacer(" ", "_", ":", "_", "/", "_", "\\", "_").Replace(name)
	timestamp := b.startedAt.Format("20060102_150405")

	if b.cfg.CompressOutput {
		return fmt.Sprintf("%s_%s.json.gz", name, timestamp)
	}
	return fmt.Sprintf("%s_%s.json", name, timestamp)
}

// exportJSON writes the recording, gzipped when configured
func (b *Backend) exportJSON() error {
	export := b.buildExport()
	outputPath := filepath.Join(b.cfg.OutputDir, b.exportFileName())

	// Ensure output directory exists
	if err := b.fs.MkdirAll(b.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := b.fs.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	if b.cfg.CompressOutput {
		gzWriter := gzip.NewWriter(f)
		defer gzWriter.Close()
		w = gzWriter
	}

	if err := json.NewEncoder(w).Encode(export); err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}

	b.lastExportPath = outputPath
	return nil
}

func (b *Backend) buildExport() RecordingExport {
	export := RecordingExport{
		ServerName:  b.serverName,
		StartedAt:   b.startedAt,
		EndedAt:     b.now(),
		Sessions:    make([]SessionJSON, 0, len(b.sessions)),
		Entities:    make([]EntityJSON, 0, len(b.entityOrder)),
		Performance: b.performance,
	}
	if export.Performance == nil {
		export.Performance = []core.PerformanceSample{}
	}

	for _, rec := range b.sessions {
		deliveries := rec.Deliveries
		if deliveries == nil {
			deliveries = []core.FileDelivery{}
		}
		export.Sessions = append(export.Sessions, SessionJSON{Session: rec.Session, Deliveries: deliveries})
	}

	for _, key := range b.entityOrder {
		rec := b.entities[key]
		entity := EntityJSON{
			ID:    rec.ID,
			Kind:  rec.Kind.String(),
			Track: make([][]any, 0, len(rec.Snapshots)),
		}
		for _, s := range rec.Snapshots {
			entity.Track = append(entity.Track, []any{
				s.Time.UnixMilli(),
				[]float32{s.Position.X, s.Position.Y, s.Position.Z},
				string(s.Owner),
			})
		}
		export.Entities = append(export.Entities, entity)
	}

	return export
}
