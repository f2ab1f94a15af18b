package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/coopsync/coopsync/internal/influx"
	"github.com/coopsync/coopsync/pkg/core"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sasha-s/go-deadlock"
	"github.com/spf13/afero"
)

// Source provides the live server numbers the monitor samples.
type Source interface {
	// Sample fills the load counters; the monitor adds runtime figures.
	Sample() core.PerformanceSample
	Snapshot() []core.EntitySnapshot
}

// Recorder is the subset of storage.Backend the monitor writes to.
type Recorder interface {
	RecordSnapshot(snaps []core.EntitySnapshot) error
	RecordPerformance(p *core.PerformanceSample) error
}

// PointWriter is implemented by influx.Manager.
type PointWriter interface {
	WritePoint(ctx context.Context, bucket string, point *influxdb2_write.Point) error
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Source           Source
	Recorder         Recorder
	Influx           PointWriter // optional
	Fs               afero.Fs
	StatusFile       string
	ServerName       string
	StatusInterval   time.Duration
	SnapshotInterval time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        deadlock.RWMutex
	stopChan  chan struct{}
	done      chan struct{}
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.StatusInterval <= 0 {
		deps.StatusInterval = time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		deps:     deps,
		stopChan: make(chan struct{}),
	}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// GetProgramStatus samples the server and the Go runtime
func (s *Service) GetProgramStatus() core.PerformanceSample {
	sample := s.deps.Source.Sample()
	sample.Time = s.deps.Now()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	sample.Goroutines = runtime.NumGoroutine()
	sample.HeapAlloc = ms.HeapAlloc
	return sample
}

// WriteStatus overwrites the status file with the current sample.
func (s *Service) WriteStatus(sample core.PerformanceSample) error {
	if s.deps.StatusFile == "" {
		return nil
	}
	data, err := json.MarshalIndent(sample, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := afero.WriteFile(s.deps.Fs, s.deps.StatusFile, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write status file: %w", err)
	}
	return nil
}

// RecordSample stores a performance row and an entity snapshot, and pushes
// an influx point when configured.
func (s *Service) RecordSample(ctx context.Context, sample core.PerformanceSample) {
	logger := s.deps.Logger

	if s.deps.Recorder != nil {
		if err := s.deps.Recorder.RecordPerformance(&sample); err != nil {
			logger.Error("Error recording performance", "error", err)
		}
		if snaps := s.deps.Source.Snapshot(); len(snaps) > 0 {
			if err := s.deps.Recorder.RecordSnapshot(snaps); err != nil {
				logger.Error("Error recording snapshot", "error", err)
			}
		}
	}

	if s.deps.Influx != nil {
		point := influx.PerformancePoint(s.deps.ServerName, sample)
		if err := s.deps.Influx.WritePoint(ctx, influx.BucketPerformance, point); err != nil {
			logger.Warn("Error writing influx point", "error", err)
		}
	}
}

// Start starts the status monitor goroutine
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
			close(done)
		}()

		logger := s.deps.Logger
		logger.Debug("Starting status monitor goroutine")

		statusTicker := time.NewTicker(s.deps.StatusInterval)
		defer statusTicker.Stop()

		var snapshotC <-chan time.Time
		if s.deps.SnapshotInterval > 0 {
			snapshotTicker := time.NewTicker(s.deps.SnapshotInterval)
			defer snapshotTicker.Stop()
			snapshotC = snapshotTicker.C
		}

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-statusTicker.C:
				if err := s.WriteStatus(s.GetProgramStatus()); err != nil {
					logger.Error("Error writing status file", "error", err)
				}
			case <-snapshotC:
				s.RecordSample(ctx, s.GetProgramStatus())
			}
		}
	}()

	return nil
}

// Stop stops the status monitor and waits for its goroutine
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()
	<-done
}
