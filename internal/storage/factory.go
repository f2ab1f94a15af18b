// internal/storage/factory.go
package storage

import (
	"fmt"
	"log/slog"

	"github.com/coopsync/coopsync/internal/config"
	"github.com/coopsync/coopsync/internal/database"
	gormstorage "github.com/coopsync/coopsync/internal/storage/gorm"
	"github.com/coopsync/coopsync/internal/storage/memory"
	sqlitestorage "github.com/coopsync/coopsync/internal/storage/sqlite"
	"github.com/coopsync/coopsync/internal/storage/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

var (
	_ Backend    = (*memory.Backend)(nil)
	_ Exportable = (*memory.Backend)(nil)
	_ Backend    = (*gormstorage.Backend)(nil)
	_ Backend    = (*sqlitestorage.Backend)(nil)
	_ Backend    = (*websocket.Backend)(nil)
	_ Backend    = Noop{}
)

// Dependencies are shared by every backend the factory can build.
type Dependencies struct {
	ServerName string
	DB         config.DBConfig
	Fs         afero.Fs
	Logger     *slog.Logger
	DBLogger   zerolog.Logger
}

// NewBackend creates a storage backend based on configuration
func NewBackend(cfg config.StorageConfig, deps Dependencies) (Backend, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	switch cfg.Type {
	case "postgres":
		m := database.NewManager(deps.DB, deps.DBLogger)
		if err := m.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect database: %w", err)
		}
		b := gormstorage.New(gormstorage.Dependencies{
			DB:         m.DB,
			ServerName: deps.ServerName,
			Logger:     deps.Logger.With("backend", "gorm", "dialect", m.DB.Name()),
		})
		if deps.DB.Timescale && !m.ShouldSaveLocal {
			b.AfterMigrate = func() error { return m.ValidateHypertables(database.Hypertables) }
		}
		if m.ShouldSaveLocal && cfg.SQLite.Path != "" {
			m.SqliteFilePath = cfg.SQLite.Path
			b.AfterClose = m.DumpMemoryToDisk
		}
		return b, nil
	case "sqlite":
		return sqlitestorage.New(cfg.SQLite, deps.ServerName, deps.Logger.With("backend", "sqlite"))
	case "websocket":
		if cfg.WebSocket.URL == "" {
			return nil, fmt.Errorf("websocket storage requires storage.websocket.url")
		}
		return websocket.New(websocket.Config{
			URL:        cfg.WebSocket.URL,
			Secret:     cfg.WebSocket.Secret,
			ServerName: deps.ServerName,
			Logger:     deps.Logger.With("backend", "websocket"),
		}), nil
	case "memory", "":
		return memory.New(cfg.Memory, deps.ServerName, deps.Fs), nil
	case "none":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
