package gormstorage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/coopsync/coopsync/internal/database"
	"github.com/coopsync/coopsync/internal/model"
	"github.com/coopsync/coopsync/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBackend creates a Backend with no DB (queue-only mode for unit testing).
func newTestBackend() *Backend {
	return New(Dependencies{WriteInterval: time.Hour})
}

func TestNew(t *testing.T) {
	b := newTestBackend()
	require.NotNil(t, b)
	assert.Equal(t, time.Hour, b.deps.WriteInterval)
	assert.NotNil(t, b.deps.Logger)

	assert.Equal(t, DefaultWriteInterval, New(Dependencies{}).deps.WriteInterval)
}

func TestInitClose(t *testing.T) {
	b := newTestBackend()

	err := b.Init()
	require.NoError(t, err)
	require.NotNil(t, b.queues)
	require.NotNil(t, b.stopChan)

	require.NoError(t, b.Close())
	// second close is a no-op
	require.NoError(t, b.Close())
}

func TestClose_RunsAfterClose(t *testing.T) {
	b := newTestBackend()
	calls := 0
	b.AfterClose = func() error {
		calls++
		return nil
	}
	require.NoError(t, b.Init())
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 1, calls)

	failing := newTestBackend()
	failing.AfterClose = func() error { return assert.AnError }
	require.NoError(t, failing.Init())
	assert.ErrorIs(t, failing.Close(), assert.AnError)
}

func TestClose_BeforeInit(t *testing.T) {
	assert.NoError(t, newTestBackend().Close())
}

func TestRecord_QueuesWithoutDB(t *testing.T) {
	b := newTestBackend()
	require.NoError(t, b.Init())
	defer b.Close()

	s := &core.Session{ConnID: "a"}
	require.NoError(t, b.StartSession(s))
	assert.Zero(t, s.ID)

	require.NoError(t, b.RecordFileDelivery(&core.FileDelivery{ConnID: "a", Files: 1}))
	require.NoError(t, b.RecordSnapshot([]core.EntitySnapshot{
		{Kind: core.KindPed, ID: 1},
		{Kind: core.KindVehicle, ID: 2},
	}))
	require.NoError(t, b.RecordPerformance(&core.PerformanceSample{Clients: 1}))

	assert.Equal(t, map[string]int{
		"deliveries":  1,
		"snapshots":   2,
		"performance": 1,
	}, b.QueueLengths())

	require.NoError(t, b.EndSession(s))
}

func TestWritesToSQLite(t *testing.T) {
	db, err := database.GetSqliteDBStandalone(filepath.Join(t.TempDir(), "coopsync.db"))
	require.NoError(t, err)

	b := New(Dependencies{DB: db, ServerName: "test", WriteInterval: time.Hour})
	require.NoError(t, b.Init())

	s := &core.Session{ConnID: "a", Username: "lamar", ConnectedAt: time.Now()}
	require.NoError(t, b.StartSession(s))
	assert.NotZero(t, s.ID)

	require.NoError(t, b.RecordFileDelivery(&core.FileDelivery{ConnID: "a", Time: time.Now(), Files: 2}))
	require.NoError(t, b.RecordSnapshot([]core.EntitySnapshot{
		{Time: time.Now(), Kind: core.KindPed, ID: 1, Owner: "a", Position: core.Vector3{X: 1, Y: 2, Z: 3}},
	}))
	require.NoError(t, b.RecordPerformance(&core.PerformanceSample{Time: time.Now(), Clients: 1}))

	s.DisconnectedAt = time.Now()
	s.Reason = "quit"
	require.NoError(t, b.EndSession(s))

	// Close performs a final flush
	require.NoError(t, b.Close())

	var count int64
	require.NoError(t, db.Model(&model.FileDelivery{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	require.NoError(t, db.Model(&model.EntitySnapshot{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	require.NoError(t, db.Model(&model.ServerPerformance{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	require.NoError(t, db.Model(&model.ServerInfo{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var sessionID uint
	require.NoError(t, db.Model(&model.FileDelivery{}).Select("session_id").Scan(&sessionID).Error)
	assert.Equal(t, s.ID, sessionID)

	var reason string
	require.NoError(t, db.Model(&model.ConnectionSession{}).Where("id = ?", s.ID).Select("reason").Scan(&reason).Error)
	assert.Equal(t, "quit", reason)
}
