package model

import (
	"database/sql"
	"time"

	geom "github.com/peterstace/simplefeatures/geom"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&ServerInfo{},
	&ConnectionSession{},
	&FileDelivery{},
	&EntitySnapshot{},
	&ServerPerformance{},
}

////////////////////////
// SYSTEM MODELS
////////////////////////

// ServerInfo describes the server instance writing into this database
type ServerInfo struct {
	gorm.Model
	Name        string `json:"name" gorm:"size:127"`
	Description string `json:"description" gorm:"size:255"`
	Website     string `json:"website" gorm:"size:255"`
}

func (*ServerInfo) TableName() string {
	return "server_infos"
}

// ServerPerformance is a periodic load sample
type ServerPerformance struct {
	Time           time.Time `json:"time" gorm:"type:timestamptz;index:idx_serverperformance_time"`
	Clients        uint16    `json:"clients"`
	Peds           uint32    `json:"peds"`
	Vehicles       uint32    `json:"vehicles"`
	Props          uint32    `json:"props"`
	Downloads      uint16    `json:"downloads"`
	TickDurationMs float32   `json:"tickDurationMs"`
	Goroutines     uint32    `json:"goroutines"`
	HeapAllocMB    float32   `json:"heapAllocMb"`
}

func (*ServerPerformance) TableName() string {
	return "server_performances"
}

////////////////////////
// SESSION MODELS
////////////////////////

// ConnectionSession is one client connection from connect to disconnect
type ConnectionSession struct {
	ID             uint         `json:"id" gorm:"primarykey;autoIncrement;"`
	ConnID         string       `json:"connId" gorm:"size:64;index:idx_connectionsession_conn_id"`
	Username       string       `json:"username" gorm:"size:64"`
	RemoteAddr     string       `json:"remoteAddr" gorm:"size:64"`
	ConnectedAt    time.Time    `json:"connectedAt" gorm:"type:timestamptz;NOT NULL;"`
	DisconnectedAt sql.NullTime `json:"disconnectedAt" gorm:"type:timestamptz;"`
	Reason         string       `json:"reason" gorm:"size:255"`
}

func (*ConnectionSession) TableName() string {
	return "connection_sessions"
}

// FileDelivery is the outcome of one catalog download
type FileDelivery struct {
	ID         uint      `json:"id" gorm:"primarykey;autoIncrement;"`
	Time       time.Time `json:"time" gorm:"type:timestamptz;NOT NULL;"`
	SessionID  uint      `json:"sessionId" gorm:"index:idx_filedelivery_session_id"`
	ConnID     string    `json:"connId" gorm:"size:64"`
	Files      uint16    `json:"files"`
	Bytes      int64     `json:"bytes"`
	DurationMs float32   `json:"durationMs"`
	Retries    uint16    `json:"retries"`
	Stalled    bool      `json:"stalled"`
}

func (*FileDelivery) TableName() string {
	return "file_deliveries"
}

////////////////////////
// ENTITY MODELS
////////////////////////

// EntitySnapshot is one registry record captured at a point in time
type EntitySnapshot struct {
	ID         uint           `json:"id" gorm:"primarykey;autoIncrement;"`
	Time       time.Time      `json:"time" gorm:"type:timestamptz;NOT NULL;index:idx_entitysnapshot_time"`
	Kind       string         `json:"kind" gorm:"size:16"`
	EntityID   uint32         `json:"entityId" gorm:"index:idx_entitysnapshot_entity_id"`
	Owner      string         `json:"owner" gorm:"size:64"`
	Position   geom.Point     `json:"position"`
	Rotation   datatypes.JSON `json:"rotation"`
	Health     int32          `json:"health"`
	Model      int32          `json:"model"`
	Passengers datatypes.JSON `json:"passengers"`
	Damage     datatypes.JSON `json:"damage"`
}

func (*EntitySnapshot) TableName() string {
	return "entity_snapshots"
}
