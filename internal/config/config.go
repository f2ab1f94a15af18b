package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "coopsync.cfg.json"

// MemoryConfig holds in-memory/JSON storage backend settings
type MemoryConfig struct {
	OutputDir      string `json:"outputDir" mapstructure:"outputDir"`
	CompressOutput bool   `json:"compressOutput" mapstructure:"compressOutput"`
}

// SQLiteConfig holds settings of the in-memory sqlite backend.
type SQLiteConfig struct {
	Path         string        `json:"path" mapstructure:"path"`
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
}

// WebSocketConfig holds settings of the remote collector backend.
type WebSocketConfig struct {
	URL    string `json:"url" mapstructure:"url"`
	Secret string `json:"secret" mapstructure:"secret"`
}

// StorageConfig selects and configures the session storage backend.
type StorageConfig struct {
	Type      string          `json:"type" mapstructure:"type"`
	Memory    MemoryConfig    `json:"memory" mapstructure:"memory"`
	SQLite    SQLiteConfig    `json:"sqlite" mapstructure:"sqlite"`
	WebSocket WebSocketConfig `json:"websocket" mapstructure:"websocket"`
}

// ServerConfig is the typed view of the server.* and files.* keys.
type ServerConfig struct {
	Name             string
	TickRate         int
	MaxClients       int
	OwnershipGrace   time.Duration
	SnapshotInterval time.Duration
	StatusFile       string

	FilesDir   string
	AckTimeout time.Duration
	MaxRetries int
}

// TransportConfig selects the client transport.
type TransportConfig struct {
	Type     string
	Address  string
	CertFile string
	KeyFile  string
}

// DBConfig holds postgres connection settings.
type DBConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	// Timescale converts the time-series tables into hypertables.
	Timescale bool
}

// InfluxConfig holds influxdb settings.
type InfluxConfig struct {
	Enabled  bool
	Protocol string
	Host     string
	Port     string
	Token    string
	Org      string
	Bucket   string
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

// MasterConfig holds master server announcement settings.
type MasterConfig struct {
	Enabled  bool
	URL      string
	APIKey   string
	Interval time.Duration
}

// SetDefaults registers the default value of every key.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("server.name", "coopsync server")
	viper.SetDefault("server.tickRate", 20)
	viper.SetDefault("server.maxClients", 32)
	viper.SetDefault("server.ownershipGrace", "0s")
	viper.SetDefault("server.snapshotInterval", "30s")
	viper.SetDefault("server.statusFile", "coopsync.status.json")

	viper.SetDefault("transport.type", "quic")
	viper.SetDefault("transport.address", ":4499")
	viper.SetDefault("transport.certFile", "")
	viper.SetDefault("transport.keyFile", "")

	viper.SetDefault("files.dir", "clientside")
	viper.SetDefault("files.ackTimeout", "10s")
	viper.SetDefault("files.maxRetries", 3)

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.memory.outputDir", "./sessions")
	viper.SetDefault("storage.memory.compressOutput", true)
	viper.SetDefault("storage.sqlite.path", "coopsync.db")
	viper.SetDefault("storage.sqlite.dumpInterval", "3m")
	viper.SetDefault("storage.websocket.url", "")
	viper.SetDefault("storage.websocket.secret", "")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "coopsync")
	viper.SetDefault("db.timescale", false)

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "coopsync")
	viper.SetDefault("influx.bucket", "server_performance")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "coopsync")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("master.enabled", false)
	viper.SetDefault("master.url", "http://localhost:5000")
	viper.SetDefault("master.apiKey", "")
	viper.SetDefault("master.interval", "1m")
}

// Load sets defaults and reads the JSON config file from configDir. A
// missing file leaves the defaults in place and returns an error for which
// IsNotFound is true.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// IsNotFound reports whether err means no config file was present.
func IsNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf)
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

func GetServerConfig() ServerConfig {
	return ServerConfig{
		Name:             viper.GetString("server.name"),
		TickRate:         viper.GetInt("server.tickRate"),
		MaxClients:       viper.GetInt("server.maxClients"),
		OwnershipGrace:   viper.GetDuration("server.ownershipGrace"),
		SnapshotInterval: viper.GetDuration("server.snapshotInterval"),
		StatusFile:       viper.GetString("server.statusFile"),
		FilesDir:         viper.GetString("files.dir"),
		AckTimeout:       viper.GetDuration("files.ackTimeout"),
		MaxRetries:       viper.GetInt("files.maxRetries"),
	}
}

func GetTransportConfig() TransportConfig {
	return TransportConfig{
		Type:     viper.GetString("transport.type"),
		Address:  viper.GetString("transport.address"),
		CertFile: viper.GetString("transport.certFile"),
		KeyFile:  viper.GetString("transport.keyFile"),
	}
}

func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type: viper.GetString("storage.type"),
		Memory: MemoryConfig{
			OutputDir:      viper.GetString("storage.memory.outputDir"),
			CompressOutput: viper.GetBool("storage.memory.compressOutput"),
		},
		SQLite: SQLiteConfig{
			Path:         viper.GetString("storage.sqlite.path"),
			DumpInterval: viper.GetDuration("storage.sqlite.dumpInterval"),
		},
		WebSocket: WebSocketConfig{
			URL:    viper.GetString("storage.websocket.url"),
			Secret: viper.GetString("storage.websocket.secret"),
		},
	}
}

func GetDBConfig() DBConfig {
	return DBConfig{
		Host:      viper.GetString("db.host"),
		Port:      viper.GetString("db.port"),
		Username:  viper.GetString("db.username"),
		Password:  viper.GetString("db.password"),
		Database:  viper.GetString("db.database"),
		Timescale: viper.GetBool("db.timescale"),
	}
}

func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Protocol: viper.GetString("influx.protocol"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
	}
}

func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

func GetMasterConfig() MasterConfig {
	return MasterConfig{
		Enabled:  viper.GetBool("master.enabled"),
		URL:      viper.GetString("master.url"),
		APIKey:   viper.GetString("master.apiKey"),
		Interval: viper.GetDuration("master.interval"),
	}
}
