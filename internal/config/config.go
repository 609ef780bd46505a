// Package config loads worldsync server and viewer configuration.
//
// Configuration comes from one YAML file given by --config or the
// WORLDSYNC_CONFIG environment variable. The file is overlaid onto Default(),
// so it only needs the values that differ. Command-line flags are applied by
// the commands after loading and before Validate.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
	"github.com/zeusync/worldsync/internal/core/replication"
	"github.com/zeusync/worldsync/internal/core/serial"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "WORLDSYNC_CONFIG"

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root of the configuration file.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Server ServerConfig `yaml:"server"`
	Viewer ViewerConfig `yaml:"viewer"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error, fatal.
	Level string `yaml:"level"`

	// Format is json or console.
	Format string `yaml:"format"`
}

// TransportConfig selects and tunes the session transport.
type TransportConfig struct {
	// Kind is quic or websocket.
	Kind string `yaml:"kind"`

	// Address is host:port for QUIC, or for websocket the listen address on
	// the server and the ws:// URL on the viewer.
	Address string `yaml:"address"`

	// Compression of framed messages: none, lz4 or zstd.
	Compression string `yaml:"compression"`

	MaxMessageSize     int `yaml:"max_message_size"`
	MaxPendingChannels int `yaml:"max_pending_channels"`

	// CertFile and KeyFile hold the QUIC server certificate. When empty the
	// server generates a self-signed one.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// WebSocketPath is the upgrade endpoint of the websocket transport.
	WebSocketPath string `yaml:"websocket_path"`
}

// ServerConfig configures worldsync-server.
type ServerConfig struct {
	Transport TransportConfig `yaml:"transport"`

	// AdminAddress serves the HTTP admin API. Empty disables it.
	AdminAddress string `yaml:"admin_address"`

	// Digest is sha1 or blake3.
	Digest string `yaml:"digest"`

	// TickInterval is how often every world is stepped.
	TickInterval time.Duration `yaml:"tick_interval"`

	// UpdateInterval is how often a frame is sent to each viewer.
	UpdateInterval time.Duration `yaml:"update_interval"`

	// BlobBudget caps stored blob bytes. Blobs of live entities and terrain
	// are never evicted. Zero means unbounded.
	BlobBudget int64 `yaml:"blob_budget"`

	// MaxSessions caps concurrent viewer sessions.
	MaxSessions int `yaml:"max_sessions"`

	// TerrainRelief is an optional 8-bit relief image used for new games.
	TerrainRelief string `yaml:"terrain_relief"`
	TerrainSize   float64 `yaml:"terrain_size"`
	TerrainHeight float64 `yaml:"terrain_height"`

	// Games are created at startup.
	Games []string `yaml:"games"`
}

// ViewerConfig configures worldsync-viewer.
type ViewerConfig struct {
	Transport TransportConfig `yaml:"transport"`

	// Game is the game to watch; it is created if it does not exist.
	Game string `yaml:"game"`

	// Digest must match the server's.
	Digest string `yaml:"digest"`

	// CachePath is the on-disk blob cache. Empty keeps blobs in memory only.
	CachePath string `yaml:"cache_path"`

	// CacheBudget caps the in-memory blob tier. Zero means unbounded.
	CacheBudget int64 `yaml:"cache_budget"`

	// DiskBudget is what the on-disk cache is pruned to when the viewer
	// starts. Zero means unbounded.
	DiskBudget int64 `yaml:"disk_budget"`

	// QueueCapacity is the number of ready frames buffered before new ones
	// are dropped.
	QueueCapacity int `yaml:"queue_capacity"`

	// MaxMissingDependencies triggers a resync when exceeded.
	MaxMissingDependencies int `yaml:"max_missing_dependencies"`

	// FetchConcurrency bounds parallel resource requests.
	FetchConcurrency int `yaml:"fetch_concurrency"`

	// ReportInterval is how often the viewer logs what it mirrors.
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Default returns the configuration used for every value the file omits.
func Default() *Config {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	options := protocol.DefaultOptions()

	transport := TransportConfig{
		Kind:               string(protocol.TransportQUIC),
		Address:            "127.0.0.1:2718",
		Compression:        options.Compression.String(),
		MaxMessageSize:     options.MaxMessageSize,
		MaxPendingChannels: options.MaxPendingChannels,
		WebSocketPath:      "/ws",
	}

	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Server: ServerConfig{
			Transport:      transport,
			AdminAddress:   "127.0.0.1:2719",
			Digest:         "sha1",
			TickInterval:   20 * time.Millisecond,
			UpdateInterval: replication.DefaultUpdateInterval,
			BlobBudget:     512 << 20,
			MaxSessions:    1000,
			TerrainSize:    1,
			TerrainHeight:  16,
		},
		Viewer: ViewerConfig{
			Transport:              transport,
			Game:                   "game",
			Digest:                 "sha1",
			CachePath:              filepath.Join(cacheDir, "worldsync", "blobs.db"),
			CacheBudget:            256 << 20,
			DiskBudget:             2 << 30,
			QueueCapacity:          replication.DefaultQueueCapacity,
			MaxMissingDependencies: replication.DefaultMaxMissingDependencies,
			FetchConcurrency:       4,
			ReportInterval:         5 * time.Second,
		},
	}
}

// Load reads path, or the file named by WORLDSYNC_CONFIG when path is empty,
// on top of Default(). With neither set the defaults are returned. The result
// is not validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field that has a restricted set of values.
func (c *Config) Validate() error {
	var errs []error
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if f := c.Log.Format; f != "" && f != "json" && f != "console" {
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", f))
	}
	errs = append(errs, c.Server.validate()...)
	errs = append(errs, c.Viewer.validate()...)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func (s ServerConfig) validate() []error {
	errs := s.Transport.validate("server.transport")
	if _, err := serial.DigestByName(s.Digest); err != nil {
		errs = append(errs, fmt.Errorf("server.digest: %w", err))
	}
	if s.TickInterval <= 0 {
		errs = append(errs, errors.New("server.tick_interval must be positive"))
	}
	if s.UpdateInterval <= 0 {
		errs = append(errs, errors.New("server.update_interval must be positive"))
	}
	if s.BlobBudget < 0 {
		errs = append(errs, errors.New("server.blob_budget must not be negative"))
	}
	if s.MaxSessions <= 0 {
		errs = append(errs, errors.New("server.max_sessions must be positive"))
	}
	if s.TerrainRelief != "" && (s.TerrainSize <= 0 || s.TerrainHeight < 0) {
		errs = append(errs, errors.New("server.terrain_size must be positive"))
	}
	return errs
}

func (v ViewerConfig) validate() []error {
	errs := v.Transport.validate("viewer.transport")
	if _, err := serial.DigestByName(v.Digest); err != nil {
		errs = append(errs, fmt.Errorf("viewer.digest: %w", err))
	}
	if v.Game == "" {
		errs = append(errs, errors.New("viewer.game is required"))
	}
	if v.CacheBudget < 0 {
		errs = append(errs, errors.New("viewer.cache_budget must not be negative"))
	}
	if v.DiskBudget < 0 {
		errs = append(errs, errors.New("viewer.disk_budget must not be negative"))
	}
	if v.QueueCapacity <= 0 {
		errs = append(errs, errors.New("viewer.queue_capacity must be positive"))
	}
	if v.MaxMissingDependencies <= 0 {
		errs = append(errs, errors.New("viewer.max_missing_dependencies must be positive"))
	}
	if v.FetchConcurrency <= 0 {
		errs = append(errs, errors.New("viewer.fetch_concurrency must be positive"))
	}
	return errs
}

func (t TransportConfig) validate(prefix string) []error {
	var errs []error
	if _, err := protocol.ParseTransport(t.Kind); err != nil {
		errs = append(errs, fmt.Errorf("%s.kind: %w", prefix, err))
	}
	if _, err := protocol.ParseCompression(t.Compression); err != nil {
		errs = append(errs, fmt.Errorf("%s.compression: %w", prefix, err))
	}
	if t.Address == "" {
		errs = append(errs, fmt.Errorf("%s.address is required", prefix))
	}
	if t.MaxMessageSize < 0 || t.MaxPendingChannels < 0 {
		errs = append(errs, fmt.Errorf("%s limits must not be negative", prefix))
	}
	if (t.CertFile == "") != (t.KeyFile == "") {
		errs = append(errs, fmt.Errorf("%s.cert_file and key_file go together", prefix))
	}
	return errs
}

// Options converts the transport settings. Call after Validate.
func (t TransportConfig) Options() protocol.Options {
	compression, _ := protocol.ParseCompression(t.Compression)
	return protocol.Options{
		Compression:        compression,
		MaxMessageSize:     t.MaxMessageSize,
		MaxPendingChannels: t.MaxPendingChannels,
	}.Normalize()
}

// Transport returns the parsed transport kind. Call after Validate.
func (t TransportConfig) Transport() protocol.Transport {
	kind, _ := protocol.ParseTransport(t.Kind)
	return kind
}

// ParsedLevel returns the log level, falling back to info.
func (l LogConfig) ParsedLevel() log.Level {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		return log.LevelInfo
	}
	return level
}
