package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nebula/ptyhost/internal/storage"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ErrNoStorage is returned by override operations when no store is attached.
var ErrNoStorage = errors.New("storage not available")

// EnvPrefix prefixes environment overrides, e.g. PTYHOST_SERVER_PORT.
const EnvPrefix = "PTYHOST"

// Config holds all configuration values
type Config struct {
	Server   ServerConfig   `mapstructure:"server" json:"server"`
	Storage  StorageConfig  `mapstructure:"storage" json:"storage"`
	Terminal TerminalConfig `mapstructure:"terminal" json:"terminal"`
	Stats    StatsConfig    `mapstructure:"stats" json:"stats"`
	Logging  LoggingConfig  `mapstructure:"logging" json:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" json:"host"`
	Port            int           `mapstructure:"port" json:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Path             string        `mapstructure:"path" json:"path"`
	HistoryRetention time.Duration `mapstructure:"history_retention" json:"history_retention"`
}

// TerminalConfig holds terminal session configuration
type TerminalConfig struct {
	DefaultShell    string `mapstructure:"default_shell" json:"default_shell"`
	DefaultCols     uint16 `mapstructure:"default_cols" json:"default_cols"`
	DefaultRows     uint16 `mapstructure:"default_rows" json:"default_rows"`
	ScrollbackBytes int    `mapstructure:"scrollback_bytes" json:"scrollback_bytes"`
	ReapExited      bool   `mapstructure:"reap_exited" json:"reap_exited"`
}

// StatsConfig holds session process sampling configuration
type StatsConfig struct {
	Interval    time.Duration `mapstructure:"interval" json:"interval"`
	HistorySize int           `mapstructure:"history_size" json:"history_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// Manager manages configuration with hot reload support
type Manager struct {
	config  *Config
	storage *storage.Storage
	viper   *viper.Viper
	hasFile bool
	log     *zap.Logger
	mu      sync.RWMutex

	onReload []func(*Config)
}

// NewManager loads configPath. A missing file leaves the defaults and
// environment overrides in effect; store may be nil.
func NewManager(configPath string, store *storage.Storage) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	m := &Manager{
		storage: store,
		viper:   v,
		hasFile: true,
		log:     zap.NewNop(),
	}

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		m.hasFile = false
	}

	cfg, err := m.load()
	if err != nil {
		return nil, err
	}
	m.config = cfg

	if m.hasFile {
		v.OnConfigChange(func(e fsnotify.Event) {
			if err := m.reload(); err != nil {
				m.logger().Error("config reload failed", zap.String("file", e.Name), zap.Error(err))
			}
		})
		v.WatchConfig()
	}

	return m, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7681)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")

	// Storage defaults
	v.SetDefault("storage.path", "./ptyhost.db")
	v.SetDefault("storage.history_retention", "168h")

	// Terminal defaults
	v.SetDefault("terminal.default_shell", "")
	v.SetDefault("terminal.default_cols", 80)
	v.SetDefault("terminal.default_rows", 24)
	v.SetDefault("terminal.scrollback_bytes", 64*1024)
	v.SetDefault("terminal.reap_exited", false)

	// Stats defaults
	v.SetDefault("stats.interval", "2s")
	v.SetDefault("stats.history_size", 60)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// load decodes the current viper state and applies stored overrides.
func (m *Manager) load() (*Config, error) {
	cfg := &Config{}
	if err := m.viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	m.applyStorageOverrides(cfg)
	return cfg, nil
}

// Get returns the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// reload re-decodes the configuration and notifies listeners. On error the
// previous configuration stays in effect.
func (m *Manager) reload() error {
	cfg, err := m.load()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	listeners := append([]func(*Config){}, m.onReload...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Reload forces a configuration reload
func (m *Manager) Reload() error {
	if m.hasFile {
		if err := m.viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return m.reload()
}

// OnReload registers a callback for configuration changes
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

// applyStorageOverrides applies configuration overrides from storage
func (m *Manager) applyStorageOverrides(cfg *Config) {
	store := m.store()
	if store == nil {
		return
	}

	var port int
	if err := store.GetJSON(storage.BucketConfig, "server.port", &port); err == nil && port > 0 {
		cfg.Server.Port = port
	}

	var shell string
	if err := store.GetJSON(storage.BucketConfig, "terminal.default_shell", &shell); err == nil {
		cfg.Terminal.DefaultShell = shell
	}
}

func (m *Manager) store() *storage.Storage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.storage
}

// AttachStorage starts applying overrides from store. The storage path is
// itself configuration, so the store usually opens after NewManager.
func (m *Manager) AttachStorage(store *storage.Storage) error {
	m.mu.Lock()
	m.storage = store
	m.mu.Unlock()
	return m.reload()
}

// SetLogger sets the logger that reports failed hot reloads.
func (m *Manager) SetLogger(log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = log
}

func (m *Manager) logger() *zap.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log
}

// SetOverride sets a configuration override in storage
func (m *Manager) SetOverride(key string, value interface{}) error {
	store := m.store()
	if store == nil {
		return ErrNoStorage
	}
	return store.SetJSON(storage.BucketConfig, key, value)
}

// GetOverride gets a configuration override from storage
func (m *Manager) GetOverride(key string, value interface{}) error {
	store := m.store()
	if store == nil {
		return ErrNoStorage
	}
	return store.GetJSON(storage.BucketConfig, key, value)
}

// SetDefaultShell persists shell as the default shell and reloads. An empty
// shell falls back to the platform default.
func (m *Manager) SetDefaultShell(shell string) error {
	if err := m.SetOverride("terminal.default_shell", shell); err != nil {
		return err
	}
	return m.reload()
}

// Address returns the server address string
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
