// Package config loads and saves the YAML configuration. Values can be
// overridden by FRAMEGRAB_* environment variables and by command-line
// flags bound through Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/orientation"
	"github.com/bryanchriswhite/framegrab/internal/overlay"
	"github.com/bryanchriswhite/framegrab/internal/stage"
)

// EnvPrefix prefixes environment overrides, e.g. FRAMEGRAB_SERVER_PORT.
const EnvPrefix = "FRAMEGRAB"

// Config is the on-disk configuration.
type Config struct {
	ServerPort int           `mapstructure:"server_port" json:"server_port" yaml:"server_port"`
	LogLevel   string        `mapstructure:"log_level" json:"log_level" yaml:"log_level"`
	LogPretty  bool          `mapstructure:"log_pretty" json:"log_pretty" yaml:"log_pretty"`
	Sources    []Source      `mapstructure:"sources" json:"sources" yaml:"sources"`
	Stages     []Stage       `mapstructure:"stages" json:"stages" yaml:"stages"`
	Preview    PreviewConfig `mapstructure:"preview" json:"preview" yaml:"preview"`
	Display    DisplayConfig `mapstructure:"display" json:"display" yaml:"display"`
}

// Source configures one capture device published as a host object.
type Source struct {
	Name        string        `mapstructure:"name" json:"name" yaml:"name"`
	URI         string        `mapstructure:"uri" json:"uri" yaml:"uri"`
	FPS         float64       `mapstructure:"fps" json:"fps" yaml:"fps"`
	Orientation int           `mapstructure:"orientation" json:"orientation" yaml:"orientation"`
	Subscribe   bool          `mapstructure:"subscribe" json:"subscribe" yaml:"subscribe"`
	Backoff     time.Duration `mapstructure:"backoff" json:"backoff" yaml:"backoff,omitempty"`
}

// Stage configures an analysis stage fed by a source or another stage.
type Stage struct {
	Name      string  `mapstructure:"name" json:"name" yaml:"name"`
	Source    string  `mapstructure:"source" json:"source" yaml:"source"`
	Analyzer  string  `mapstructure:"analyzer" json:"analyzer" yaml:"analyzer"`
	Threshold int     `mapstructure:"threshold" json:"threshold" yaml:"threshold"`
	Scale     int     `mapstructure:"scale" json:"scale" yaml:"scale"`
	Notify    bool    `mapstructure:"notify" json:"notify" yaml:"notify"`
	FPS       float64 `mapstructure:"fps" json:"fps" yaml:"fps"`
}

// PreviewConfig controls the MJPEG previews.
type PreviewConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Quality int    `mapstructure:"quality" json:"quality" yaml:"quality"`
	Stamp   bool   `mapstructure:"stamp" json:"stamp" yaml:"stamp"`
	Corner  string `mapstructure:"corner" json:"corner" yaml:"corner"`
}

// DisplayConfig controls the optional X11 viewer window.
type DisplayConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Object  string `mapstructure:"object" json:"object" yaml:"object"`
	Server  string `mapstructure:"server" json:"server,omitempty" yaml:"server,omitempty"`
	Width   int    `mapstructure:"width" json:"width" yaml:"width"`
	Height  int    `mapstructure:"height" json:"height" yaml:"height"`
}

// Defaults returns the configuration written when no file exists: one
// synthetic source and previews on.
func Defaults() *Config {
	return &Config{
		ServerPort: 8080,
		LogLevel:   "info",
		Sources: []Source{
			{Name: "camera", URI: "synthetic://", FPS: 30},
		},
		Stages: []Stage{},
		Preview: PreviewConfig{
			Enabled: true,
			Quality: 80,
			Stamp:   true,
			Corner:  "top-left",
		},
		Display: DisplayConfig{
			Width:  640,
			Height: 480,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("server_port", d.ServerPort)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_pretty", d.LogPretty)
	v.SetDefault("preview.enabled", d.Preview.Enabled)
	v.SetDefault("preview.quality", d.Preview.Quality)
	v.SetDefault("preview.stamp", d.Preview.Stamp)
	v.SetDefault("preview.corner", d.Preview.Corner)
	v.SetDefault("display.enabled", d.Display.Enabled)
	v.SetDefault("display.width", d.Display.Width)
	v.SetDefault("display.height", d.Display.Height)
}

// Validate checks the configuration for values no component would accept.
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port %d out of range", c.ServerPort)
	}
	if !logger.ValidLevel(c.LogLevel) {
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.Preview.Quality < 1 || c.Preview.Quality > 100 {
		return fmt.Errorf("preview.quality %d out of range 1..100", c.Preview.Quality)
	}
	if _, err := overlay.ParseCorner(c.Preview.Corner); err != nil {
		return fmt.Errorf("preview.corner: %w", err)
	}

	names := make(map[string]bool)
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("sources[%d]: duplicate name %q", i, s.Name)
		}
		if _, err := orientation.Parse(s.Orientation); err != nil {
			return fmt.Errorf("sources[%d] %s: %w", i, s.Name, err)
		}
		if s.Backoff < 0 {
			return fmt.Errorf("sources[%d] %s: negative backoff", i, s.Name)
		}
		names[s.Name] = true
	}
	// stages may only consume objects declared before them
	for i, s := range c.Stages {
		if s.Name == "" {
			return fmt.Errorf("stages[%d]: name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("stages[%d]: duplicate name %q", i, s.Name)
		}
		if !names[s.Source] {
			return fmt.Errorf("stages[%d] %s: unknown source %q", i, s.Name, s.Source)
		}
		if s.Analyzer != "" {
			if _, err := stage.NewAnalyzer(s.Analyzer, s.Threshold); err != nil {
				return fmt.Errorf("stages[%d] %s: %w", i, s.Name, err)
			}
		}
		names[s.Name] = true
	}

	if c.Display.Enabled {
		if !names[c.Display.Object] {
			return fmt.Errorf("display.object: unknown object %q", c.Display.Object)
		}
		if c.Display.Width < 1 || c.Display.Height < 1 {
			return fmt.Errorf("display: size %dx%d must be positive", c.Display.Width, c.Display.Height)
		}
	}
	return nil
}

// Manager owns the config file and the Viper instance that layers flags
// and environment over it.
type Manager struct {
	configPath string
	v          *viper.Viper
	log        *zerolog.Logger

	mu     sync.RWMutex
	config *Config
}

// DefaultPath returns $HOME/.config/framegrab/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "framegrab", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty. A missing
// file is created with Defaults.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	m := &Manager{
		configPath: path,
		v:          v,
		log:        logger.WithComponent("config"),
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		m.log.Info().Str("path", path).Msg("Config file not found, creating new config")
		m.config = Defaults()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := m.Reload(); err != nil {
		return nil, err
	}
	cfg := m.Get()
	m.log.Info().
		Str("path", path).
		Int("sources", len(cfg.Sources)).
		Int("stages", len(cfg.Stages)).
		Msg("Config loaded")
	return m, nil
}

// Viper exposes the underlying instance for flag binding.
func (m *Manager) Viper() *viper.Viper {
	return m.v
}

// Reload rereads the file and reapplies overrides. The current config is
// kept if the result does not validate.
func (m *Manager) Reload() error {
	if err := m.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := m.decode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

func (m *Manager) decode() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Sources == nil {
		cfg.Sources = []Source{}
	}
	if cfg.Stages == nil {
		cfg.Stages = []Stage{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Get returns a copy of the effective configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg := *m.config
	cfg.Sources = append([]Source(nil), m.config.Sources...)
	cfg.Stages = append([]Stage(nil), m.config.Stages...)
	return cfg
}

// GetKey returns the effective value of a dotted key such as
// "preview.quality".
func (m *Manager) GetKey(key string) (any, error) {
	if !m.v.IsSet(key) {
		return nil, fmt.Errorf("unknown key %q", key)
	}
	return m.v.Get(key), nil
}

// SetKey sets a dotted key, validates the result and saves it.
func (m *Manager) SetKey(key string, value any) error {
	if !m.v.IsSet(key) {
		return fmt.Errorf("unknown key %q", key)
	}
	prev := m.v.Get(key)
	m.v.Set(key, value)
	cfg, err := m.decode()
	if err != nil {
		m.v.Set(key, prev)
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// Update replaces the configuration and saves it.
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	if err := m.Save(); err != nil {
		return err
	}
	return m.Reload()
}

// Save writes the configuration to disk as YAML.
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()
	if cfg == nil {
		cfg = Defaults()
	}

	dir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		m.log.Error().Err(err).Str("path", m.configPath).Msg("Failed to write config")
		return err
	}
	m.log.Debug().Str("path", m.configPath).Msg("Config saved")
	return nil
}

// Marshal renders the effective configuration as YAML.
func (m *Manager) Marshal() ([]byte, error) {
	cfg := m.Get()
	return yaml.Marshal(&cfg)
}

// Path returns the config file path.
func (m *Manager) Path() string {
	return m.configPath
}

// Dir returns the directory holding the config file.
func (m *Manager) Dir() string {
	return filepath.Dir(m.configPath)
}
