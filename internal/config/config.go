package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/DualCam/internal/compositor"
	"github.com/bryanchriswhite/DualCam/internal/encoder"
	"github.com/bryanchriswhite/DualCam/internal/logger"
	"github.com/bryanchriswhite/DualCam/internal/recorder"
	"github.com/bryanchriswhite/DualCam/internal/source"
	"github.com/bryanchriswhite/DualCam/internal/stream"
)

// EnvPrefix is prepended to every environment override, e.g. DUALCAM_SERVER_PORT
const EnvPrefix = "DUALCAM"

// Config represents the application configuration
type Config struct {
	Recording  RecordingConfig `json:"recording" yaml:"recording" mapstructure:"recording"`
	Sources    SourcesConfig   `json:"sources" yaml:"sources" mapstructure:"sources"`
	OutputDir  string          `json:"output_dir" yaml:"output_dir" mapstructure:"output_dir"`
	ServerPort int             `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel   string          `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
}

// RecordingConfig holds encoder and compositing settings
type RecordingConfig struct {
	// Platform is an encoder platform name: mjpeg or gstreamer
	Platform string `json:"platform" yaml:"platform" mapstructure:"platform"`
	// MimeTypes are tried in order
	MimeTypes []string `json:"mime_types" yaml:"mime_types" mapstructure:"mime_types"`
	Bitrate   int      `json:"bitrate" yaml:"bitrate" mapstructure:"bitrate"`
	FPS       int      `json:"fps" yaml:"fps" mapstructure:"fps"`
	Quality   int      `json:"quality" yaml:"quality" mapstructure:"quality"`
	// Timeslice and FinalizeTimeout are Go durations such as "1s"
	Timeslice       string   `json:"timeslice" yaml:"timeslice" mapstructure:"timeslice"`
	FinalizeTimeout string   `json:"finalize_timeout" yaml:"finalize_timeout" mapstructure:"finalize_timeout"`
	AudioPolicy     string   `json:"audio_policy" yaml:"audio_policy" mapstructure:"audio_policy"`
	Layout          string   `json:"layout" yaml:"layout" mapstructure:"layout"`
	Scaler          string   `json:"scaler" yaml:"scaler" mapstructure:"scaler"`
	Labels          []string `json:"labels" yaml:"labels" mapstructure:"labels"`
	MaxHeight       int      `json:"max_height" yaml:"max_height" mapstructure:"max_height"`
}

// SourcesConfig names the two inputs. A is the primary (front) source.
type SourcesConfig struct {
	A source.Config `json:"a" yaml:"a" mapstructure:"a"`
	B source.Config `json:"b" yaml:"b" mapstructure:"b"`
}

var logLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "warning": true,
	"error": true, "disabled": true, "off": true,
}

// Manager handles configuration
type Manager struct {
	v          *viper.Viper
	configPath string

	mu     sync.RWMutex
	config *Config
}

// DefaultPath returns $HOME/.config/dualcam/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "dualcam", "config.yaml"), nil
}

// NewManager loads configFile (or the default path), creating it with
// defaults when it does not exist. DUALCAM_* environment variables override file values.
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
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m := &Manager{v: v, configPath: path}

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", path).
			Msg("Config file not found, creating new config")
		if err := m.reload(); err != nil {
			return nil, err
		}
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if err := m.reload(); err != nil {
			return nil, err
		}
	}

	logger.WithComponent("config").Info().
		Str("path", path).
		Str("platform", m.config.Recording.Platform).
		Msg("Config loaded")
	return m, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("recording.platform", d.Recording.Platform)
	v.SetDefault("recording.mime_types", d.Recording.MimeTypes)
	v.SetDefault("recording.bitrate", d.Recording.Bitrate)
	v.SetDefault("recording.fps", d.Recording.FPS)
	v.SetDefault("recording.quality", d.Recording.Quality)
	v.SetDefault("recording.timeslice", d.Recording.Timeslice)
	v.SetDefault("recording.finalize_timeout", d.Recording.FinalizeTimeout)
	v.SetDefault("recording.audio_policy", d.Recording.AudioPolicy)
	v.SetDefault("recording.layout", d.Recording.Layout)
	v.SetDefault("recording.scaler", d.Recording.Scaler)
	v.SetDefault("recording.labels", d.Recording.Labels)
	v.SetDefault("recording.max_height", d.Recording.MaxHeight)
	for key, src := range map[string]source.Config{"sources.a": d.Sources.A, "sources.b": d.Sources.B} {
		v.SetDefault(key+".kind", string(src.Kind))
		v.SetDefault(key+".id", src.ID)
		v.SetDefault(key+".device", src.Device)
		v.SetDefault(key+".audio_device", src.AudioDevice)
		v.SetDefault(key+".width", src.Width)
		v.SetDefault(key+".height", src.Height)
		v.SetDefault(key+".fps", src.FPS)
		v.SetDefault(key+".x", src.X)
		v.SetDefault(key+".y", src.Y)
		v.SetDefault(key+".tone_hz", src.ToneHz)
	}
	v.SetDefault("output_dir", d.OutputDir)
	v.SetDefault("server_port", d.ServerPort)
	v.SetDefault("log_level", d.LogLevel)
}

// Defaults returns the default configuration: webcam plus screen, mjpeg output
func Defaults() *Config {
	layout := compositor.DefaultLayout()
	enc := encoder.DefaultOptions()
	return &Config{
		Recording: RecordingConfig{
			Platform: "mjpeg",
			MimeTypes: []string{
				"video/webm;codecs=vp9,opus",
				"video/webm;codecs=vp8,opus",
				"video/webm",
				encoder.MJPEGMimeType,
			},
			Bitrate:         enc.Bitrate,
			FPS:             enc.FPS,
			Quality:         enc.Quality,
			Timeslice:       enc.Timeslice.String(),
			FinalizeTimeout: recorder.DefaultOptions().FinalizeTimeout.String(),
			AudioPolicy:     string(stream.DefaultAudioPolicy),
			Layout:          string(layout.Arrangement),
			Scaler:          string(layout.Scaler),
			Labels:          layout.Labels[:],
			MaxHeight:       layout.MaxExtent,
		},
		Sources: SourcesConfig{
			A: source.Config{
				Kind:        source.KindCamera,
				ID:          "front",
				Device:      "/dev/video0",
				AudioDevice: "default",
				Width:       1280,
				Height:      720,
				FPS:         30,
			},
			B: source.Config{
				Kind: source.KindScreen,
				ID:   "back",
				FPS:  30,
			},
		},
		OutputDir:  ".",
		ServerPort: 8080,
		LogLevel:   "info",
	}
}

// reload decodes viper's merged view into a fresh Config
func (m *Manager) reload() error {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}
	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	cfg.Recording.MimeTypes = append([]string(nil), m.config.Recording.MimeTypes...)
	cfg.Recording.Labels = append([]string(nil), m.config.Recording.Labels...)
	return &cfg
}

// Value returns the raw value of a dotted key such as recording.fps
func (m *Manager) Value(key string) (any, bool) {
	if !m.v.IsSet(key) {
		return nil, false
	}
	return m.v.Get(key), true
}

// Keys lists every known dotted key
func (m *Manager) Keys() []string {
	return m.v.AllKeys()
}

// Set changes one dotted key, validates the result and saves it
func (m *Manager) Set(key string, value any) error {
	if !m.v.IsSet(key) {
		return fmt.Errorf("unknown config key: %q", key)
	}
	prev := m.v.Get(key)
	m.v.Set(key, value)
	if err := m.reload(); err != nil {
		m.v.Set(key, prev)
		return err
	}
	return m.Save()
}

// Update replaces the entire configuration
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
	return m.v.ReadInConfig()
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	cfg := m.Get()

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// GetConfigPath returns the config file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// Validate rejects unknown enum values and malformed durations
func (c *Config) Validate() error {
	r := c.Recording
	if _, err := encoder.DefaultRegistry().Lookup(r.Platform); err != nil {
		return err
	}
	if len(r.MimeTypes) == 0 {
		return errors.New("recording.mime_types must not be empty")
	}
	if r.FPS <= 0 {
		return fmt.Errorf("recording.fps must be positive: %d", r.FPS)
	}
	if r.Bitrate < 0 {
		return fmt.Errorf("recording.bitrate must not be negative: %d", r.Bitrate)
	}
	if r.Quality < 0 || r.Quality > 100 {
		return fmt.Errorf("recording.quality must be between 0 and 100: %d", r.Quality)
	}
	for key, val := range map[string]string{"recording.timeslice": r.Timeslice, "recording.finalize_timeout": r.FinalizeTimeout} {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive: %s", key, val)
		}
	}
	if err := stream.AudioPolicy(r.AudioPolicy).Validate(); err != nil {
		return err
	}
	if len(r.Labels) > 2 {
		return fmt.Errorf("recording.labels takes at most two entries, got %d", len(r.Labels))
	}
	if err := c.Layout().Validate(); err != nil {
		return err
	}
	if err := c.Sources.A.Validate(); err != nil {
		return fmt.Errorf("sources.a: %w", err)
	}
	if err := c.Sources.B.Validate(); err != nil {
		return fmt.Errorf("sources.b: %w", err)
	}
	if c.Sources.A.ID == c.Sources.B.ID {
		return fmt.Errorf("sources must have distinct ids, both are %q", c.Sources.A.ID)
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port out of range: %d", c.ServerPort)
	}
	if !logLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("unknown log_level: %q", c.LogLevel)
	}
	return nil
}

// Layout builds the compositor layout from the recording section
func (c *Config) Layout() compositor.Layout {
	l := compositor.DefaultLayout()
	l.Arrangement = compositor.Arrangement(c.Recording.Layout)
	l.Scaler = compositor.Scaler(c.Recording.Scaler)
	l.MaxExtent = c.Recording.MaxHeight
	l.Labels = [2]string{}
	copy(l.Labels[:], c.Recording.Labels)
	return l
}

// RecorderOptions resolves the recording section against reg
func (c *Config) RecorderOptions(reg *encoder.Registry) (recorder.Options, error) {
	platform, err := reg.Lookup(c.Recording.Platform)
	if err != nil {
		return recorder.Options{}, err
	}
	timeslice, err := time.ParseDuration(c.Recording.Timeslice)
	if err != nil {
		return recorder.Options{}, fmt.Errorf("recording.timeslice: %w", err)
	}
	finalize, err := time.ParseDuration(c.Recording.FinalizeTimeout)
	if err != nil {
		return recorder.Options{}, fmt.Errorf("recording.finalize_timeout: %w", err)
	}

	opts := recorder.DefaultOptions()
	opts.Platform = platform
	opts.MimeTypes = append([]string(nil), c.Recording.MimeTypes...)
	opts.Encoder = encoder.Options{
		Bitrate:   c.Recording.Bitrate,
		FPS:       c.Recording.FPS,
		Quality:   c.Recording.Quality,
		Timeslice: timeslice,
	}
	opts.Layout = c.Layout()
	opts.AudioPolicy = stream.AudioPolicy(c.Recording.AudioPolicy)
	opts.FinalizeTimeout = finalize
	return opts, nil
}
