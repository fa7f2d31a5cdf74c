package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	AppName        = "hifiplay"
	AppTagline     = "Progressive hi-res streaming player"
	AppDescription = "A terminal player that streams lossless tracks in chunks and caches them as FLAC"
	AppProjectURL  = "https://github.com/hifiplay/hifiplay"

	ConfigDir      = ".config/hifiplay"
	ConfigFileName = "config.yml"

	DefaultVolume = 70
	MinVolume     = 0
	MaxVolume     = 100

	DefaultChunkDurationSeconds = 30
	DefaultDownloadWorkers      = 2
	DefaultSeekWaitSeconds      = 15
	DefaultMonitorIntervalMs    = 100
	DefaultAppendRetryWindowMs  = 2000
	DefaultFetchRetries         = 3
)

// ClampVolume ensures volume is within the valid range [0, 100].
func ClampVolume(volume int) int {
	if volume < MinVolume {
		return MinVolume
	}
	if volume > MaxVolume {
		return MaxVolume
	}
	return volume
}

// AppVersion can be overridden at build time using ldflags:
// go build -ldflags "-X github.com/hifiplay/hifiplay/internal/config.AppVersion=1.0.0"
var AppVersion = "dev"

// Streaming holds the tunables of the progressive download pipeline.
type Streaming struct {
	ChunkDurationSeconds float64 `yaml:"chunk_duration_seconds"`
	DownloadWorkers      int     `yaml:"download_workers"`
	SeekWaitSeconds      int     `yaml:"seek_wait_seconds"`
	MonitorIntervalMs    int     `yaml:"monitor_interval_ms"`
	AppendRetryWindowMs  int     `yaml:"append_retry_window_ms"`
	FetchRetries         int     `yaml:"fetch_retries"`
}

type Config struct {
	Volume    int       `yaml:"volume"`
	CacheDir  string    `yaml:"cache_dir"`
	MusicDir  string    `yaml:"music_dir"`
	Resolvers []string  `yaml:"resolvers"`
	Streaming Streaming `yaml:"streaming"`
}

func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configPath := filepath.Join(home, ConfigDir, ConfigFileName)
	return configPath, nil
}

func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return DefaultConfig(), err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return DefaultConfig(), fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Volume = ClampVolume(cfg.Volume)
	cfg.Streaming.normalize()

	return cfg, nil
}

// Save writes the configuration to disk atomically using temp file + rename.
func (c *Config) Save() error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpFile, err := os.CreateTemp(configDir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, configPath); err != nil {
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	tmpPath = "" // Prevent defer from removing the final file
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Volume:    DefaultVolume,
		CacheDir:  "",
		MusicDir:  "",
		Resolvers: []string{},
		Streaming: Streaming{
			ChunkDurationSeconds: DefaultChunkDurationSeconds,
			DownloadWorkers:      DefaultDownloadWorkers,
			SeekWaitSeconds:      DefaultSeekWaitSeconds,
			MonitorIntervalMs:    DefaultMonitorIntervalMs,
			AppendRetryWindowMs:  DefaultAppendRetryWindowMs,
			FetchRetries:         DefaultFetchRetries,
		},
	}
}

// normalize resets out-of-range streaming values to their defaults so a bad
// config file cannot stall the pipeline.
func (s *Streaming) normalize() {
	if s.ChunkDurationSeconds <= 0 {
		s.ChunkDurationSeconds = DefaultChunkDurationSeconds
	}
	if s.DownloadWorkers < 1 {
		s.DownloadWorkers = DefaultDownloadWorkers
	}
	if s.SeekWaitSeconds < 1 {
		s.SeekWaitSeconds = DefaultSeekWaitSeconds
	}
	if s.MonitorIntervalMs < 10 {
		s.MonitorIntervalMs = DefaultMonitorIntervalMs
	}
	if s.AppendRetryWindowMs < 100 {
		s.AppendRetryWindowMs = DefaultAppendRetryWindowMs
	}
	if s.FetchRetries < 1 {
		s.FetchRetries = DefaultFetchRetries
	}
}
