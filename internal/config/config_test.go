package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Volume != DefaultVolume {
		t.Errorf("DefaultConfig().Volume = %d, want %d", cfg.Volume, DefaultVolume)
	}

	if cfg.Streaming.ChunkDurationSeconds != DefaultChunkDurationSeconds {
		t.Errorf("DefaultConfig().Streaming.ChunkDurationSeconds = %v, want %v",
			cfg.Streaming.ChunkDurationSeconds, float64(DefaultChunkDurationSeconds))
	}

	if cfg.Streaming.DownloadWorkers != DefaultDownloadWorkers {
		t.Errorf("DefaultConfig().Streaming.DownloadWorkers = %d, want %d",
			cfg.Streaming.DownloadWorkers, DefaultDownloadWorkers)
	}
}

func TestConfigSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	testCfg := DefaultConfig()
	testCfg.Volume = 85
	testCfg.MusicDir = "/tmp/music"
	testCfg.Resolvers = []string{"https://api.example.com"}
	testCfg.Streaming.ChunkDurationSeconds = 20

	err := testCfg.Save()
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	configPath := filepath.Join(tmpDir, ConfigDir, ConfigFileName)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatalf("Config file was not created at %s", configPath)
	}

	loadedCfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loadedCfg.Volume != testCfg.Volume {
		t.Errorf("Load().Volume = %d, want %d", loadedCfg.Volume, testCfg.Volume)
	}

	if loadedCfg.MusicDir != testCfg.MusicDir {
		t.Errorf("Load().MusicDir = %q, want %q", loadedCfg.MusicDir, testCfg.MusicDir)
	}

	if len(loadedCfg.Resolvers) != 1 || loadedCfg.Resolvers[0] != "https://api.example.com" {
		t.Errorf("Load().Resolvers = %v, want %v", loadedCfg.Resolvers, testCfg.Resolvers)
	}

	if loadedCfg.Streaming.ChunkDurationSeconds != 20 {
		t.Errorf("Load().Streaming.ChunkDurationSeconds = %v, want 20",
			loadedCfg.Streaming.ChunkDurationSeconds)
	}
}

func TestLoadNonExistentConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	cfg, err := Load()
	if err != nil {
		t.Logf("Load() error (expected): %v", err)
	}

	if cfg.Volume != DefaultVolume {
		t.Errorf("Load() with non-existent file returned Volume = %d, want %d", cfg.Volume, DefaultVolume)
	}

	if cfg.Streaming.DownloadWorkers != DefaultDownloadWorkers {
		t.Errorf("Load() with non-existent file returned DownloadWorkers = %d, want %d",
			cfg.Streaming.DownloadWorkers, DefaultDownloadWorkers)
	}
}

func TestVolumeValidation(t *testing.T) {
	tests := []struct {
		name           string
		inputVolume    int
		expectedVolume int
	}{
		{"valid volume 50", 50, 50},
		{"valid volume 0", 0, 0},
		{"valid volume 100", 100, 100},
		{"negative volume", -10, 0},
		{"volume over 100", 150, 100},
		{"volume way over 100", 1000, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			t.Setenv("HOME", tmpDir)

			testCfg := DefaultConfig()
			testCfg.Volume = tt.inputVolume

			err := testCfg.Save()
			if err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			loadedCfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}

			if loadedCfg.Volume != tt.expectedVolume {
				t.Errorf("Load().Volume = %d, want %d", loadedCfg.Volume, tt.expectedVolume)
			}
		})
	}
}

func TestStreamingNormalize(t *testing.T) {
	tests := []struct {
		name  string
		in    Streaming
		check func(t *testing.T, s Streaming)
	}{
		{
			name: "zero chunk duration reset",
			in:   Streaming{ChunkDurationSeconds: 0, DownloadWorkers: 2, SeekWaitSeconds: 15, MonitorIntervalMs: 100, AppendRetryWindowMs: 2000, FetchRetries: 3},
			check: func(t *testing.T, s Streaming) {
				if s.ChunkDurationSeconds != DefaultChunkDurationSeconds {
					t.Errorf("ChunkDurationSeconds = %v, want %v", s.ChunkDurationSeconds, float64(DefaultChunkDurationSeconds))
				}
			},
		},
		{
			name: "negative workers reset",
			in:   Streaming{ChunkDurationSeconds: 30, DownloadWorkers: -1, SeekWaitSeconds: 15, MonitorIntervalMs: 100, AppendRetryWindowMs: 2000, FetchRetries: 3},
			check: func(t *testing.T, s Streaming) {
				if s.DownloadWorkers != DefaultDownloadWorkers {
					t.Errorf("DownloadWorkers = %d, want %d", s.DownloadWorkers, DefaultDownloadWorkers)
				}
			},
		},
		{
			name: "tiny monitor interval reset",
			in:   Streaming{ChunkDurationSeconds: 30, DownloadWorkers: 2, SeekWaitSeconds: 15, MonitorIntervalMs: 1, AppendRetryWindowMs: 2000, FetchRetries: 3},
			check: func(t *testing.T, s Streaming) {
				if s.MonitorIntervalMs != DefaultMonitorIntervalMs {
					t.Errorf("MonitorIntervalMs = %d, want %d", s.MonitorIntervalMs, DefaultMonitorIntervalMs)
				}
			},
		},
		{
			name: "valid values kept",
			in:   Streaming{ChunkDurationSeconds: 10, DownloadWorkers: 4, SeekWaitSeconds: 5, MonitorIntervalMs: 50, AppendRetryWindowMs: 500, FetchRetries: 2},
			check: func(t *testing.T, s Streaming) {
				if s.ChunkDurationSeconds != 10 || s.DownloadWorkers != 4 || s.SeekWaitSeconds != 5 {
					t.Errorf("normalize changed valid values: %+v", s)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.in
			s.normalize()
			tt.check(t, s)
		})
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	configDir := filepath.Join(tmpDir, ConfigDir)
	_ = os.MkdirAll(configDir, 0755)
	configPath := filepath.Join(configDir, ConfigFileName)

	invalidYAML := []byte("this is not: valid: yaml: [")
	_ = os.WriteFile(configPath, invalidYAML, 0644)

	cfg, err := Load()
	if err == nil {
		t.Log("Load() returned no error for invalid YAML, but returned default config")
	}

	if cfg.Volume != DefaultVolume {
		t.Errorf("Load() with invalid YAML returned Volume = %d, want default %d", cfg.Volume, DefaultVolume)
	}
}

func TestGetConfigPath(t *testing.T) {
	path, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath() error = %v", err)
	}

	if path == "" {
		t.Error("GetConfigPath() returned empty string")
	}

	if !filepath.IsAbs(path) {
		t.Errorf("GetConfigPath() = %q, want absolute path", path)
	}
}
