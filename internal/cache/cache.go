// Package cache manages the on-disk working area where in-flight chunk
// downloads live until a track is finalized.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultExpiry is how long abandoned track workspaces are kept (7 days).
	DefaultExpiry = 7 * 24 * time.Hour
	// TrackSubdir is the subdirectory holding per-track workspaces.
	TrackSubdir = "tracks"
	// AppName is used for the cache directory name.
	AppName = "hifiplay"
)

// Cache manages disk-based workspaces for chunk downloads.
type Cache struct {
	baseDir string
	expiry  time.Duration
}

// NewCache creates a Cache rooted at baseDir with the default expiry.
// An empty baseDir falls back to the platform cache directory.
func NewCache(baseDir string) (*Cache, error) {
	if baseDir == "" {
		dir, err := GetCacheDir()
		if err != nil {
			return nil, err
		}
		baseDir = dir
	}

	return &Cache{
		baseDir: baseDir,
		expiry:  DefaultExpiry,
	}, nil
}

// GetCacheDir returns the platform-specific cache directory for the application.
func GetCacheDir() (string, error) {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user cache directory: %w", err)
	}

	cacheDir := filepath.Join(userCacheDir, AppName)
	return cacheDir, nil
}

func hashID(trackID string) string {
	hash := md5.Sum([]byte(trackID))
	return hex.EncodeToString(hash[:])
}

// TrackDir creates (if needed) and returns the workspace directory for a
// track's chunk files.
func (c *Cache) TrackDir(trackID string) (string, error) {
	dir := filepath.Join(c.baseDir, TrackSubdir, hashID(trackID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create track workspace: %w", err)
	}
	return dir, nil
}

// RemoveTrack deletes a track's workspace and everything in it.
func (c *Cache) RemoveTrack(trackID string) error {
	dir := filepath.Join(c.baseDir, TrackSubdir, hashID(trackID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove track workspace: %w", err)
	}
	return nil
}

// ChunkFiles lists the chunk files in a track's workspace in name order.
// Chunk names are zero-padded, so lexical order is chunk order.
func (c *Cache) ChunkFiles(trackID string) ([]string, error) {
	dir := filepath.Join(c.baseDir, TrackSubdir, hashID(trackID))

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read track workspace: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return files, nil
}

// CleanExpired removes track workspaces whose contents are all older than
// the expiry duration. A workspace with any recent file is in use.
func (c *Cache) CleanExpired() error {
	trackDir := filepath.Join(c.baseDir, TrackSubdir)

	entries, err := os.ReadDir(trackDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	now := time.Now()
	var removed, failed int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(trackDir, entry.Name())
		if !c.isExpired(dir, now) {
			continue
		}

		if err := os.RemoveAll(dir); err != nil {
			log.Debug().Err(err).Str("dir", dir).Msg("Failed to remove expired workspace")
			failed++
		} else {
			removed++
		}
	}

	if removed > 0 || failed > 0 {
		log.Debug().Int("removed", removed).Int("failed", failed).Msg("Cache cleanup completed")
	}

	return nil
}

func (c *Cache) isExpired(dir string, now time.Time) bool {
	info, err := os.Stat(dir)
	if err != nil {
		return false
	}
	newest := info.ModTime()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}

	return now.Sub(newest) > c.expiry
}
