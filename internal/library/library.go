// Package library places finalized tracks into the local music directory
// under Artist/Album/Title.flac.
package library

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Meta names the finalized track for filing.
type Meta struct {
	Artist string
	Album  string
	Title  string
}

// Store files finalized audio under a music directory.
type Store struct {
	musicDir string
}

func NewStore(musicDir string) *Store {
	return &Store{musicDir: musicDir}
}

// Persist moves src into <music>/Artist/Album/Title.flac and returns the
// final path. Missing metadata fields fall back to placeholders so the
// file is never lost.
func (s *Store) Persist(src string, meta Meta) (string, error) {
	artist := sanitizeFilename(orUnknown(meta.Artist, "Unknown Artist"))
	album := sanitizeFilename(orUnknown(meta.Album, "Unknown Album"))
	title := sanitizeFilename(orUnknown(meta.Title, "Unknown Track"))

	dir := filepath.Join(s.musicDir, artist, album)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create library directory: %w", err)
	}

	dst := filepath.Join(dir, title+".flac")
	if err := moveFile(src, dst); err != nil {
		return "", fmt.Errorf("failed to file track: %w", err)
	}

	log.Debug().Msgf("Track filed at %s", dst)
	return dst, nil
}

// Path returns where a track with the given metadata would be filed,
// without touching the filesystem.
func (s *Store) Path(meta Meta) string {
	return filepath.Join(
		s.musicDir,
		sanitizeFilename(orUnknown(meta.Artist, "Unknown Artist")),
		sanitizeFilename(orUnknown(meta.Album, "Unknown Album")),
		sanitizeFilename(orUnknown(meta.Title, "Unknown Track"))+".flac",
	)
}

// Exists reports whether the track is already filed.
func (s *Store) Exists(meta Meta) (string, bool) {
	path := s.Path(meta)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// moveFile renames when possible and falls back to copy+remove for
// cross-filesystem moves.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

// sanitizeFilename strips path separators and characters that are invalid
// on common filesystems.
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_",
		"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
	)
	cleaned := strings.TrimSpace(replacer.Replace(name))
	cleaned = strings.Trim(cleaned, ".")
	if cleaned == "" {
		return "_"
	}
	return cleaned
}

func orUnknown(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
