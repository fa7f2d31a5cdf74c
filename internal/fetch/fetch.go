// Package fetch downloads track audio, either as time-bounded chunks cut
// from a segmented source or as one whole file, and produces decodable
// FLAC files on disk.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/hifiplay/hifiplay/internal/track"
)

const (
	requestTimeout = 60 * time.Second
	retryDelay     = 2 * time.Second
)

// Fetcher downloads and remuxes audio for one or more sessions. Safe for
// concurrent use by multiple download workers.
type Fetcher struct {
	client     *resty.Client
	remux      Remuxer
	maxRetries int
}

// New creates a fetcher that remuxes through the given remuxer and retries
// transient network failures up to maxRetries times per request.
func New(remux Remuxer, maxRetries int) *Fetcher {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Fetcher{
		client:     resty.New().SetTimeout(requestTimeout),
		remux:      remux,
		maxRetries: maxRetries,
	}
}

// FetchChunk downloads the segments covering the track interval
// [start, end) and produces a standalone FLAC file for the chunk at dir.
// The init segment is prepended so every chunk file decodes independently.
// Re-fetching an index overwrites the previous result.
func (f *Fetcher) FetchChunk(ctx context.Context, m *Manifest, dir string, index int, start, end float64) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create chunk directory: %w", err)
	}

	first, last := m.SegmentsForRange(start, end)
	log.Debug().Msgf("Chunk %d covers segments %d-%d (%.1fs-%.1fs)", index, first, last, start, end)

	rawPath := filepath.Join(dir, fmt.Sprintf("%03d.m4a", index))
	raw, err := os.Create(rawPath)
	if err != nil {
		return "", fmt.Errorf("failed to create chunk file: %w", err)
	}
	defer os.Remove(rawPath)

	writeSegment := func(url string) error {
		data, err := f.download(ctx, url)
		if err != nil {
			return err
		}
		_, err = raw.Write(data)
		return err
	}

	if m.InitURL != "" {
		if err := writeSegment(m.InitURL); err != nil {
			raw.Close()
			return "", fmt.Errorf("failed to fetch init segment: %w", err)
		}
	}
	for i := first; i <= last; i++ {
		if err := writeSegment(m.SegmentURL(i)); err != nil {
			raw.Close()
			return "", fmt.Errorf("failed to fetch segment %d: %w", i, err)
		}
	}
	if err := raw.Close(); err != nil {
		return "", fmt.Errorf("failed to close chunk file: %w", err)
	}

	flacPath := filepath.Join(dir, fmt.Sprintf("%03d.flac", index))
	tmpPath := flacPath + ".tmp"
	if err := f.remux.Remux(ctx, rawPath, tmpPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to remux chunk %d: %w", index, err)
	}
	if err := os.Rename(tmpPath, flacPath); err != nil {
		return "", fmt.Errorf("failed to finalize chunk file: %w", err)
	}

	return flacPath, nil
}

// FetchFull downloads a direct source in one request and converts it to a
// single FLAC file at dir. Used as the fallback when no segmented source
// can be decoded.
func (f *Fetcher) FetchFull(ctx context.Context, src track.Source, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	rawPath := filepath.Join(dir, "full."+rawExtension(src))
	if err := f.downloadToFile(ctx, src.URL, rawPath); err != nil {
		return "", fmt.Errorf("failed to download source: %w", err)
	}

	flacPath := filepath.Join(dir, "full.flac")
	if rawPath == flacPath {
		return flacPath, nil
	}
	defer os.Remove(rawPath)

	if err := f.remux.Convert(ctx, rawPath, flacPath); err != nil {
		os.Remove(flacPath)
		return "", fmt.Errorf("failed to convert source: %w", err)
	}
	return flacPath, nil
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().Msgf("Download failed, retrying in %v... (%d/%d): %s",
				retryDelay, attempt, f.maxRetries-1, url)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		resp, err := f.client.R().SetContext(ctx).Get(url)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}
		if !resp.IsSuccess() {
			lastErr = &HTTPStatusError{StatusCode: resp.StatusCode(), Status: resp.Status()}
			if IsNonRetryable(lastErr) {
				return nil, lastErr
			}
			continue
		}
		return resp.Body(), nil
	}
	return nil, lastErr
}

func (f *Fetcher) downloadToFile(ctx context.Context, url, path string) error {
	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().Msgf("Download failed, retrying in %v... (%d/%d): %s",
				retryDelay, attempt, f.maxRetries-1, url)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		resp, err := f.client.R().SetContext(ctx).SetOutput(path).Get(url)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}
		if !resp.IsSuccess() {
			os.Remove(path)
			lastErr = &HTTPStatusError{StatusCode: resp.StatusCode(), Status: resp.Status()}
			if IsNonRetryable(lastErr) {
				return lastErr
			}
			continue
		}
		return nil
	}
	return lastErr
}

func rawExtension(src track.Source) string {
	if src.Format != "" {
		return src.Format
	}
	ext := strings.TrimPrefix(filepath.Ext(src.URL), ".")
	if ext == "" {
		return "bin"
	}
	return ext
}
