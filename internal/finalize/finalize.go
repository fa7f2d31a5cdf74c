// Package finalize assembles downloaded chunks into one canonical FLAC
// file and files it in the local music library.
package finalize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dhowden/tag"
	"github.com/go-flac/go-flac"
	"github.com/rs/zerolog/log"

	"github.com/hifiplay/hifiplay/internal/library"
	"github.com/hifiplay/hifiplay/internal/track"
)

// Concatenator joins audio files into a single FLAC output. A single
// input is converted rather than concatenated.
type Concatenator interface {
	Concat(ctx context.Context, inputs []string, dst string) error
	Convert(ctx context.Context, src, dst string) error
}

// Store files a finalized track and reports its final path.
type Store interface {
	Persist(src string, meta library.Meta) (string, error)
}

// Finalizer builds the canonical per-track FLAC from chunk files.
type Finalizer struct {
	concat Concatenator
	store  Store
}

func New(concat Concatenator, store Store) *Finalizer {
	return &Finalizer{concat: concat, store: store}
}

// Finalize concatenates the chunk files in order, verifies the result
// decodes as FLAC and persists it under the track's metadata. The chunk
// files are left in place on failure so a retry can reuse them; the
// first failed attempt is retried once before giving up.
func (f *Finalizer) Finalize(ctx context.Context, ref *track.Reference, chunks []string, workDir string) (string, error) {
	if len(chunks) == 0 {
		return "", fmt.Errorf("no chunks to finalize for track %s", ref.ID)
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		path, err := f.assemble(ctx, ref, chunks, workDir)
		if err == nil {
			return path, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.Warn().Err(err).Msgf("Finalization attempt %d failed for track %s", attempt, ref.ID)
	}

	return "", fmt.Errorf("failed to finalize track %s: %w", ref.ID, lastErr)
}

func (f *Finalizer) assemble(ctx context.Context, ref *track.Reference, chunks []string, workDir string) (string, error) {
	out := filepath.Join(workDir, ref.ID+".flac")

	var err error
	if len(chunks) == 1 {
		err = f.concat.Convert(ctx, chunks[0], out)
	} else {
		err = f.concat.Concat(ctx, chunks, out)
	}
	if err != nil {
		return "", fmt.Errorf("failed to assemble chunks: %w", err)
	}

	info, err := verifyFLAC(out)
	if err != nil {
		os.Remove(out)
		return "", err
	}

	log.Debug().Msgf("Finalized track %s: %d Hz, %d bit, %.1fs",
		ref.ID, info.SampleRate, info.BitDepth, info.Duration)

	meta := metaForTrack(ref, out)

	final, err := f.store.Persist(out, meta)
	if err != nil {
		os.Remove(out)
		return "", err
	}
	return final, nil
}

// flacInfo is the decoded STREAMINFO of a finalized file.
type flacInfo struct {
	SampleRate int
	BitDepth   int
	Duration   float64
}

// verifyFLAC parses the output's STREAMINFO block and rejects files that
// do not decode as FLAC or carry no samples.
func verifyFLAC(path string) (*flacInfo, error) {
	file, err := flac.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("finalized file is not valid FLAC: %w", err)
	}

	stream, err := file.GetStreamInfo()
	if err != nil {
		return nil, fmt.Errorf("finalized file has no stream info: %w", err)
	}
	if stream.SampleCount == 0 || stream.SampleRate == 0 {
		return nil, fmt.Errorf("finalized file contains no audio samples")
	}

	return &flacInfo{
		SampleRate: stream.SampleRate,
		BitDepth:   stream.BitDepth,
		Duration:   float64(stream.SampleCount) / float64(stream.SampleRate),
	}, nil
}

// metaForTrack builds filing metadata from the track reference, letting
// embedded tags in the assembled file fill any missing fields.
func metaForTrack(ref *track.Reference, path string) library.Meta {
	meta := library.Meta{
		Artist: ref.Artist,
		Album:  ref.Album,
		Title:  ref.Title,
	}

	if meta.Artist != "" && meta.Album != "" && meta.Title != "" {
		return meta
	}

	file, err := os.Open(path)
	if err != nil {
		return meta
	}
	defer file.Close()

	tags, err := tag.ReadFrom(file)
	if err != nil {
		return meta
	}
	if meta.Artist == "" {
		meta.Artist = tags.Artist()
	}
	if meta.Album == "" {
		meta.Album = tags.Album()
	}
	if meta.Title == "" {
		meta.Title = tags.Title()
	}
	return meta
}
