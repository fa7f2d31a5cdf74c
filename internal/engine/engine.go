// Package engine owns the live streaming session and exposes the
// command surface the application drives playback through.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hifiplay/hifiplay/internal/audio"
	"github.com/hifiplay/hifiplay/internal/cache"
	"github.com/hifiplay/hifiplay/internal/library"
	"github.com/hifiplay/hifiplay/internal/session"
	"github.com/hifiplay/hifiplay/internal/track"
)

// ErrUnknownTrack is returned when an operation names a track no live
// session is streaming.
var ErrUnknownTrack = errors.New("no active session for track")

// TrackResolver turns a track ID into a playable reference.
type TrackResolver interface {
	Resolve(ctx context.Context, trackID string) (*track.Reference, error)
}

// Library is the finalized-track store the engine checks before
// streaming and files into afterwards.
type Library interface {
	Exists(meta library.Meta) (string, bool)
}

// Buffer is the playback buffer with state reporting on top of what a
// session needs.
type Buffer interface {
	session.AudioBuffer
	State() audio.PlaybackState
}

// FinalizeFn consolidates a track's ordered chunk files into its
// canonical file.
type FinalizeFn func(ctx context.Context, ref *track.Reference, chunks []string, workDir string) (string, error)

// StartResult reports what StartStream established.
type StartResult struct {
	FirstChunkReady bool
	TotalChunks     int
	Format          string
	CachedPath      string // non-empty when playback came straight from the library
}

// Engine owns at most one live session. Starting a new track tears down
// the previous session first.
type Engine struct {
	resolver  TrackResolver
	fetcher   session.Fetcher
	finalize  FinalizeFn
	lib       Library
	cache     *cache.Cache
	cfg       session.Config
	newBuffer func() Buffer

	startMu sync.Mutex // serializes teardown+create so only one session survives

	mu   sync.Mutex
	sess *session.Session
	ref  *track.Reference
	buf  Buffer
}

// New wires the engine's collaborators. newBuffer is called once per
// started track.
func New(resolver TrackResolver, fetcher session.Fetcher, finalize FinalizeFn, lib Library, c *cache.Cache, cfg session.Config, newBuffer func() Buffer) *Engine {
	return &Engine{
		resolver:  resolver,
		fetcher:   fetcher,
		finalize:  finalize,
		lib:       lib,
		cache:     c,
		cfg:       cfg,
		newBuffer: newBuffer,
	}
}

// StartStream resolves trackID and begins playback. A track already in
// the library plays from its finalized file without streaming. Returns
// once the first audio is playing.
func (e *Engine) StartStream(ctx context.Context, trackID string) (*StartResult, error) {
	ref, err := e.resolver.Resolve(ctx, trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve track %s: %w", trackID, err)
	}

	e.startMu.Lock()
	defer e.startMu.Unlock()

	e.teardown()

	buf := e.newBuffer()
	meta := library.Meta{Artist: ref.Artist, Album: ref.Album, Title: ref.Title}

	if path, ok := e.lib.Exists(meta); ok {
		log.Debug().Msgf("Track %s already in library, playing %s", trackID, path)
		if err := buf.Start(path, ref.Duration); err != nil {
			buf.Close()
			return nil, fmt.Errorf("failed to play cached track: %w", err)
		}
		buf.MarkComplete()

		e.mu.Lock()
		e.ref = ref
		e.buf = buf
		e.sess = nil
		e.mu.Unlock()

		return &StartResult{
			FirstChunkReady: true,
			TotalChunks:     1,
			Format:          "flac",
			CachedPath:      path,
		}, nil
	}

	workDir, err := e.cache.TrackDir(trackID)
	if err != nil {
		buf.Close()
		return nil, err
	}

	fin := func(ctx context.Context, chunks []string) (string, error) {
		return e.finalize(ctx, ref, chunks, workDir)
	}

	sess := session.New(ref, buf, e.fetcher, fin, e.cfg, workDir, session.Callbacks{
		OnStall: func(index int, err error) {
			log.Warn().Err(err).Msgf("Playback of %s stalled on chunk %d", trackID, index)
		},
	})

	if err := sess.Start(ctx); err != nil {
		// Stop closes the buffer and removes the chunk workspace
		sess.Stop()
		return nil, err
	}

	e.mu.Lock()
	e.ref = ref
	e.buf = buf
	e.sess = sess
	e.mu.Unlock()

	format := "flac"
	if src := ref.BestSource(); src != nil {
		format = src.Format
	}
	return &StartResult{
		FirstChunkReady: true,
		TotalChunks:     sess.TotalChunks(),
		Format:          format,
	}, nil
}

// live returns the session streaming trackID, or ErrUnknownTrack.
func (e *Engine) live(trackID string) (*session.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil || e.sess.TrackID() != trackID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}
	return e.sess, nil
}

// ChunkDuration returns the seconds of track time each chunk covers.
func (e *Engine) ChunkDuration(trackID string) (float64, error) {
	sess, err := e.live(trackID)
	if err != nil {
		return 0, err
	}
	return sess.ChunkDuration(), nil
}

// IsChunkReady reports whether the chunk at index finished downloading.
func (e *Engine) IsChunkReady(trackID string, index int) (bool, error) {
	sess, err := e.live(trackID)
	if err != nil {
		return false, err
	}
	return sess.IsChunkReady(index), nil
}

// DownloadAllRemaining blocks until every chunk still missing has been
// downloaded or terminally failed, and returns how many the call
// downloaded. Bounded only by ctx.
func (e *Engine) DownloadAllRemaining(ctx context.Context, trackID string) (int, error) {
	sess, err := e.live(trackID)
	if err != nil {
		return 0, err
	}
	return sess.DownloadRemaining(ctx)
}

// Seek moves playback of trackID to position seconds.
func (e *Engine) Seek(ctx context.Context, trackID string, position float64) error {
	e.mu.Lock()
	sess, buf, ref := e.sess, e.buf, e.ref
	e.mu.Unlock()

	if ref == nil || (sess == nil && buf == nil) {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}
	if ref.ID != trackID {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}

	if sess != nil {
		return sess.Seek(ctx, position)
	}

	// Library playback has the whole file buffered
	if position < 0 {
		position = 0
	}
	if position > ref.Duration {
		position = ref.Duration
	}
	return buf.Seek(position)
}

// Finalize blocks until the live session's canonical file exists and
// returns its path. Library playback returns immediately.
func (e *Engine) Finalize(ctx context.Context, trackID string) (string, error) {
	e.mu.Lock()
	sess, ref := e.sess, e.ref
	e.mu.Unlock()

	if ref == nil || ref.ID != trackID {
		return "", fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}

	if sess == nil {
		if path, ok := e.lib.Exists(library.Meta{Artist: ref.Artist, Album: ref.Album, Title: ref.Title}); ok {
			return path, nil
		}
		return "", fmt.Errorf("track %s has no finalized file", trackID)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		switch sess.State() {
		case session.StateFinalized:
			return sess.FinalPath(), nil
		case session.StateFailed, session.StateStopped:
			return "", fmt.Errorf("track %s cannot be finalized: %s", trackID, sess.LastError())
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-sess.FinalizeDone():
			// The attempt settled; a failure is definite, not retried
			if err := sess.FinalizeErr(); err != nil {
				return "", fmt.Errorf("failed to finalize track %s: %w", trackID, err)
			}
			return sess.FinalPath(), nil
		case <-ticker.C:
		}
	}
}

// Cleanup removes trackID's chunk workspace. The live session for the
// track is stopped first.
func (e *Engine) Cleanup(trackID string) error {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()

	if sess != nil && sess.TrackID() == trackID {
		e.Stop()
	}
	return e.cache.RemoveTrack(trackID)
}

// PlaybackState reports the playback buffer's current state.
func (e *Engine) PlaybackState() audio.PlaybackState {
	e.mu.Lock()
	buf := e.buf
	e.mu.Unlock()

	if buf == nil {
		return audio.PlaybackState{}
	}
	return buf.State()
}

// SessionState returns the live session's lifecycle phase, or Stopped
// when nothing is streaming.
func (e *Engine) SessionState() session.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return session.StateStopped
	}
	return e.sess.State()
}

// Stop tears down whatever is playing. Safe to call repeatedly.
func (e *Engine) Stop() {
	e.teardown()
}

func (e *Engine) teardown() {
	e.mu.Lock()
	sess, buf := e.sess, e.buf
	e.sess, e.buf, e.ref = nil, nil, nil
	e.mu.Unlock()

	if sess != nil {
		sess.Stop()
		return // the session closes its buffer
	}
	if buf != nil {
		buf.Close()
	}
}
