// Package session drives one track's progressive stream: it plans chunks,
// schedules their download, feeds decoded audio to the playback buffer in
// order, and hands the finished chunk set to the finalizer.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hifiplay/hifiplay/internal/chunk"
	"github.com/hifiplay/hifiplay/internal/fetch"
	"github.com/hifiplay/hifiplay/internal/scheduler"
	"github.com/hifiplay/hifiplay/internal/track"
)

// State is the session lifecycle phase.
type State int

const (
	StateInitializing State = iota
	StatePlaying
	StateComplete
	StateFinalizing
	StateFinalized
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StatePlaying:
		return "PLAYING"
	case StateComplete:
		return "COMPLETE"
	case StateFinalizing:
		return "FINALIZING"
	case StateFinalized:
		return "FINALIZED"
	case StateFailed:
		return "FAILED"
	case StateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// ErrSeekTimeout is returned when the seek target chunk did not become
// ready within the configured wait. The playhead is left unchanged.
var ErrSeekTimeout = errors.New("seek target not downloaded in time")

// AudioBuffer is the playback side the session appends into.
type AudioBuffer interface {
	Start(path string, reportedDuration float64) error
	Append(path string) error
	BufferedDuration() float64
	Position() float64
	Seek(seconds float64) error
	MarkComplete()
	Close()
}

// Fetcher downloads chunk and whole-file audio.
type Fetcher interface {
	FetchChunk(ctx context.Context, m *fetch.Manifest, dir string, index int, start, end float64) (string, error)
	FetchFull(ctx context.Context, src track.Source, dir string) (string, error)
}

// FinalizeFunc consolidates the ordered chunk files into the canonical
// track file and returns its path.
type FinalizeFunc func(ctx context.Context, chunks []string) (string, error)

// Config carries the streaming tunables a session runs with.
type Config struct {
	ChunkDuration     float64
	Workers           int
	SeekWait          time.Duration
	MonitorInterval   time.Duration
	AppendRetryWindow time.Duration
}

// Callbacks notify the owner about conditions it may surface to the user.
type Callbacks struct {
	// OnStall fires when playback caught up with the buffer and the next
	// chunk could not be appended within the retry window.
	OnStall func(index int, err error)
	// OnStateChange fires on every lifecycle transition.
	OnStateChange func(from, to State)
}

// Session streams a single track. All exported methods are safe for
// concurrent use.
type Session struct {
	ref      *track.Reference
	cfg      Config
	buf      AudioBuffer
	fetcher  Fetcher
	finalize FinalizeFunc
	cb       Callbacks
	dir      string

	plan  chunk.Plan
	sched *scheduler.Scheduler

	mu           sync.Mutex
	state        State
	slots        []chunk.Slot
	lastAppended int
	lastError    string
	finalPath    string
	finalizeErr  error

	finalizeDone chan struct{} // closed when the finalize attempt settled

	readyCh []chan struct{} // closed when the slot turns Ready
	failCh  []chan error    // one buffered failure per slot

	appendMu sync.Mutex // serializes append+advance sequences

	cancel       context.CancelFunc
	monitorWG    sync.WaitGroup
	finalizeOnce sync.Once
	stopOnce     sync.Once
}

// New creates a session for ref. dir is the per-track temp directory chunk
// files are written to.
func New(ref *track.Reference, buf AudioBuffer, fetcher Fetcher, finalize FinalizeFunc, cfg Config, dir string, cb Callbacks) *Session {
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 30
	}
	if cfg.Workers < 1 {
		cfg.Workers = 2
	}
	if cfg.SeekWait <= 0 {
		cfg.SeekWait = 15 * time.Second
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 100 * time.Millisecond
	}
	if cfg.AppendRetryWindow <= 0 {
		cfg.AppendRetryWindow = 2 * time.Second
	}

	return &Session{
		ref:          ref,
		cfg:          cfg,
		buf:          buf,
		fetcher:      fetcher,
		finalize:     finalize,
		cb:           cb,
		dir:          dir,
		state:        StateInitializing,
		lastAppended: -1,
		finalizeDone: make(chan struct{}),
	}
}

// Start resolves a usable source, downloads the first chunk, and begins
// playback. It returns once audio is playing (or the session failed); the
// remaining chunks keep downloading in the background.
func (s *Session) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	manifest, fallbackErr := s.pickSegmentedSource()
	if manifest != nil {
		if err := s.startChunked(ctx, manifest); err == nil {
			return nil
		} else if !fetch.IsNonRetryable(err) {
			s.fail(err)
			return err
		} else {
			fallbackErr = err
		}
	}

	// No decodable segmented source. Fall back to downloading the whole
	// track from a direct source.
	log.Warn().Msgf("Chunked streaming unavailable for %s, falling back to full download: %v", s.ref.ID, fallbackErr)
	if err := s.startFullDownload(ctx); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// pickSegmentedSource parses sources in preference order until a manifest
// passes coverage verification.
func (s *Session) pickSegmentedSource() (*fetch.Manifest, error) {
	var lastErr error = fetch.ErrSourceExhausted
	for _, src := range s.ref.OrderedSources() {
		if src.Kind != track.KindSegmented {
			continue
		}
		m, err := fetch.ParseManifest(src.Manifest)
		if err != nil {
			lastErr = err
			continue
		}
		if err := m.VerifyCoverage(s.ref.Duration); err != nil {
			lastErr = err
			continue
		}
		return m, nil
	}
	return nil, lastErr
}

func (s *Session) startChunked(ctx context.Context, manifest *fetch.Manifest) error {
	plan := chunk.NewPlan(s.ref.Duration, s.cfg.ChunkDuration)

	s.mu.Lock()
	s.plan = plan
	s.slots = make([]chunk.Slot, plan.TotalChunks)
	s.readyCh = make([]chan struct{}, plan.TotalChunks)
	s.failCh = make([]chan error, plan.TotalChunks)
	for i := range s.slots {
		s.slots[i] = chunk.Slot{Index: i, State: chunk.StatePending}
		s.readyCh[i] = make(chan struct{})
		s.failCh[i] = make(chan error, 1)
	}
	s.mu.Unlock()

	s.sched = scheduler.New(s.fetchChunk(manifest), s.cfg.Workers)
	s.sched.EnqueueAll(plan.TotalChunks)
	s.sched.Run(ctx)

	log.Debug().Msgf("Streaming %s in %d chunks of %.0fs", s.ref.ID, plan.TotalChunks, plan.ChunkDuration)

	// Playback cannot start without the first chunk
	path, err := s.waitChunk(ctx, 0, s.cfg.SeekWait)
	if err != nil {
		s.sched.Stop()
		return err
	}

	if err := s.buf.Start(path, s.ref.Duration); err != nil {
		s.sched.Stop()
		return fmt.Errorf("%w: %v", fetch.ErrUnsupportedFormat, err)
	}

	s.mu.Lock()
	s.lastAppended = 0
	s.mu.Unlock()
	s.setState(StatePlaying)

	s.monitorWG.Add(1)
	go s.monitor(ctx)
	return nil
}

// startFullDownload fetches the whole track from the first working direct
// source and plays it as a single chunk.
func (s *Session) startFullDownload(ctx context.Context) error {
	direct := s.ref.DirectSources()
	if len(direct) == 0 {
		return fetch.ErrSourceExhausted
	}

	var lastErr error
	for _, src := range direct {
		path, err := s.fetcher.FetchFull(ctx, src, s.dir)
		if err != nil {
			log.Warn().Err(err).Msgf("Direct source failed: %s", src.URL)
			lastErr = err
			continue
		}

		if err := s.buf.Start(path, s.ref.Duration); err != nil {
			lastErr = err
			continue
		}

		s.mu.Lock()
		s.plan = chunk.NewPlan(s.ref.Duration, s.ref.Duration)
		s.slots = []chunk.Slot{{Index: 0, State: chunk.StateReady, Path: path}}
		s.readyCh = []chan struct{}{make(chan struct{})}
		close(s.readyCh[0])
		s.failCh = []chan error{make(chan error, 1)}
		s.lastAppended = 0
		s.mu.Unlock()

		s.setState(StatePlaying)
		s.buf.MarkComplete()
		s.complete(ctx)
		return nil
	}
	return fmt.Errorf("%w: %v", fetch.ErrSourceExhausted, lastErr)
}

// fetchChunk binds the scheduler's fetch slot updates and ready signals.
func (s *Session) fetchChunk(manifest *fetch.Manifest) scheduler.FetchFunc {
	return func(ctx context.Context, index int) error {
		s.setSlotState(index, chunk.StateDownloading, "", nil)

		start, end := s.plan.TimeRange(index)
		path, err := s.fetcher.FetchChunk(ctx, manifest, s.dir, index, start, end)
		if err != nil {
			s.setSlotState(index, chunk.StateFailed, "", err)
			select {
			case s.failCh[index] <- err:
			default:
			}
			return err
		}

		s.mu.Lock()
		alreadyReady := s.slots[index].State == chunk.StateReady
		s.slots[index].State = chunk.StateReady
		s.slots[index].Path = path
		s.slots[index].Err = nil
		ready := s.readyCh[index]
		s.mu.Unlock()

		// A retry may succeed after an earlier failure was signalled
		select {
		case <-s.failCh[index]:
		default:
		}

		if !alreadyReady {
			close(ready)
		}
		return nil
	}
}

func (s *Session) setSlotState(index int, st chunk.SlotState, path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots[index].State == chunk.StateReady {
		// Ready is terminal
		return
	}
	s.slots[index].State = st
	if path != "" {
		s.slots[index].Path = path
	}
	s.slots[index].Err = err
}

// waitChunk blocks until the chunk is ready, it fails terminally, the
// timeout lapses, or ctx dies. A non-positive timeout waits on ctx alone.
func (s *Session) waitChunk(ctx context.Context, index int, timeout time.Duration) (string, error) {
	s.mu.Lock()
	ready := s.readyCh[index]
	failed := s.failCh[index]
	s.mu.Unlock()

	readyPath := func() (string, bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.slots[index].State == chunk.StateReady {
			return s.slots[index].Path, true
		}
		return "", false
	}
	if path, ok := readyPath(); ok {
		return path, nil
	}

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-ready:
		path, _ := readyPath()
		return path, nil
	case err := <-failed:
		// The fetcher already exhausted its own retries before
		// signalling; a failure here is terminal for the wait
		return "", err
	case <-timerC:
		return "", fmt.Errorf("chunk %d not ready after %v", index, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// monitor keeps the playback buffer fed: it appends chunks the moment they
// become ready and escalates when the playhead catches the buffer tail.
func (s *Session) monitor(ctx context.Context) {
	defer s.monitorWG.Done()

	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if st := s.State(); st != StatePlaying {
			return
		}

		// Proactive path: append everything already ready, in order
		s.appendReady()

		s.mu.Lock()
		next := s.lastAppended + 1
		total := s.plan.TotalChunks
		s.mu.Unlock()

		if next >= total {
			s.complete(ctx)
			return
		}

		// Urgent path: playhead reached the buffered tail with chunks
		// still outstanding
		if s.buf.Position() >= s.buf.BufferedDuration()-0.05 {
			if err := s.appendNextUrgent(ctx, next); err != nil {
				log.Warn().Err(err).Msgf("Playback stalled waiting for chunk %d", next)
				if s.cb.OnStall != nil {
					s.cb.OnStall(next, err)
				}
			}
		}
	}
}

// appendReady appends consecutive ready chunks after last_appended_chunk.
func (s *Session) appendReady() {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	for {
		s.mu.Lock()
		next := s.lastAppended + 1
		if next >= s.plan.TotalChunks || s.slots[next].State != chunk.StateReady {
			s.mu.Unlock()
			return
		}
		path := s.slots[next].Path
		s.mu.Unlock()

		if err := s.buf.Append(path); err != nil {
			log.Error().Err(err).Msgf("Failed to append chunk %d", next)
			s.setSlotState(next, chunk.StateFailed, "", err)
			return
		}
		s.advanceChunk(next)
	}
}

// appendNextUrgent waits for the next chunk with a tight bound so a stall
// is reported instead of blocking forever.
func (s *Session) appendNextUrgent(ctx context.Context, next int) error {
	s.mu.Lock()
	if s.slots[next].State == chunk.StateFailed {
		err := s.slots[next].Err
		s.mu.Unlock()
		return fmt.Errorf("chunk %d failed: %w", next, err)
	}
	ready := s.readyCh[next]
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.AppendRetryWindow)
	defer timer.Stop()

	select {
	case <-ready:
		s.appendReady()
		return nil
	case <-timer.C:
		return fmt.Errorf("chunk %d not ready within %v", next, s.cfg.AppendRetryWindow)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// advanceChunk is the sole mutator of last_appended_chunk; it only ever
// moves forward.
func (s *Session) advanceChunk(appended int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if appended > s.lastAppended {
		s.lastAppended = appended
	}
	log.Debug().Msgf("Chunk %d appended (%d/%d)", appended, s.lastAppended+1, s.plan.TotalChunks)
}

// complete transitions to Complete and kicks off finalization exactly once.
func (s *Session) complete(ctx context.Context) {
	if st := s.State(); st != StatePlaying && st != StateInitializing {
		return
	}
	s.setState(StateComplete)
	s.buf.MarkComplete()

	if s.finalize == nil {
		return
	}
	s.finalizeOnce.Do(func() {
		go s.runFinalize(ctx)
	})
}

func (s *Session) runFinalize(ctx context.Context) {
	defer close(s.finalizeDone)

	s.setState(StateFinalizing)

	s.mu.Lock()
	paths := make([]string, 0, len(s.slots))
	for _, slot := range s.slots {
		paths = append(paths, slot.Path)
	}
	s.mu.Unlock()

	final, err := s.finalize(ctx, paths)
	if err != nil {
		log.Error().Err(err).Msgf("Finalization failed for %s", s.ref.ID)
		s.mu.Lock()
		s.lastError = err.Error()
		s.finalizeErr = err
		s.mu.Unlock()
		// Playback already has the full buffer; the track just is not
		// cached for next time
		s.setState(StateComplete)
		return
	}

	s.mu.Lock()
	s.finalPath = final
	s.mu.Unlock()
	s.setState(StateFinalized)
	log.Debug().Msgf("Track %s finalized to %s", s.ref.ID, final)
}

// Seek moves playback to position seconds. When the target chunk is not
// downloaded yet, the download order is rebuilt around it and the call
// waits a bounded time for it.
func (s *Session) Seek(ctx context.Context, position float64) error {
	if st := s.State(); st != StatePlaying && st != StateComplete && st != StateFinalizing && st != StateFinalized {
		return fmt.Errorf("cannot seek in state %s", st)
	}

	if position < 0 {
		position = 0
	}
	if position > s.ref.Duration {
		position = s.ref.Duration
	}

	target := s.plan.ChunkForPosition(position)

	s.mu.Lock()
	targetReady := s.slots[target].State == chunk.StateReady
	appended := target <= s.lastAppended
	s.mu.Unlock()

	// Fast path: the target is already in the playback buffer
	if appended && position <= s.buf.BufferedDuration() {
		return s.buf.Seek(position)
	}

	if !targetReady {
		s.sched.Reprioritize(target)
		if _, err := s.waitChunk(ctx, target, s.cfg.SeekWait); err != nil {
			return fmt.Errorf("%w: %v", ErrSeekTimeout, err)
		}
	}

	// Everything before the target has to be in the buffer for the
	// playhead to land inside it
	if err := s.appendThrough(ctx, target); err != nil {
		return fmt.Errorf("%w: %v", ErrSeekTimeout, err)
	}

	return s.buf.Seek(position)
}

// appendThrough appends chunks last_appended+1..target in order, waiting
// for stragglers within the seek window.
func (s *Session) appendThrough(ctx context.Context, target int) error {
	deadline := time.Now().Add(s.cfg.SeekWait)

	for {
		s.appendReady()

		s.mu.Lock()
		next := s.lastAppended + 1
		s.mu.Unlock()
		if next > target {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("chunk %d not ready before seek deadline", next)
		}
		s.sched.Reprioritize(next)
		if _, err := s.waitChunk(ctx, next, remaining); err != nil {
			return err
		}
	}
}

// Stop tears the session down from any state. Safe to call repeatedly and
// never blocks on downloads.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		prev := s.State()

		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if s.sched != nil {
			s.sched.Stop()
		}
		s.monitorWG.Wait()
		s.buf.Close()

		if err := os.RemoveAll(s.dir); err != nil {
			log.Warn().Err(err).Msgf("Failed to remove temp chunks for %s", s.ref.ID)
		}

		if prev != StateFinalized {
			s.setState(StateStopped)
		}
		log.Debug().Msgf("Session for %s stopped", s.ref.ID)
	})
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
	s.setState(StateFailed)
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	// Stopped, Failed, and Finalized are terminal; a late goroutine
	// (a settling finalize, for one) must not resurrect the session
	if prev == next || prev == StateStopped || prev == StateFailed || prev == StateFinalized {
		s.mu.Unlock()
		return
	}
	s.state = next
	cb := s.cb.OnStateChange
	s.mu.Unlock()

	log.Debug().Msgf("Session %s: %s -> %s", s.ref.ID, prev, next)
	if cb != nil {
		cb(prev, next)
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TrackID identifies the track this session streams.
func (s *Session) TrackID() string {
	return s.ref.ID
}

// Ref returns the immutable track reference.
func (s *Session) Ref() *track.Reference {
	return s.ref
}

// ChunkDuration returns the seconds of track time each chunk covers.
func (s *Session) ChunkDuration() float64 {
	return s.plan.ChunkDuration
}

// TotalChunks returns how many chunks the track was divided into.
func (s *Session) TotalChunks() int {
	return s.plan.TotalChunks
}

// IsChunkReady reports whether the chunk at index finished downloading.
func (s *Session) IsChunkReady(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.slots) {
		return false
	}
	return s.slots[index].State == chunk.StateReady
}

// RemainingChunks re-enqueues any failed chunks and returns how many are
// not downloaded yet.
func (s *Session) RemainingChunks() int {
	s.mu.Lock()
	remaining := 0
	next := s.lastAppended + 1
	for _, slot := range s.slots {
		if slot.State != chunk.StateReady {
			remaining++
		}
	}
	s.mu.Unlock()

	if remaining > 0 && s.sched != nil {
		if next >= s.plan.TotalChunks {
			next = 0
		}
		s.sched.Reprioritize(next)
	}
	return remaining
}

// DownloadRemaining blocks until every chunk still missing when the call
// was made has been downloaded or has terminally failed, and returns how
// many the call downloaded. Bounded only by ctx.
func (s *Session) DownloadRemaining(ctx context.Context) (int, error) {
	s.mu.Lock()
	var missing []int
	for _, slot := range s.slots {
		if slot.State != chunk.StateReady {
			missing = append(missing, slot.Index)
		}
	}
	s.mu.Unlock()

	if len(missing) == 0 || s.sched == nil {
		return 0, nil
	}

	// Re-enters any failed chunks and keeps the download order ascending
	// from the first gap
	s.sched.Reprioritize(missing[0])

	downloaded := 0
	for _, index := range missing {
		if _, err := s.waitChunk(ctx, index, 0); err != nil {
			if ctx.Err() != nil {
				return downloaded, ctx.Err()
			}
			log.Warn().Err(err).Msgf("Chunk %d not downloadable", index)
			continue
		}
		downloaded++
	}
	return downloaded, nil
}

// FinalizeDone is closed once the finalize attempt settled either way.
func (s *Session) FinalizeDone() <-chan struct{} {
	return s.finalizeDone
}

// FinalizeErr returns the error the finalize attempt settled with, if any.
func (s *Session) FinalizeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizeErr
}

// FinalPath returns the canonical file path once the session is Finalized.
func (s *Session) FinalPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalPath
}

// LastError returns the most recent terminal error message.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}
