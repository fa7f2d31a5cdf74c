// Package audio owns the live playback buffer: decoded PCM accumulates in
// one growing stream fed to the output device, so chunk boundaries are
// inaudible.
package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/rs/zerolog/log"

	"github.com/hifiplay/hifiplay/internal/config"
)

const speakerBufferSize = time.Millisecond * 250

// PlaybackState is a snapshot of the output buffer and playhead.
type PlaybackState struct {
	IsPlaying        bool
	Position         float64
	BufferedDuration float64
	TrackFinished    bool
}

// Sink is the playback output device. Appended samples extend the live
// buffer without interrupting whatever is already playing.
type Sink interface {
	Open(format beep.Format) error
	Append(samples [][2]float64)
	// MarkComplete tells the sink no further appends will arrive, so
	// reaching the buffer tail now means the track finished.
	MarkComplete()
	Position() float64
	Buffered() float64
	Seek(seconds float64) error
	State() PlaybackState
	SetVolume(percent int)
	Pause()
	Resume()
	Close()
}

// SpeakerSink plays the growing buffer through the system audio device.
type SpeakerSink struct {
	mu            sync.Mutex
	format        beep.Format
	streamer      *growingStreamer
	volume        *effects.Volume
	ctrl          *beep.Ctrl
	open          bool
	paused        bool
	volumePercent int
}

func NewSpeakerSink() *SpeakerSink {
	return &SpeakerSink{volumePercent: -1}
}

// Open initializes the audio device for the given format and starts playing
// the (initially empty) buffer.
func (s *SpeakerSink) Open(format beep.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return fmt.Errorf("sink already open")
	}

	if err := speaker.Init(format.SampleRate, format.SampleRate.N(speakerBufferSize)); err != nil {
		return fmt.Errorf("failed to initialize speaker: %w", err)
	}
	log.Debug().Msgf("Speaker initialized with sample rate: %d Hz, buffer: %v", format.SampleRate, speakerBufferSize)

	volumePercent := s.volumePercent
	if volumePercent < 0 {
		volumePercent = config.DefaultVolume
	}

	s.streamer = &growingStreamer{}
	s.volume = &effects.Volume{
		Streamer: s.streamer,
		Base:     2,
		Volume:   percentToExponent(float64(volumePercent)),
		Silent:   volumePercent == 0,
	}
	s.ctrl = &beep.Ctrl{Streamer: s.volume}
	s.format = format
	s.open = true
	s.paused = false

	speaker.Play(s.ctrl)
	return nil
}

func (s *SpeakerSink) Append(samples [][2]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return
	}

	speaker.Lock()
	s.streamer.append(samples)
	speaker.Unlock()
}

func (s *SpeakerSink) MarkComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return
	}

	speaker.Lock()
	s.streamer.complete = true
	speaker.Unlock()
}

func (s *SpeakerSink) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0
	}

	speaker.Lock()
	pos := s.streamer.pos
	speaker.Unlock()

	return s.format.SampleRate.D(pos).Seconds()
}

func (s *SpeakerSink) Buffered() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0
	}

	speaker.Lock()
	n := len(s.streamer.samples)
	speaker.Unlock()

	return s.format.SampleRate.D(n).Seconds()
}

// Seek moves the playhead. The target must already be buffered; the session
// guarantees that before calling.
func (s *SpeakerSink) Seek(seconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return fmt.Errorf("sink not open")
	}

	target := s.format.SampleRate.N(time.Duration(seconds * float64(time.Second)))

	speaker.Lock()
	s.streamer.seek(target)
	speaker.Unlock()

	log.Debug().Msgf("Playhead moved to %.2fs", seconds)
	return nil
}

func (s *SpeakerSink) State() PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return PlaybackState{}
	}

	speaker.Lock()
	pos := s.streamer.pos
	buffered := len(s.streamer.samples)
	finished := s.streamer.finished
	speaker.Unlock()

	return PlaybackState{
		IsPlaying:        !s.paused && !finished,
		Position:         s.format.SampleRate.D(pos).Seconds(),
		BufferedDuration: s.format.SampleRate.D(buffered).Seconds(),
		TrackFinished:    finished,
	}
}

func (s *SpeakerSink) SetVolume(volumePercent int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	volumePercent = config.ClampVolume(volumePercent)
	s.volumePercent = volumePercent

	if !s.open {
		log.Debug().Msgf("Volume stored as %d%% (will be applied when playback starts)", volumePercent)
		return
	}

	volumeLevel := percentToExponent(float64(volumePercent))

	speaker.Lock()
	s.volume.Volume = volumeLevel
	s.volume.Silent = volumePercent == 0
	speaker.Unlock()

	log.Debug().Msgf("Volume set to %d%% (%.2f dB)", volumePercent, volumeLevel)
}

func (s *SpeakerSink) Pause() {
	s.setPaused(true)
}

func (s *SpeakerSink) Resume() {
	s.setPaused(false)
}

func (s *SpeakerSink) setPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || s.paused == paused {
		return
	}

	speaker.Lock()
	s.ctrl.Paused = paused
	speaker.Unlock()
	s.paused = paused

	if paused {
		log.Debug().Msg("Playback paused")
	} else {
		log.Debug().Msg("Playback resumed")
	}
}

// Close stops output and discards the buffer. The sink can be reopened for
// the next track.
func (s *SpeakerSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return
	}

	speaker.Clear()
	s.streamer = nil
	s.volume = nil
	s.ctrl = nil
	s.open = false
	s.paused = false

	log.Debug().Msg("Audio sink closed")
}
