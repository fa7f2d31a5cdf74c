package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/wav"
	"github.com/rs/zerolog/log"
)

const decodeBatch = 4096
const resampleQuality = 4

// Buffer decodes chunk files and appends their PCM to the sink in strict
// order. The first appended file fixes the session format; later files that
// deviate are resampled to it so the output stream stays continuous.
type Buffer struct {
	sink Sink

	mu       sync.Mutex
	format   beep.Format
	started  bool
	reported float64
}

func NewBuffer(sink Sink) *Buffer {
	return &Buffer{sink: sink}
}

// Start decodes the first chunk, opens the sink with its format, and
// appends its samples. reportedDuration is the track length the catalog
// claims, which the buffered duration approaches from below.
func (b *Buffer) Start(path string, reportedDuration float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return fmt.Errorf("buffer already started")
	}

	samples, format, err := decodeFile(path, 0)
	if err != nil {
		return err
	}

	if err := b.sink.Open(format); err != nil {
		return err
	}
	b.sink.Append(samples)

	b.format = format
	b.started = true
	b.reported = reportedDuration

	log.Debug().Msgf("Playback buffer opened: %d Hz, %d samples from first chunk", format.SampleRate, len(samples))
	return nil
}

// Append decodes the next chunk and extends the live buffer.
func (b *Buffer) Append(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return fmt.Errorf("buffer not started")
	}

	samples, _, err := decodeFile(path, b.format.SampleRate)
	if err != nil {
		return err
	}
	b.sink.Append(samples)

	log.Debug().Msgf("Appended %d samples from %s", len(samples), filepath.Base(path))
	return nil
}

// MarkComplete records that every chunk has been appended.
func (b *Buffer) MarkComplete() {
	b.sink.MarkComplete()
}

// BufferedDuration returns seconds of audio actually decoded and appended.
func (b *Buffer) BufferedDuration() float64 {
	return b.sink.Buffered()
}

// ReportedDuration returns the catalog duration given at Start.
func (b *Buffer) ReportedDuration() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reported
}

func (b *Buffer) Position() float64 {
	return b.sink.Position()
}

func (b *Buffer) Seek(seconds float64) error {
	return b.sink.Seek(seconds)
}

func (b *Buffer) State() PlaybackState {
	return b.sink.State()
}

func (b *Buffer) Close() {
	b.sink.Close()
}

// decodeFile reads a whole audio file into memory as stereo PCM. When
// targetRate is non-zero and the file's rate differs, the samples are
// resampled to targetRate.
func decodeFile(path string, targetRate beep.SampleRate) ([][2]float64, beep.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("failed to open audio file: %w", err)
	}

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".flac":
		streamer, format, err = flac.Decode(f)
	case ".mp3":
		streamer, format, err = mp3.Decode(f)
	case ".wav":
		streamer, format, err = wav.Decode(f)
	default:
		f.Close()
		return nil, beep.Format{}, fmt.Errorf("unrecognized audio file extension: %s", path)
	}
	if err != nil {
		f.Close()
		return nil, beep.Format{}, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	defer streamer.Close()

	var src beep.Streamer = streamer
	if targetRate != 0 && format.SampleRate != targetRate {
		log.Debug().Msgf("Resampling %s: %d Hz -> %d Hz", filepath.Base(path), format.SampleRate, targetRate)
		src = beep.Resample(resampleQuality, format.SampleRate, targetRate, streamer)
		format.SampleRate = targetRate
	}

	var samples [][2]float64
	batch := make([][2]float64, decodeBatch)
	for {
		n, ok := src.Stream(batch)
		if n > 0 {
			samples = append(samples, batch[:n]...)
		}
		if !ok {
			break
		}
	}
	if err := streamer.Err(); err != nil {
		return nil, beep.Format{}, fmt.Errorf("failed while decoding %s: %w", filepath.Base(path), err)
	}

	return samples, format, nil
}
