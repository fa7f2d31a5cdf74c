package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gopxl/beep/v2"
)

func TestPercentToExponent(t *testing.T) {
	tests := []struct {
		percent  float64
		expected float64
	}{
		{0, MinVolumeDB},
		{100, 0},
		{-10, MinVolumeDB},
		{150, 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("percent_%v", tt.percent), func(t *testing.T) {
			result := percentToExponent(tt.percent)
			if result != tt.expected {
				t.Errorf("percentToExponent(%v) = %v, want %v", tt.percent, result, tt.expected)
			}
		})
	}
}

func TestPercentToExponentCurve(t *testing.T) {
	p25 := percentToExponent(25)
	p50 := percentToExponent(50)
	p75 := percentToExponent(75)

	if p25 >= p50 || p50 >= p75 {
		t.Error("Volume curve should be monotonically increasing")
	}

	if p25 <= MinVolumeDB || p75 >= 0 {
		t.Error("Mid-range volumes should be between min and max")
	}
}

func TestGrowingStreamerSilencePastTail(t *testing.T) {
	g := &growingStreamer{}
	g.append([][2]float64{{1, 1}, {2, 2}})

	out := make([][2]float64, 4)
	n, ok := g.Stream(out)

	if n != 4 || !ok {
		t.Fatalf("Stream() = %d, %v, want 4, true", n, ok)
	}
	if out[0] != [2]float64{1, 1} || out[1] != [2]float64{2, 2} {
		t.Errorf("buffered samples not streamed: %v", out[:2])
	}
	if out[2] != [2]float64{} || out[3] != [2]float64{} {
		t.Errorf("past-tail samples = %v, want silence", out[2:])
	}
	if g.finished {
		t.Error("streamer finished without MarkComplete")
	}
}

func TestGrowingStreamerResumesAfterAppend(t *testing.T) {
	g := &growingStreamer{}
	g.append([][2]float64{{1, 1}})

	out := make([][2]float64, 3)
	g.Stream(out) // drains the single sample, then silence

	g.append([][2]float64{{2, 2}})
	g.Stream(out)

	// The appended sample plays at the next read, right where the
	// buffer ran dry
	if out[0] != [2]float64{2, 2} {
		t.Errorf("first sample after append = %v, want {2, 2}", out[0])
	}
}

func TestGrowingStreamerFinished(t *testing.T) {
	g := &growingStreamer{}
	g.append([][2]float64{{1, 1}})

	out := make([][2]float64, 4)
	g.Stream(out)
	if g.finished {
		t.Error("incomplete streamer must not finish")
	}

	g.complete = true
	g.Stream(out)
	if !g.finished {
		t.Error("complete streamer past tail should finish")
	}

	g.seek(0)
	if g.finished {
		t.Error("seek should clear finished")
	}
}

func TestGrowingStreamerSeekClamps(t *testing.T) {
	g := &growingStreamer{}
	g.append(make([][2]float64, 10))

	g.seek(-3)
	if g.pos != 0 {
		t.Errorf("seek(-3) pos = %d, want 0", g.pos)
	}

	g.seek(99)
	if g.pos != 10 {
		t.Errorf("seek(99) pos = %d, want 10", g.pos)
	}
}

// fakeSink captures appends without touching an audio device.
type fakeSink struct {
	mu       sync.Mutex
	opened   bool
	format   beep.Format
	samples  [][2]float64
	pos      int
	complete bool
	closed   bool
}

func (f *fakeSink) Open(format beep.Format) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	f.format = format
	return nil
}

func (f *fakeSink) Append(samples [][2]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, samples...)
}

func (f *fakeSink) MarkComplete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complete = true
}

func (f *fakeSink) Position() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.format.SampleRate.D(f.pos).Seconds()
}

func (f *fakeSink) Buffered() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.format.SampleRate.D(len(f.samples)).Seconds()
}

func (f *fakeSink) Seek(seconds float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos = int(seconds * float64(f.format.SampleRate))
	return nil
}

func (f *fakeSink) State() PlaybackState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return PlaybackState{
		IsPlaying:        f.opened && !f.closed,
		Position:         f.format.SampleRate.D(f.pos).Seconds(),
		BufferedDuration: f.format.SampleRate.D(len(f.samples)).Seconds(),
	}
}

func (f *fakeSink) SetVolume(int) {}
func (f *fakeSink) Pause()        {}
func (f *fakeSink) Resume()       {}

func (f *fakeSink) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// writeWAV produces a 16-bit stereo PCM file with the given number of
// sample frames of a quiet sine tone.
func writeWAV(t *testing.T, path string, sampleRate, frames int) {
	t.Helper()

	dataSize := frames * 4
	buf := make([]byte, 44+dataSize)

	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+dataSize))
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:], 2) // stereo
	binary.LittleEndian.PutUint32(buf[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:], uint32(sampleRate*4))
	binary.LittleEndian.PutUint16(buf[32:], 4)
	binary.LittleEndian.PutUint16(buf[34:], 16)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(dataSize))

	for i := 0; i < frames; i++ {
		v := int16(3000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(buf[44+i*4:], uint16(v))
		binary.LittleEndian.PutUint16(buf[44+i*4+2:], uint16(v))
	}

	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatalf("writing wav fixture: %v", err)
	}
}

func TestBufferStartAndAppend(t *testing.T) {
	dir := t.TempDir()
	chunk0 := filepath.Join(dir, "000.wav")
	chunk1 := filepath.Join(dir, "001.wav")
	writeWAV(t, chunk0, 44100, 44100) // 1s
	writeWAV(t, chunk1, 44100, 22050) // 0.5s

	sink := &fakeSink{}
	b := NewBuffer(sink)

	if err := b.Start(chunk0, 1.5); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if !sink.opened {
		t.Fatal("Start() did not open the sink")
	}
	if sink.format.SampleRate != 44100 {
		t.Errorf("sink format rate = %d, want 44100", sink.format.SampleRate)
	}
	if b.ReportedDuration() != 1.5 {
		t.Errorf("ReportedDuration() = %v, want 1.5", b.ReportedDuration())
	}
	if d := b.BufferedDuration(); math.Abs(d-1.0) > 0.01 {
		t.Errorf("BufferedDuration() after start = %v, want ~1.0", d)
	}

	if err := b.Append(chunk1); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if d := b.BufferedDuration(); math.Abs(d-1.5) > 0.01 {
		t.Errorf("BufferedDuration() after append = %v, want ~1.5", d)
	}

	// Buffered never exceeds reported for a correct chunk set
	if b.BufferedDuration() > b.ReportedDuration()+0.01 {
		t.Errorf("buffered %v exceeds reported %v", b.BufferedDuration(), b.ReportedDuration())
	}
}

func TestBufferResamplesDeviatingChunk(t *testing.T) {
	dir := t.TempDir()
	chunk0 := filepath.Join(dir, "000.wav")
	chunk1 := filepath.Join(dir, "001.wav")
	writeWAV(t, chunk0, 44100, 44100) // 1s at session rate
	writeWAV(t, chunk1, 22050, 22050) // 1s at half rate

	sink := &fakeSink{}
	b := NewBuffer(sink)

	if err := b.Start(chunk0, 2); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := b.Append(chunk1); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// After resampling, one second of audio at either rate adds one
	// second of buffered duration
	if d := b.BufferedDuration(); math.Abs(d-2.0) > 0.05 {
		t.Errorf("BufferedDuration() = %v, want ~2.0 after resample", d)
	}
}

func TestBufferAppendBeforeStart(t *testing.T) {
	b := NewBuffer(&fakeSink{})
	if err := b.Append("whatever.flac"); err == nil {
		t.Error("Append() before Start() should fail")
	}
}

func TestBufferDoubleStart(t *testing.T) {
	dir := t.TempDir()
	chunk0 := filepath.Join(dir, "000.wav")
	writeWAV(t, chunk0, 44100, 1000)

	b := NewBuffer(&fakeSink{})
	if err := b.Start(chunk0, 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := b.Start(chunk0, 1); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestBufferUnrecognizedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000.ogg")
	if err := os.WriteFile(path, []byte("junk"), 0644); err != nil {
		t.Fatal(err)
	}

	b := NewBuffer(&fakeSink{})
	if err := b.Start(path, 1); err == nil {
		t.Error("Start() with unrecognized extension should fail")
	}
}

func TestBufferMarkComplete(t *testing.T) {
	dir := t.TempDir()
	chunk0 := filepath.Join(dir, "000.wav")
	writeWAV(t, chunk0, 44100, 1000)

	sink := &fakeSink{}
	b := NewBuffer(sink)
	if err := b.Start(chunk0, 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	b.MarkComplete()
	if !sink.complete {
		t.Error("MarkComplete() did not reach the sink")
	}
}
