package audio

// growingStreamer reads from a sample buffer that other goroutines extend
// while playback is running. Reading past the tail outputs silence instead
// of ending the stream, so an appended chunk resumes playback at the exact
// sample where the buffer ran dry. All fields are guarded by the speaker
// mutex once the streamer is playing.
type growingStreamer struct {
	samples  [][2]float64
	pos      int
	complete bool // no more appends will arrive
	finished bool // playback consumed the fully-buffered track
}

func (g *growingStreamer) Stream(out [][2]float64) (n int, ok bool) {
	for i := range out {
		if g.pos < len(g.samples) {
			out[i] = g.samples[g.pos]
			g.pos++
		} else {
			out[i] = [2]float64{}
			if g.complete {
				g.finished = true
			}
		}
	}
	return len(out), true
}

func (g *growingStreamer) Err() error {
	return nil
}

func (g *growingStreamer) append(samples [][2]float64) {
	g.samples = append(g.samples, samples...)
	// New audio past the old tail un-finishes the track
	if g.pos < len(g.samples) {
		g.finished = false
	}
}

func (g *growingStreamer) seek(sample int) {
	if sample < 0 {
		sample = 0
	}
	if sample > len(g.samples) {
		sample = len(g.samples)
	}
	g.pos = sample
	g.finished = false
}
