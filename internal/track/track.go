// Package track defines the data structures for streamable tracks and
// their playback sources.
package track

// SourceKind distinguishes how a source's audio is fetched.
type SourceKind string

const (
	// KindSegmented is a manifest-described source that can be fetched in
	// time-bounded chunks.
	KindSegmented SourceKind = "segmented"
	// KindDirect is a single-file source fetched in one request.
	KindDirect SourceKind = "direct"
)

// Source represents one playback endpoint for a track.
type Source struct {
	URL        string     `json:"url"`
	Kind       SourceKind `json:"kind"`
	Format     string     `json:"format"` // Audio format (e.g., "flac", "mp4a")
	Manifest   string     `json:"-"`      // Decoded manifest body for segmented sources
	SampleRate int        `json:"sample_rate"`
	BitDepth   int        `json:"bit_depth"`
}

// Reference identifies a track and every source it can be streamed from.
// A reference is immutable once a streaming session starts.
type Reference struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Artist   string   `json:"artist"`
	Album    string   `json:"album"`
	Duration float64  `json:"duration"` // Seconds
	Sources  []Source `json:"sources"`
}

// BestSource returns the first segmented source, falling back to the first
// source of any kind.
func (r *Reference) BestSource() *Source {
	for i := range r.Sources {
		if r.Sources[i].Kind == KindSegmented {
			return &r.Sources[i]
		}
	}
	if len(r.Sources) > 0 {
		return &r.Sources[0]
	}
	return nil
}

// OrderedSources returns all sources sorted by preference: segmented sources
// first (they support chunked fetch), then direct ones. The returned order is
// the fallback chain used when a source turns out to be undecodable.
func (r *Reference) OrderedSources() []Source {
	var segmented, direct []Source

	for _, src := range r.Sources {
		if src.Kind == KindSegmented {
			segmented = append(segmented, src)
		} else {
			direct = append(direct, src)
		}
	}

	result := make([]Source, 0, len(r.Sources))
	result = append(result, segmented...)
	result = append(result, direct...)

	return result
}

// DirectSources returns only the direct sources, in declaration order.
// These are the candidates for the whole-file fallback path.
func (r *Reference) DirectSources() []Source {
	var direct []Source
	for _, src := range r.Sources {
		if src.Kind == KindDirect {
			direct = append(direct, src)
		}
	}
	return direct
}
