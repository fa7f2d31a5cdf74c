// Package chunk maps track time to fixed-duration download chunks.
package chunk

import "math"

// SlotState tracks the lifecycle of one chunk's download.
type SlotState int

const (
	StatePending SlotState = iota
	StateDownloading
	StateReady
	StateFailed
)

func (s SlotState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDownloading:
		return "downloading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Slot is the per-chunk download record kept by a session.
type Slot struct {
	Index int
	State SlotState
	Path  string // Set when State == StateReady
	Err   error  // Set when State == StateFailed
}

// Plan divides a track of known duration into equal chunks. The last chunk
// may be shorter than ChunkDuration.
type Plan struct {
	TotalDuration float64
	ChunkDuration float64
	TotalChunks   int
}

// NewPlan builds the chunk plan for a track. A track shorter than one chunk
// duration still gets one chunk.
func NewPlan(totalDuration, chunkDuration float64) Plan {
	total := int(math.Ceil(totalDuration / chunkDuration))
	if total < 1 {
		total = 1
	}
	return Plan{
		TotalDuration: totalDuration,
		ChunkDuration: chunkDuration,
		TotalChunks:   total,
	}
}

// ChunkForPosition returns the index of the chunk containing the given
// playback position, clamped to the plan's valid range.
func (p Plan) ChunkForPosition(position float64) int {
	idx := int(math.Floor(position / p.ChunkDuration))
	if idx < 0 {
		return 0
	}
	if idx > p.TotalChunks-1 {
		return p.TotalChunks - 1
	}
	return idx
}

// TimeRange returns the half-open interval [start, end) of track time the
// chunk at index covers. The final chunk ends at the track duration.
func (p Plan) TimeRange(index int) (start, end float64) {
	start = float64(index) * p.ChunkDuration
	end = start + p.ChunkDuration
	if end > p.TotalDuration {
		end = p.TotalDuration
	}
	return start, end
}
