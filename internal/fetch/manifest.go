package fetch

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// Manifest is the parsed form of a segment manifest: where to fetch the
// init segment and each numbered media segment, and how much track time
// every segment covers.
type Manifest struct {
	InitURL       string
	MediaTemplate string // contains $Number$
	StartNumber   int
	Durations     []float64 // per-segment seconds, in order
	TotalDuration float64
}

type xmlSegmentTemplate struct {
	Initialization string `xml:"initialization,attr"`
	Media          string `xml:"media,attr"`
	Timescale      int64  `xml:"timescale,attr"`
	StartNumber    int    `xml:"startNumber,attr"`
	Duration       int64  `xml:"duration,attr"`
	Timeline       struct {
		Segments []struct {
			T int64 `xml:"t,attr"`
			D int64 `xml:"d,attr"`
			R int   `xml:"r,attr"`
		} `xml:"S"`
	} `xml:"SegmentTimeline"`
}

type xmlRepresentation struct {
	ID              string              `xml:"id,attr"`
	SegmentTemplate *xmlSegmentTemplate `xml:"SegmentTemplate"`
}

type xmlMPD struct {
	XMLName xml.Name `xml:"MPD"`
	Periods []struct {
		AdaptationSets []struct {
			SegmentTemplate *xmlSegmentTemplate `xml:"SegmentTemplate"`
			Representations []xmlRepresentation `xml:"Representation"`
		} `xml:"AdaptationSet"`
	} `xml:"Period"`
}

// ParseManifest extracts the segment layout from an XML manifest body.
// The first representation of the first adaptation set is used; audio
// manifests carry exactly one.
func ParseManifest(body string) (*Manifest, error) {
	var mpd xmlMPD
	if err := xml.Unmarshal([]byte(body), &mpd); err != nil {
		return nil, fmt.Errorf("failed to parse manifest XML: %w", err)
	}

	if len(mpd.Periods) == 0 || len(mpd.Periods[0].AdaptationSets) == 0 {
		return nil, fmt.Errorf("manifest has no adaptation sets")
	}

	set := mpd.Periods[0].AdaptationSets[0]
	if len(set.Representations) == 0 {
		return nil, fmt.Errorf("manifest has no representations")
	}

	rep := set.Representations[0]
	tmpl := rep.SegmentTemplate
	if tmpl == nil {
		tmpl = set.SegmentTemplate
	}
	if tmpl == nil {
		return nil, fmt.Errorf("manifest has no segment template")
	}
	if tmpl.Media == "" {
		return nil, fmt.Errorf("segment template has no media URL")
	}

	timescale := tmpl.Timescale
	if timescale <= 0 {
		timescale = 1
	}
	startNumber := tmpl.StartNumber
	if startNumber <= 0 {
		startNumber = 1
	}

	var durations []float64
	for _, s := range tmpl.Timeline.Segments {
		seconds := float64(s.D) / float64(timescale)
		repeats := s.R + 1
		if repeats < 1 {
			repeats = 1
		}
		for i := 0; i < repeats; i++ {
			durations = append(durations, seconds)
		}
	}
	if len(durations) == 0 {
		return nil, fmt.Errorf("segment template has no timeline")
	}

	total := 0.0
	for _, d := range durations {
		total += d
	}

	return &Manifest{
		InitURL:       expandTemplate(tmpl.Initialization, rep.ID, 0),
		MediaTemplate: expandTemplate(tmpl.Media, rep.ID, -1),
		StartNumber:   startNumber,
		Durations:     durations,
		TotalDuration: total,
	}, nil
}

// VerifyCoverage rejects manifests that describe less than half of the
// expected track duration. Rights-restricted catalogs serve such preview
// manifests in place of the full track.
func (m *Manifest) VerifyCoverage(expectedDuration float64) error {
	if expectedDuration <= 0 {
		return nil
	}
	if m.TotalDuration < expectedDuration/2 {
		return fmt.Errorf("%w: manifest covers %.1fs of %.1fs",
			ErrPreviewManifest, m.TotalDuration, expectedDuration)
	}
	return nil
}

// SegmentCount returns how many media segments the manifest describes.
func (m *Manifest) SegmentCount() int {
	return len(m.Durations)
}

// SegmentURL returns the media URL for the i-th segment (zero-based).
func (m *Manifest) SegmentURL(i int) string {
	number := m.StartNumber + i
	return strings.ReplaceAll(m.MediaTemplate, "$Number$", strconv.Itoa(number))
}

// SegmentsForRange returns the zero-based indices [first, last] of the
// segments covering the track time interval [start, end).
func (m *Manifest) SegmentsForRange(start, end float64) (first, last int) {
	pos := 0.0
	first, last = -1, -1
	for i, d := range m.Durations {
		segEnd := pos + d
		if first < 0 && segEnd > start {
			first = i
		}
		if pos < end {
			last = i
		}
		pos = segEnd
	}
	if first < 0 {
		first = len(m.Durations) - 1
	}
	if last < first {
		last = first
	}
	return first, last
}

func expandTemplate(tmpl, repID string, number int) string {
	out := strings.ReplaceAll(tmpl, "$RepresentationID$", repID)
	if number >= 0 {
		out = strings.ReplaceAll(out, "$Number$", strconv.Itoa(number))
	}
	return out
}
