// Package resolver turns a track ID into a playable track reference by
// querying the configured resolver endpoints.
package resolver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/hifiplay/hifiplay/internal/track"
)

const requestTimeout = 30 * time.Second

// Resolver queries a rotation of API endpoints until one yields playback
// info for a track. Endpoints are tried in order; every endpoint failing
// is a resolution error.
type Resolver struct {
	endpoints []string
	client    *resty.Client
}

// New creates a resolver over the given endpoint base URLs.
func New(endpoints []string) *Resolver {
	return &Resolver{
		endpoints: endpoints,
		client:    resty.New().SetTimeout(requestTimeout),
	}
}

// playbackResponse is the wire shape of a resolver's playback-info reply.
type playbackResponse struct {
	TrackID    string  `json:"track_id"`
	Title      string  `json:"title"`
	Artist     string  `json:"artist"`
	Album      string  `json:"album"`
	Duration   float64 `json:"duration"`
	Manifest   string  `json:"manifest"` // base64
	MimeType   string  `json:"manifest_mime_type"`
	SampleRate int     `json:"sample_rate"`
	BitDepth   int     `json:"bit_depth"`
}

// btsManifest is the JSON manifest variant carrying direct file URLs.
type btsManifest struct {
	MimeType string   `json:"mimeType"`
	Codecs   string   `json:"codecs"`
	URLs     []string `json:"urls"`
}

// Resolve fetches playback info for trackID, trying each endpoint in turn.
func (r *Resolver) Resolve(ctx context.Context, trackID string) (*track.Reference, error) {
	if len(r.endpoints) == 0 {
		return nil, fmt.Errorf("no resolver endpoints configured")
	}

	var lastErr error
	for _, endpoint := range r.endpoints {
		ref, err := r.resolveFrom(ctx, endpoint, trackID)
		if err != nil {
			log.Debug().Msgf("Resolver %s failed for track %s: %v", endpoint, trackID, err)
			lastErr = err
			continue
		}
		return ref, nil
	}

	return nil, fmt.Errorf("all %d resolver endpoints failed for track %s: %w",
		len(r.endpoints), trackID, lastErr)
}

func (r *Resolver) resolveFrom(ctx context.Context, endpoint, trackID string) (*track.Reference, error) {
	resp, err := r.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf("%s/tracks/%s/playback", strings.TrimRight(endpoint, "/"), trackID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playback info: %w", err)
	}

	if !resp.IsSuccess() {
		return nil, fmt.Errorf("resolver returned status %d: %s", resp.StatusCode(), resp.Status())
	}

	var pr playbackResponse
	if err := json.Unmarshal(resp.Body(), &pr); err != nil {
		return nil, fmt.Errorf("failed to parse playback response: %w", err)
	}

	manifest, err := base64.StdEncoding.DecodeString(pr.Manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	src, err := sniffManifest(manifest, pr)
	if err != nil {
		return nil, err
	}

	return &track.Reference{
		ID:       trackID,
		Title:    pr.Title,
		Artist:   pr.Artist,
		Album:    pr.Album,
		Duration: pr.Duration,
		Sources:  src,
	}, nil
}

// sniffManifest classifies the decoded manifest body. A JSON object is the
// direct-URL variant; an XML document is a segment manifest.
func sniffManifest(manifest []byte, pr playbackResponse) ([]track.Source, error) {
	body := strings.TrimSpace(string(manifest))

	switch {
	case strings.HasPrefix(body, "{"):
		var bts btsManifest
		if err := json.Unmarshal([]byte(body), &bts); err != nil {
			return nil, fmt.Errorf("failed to parse direct manifest: %w", err)
		}
		if len(bts.URLs) == 0 {
			return nil, fmt.Errorf("direct manifest has no urls")
		}
		sources := make([]track.Source, 0, len(bts.URLs))
		for _, u := range bts.URLs {
			sources = append(sources, track.Source{
				URL:        u,
				Kind:       track.KindDirect,
				Format:     formatFromMime(bts.MimeType),
				SampleRate: pr.SampleRate,
				BitDepth:   pr.BitDepth,
			})
		}
		return sources, nil

	case strings.HasPrefix(body, "<"):
		return []track.Source{{
			Kind:       track.KindSegmented,
			Format:     formatFromMime(pr.MimeType),
			Manifest:   body,
			SampleRate: pr.SampleRate,
			BitDepth:   pr.BitDepth,
		}}, nil

	default:
		return nil, fmt.Errorf("unrecognized manifest body")
	}
}

func formatFromMime(mime string) string {
	switch {
	case strings.Contains(mime, "flac"):
		return "flac"
	case strings.Contains(mime, "mp4"), strings.Contains(mime, "dash"):
		return "mp4a"
	case strings.Contains(mime, "mpeg"):
		return "mp3"
	default:
		return "flac"
	}
}
