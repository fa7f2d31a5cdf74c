package audio

import "math"

const (
	VolumeCurveExponent = 0.5
	MinVolumeDB         = -10.0
)

// percentToExponent maps a 0-100 volume percent onto the exponent consumed
// by the volume effect, using a perceptual square-root curve.
func percentToExponent(p float64) float64 {
	if p <= 0 {
		return MinVolumeDB
	}
	if p >= 100 {
		return 0
	}

	normalized := p / 100.0
	adjusted := math.Pow(normalized, VolumeCurveExponent)
	return (1.0 - adjusted) * MinVolumeDB
}
