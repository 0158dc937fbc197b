package playback

import "math"

// Mapping converts positions between the source track and the playing
// result by linear scaling of their durations. Either duration may be
// unknown (zero), in which case no conversion is possible.
type Mapping struct {
	SourceMs int64
	TargetMs int64
}

func (m Mapping) known() bool {
	return m.SourceMs > 0 && m.TargetMs > 0
}

// ToTarget converts a source position into the playing result's timeline.
func (m Mapping) ToTarget(positionMs int64) (int64, bool) {
	if !m.known() {
		return 0, false
	}
	return scale(positionMs, m.TargetMs, m.SourceMs), true
}

// ToSource converts a position of the playing result back into the source
// track's timeline.
func (m Mapping) ToSource(positionMs int64) (int64, bool) {
	if !m.known() {
		return 0, false
	}
	return scale(positionMs, m.SourceMs, m.TargetMs), true
}

func scale(pos, num, den int64) int64 {
	return int64(math.Round(float64(pos) * float64(num) / float64(den)))
}
