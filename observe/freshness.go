package observe

import "time"

const (
	// Threshold is the sequence distance beyond which smaller sequence number is considered
	// to be the newer one, after wraparound.
	Threshold = 1 << 23

	// FreshnessWindow is the time after which notification is fresh regardless of its sequence.
	FreshnessWindow = 128 * time.Second
)

// State is the ordering state of the last notification delivered for an observation.
type State struct {
	// Sequence is the 24-bit observe value.
	Sequence uint32

	// Timestamp is the local reception time in milliseconds.
	Timestamp int64
}

// Fresher reports whether next notification supersedes the previous one.
func Fresher(prev, next State) bool {
	switch {
	case next.Sequence > prev.Sequence && next.Sequence-prev.Sequence < Threshold:
		return true
	case prev.Sequence > next.Sequence && prev.Sequence-next.Sequence > Threshold:
		return true
	default:
		return next.Timestamp > prev.Timestamp+FreshnessWindow.Milliseconds()
	}
}
