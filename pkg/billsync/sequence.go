package billsync

import (
	"strings"
	"time"
)

// Sequence is the ordering position of a provider event.
//
// When both sides carry a provider sequence number it decides; otherwise
// OccurredAt decides, with ties broken by lexicographic EventID.
type Sequence struct {
	Provider   int64     `json:"provider,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	EventID    string    `json:"event_id"`
}

// IsZero reports whether no event has been observed
func (s Sequence) IsZero() bool {
	return s.Provider == 0 && s.OccurredAt.IsZero() && s.EventID == ""
}

// Compare returns -1, 0 or +1
func (s Sequence) Compare(other Sequence) int {
	if s.Provider > 0 && other.Provider > 0 && s.Provider != other.Provider {
		if s.Provider < other.Provider {
			return -1
		}
		return 1
	}
	if !s.OccurredAt.Equal(other.OccurredAt) {
		if s.OccurredAt.Before(other.OccurredAt) {
			return -1
		}
		return 1
	}
	return strings.Compare(s.EventID, other.EventID)
}

// Max returns the later of the two positions
func (s Sequence) Max(other Sequence) Sequence {
	if s.Compare(other) >= 0 {
		return s
	}
	return other
}
