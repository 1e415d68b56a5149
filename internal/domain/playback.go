package domain

type TransportState string

const (
	TransportIdle      TransportState = "idle"
	TransportBuffering TransportState = "buffering"
	TransportReady     TransportState = "ready"
	TransportEnded     TransportState = "ended"
)

// PlaybackSnapshot is the UI-facing view of the media session. It is a
// plain value; compare snapshots with Equal.
type PlaybackSnapshot struct {
	Item        *SnapshotItem  `json:"item"`
	State       TransportState `json:"state"`
	IsPlaying   bool           `json:"isPlaying"`
	PositionMs  int64          `json:"positionMs"`
	DurationMs  int64          `json:"durationMs"`
	HasNext     bool           `json:"hasNext"`
	HasPrevious bool           `json:"hasPrevious"`
	Error       string         `json:"error,omitempty"`
}

// SnapshotItem is the current item as shown to the UI.
type SnapshotItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Artist     string  `json:"artist"`
	Artwork    Artwork `json:"artwork"`
	DurationMs int64   `json:"durationMs"`
}

func DefaultSnapshot() PlaybackSnapshot {
	return PlaybackSnapshot{State: TransportIdle}
}

// Equal compares snapshots by value, including the current item.
func (s PlaybackSnapshot) Equal(o PlaybackSnapshot) bool {
	if (s.Item == nil) != (o.Item == nil) {
		return false
	}
	if s.Item != nil && *s.Item != *o.Item {
		return false
	}
	a, b := s, o
	a.Item, b.Item = nil, nil
	return a == b
}

// SessionStatus is a point-in-time read of a media session.
type SessionStatus struct {
	Item        *MediaItem
	State       TransportState
	IsPlaying   bool
	PositionMs  int64
	DurationMs  int64
	HasNext     bool
	HasPrevious bool
}

type SessionEventKind string

const (
	EventStateChanged          SessionEventKind = "state_changed"
	EventItemTransition        SessionEventKind = "item_transition"
	EventPositionDiscontinuity SessionEventKind = "position_discontinuity"
	EventTimelineChanged       SessionEventKind = "timeline_changed"
	EventIsPlayingChanged      SessionEventKind = "is_playing_changed"
	EventError                 SessionEventKind = "error"
)

type SessionEvent struct {
	Kind      SessionEventKind
	State     TransportState
	IsPlaying bool
	Err       error
}
