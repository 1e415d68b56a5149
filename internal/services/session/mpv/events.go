package mpv

import (
	"errors"

	"trackstream/internal/domain"
)

// observedProperties are registered with observe_property on connect. The
// index is used as the observer id.
var observedProperties = []string{
	"pause",
	"paused-for-cache",
	"idle-active",
	"eof-reached",
	"playlist-pos",
	"playlist-count",
	"duration",
}

// translateEvent maps an mpv event line to a session event kind. The second
// result is false for events the bridge does not care about.
func translateEvent(msg ipcMessage) (domain.SessionEvent, bool) {
	switch msg.Event {
	case "property-change":
		switch msg.Name {
		case "pause":
			return domain.SessionEvent{Kind: domain.EventIsPlayingChanged}, true
		case "paused-for-cache", "idle-active", "eof-reached":
			return domain.SessionEvent{Kind: domain.EventStateChanged}, true
		case "playlist-pos":
			return domain.SessionEvent{Kind: domain.EventItemTransition}, true
		case "playlist-count", "duration":
			return domain.SessionEvent{Kind: domain.EventTimelineChanged}, true
		}
	case "playback-restart":
		return domain.SessionEvent{Kind: domain.EventStateChanged}, true
	case "file-loaded":
		return domain.SessionEvent{Kind: domain.EventItemTransition}, true
	case "seek":
		return domain.SessionEvent{Kind: domain.EventPositionDiscontinuity}, true
	case "end-file":
		if msg.Reason == "error" {
			reason := msg.FileError
			if reason == "" {
				reason = "playback failed"
			}
			return domain.SessionEvent{Kind: domain.EventError, Err: errors.New(reason)}, true
		}
		return domain.SessionEvent{Kind: domain.EventStateChanged}, true
	}
	return domain.SessionEvent{}, false
}
