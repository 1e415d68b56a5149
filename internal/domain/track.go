package domain

import (
	"fmt"
	"strings"
)

type Artwork struct {
	Small  string `json:"150x150,omitempty"`
	Medium string `json:"480x480,omitempty"`
	Large  string `json:"1000x1000,omitempty"`
}

// Best returns the largest available artwork URL.
func (a Artwork) Best() string {
	switch {
	case a.Large != "":
		return a.Large
	case a.Medium != "":
		return a.Medium
	default:
		return a.Small
	}
}

// Track is a catalog entry with its resolved stream locator.
type Track struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Artist     string  `json:"artist"`
	Artwork    Artwork `json:"artwork"`
	DurationMs int64   `json:"durationMs"`
	StreamURL  string  `json:"streamUrl,omitempty"`
}

// MediaItem is what a media session plays: a track reduced to its
// playable fields.
type MediaItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Artist     string  `json:"artist"`
	Artwork    Artwork `json:"artwork"`
	DurationMs int64   `json:"durationMs"`
	StreamURL  string  `json:"streamUrl"`
}

func NewMediaItem(t Track) (MediaItem, error) {
	url := strings.TrimSpace(t.StreamURL)
	if url == "" {
		return MediaItem{}, fmt.Errorf("%w: %s", ErrNoStreamURL, t.ID)
	}
	return MediaItem{
		ID:         t.ID,
		Title:      t.Title,
		Artist:     t.Artist,
		Artwork:    t.Artwork,
		DurationMs: t.DurationMs,
		StreamURL:  url,
	}, nil
}
