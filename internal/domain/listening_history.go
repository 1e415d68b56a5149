package domain

import "time"

type ListeningPosition struct {
	ItemID     string    `json:"itemId"`
	Title      string    `json:"title"`
	Artist     string    `json:"artist"`
	PositionMs int64     `json:"positionMs"`
	DurationMs int64     `json:"durationMs"`
	Completed  bool      `json:"completed"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
