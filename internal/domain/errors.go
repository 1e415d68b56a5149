package domain

import "errors"

var ErrNotFound = errors.New("not found")

var (
	ErrNoStreamURL     = errors.New("track has no stream url")
	ErrNotCached       = errors.New("range not cached")
	ErrIncompleteRange = errors.New("range incomplete after write-through")
	ErrNoSession       = errors.New("no media session")
)
