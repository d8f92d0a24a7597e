package cache

import "errors"

var (
	// ErrInvalidArgument is returned before any store call for bad input
	// (negative TTL, malformed map name).
	ErrInvalidArgument = errors.New("mapcache: invalid argument")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("mapcache: cache is closed")

	// ErrNoLoader is returned by GetOrLoad when no Loader was configured in Options.
	ErrNoLoader = errors.New("mapcache: no Loader provided")

	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	ErrCorruptRecord = errors.New("mapcache: corrupt record")
)
