package store

import (
	"errors"
	"time"
)

// Sample is one reported position, already validated by the ingest layer.
type Sample struct {
	UserId  string
	TripId  string
	Lat     float64
	Lng     float64
	GpsTime time.Time
	SrvTime time.Time
}

// ErrBufferFull is returned by Append when the writer cannot keep up and
// the bounded buffer has no room left. The sample is dropped; callers
// treat this as backpressure, not as a fatal fault.
var ErrBufferFull = errors.New("store: write buffer full")

type LocationStore interface {
	Append(s Sample) error
}
