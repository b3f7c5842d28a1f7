package logstore

import (
	"github.com/rs/zerolog/log"

	"rastro.dev/paletrack/internal/store"
)

// LogStore writes every sample to the log and nothing else. Used when
// running without a database.
type LogStore struct {
}

func NewStore() *LogStore {
	return &LogStore{}
}

func (l *LogStore) Append(s store.Sample) error {
	log.Debug().Str("user_id", s.UserId).Str("trip_id", s.TripId).
		Float64("lat", s.Lat).Float64("lng", s.Lng).Time("gps_time", s.GpsTime).Msg("append")
	return nil
}
