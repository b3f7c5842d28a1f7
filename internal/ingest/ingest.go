package ingest

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"rastro.dev/paletrack/internal/registry"
	"rastro.dev/paletrack/internal/store"
)

// RawSample is the inbound update_position payload. Fields are checked
// once here, at the boundary; nothing downstream touches an unvalidated
// sample. There is no plausibility check (speed, distance) beyond the
// coordinate ranges.
type RawSample struct {
	UserId string  `json:"userId" validate:"required"`
	TripId string  `json:"tripId" validate:"required"`
	Lat    float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng    float64 `json:"lng" validate:"gte=-180,lte=180"`
}

type Reason string

const (
	ReasonNone             Reason = ""
	ReasonNotAuthenticated Reason = "not_authenticated"
	ReasonInvalidSample    Reason = "invalid_sample"
	ReasonSinkBackpressure Reason = "sink_backpressure"
)

type Result struct {
	Accepted bool
	Reason   Reason
}

// Emitter receives every accepted sample. The event layer decides whether
// anything is rebroadcast; ingestion itself never pushes to connections.
type Emitter interface {
	PositionMoved(userId string, lat, lng float64)
}

// Pipeline validates inbound samples, keeps the last-known-position cache
// and drives the durable store. Persistence is best effort: a failed or
// dropped append is logged and the sample is still acknowledged.
type Pipeline struct {
	log      log.Logger
	validate *validator.Validate
	cache    *Cache
	store    store.LocationStore
	emitter  Emitter
}

func NewPipeline(cache *Cache, st store.LocationStore, emitter Emitter) *Pipeline {
	p := &Pipeline{}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "ingest").Value()
	p.validate = validator.New()
	p.cache = cache
	p.store = st
	p.emitter = emitter
	return p
}

func (p *Pipeline) Cache() *Cache {
	return p.cache
}

// Ingest processes one raw update_position payload for c. The caller
// guarantees arrival order per connection; samples from different
// connections may interleave freely.
func (p *Pipeline) Ingest(c *registry.Conn, raw []byte) Result {
	uid := c.UserId()
	if uid == "" {
		p.log.Warn().EmbedObject(c).Msg("sample on unauthenticated connection")
		return Result{Accepted: false, Reason: ReasonNotAuthenticated}
	}
	rs := RawSample{}
	err := json.Unmarshal(raw, &rs)
	if err != nil {
		p.log.Warn().Err(err).EmbedObject(c).Msg("malformed sample payload")
		return Result{Accepted: false, Reason: ReasonInvalidSample}
	}
	err = p.validate.Struct(rs)
	if err != nil {
		p.log.Warn().Err(err).EmbedObject(c).Msg("sample failed validation")
		return Result{Accepted: false, Reason: ReasonInvalidSample}
	}
	if rs.UserId != uid {
		//sample claims an identity other than the one verified at connect time
		p.log.Warn().EmbedObject(c).Str("claimed_user_id", rs.UserId).Msg("sample user id mismatch")
		return Result{Accepted: false, Reason: ReasonInvalidSample}
	}

	now := time.Now().UTC()
	s := store.Sample{UserId: rs.UserId, TripId: rs.TripId, Lat: rs.Lat, Lng: rs.Lng, GpsTime: now, SrvTime: now}
	p.cache.put(s)
	c.SetTrip(rs.TripId)
	c.Touch()

	res := Result{Accepted: true}
	err = p.store.Append(s)
	if err == store.ErrBufferFull {
		p.log.Warn().EmbedObject(c).Msg("sample dropped, store buffer full")
		res.Reason = ReasonSinkBackpressure
	} else if err != nil {
		//best effort, no retry
		p.log.Error().Err(err).EmbedObject(c).Msg("store append failed")
	}
	if p.emitter != nil {
		p.emitter.PositionMoved(rs.UserId, rs.Lat, rs.Lng)
	}
	return res
}
