package event

import (
	"context"
	"encoding/json"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rastro.dev/paletrack/internal/broadcast"
)

const (
	TopicPaleteMovimentado = "palete.movimentado"
	TopicSistemaErro       = "sistema.erro"
)

// Moved is the payload of the palete_movimentado frame sent to observers.
type Moved struct {
	Id  string  `json:"id"`
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// SystemError is the payload of the erro_sistema frame.
type SystemError struct {
	Msg string `json:"msg"`
}

type DispatcherConfig struct {
	// RebroadcastPositions turns accepted position samples into
	// palete_movimentado broadcasts. Off by default: positions are
	// persisted but not echoed to other connections, only system events
	// go out unconditionally.
	RebroadcastPositions bool
	// NatsUrl, when set, mirrors every dispatched event to a NATS subject
	// for consumers outside this process.
	NatsUrl string
}

// Dispatcher routes domain events from their producers (ingest, admin
// surface) to the fan-out broadcaster through an in-process bus, so
// producers never touch connections directly and the rebroadcast policy
// lives in exactly one place.
type Dispatcher struct {
	logger zerolog.Logger
	bus    *bus.Bus
	idgen  func() string
	bc     *broadcast.Broadcaster
	config DispatcherConfig
	nc     *nats.Conn
}

func NewDispatcher(bc *broadcast.Broadcaster, config DispatcherConfig) (*Dispatcher, error) {
	d := &Dispatcher{}
	d.logger = log.With().Str("module", "event").Logger()
	d.bc = bc
	d.config = config

	m, err := monoton.New(sequencer.NewMillisecond(), 1, 0)
	if err != nil {
		return nil, err
	}
	d.idgen = m.Next
	var next bus.Next = m.Next
	b, err := bus.NewBus(next)
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(TopicPaleteMovimentado, TopicSistemaErro)
	b.RegisterHandler("fanout-moved", bus.Handler{Matcher: TopicPaleteMovimentado, Handle: d.handleMoved})
	b.RegisterHandler("fanout-system", bus.Handler{Matcher: TopicSistemaErro, Handle: d.handleSystemError})
	d.bus = b

	if config.NatsUrl != "" {
		nc, err := nats.Connect(config.NatsUrl)
		if err != nil {
			return nil, err
		}
		d.nc = nc
	}
	return d, nil
}

// IdGen exposes the monotonic id generator, also used for connection ids.
func (d *Dispatcher) IdGen() func() string {
	return d.idgen
}

// PositionMoved implements ingest.Emitter.
func (d *Dispatcher) PositionMoved(userId string, lat, lng float64) {
	err := d.bus.Emit(context.Background(), TopicPaleteMovimentado, Moved{Id: userId, Lat: lat, Lng: lng})
	if err != nil {
		d.logger.Err(err).Msg("emit failed")
	}
}

// SystemError notifies every connected client of a system-wide condition.
func (d *Dispatcher) SystemError(msg string) {
	err := d.bus.Emit(context.Background(), TopicSistemaErro, SystemError{Msg: msg})
	if err != nil {
		d.logger.Err(err).Msg("emit failed")
	}
}

func (d *Dispatcher) handleMoved(ctx context.Context, e bus.Event) {
	moved, ok := e.Data.(Moved)
	if !ok {
		return
	}
	if d.config.RebroadcastPositions {
		d.bc.Broadcast("palete_movimentado", moved, broadcast.All())
	}
	d.mirror(e)
}

func (d *Dispatcher) handleSystemError(ctx context.Context, e bus.Event) {
	se, ok := e.Data.(SystemError)
	if !ok {
		return
	}
	d.bc.Broadcast("erro_sistema", se, broadcast.All())
	d.mirror(e)
}

func (d *Dispatcher) mirror(e bus.Event) {
	if d.nc == nil {
		return
	}
	b, err := json.Marshal(e.Data)
	if err != nil {
		return
	}
	err = d.nc.Publish("paletrack.events."+e.Topic, b)
	if err != nil {
		d.logger.Err(err).Str("topic", e.Topic).Msg("nats mirror failed")
	}
}
