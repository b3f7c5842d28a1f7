package broadcast

import (
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rastro.dev/paletrack/internal/registry"
)

type scopeKind int

const (
	scopeAll scopeKind = iota
	scopeAllExcept
	scopeSubset
)

// Scope selects the recipient set of one broadcast.
type Scope struct {
	kind   scopeKind
	sender string
	subset map[string]bool
}

func All() Scope {
	return Scope{kind: scopeAll}
}

// AllExceptSender delivers to everyone but the originating connection.
func AllExceptSender(cid string) Scope {
	return Scope{kind: scopeAllExcept, sender: cid}
}

func Subset(cids ...string) Scope {
	m := make(map[string]bool, len(cids))
	for _, cid := range cids {
		m[cid] = true
	}
	return Scope{kind: scopeSubset, subset: m}
}

func (s Scope) includes(cid string) bool {
	switch s.kind {
	case scopeAllExcept:
		return cid != s.sender
	case scopeSubset:
		return s.subset[cid]
	default:
		return true
	}
}

type envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Broadcaster fans one event out to the connections selected by a scope.
// Delivery is best effort per recipient: a closed or failing connection is
// counted and skipped, the remaining recipients still get the frame and
// the caller never sees an error. No ordering across recipients.
type Broadcaster struct {
	logger zerolog.Logger
	reg    *registry.Registry
}

func New(reg *registry.Registry) *Broadcaster {
	b := &Broadcaster{}
	b.logger = log.With().Str("module", "broadcast").Logger()
	b.reg = reg
	return b
}

// Broadcast encodes {"event":…,"data":…} once and pushes it to every
// connection the scope selects. Returns delivered and failed counts.
func (b *Broadcaster) Broadcast(event string, data interface{}, scope Scope) (delivered, failed int) {
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		b.logger.Err(err).Str("event", event).Msg("unencodable payload, nothing sent")
		return 0, 0
	}
	for _, c := range b.reg.Snapshot() {
		if !scope.includes(c.Cid()) {
			continue
		}
		closed := c.Push(frame)
		if closed {
			failed++
		} else {
			delivered++
		}
	}
	if failed > 0 {
		b.logger.Debug().Str("event", event).Int("delivered", delivered).Int("failed", failed).Msg("partial delivery")
	}
	return delivered, failed
}
