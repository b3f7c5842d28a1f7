package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/phuslu/log"
)

// State is the lifecycle state of one connection. Transitions only move
// forward: Connecting -> Authenticated -> Streaming -> Closed. Closed is
// terminal, a connection id is never resurrected.
type State int

const (
	Connecting State = iota
	Authenticated
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Streaming:
		return "streaming"
	default:
		return "closed"
	}
}

var errBadTransition = errors.New("registry: invalid state transition")

// Pusher is the outbound side of a connection. Push hands one encoded
// frame to the transport and reports true when the receiver is already
// closed, in which case the caller should forget the connection.
type Pusher interface {
	Push(d []byte) bool
}

// Conn represents one live streaming connection. The user id is set once,
// when the identity verifier approves the presented credential, and never
// changes afterwards. The trip id is set by the first valid sample that
// names one.
type Conn struct {
	mu       sync.Mutex
	cid      string
	userId   string
	tripId   string
	lastSeen time.Time
	state    State
	sink     Pusher
}

// NewConn returns a connection in Connecting state. sink may be nil for
// connections that never receive pushes (tests, one-way devices).
func NewConn(cid string, sink Pusher) *Conn {
	return &Conn{cid: cid, sink: sink, state: Connecting, lastSeen: time.Now().UTC()}
}

func (c *Conn) Cid() string { return c.cid }

func (c *Conn) UserId() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userId
}

func (c *Conn) TripId() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tripId
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Authenticate binds the verified user id and moves Connecting -> Authenticated.
func (c *Conn) Authenticate(userId string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connecting {
		return errBadTransition
	}
	c.userId = userId
	c.state = Authenticated
	return nil
}

// BeginStreaming moves Authenticated -> Streaming. Called after the
// registry accepted the connection.
func (c *Conn) BeginStreaming() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Authenticated {
		return errBadTransition
	}
	c.state = Streaming
	return nil
}

// SetTrip records the trip id once; later samples naming a different trip
// do not rebind the session.
func (c *Conn) SetTrip(tripId string) {
	c.mu.Lock()
	if c.tripId == "" {
		c.tripId = tripId
	}
	c.mu.Unlock()
}

func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now().UTC()
	c.mu.Unlock()
}

func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// MarkClosed moves the connection to Closed from any state. It reports
// whether this call did the closing; repeated disconnect signals are
// absorbed as no-ops.
func (c *Conn) MarkClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return false
	}
	c.state = Closed
	return true
}

// Push forwards one frame to the connection's transport. Reports true when
// the connection is closed.
func (c *Conn) Push(d []byte) bool {
	c.mu.Lock()
	closed := c.state == Closed
	sink := c.sink
	c.mu.Unlock()
	if closed || sink == nil {
		return true
	}
	return sink.Push(d)
}

func (c *Conn) MarshalObject(e *log.Entry) {
	e.Str("cid", c.cid).Str("user_id", c.UserId()).Str("state", c.State().String())
}
