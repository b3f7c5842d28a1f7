package registry

import (
	"errors"
	"sync"

	"github.com/phuslu/log"
)

var ErrDuplicateConn = errors.New("registry: connection id already registered")

// Registry tracks every live streaming connection, keyed by connection id
// and by user id. A single mutex guards both maps; registrations and
// lookups are short and the expected connection count is small, so
// contention on one lock is not a concern here.
type Registry struct {
	mu    sync.Mutex
	log   log.Logger
	conns map[string]*Conn
	users map[string]string
}

func New() *Registry {
	r := &Registry{}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "registry").Value()
	r.conns = make(map[string]*Conn)
	r.users = make(map[string]string)
	return r
}

// Register records an authenticated connection. A connection id that is
// already present fails with ErrDuplicateConn; this is a programmer or
// race error, logged and rejected, never fatal. A user may be registered
// on several connections at once; LookupUser resolves to the most
// recently registered one.
func (r *Registry) Register(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.Cid()]; ok {
		r.log.Error().EmbedObject(c).Msg("duplicate connection id")
		return ErrDuplicateConn
	}
	r.conns[c.Cid()] = c
	if uid := c.UserId(); uid != "" {
		r.users[uid] = c.Cid()
	}
	return nil
}

// Unregister removes a connection. Unknown ids are a no-op: disconnect can
// race with explicit cleanup and both sides may call this.
func (r *Registry) Unregister(cid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[cid]
	if !ok {
		return
	}
	delete(r.conns, cid)
	uid := c.UserId()
	if uid == "" || r.users[uid] != cid {
		return
	}
	delete(r.users, uid)
	//a user may hold several connections; keep the index pointing at a
	//surviving one
	for ocid, oc := range r.conns {
		if oc.UserId() == uid {
			r.users[uid] = ocid
			break
		}
	}
}

func (r *Registry) Lookup(cid string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[cid]
	return c, ok
}

func (r *Registry) LookupUser(userId string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cid, ok := r.users[userId]
	if !ok {
		return nil, false
	}
	c, ok := r.conns[cid]
	return c, ok
}

// Snapshot returns the registered connections as they were at call time.
func (r *Registry) Snapshot() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
