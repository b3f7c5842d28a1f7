package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"

	"rastro.dev/paletrack/internal/auth"
	"rastro.dev/paletrack/internal/ingest"
	"rastro.dev/paletrack/internal/registry"
)

const (
	NEW_CONNECTION        string = "new_connection"
	AUTH_FAILED           string = "auth_failed"
	REGISTER_FAILED       string = "register_failed"
	CONNECTION_CLOSED     string = "connection_closed"
	EVENT_UPDATE_POSITION string = "update_position"
)

// Handler upgrades inbound requests to websocket connections and drives
// each connection through its lifecycle: accept, verify the credential,
// register, stream position updates, unregister on any termination.
type Handler struct {
	log      log.Logger
	verifier auth.Verifier
	reg      *registry.Registry
	pipeline *ingest.Pipeline
	idgen    func() string
}

func NewHandler(verifier auth.Verifier, reg *registry.Registry, pipeline *ingest.Pipeline, idgen func() string) *Handler {
	h := &Handler{}
	h.log = log.DefaultLogger
	h.log.Context = log.NewContext(nil).Str("module", "stream").Value()
	h.verifier = verifier
	h.reg = reg
	h.pipeline = pipeline
	h.idgen = idgen
	return h
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type client struct {
	log    log.Logger
	h      *Handler
	ws     *websocket.Conn
	conn   *registry.Conn
	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte

	pushed  uint64
	skipped uint64
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("error while upgrading websocket")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cl := &client{h: h, ws: ws, ctx: ctx, cancel: cancel, out: make(chan []byte, 64)}
	cl.log = h.log
	cid := h.idgen()
	cl.conn = registry.NewConn(cid, cl)
	h.log.Info().Str("event", NEW_CONNECTION).Str("cid", cid).Str("remote", r.RemoteAddr).Msg("")

	token := bearerToken(r)
	if token == "" {
		//no header credential, the first frame must carry the token
		readCtx, rcancel := context.WithTimeout(r.Context(), 5*time.Second)
		_, msg, err := ws.Read(readCtx)
		rcancel()
		if err != nil {
			h.log.Error().Err(err).Str("cid", cid).Msg("error while reading auth token")
			cl.close(websocket.StatusPolicyViolation, "no credential")
			return
		}
		token = strings.TrimSpace(string(msg))
	}
	uid, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		h.log.Info().Str("event", AUTH_FAILED).Str("cid", cid).Msg("credential rejected")
		cl.close(websocket.StatusPolicyViolation, "invalid token")
		return
	}
	_ = cl.conn.Authenticate(uid)
	err = h.reg.Register(cl.conn)
	if err != nil {
		h.log.Error().Err(err).Str("event", REGISTER_FAILED).Str("cid", cid).Msg("")
		cl.close(websocket.StatusInternalError, "not registered")
		return
	}
	_ = cl.conn.BeginStreaming()

	go cl.writeLoop()
	cl.readLoop()
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return ""
}

// readLoop processes inbound frames one at a time, which keeps one
// connection's samples in arrival order. Any read error ends the
// connection.
func (cl *client) readLoop() {
	for {
		_, msg, err := cl.ws.Read(cl.ctx)
		if err != nil {
			cl.close(websocket.StatusNormalClosure, "")
			return
		}
		env := envelope{}
		err = json.Unmarshal(msg, &env)
		if err != nil {
			cl.log.Warn().Err(err).EmbedObject(cl.conn).Msg("unparseable frame")
			continue
		}
		switch env.Event {
		case EVENT_UPDATE_POSITION:
			res := cl.h.pipeline.Ingest(cl.conn, env.Data)
			if !res.Accepted {
				cl.log.Debug().EmbedObject(cl.conn).Str("reason", string(res.Reason)).Msg("sample rejected")
			}
		default:
			cl.log.Debug().EmbedObject(cl.conn).Str("frame_event", env.Event).Msg("unknown frame event")
		}
	}
}

func (cl *client) writeLoop() {
	for {
		select {
		case <-cl.ctx.Done():
			return
		case d := <-cl.out:
			err := cl.ws.Write(cl.ctx, websocket.MessageText, d)
			if err != nil {
				cl.log.Debug().Err(err).EmbedObject(cl.conn).Msg("error while writing to connection")
				cl.close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

// Push queues one frame for delivery. A full queue skips the frame rather
// than blocking the broadcaster; only a closed connection reports true.
func (cl *client) Push(d []byte) bool {
	select {
	case <-cl.ctx.Done():
		return true
	default:
	}
	select {
	case cl.out <- d:
		atomic.AddUint64(&cl.pushed, 1)
	default:
		atomic.AddUint64(&cl.skipped, 1)
	}
	return false
}

// close tears the connection down exactly once: late disconnect signals
// only find the Closed state and return. In-flight store writes are not
// cancelled, they complete or fail on their own.
func (cl *client) close(code websocket.StatusCode, reason string) {
	if !cl.conn.MarkClosed() {
		return
	}
	cl.h.reg.Unregister(cl.conn.Cid())
	cl.cancel()
	_ = cl.ws.Close(code, reason)
	cl.log.Info().Str("event", CONNECTION_CLOSED).EmbedObject(cl.conn).Uint64("pushed", atomic.LoadUint64(&cl.pushed)).Uint64("skipped", atomic.LoadUint64(&cl.skipped)).Msg("")
}
