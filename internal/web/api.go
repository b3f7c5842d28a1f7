package web

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hashicorp/yamux"
	"github.com/jackc/pgx/v4/pgxpool"
	proxyproto "github.com/pires/go-proxyproto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rastro.dev/paletrack/internal/auth"
	"rastro.dev/paletrack/internal/event"
	"rastro.dev/paletrack/internal/util"
)

type ApiConfig struct {
	ListenAddr string
	// CorsOrigins defaults to a wildcard, which is fine for development
	// and unsafe for production deployments.
	CorsOrigins []string
	// ProxyProtocol wraps the listener for deployments behind a proxy
	// that speaks the PROXY protocol.
	ProxyProtocol bool
	// TunnelAddr, when set, additionally serves connections through a
	// yamux session dialled out to a relay. TunnelToken authenticates
	// the dial.
	TunnelAddr  string
	TunnelToken string
}

// Api is the single HTTP surface: liveness, auth endpoints, trip history,
// the admin reset and the websocket mount.
type Api struct {
	r      chi.Router
	s      *http.Server
	config *ApiConfig
	logger zerolog.Logger
	events *event.Dispatcher
}

func NewApi(db *pgxpool.Pool, authh *auth.PgAuth, streamHandler http.Handler, events *event.Dispatcher, config *ApiConfig) *Api {
	api := &Api{config: config, events: events}
	api.logger = log.With().Str("module", "api").Logger()
	origins := config.CorsOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("paletrack ok"))
	})
	r.Handle("/ws", streamHandler)
	r.Post("/api/admin/resetar", api.resetar)
	if authh != nil {
		r.Post("/api/auth/signup", authh.Signup)
		r.Post("/api/auth/login", authh.Login)
	}
	if db != nil {
		trips := newTrips(db)
		r.Get("/api/trips", trips.list)
		r.Get("/api/trips/{tripId}", trips.get)
	} else {
		api.logger.Warn().Msg("no database, trip history endpoints disabled")
	}

	api.r = r
	//no WriteTimeout: the websocket mount holds connections open
	api.s = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        r,
		MaxHeaderBytes: 1 << 20,
	}
	return api
}

// resetar notifies every connected client that the system was reset.
func (api *Api) resetar(w http.ResponseWriter, r *http.Request) {
	api.events.SystemError("sistema reiniciado")
	util.JsonWrite(w, map[string]bool{"ok": true})
}

func (api *Api) Run() {
	api.logger.Info().Msgf("starting api on %s", api.config.ListenAddr)
	ln, err := net.Listen("tcp", api.config.ListenAddr)
	if err != nil {
		panic(err)
	}
	if api.config.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	if api.config.TunnelAddr != "" {
		go api.runTunnel()
	}
	err = api.s.Serve(ln)
	if err != nil {
		panic(err)
	}
}

// runTunnel dials out to a relay, authenticates with the configured token
// and serves HTTP over the accepted yamux streams. Reconnects forever.
func (api *Api) runTunnel() {
	runLoop := func() {
		api.logger.Info().Msgf("dialling tunnel %s", api.config.TunnelAddr)
		yconn, err := net.Dial("tcp", api.config.TunnelAddr)
		if err != nil {
			api.logger.Err(err).Msg("unable to dial tunnel server")
			return
		}
		_, err = yconn.Write([]byte(api.config.TunnelToken))
		if err != nil {
			yconn.Close()
			api.logger.Err(err).Msg("unable to authenticate with tunnel server")
			return
		}
		status := []byte{0}
		_, err = yconn.Read(status)
		if err != nil {
			yconn.Close()
			api.logger.Err(err).Msg("unable to authenticate with tunnel server")
			return
		}
		if status[0] != '+' {
			api.logger.Error().Msg("tunnel rejected")
			return
		}
		api.logger.Info().Msg("tunnel accepted")
		session, err := yamux.Client(yconn, nil)
		if err != nil {
			api.logger.Err(err).Msg("unable to open yamux session")
			return
		}
		err = api.s.Serve(session)
		if err != nil {
			api.logger.Err(err).Msg("tunnel serve ended")
		}
	}
	for {
		t0 := time.Now()
		runLoop()
		if time.Since(t0) > 10*time.Second {
			time.Sleep(1 * time.Second)
		} else {
			time.Sleep(5 * time.Second)
		}
	}
}
