package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/viper"

	"rastro.dev/paletrack/internal/auth"
	"rastro.dev/paletrack/internal/broadcast"
	"rastro.dev/paletrack/internal/event"
	"rastro.dev/paletrack/internal/ingest"
	"rastro.dev/paletrack/internal/registry"
	"rastro.dev/paletrack/internal/store"
	"rastro.dev/paletrack/internal/store/logstore"
	"rastro.dev/paletrack/internal/store/pgstore"
	"rastro.dev/paletrack/internal/stream"
	"rastro.dev/paletrack/internal/web"
)

func main() {
	viper.SetDefault("listen_addr", ":3000")
	viper.SetDefault("db_url", "")
	viper.SetDefault("cors_origins", []string{})
	viper.SetDefault("broadcast_positions", false)
	viper.SetDefault("proxy_protocol", false)
	viper.SetDefault("tunnel_addr", "")
	viper.SetDefault("tunnel_token", "")
	viper.SetDefault("nats_url", "")
	viper.SetDefault("store_buf_size", 128)
	viper.SetDefault("store_max_age_flush", "2s")
	viper.SetEnvPrefix("paletrack")
	viper.AutomaticEnv()

	var pool *pgxpool.Pool
	var locstore store.LocationStore
	var verifier auth.Verifier
	var authh *auth.PgAuth

	if dbUrl := viper.GetString("db_url"); dbUrl != "" {
		var err error
		pool, err = pgxpool.Connect(context.Background(), dbUrl)
		if err != nil {
			panic(err.Error())
		}
		pg := pgstore.NewStore(pool, "location", &pgstore.StoreConfig{
			BufSize:     viper.GetInt("store_buf_size"),
			TickerDur:   time.Second,
			MaxAgeFlush: viper.GetDuration("store_max_age_flush"),
		})
		pg.Run()
		locstore = pg
		authh = auth.New(pool)
		verifier = authh
	} else {
		//no database: log-only sink, token taken as the user id
		locstore = logstore.NewStore()
		verifier = auth.MockVerifier{}
	}

	reg := registry.New()
	bc := broadcast.New(reg)
	events, err := event.NewDispatcher(bc, event.DispatcherConfig{
		RebroadcastPositions: viper.GetBool("broadcast_positions"),
		NatsUrl:              viper.GetString("nats_url"),
	})
	if err != nil {
		panic(err.Error())
	}
	pipeline := ingest.NewPipeline(ingest.NewCache(), locstore, events)
	sh := stream.NewHandler(verifier, reg, pipeline, events.IdGen())

	api := web.NewApi(pool, authh, sh, events, &web.ApiConfig{
		ListenAddr:    viper.GetString("listen_addr"),
		CorsOrigins:   viper.GetStringSlice("cors_origins"),
		ProxyProtocol: viper.GetBool("proxy_protocol"),
		TunnelAddr:    viper.GetString("tunnel_addr"),
		TunnelToken:   viper.GetString("tunnel_token"),
	})
	api.Run()
}
