package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v4/pgxpool"

	"rastro.dev/paletrack/internal/util"
)

type TripModel struct {
	TripId    string    `json:"tripId"`
	UserId    string    `json:"userId"`
	Samples   int       `json:"samples"`
	StartedAt time.Time `json:"startedAt"`
	LastAt    time.Time `json:"lastAt"`
}

type TripPointModel struct {
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lng"`
	GpsTime    time.Time `json:"gpsTime"`
	ServerTime time.Time `json:"serverTime"`
}

// trips is the query side of the durable sink.
type trips struct {
	db *pgxpool.Pool
}

func newTrips(db *pgxpool.Pool) *trips {
	return &trips{db: db}
}

func (t *trips) list(w http.ResponseWriter, r *http.Request) {
	sqlStmt := `SELECT trip_id,user_id,count(*),min(server_time),max(server_time)
	FROM location GROUP BY trip_id,user_id ORDER BY max(server_time) DESC`
	rows, err := t.db.Query(r.Context(), sqlStmt)
	if err != nil {
		panic(err)
	}
	defer rows.Close()
	out := make([]*TripModel, 0)
	for rows.Next() {
		m := &TripModel{}
		err := rows.Scan(&m.TripId, &m.UserId, &m.Samples, &m.StartedAt, &m.LastAt)
		if err != nil {
			panic(err)
		}
		out = append(out, m)
	}
	util.JsonWrite(w, out)
}

func (t *trips) get(w http.ResponseWriter, r *http.Request) {
	tripId := chi.URLParam(r, "tripId")
	sqlStmt := `SELECT latitude,longitude,gps_time,server_time
	FROM location WHERE trip_id = $1 ORDER BY server_time`
	rows, err := t.db.Query(r.Context(), sqlStmt, tripId)
	if err != nil {
		panic(err)
	}
	defer rows.Close()
	out := make([]*TripPointModel, 0)
	for rows.Next() {
		p := &TripPointModel{}
		err := rows.Scan(&p.Latitude, &p.Longitude, &p.GpsTime, &p.ServerTime)
		if err != nil {
			panic(err)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	util.JsonWrite(w, out)
}
