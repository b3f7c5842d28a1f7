package pgstore

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"rastro.dev/paletrack/internal/store"
	"rastro.dev/paletrack/internal/util"
)

// Store batches position samples into a write buffer and copies them to
// postgres from a separate flusher task. Two buffers are swapped on flush;
// Append never waits on the database. The buffer is bounded: while a flush
// is still outstanding and the write buffer is full, Append fails with
// store.ErrBufferFull instead of growing without limit.
type Store struct {
	config *StoreConfig
	//cond.L guards rbuf and pending, wlock guards wbuf; lock order is
	//always wlock before cond.L
	cond    *sync.Cond
	wlock   *sync.Mutex
	rbuf    buffer
	wbuf    buffer
	pending bool
	dbc     *pgxpool.Conn
	dbp     *pgxpool.Pool
	log     log.Logger
	table   string
}

type StoreConfig struct {
	BufSize     int
	TickerDur   time.Duration
	MaxAgeFlush time.Duration
}

type buffer struct {
	seq uint64
	t1  time.Time
	t2  time.Time
	buf []store.Sample
}

func new_buffer(seq uint64, len int) buffer {
	return buffer{seq: seq, buf: make([]store.Sample, 0, len)}
}

func NewStore(db *pgxpool.Pool, table string, config *StoreConfig) *Store {
	o := &Store{}
	o.config = config
	o.table = table
	o.dbp = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	o.wbuf = new_buffer(0, o.config.BufSize)
	o.wlock = &sync.Mutex{}
	o.cond = sync.NewCond(&sync.Mutex{})
	return o
}

func (st *Store) Run() {
	var err error
	st.dbc, err = st.dbp.Acquire(context.Background())
	if err != nil {
		st.log.Error().Err(err).Msg("unable to acquire connection for flusher")
		return
	}
	go st.timer_flusher()
	go st.handle()
}

func (st *Store) timer_flusher() {
	ticker := time.NewTicker(st.config.TickerDur)
	for t := range ticker.C {
		st.wlock.Lock()
		if len(st.wbuf.buf) != 0 && t.Sub(st.wbuf.t1) > st.config.MaxAgeFlush {
			st.flush()
		}
		st.wlock.Unlock()
	}
}

func (st *Store) Append(s store.Sample) error {
	st.wlock.Lock()
	defer st.wlock.Unlock()
	if len(st.wbuf.buf) == st.config.BufSize {
		//previous flush not consumed yet, drop instead of growing
		return store.ErrBufferFull
	}
	if len(st.wbuf.buf) == 0 {
		st.wbuf.t1 = time.Now().UTC()
	}
	st.wbuf.buf = append(st.wbuf.buf, s)
	if len(st.wbuf.buf) == st.config.BufSize {
		st.flush()
	}
	return nil
}

// flush hands the write buffer to the flusher task if the previous handoff
// was consumed, otherwise leaves it in place for a later attempt. Called
// with wlock held.
func (st *Store) flush() {
	st.cond.L.Lock()
	if st.pending {
		st.cond.L.Unlock()
		return
	}
	next := st.wbuf.seq + 1
	st.wbuf.t2 = time.Now().UTC()
	st.rbuf = st.wbuf
	st.pending = true
	st.cond.L.Unlock()
	st.cond.Signal()
	st.wbuf = new_buffer(next, st.config.BufSize)
}

// next_batch parks until a handoff is pending and returns it. The wait is
// predicate-based so a Signal fired before the flusher task reached Wait
// is not lost.
func (st *Store) next_batch() buffer {
	st.cond.L.Lock()
	for !st.pending {
		st.cond.Wait()
	}
	buf := st.rbuf
	st.cond.L.Unlock()
	return buf
}

func (st *Store) batch_done() {
	st.cond.L.Lock()
	st.pending = false
	st.cond.L.Unlock()
}

func (st *Store) handle() {
	var err error
	st.log.Info().Msg("starting flusher task")
	for {
		buf := st.next_batch()
		st.log.Debug().Msg("flusher task signalled")
		t1 := time.Now()
		_, err = st.dbc.CopyFrom(context.Background(),
			pgx.Identifier{st.table},
			[]string{"id", "user_id", "trip_id", "latitude", "longitude", "gps_time", "server_time"},
			pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
				d := buf.buf[i]
				return []interface{}{util.GenUUID(), d.UserId, d.TripId, d.Lat, d.Lng, d.GpsTime, d.SrvTime}, nil
			}))
		st.batch_done()
		if err != nil {
			st.log.Error().Err(err).Msg("flush error")
		} else {
			st.log.Debug().Str("action", "flush").Int("length", len(buf.buf)).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
		}
	}
}
