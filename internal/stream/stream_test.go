package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"rastro.dev/paletrack/internal/auth"
	"rastro.dev/paletrack/internal/ingest"
	"rastro.dev/paletrack/internal/registry"
	"rastro.dev/paletrack/internal/store"
)

type mockVerifier struct{}

func (mockVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "tok-u1" {
		return "u1", nil
	}
	return "", auth.ErrInvalidToken
}

type fakeStore struct {
	mu      sync.Mutex
	appends []store.Sample
}

func (f *fakeStore) Append(s store.Sample) error {
	f.mu.Lock()
	f.appends = append(f.appends, s)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appends)
}

func (f *fakeStore) sample(i int) store.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appends[i]
}

func testIds() func() string {
	var n uint64
	return func() string {
		return "cid-" + strconv.FormatUint(atomic.AddUint64(&n, 1), 10)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	if tok := bearerToken(r); tok != "" {
		t.Errorf("token without header = %q", tok)
	}
	r.Header.Set("Authorization", "Bearer abc123")
	if tok := bearerToken(r); tok != "abc123" {
		t.Errorf("token = %q", tok)
	}
	r.Header.Set("Authorization", "Basic abc123")
	if tok := bearerToken(r); tok != "" {
		t.Errorf("non-bearer scheme yielded %q", tok)
	}
}

func TestRejectedCredentialNeverRegistered(t *testing.T) {
	fs := &fakeStore{}
	reg := registry.New()
	p := ingest.NewPipeline(ingest.NewCache(), fs, nil)
	srv := httptest.NewServer(NewHandler(mockVerifier{}, reg, p, testIds()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	//credential as first frame, and a bad one
	if err := ws.Write(ctx, websocket.MessageText, []byte("wrong-token")); err != nil {
		t.Fatal(err)
	}
	_, _, err = ws.Read(ctx)
	if err == nil {
		t.Fatal("expected the server to close after a rejected credential")
	}
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("rejected connection was registered: %d", reg.Len())
	}
	if fs.count() != 0 {
		t.Error("store touched by a rejected connection")
	}
}

func TestStreamEndToEnd(t *testing.T) {
	fs := &fakeStore{}
	reg := registry.New()
	p := ingest.NewPipeline(ingest.NewCache(), fs, nil)
	srv := httptest.NewServer(NewHandler(mockVerifier{}, reg, p, testIds()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer tok-u1")
	ws, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	waitFor(t, "registration", func() bool {
		c, ok := reg.LookupUser("u1")
		return ok && c.State() == registry.Streaming
	})

	frames := []string{
		`{"event":"update_position","data":{"userId":"u1","tripId":"t1","lat":10.0,"lng":20.0}}`,
		`{"event":"update_position","data":{"userId":"u1","tripId":"t1","lat":11.0,"lng":21.0}}`,
	}
	for _, f := range frames {
		if err := ws.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "two appends", func() bool { return fs.count() == 2 })

	first := fs.sample(0)
	if first.UserId != "u1" || first.TripId != "t1" || first.Lat != 10 || first.Lng != 20 {
		t.Errorf("first append fields wrong: %+v", first)
	}
	last, ok := p.Cache().Get("u1")
	if !ok || last.Lat != 11 || last.Lng != 21 {
		t.Errorf("cache holds %+v %v after second sample", last, ok)
	}

	ws.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "unregistration", func() bool { return reg.Len() == 0 })
}

func TestPushQueueBounded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cl := &client{ctx: ctx, cancel: cancel, out: make(chan []byte, 2)}

	for i := 0; i < 3; i++ {
		if closed := cl.Push([]byte{byte(i)}); closed {
			t.Fatal("push on live connection reported closed")
		}
	}
	if cl.pushed != 2 || cl.skipped != 1 {
		t.Errorf("pushed=%d skipped=%d", cl.pushed, cl.skipped)
	}
}

func TestPushAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cl := &client{ctx: ctx, cancel: cancel, out: make(chan []byte, 2)}
	cancel()
	if closed := cl.Push([]byte("x")); !closed {
		t.Error("push after cancel should report closed")
	}
}
