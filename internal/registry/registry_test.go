package registry

import (
	"testing"
)

func newAuthedConn(t *testing.T, cid, uid string) *Conn {
	t.Helper()
	c := NewConn(cid, nil)
	if err := c.Authenticate(uid); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	c1 := newAuthedConn(t, "c1", "u1")
	if err := r.Register(c1); err != nil {
		t.Fatal(err)
	}
	c2 := newAuthedConn(t, "c1", "u2")
	if err := r.Register(c2); err != ErrDuplicateConn {
		t.Errorf("expected ErrDuplicateConn, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 connection, got %d", r.Len())
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	r := New()
	c := newAuthedConn(t, "c1", "u1")
	if err := r.Register(c); err != nil {
		t.Fatal(err)
	}
	r.Unregister("c1")
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
	r.Unregister("c1")
	if r.Len() != 0 {
		t.Errorf("second unregister changed registry size to %d", r.Len())
	}
	r.Unregister("never-existed")
}

func TestLookupUser(t *testing.T) {
	r := New()
	c := newAuthedConn(t, "c1", "u1")
	if err := r.Register(c); err != nil {
		t.Fatal(err)
	}
	got, ok := r.LookupUser("u1")
	if !ok || got.Cid() != "c1" {
		t.Errorf("expected c1 for u1, got %v %v", got, ok)
	}
	if _, ok := r.LookupUser("u2"); ok {
		t.Error("unexpected hit for unknown user")
	}
	r.Unregister("c1")
	if _, ok := r.LookupUser("u1"); ok {
		t.Error("user lookup survived unregister")
	}
}

func TestLookupUserMultipleConns(t *testing.T) {
	r := New()
	if err := r.Register(newAuthedConn(t, "c1", "u1")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(newAuthedConn(t, "c2", "u1")); err != nil {
		t.Fatal(err)
	}
	got, ok := r.LookupUser("u1")
	if !ok || got.Cid() != "c2" {
		t.Errorf("expected most recent connection c2, got %v %v", got, ok)
	}
	r.Unregister("c2")
	got, ok = r.LookupUser("u1")
	if !ok || got.Cid() != "c1" {
		t.Errorf("expected surviving connection c1, got %v %v", got, ok)
	}
	r.Unregister("c1")
	if _, ok := r.LookupUser("u1"); ok {
		t.Error("user lookup survived last unregister")
	}
}

func TestSnapshot(t *testing.T) {
	r := New()
	for _, cid := range []string{"c1", "c2", "c3"} {
		if err := r.Register(newAuthedConn(t, cid, "u-"+cid)); err != nil {
			t.Fatal(err)
		}
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 connections, got %d", len(snap))
	}
	r.Unregister("c2")
	if len(snap) != 3 {
		t.Error("snapshot mutated after unregister")
	}
}

func TestLifecycleTransitions(t *testing.T) {
	c := NewConn("c1", nil)
	if c.State() != Connecting {
		t.Fatalf("new connection state = %v", c.State())
	}
	if err := c.BeginStreaming(); err == nil {
		t.Error("streaming before authentication should fail")
	}
	if err := c.Authenticate("u1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Authenticate("u2"); err == nil {
		t.Error("second authenticate should fail")
	}
	if c.UserId() != "u1" {
		t.Errorf("user id changed to %s", c.UserId())
	}
	if err := c.BeginStreaming(); err != nil {
		t.Fatal(err)
	}
	if !c.MarkClosed() {
		t.Error("first close should report true")
	}
	if c.MarkClosed() {
		t.Error("second close should be absorbed")
	}
	if c.State() != Closed {
		t.Errorf("state after close = %v", c.State())
	}
}

func TestSetTripOnce(t *testing.T) {
	c := newAuthedConn(t, "c1", "u1")
	c.SetTrip("t1")
	c.SetTrip("t2")
	if c.TripId() != "t1" {
		t.Errorf("trip id rebound to %s", c.TripId())
	}
}

func TestPushOnClosedConn(t *testing.T) {
	c := newAuthedConn(t, "c1", "u1")
	c.MarkClosed()
	if !c.Push([]byte("x")) {
		t.Error("push on closed connection should report closed")
	}
}
