package cache

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/seuriin/hokgo/internal/store"
)

func openTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func TestPutGetRoundTrip(t *testing.T) {
	st, _ := openTestStore(t)
	c := New(st)
	ctx := context.Background()

	payload := []byte(`{"heroes":[{"id":123}]}`)
	if err := c.Put(ctx, "heroes:all:en", payload, time.Hour); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Get(ctx, "heroes:all:en")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("entry not found immediately after Put")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestGetMissingKey(t *testing.T) {
	st, _ := openTestStore(t)
	c := New(st)

	_, ok, err := c.Get(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Get returned ok for an absent key")
	}
}

func TestExpiredEntryIsAMiss(t *testing.T) {
	st, _ := openTestStore(t)
	c := New(st)
	ctx := context.Background()

	now := time.Now()
	c.now = func() time.Time { return now }
	if err := c.Put(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}

	// Just before expiry: hit.
	c.now = func() time.Time { return now.Add(59 * time.Second) }
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Fatal("entry expired early")
	}

	// At and after expiry: miss, not stale-but-usable.
	c.now = func() time.Time { return now.Add(time.Minute) }
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("Get returned an expired entry")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	st, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := New(st).Put(ctx, "heroes:all:en", []byte("payload"), time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulates a new process opening the same file.
	st2, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = st2.Close() }()

	got, ok, err := New(st2).Get(ctx, "heroes:all:en")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(got) != "payload" {
		t.Errorf("after reopen: ok=%v payload=%q", ok, got)
	}
}

func TestPutOverwrites(t *testing.T) {
	st, _ := openTestStore(t)
	c := New(st)
	ctx := context.Background()

	if err := c.Put(ctx, "k", []byte("old"), time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := c.Put(ctx, "k", []byte("new"), time.Hour); err != nil {
		t.Fatal(err)
	}
	got, ok, _ := c.Get(ctx, "k")
	if !ok || string(got) != "new" {
		t.Errorf("got %q, want %q", got, "new")
	}
}

func TestPutRejectsNonPositiveTTL(t *testing.T) {
	st, _ := openTestStore(t)
	c := New(st)
	if err := c.Put(context.Background(), "k", []byte("v"), 0); err == nil {
		t.Error("Put accepted zero TTL")
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	st, _ := openTestStore(t)
	c := New(st)
	ctx := context.Background()

	now := time.Now()
	c.now = func() time.Time { return now }
	if err := c.Put(ctx, "short", []byte("a"), time.Second); err != nil {
		t.Fatal(err)
	}
	if err := c.Put(ctx, "long", []byte("b"), time.Hour); err != nil {
		t.Fatal(err)
	}

	c.now = func() time.Time { return now.Add(time.Minute) }
	n, err := c.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Sweep removed %d rows, want 1", n)
	}
	if _, ok, _ := c.Get(ctx, "long"); !ok {
		t.Error("Sweep removed a live entry")
	}

	live, expired, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if live != 1 || expired != 0 {
		t.Errorf("Stats = (%d live, %d expired), want (1, 0)", live, expired)
	}
}

func TestConcurrentPutsLastWriteWins(t *testing.T) {
	st, _ := openTestStore(t)
	c := New(st)
	ctx := context.Background()

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(i int) {
			done <- c.Put(ctx, "contended", []byte{byte('a' + i)}, time.Hour)
		}(i)
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}

	got, ok, err := c.Get(ctx, "contended")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if len(got) != 1 || got[0] < 'a' || got[0] > 'h' {
		t.Errorf("payload %q is not one of the written values", got)
	}
}
