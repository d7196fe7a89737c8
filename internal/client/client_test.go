package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seuriin/hokgo/internal/cache"
	"github.com/seuriin/hokgo/internal/config"
	"github.com/seuriin/hokgo/internal/daemon"
	"github.com/seuriin/hokgo/internal/store"
	"github.com/seuriin/hokgo/internal/tokenpool"
)

// stubSource stands in for the helper daemon so Fetch tests never spawn
// a child process.
type stubSource struct {
	mu  sync.Mutex
	seq int
}

func (s *stubSource) RequestTokens(ctx context.Context, n int) ([]daemon.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens := make([]daemon.Token, n)
	for i := range tokens {
		s.seq++
		tokens[i] = daemon.Token{Value: fmt.Sprintf("stub-%04d", s.seq), IssuedAt: time.Now()}
	}
	return tokens, nil
}

func (s *stubSource) Start(ctx context.Context) error { return nil }
func (s *stubSource) Stop()                           {}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	pool, err := tokenpool.New(tokenpool.Config{Daemon: &stubSource{}, Store: st, Target: 4, LowWater: 1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	return &Client{
		cfg:   config.Default(),
		store: st,
		cache: cache.New(st),
		pool:  pool,
		http:  &http.Client{Timeout: 5 * time.Second},
	}
}

var traceparentRe = regexp.MustCompile(`^00-[0-9a-f]{32}-[0-9a-f]{16}-01$`)

func TestTraceparentFormat(t *testing.T) {
	a, b := newTraceparent(), newTraceparent()
	if !traceparentRe.MatchString(a) {
		t.Errorf("traceparent %q has wrong shape", a)
	}
	if a == b {
		t.Error("consecutive traceparents are identical")
	}
}

func TestFetchAuthenticatesAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get(tokenHeader) == "" {
			t.Errorf("missing %s header", tokenHeader)
		}
		if tp := r.Header.Get("traceparent"); !traceparentRe.MatchString(tp) {
			t.Errorf("bad traceparent %q", tp)
		}
		if lang := r.Header.Get("camp-language"); lang != "en" {
			t.Errorf("camp-language = %q, want en", lang)
		}
		if region := r.Header.Get("camp-region"); region != "608" {
			t.Errorf("camp-region = %q, want 608", region)
		}
		if got := r.URL.Query().Get("heroId"); got != "123" {
			t.Errorf("heroId = %q, want 123", got)
		}
		_, _ = w.Write([]byte(`{"hero":{"id":123}}`))
	}))
	defer srv.Close()

	c := newTestClient(t)
	ctx := context.Background()
	params := map[string]string{"heroId": "123"}

	first, err := c.Fetch(ctx, srv.URL+"/hero/detail", params)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Fetch(ctx, srv.URL+"/hero/detail", params)
	if err != nil {
		t.Fatal(err)
	}

	if string(first) != string(second) {
		t.Errorf("cached payload %q differs from original %q", second, first)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hit %d times, want 1 (second fetch must come from cache)", n)
	}
}

func TestFetchSendsConfiguredRegion(t *testing.T) {
	var gotRegion atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRegion.Store(r.Header.Get("camp-region"))
		_, _ = w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := newTestClient(t)
	c.cfg.Region = 609

	if _, err := c.Fetch(context.Background(), srv.URL+"/heroes", nil); err != nil {
		t.Fatal(err)
	}
	if got, _ := gotRegion.Load().(string); got != "609" {
		t.Errorf("camp-region = %q, want 609", got)
	}
}

func TestFetchDistinguishesParams(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(r.URL.Query().Get("heroId")))
	}))
	defer srv.Close()

	c := newTestClient(t)
	ctx := context.Background()

	a, err := c.Fetch(ctx, srv.URL+"/hero/detail", map[string]string{"heroId": "1"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Fetch(ctx, srv.URL+"/hero/detail", map[string]string{"heroId": "2"})
	if err != nil {
		t.Fatal(err)
	}
	if string(a) == string(b) {
		t.Error("different params served the same cached payload")
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("server hit %d times, want 2", n)
	}
}

func TestFetchErrorIsNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(t)
	ctx := context.Background()

	if _, err := c.Fetch(ctx, srv.URL+"/heroes", nil); err == nil {
		t.Fatal("Fetch swallowed an HTTP error")
	}

	fail.Store(false)
	body, err := c.Fetch(ctx, srv.URL+"/heroes", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "ok" {
		t.Errorf("body = %q, want ok", body)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("server hit %d times, want 2 (the error must not be cached)", n)
	}
}
