package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/jshufro/offline-cache-proxy/cache"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func register(t *testing.T, r *Registry, cfg Config, s cache.Storage, net Fetcher) *Worker {
	t.Helper()
	w := newTestWorker(t, cfg, s, net, r)
	if err := r.Register(context.Background(), w); err != nil {
		t.Fatalf("Register(%s) error = %v", cfg.Version, err)
	}
	return w
}

func TestRegistry_FirstWorkerControls(t *testing.T) {
	net := newFakeNet()
	net.set(testOrigin+"/", http.StatusOK, "index")
	r := NewRegistry(zaptest.NewLogger(t))

	if _, err := r.Dispatch(context.Background(), getRequest("/")); !errors.Is(err, ErrNotHandled) {
		t.Fatalf("Dispatch() with no worker error = %v, want ErrNotHandled", err)
	}

	w := register(t, r, Config{Version: "cache-v1", CoreAssets: []string{"/"}}, cache.NewMemoryStorage(), net)
	if r.Controller() != w || r.Active() != w || w.State() != Activated {
		t.Fatalf("controller %p active %p state %s; want %p activated", r.Controller(), r.Active(), w.State(), w)
	}

	resp, err := r.Dispatch(context.Background(), getRequest("/"))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "index" {
		t.Errorf("body = %q", body)
	}
}

func TestRegistry_UpgradeSkipWaiting(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	net.set(testOrigin+"/", http.StatusOK, "index")
	s := cache.NewMemoryStorage()
	r := NewRegistry(zaptest.NewLogger(t))

	v1 := register(t, r, Config{Version: "cache-v1", CoreAssets: []string{"/"}, SkipWaiting: true}, s, net)
	v2 := register(t, r, Config{Version: "cache-v2", CoreAssets: []string{"/"}, SkipWaiting: true}, s, net)

	if v1.State() != Redundant {
		t.Errorf("v1 state = %s, want redundant", v1.State())
	}
	if r.Controller() != v2 {
		t.Error("v2 did not claim")
	}
	names, _ := s.Names(ctx)
	if !reflect.DeepEqual(names, []string{"cache-v2"}) {
		t.Errorf("buckets = %v, want [cache-v2]", names)
	}

	// The superseded worker no longer answers
	if _, err := v1.Fetch(ctx, getRequest("/")); !errors.Is(err, ErrNotHandled) {
		t.Errorf("redundant Fetch() error = %v, want ErrNotHandled", err)
	}
}

// hookStorage calls onDelete before removing a bucket.
type hookStorage struct {
	*cache.MemoryStorage
	onDelete func(name string)
}

func (s *hookStorage) Delete(ctx context.Context, name string) (bool, error) {
	if s.onDelete != nil {
		s.onDelete(name)
	}
	return s.MemoryStorage.Delete(ctx, name)
}

func TestRegistry_OldWorkerServesDuringCleanup(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	net.set(testOrigin+"/", http.StatusOK, "index")
	s := &hookStorage{MemoryStorage: cache.NewMemoryStorage()}
	r := NewRegistry(zaptest.NewLogger(t))

	v1 := register(t, r, Config{Version: "cache-v1", CoreAssets: []string{"/"}, SkipWaiting: true}, s, net)

	var (
		body     string
		state    State
		netCalls int
		dispErr  error
	)
	s.onDelete = func(name string) {
		state = v1.State()
		before := net.callCount()
		resp, err := r.Dispatch(ctx, getRequest("/"))
		if err != nil {
			dispErr = err
			return
		}
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		body = string(b)
		netCalls = net.callCount() - before
	}
	v2 := register(t, r, Config{Version: "cache-v2", CoreAssets: []string{"/"}, SkipWaiting: true}, s, net)

	if dispErr != nil {
		t.Fatalf("Dispatch() during cleanup error = %v", dispErr)
	}
	if state != Activated {
		t.Errorf("v1 state during cleanup = %s, want activated", state)
	}
	if body != "index" || netCalls != 0 {
		t.Errorf("cleanup-time fetch got %q with %d network calls, want a cache hit", body, netCalls)
	}
	if v1.State() != Redundant || r.Controller() != v2 {
		t.Errorf("after activation v1 %s, controller %p; want redundant and %p", v1.State(), r.Controller(), v2)
	}
	names, _ := s.Names(ctx)
	if !reflect.DeepEqual(names, []string{"cache-v2"}) {
		t.Errorf("buckets = %v, want [cache-v2]", names)
	}
}

func TestRegistry_FailedInstallKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	net.set(testOrigin+"/", http.StatusOK, "index")
	s := cache.NewMemoryStorage()
	r := NewRegistry(zaptest.NewLogger(t))

	v1 := register(t, r, Config{Version: "cache-v1", CoreAssets: []string{"/"}, SkipWaiting: true}, s, net)

	v2 := newTestWorker(t, Config{Version: "cache-v2", CoreAssets: []string{"/", "/missing.css"}, SkipWaiting: true}, s, net, r)
	if err := r.Register(ctx, v2); err == nil {
		t.Fatal("Register() succeeded with a missing core asset")
	}
	if r.Controller() != v1 || v1.State() != Activated {
		t.Errorf("v1 lost control after a failed upgrade (state %s)", v1.State())
	}
	if r.Waiting() != nil {
		t.Error("failed worker left waiting")
	}

	resp, err := r.Dispatch(ctx, getRequest("/"))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	resp.Body.Close()
}

// gateNet blocks every request until release is closed.
type gateNet struct {
	*fakeNet
	entered chan struct{}
	release chan struct{}
}

func (g *gateNet) Do(req *http.Request) (*http.Response, error) {
	if req.URL.Path == "/slow" {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.fakeNet.Do(req)
}

func TestRegistry_WaitsForInflightFetches(t *testing.T) {
	ctx := context.Background()
	net := &gateNet{
		fakeNet: newFakeNet(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	net.set(testOrigin+"/slow", http.StatusOK, "slow")
	s := cache.NewMemoryStorage()
	// Promotion finishes on its own goroutine, possibly after the test returns
	r := NewRegistry(zap.NewNop())

	v1 := register(t, r, Config{Version: "cache-v1"}, s, net)

	done := make(chan error, 1)
	go func() {
		resp, err := r.Dispatch(ctx, getRequest("/slow"))
		if err == nil {
			resp.Body.Close()
		}
		done <- err
	}()
	<-net.entered

	v2 := register(t, r, Config{Version: "cache-v2"}, s, net)
	if r.Waiting() != v2 || r.Active() != v1 {
		t.Fatalf("v2 should wait while v1 has a fetch in flight (v2 state %s)", v2.State())
	}
	if promoted, _ := r.Promote(ctx); promoted {
		t.Fatal("Promote() activated while a fetch was in flight")
	}

	close(net.release)
	if err := <-done; err != nil {
		t.Fatalf("in-flight Dispatch() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for r.Controller() != v2 || v2.State() != Activated {
		if time.Now().After(deadline) {
			t.Fatal("v2 was not promoted after fetches drained")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if v1.State() != Redundant {
		t.Errorf("v1 state = %s, want redundant", v1.State())
	}
}

func TestRegistry_ClaimRequiresActive(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	w := newTestWorker(t, Config{Version: "cache-v1"}, cache.NewMemoryStorage(), newFakeNet(), r)
	if err := r.Claim(context.Background(), w); !errors.Is(err, ErrNotActive) {
		t.Errorf("Claim() error = %v, want ErrNotActive", err)
	}
}
