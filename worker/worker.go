// Package worker implements a cache-first offline worker: it populates a
// versioned bucket with core assets on install, deletes every other bucket on
// activation, and answers GET fetches from the bucket before the network.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/jshufro/offline-cache-proxy/cache"
	"github.com/jshufro/offline-cache-proxy/metrics"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotHandled means the worker declined the request and the host
	// should fall back to plain networking.
	ErrNotHandled = errors.New("request not handled by worker")
	ErrNotActive  = errors.New("worker is not active")
)

// Config is fixed at deploy time.
type Config struct {
	// Version names the worker's bucket. Changing it invalidates every
	// previously cached response.
	Version    string   `yaml:"version" env:"VERSION"`
	CoreAssets []string `yaml:"core_assets" env:"CORE_ASSETS"`
	// SkipWaiting activates the worker as soon as it is installed.
	SkipWaiting bool `yaml:"skip_waiting" env:"SKIP_WAITING"`
	// MaxEntrySize is the largest body, in bytes, stored by Fetch. Larger
	// responses are passed through uncached. Zero means no limit.
	MaxEntrySize int64 `yaml:"max_entry_size" env:"MAX_ENTRY_SIZE"`
}

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Clients lets a worker change which worker serves the host's requests.
type Clients interface {
	SkipWaiting(w *Worker)
	Claim(ctx context.Context, w *Worker) error
}

type Worker struct {
	cfg     Config
	origin  *url.URL
	storage cache.Storage
	fetcher Fetcher
	clients Clients
	logger  *zap.Logger
	// origins the worker answers for, scheme://host
	origins map[string]bool

	state       atomic.Int32
	skipWaiting atomic.Bool

	mu     sync.Mutex
	bucket cache.Bucket
}

// New creates a worker in the Parsed state. Relative core assets and
// relative request URLs resolve against origin. The worker only answers
// requests for origin and for the origins of absolute core assets.
// clients may be nil.
func New(cfg Config, origin *url.URL, storage cache.Storage, fetcher Fetcher, clients Clients, logger *zap.Logger) *Worker {
	origins := map[string]bool{originOf(origin): true}
	for _, asset := range cfg.CoreAssets {
		if ref, err := url.Parse(asset); err == nil && ref.IsAbs() {
			origins[originOf(ref)] = true
		}
	}
	return &Worker{
		cfg:     cfg,
		origin:  origin,
		storage: storage,
		fetcher: fetcher,
		clients: clients,
		logger:  logger.With(zap.String("version", cfg.Version)),
		origins: origins,
	}
}

func (w *Worker) Version() string {
	return w.cfg.Version
}

func (w *Worker) Config() Config {
	return w.cfg
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

func (w *Worker) transition(from, to State) error {
	if !w.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("worker %s cannot move to %s from %s", w.cfg.Version, to, w.State())
	}
	return nil
}

// SkipWaiting asks the host to activate this worker without waiting for the
// current one to go idle.
func (w *Worker) SkipWaiting() {
	w.skipWaiting.Store(true)
	if w.clients != nil {
		w.clients.SkipWaiting(w)
	}
}

func (w *Worker) SkippedWaiting() bool {
	return w.skipWaiting.Load()
}

// Install opens the worker's bucket and stores every core asset in it.
// If any asset cannot be fetched nothing is stored and the worker becomes
// redundant; the host may retry with a new worker.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(Parsed, Installing); err != nil {
		return err
	}
	w.logger.Info("Install event triggered", zap.Int("core_assets", len(w.cfg.CoreAssets)))

	if err := w.install(ctx); err != nil {
		w.setState(Redundant)
		metrics.InstallTotal.WithLabelValues(w.cfg.Version, "failed").Inc()
		return fmt.Errorf("error installing %s: %w", w.cfg.Version, err)
	}

	w.setState(Installed)
	metrics.InstallTotal.WithLabelValues(w.cfg.Version, "ok").Inc()
	if w.cfg.SkipWaiting {
		w.SkipWaiting()
	}
	return nil
}

func (w *Worker) install(ctx context.Context) error {
	bucket, err := w.storage.Open(ctx, w.cfg.Version)
	if err != nil {
		return err
	}

	keys := make([]cache.Key, len(w.cfg.CoreAssets))
	entries := make([]*cache.Entry, len(w.cfg.CoreAssets))
	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range w.cfg.CoreAssets {
		i, asset := i, asset
		g.Go(func() error {
			var err error
			keys[i], entries[i], err = w.fetchAsset(gctx, asset)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	all := make(map[cache.Key]*cache.Entry, len(keys))
	for i, key := range keys {
		all[key] = entries[i]
	}
	w.logger.Debug("Caching core assets", zap.Int("entries", len(all)))
	return bucket.PutAll(ctx, all)
}

func (w *Worker) fetchAsset(ctx context.Context, asset string) (cache.Key, *cache.Entry, error) {
	ref, err := url.Parse(asset)
	if err != nil {
		return "", nil, fmt.Errorf("invalid core asset %q: %w", asset, err)
	}
	u := w.origin.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := w.fetcher.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("error fetching core asset %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, fmt.Errorf("core asset %s returned status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("error reading core asset %s: %w", u, err)
	}
	return cache.KeyFor(req.Method, u), cache.NewEntry(req, resp, body), nil
}

// Restore moves the worker straight to Installed when its bucket already
// holds every core asset, as left behind by a previous process. Nothing is
// fetched. If an asset is missing the worker becomes redundant.
func (w *Worker) Restore(ctx context.Context) error {
	if err := w.transition(Parsed, Installing); err != nil {
		return err
	}
	if err := w.restore(ctx); err != nil {
		w.setState(Redundant)
		return fmt.Errorf("error restoring %s: %w", w.cfg.Version, err)
	}
	w.setState(Installed)
	w.logger.Info("Restored installed worker")
	return nil
}

func (w *Worker) restore(ctx context.Context) error {
	names, err := w.storage.Names(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, name := range names {
		if name == w.cfg.Version {
			found = true
			break
		}
	}
	if !found {
		return errors.New("bucket does not exist")
	}

	bucket, err := w.storage.Open(ctx, w.cfg.Version)
	if err != nil {
		return err
	}
	for _, asset := range w.cfg.CoreAssets {
		ref, err := url.Parse(asset)
		if err != nil {
			return fmt.Errorf("invalid core asset %q: %w", asset, err)
		}
		u := w.origin.ResolveReference(ref)
		e, err := bucket.Match(ctx, cache.KeyFor(http.MethodGet, u))
		if err != nil {
			return err
		}
		if e == nil {
			return fmt.Errorf("core asset %s is not cached", u)
		}
	}
	return nil
}

// Activate deletes every bucket but the worker's own, then claims the host's
// clients. Deletion is best-effort: failures are logged and left for the next
// activation.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(Installed, Activating); err != nil {
		return err
	}
	w.logger.Info("Activate event triggered")

	if _, err := w.open(ctx); err != nil {
		w.logger.Warn("Error opening bucket", zap.Error(err))
	}

	if names, err := w.storage.Names(ctx); err != nil {
		w.logger.Warn("Error listing buckets", zap.Error(err))
	} else {
		var errs error
		for _, name := range names {
			if name == w.cfg.Version {
				continue
			}
			w.logger.Info("Deleting old bucket", zap.String("bucket", name))
			if _, err := w.storage.Delete(ctx, name); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			metrics.BucketsDeleted.Inc()
		}
		if errs != nil {
			w.logger.Warn("Error deleting old buckets", zap.Error(errs))
		}
	}

	if w.clients != nil {
		if err := w.clients.Claim(ctx, w); err != nil {
			w.setState(Redundant)
			return fmt.Errorf("error claiming clients for %s: %w", w.cfg.Version, err)
		}
	}

	w.setState(Activated)
	metrics.ActivationsTotal.WithLabelValues(w.cfg.Version).Inc()
	return nil
}

// Fetch answers a GET from the bucket, or from the network on a miss, storing
// successful same-origin or CORS responses. Other methods, and requests for
// origins the worker does not serve, are declined with ErrNotHandled. Network
// errors are returned as is; cache errors never fail the request.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || w.State() != Activated {
		metrics.FetchTotal.WithLabelValues(metrics.FetchDeclined).Inc()
		return nil, ErrNotHandled
	}

	u := w.origin.ResolveReference(req.URL)
	if !w.origins[originOf(u)] {
		w.logger.Debug("Declining foreign origin", zap.String("url", u.String()))
		metrics.FetchTotal.WithLabelValues(metrics.FetchDeclined).Inc()
		return nil, ErrNotHandled
	}
	key := cache.KeyFor(req.Method, u)

	bucket, err := w.open(ctx)
	if err != nil {
		w.logger.Warn("Error opening bucket", zap.Error(err))
	}

	if bucket != nil {
		e, err := bucket.Match(ctx, key)
		if err != nil {
			w.logger.Warn("Error querying cache", zap.String("key", string(key)), zap.Error(err))
		} else if e != nil && e.Matches(req) {
			w.logger.Debug("cache hit", zap.String("key", string(key)))
			metrics.FetchTotal.WithLabelValues(metrics.FetchHit).Inc()
			return e.Response(req), nil
		}
	}

	out := outgoing(ctx, req, u)
	resp, err := w.fetcher.Do(out)
	if err != nil {
		metrics.FetchTotal.WithLabelValues(metrics.FetchError).Inc()
		return nil, err
	}

	if bucket == nil || !w.cacheable(u, resp) || w.tooLarge(resp.ContentLength) {
		metrics.FetchTotal.WithLabelValues(metrics.FetchUncached).Inc()
		return resp, nil
	}

	var r io.Reader = resp.Body
	if w.cfg.MaxEntrySize > 0 {
		r = io.LimitReader(resp.Body, w.cfg.MaxEntrySize+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		resp.Body.Close()
		metrics.FetchTotal.WithLabelValues(metrics.FetchError).Inc()
		return nil, fmt.Errorf("error reading response for %s: %w", u, err)
	}
	if w.tooLarge(int64(len(body))) {
		// Hand back what was read followed by the rest of the stream
		w.logger.Debug("Response too large to cache", zap.String("key", string(key)))
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		metrics.FetchTotal.WithLabelValues(metrics.FetchUncached).Inc()
		return resp, nil
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	if err := bucket.Put(ctx, key, cache.NewEntry(out, resp, body)); err != nil {
		w.logger.Warn("Error caching response", zap.String("key", string(key)), zap.Error(err))
		metrics.CacheWriteErrors.Inc()
		metrics.FetchTotal.WithLabelValues(metrics.FetchUncached).Inc()
		return resp, nil
	}
	metrics.FetchTotal.WithLabelValues(metrics.FetchStored).Inc()
	return resp, nil
}

// open returns the worker's bucket, opening it on first use. The handle is
// kept, so once a newer worker deletes the bucket this one cannot recreate it.
func (w *Worker) open(ctx context.Context) (cache.Bucket, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bucket != nil {
		return w.bucket, nil
	}
	b, err := w.storage.Open(ctx, w.cfg.Version)
	if err != nil {
		return nil, err
	}
	w.bucket = b
	return b, nil
}

// cacheable accepts only 200s. A cross-origin response without CORS headers
// is opaque to the requesting page and is never stored.
func (w *Worker) cacheable(u *url.URL, resp *http.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if sameOrigin(u, w.origin) {
		return true
	}
	return resp.Header.Get("Access-Control-Allow-Origin") != ""
}

func (w *Worker) tooLarge(n int64) bool {
	return w.cfg.MaxEntrySize > 0 && n > w.cfg.MaxEntrySize
}

type readCloser struct {
	io.Reader
	io.Closer
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// Hop-by-hop headers, these are removed when sent to the network
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func outgoing(ctx context.Context, req *http.Request, u *url.URL) *http.Request {
	out := req.Clone(ctx)
	out.URL = u
	out.Host = ""
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	return out
}
