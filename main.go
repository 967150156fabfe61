package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/jshufro/offline-cache-proxy/cache"
	"github.com/jshufro/offline-cache-proxy/config"
	"github.com/jshufro/offline-cache-proxy/metrics"
	"github.com/jshufro/offline-cache-proxy/worker"
	"go.uber.org/zap"
)

var logger *zap.Logger
var globalwg sync.WaitGroup

func initLogger(debug *bool) error {
	var cfg zap.Config
	var err error

	if *debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err = cfg.Build()
	return err
}

func openStorage(cfg config.Config) (cache.Storage, func() error, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return cache.NewMemoryStorage(), func() error { return nil }, nil
	case config.StorageRedis:
		s := cache.NewRedisStorage(cfg.Redis)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("redis at %s is unreachable: %w", cfg.Redis.Addr, err)
		}
		return s, s.Close, nil
	default:
		s, err := cache.NewDiskStorage(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	}
}

// Response headers that must not be copied from a worker response
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forUpstream reports whether r targets the upstream. Origin-form requests
// always do; absolute-form requests must name the upstream's scheme and host.
func forUpstream(r *http.Request, upstream *url.URL) bool {
	if !r.URL.IsAbs() {
		return true
	}
	return strings.EqualFold(r.URL.Scheme, upstream.Scheme) && strings.EqualFold(r.URL.Host, upstream.Host)
}

// offlineQuery hands every request to the controlling worker. Whatever the
// worker declines goes through the plain reverse proxy, unless it was
// addressed to some other host.
func offlineQuery(registry *worker.Registry, upstream *url.URL, proxy http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("Intercepted request", zap.String("method", r.Method), zap.String("path", r.URL.String()))

		resp, err := registry.Dispatch(r.Context(), r)
		if errors.Is(err, worker.ErrNotHandled) {
			if !forUpstream(r, upstream) {
				logger.Debug("Refusing request for another host", zap.String("url", r.URL.String()))
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			proxy.ServeHTTP(w, r)
			return
		}
		if err != nil {
			logger.Warn("Error fetching", zap.String("path", r.URL.String()), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		for k, v := range resp.Header {
			for _, vv := range v {
				w.Header().Add(k, vv)
			}
		}
		for _, h := range hopHeaders {
			w.Header().Del(h)
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			logger.Debug("Error writing response", zap.Error(err))
		}
	}
}

type workerStatus struct {
	Version string `json:"version"`
	State   string `json:"state"`
}

type status struct {
	Controller *workerStatus `json:"controller"`
	Waiting    *workerStatus `json:"waiting"`
	Buckets    []string      `json:"buckets"`
}

func describe(w *worker.Worker) *workerStatus {
	if w == nil {
		return nil
	}
	return &workerStatus{Version: w.Version(), State: w.State().String()}
}

func statusQuery(registry *worker.Registry, storage cache.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := storage.Names(r.Context())
		if err != nil {
			logger.Warn("Error listing buckets", zap.Error(err))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status{
			Controller: describe(registry.Controller()),
			Waiting:    describe(registry.Waiting()),
			Buckets:    names,
		})
	}
}

func newRouter(registry *worker.Registry, storage cache.Storage, upstream *url.URL, proxy http.Handler) *mux.Router {
	router := mux.NewRouter()
	router.Path("/-/metrics").Handler(metrics.Handler())
	router.Path("/-/status").Methods(http.MethodGet).HandlerFunc(statusQuery(registry, storage))
	router.PathPrefix("/").HandlerFunc(offlineQuery(registry, upstream, proxy))
	// Paths go to the origin verbatim instead of being redirected to their
	// cleaned form.
	router.SkipClean(true)
	return router
}

func serve(listener net.Listener, handler http.Handler) *http.Server {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	globalwg.Add(1)
	go func() {
		defer globalwg.Done()
		if err := server.Serve(listener); err != nil {
			logger.Info("Stopping server", zap.Error(err))
		}
	}()
	return server
}

// listBuckets prints every bucket and its keys.
func listBuckets(ctx context.Context, out io.Writer, storage cache.Storage) error {
	names, err := storage.Names(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		b, err := storage.Open(ctx, name)
		if err != nil {
			return err
		}
		keys, err := b.Keys(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s (%d entries)\n", name, len(keys))
		for _, key := range keys {
			fmt.Fprintf(out, "\t%s\n", key)
		}
	}
	return nil
}

func main() {
	configFlag := flag.String("config", "", "Path to the YAML deployment config")
	debug := flag.Bool("debug", false, "Whether to enable debug logging")
	list := flag.Bool("list", false, "List cache buckets and their entries, then exit")

	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := initLogger(debug); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Init the cache
	storage, closeStorage, err := openStorage(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to initialize cache: %v\n", err)
		os.Exit(1)
	}
	defer closeStorage()

	if *list {
		if err := listBuckets(context.Background(), os.Stdout, storage); err != nil {
			fmt.Fprintf(os.Stderr, "Error listing buckets: %v\n", err)
			os.Exit(1)
		}
		return
	}

	upstream := cfg.UpstreamURL()
	logger.Debug("Parsed upstream", zap.String("url", cfg.Upstream), zap.String("storage", cfg.Storage))

	registry := worker.NewRegistry(logger)
	fetcher := &http.Client{Timeout: cfg.FetchTimeout}
	build := func(wc worker.Config) *worker.Worker {
		return worker.New(wc, upstream, storage, fetcher, registry, logger)
	}

	// Pick up where the last process left off, so a restart while the
	// upstream is down still serves from the cache.
	if err := registry.Restore(context.Background(), build(cfg.Worker)); err != nil {
		logger.Debug("No installed worker to restore", zap.Error(err))
	}

	// Set up the reverse proxy
	proxy := httputil.NewSingleHostReverseProxy(upstream)

	// Set up the webserver
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logger.Fatal("error starting webserver", zap.Error(err))
	}
	server := serve(listener, newRouter(registry, storage, upstream, proxy))
	logger.Info("Listening", zap.String("addr", listener.Addr().String()))

	// Set up the updater to install new worker versions
	updater := updater{
		path:     *configFlag,
		initial:  cfg.Worker,
		build:    build,
		registry: registry,
		logger:   logger,
		interval: cfg.UpdateInterval,
	}

	updater.start()

	// Wait for signals
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c
	signal.Reset()
	close(c)
	updater.stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	globalwg.Wait()

	logger.Debug("Bye")
}
