package main

import (
	"context"
	"reflect"
	"time"

	"github.com/jshufro/offline-cache-proxy/config"
	"github.com/jshufro/offline-cache-proxy/worker"
	"go.uber.org/zap"
)

// After a failed install, check again this soon instead of waiting a full
// interval.
const retryInterval = time.Minute

// updater periodically re-reads the deployment config and registers a new
// worker whenever the worker section differs from the one in control.
type updater struct {
	path     string
	initial  worker.Config
	build    func(worker.Config) *worker.Worker
	registry *worker.Registry
	logger   *zap.Logger
	interval time.Duration

	ticker *time.Ticker
	done   chan bool
}

// wanted returns the worker config that should be in control.
func (u *updater) wanted() (worker.Config, error) {
	if u.path == "" {
		return u.initial, nil
	}
	cfg, err := config.Load(u.path)
	if err != nil {
		return worker.Config{}, err
	}
	return cfg.Worker, nil
}

// check installs the wanted worker if needed. It reports false when an
// install was attempted and failed.
func (u *updater) check(ctx context.Context) bool {
	cfg, err := u.wanted()
	if err != nil {
		u.logger.Warn("error reading config in updater", zap.Error(err))
		return true
	}

	if active := u.registry.Active(); active != nil && active.State() == worker.Activated && reflect.DeepEqual(active.Config(), cfg) {
		return true
	}
	if waiting := u.registry.Waiting(); waiting != nil && reflect.DeepEqual(waiting.Config(), cfg) {
		u.logger.Debug("updater found worker already waiting", zap.String("version", cfg.Version))
		return true
	}

	u.logger.Info("Installing worker", zap.String("version", cfg.Version))
	if err := u.registry.Register(ctx, u.build(cfg)); err != nil {
		u.logger.Warn("error installing worker, will retry", zap.String("version", cfg.Version), zap.Error(err))
		return false
	}
	return true
}

func (u *updater) next(ok bool) time.Duration {
	if !ok && (u.interval == 0 || u.interval > retryInterval) {
		return retryInterval
	}
	return u.interval
}

// reschedule arms the ticker for the next check. With periodic checks off
// it stops once a check succeeds.
func (u *updater) reschedule(ok bool) {
	if d := u.next(ok); d > 0 {
		u.ticker.Reset(d)
		return
	}
	u.ticker.Stop()
}

func (u *updater) start() {
	u.done = make(chan bool, 1)
	ok := u.check(context.Background())
	if u.next(ok) == 0 {
		return
	}
	u.ticker = time.NewTicker(u.next(ok))
	go func() {
		for {
			select {
			case <-u.done:
				return
			case <-u.ticker.C:
				u.reschedule(u.check(context.Background()))
				continue
			}
		}
	}()
}

func (u *updater) stop() {
	if u.ticker == nil {
		return
	}
	u.ticker.Stop()
	u.done <- true
}
