package main

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kylerisse/nodectl/pkg/beacon"
	"github.com/kylerisse/nodectl/pkg/check/builtin"
	"github.com/kylerisse/nodectl/pkg/config"
	"github.com/kylerisse/nodectl/pkg/debuglog"
	"github.com/kylerisse/nodectl/pkg/dispatch"
	"github.com/kylerisse/nodectl/pkg/heartbeat"
	"github.com/kylerisse/nodectl/pkg/history"
	"github.com/kylerisse/nodectl/pkg/keepalive"
	"github.com/kylerisse/nodectl/pkg/registry"
	"github.com/kylerisse/nodectl/pkg/server"
	"github.com/kylerisse/nodectl/pkg/store"
)

// runFunc runs one role until ctx is cancelled.
type runFunc func(ctx context.Context) error

type roleFunc func(cfg config.Config, s store.Store, logger *logrus.Logger) (runFunc, error)

var roles = map[string]roleFunc{
	heartbeat.RoleReceiver:   newReceiver,
	heartbeat.RoleDispatcher: newDispatcher,
	heartbeat.RoleKeepalive:  newKeepalive,
	heartbeat.RoleAPI:        newAPI,
	heartbeat.RoleDebuglog:   newDebuglog,
	heartbeat.RoleHistory:    newHistory,
}

func roleNames() []string {
	out := make([]string, 0, len(roles))
	for name := range roles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func newReceiver(cfg config.Config, s store.Store, logger *logrus.Logger) (runFunc, error) {
	r := beacon.NewReceiver(s, logger, beacon.WithStatusTTL(cfg.Receiver.StatusTTL.D()))
	return func(ctx context.Context) error {
		err := r.ListenAndServe(ctx, cfg.Receiver.Listen)
		received, dropped := r.Stats()
		logger.Infof("Beacon receiver stopped after %d packets (%d dropped)", received, dropped)
		return err
	}, nil
}

func newDebuglog(cfg config.Config, _ store.Store, logger *logrus.Logger) (runFunc, error) {
	var opts []debuglog.Option
	if cfg.Debuglog.Dir != "" {
		opts = append(opts, debuglog.WithDir(cfg.Debuglog.Dir))
	}
	r := debuglog.NewReceiver(logger, opts...)
	return func(ctx context.Context) error {
		return r.ListenAndServe(ctx, cfg.Debuglog.Listen)
	}, nil
}

func newKeepalive(cfg config.Config, s store.Store, logger *logrus.Logger) (runFunc, error) {
	factory, err := cfg.SenderFactory(logger)
	if err != nil {
		return nil, err
	}
	reg := registry.New(s, factory, registry.WithInitTriggers(false), registry.WithLogger(logger))
	p := keepalive.New(s, reg,
		keepalive.WithInterval(cfg.Keepalive.Interval.D()),
		keepalive.WithLogger(logger),
	)
	return func(ctx context.Context) error {
		defer reg.Close()
		return p.Run(ctx)
	}, nil
}

func newDispatcher(cfg config.Config, s store.Store, logger *logrus.Logger) (runFunc, error) {
	factory, err := cfg.SenderFactory(logger)
	if err != nil {
		return nil, err
	}
	rt, err := cfg.DispatchRuntime()
	if err != nil {
		return nil, err
	}
	reg := registry.New(s, factory, registry.WithLogger(logger))
	d := dispatch.New(s, reg, rt, dispatch.WithLogger(logger))
	owner := heartbeat.NewOwner(s, cfg.Dispatch.OwnerTTL.D(), logger)

	return func(ctx context.Context) error {
		defer reg.Close()
		logger.Infof("Dispatcher instance %s", owner.ID())

		claimCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			holdClaim(claimCtx, owner, cfg.Dispatch.OwnerTTL.D()/3, logger)
		}()

		err := d.Run(ctx)
		cancel()
		<-done

		releaseCtx, cancelRelease := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelRelease()
		if rerr := owner.Release(releaseCtx); rerr != nil {
			logger.Warnf("Releasing dispatcher claim: %v", rerr)
		}
		return err
	}, nil
}

// holdClaim renews the dispatcher claim every interval until ctx is done.
func holdClaim(ctx context.Context, owner *heartbeat.Owner, interval time.Duration, logger *logrus.Logger) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := owner.Claim(ctx); err != nil && ctx.Err() == nil {
			logger.Warnf("Dispatcher claim: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newAPI(cfg config.Config, s store.Store, logger *logrus.Logger) (runFunc, error) {
	checks, err := builtin.Build(s, cfg.Checks)
	if err != nil {
		return nil, err
	}
	iss, err := cfg.Issuer(s, logger)
	if err != nil {
		return nil, err
	}
	srv := server.New(s, iss, checks,
		server.WithLogger(logger),
		server.WithStaleAfter(cfg.Verify.StaleAfter.D()),
		server.WithCheckInterval(cfg.API.CheckInterval.D()),
		server.WithRateLimit(cfg.API.RateLimit, cfg.API.Burst),
		server.WithGraphDir(cfg.History.GraphDir),
	)
	return func(ctx context.Context) error {
		srv.Start()
		defer srv.Stop()
		return srv.ListenAndServe(ctx, cfg.API.Listen)
	}, nil
}

func newHistory(cfg config.Config, s store.Store, logger *logrus.Logger) (runFunc, error) {
	if err := os.MkdirAll(cfg.History.Dir, 0o755); err != nil {
		return nil, err
	}
	opts := []history.Option{
		history.WithStep(cfg.History.Step.D()),
		history.WithLogger(logger),
	}
	if cfg.History.GraphDir != "" {
		opts = append(opts, history.WithGraphDir(cfg.History.GraphDir))
	}
	rec, err := history.New(s, cfg.History.Dir, opts...)
	if err != nil {
		return nil, err
	}
	return rec.Run, nil
}
