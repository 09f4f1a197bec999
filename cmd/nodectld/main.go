// nodectld runs the nodectl daemon roles against the shared store: the
// beacon receiver, the command dispatcher, the keep-alive poker, the HTTP
// API, the debug-log receiver and the sensor history recorder. Several
// roles may share one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/kylerisse/nodectl/pkg/config"
	"github.com/kylerisse/nodectl/pkg/heartbeat"
	"github.com/kylerisse/nodectl/pkg/logging"
	"github.com/kylerisse/nodectl/pkg/store"
)

var version = "dev"

const defaultConfigPath = "/etc/nodectl/nodectl.yaml"

type options struct {
	configPath  string
	configSet   bool
	storeAddr   string
	logLevel    string
	logFormat   string
	forceDirect bool
	showVersion bool
	roles       []string
}

func parseArgs(args []string) (options, error) {
	var opts options
	flags := pflag.NewFlagSet("nodectld", pflag.ContinueOnError)
	flags.StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "configuration file")
	flags.StringVar(&opts.storeAddr, "store", "", "shared store address (overrides store.addr)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (overrides log.level)")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: auto, text or json (overrides log.format)")
	flags.BoolVar(&opts.forceDirect, "force-direct", false, "send to node controllers even from hosts outside direct_control_hosts")
	flags.BoolVar(&opts.showVersion, "version", false, "print the version and exit")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: nodectld [flags] <role>...\n\nRoles: %v\n\nFlags:\n", roleNames())
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return opts, err
	}
	opts.configSet = flags.Changed("config")
	opts.roles = flags.Args()
	if opts.showVersion {
		return opts, nil
	}
	if len(opts.roles) == 0 {
		return opts, fmt.Errorf("at least one role is required (%v)", roleNames())
	}
	seen := make(map[string]bool, len(opts.roles))
	for _, r := range opts.roles {
		if _, ok := roles[r]; !ok {
			return opts, fmt.Errorf("unknown role %q (%v)", r, roleNames())
		}
		if seen[r] {
			return opts, fmt.Errorf("role %q given twice", r)
		}
		seen[r] = true
	}
	return opts, nil
}

// loadConfig reads the configuration file and applies flag overrides. The
// default path may be absent; an explicit one must exist.
func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		if opts.configSet || !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
		cfg = config.Default()
	}
	if opts.storeAddr != "" {
		cfg.Store.Addr = opts.storeAddr
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	if opts.forceDirect {
		cfg.Sender.ForceDirect = true
	}
	return cfg, config.Validate(cfg)
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "nodectld: %v\n", err)
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Println("nodectld", version)
		return
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodectld: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodectld: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := store.NewRedis(cfg.StoreOptions())
	defer s.Close()
	if err := s.Ping(ctx); err != nil {
		logger.Fatalf("Store at %s: %v", cfg.Store.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range opts.roles {
		run, err := roles[name](cfg, s, logger)
		if err != nil {
			logger.Fatalf("Role %s: %v", name, err)
		}
		g.Go(func() error {
			if err := run(gctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})

		beater := heartbeat.NewBeater(s, name,
			heartbeat.WithVersion(version),
			heartbeat.WithTTL(cfg.Heartbeat.TTL.D()),
			heartbeat.WithInterval(cfg.Heartbeat.Interval.D()),
			heartbeat.WithLogger(logger),
		)
		g.Go(func() error { return beater.Run(gctx) })
	}

	logger.Infof("nodectld %s running %v. Press Ctrl+C to stop.", version, opts.roles)
	if err := g.Wait(); err != nil {
		logger.Fatalf("Stopped: %v", err)
	}
	logger.Info("Stopped.")
}
