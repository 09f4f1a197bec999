// nodectl is the operator command line for the node fleet. It writes
// commands into the shared store for nodectld to dispatch and reads back
// what the nodes report.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/kylerisse/nodectl/pkg/clock"
	"github.com/kylerisse/nodectl/pkg/config"
	"github.com/kylerisse/nodectl/pkg/logging"
	"github.com/kylerisse/nodectl/pkg/store"
)

var version = "dev"

const defaultConfigPath = "/etc/nodectl/nodectl.yaml"

// env is what every subcommand runs against.
type env struct {
	out    io.Writer
	cfg    config.Config
	store  store.Store
	logger *logrus.Logger
	clock  clock.Clock
}

// runner executes a subcommand with its positional arguments.
type runner func(ctx context.Context, e *env, args []string) error

type command struct {
	name    string
	args    string
	summary string
	// setup registers the subcommand's flags and returns its runner.
	setup func(fs *pflag.FlagSet) runner
}

var commands = map[string]command{}

func register(c command) {
	commands[c.name] = c
}

// globals are the flags every subcommand accepts.
type globals struct {
	configPath string
	storeAddr  string
	logLevel   string
}

// parseCommand resolves a subcommand and parses its flags.
func parseCommand(name string, args []string) (runner, globals, []string, error) {
	var g globals
	c, ok := commands[name]
	if !ok {
		return nil, g, nil, fmt.Errorf("unknown command %q", name)
	}
	flags := pflag.NewFlagSet("nodectl "+name, pflag.ContinueOnError)
	flags.StringVarP(&g.configPath, "config", "c", defaultConfigPath, "configuration file")
	flags.StringVar(&g.storeAddr, "store", "", "shared store address (overrides store.addr)")
	flags.StringVar(&g.logLevel, "log-level", "warn", "log level")
	run := c.setup(flags)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: nodectl %s [flags] %s\n\n%s\n\nFlags:\n", c.name, c.args, c.summary)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return nil, g, nil, err
	}
	return run, g, flags.Args(), nil
}

func loadConfig(g globals) (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		if g.configPath != defaultConfigPath || !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
		cfg = config.Default()
	}
	if g.storeAddr != "" {
		cfg.Store.Addr = g.storeAddr
	}
	cfg.Log.Level = g.logLevel
	cfg.Log.Format = logging.FormatText
	return cfg, config.Validate(cfg)
}

func usage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(os.Stderr, "Usage: nodectl <command> [flags] [args]\n\nCommands:\n")
	for _, name := range names {
		c := commands[name]
		fmt.Fprintf(os.Stderr, "  %-11s %s\n", name, c.summary)
	}
	fmt.Fprintf(os.Stderr, "\nRun 'nodectl <command> --help' for the flags of one command.\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "-h", "--help", "help":
		usage()
		return
	case "--version", "version":
		fmt.Println("nodectl", version)
		return
	}

	run, g, args, err := parseCommand(os.Args[1], os.Args[2:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "nodectl: %v\n", err)
		os.Exit(2)
	}
	cfg, err := loadConfig(g)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodectl: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodectl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := store.NewRedis(cfg.StoreOptions())
	defer s.Close()

	e := &env{out: os.Stdout, cfg: cfg, store: s, logger: logger, clock: clock.Real()}
	if err := run(ctx, e, args); err != nil {
		fmt.Fprintf(os.Stderr, "nodectl %s: %v\n", os.Args[1], err)
		stop()
		_ = s.Close()
		os.Exit(1)
	}
}
