// Package config loads the YAML configuration shared by the nodectl
// daemon roles and the operator CLI.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/kylerisse/nodectl/pkg/dispatch"
	"github.com/kylerisse/nodectl/pkg/heartbeat"
	"github.com/kylerisse/nodectl/pkg/history"
	"github.com/kylerisse/nodectl/pkg/issue"
	"github.com/kylerisse/nodectl/pkg/keepalive"
	"github.com/kylerisse/nodectl/pkg/logging"
	"github.com/kylerisse/nodectl/pkg/registry"
	"github.com/kylerisse/nodectl/pkg/sender"
	"github.com/kylerisse/nodectl/pkg/store"
	"github.com/kylerisse/nodectl/pkg/verify"
)

const (
	DefaultStoreAddr        = store.DefaultRedisAddr
	DefaultStoreDialTimeout = 5 * time.Second

	DefaultSenderPort     = sender.DefaultPort
	DefaultSenderProtocol = "v2"
	DefaultQuiescence     = sender.DefaultQuiescence

	DefaultDispatchMode = "skip"
	DefaultOwnerTTL     = 30 * time.Second

	DefaultKeepaliveInterval = keepalive.DefaultInterval

	DefaultReceiverListen = ":8889"
	DefaultDebuglogListen = ":8890"

	DefaultStaleAfter      = verify.DefaultStaleAfter
	DefaultVerifyPoll      = verify.DefaultPoll
	DefaultVerifyTimeout   = 30 * time.Second
	DefaultErrorThreshold  = 0.0
	DefaultSnapRelayPolicy = "infer"

	DefaultHeartbeatTTL      = heartbeat.DefaultTTL
	DefaultHeartbeatInterval = heartbeat.DefaultInterval

	DefaultAPIListen        = ":1982"
	DefaultAPIRateLimit     = 10.0
	DefaultAPIBurst         = 20
	DefaultAPICheckInterval = 30 * time.Second

	DefaultHistoryDir  = "/var/lib/nodectl/history"
	DefaultHistoryStep = history.DefaultStep

	DefaultLogLevel  = "info"
	DefaultLogFormat = logging.FormatAuto
)

// Duration is a time.Duration that reads and writes YAML as a duration
// string ("500ms", "2s"). A bare number is taken as seconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, s)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Config holds the settings of every role.
type Config struct {
	Store     StoreConfig      `yaml:"store"`
	Sender    SenderConfig     `yaml:"sender"`
	Dispatch  DispatchConfig   `yaml:"dispatch"`
	Keepalive KeepaliveConfig  `yaml:"keepalive"`
	Receiver  ReceiverConfig   `yaml:"receiver"`
	Debuglog  DebuglogConfig   `yaml:"debuglog"`
	Verify    VerifyConfig     `yaml:"verify"`
	Heartbeat HeartbeatConfig  `yaml:"heartbeat"`
	API       APIConfig        `yaml:"api"`
	History   HistoryConfig    `yaml:"history"`
	Checks    []map[string]any `yaml:"checks,omitempty"`
	Log       LogConfig        `yaml:"log"`
}

// StoreConfig locates the shared Redis store.
type StoreConfig struct {
	Addr        string   `yaml:"addr"`
	Password    string   `yaml:"password,omitempty"`
	DB          int      `yaml:"db"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

// SenderConfig controls how commands reach node controllers.
type SenderConfig struct {
	Port               int      `yaml:"port"`
	Protocol           string   `yaml:"protocol"`
	Quiescence         Duration `yaml:"quiescence"`
	Bind               string   `yaml:"bind,omitempty"`
	DirectControlHosts []string `yaml:"direct_control_hosts"`
	ForceDirect        bool     `yaml:"force_direct"`
}

// DispatchConfig tunes the command dispatch loop.
type DispatchConfig struct {
	CmdTime      Duration `yaml:"cmd_time"`
	ThrottlePoll Duration `yaml:"throttle_poll"`
	CmdCheck     Duration `yaml:"cmd_check"`
	NodeRefresh  Duration `yaml:"node_refresh"`
	Mode         string   `yaml:"mode"`
	// ThrottleReset is a pointer so an explicit false survives defaults.
	ThrottleReset *bool    `yaml:"throttle_reset"`
	OwnerTTL      Duration `yaml:"owner_ttl"`
}

// KeepaliveConfig tunes the keep-alive poker.
type KeepaliveConfig struct {
	Interval Duration `yaml:"interval"`
}

// ReceiverConfig configures the beacon receiver.
type ReceiverConfig struct {
	Listen    string   `yaml:"listen"`
	StatusTTL Duration `yaml:"status_ttl"`
}

// DebuglogConfig configures the debug-log receiver.
type DebuglogConfig struct {
	Listen string `yaml:"listen"`
	Dir    string `yaml:"dir,omitempty"`
}

// VerifyConfig tunes post-command verification and request expansion.
type VerifyConfig struct {
	StaleAfter      Duration `yaml:"stale_after"`
	Poll            Duration `yaml:"poll"`
	Timeout         Duration `yaml:"timeout"`
	ErrorThreshold  float64  `yaml:"error_threshold"`
	SnapRelayPolicy string   `yaml:"snap_relay_policy"`
}

// HeartbeatConfig tunes service liveness records.
type HeartbeatConfig struct {
	TTL      Duration `yaml:"ttl"`
	Interval Duration `yaml:"interval"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Listen        string   `yaml:"listen"`
	RateLimit     float64  `yaml:"rate_limit"`
	Burst         int      `yaml:"burst"`
	CheckInterval Duration `yaml:"check_interval"`
}

// HistoryConfig configures the sensor history recorder. Graphs are drawn
// only when GraphDir is set; the API serves them from the same place.
type HistoryConfig struct {
	Dir      string   `yaml:"dir"`
	GraphDir string   `yaml:"graph_dir,omitempty"`
	Step     Duration `yaml:"step"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks enumerations and ranges. It expects defaults applied.
func Validate(cfg Config) error {
	if cfg.Store.Addr == "" {
		return fmt.Errorf("store.addr is required")
	}
	if cfg.Store.DB < 0 {
		return fmt.Errorf("store.db must not be negative")
	}
	if err := validPort("sender.port", cfg.Sender.Port); err != nil {
		return err
	}
	if _, err := sender.ParseProtocol(cfg.Sender.Protocol); err != nil {
		return fmt.Errorf("sender.protocol: %w", err)
	}
	if q := cfg.Sender.Quiescence.D(); q < 0 || q > sender.MaxQuiescence {
		return fmt.Errorf("sender.quiescence must be within [0, %v], got %v", sender.MaxQuiescence, q)
	}
	if _, err := dispatch.ParseMode(cfg.Dispatch.Mode); err != nil {
		return fmt.Errorf("dispatch.mode: %w", err)
	}
	for name, d := range map[string]Duration{
		"dispatch.cmd_time":      cfg.Dispatch.CmdTime,
		"dispatch.throttle_poll": cfg.Dispatch.ThrottlePoll,
		"dispatch.cmd_check":     cfg.Dispatch.CmdCheck,
		"dispatch.node_refresh":  cfg.Dispatch.NodeRefresh,
		"keepalive.interval":     cfg.Keepalive.Interval,
		"verify.stale_after":     cfg.Verify.StaleAfter,
		"verify.poll":            cfg.Verify.Poll,
		"heartbeat.ttl":          cfg.Heartbeat.TTL,
		"heartbeat.interval":     cfg.Heartbeat.Interval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if cfg.Heartbeat.Interval >= cfg.Heartbeat.TTL {
		return fmt.Errorf("heartbeat.interval (%v) must be shorter than heartbeat.ttl (%v)", cfg.Heartbeat.Interval, cfg.Heartbeat.TTL)
	}
	if cfg.Receiver.StatusTTL < 0 {
		return fmt.Errorf("receiver.status_ttl must not be negative")
	}
	if t := cfg.Verify.ErrorThreshold; t < 0 || t > 1 {
		return fmt.Errorf("verify.error_threshold must be within [0, 1], got %v", t)
	}
	if _, err := issue.ParsePolicy(cfg.Verify.SnapRelayPolicy); err != nil {
		return fmt.Errorf("verify.snap_relay_policy: %w", err)
	}
	if cfg.History.Step.D() < time.Second {
		return fmt.Errorf("history.step must be at least 1s, got %v", cfg.History.Step)
	}
	if cfg.API.RateLimit <= 0 || cfg.API.Burst < 1 {
		return fmt.Errorf("api.rate_limit and api.burst must be positive")
	}
	for i, c := range cfg.Checks {
		if t, ok := c["type"].(string); !ok || t == "" {
			return fmt.Errorf("checks[%d].type is required", i)
		}
	}
	if _, err := logging.NewWithOutput(io.Discard, cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

func validPort(name string, p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%s must be within [1, 65535], got %d", name, p)
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Store.Addr == "" {
		cfg.Store.Addr = DefaultStoreAddr
	}
	if cfg.Store.DialTimeout == 0 {
		cfg.Store.DialTimeout = Duration(DefaultStoreDialTimeout)
	}

	if cfg.Sender.Port == 0 {
		cfg.Sender.Port = DefaultSenderPort
	}
	if cfg.Sender.Protocol == "" {
		cfg.Sender.Protocol = DefaultSenderProtocol
	}
	if cfg.Sender.Quiescence == 0 {
		cfg.Sender.Quiescence = Duration(DefaultQuiescence)
	}
	if cfg.Sender.DirectControlHosts == nil {
		cfg.Sender.DirectControlHosts = append([]string(nil), sender.DefaultDirectControlHosts...)
	}

	d := dispatch.DefaultConfig()
	if cfg.Dispatch.CmdTime == 0 {
		cfg.Dispatch.CmdTime = Duration(d.CmdTime)
	}
	if cfg.Dispatch.ThrottlePoll == 0 {
		cfg.Dispatch.ThrottlePoll = Duration(d.ThrottlePoll)
	}
	if cfg.Dispatch.CmdCheck == 0 {
		cfg.Dispatch.CmdCheck = Duration(d.CmdCheck)
	}
	if cfg.Dispatch.NodeRefresh == 0 {
		cfg.Dispatch.NodeRefresh = Duration(d.NodeRefresh)
	}
	if cfg.Dispatch.Mode == "" {
		cfg.Dispatch.Mode = DefaultDispatchMode
	}
	if cfg.Dispatch.ThrottleReset == nil {
		v := d.ThrottleReset
		cfg.Dispatch.ThrottleReset = &v
	}
	if cfg.Dispatch.OwnerTTL == 0 {
		cfg.Dispatch.OwnerTTL = Duration(DefaultOwnerTTL)
	}

	if cfg.Keepalive.Interval == 0 {
		cfg.Keepalive.Interval = Duration(DefaultKeepaliveInterval)
	}

	if cfg.Receiver.Listen == "" {
		cfg.Receiver.Listen = DefaultReceiverListen
	}
	if cfg.Debuglog.Listen == "" {
		cfg.Debuglog.Listen = DefaultDebuglogListen
	}

	if cfg.Verify.StaleAfter == 0 {
		cfg.Verify.StaleAfter = Duration(DefaultStaleAfter)
	}
	if cfg.Verify.Poll == 0 {
		cfg.Verify.Poll = Duration(DefaultVerifyPoll)
	}
	if cfg.Verify.Timeout == 0 {
		cfg.Verify.Timeout = Duration(DefaultVerifyTimeout)
	}
	if cfg.Verify.SnapRelayPolicy == "" {
		cfg.Verify.SnapRelayPolicy = DefaultSnapRelayPolicy
	}

	if cfg.Heartbeat.TTL == 0 {
		cfg.Heartbeat.TTL = Duration(DefaultHeartbeatTTL)
	}
	if cfg.Heartbeat.Interval == 0 {
		cfg.Heartbeat.Interval = Duration(DefaultHeartbeatInterval)
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = DefaultAPIListen
	}
	if cfg.API.RateLimit == 0 {
		cfg.API.RateLimit = DefaultAPIRateLimit
	}
	if cfg.API.Burst == 0 {
		cfg.API.Burst = DefaultAPIBurst
	}
	if cfg.API.CheckInterval == 0 {
		cfg.API.CheckInterval = Duration(DefaultAPICheckInterval)
	}

	if cfg.History.Dir == "" {
		cfg.History.Dir = DefaultHistoryDir
	}
	if cfg.History.Step == 0 {
		cfg.History.Step = Duration(DefaultHistoryStep)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}

// DispatchRuntime converts the dispatch section for dispatch.New.
func (c Config) DispatchRuntime() (dispatch.Config, error) {
	mode, err := dispatch.ParseMode(c.Dispatch.Mode)
	if err != nil {
		return dispatch.Config{}, err
	}
	out := dispatch.Config{
		CmdTime:      c.Dispatch.CmdTime.D(),
		ThrottlePoll: c.Dispatch.ThrottlePoll.D(),
		CmdCheck:     c.Dispatch.CmdCheck.D(),
		NodeRefresh:  c.Dispatch.NodeRefresh.D(),
		Mode:         mode,
	}
	out.ThrottleReset = c.Dispatch.ThrottleReset == nil || *c.Dispatch.ThrottleReset
	return out, nil
}

// StoreOptions converts the store section for store.NewRedis.
func (c Config) StoreOptions() store.RedisOptions {
	return store.RedisOptions{
		Addr:        c.Store.Addr,
		Password:    c.Store.Password,
		DB:          c.Store.DB,
		DialTimeout: c.Store.DialTimeout.D(),
	}
}

// Issuer builds a command issuer with the configured relay policy.
func (c Config) Issuer(s store.Store, logger *logrus.Logger) (*issue.Issuer, error) {
	policy, err := issue.ParsePolicy(c.Verify.SnapRelayPolicy)
	if err != nil {
		return nil, err
	}
	return issue.New(s, issue.WithPolicy(policy), issue.WithLogger(logger)), nil
}

// SenderFactory returns a registry factory that builds senders from the
// sender section. Senders are remote-only unless this host may control
// nodes directly.
func (c Config) SenderFactory(logger *logrus.Logger) (registry.Factory, error) {
	proto, err := sender.ParseProtocol(c.Sender.Protocol)
	if err != nil {
		return nil, err
	}
	remote := !sender.DirectControlAllowed(c.Sender.DirectControlHosts, c.Sender.ForceDirect)
	if remote {
		logger.Warnf("Direct control is limited to %v; commands go through the store only", c.Sender.DirectControlHosts)
	}
	opts := []sender.Option{
		sender.WithPort(c.Sender.Port),
		sender.WithProtocol(proto),
		sender.WithQuiescence(c.Sender.Quiescence.D()),
		sender.WithRemote(remote),
		sender.WithLogger(logger),
	}
	if c.Sender.Bind != "" {
		opts = append(opts, sender.WithBind(c.Sender.Bind))
	}
	return func(addr string) (registry.Handle, error) {
		snd, err := sender.New(addr, opts...)
		if err != nil {
			return nil, err
		}
		return snd, nil
	}, nil
}
