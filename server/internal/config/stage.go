package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/stagebridge/core/config"
)

// StageConfig holds configuration for a stage server.
type StageConfig struct {
	StageName string   `yaml:"stage_name"`
	ChannelID string   `yaml:"channel_id"`
	Connector string   `yaml:"connector"`
	Peers     []string `yaml:"peers"`

	AllowedTypes      []string       `yaml:"allowed_types"`
	Workers           int            `yaml:"workers"`
	AllowRemoteCreate bool           `yaml:"allow_remote_create"`
	MailboxSize       int            `yaml:"mailbox_size"`
	DefaultQuota      int            `yaml:"default_quota"`
	Quotas            map[string]int `yaml:"quotas"`
	ExecTimeout       time.Duration  `yaml:"exec_timeout"`

	Port           int           `yaml:"port"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	APIKey         string        `yaml:"api_key"`
	ClientKey      string        `yaml:"client_key"`
	RedisAddr      string        `yaml:"redis_addr"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	LogLevel       string        `yaml:"log_level"`
	ConfigFile     string        `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *StageConfig) SetDefaults() {
	if c.StageName == "" {
		if h, err := os.Hostname(); err == nil {
			c.StageName = h
		} else {
			c.StageName = "stage"
		}
	}
	if c.Connector == "" {
		c.Connector = "websocket"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.Workers == 0 {
		c.Workers = 64
	}
	if c.MailboxSize == 0 {
		c.MailboxSize = 256
	}
	if c.DefaultQuota == 0 {
		c.DefaultQuota = -1
	}
	if c.ExecTimeout == 0 {
		c.ExecTimeout = 5 * time.Second
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = time.Minute
	}
	if c.ConfigFile == "" {
		c.ConfigFile = commoncfg.DefaultConfigPath("stage.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *StageConfig) ApplyEnv() {
	str := func(key string, dst *string) {
		if v := commoncfg.GetEnv(key, ""); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := commoncfg.GetEnv(key, ""); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := commoncfg.GetEnv(key, ""); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	list := func(key string, dst *[]string) {
		if v := commoncfg.GetEnv(key, ""); v != "" {
			*dst = commoncfg.SplitComma(v)
		}
	}
	str("CONFIG_FILE", &c.ConfigFile)
	str("LOG_LEVEL", &c.LogLevel)
	str("STAGE_NAME", &c.StageName)
	str("CHANNEL_ID", &c.ChannelID)
	str("CONNECTOR", &c.Connector)
	list("PEERS", &c.Peers)
	list("ALLOWED_TYPES", &c.AllowedTypes)
	num("WORKERS", &c.Workers)
	if v := commoncfg.GetEnv("ALLOW_REMOTE_CREATE", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AllowRemoteCreate = b
		}
	}
	num("MAILBOX_SIZE", &c.MailboxSize)
	num("DEFAULT_QUOTA", &c.DefaultQuota)
	if v := commoncfg.GetEnv("QUOTAS", ""); v != "" {
		if q, err := ParseQuotas(v); err == nil {
			c.Quotas = q
		}
	}
	dur("EXEC_TIMEOUT", &c.ExecTimeout)
	num("PORT", &c.Port)
	if v := commoncfg.GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	str("API_KEY", &c.APIKey)
	str("CLIENT_KEY", &c.ClientKey)
	str("REDIS_ADDR", &c.RedisAddr)
	dur("HEARTBEAT", &c.Heartbeat)
	dur("DRAIN_TIMEOUT", &c.DrainTimeout)
	list("ALLOWED_ORIGINS", &c.AllowedOrigins)
}

// BindFlagsFromCurrent binds command line flags on fs using the current
// config values as defaults.
func (c *StageConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "stage config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.StageName, "stage-name", c.StageName, "stage name advertised to peers")
	fs.StringVar(&c.ChannelID, "channel-id", c.ChannelID, "sender identifier used when dialing peers; empty picks a fresh one")
	fs.StringVar(&c.Connector, "connector", c.Connector, "connector for peer addresses without a scheme (websocket, inprocess)")
	fs.Func("peers", "comma separated peer addresses to dial at startup", func(v string) error {
		c.Peers = commoncfg.SplitComma(v)
		return nil
	})
	fs.Func("allowed-types", "comma separated payload type patterns admitted for decoding", func(v string) error {
		c.AllowedTypes = commoncfg.SplitComma(v)
		return nil
	})
	fs.IntVar(&c.Workers, "workers", c.Workers, "maximum inbound bridge requests handled concurrently (0 for unbounded)")
	fs.BoolVar(&c.AllowRemoteCreate, "allow-remote-create", c.AllowRemoteCreate, "let peers create actors on this stage")
	fs.IntVar(&c.MailboxSize, "mailbox-size", c.MailboxSize, "per actor mailbox capacity")
	fs.IntVar(&c.DefaultQuota, "default-quota", c.DefaultQuota, "default pending message quota per actor (-1 for unbounded, 0 refuses every message)")
	fs.Func("quotas", "per actor quotas as id=n pairs separated by commas", func(v string) error {
		q, err := ParseQuotas(v)
		if err != nil {
			return err
		}
		c.Quotas = q
		return nil
	})
	fs.DurationVar(&c.ExecTimeout, "exec-timeout", c.ExecTimeout, "time limit for loading shipped Lua code and for each message it handles (negative disables)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the value of --port", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "bearer key required by the HTTP API; leave empty to disable auth")
	fs.StringVar(&c.ClientKey, "client-key", c.ClientKey, "shared key peers must present when opening a bridge channel")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for the shared code cache and stage state")
	fs.DurationVar(&c.Heartbeat, "heartbeat", c.Heartbeat, "bridge ping interval (0 disables)")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight bridge requests on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = commoncfg.SplitComma(v)
		return nil
	})
}

// LoadFile populates the config from a YAML file.
func (c *StageConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ConfigPathFromArgs returns the value of --config in args, if any, so the
// file can be loaded before flags are bound.
func ConfigPathFromArgs(args []string) (string, bool) {
	for i, a := range args {
		if (a == "--config" || a == "-config") && i+1 < len(args) {
			return args[i+1], true
		}
		for _, p := range []string{"--config=", "-config="} {
			if strings.HasPrefix(a, p) {
				return strings.TrimPrefix(a, p), true
			}
		}
	}
	return "", false
}

// ParseQuotas parses "id=n,id2=m".
func ParseQuotas(v string) (map[string]int, error) {
	out := map[string]int{}
	for _, part := range commoncfg.SplitComma(v) {
		if part == "" {
			continue
		}
		id, n, ok := strings.Cut(part, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("quota %q: expected id=n", part)
		}
		q, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return nil, fmt.Errorf("quota %q: %w", part, err)
		}
		out[strings.TrimSpace(id)] = q
	}
	return out, nil
}

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}
