// Package wfconfig loads wforced's top-level YAML configuration file and
// validates it, producing the sub-configs each component package expects.
package wfconfig

import (
	"fmt"
	"os"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/wforce/wforced/internal/aghalg"
	"github.com/wforce/wforced/internal/aghtime"
)

// defaultOrigin is used as a [ReplicationConfig.Origin] fallback when the
// config file doesn't set one and the hostname can't be determined either.
const defaultOrigin = "wforced"

// FieldConfig configures one stats field within a [StatsDBConfig].
type FieldConfig struct {
	Name      string  `yaml:"name"`
	Kind      string  `yaml:"kind"` // "int", "hll", or "countmin"
	Precision uint8   `yaml:"precision,omitempty"`
	Epsilon   float64 `yaml:"epsilon,omitempty"`
	Gamma     float64 `yaml:"gamma,omitempty"`
}

func (c *FieldConfig) validate() (err error) {
	if c.Name == "" {
		return errors.Error("wfconfig: stats field name is empty")
	}

	switch c.Kind {
	case "int", "hll", "countmin", "":
	default:
		return fmt.Errorf("wfconfig: stats field %q: unknown kind %q", c.Name, c.Kind)
	}

	return nil
}

// StatsDBConfig configures one sliding-window stats database.
type StatsDBConfig struct {
	Name           string           `yaml:"name"`
	Fields         []FieldConfig    `yaml:"fields"`
	NumWindows     int              `yaml:"num_windows"`
	WindowSize     aghtime.Duration `yaml:"window_size"`
	MaxSize        int              `yaml:"max_size,omitempty"`
	V4PrefixLength int              `yaml:"v4_prefix_length,omitempty"`
	V6PrefixLength int              `yaml:"v6_prefix_length,omitempty"`
}

func (c *StatsDBConfig) validate() (err error) {
	if c.Name == "" {
		return errors.Error("wfconfig: stats db name is empty")
	}

	if c.NumWindows <= 0 {
		return fmt.Errorf("wfconfig: stats db %q: num_windows must be positive", c.Name)
	}

	if c.WindowSize.Duration <= 0 {
		return fmt.Errorf("wfconfig: stats db %q: window_size must be positive", c.Name)
	}

	for i := range c.Fields {
		if err = c.Fields[i].validate(); err != nil {
			return fmt.Errorf("wfconfig: stats db %q: %w", c.Name, err)
		}
	}

	return nil
}

// ListConfig configures one allow/deny list store.
type ListConfig struct {
	Name      string `yaml:"name"`
	KeySpace  string `yaml:"key_space"` // "ip", "login", or "ip_login"
	BBoltPath string `yaml:"bbolt_path,omitempty"`
}

func (c *ListConfig) validate() (err error) {
	if c.Name == "" {
		return errors.Error("wfconfig: list store name is empty")
	}

	switch c.KeySpace {
	case "ip", "login", "ip_login":
	default:
		return fmt.Errorf("wfconfig: list store %q: unknown key_space %q", c.Name, c.KeySpace)
	}

	return nil
}

// SiblingConfig configures one cluster replication peer.
type SiblingConfig struct {
	Name     string `yaml:"name"`
	Addr     string `yaml:"address"`
	Protocol string `yaml:"protocol"` // "udp" or "tcp"
}

func (c *SiblingConfig) validate() (err error) {
	if c.Addr == "" {
		return errors.Error("wfconfig: sibling address is empty")
	}

	switch c.Protocol {
	case "udp", "tcp", "":
	default:
		return fmt.Errorf("wfconfig: sibling %q: unknown protocol %q", c.Addr, c.Protocol)
	}

	return nil
}

// ReplicationConfig configures the cluster replication subsystem.
type ReplicationConfig struct {
	Enabled bool `yaml:"enabled"`

	// Origin is this node's own name, stamped on outgoing messages so
	// siblings can detect replication loops.  Defaults to the host's
	// hostname, or [defaultOrigin] if that can't be determined.
	Origin     string          `yaml:"origin,omitempty"`
	ListenUDP  string          `yaml:"listen_udp,omitempty"`
	ListenTCP  string          `yaml:"listen_tcp,omitempty"`
	SyncListen string          `yaml:"sync_listen,omitempty"`
	Key        string          `yaml:"key"`
	Siblings   []SiblingConfig `yaml:"siblings,omitempty"`
}

func (c *ReplicationConfig) validate() (err error) {
	if !c.Enabled {
		return nil
	}

	if c.Key == "" {
		return errors.Error("wfconfig: replication: key is empty")
	}

	if c.Origin == "" {
		host, _ := os.Hostname()
		c.Origin = aghalg.Coalesce(host, defaultOrigin)
	}

	for i := range c.Siblings {
		if err = c.Siblings[i].validate(); err != nil {
			return fmt.Errorf("wfconfig: replication: sibling %d: %w", i, err)
		}
	}

	return nil
}

// WebhookConfig configures one outbound webhook.
type WebhookConfig struct {
	ID       string   `yaml:"id"`
	URL      string   `yaml:"url"`
	Secret   string   `yaml:"secret,omitempty"`
	Events   []string `yaml:"events,omitempty"`
	TimeoutS int      `yaml:"timeout_seconds,omitempty"`
	MaxConns int64    `yaml:"max_conns,omitempty"`
}

func (c *WebhookConfig) validate() (err error) {
	if c.ID == "" {
		return errors.Error("wfconfig: webhook id is empty")
	}

	if c.URL == "" {
		return fmt.Errorf("wfconfig: webhook %q: url is empty", c.ID)
	}

	return nil
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Addr        string            `yaml:"address"`
	Password    string            `yaml:"password"`
	Workers     int64             `yaml:"workers,omitempty"`
	IdleTimeout int               `yaml:"idle_timeout_seconds,omitempty"`
	MaxBodySize datasize.ByteSize `yaml:"max_body_size,omitempty"`
}

func (c *APIConfig) validate() (err error) {
	if c.Addr == "" {
		return errors.Error("wfconfig: api: address is empty")
	}

	return nil
}

// ControlConfig configures the encrypted admin control channel.
type ControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"address,omitempty"`
	Key     string `yaml:"key,omitempty"`
}

func (c *ControlConfig) validate() (err error) {
	if !c.Enabled {
		return nil
	}

	if c.Addr == "" {
		return errors.Error("wfconfig: control: address is empty")
	}

	if c.Key == "" {
		return errors.Error("wfconfig: control: key is empty")
	}

	return nil
}

// MetricsConfig configures the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Addr      string `yaml:"address,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// PolicyConfig configures the script interpreter pool.
type PolicyConfig struct {
	ScriptPath string `yaml:"script_path"`
	PoolSize   int    `yaml:"pool_size,omitempty"`
}

func (c *PolicyConfig) validate() (err error) {
	if c.ScriptPath == "" {
		return errors.Error("wfconfig: policy: script_path is empty")
	}

	return nil
}

// SnapshotConfig configures periodic on-disk persistence of in-memory stats,
// so counters survive a restart instead of starting cold.
type SnapshotConfig struct {
	Path     string           `yaml:"path,omitempty"`
	Interval aghtime.Duration `yaml:"interval,omitempty"`
}

// LogConfig configures where and how logs are written.  An empty File logs
// to stderr with no rotation.
type LogConfig struct {
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
	Verbose    bool   `yaml:"verbose,omitempty"`
}

// Config is wforced's top-level configuration, as loaded from YAML.
type Config struct {
	StatsDBs    []StatsDBConfig   `yaml:"stats_dbs"`
	Lists       []ListConfig      `yaml:"lists"`
	Policy      PolicyConfig      `yaml:"policy"`
	Replication ReplicationConfig `yaml:"replication"`
	Webhooks    []WebhookConfig   `yaml:"webhooks,omitempty"`
	API         APIConfig         `yaml:"api"`
	Control     ControlConfig     `yaml:"control,omitempty"`
	Metrics     MetricsConfig     `yaml:"metrics,omitempty"`
	Logging     LogConfig         `yaml:"logging,omitempty"`
	Snapshot    SnapshotConfig    `yaml:"snapshot,omitempty"`
}

// Validate checks c for internal consistency, defaulting optional fields.
func (c *Config) Validate() (err error) {
	dbNames := aghalg.UniqChecker[string]{}
	for i := range c.StatsDBs {
		if err = c.StatsDBs[i].validate(); err != nil {
			return err
		}

		dbNames.Add(c.StatsDBs[i].Name)
	}

	if err = dbNames.Validate(); err != nil {
		return fmt.Errorf("wfconfig: stats dbs: %w", err)
	}

	listNames := aghalg.UniqChecker[string]{}
	for i := range c.Lists {
		if err = c.Lists[i].validate(); err != nil {
			return err
		}

		listNames.Add(c.Lists[i].Name)
	}

	if err = listNames.Validate(); err != nil {
		return fmt.Errorf("wfconfig: lists: %w", err)
	}

	if err = c.Policy.validate(); err != nil {
		return err
	}

	if err = c.Replication.validate(); err != nil {
		return err
	}

	siblingNames := aghalg.UniqChecker[string]{}
	for i := range c.Replication.Siblings {
		siblingNames.Add(c.Replication.Siblings[i].Name)
	}

	if err = siblingNames.Validate(); err != nil {
		return fmt.Errorf("wfconfig: replication: siblings: %w", err)
	}

	webhookIDs := aghalg.UniqChecker[string]{}
	for i := range c.Webhooks {
		if err = c.Webhooks[i].validate(); err != nil {
			return err
		}

		webhookIDs.Add(c.Webhooks[i].ID)
	}

	if err = webhookIDs.Validate(); err != nil {
		return fmt.Errorf("wfconfig: webhooks: %w", err)
	}

	if err = c.API.validate(); err != nil {
		return err
	}

	if err = c.Control.validate(); err != nil {
		return err
	}

	return nil
}

// Load reads and parses the YAML configuration file at path, validating it
// before returning.
func Load(path string) (c *Config, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wfconfig: reading %s: %w", path, err)
	}

	c = &Config{}
	if err = yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("wfconfig: parsing %s: %w", path, err)
	}

	if err = c.Validate(); err != nil {
		return nil, fmt.Errorf("wfconfig: %s: %w", path, err)
	}

	return c, nil
}
