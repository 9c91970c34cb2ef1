package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	jsonparser "github.com/knadh/koanf/parsers/json"
	yamlparser "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jkoelker/linkbridged/pkg/nltransport"
	"github.com/jkoelker/linkbridged/pkg/vrf"
)

const (
	defaultVRFName         = "default"
	defaultQueueSize       = 64
	defaultInitialInterval = time.Second
	defaultMaxInterval     = 30 * time.Second
	defaultSettingsTTL     = 5 * time.Second
	defaultSysfsPath       = "/sys"
	defaultMetricsListen   = ":9417"
)

// ErrUnsupportedExtension indicates an unsupported configuration file extension.
var ErrUnsupportedExtension = errors.New("unsupported config extension")

type Config struct {
	// DefaultVRF names the VRF whose interfaces are cached.
	DefaultVRF string `json:"default_vrf"`

	// VRFs lists the routing domains to watch.
	VRFs []VRFConfig `json:"vrfs"`

	// Subscriptions lists the socket classes opened per VRF.
	Subscriptions []string `json:"subscriptions"`

	// RefreshOnStart replays kernel state when a subscription socket opens.
	RefreshOnStart *bool `json:"refresh_on_start,omitempty"`

	// ManagementPrefixes marks matching interface names as management ports.
	ManagementPrefixes []string `json:"management_prefixes,omitempty"`

	// QueueSize bounds each subscriber's record backlog.
	QueueSize int `json:"queue_size,omitempty"`

	// Restart controls the worker restart backoff.
	Restart RestartConfig `json:"restart"`

	// Query configures the synchronous query service.
	Query QueryConfig `json:"query"`

	// Metrics configures the prometheus endpoint.
	Metrics MetricsConfig `json:"metrics"`
}

type VRFConfig struct {
	Name string `json:"name"`
	ID   uint32 `json:"id"`

	// Namespace is the network namespace under /var/run/netns. Empty means the
	// daemon's own namespace.
	Namespace string `json:"namespace,omitempty"`
}

type RestartConfig struct {
	InitialInterval time.Duration `json:"initial_interval,omitempty"`
	MaxInterval     time.Duration `json:"max_interval,omitempty"`
}

type QueryConfig struct {
	// LinkSettingsTTL caches link speed and duplex reads. Zero disables caching.
	LinkSettingsTTL time.Duration `json:"link_settings_ttl,omitempty"`

	// SysfsPath is the sysfs mount point used for link settings.
	SysfsPath string `json:"sysfs_path,omitempty"`
}

type MetricsConfig struct {
	// Listen is the metrics HTTP address. Empty disables the endpoint.
	Listen string `json:"listen"`
}

type ValidationError struct {
	// Issues holds the human-readable validation failures.
	Issues []string
}

func (v *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(v.Issues, "; ")
}

// Default returns a sample configuration that is safe to edit and load.
func Default() *Config {
	refresh := true

	return &Config{
		DefaultVRF:         defaultVRFName,
		VRFs:               []VRFConfig{{Name: defaultVRFName}},
		Subscriptions:      []string{nltransport.ClassInterface.String()},
		RefreshOnStart:     &refresh,
		ManagementPrefixes: []string{"eth", "mgmt"},
		QueueSize:          defaultQueueSize,
		Restart: RestartConfig{
			InitialInterval: defaultInitialInterval,
			MaxInterval:     defaultMaxInterval,
		},
		Query: QueryConfig{
			LinkSettingsTTL: defaultSettingsTTL,
			SysfsPath:       defaultSysfsPath,
		},
		Metrics: MetricsConfig{Listen: defaultMetricsListen},
	}
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", "":
		return yamlparser.Parser(), nil
	case ".json":
		return jsonparser.Parser(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExtension, filepath.Ext(path))
	}
}

func Load(path string) (*Config, error) {
	parser, err := parserFor(path)
	if err != nil {
		return nil, err
	}

	konf := koanf.New(".")
	if err := konf.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}

	cfg := &Config{}
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "json",
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "json",
			WeaklyTypedInput: true,
			ErrorUnused:      true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
		},
	}

	if err := konf.UnmarshalWithConf("", cfg, unmarshalConf); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults populates unset configuration fields with their defaults.
// Metrics.Listen is left alone so an explicit empty value disables metrics.
func (c *Config) ApplyDefaults() {
	if c.DefaultVRF == "" {
		c.DefaultVRF = defaultVRFName
	}

	if !c.hasVRF(c.DefaultVRF) {
		c.VRFs = append([]VRFConfig{{Name: c.DefaultVRF}}, c.VRFs...)
	}

	if len(c.Subscriptions) == 0 {
		c.Subscriptions = []string{nltransport.ClassInterface.String()}
	}

	if c.RefreshOnStart == nil {
		refresh := true
		c.RefreshOnStart = &refresh
	}

	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}

	if c.Restart.InitialInterval <= 0 {
		c.Restart.InitialInterval = defaultInitialInterval
	}

	if c.Restart.MaxInterval <= 0 {
		c.Restart.MaxInterval = defaultMaxInterval
	}

	if c.Query.SysfsPath == "" {
		c.Query.SysfsPath = defaultSysfsPath
	}
}

func (c *Config) Validate() error {
	var issues []string

	issues = append(issues, validateVRFs(c)...)
	issues = append(issues, validateSubscriptions(c)...)

	for _, prefix := range c.ManagementPrefixes {
		if strings.TrimSpace(prefix) == "" {
			issues = append(issues, "management_prefixes: empty prefix")
		}
	}

	if c.Restart.MaxInterval < c.Restart.InitialInterval {
		issues = append(issues, "restart.max_interval must not be shorter than restart.initial_interval")
	}

	if c.Query.LinkSettingsTTL < 0 {
		issues = append(issues, "query.link_settings_ttl must not be negative")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}

	return nil
}

// Refresh reports whether workers replay kernel state at start.
func (c *Config) Refresh() bool {
	return c.RefreshOnStart == nil || *c.RefreshOnStart
}

// Classes parses Subscriptions.
func (c *Config) Classes() ([]nltransport.Class, error) {
	classes := make([]nltransport.Class, 0, len(c.Subscriptions))
	for _, name := range c.Subscriptions {
		class, err := nltransport.ParseClass(name)
		if err != nil {
			return nil, fmt.Errorf("subscriptions: %w", err)
		}

		classes = append(classes, class)
	}

	return classes, nil
}

// Directory builds the VRF directory described by the configuration.
func (c *Config) Directory() (*vrf.Directory, error) {
	var def vrf.VRF

	others := make([]vrf.VRF, 0, len(c.VRFs))
	for _, v := range c.VRFs {
		entry := vrf.VRF{Name: v.Name, ID: v.ID, Namespace: v.Namespace}
		if v.Name == c.DefaultVRF {
			def = entry

			continue
		}

		others = append(others, entry)
	}

	dir, err := vrf.NewDirectory(def, others...)
	if err != nil {
		return nil, fmt.Errorf("build vrf directory: %w", err)
	}

	return dir, nil
}

func (c *Config) hasVRF(name string) bool {
	for _, v := range c.VRFs {
		if v.Name == name {
			return true
		}
	}

	return false
}

func validateVRFs(cfg *Config) []string {
	var issues []string

	names := make(map[string]struct{}, len(cfg.VRFs))
	ids := make(map[uint32]string, len(cfg.VRFs))

	for i, v := range cfg.VRFs {
		if strings.TrimSpace(v.Name) == "" {
			issues = append(issues, fmt.Sprintf("vrfs[%d]: name must not be empty", i))

			continue
		}

		if _, dup := names[v.Name]; dup {
			issues = append(issues, fmt.Sprintf("vrfs[%d]: duplicate name %q", i, v.Name))
		}
		names[v.Name] = struct{}{}

		if other, dup := ids[v.ID]; dup {
			issues = append(issues, fmt.Sprintf("vrfs[%d]: id %d already used by %q", i, v.ID, other))
		}
		ids[v.ID] = v.Name

		if v.Name == cfg.DefaultVRF && v.Namespace != "" {
			issues = append(issues, fmt.Sprintf("vrfs[%d]: default vrf must use the daemon namespace", i))
		}
	}

	if _, ok := names[cfg.DefaultVRF]; !ok {
		issues = append(issues, fmt.Sprintf("default_vrf %q is not listed in vrfs", cfg.DefaultVRF))
	}

	return issues
}

func validateSubscriptions(cfg *Config) []string {
	var issues []string

	seen := make(map[string]struct{}, len(cfg.Subscriptions))
	for _, name := range cfg.Subscriptions {
		if _, err := nltransport.ParseClass(name); err != nil {
			issues = append(issues, fmt.Sprintf("subscriptions: %v", err))

			continue
		}

		key := strings.ToLower(strings.TrimSpace(name))
		if _, dup := seen[key]; dup {
			issues = append(issues, fmt.Sprintf("subscriptions: duplicate class %q", name))
		}
		seen[key] = struct{}{}
	}

	return issues
}
