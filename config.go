package modhost

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golobby/config/v3"

	"github.com/GoCodeAlone/modhost/feeders"
)

// EnvPrefix prefixes every environment override, e.g. MODHOST_UNLOAD_TIMEOUT.
const EnvPrefix = "MODHOST"

// Struct tag keys
const (
	tagDefault = "default"
	tagDesc    = "desc"
)

// Config configures discovery, loading, the watcher and the health monitor.
// Durations are written as "500ms" or "2s" in YAML, TOML and environment
// variables, and as nanoseconds in JSON.
type Config struct {
	Paths                   []string      `yaml:"paths" json:"paths" toml:"paths" env:"PATHS" desc:"Directories searched for module manifests"`
	FilePattern             string        `yaml:"filePattern" json:"filePattern" toml:"filePattern" env:"FILE_PATTERN" default:"*.Module.*" desc:"Glob matched against manifest file names"`
	RecursiveSearch         bool          `yaml:"recursiveSearch" json:"recursiveSearch" toml:"recursiveSearch" env:"RECURSIVE_SEARCH" desc:"Search subdirectories of each path"`
	IncludeLoadedAssemblies bool          `yaml:"includeLoadedAssemblies" json:"includeLoadedAssemblies" toml:"includeLoadedAssemblies" env:"INCLUDE_LOADED_ASSEMBLIES" desc:"Also load images registered in the process catalog"`
	ExcludedNames           []string      `yaml:"excludedNames" json:"excludedNames" toml:"excludedNames" env:"EXCLUDED_NAMES" desc:"File or module names never loaded"`
	EnabledModules          []string      `yaml:"enabledModules" json:"enabledModules" toml:"enabledModules" env:"ENABLED_MODULES" desc:"Allow-list of module names; empty or * admits all"`
	UnloadTimeout           time.Duration `yaml:"unloadTimeout" json:"unloadTimeout" toml:"unloadTimeout" env:"UNLOAD_TIMEOUT" default:"30s" desc:"Wait for a load unit to be released"`
	ReloadSettleDelay       time.Duration `yaml:"reloadSettleDelay" json:"reloadSettleDelay" toml:"reloadSettleDelay" env:"RELOAD_SETTLE_DELAY" default:"100ms" desc:"Pause between unload and load during a reload"`
	SystemPrefixes          []string      `yaml:"systemPrefixes" json:"systemPrefixes" toml:"systemPrefixes" env:"SYSTEM_PREFIXES" default:"[\"runtime/\",\"internal/\",\"golang.org/\",\"std/\"]" desc:"Catalog image name prefixes that are never loaded"`

	Watch  WatchConfig  `yaml:"watch" json:"watch" toml:"watch"`
	Health HealthConfig `yaml:"health" json:"health" toml:"health"`
}

// WatchConfig configures the hot-reload watcher. Empty Paths and
// FilePattern fall back to the top-level values.
type WatchConfig struct {
	Enabled                bool          `yaml:"enabled" json:"enabled" toml:"enabled" env:"WATCH_ENABLED" desc:"Reload modules when their manifests change"`
	Paths                  []string      `yaml:"paths" json:"paths" toml:"paths" env:"WATCH_PATHS" desc:"Directories to watch"`
	FilePattern            string        `yaml:"filePattern" json:"filePattern" toml:"filePattern" env:"WATCH_FILE_PATTERN" desc:"Glob matched against changed file names"`
	Recursive              bool          `yaml:"recursive" json:"recursive" toml:"recursive" env:"WATCH_RECURSIVE" desc:"Watch subdirectories"`
	SettleDelay            time.Duration `yaml:"settleDelay" json:"settleDelay" toml:"settleDelay" env:"WATCH_SETTLE_DELAY" default:"500ms" desc:"Quiet period after the last change before reloading"`
	Cooldown               time.Duration `yaml:"cooldown" json:"cooldown" toml:"cooldown" env:"WATCH_COOLDOWN" default:"2s" desc:"Minimum time between reloads of one module"`
	MaxConsecutiveFailures int           `yaml:"maxConsecutiveFailures" json:"maxConsecutiveFailures" toml:"maxConsecutiveFailures" env:"WATCH_MAX_CONSECUTIVE_FAILURES" default:"3" desc:"Failed reloads before a module's circuit opens"`
	RestartDelay           time.Duration `yaml:"restartDelay" json:"restartDelay" toml:"restartDelay" env:"WATCH_RESTART_DELAY" default:"1s" desc:"Pause before restarting after a watcher error"`
}

// HealthConfig configures the periodic health monitor. An empty schedule
// disables it.
type HealthConfig struct {
	Schedule    string `yaml:"schedule" json:"schedule" toml:"schedule" env:"HEALTH_SCHEDULE" desc:"Cron spec or @every interval for health checks"`
	HistorySize int    `yaml:"historySize" json:"historySize" toml:"historySize" env:"HEALTH_HISTORY_SIZE" default:"100" desc:"Reports kept in the monitor history"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{IncludeLoadedAssemblies: true}
	if err := ProcessConfigDefaults(cfg); err != nil {
		panic(fmt.Sprintf("modhost: invalid default tags: %v", err))
	}
	return cfg
}

// LoadConfig reads the file at path (YAML, TOML or JSON by extension; an
// empty path skips the file), applies MODHOST_ environment overrides, fills
// remaining defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{IncludeLoadedAssemblies: true}

	c := config.New()
	if path != "" {
		f, err := feeders.ForFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedConfigFormat, path)
		}
		c.AddFeeder(f)
	}
	c.AddFeeder(feeders.NewAffixedEnvFeeder(EnvPrefix, ""))
	c.AddStruct(cfg)

	if err := c.Feed(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := ProcessConfigDefaults(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the file pattern and duration values.
func (c *Config) Validate() error {
	if _, err := filepath.Match(c.FilePattern, ""); err != nil {
		return fmt.Errorf("config: filePattern %q: %w", c.FilePattern, err)
	}
	if c.Watch.FilePattern != "" {
		if _, err := filepath.Match(c.Watch.FilePattern, ""); err != nil {
			return fmt.Errorf("config: watch.filePattern %q: %w", c.Watch.FilePattern, err)
		}
	}
	for name, d := range map[string]time.Duration{
		"unloadTimeout":     c.UnloadTimeout,
		"reloadSettleDelay": c.ReloadSettleDelay,
		"watch.settleDelay": c.Watch.SettleDelay,
		"watch.cooldown":    c.Watch.Cooldown,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative, got %s", name, d)
		}
	}
	return nil
}

// IsModuleEnabled reports whether name passes the EnabledModules allow-list.
func (c *Config) IsModuleEnabled(name string) bool {
	if len(c.EnabledModules) == 0 {
		return true
	}
	return slices.ContainsFunc(c.EnabledModules, func(allowed string) bool {
		return allowed == "*" || strings.EqualFold(allowed, name)
	})
}

// IsExcluded reports whether any of names is listed in ExcludedNames.
func (c *Config) IsExcluded(names ...string) bool {
	return listedFold(c.ExcludedNames, names...)
}

// listedFold reports whether any non-empty name is in list, ignoring case.
func listedFold(list []string, names ...string) bool {
	for _, listed := range list {
		for _, name := range names {
			if name != "" && strings.EqualFold(listed, name) {
				return true
			}
		}
	}
	return false
}

// watchConfig returns the watcher settings with path and pattern defaults
// taken from the top level.
func (c *Config) watchConfig() WatchConfig {
	w := c.Watch
	if len(w.Paths) == 0 {
		w.Paths = slices.Clone(c.Paths)
	}
	if w.FilePattern == "" {
		w.FilePattern = c.FilePattern
	}
	if !w.Recursive {
		w.Recursive = c.RecursiveSearch
	}
	return w
}

// ProcessConfigDefaults fills zero-valued fields that carry a `default` tag.
// Nested structs are processed recursively; nil struct pointers are left
// alone.
func ProcessConfigDefaults(cfg any) error {
	if cfg == nil {
		return ErrConfigNil
	}

	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return ErrConfigNotPointer
	}

	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return ErrConfigNotStruct
	}

	return processStructDefaults(v)
}

func processStructDefaults(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := processStructDefaults(field); err != nil {
				return err
			}
			continue
		}

		if field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct {
			if !field.IsNil() {
				if err := processStructDefaults(field.Elem()); err != nil {
					return err
				}
			}
			continue
		}

		defaultVal, hasDefault := fieldType.Tag.Lookup(tagDefault)
		if !hasDefault || !field.IsZero() {
			continue
		}

		if err := setDefaultValue(field, defaultVal); err != nil {
			return fmt.Errorf("failed to set default value for %s: %w", fieldType.Name, err)
		}
	}

	return nil
}

func setDefaultValue(field reflect.Value, defaultVal string) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(defaultVal)
		if err != nil {
			return fmt.Errorf("failed to parse duration value: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(defaultVal)
	case reflect.Bool:
		b, err := strconv.ParseBool(defaultVal)
		if err != nil {
			return fmt.Errorf("failed to parse bool value: %w", err)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(defaultVal, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse int value: %w", err)
		}
		if field.OverflowInt(i) {
			return fmt.Errorf("%w: %d overflows %s", ErrUnsupportedTypeForDefault, i, field.Type())
		}
		field.SetInt(i)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("%w: %s", ErrUnsupportedTypeForDefault, field.Type())
		}
		var strs []string
		if err := json.Unmarshal([]byte(defaultVal), &strs); err != nil {
			return fmt.Errorf("failed to unmarshal JSON array: %w", err)
		}
		sliceVal := reflect.MakeSlice(field.Type(), len(strs), len(strs))
		for i, s := range strs {
			sliceVal.Index(i).SetString(s)
		}
		field.Set(sliceVal)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedTypeForDefault, field.Kind())
	}
	return nil
}

// ConfigField describes one configuration key for documentation output.
type ConfigField struct {
	Key         string
	Env         string
	Default     string
	Description string
}

// DescribeConfig lists the keys of Config with their environment variable,
// default and description, nested keys in dotted form.
func DescribeConfig() []ConfigField {
	var fields []ConfigField
	describeStruct(reflect.TypeOf(Config{}), "", &fields)
	return fields
}

func describeStruct(t reflect.Type, prefix string, out *[]ConfigField) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := prefix + f.Tag.Get("yaml")
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Duration(0)) {
			describeStruct(f.Type, key+".", out)
			continue
		}
		field := ConfigField{
			Key:         key,
			Default:     f.Tag.Get(tagDefault),
			Description: f.Tag.Get(tagDesc),
		}
		if env := f.Tag.Get("env"); env != "" {
			field.Env = EnvPrefix + "_" + env
		}
		*out = append(*out, field)
	}
}
