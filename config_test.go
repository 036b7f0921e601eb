package modhost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modhost/internal/testutil"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "*.Module.*", cfg.FilePattern)
	assert.True(t, cfg.IncludeLoadedAssemblies)
	assert.Equal(t, 30*time.Second, cfg.UnloadTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.ReloadSettleDelay)
	assert.Equal(t, DefaultSystemPrefixes, cfg.SystemPrefixes)
	assert.Equal(t, 500*time.Millisecond, cfg.Watch.SettleDelay)
	assert.Equal(t, 2*time.Second, cfg.Watch.Cooldown)
	assert.Equal(t, 3, cfg.Watch.MaxConsecutiveFailures)
	assert.Equal(t, time.Second, cfg.Watch.RestartDelay)
	assert.Equal(t, 100, cfg.Health.HistorySize)
	assert.False(t, cfg.Watch.Enabled)
}

func TestLoadConfig(t *testing.T) {
	t.Run("should read yaml and keep defaults for absent keys", func(t *testing.T) {
		testutil.Isolate(t)
		path := writeFile(t, t.TempDir(), "host.yaml", `paths: [./modules]
recursiveSearch: true
includeLoadedAssemblies: false
unloadTimeout: 5s
watch:
  enabled: true
  cooldown: 750ms
`)
		cfg, err := LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, []string{"./modules"}, cfg.Paths)
		assert.True(t, cfg.RecursiveSearch)
		assert.False(t, cfg.IncludeLoadedAssemblies)
		assert.Equal(t, 5*time.Second, cfg.UnloadTimeout)
		assert.True(t, cfg.Watch.Enabled)
		assert.Equal(t, 750*time.Millisecond, cfg.Watch.Cooldown)
		assert.Equal(t, 500*time.Millisecond, cfg.Watch.SettleDelay)
		assert.Equal(t, "*.Module.*", cfg.FilePattern)
	})

	t.Run("should read toml", func(t *testing.T) {
		testutil.Isolate(t)
		path := writeFile(t, t.TempDir(), "host.toml", `paths = ["/opt/modules"]
enabledModules = ["Billing"]

[health]
schedule = "@every 10s"
`)
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"/opt/modules"}, cfg.Paths)
		assert.Equal(t, []string{"Billing"}, cfg.EnabledModules)
		assert.Equal(t, "@every 10s", cfg.Health.Schedule)
		assert.True(t, cfg.IncludeLoadedAssemblies)
	})

	t.Run("should let environment variables override the file", func(t *testing.T) {
		testutil.Isolate(t)
		path := writeFile(t, t.TempDir(), "host.yaml", "filePattern: \"*.Module.yaml\"\nunloadTimeout: 5s\n")
		t.Setenv("MODHOST_UNLOAD_TIMEOUT", "12s")
		t.Setenv("MODHOST_EXCLUDED_NAMES", "Legacy,Broken")
		t.Setenv("MODHOST_WATCH_MAX_CONSECUTIVE_FAILURES", "5")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "*.Module.yaml", cfg.FilePattern)
		assert.Equal(t, 12*time.Second, cfg.UnloadTimeout)
		assert.Equal(t, []string{"Legacy", "Broken"}, cfg.ExcludedNames)
		assert.Equal(t, 5, cfg.Watch.MaxConsecutiveFailures)
	})

	t.Run("should work from the environment alone", func(t *testing.T) {
		testutil.Isolate(t)
		t.Setenv("MODHOST_PATHS", "/a,/b")
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, []string{"/a", "/b"}, cfg.Paths)
	})

	t.Run("should reject an unknown format", func(t *testing.T) {
		_, err := LoadConfig("host.ini")
		assert.ErrorIs(t, err, ErrUnsupportedConfigFormat)
	})

	t.Run("should reject a bad file pattern", func(t *testing.T) {
		testutil.Isolate(t)
		path := writeFile(t, t.TempDir(), "host.yaml", "filePattern: \"[\"\n")
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})
}

func TestConfig_Filters(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.IsModuleEnabled("Anything"))

	cfg.EnabledModules = []string{"billing"}
	assert.True(t, cfg.IsModuleEnabled("Billing"))
	assert.False(t, cfg.IsModuleEnabled("Audit"))

	cfg.EnabledModules = []string{"*"}
	assert.True(t, cfg.IsModuleEnabled("Audit"))

	cfg.ExcludedNames = []string{"Legacy"}
	assert.True(t, cfg.IsExcluded("x", "legacy"))
	assert.False(t, cfg.IsExcluded("Billing"))
	cfg.ExcludedNames = append(cfg.ExcludedNames, "")
	assert.False(t, cfg.IsExcluded(""), "empty names never match")
}

func TestProcessConfigDefaults(t *testing.T) {
	t.Run("should reject invalid targets", func(t *testing.T) {
		assert.ErrorIs(t, ProcessConfigDefaults(nil), ErrConfigNil)
		assert.ErrorIs(t, ProcessConfigDefaults(Config{}), ErrConfigNotPointer)
		n := 3
		assert.ErrorIs(t, ProcessConfigDefaults(&n), ErrConfigNotStruct)
	})

	t.Run("should leave set values alone", func(t *testing.T) {
		cfg := &Config{UnloadTimeout: time.Minute, FilePattern: "*.yaml"}
		require.NoError(t, ProcessConfigDefaults(cfg))
		assert.Equal(t, time.Minute, cfg.UnloadTimeout)
		assert.Equal(t, "*.yaml", cfg.FilePattern)
		assert.Equal(t, 100*time.Millisecond, cfg.ReloadSettleDelay)
	})

	t.Run("should report unsupported default types", func(t *testing.T) {
		type odd struct {
			Ratio float64 `default:"0.5"`
		}
		assert.ErrorIs(t, ProcessConfigDefaults(&odd{}), ErrUnsupportedTypeForDefault)
	})
}

func TestDescribeConfig(t *testing.T) {
	fields := DescribeConfig()
	byKey := make(map[string]ConfigField, len(fields))
	for _, f := range fields {
		byKey[f.Key] = f
	}
	assert.Equal(t, "MODHOST_UNLOAD_TIMEOUT", byKey["unloadTimeout"].Env)
	assert.Equal(t, "30s", byKey["unloadTimeout"].Default)
	assert.Equal(t, "MODHOST_WATCH_COOLDOWN", byKey["watch.cooldown"].Env)
	assert.NotEmpty(t, byKey["health.schedule"].Description)
}
