package modhost

import (
	"context"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modhost/loadunit"
)

// testModule is a configurable Module used across the package tests.
type testModule struct {
	name        string
	version     string
	description string
	deps        []string
	depModules  []ModuleDependency
	metadata    map[string]string

	startErr error
	journal  *journal
	started  atomic.Int32
	stopped  atomic.Int32
}

func newTestModule(name, version string) *testModule {
	return &testModule{name: name, version: version, description: name + " module"}
}

func (m *testModule) requires(name, versionRange string) *testModule {
	m.depModules = append(m.depModules, ModuleDependency{ModuleName: name, VersionRange: versionRange, IsRequired: true})
	return m
}

func (m *testModule) optional(name, versionRange string) *testModule {
	m.depModules = append(m.depModules, ModuleDependency{ModuleName: name, VersionRange: versionRange})
	return m
}

func (m *testModule) legacy(names ...string) *testModule {
	m.deps = append(m.deps, names...)
	return m
}

func (m *testModule) withJournal(j *journal) *testModule {
	m.journal = j
	return m
}

// clone returns a fresh instance with the same declarations.
func (m *testModule) clone() *testModule {
	return &testModule{
		name:        m.name,
		version:     m.version,
		description: m.description,
		deps:        slices.Clone(m.deps),
		depModules:  slices.Clone(m.depModules),
		metadata:    maps.Clone(m.metadata),
		startErr:    m.startErr,
		journal:     m.journal,
	}
}

func (m *testModule) Name() string                          { return m.name }
func (m *testModule) Version() string                       { return m.version }
func (m *testModule) Description() string                   { return m.description }
func (m *testModule) Dependencies() []string                { return m.deps }
func (m *testModule) DependencyModules() []ModuleDependency { return m.depModules }
func (m *testModule) Metadata() map[string]string           { return m.metadata }

func (m *testModule) Start(context.Context) error {
	m.started.Add(1)
	if m.journal != nil {
		m.journal.add("start:" + m.name)
	}
	return m.startErr
}

func (m *testModule) Stop(context.Context) error {
	m.stopped.Add(1)
	if m.journal != nil {
		m.journal.add("stop:" + m.name)
	}
	return nil
}

// journal records calls from several modules in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.entries)
}

// testCatalog registers each template as an in-process image whose factory
// returns a fresh clone. builds counts factory calls per module.
type testCatalog struct {
	*Catalog
	mu     sync.Mutex
	builds map[string]int
}

func newTestCatalog(t *testing.T, templates ...*testModule) *testCatalog {
	t.Helper()
	c := &testCatalog{Catalog: NewCatalog(), builds: make(map[string]int)}
	for _, tmpl := range templates {
		c.add(t, tmpl)
	}
	return c
}

func (c *testCatalog) add(t *testing.T, tmpl *testModule) {
	t.Helper()
	require.NoError(t, c.RegisterFactory(tmpl.name, func(*FactoryContext) (Module, error) {
		c.mu.Lock()
		c.builds[tmpl.name]++
		c.mu.Unlock()
		return tmpl.clone(), nil
	}))
	c.RegisterImage("test/"+tmpl.name, tmpl.name)
}

func (c *testCatalog) buildCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.builds[name]
}

// testConfig returns a configuration without file system paths and with
// short delays.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.UnloadTimeout = time.Second
	cfg.ReloadSettleDelay = 0
	return cfg
}

func newTestLoader(cfg *Config, c *Catalog, opts ...LoaderOption) *Loader {
	base := []LoaderOption{
		WithCatalog(c),
		WithUnitOptions(loadunit.WithPollInterval(5 * time.Millisecond)),
	}
	return NewLoader(cfg, append(base, opts...)...)
}

// writeFile writes content to dir/name, creating parent directories.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// recordingLogger keeps log messages for assertions.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

func (l *recordingLogger) log(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *recordingLogger) Info(msg string, args ...any)  { l.log("info", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.log("error", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.log("warn", msg, args) }
func (l *recordingLogger) Debug(msg string, args ...any) { l.log("debug", msg, args) }

func (l *recordingLogger) messages(level string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.entries {
		if e.level == level {
			out = append(out, e.msg)
		}
	}
	return out
}
