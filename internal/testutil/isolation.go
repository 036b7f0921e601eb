// Package testutil holds helpers shared by the host's tests.
package testutil

import (
	"os"
	"strings"
	"testing"
)

// EnvPrefix is the prefix of every environment variable the host reads.
const EnvPrefix = "MODHOST_"

// WithIsolatedEnv clears the host's environment variables, runs fn and
// restores the previous values afterwards.
func WithIsolatedEnv(fn func()) {
	restore := snapshot()
	defer restore()
	fn()
}

// Isolate is the *testing.T variant of WithIsolatedEnv. The host's
// environment variables are cleared now and restored by t.Cleanup.
func Isolate(t *testing.T) {
	t.Helper()
	t.Cleanup(snapshot())
}

func snapshot() func() {
	saved := map[string]string{}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		saved[key] = value
		_ = os.Unsetenv(key)
	}

	return func() {
		for _, kv := range os.Environ() {
			if key, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(key, EnvPrefix) {
				_ = os.Unsetenv(key)
			}
		}
		for key, value := range saved {
			_ = os.Setenv(key, value)
		}
	}
}
