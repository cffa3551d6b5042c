package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildBinary compiles ./cmd/sendguard into a temp dir and returns its path.
func buildBinary(t *testing.T) string {
	t.Helper()

	gomod, err := exec.Command("go", "env", "GOMOD").Output()
	require.NoError(t, err)
	repoRoot := filepath.Dir(strings.TrimSpace(string(gomod)))
	require.NotEqual(t, ".", repoRoot, "go env GOMOD returned empty")

	binary := filepath.Join(t.TempDir(), "sendguard")
	build := exec.Command("go", "build", "-o", binary, "./cmd/sendguard")
	build.Dir = repoRoot
	build.Env = os.Environ()
	out, err := build.CombinedOutput()
	require.NoError(t, err, string(out))
	return binary
}

func TestStandaloneBinaryRunsOutsideRepo(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix-only exec test")
	}
	if testing.Short() {
		t.Skip("builds the binary")
	}

	binary := buildBinary(t)
	outside := t.TempDir()

	run := func(args ...string) string {
		cmd := exec.Command(binary, args...)
		cmd.Dir = outside
		cmd.Env = append(os.Environ(),
			"XDG_CONFIG_HOME="+filepath.Join(outside, "config"),
			"SENDGUARD_STORE_DRIVER=memory",
			"SENDGUARD_CACHE_DRIVER=none",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "%v: %s", args, out)
		return string(out)
	}

	assert.Contains(t, run("version"), "sendguard")
	assert.Contains(t, run("--help"), "rate-limit")
	assert.Contains(t, run("rate-limit", "--help"), "sweep")
	assert.Contains(t, run("rate-limit", "check", "acme-1", "--output-format", "json"), `"canSend": true`)
}
