package buildexec

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu    sync.Mutex
	lines []string
	tags  []Stream
}

func (c *capture) fn() OutputFunc {
	return func(stream Stream, line string) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.lines = append(c.lines, line)
		c.tags = append(c.tags, stream)
	}
}

func (c *capture) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestNormalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"python main.py", "python3 main.py"},
		{"pip install -r requirements.txt", "pip3 install -r requirements.txt"},
		{"python3 main.py", "python3 main.py"},
		{"pip3 install flask", "pip3 install flask"},
		{"mypython main.py", "mypython main.py"},
		{"echo python && python run.py", "echo python3 && python3 run.py"},
		{"npm install", "npm install"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(tc.in), tc.in)
	}
}

func TestRunStreamsStdoutAndStderr(t *testing.T) {
	c := &capture{}
	err := New(nil).Run(t.Context(), "echo out; echo err 1>&2", t.TempDir(), c.fn())
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.lines, 2)
	assert.Contains(t, c.lines, "out")
	assert.Contains(t, c.lines, "err")
	assert.Contains(t, c.tags, Stdout)
	assert.Contains(t, c.tags, Stderr)
}

func TestRunNonZeroExitCarriesStderr(t *testing.T) {
	c := &capture{}
	err := New(nil).Run(t.Context(), "echo broken build 1>&2; exit 3", t.TempDir(), c.fn())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 3")
	assert.Contains(t, err.Error(), "broken build")
}

func TestRunSpawnErrorIsFailure(t *testing.T) {
	c := &capture{}
	err := New(nil).Run(t.Context(), "echo hi", filepath.Join(t.TempDir(), "missing-dir"), c.fn())
	require.Error(t, err)
}

func TestSkipManagedInstallsSkipsPip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("flask\n"), 0o644))

	c := &capture{}
	// "exit 7" would fail if the command actually ran
	err := New(SkipManagedInstalls{}).Run(t.Context(), "pip install -r requirements.txt && exit 7", dir, c.fn())
	require.NoError(t, err)
	require.Len(t, c.all(), 1)
	assert.Contains(t, c.all()[0], "skipping pip install")
}

func TestSkipManagedInstallsRequiresManifest(t *testing.T) {
	c := &capture{}
	err := New(SkipManagedInstalls{}).Run(t.Context(), "pip install flask", t.TempDir(), c.fn())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requirements.txt")
}

func TestSkipManagedInstallsIgnoresOtherCommands(t *testing.T) {
	c := &capture{}
	err := New(SkipManagedInstalls{}).Run(t.Context(), "echo built", t.TempDir(), c.fn())
	require.NoError(t, err)
	assert.Contains(t, c.all(), "built")
}

func TestExecuteAllRunsInstalls(t *testing.T) {
	c := &capture{}
	err := New(ExecuteAll{}).Run(t.Context(), "echo pip install ran", t.TempDir(), c.fn())
	require.NoError(t, err)
	assert.Contains(t, c.all(), "pip install ran")
}

func TestRunExecutesInWorkdir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644))
	c := &capture{}
	err := New(nil).Run(t.Context(), "ls marker.txt", dir, c.fn())
	require.NoError(t, err)
	assert.Contains(t, c.all(), "marker.txt")
}
