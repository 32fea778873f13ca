// Package buildexec runs optional build commands inside resolved artifact
// directories, streaming their output line by line.
package buildexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var log = logrus.WithField("component", "buildexec")

// Stream tags an output line with its origin.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// OutputFunc receives build output as it arrives.
type OutputFunc func(stream Stream, line string)

// Interpreter aliases rewritten to explicit versions before execution.
// Whole-word matches only: "python3" and "mypython" are left alone.
var normalizations = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`\bpython\b`), "python3"},
	{regexp.MustCompile(`\bpip\b`), "pip3"},
}

// Normalize rewrites ambiguous interpreter aliases in a build command.
func Normalize(command string) string {
	for _, n := range normalizations {
		command = n.re.ReplaceAllString(command, n.replacement)
	}
	return command
}

var pipInstallRe = regexp.MustCompile(`\bpip3?\s+install\b`)

// InstallPolicy decides whether a dependency-install command is executed or
// handled some other way.
type InstallPolicy interface {
	// Intercept returns true when it handled the command itself, in which
	// case the executor does not run it.
	Intercept(command, workdir string, out OutputFunc) (bool, error)
}

// SkipManagedInstalls treats pip installs as pre-satisfied by the hosting
// environment: it only verifies the manifest exists and logs a skip notice.
type SkipManagedInstalls struct {
	// Stat is swappable for tests; defaults to os.Stat semantics.
	Stat func(dir, name string) error
}

func (p SkipManagedInstalls) Intercept(command, workdir string, out OutputFunc) (bool, error) {
	if !pipInstallRe.MatchString(command) {
		return false, nil
	}
	if err := p.stat(workdir, "requirements.txt"); err != nil {
		return true, fmt.Errorf("pip install requested but requirements.txt is missing: %w", err)
	}
	out(Stdout, "skipping pip install: common packages are pre-installed by the host")
	return true, nil
}

func (p SkipManagedInstalls) stat(dir, name string) error {
	if p.Stat != nil {
		return p.Stat(dir, name)
	}
	return defaultStat(dir, name)
}

// ExecuteAll runs every command, including installs.
type ExecuteAll struct{}

func (ExecuteAll) Intercept(string, string, OutputFunc) (bool, error) {
	return false, nil
}

// Executor runs build commands as shell invocations in a working directory.
type Executor struct {
	policy InstallPolicy
}

func New(policy InstallPolicy) *Executor {
	if policy == nil {
		policy = ExecuteAll{}
	}
	return &Executor{policy: policy}
}

// Run normalizes and executes command in workdir, streaming stdout and
// stderr to out as lines arrive. A zero exit code is success; any other
// exit, or a spawn error, is returned as an error carrying the captured
// stderr as the reason.
func (e *Executor) Run(ctx context.Context, command, workdir string, out OutputFunc) error {
	command = Normalize(command)
	if handled, err := e.policy.Intercept(command, workdir, out); handled {
		return err
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workdir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("capture stderr: %w", err)
	}

	var errBuf lineBuffer
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn build command: %w", err)
	}
	log.WithField("dir", workdir).Debugf("running build command: %s", command)

	var g errgroup.Group
	g.Go(func() error { pump(stdout, Stdout, out, nil); return nil })
	g.Go(func() error { pump(stderr, Stderr, out, &errBuf); return nil })
	_ = g.Wait()

	if err := cmd.Wait(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return fmt.Errorf("build exited with code %d: %s", ee.ExitCode(), errBuf.tail())
		}
		return fmt.Errorf("build command failed: %w", err)
	}
	return nil
}

// pump reads r line by line, forwarding each to out and optionally retaining
// it for error reporting.
func pump(r io.Reader, stream Stream, out OutputFunc, keep *lineBuffer) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			trimmed := strings.TrimRight(line, "\n")
			out(stream, trimmed)
			if keep != nil {
				keep.add(trimmed)
			}
		}
		if err != nil {
			return
		}
	}
}

// lineBuffer retains the most recent stderr lines for failure reasons.
type lineBuffer struct {
	mu    sync.Mutex
	lines []string
}

const keepLines = 50

func (b *lineBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > keepLines {
		b.lines = b.lines[len(b.lines)-keepLines:]
	}
}

func (b *lineBuffer) tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) == 0 {
		return "(no stderr output)"
	}
	return strings.Join(b.lines, "; ")
}
