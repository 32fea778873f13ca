package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/botfleet/botfleet/internal/core/domain"
	"github.com/botfleet/botfleet/internal/core/envfile"
	"github.com/botfleet/botfleet/internal/core/ports"
)

// proc is the ephemeral handle for one live bot process or container. It
// never outlives the OS process it tracks.
type proc struct {
	botID     string
	botName   string
	container bool

	cmd         *exec.Cmd // file-backed
	containerID string    // container-backed

	mu            sync.Mutex
	stopRequested bool
	killed        bool

	// exited closes as soon as the underlying process is gone; cleanup may
	// still be in flight at that point.
	exited chan struct{}
}

func (p *proc) markStop() {
	p.mu.Lock()
	p.stopRequested = true
	p.mu.Unlock()
}

func (p *proc) stopWasRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopRequested
}

func (p *proc) pid() int {
	if p.container || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// healthy is a presence check, not a behavioral probe.
func (p *proc) healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return false
	}
	if p.container {
		return p.containerID != ""
	}
	return p.cmd != nil && p.cmd.Process != nil && p.cmd.Process.Pid > 0
}

// buildEnv layers the bot's stored environment over the parent process's
// own, then pins the deterministic port under both conventional names.
func buildEnv(b *domain.Bot) []string {
	merged := envfile.Merge(envFromSlice(os.Environ()), envfile.Parse(b.EnvText))
	merged["PORT"] = fmt.Sprintf("%d", b.Port)
	merged["SERVER_PORT"] = fmt.Sprintf("%d", b.Port)
	return envfile.ToSlice(merged)
}

func envFromSlice(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		if i := strings.Index(kv, "="); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// launchProcess starts a file-backed bot: the stored run command as a shell
// invocation in the resolved directory, in its own process group so stop
// signals reach the whole tree.
func (s *Supervisor) launchProcess(b *domain.Bot, env []string) (*proc, error) {
	cmd := exec.Command("sh", "-c", b.RunCommand)
	cmd.Dir = b.ArtifactPath
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn run command: %w", err)
	}

	p := &proc{
		botID:   b.ID,
		botName: b.Name,
		cmd:     cmd,
		exited:  make(chan struct{}),
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go s.pumpLines(stdout, b.ID, "stdout> ", &pumps)
	go s.pumpLines(stderr, b.ID, "stderr> ", &pumps)

	s.wg.Add(1)
	go s.watch(p, func() (int, error) {
		// output capture must finish before Wait closes the pipes
		pumps.Wait()
		err := cmd.Wait()
		if err == nil {
			return 0, nil
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return ee.ExitCode(), nil
		}
		return -1, err
	})
	return p, nil
}

// launchContainer runs the prebuilt image under a deterministic container
// name with the bot's port published.
func (s *Supervisor) launchContainer(ctx context.Context, b *domain.Bot, env []string) (*proc, error) {
	id, err := s.runtime.RunImage(ctx, ports.RunSpec{
		Image: b.ArtifactPath,
		Name:  s.containerName(b.Name),
		Port:  b.Port,
		Env:   env,
	})
	if err != nil {
		return nil, fmt.Errorf("run container: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	p := &proc{
		botID:       b.ID,
		botName:     b.Name,
		container:   true,
		containerID: id,
		exited:      make(chan struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.runtime.StreamLogs(streamCtx, id, func(line string) {
			s.logs.Append(b.ID, line)
		}); err != nil && streamCtx.Err() == nil {
			log.WithField("bot", b.Name).Warnf("container log stream: %v", err)
		}
	}()

	s.wg.Add(1)
	go s.watch(p, func() (int, error) {
		code, err := s.runtime.WaitExit(streamCtx, id)
		cancel()
		return int(code), err
	})
	return p, nil
}

func (s *Supervisor) pumpLines(r io.Reader, botID, prefix string, pumps *sync.WaitGroup) {
	defer pumps.Done()
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			s.logs.Append(botID, prefix+strings.TrimRight(line, "\n"))
		}
		if err != nil {
			return
		}
	}
}

// watch blocks until the process exits, then classifies the outcome,
// persists it, and schedules an auto-restart on crash. When the exit was
// operator-requested, Stop owns the teardown and watch only signals.
func (s *Supervisor) watch(p *proc, waitFn func() (int, error)) {
	defer s.wg.Done()
	code, waitErr := waitFn()
	close(p.exited)

	lk := s.lockFor(p.botID)
	lk.Lock()
	defer lk.Unlock()

	if p.stopWasRequested() {
		return
	}
	s.removeProc(p)

	status := domain.StatusStopped
	if waitErr != nil || code != 0 {
		status = domain.StatusError
	}
	if waitErr != nil {
		s.logs.Append(p.botID, fmt.Sprintf("process wait failed: %v", waitErr))
	} else {
		s.logs.Append(p.botID, fmt.Sprintf("process exited with code %d", code))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	zero := 0
	if err := s.registry.Update(ctx, p.botID, domain.BotUpdate{Status: &status, PID: &zero}); err != nil {
		log.WithField("bot", p.botName).Errorf("persist exit status: %v", err)
	}
	s.notifyStatus(p.botID, status)

	if status != domain.StatusError {
		return
	}
	b, err := s.registry.Get(ctx, p.botID)
	if err != nil || b == nil || !b.AutoRestart {
		return
	}
	s.scheduleRestart(p.botID, p.botName)
}

// scheduleRestart arms a deferred start after the crash backoff delay. The
// supervisor stays responsive while the restart is pending.
func (s *Supervisor) scheduleRestart(botID, botName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.timers[botID] != nil {
		return
	}
	prior := s.restarts[botID]
	delay := backoffDelay(prior, s.cfg.BackoffBase, s.cfg.BackoffCap)
	s.logs.Append(botID, fmt.Sprintf("auto-restart scheduled in %s (attempt %d)", delay, prior+1))
	log.WithField("bot", botName).Infof("auto-restart in %s (attempt %d)", delay, prior+1)

	s.timers[botID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, botID)
		s.restarts[botID] = prior + 1
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.start(ctx, botID, true); err != nil {
			log.WithField("bot", botName).Errorf("auto-restart failed: %v", err)
		}
	})
}

// backoffDelay grows linearly with the prior restart count and is bounded:
// base, 2*base, 3*base, ... up to maxDelay.
func backoffDelay(priorRestarts int, base, maxDelay time.Duration) time.Duration {
	d := base*time.Duration(priorRestarts) + base
	if d > maxDelay {
		return maxDelay
	}
	return d
}

func (s *Supervisor) removeProc(p *proc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.procs[p.botID] == p {
		delete(s.procs, p.botID)
	}
}

func (s *Supervisor) liveProc(botID string) *proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[botID]
}

// terminate asks the process to exit voluntarily.
func (s *Supervisor) terminate(p *proc) {
	if p.container {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopGrace+5*time.Second)
			defer cancel()
			if err := s.runtime.StopContainer(ctx, p.containerID, s.cfg.StopGrace); err != nil {
				log.WithField("bot", p.botName).Warnf("container stop: %v", err)
			}
		}()
		return
	}
	pid := p.pid()
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		// process group may already be gone, fall back to the single pid
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
}

// kill forces the process down.
func (s *Supervisor) kill(p *proc) {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	if p.container {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.runtime.KillContainer(ctx, p.containerID); err != nil {
			log.WithField("bot", p.botName).Warnf("container kill: %v", err)
		}
		return
	}
	pid := p.pid()
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = syscall.Kill(pid, syscall.SIGKILL)
}
