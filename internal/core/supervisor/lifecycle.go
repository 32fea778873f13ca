package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/botfleet/botfleet/internal/core/domain"
)

// Health is the liveness verdict for one bot.
type Health string

const (
	Healthy   Health = "healthy"
	Unhealthy Health = "unhealthy"
	Unknown   Health = "unknown"
)

// Start launches a deployed bot. It fails if the bot is already running or
// has no resolved artifact.
func (s *Supervisor) Start(ctx context.Context, botID string) error {
	return s.start(ctx, botID, false)
}

func (s *Supervisor) start(ctx context.Context, botID string, fromRestart bool) error {
	lk := s.lockFor(botID)
	lk.Lock()
	defer lk.Unlock()

	b, err := s.registry.Get(ctx, botID)
	if err != nil {
		return fmt.Errorf("registry get: %w", err)
	}
	if b == nil {
		return domain.ErrNotFound
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("supervisor is shutting down")
	}
	if s.procs[botID] != nil {
		s.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	if t := s.timers[botID]; t != nil {
		t.Stop()
		delete(s.timers, botID)
	}
	if !fromRestart {
		// an operator start resets the crash counter
		s.restarts[botID] = 0
	}
	s.mu.Unlock()

	if b.ArtifactPath == "" {
		return domain.ErrNotDeployed
	}

	env := buildEnv(b)
	var p *proc
	if b.ContainerBacked() {
		p, err = s.launchContainer(ctx, b, env)
	} else {
		p, err = s.launchProcess(b, env)
	}
	if err != nil {
		s.logs.Append(botID, fmt.Sprintf("launch failed: %v", err))
		s.setStatus(ctx, botID, domain.StatusError)
		return err
	}

	s.mu.Lock()
	s.procs[botID] = p
	s.mu.Unlock()

	running := domain.StatusRunning
	pid := p.pid()
	if err := s.registry.Update(ctx, botID, domain.BotUpdate{Status: &running, PID: &pid}); err != nil {
		log.WithField("bot", b.Name).Errorf("persist running status: %v", err)
	}
	s.notifyStatus(botID, running)
	log.WithField("bot", b.Name).Infof("started (pid=%d container=%v)", pid, p.container)
	return nil
}

// Stop takes a running bot down. The graceful path signals termination and
// waits up to the configured grace window, cancellable by the process's own
// exit, before escalating to a kill; the immediate path kills outright and
// does not wait for OS exit.
func (s *Supervisor) Stop(ctx context.Context, botID string, immediate bool) error {
	lk := s.lockFor(botID)
	lk.Lock()

	s.cancelPendingRestart(botID)

	p := s.liveProc(botID)
	if p == nil {
		lk.Unlock()
		return domain.ErrNotRunning
	}
	p.markStop()

	stopped := domain.StatusStopped
	zero := 0
	patch := domain.BotUpdate{Status: &stopped, PID: &zero}

	if immediate {
		s.kill(p)
		s.removeProc(p)
		if err := s.registry.Update(ctx, botID, patch); err != nil {
			log.WithField("bot", p.botName).Errorf("persist stopped status: %v", err)
		}
		s.notifyStatus(botID, stopped)
		lk.Unlock()
		return nil
	}

	s.terminate(p)
	lk.Unlock()

	select {
	case <-p.exited:
	case <-time.After(s.cfg.StopGrace):
		log.WithField("bot", p.botName).Warn("graceful stop timed out, killing")
		s.kill(p)
		// the post-kill wait is bounded too: an unresponsive container
		// engine must not hold the caller hostage
		select {
		case <-p.exited:
		case <-time.After(s.cfg.StopGrace):
			log.WithField("bot", p.botName).Error("no exit observed after kill, abandoning wait")
		}
	}

	lk.Lock()
	defer lk.Unlock()
	s.removeProc(p)
	if err := s.registry.Update(ctx, botID, patch); err != nil {
		log.WithField("bot", p.botName).Errorf("persist stopped status: %v", err)
	}
	s.notifyStatus(botID, stopped)
	return nil
}

// ForceStop is the operator escape hatch: no grace window at all.
func (s *Supervisor) ForceStop(ctx context.Context, botID string) error {
	return s.Stop(ctx, botID, true)
}

// Restart force-stops a running bot, waits the settle delay, and starts it
// again. On a bot that is not running it is equivalent to Start.
func (s *Supervisor) Restart(ctx context.Context, botID string) error {
	if s.liveProc(botID) != nil {
		if err := s.Stop(ctx, botID, true); err != nil && !errors.Is(err, domain.ErrNotRunning) {
			return err
		}
		select {
		case <-time.After(s.cfg.RestartSettle):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.Start(ctx, botID)
}

// Delete stops the bot if needed and removes its registry record, its
// on-disk artifact, and (for container bots) its image. Irreversible.
func (s *Supervisor) Delete(ctx context.Context, botID string) error {
	b, err := s.registry.Get(ctx, botID)
	if err != nil {
		return fmt.Errorf("registry get: %w", err)
	}
	if b == nil {
		return domain.ErrNotFound
	}

	if err := s.Stop(ctx, botID, true); err != nil && !errors.Is(err, domain.ErrNotRunning) {
		return fmt.Errorf("stop before delete: %w", err)
	}

	lk := s.lockFor(botID)
	lk.Lock()
	defer lk.Unlock()
	s.cancelPendingRestart(botID)

	if err := os.RemoveAll(s.resolver.BotDir(b.Name)); err != nil {
		return fmt.Errorf("remove artifact dir: %w", err)
	}
	if b.ContainerBacked() {
		// best-effort: a missing container or image is fine
		if err := s.runtime.RemoveContainer(ctx, s.containerName(b.Name)); err != nil {
			log.WithField("bot", b.Name).Debugf("remove container: %v", err)
		}
		if err := s.runtime.RemoveImage(ctx, s.imageTag(b.Name)); err != nil {
			log.WithField("bot", b.Name).Debugf("remove image: %v", err)
		}
	}
	if err := s.registry.Delete(ctx, botID); err != nil {
		return fmt.Errorf("delete registry record: %w", err)
	}
	s.logs.Drop(botID)

	s.mu.Lock()
	delete(s.restarts, botID)
	delete(s.deploying, botID)
	s.mu.Unlock()

	log.WithField("bot", b.Name).Info("deleted")
	return nil
}

// HealthCheck reports liveness by presence of the tracked process handle.
func (s *Supervisor) HealthCheck(ctx context.Context, botID string) Health {
	b, err := s.registry.Get(ctx, botID)
	if err != nil || b == nil {
		return Unknown
	}
	p := s.liveProc(botID)
	if p == nil || !p.healthy() {
		return Unhealthy
	}
	return Healthy
}

func (s *Supervisor) cancelPendingRestart(botID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.timers[botID]; t != nil {
		t.Stop()
		delete(s.timers, botID)
	}
}
