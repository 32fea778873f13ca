package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/botfleet/botfleet/internal/core/buildexec"
	"github.com/botfleet/botfleet/internal/core/domain"
	"github.com/botfleet/botfleet/internal/core/envfile"
	"github.com/botfleet/botfleet/internal/core/resolver"
)

// DeployRequest carries the source payload for one deployment attempt.
type DeployRequest struct {
	// Archive holds the raw archive bytes for archive-sourced bots.
	Archive []byte
	// AdditionalEnv is optional env-file text layered over the
	// artifact-embedded environment with the highest precedence.
	AdditionalEnv string
}

// Deploy validates the request and runs the deployment asynchronously.
// Progress is observable through the deployment log and status
// notifications; the final state is stopped (artifact ready) or error.
func (s *Supervisor) Deploy(ctx context.Context, botID string, req DeployRequest) error {
	b, err := s.registry.Get(ctx, botID)
	if err != nil {
		return fmt.Errorf("registry get: %w", err)
	}
	if b == nil {
		return domain.ErrNotFound
	}
	if b.Source == domain.SourceArchive && len(req.Archive) == 0 {
		return fmt.Errorf("archive payload is required for archive-sourced bots")
	}

	s.mu.Lock()
	if s.deploying[botID] {
		s.mu.Unlock()
		return domain.ErrDeployInFlight
	}
	s.deploying[botID] = true
	s.mu.Unlock()

	s.logs.ResetDeploy(botID)
	s.logs.AppendDeploy(botID, fmt.Sprintf("deployment started (%s)", b.Source))
	s.setStatus(ctx, botID, domain.StatusDeploying)

	s.wg.Add(1)
	go s.runDeploy(b, req)
	return nil
}

// runDeploy is the long-running half of Deploy. Every failure is reported
// on both channels: the deployment log and the persisted status.
func (s *Supervisor) runDeploy(b *domain.Bot, req DeployRequest) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.deploying, b.ID)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	fail := func(stage string, err error) {
		s.logs.AppendDeploy(b.ID, fmt.Sprintf("%s failed: %v", stage, err))
		s.setStatus(ctx, b.ID, domain.StatusError)
		log.WithField("bot", b.Name).Errorf("%s failed: %v", stage, err)
	}

	var res resolver.Result
	var err error
	switch b.Source {
	case domain.SourceArchive:
		res, err = s.resolver.ResolveArchive(b.Name, req.Archive)
	case domain.SourceRepository:
		s.logs.AppendDeploy(b.ID, "cloning "+b.RepoURL)
		res, err = s.resolver.ResolveRepository(ctx, b.Name, b.RepoURL)
	case domain.SourceContainer:
		s.logs.AppendDeploy(b.ID, "cloning "+b.RepoURL)
		res, err = s.resolver.ResolveContainer(ctx, b.Name, b.RepoURL)
	default:
		err = domain.ErrUnknownSource
	}
	if err != nil {
		fail("resolution", err)
		return
	}
	s.logs.AppendDeploy(b.ID, "artifact resolved to "+res.Dir)

	// explicit override env wins over everything artifact-embedded
	env := envfile.Merge(res.Env, envfile.Parse(req.AdditionalEnv))
	envText := envfile.Serialize(env)
	artifact := res.Dir
	if b.ContainerBacked() {
		artifact = s.imageTag(b.Name)
	}
	if err := s.registry.Update(ctx, b.ID, domain.BotUpdate{ArtifactPath: &artifact, EnvText: &envText}); err != nil {
		fail("persisting artifact", err)
		return
	}
	b.ArtifactPath = artifact
	b.EnvText = envText

	if b.ContainerBacked() {
		s.logs.AppendDeploy(b.ID, "building image "+artifact)
		if err := s.builder.BuildImage(ctx, res.Dir, artifact, func(line string) {
			s.logs.AppendDeploy(b.ID, line)
		}); err != nil {
			fail("image build", err)
			return
		}
	} else if strings.TrimSpace(b.BuildCommand) != "" {
		s.logs.AppendDeploy(b.ID, "running build: "+b.BuildCommand)
		err := s.exec.Run(ctx, b.BuildCommand, res.Dir, func(stream buildexec.Stream, line string) {
			s.logs.AppendDeploy(b.ID, string(stream)+"> "+line)
		})
		if err != nil {
			if s.cfg.FailOnBuildError {
				fail("build", err)
				return
			}
			s.logs.AppendDeploy(b.ID, fmt.Sprintf("build failed: %v (continuing, bot stays deployable)", err))
		}
	}

	s.logs.AppendDeploy(b.ID, "deployment complete")
	s.setStatus(ctx, b.ID, domain.StatusStopped)
	log.WithField("bot", b.Name).Info("deployment complete")
}
