// Package supervisor owns the mapping from bot identities to live processes
// or containers. It launches bots with their merged environment, observes
// output and exit, enacts the auto-restart policy, and keeps the registry's
// status column truthful.
package supervisor

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/botfleet/botfleet/internal/core/buildexec"
	"github.com/botfleet/botfleet/internal/core/domain"
	"github.com/botfleet/botfleet/internal/core/logbuf"
	"github.com/botfleet/botfleet/internal/core/ports"
	"github.com/botfleet/botfleet/internal/core/resolver"
)

var log = logrus.WithField("component", "supervisor")

// Config carries the tunables of the supervision policy. Zero values are
// replaced by the defaults below.
type Config struct {
	// StopGrace is how long a graceful stop waits for voluntary exit
	// before escalating to a forceful kill.
	StopGrace time.Duration
	// RestartSettle is the pause between the stop and start halves of an
	// explicit restart.
	RestartSettle time.Duration
	// BackoffBase and BackoffCap shape the crash-restart delay:
	// min(BackoffBase*priorRestarts + BackoffBase, BackoffCap).
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// PortRangeStart/PortRangeSize bound the deterministic per-bot port.
	PortRangeStart int
	PortRangeSize  int
	// ImagePrefix prefixes image tags and container names.
	ImagePrefix string
	// FailOnBuildError makes a failed build command move a file-backed bot
	// to the error state instead of leaving it deployable.
	FailOnBuildError bool
}

const (
	DefaultStopGrace     = 3000 * time.Millisecond
	DefaultRestartSettle = 2000 * time.Millisecond
	DefaultBackoffBase   = 5000 * time.Millisecond
	DefaultBackoffCap    = 30000 * time.Millisecond
	DefaultPortStart     = 20000
	DefaultPortSize      = 10000
	DefaultImagePrefix   = "botfleet"
)

func (c Config) withDefaults() Config {
	if c.StopGrace == 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.RestartSettle == 0 {
		c.RestartSettle = DefaultRestartSettle
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.PortRangeStart == 0 {
		c.PortRangeStart = DefaultPortStart
	}
	if c.PortRangeSize == 0 {
		c.PortRangeSize = DefaultPortSize
	}
	if c.ImagePrefix == "" {
		c.ImagePrefix = DefaultImagePrefix
	}
	return c
}

// StatusObserver receives status-change notifications. Delivery is
// best-effort; a panicking observer does not affect others.
type StatusObserver interface {
	StatusChanged(botID string, status domain.BotStatus)
}

// Supervisor is safe for concurrent use. Operations on the same bot are
// serialized by a per-bot mutex; different bots proceed in parallel.
type Supervisor struct {
	cfg      Config
	registry ports.Registry
	runtime  ports.ContainerRuntime
	builder  ports.ImageBuilder
	resolver *resolver.Resolver
	exec     *buildexec.Executor
	logs     *logbuf.Store

	mu        sync.Mutex
	procs     map[string]*proc
	botLocks  map[string]*sync.Mutex
	deploying map[string]bool
	restarts  map[string]int
	timers    map[string]*time.Timer
	observers map[StatusObserver]struct{}
	closed    bool

	wg sync.WaitGroup
}

func New(cfg Config, registry ports.Registry, runtime ports.ContainerRuntime, builder ports.ImageBuilder, res *resolver.Resolver, exec *buildexec.Executor, logs *logbuf.Store) *Supervisor {
	return &Supervisor{
		cfg:       cfg.withDefaults(),
		registry:  registry,
		runtime:   runtime,
		builder:   builder,
		resolver:  res,
		exec:      exec,
		logs:      logs,
		procs:     make(map[string]*proc),
		botLocks:  make(map[string]*sync.Mutex),
		deploying: make(map[string]bool),
		restarts:  make(map[string]int),
		timers:    make(map[string]*time.Timer),
		observers: make(map[StatusObserver]struct{}),
	}
}

// lockFor returns the serialization mutex for one bot identity.
func (s *Supervisor) lockFor(botID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.botLocks[botID]
	if !ok {
		m = &sync.Mutex{}
		s.botLocks[botID] = m
	}
	return m
}

// Register validates and persists a new bot in the stopped state, assigning
// its identity and deterministic port.
func (s *Supervisor) Register(ctx context.Context, b *domain.Bot) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if existing, err := s.registry.GetByName(ctx, b.Name); err != nil {
		return fmt.Errorf("check name uniqueness: %w", err)
	} else if existing != nil {
		return domain.ErrNameTaken
	}
	b.ID = uuid.NewString()
	b.Status = domain.StatusStopped
	b.Port = s.derivePort(b.ID)
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	if err := s.registry.Create(ctx, b); err != nil {
		return fmt.Errorf("persist bot: %w", err)
	}
	log.WithField("bot", b.Name).Infof("registered (%s, port %d)", b.Source, b.Port)
	return nil
}

// Get fetches one bot record.
func (s *Supervisor) Get(ctx context.Context, botID string) (*domain.Bot, error) {
	b, err := s.registry.Get(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("registry get: %w", err)
	}
	if b == nil {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

// List returns every registered bot.
func (s *Supervisor) List(ctx context.Context) ([]domain.Bot, error) {
	return s.registry.List(ctx)
}

// SettingsUpdate is the operator-editable subset of a bot record. Nil
// fields are left untouched.
type SettingsUpdate struct {
	RunCommand   *string
	BuildCommand *string
	AutoRestart  *bool
}

// UpdateSettings patches a bot's commands and restart policy. Changes take
// effect on the next start; a running bot keeps its current process.
// Turning auto-restart off also disarms any pending crash-restart timer.
func (s *Supervisor) UpdateSettings(ctx context.Context, botID string, upd SettingsUpdate) (*domain.Bot, error) {
	lk := s.lockFor(botID)
	lk.Lock()
	defer lk.Unlock()

	if _, err := s.Get(ctx, botID); err != nil {
		return nil, err
	}
	patch := domain.BotUpdate{
		RunCommand:   upd.RunCommand,
		BuildCommand: upd.BuildCommand,
		AutoRestart:  upd.AutoRestart,
	}
	if err := s.registry.Update(ctx, botID, patch); err != nil {
		return nil, fmt.Errorf("persist settings: %w", err)
	}
	if upd.AutoRestart != nil && !*upd.AutoRestart {
		s.cancelPendingRestart(botID)
	}
	b, err := s.Get(ctx, botID)
	if err != nil {
		return nil, err
	}
	log.WithField("bot", b.Name).Info("settings updated")
	return b, nil
}

// derivePort hashes the bot identity into the configured range so restarts
// reuse the same port.
func (s *Supervisor) derivePort(botID string) int {
	h := fnv.New32a()
	h.Write([]byte(botID))
	return s.cfg.PortRangeStart + int(h.Sum32()%uint32(s.cfg.PortRangeSize))
}

func (s *Supervisor) imageTag(botName string) string {
	return fmt.Sprintf("%s-%s:latest", s.cfg.ImagePrefix, strings.ToLower(botName))
}

func (s *Supervisor) containerName(botName string) string {
	return fmt.Sprintf("%s-%s", s.cfg.ImagePrefix, strings.ToLower(botName))
}

// Logs returns the deployment stream followed by the runtime stream.
func (s *Supervisor) Logs(botID string) []string {
	return s.logs.All(botID)
}

// SubscribeLogs registers a live log observer for one bot.
func (s *Supervisor) SubscribeLogs(botID string, o logbuf.Observer) {
	s.logs.Subscribe(botID, o)
}

func (s *Supervisor) UnsubscribeLogs(botID string, o logbuf.Observer) {
	s.logs.Unsubscribe(botID, o)
}

// Subscribe registers a status-change observer.
func (s *Supervisor) Subscribe(o StatusObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers[o] = struct{}{}
}

func (s *Supervisor) Unsubscribe(o StatusObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, o)
}

func (s *Supervisor) notifyStatus(botID string, status domain.BotStatus) {
	s.mu.Lock()
	obs := make([]StatusObserver, 0, len(s.observers))
	for o := range s.observers {
		obs = append(obs, o)
	}
	s.mu.Unlock()
	for _, o := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warnf("status observer panicked: %v", r)
				}
			}()
			o.StatusChanged(botID, status)
		}()
	}
}

// setStatus persists a status transition and notifies observers. Failures
// to persist are logged, not fatal: the notification still goes out so the
// UI does not freeze on a registry hiccup.
func (s *Supervisor) setStatus(ctx context.Context, botID string, status domain.BotStatus) {
	if err := s.registry.Update(ctx, botID, domain.BotUpdate{Status: &status}); err != nil {
		log.WithField("bot", botID).Errorf("persist status %s: %v", status, err)
	}
	s.notifyStatus(botID, status)
}

// Shutdown gracefully stops every running bot, cancels pending restarts,
// and waits for supervision goroutines to drain.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(botID string) {
			defer wg.Done()
			if err := s.Stop(ctx, botID, false); err != nil {
				log.WithField("bot", botID).Warnf("shutdown stop: %v", err)
			}
		}(id)
	}
	wg.Wait()
	s.wg.Wait()
}
