package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/botfleet/botfleet/internal/core/domain"
	"github.com/botfleet/botfleet/internal/core/ports"
)

// memRegistry is an in-memory ports.Registry for tests.
type memRegistry struct {
	mu   sync.Mutex
	bots map[string]*domain.Bot
}

func newMemRegistry() *memRegistry {
	return &memRegistry{bots: make(map[string]*domain.Bot)}
}

func (r *memRegistry) Create(_ context.Context, b *domain.Bot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *b
	r.bots[b.ID] = &cp
	return nil
}

func (r *memRegistry) Get(_ context.Context, id string) (*domain.Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (r *memRegistry) GetByName(_ context.Context, name string) (*domain.Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bots {
		if b.Name == name {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memRegistry) List(_ context.Context) ([]domain.Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Bot, 0, len(r.bots))
	for _, b := range r.bots {
		out = append(out, *b)
	}
	return out, nil
}

func (r *memRegistry) Update(_ context.Context, id string, patch domain.BotUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[id]
	if !ok {
		return domain.ErrNotFound
	}
	if patch.Status != nil {
		b.Status = *patch.Status
	}
	if patch.ArtifactPath != nil {
		b.ArtifactPath = *patch.ArtifactPath
	}
	if patch.EnvText != nil {
		b.EnvText = *patch.EnvText
	}
	if patch.PID != nil {
		b.PID = *patch.PID
	}
	if patch.RunCommand != nil {
		b.RunCommand = *patch.RunCommand
	}
	if patch.BuildCommand != nil {
		b.BuildCommand = *patch.BuildCommand
	}
	if patch.AutoRestart != nil {
		b.AutoRestart = *patch.AutoRestart
	}
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bots[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.bots, id)
	return nil
}

func (r *memRegistry) status(id string) domain.BotStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bots[id]; ok {
		return b.Status
	}
	return ""
}

// fakeRuntime simulates a container engine for tests of the
// container-backed path.
type fakeRuntime struct {
	mu            sync.Mutex
	exitCh        chan int64
	runs          int
	stopCalls     int
	killCalls     int
	removedC      []string
	removedI      []string
	lastSpec      ports.RunSpec
	exitDelivered bool
	// stuck simulates an unresponsive engine: stop and kill requests are
	// accepted but never produce an exit event
	stuck bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{exitCh: make(chan int64, 1)}
}

func (f *fakeRuntime) RunImage(_ context.Context, spec ports.RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	f.lastSpec = spec
	f.exitDelivered = false
	return "cid-1", nil
}

func (f *fakeRuntime) exitOnce(code int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exitDelivered {
		return
	}
	f.exitDelivered = true
	f.exitCh <- code
}

func (f *fakeRuntime) StopContainer(_ context.Context, _ string, _ time.Duration) error {
	f.mu.Lock()
	f.stopCalls++
	stuck := f.stuck
	f.mu.Unlock()
	if !stuck {
		f.exitOnce(0)
	}
	return nil
}

func (f *fakeRuntime) KillContainer(_ context.Context, _ string) error {
	f.mu.Lock()
	f.killCalls++
	stuck := f.stuck
	f.mu.Unlock()
	if !stuck {
		f.exitOnce(137)
	}
	return nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedC = append(f.removedC, id)
	return nil
}

func (f *fakeRuntime) RemoveImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedI = append(f.removedI, ref)
	return nil
}

func (f *fakeRuntime) WaitExit(ctx context.Context, _ string) (int64, error) {
	select {
	case code := <-f.exitCh:
		return code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (f *fakeRuntime) StreamLogs(ctx context.Context, _ string, _ func(string)) error {
	<-ctx.Done()
	return nil
}

// fakeBuilder records build requests and emits one milestone line.
type fakeBuilder struct {
	mu    sync.Mutex
	built []string
	fail  bool
}

func (f *fakeBuilder) BuildImage(_ context.Context, _ string, tag string, onLine func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errContainerBuild
	}
	f.built = append(f.built, tag)
	onLine("Step 1/1 : FROM scratch")
	onLine("Successfully tagged " + tag)
	return nil
}

// statusRecorder captures status notifications in order.
type statusRecorder struct {
	mu  sync.Mutex
	seq []domain.BotStatus
}

func (r *statusRecorder) StatusChanged(_ string, st domain.BotStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq = append(r.seq, st)
}

func (r *statusRecorder) sequence() []domain.BotStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.BotStatus(nil), r.seq...)
}

func (r *statusRecorder) count(st domain.BotStatus) int {
	n := 0
	for _, s := range r.sequence() {
		if s == st {
			n++
		}
	}
	return n
}
