// Package logbuf keeps bounded in-memory log histories per bot and fans
// appended lines out to registered observers.
package logbuf

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "logbuf")

// MaxLines bounds each of the two per-bot streams.
const MaxLines = 1000

// Observer receives log lines for a subscribed bot. Delivery is best-effort
// and in append order; a panicking observer is dropped from that delivery
// without affecting others.
type Observer interface {
	LogLine(botID, line string)
}

// ring is a fixed-capacity line buffer. Grounded on the same shape a
// supervisor keeps for service logs: a preallocated slice with a running
// write index.
type ring struct {
	lines []string
	count int
}

func newRing() *ring {
	return &ring{lines: make([]string, MaxLines)}
}

func (r *ring) append(line string) {
	r.lines[r.count%MaxLines] = line
	r.count++
}

func (r *ring) all() []string {
	n := r.count
	if n > MaxLines {
		n = MaxLines
	}
	out := make([]string, 0, n)
	start := r.count - n
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(start+i)%MaxLines])
	}
	return out
}

type botLogs struct {
	deploy  *ring
	runtime *ring
}

// Store owns all log buffers; it is the only writer to them.
type Store struct {
	mu        sync.Mutex
	bots      map[string]*botLogs
	observers map[string]map[Observer]struct{}
}

func NewStore() *Store {
	return &Store{
		bots:      make(map[string]*botLogs),
		observers: make(map[string]map[Observer]struct{}),
	}
}

func (s *Store) logsFor(botID string) *botLogs {
	bl, ok := s.bots[botID]
	if !ok {
		bl = &botLogs{deploy: newRing(), runtime: newRing()}
		s.bots[botID] = bl
	}
	return bl
}

// stamp prefixes the line at append time so read-back order reflects true
// emission order.
func stamp(line string) string {
	return fmt.Sprintf("[%s] %s", time.Now().Format("2006-01-02 15:04:05"), line)
}

// Append records a runtime log line and notifies subscribers.
func (s *Store) Append(botID, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamped := stamp(line)
	s.logsFor(botID).runtime.append(stamped)
	s.notify(botID, stamped)
}

// AppendDeploy records a deployment-time log line and notifies subscribers.
func (s *Store) AppendDeploy(botID, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamped := stamp(line)
	s.logsFor(botID).deploy.append(stamped)
	s.notify(botID, stamped)
}

// ResetDeploy clears the deployment stream; called when a new deployment
// begins for the bot.
func (s *Store) ResetDeploy(botID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logsFor(botID).deploy = newRing()
}

// All returns the deployment stream followed by the runtime stream.
func (s *Store) All(botID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	bl, ok := s.bots[botID]
	if !ok {
		return nil
	}
	return append(bl.deploy.all(), bl.runtime.all()...)
}

// Drop discards all buffers and subscriptions for a deleted bot.
func (s *Store) Drop(botID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bots, botID)
	delete(s.observers, botID)
}

func (s *Store) Subscribe(botID string, o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.observers[botID]
	if !ok {
		set = make(map[Observer]struct{})
		s.observers[botID] = set
	}
	set[o] = struct{}{}
}

func (s *Store) Unsubscribe(botID string, o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.observers[botID]; ok {
		delete(set, o)
		if len(set) == 0 {
			delete(s.observers, botID)
		}
	}
}

// notify runs under s.mu so each observer sees lines in append order.
func (s *Store) notify(botID, line string) {
	for o := range s.observers[botID] {
		deliver(o, botID, line)
	}
}

func deliver(o Observer, botID, line string) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("bot", botID).Warnf("log observer panicked: %v", r)
		}
	}()
	o.LogLine(botID, line)
}
