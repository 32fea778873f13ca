package logbuf

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) LogLine(botID, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

type panicky struct{}

func (panicky) LogLine(string, string) { panic("boom") }

func TestAllConcatenatesDeployFirst(t *testing.T) {
	s := NewStore()
	s.Append("b1", "runtime line")
	s.AppendDeploy("b1", "deploy line")

	all := s.All("b1")
	require.Len(t, all, 2)
	assert.Contains(t, all[0], "deploy line")
	assert.Contains(t, all[1], "runtime line")
}

func TestLinesAreTimestampPrefixed(t *testing.T) {
	s := NewStore()
	s.Append("b1", "hello")
	all := s.All("b1")
	require.Len(t, all, 1)
	assert.Regexp(t, `^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] hello$`, all[0])
}

func TestRingCapsAtMaxLines(t *testing.T) {
	s := NewStore()
	for i := 0; i < MaxLines+50; i++ {
		s.Append("b1", fmt.Sprintf("line %d", i))
	}
	all := s.All("b1")
	require.Len(t, all, MaxLines)
	assert.True(t, strings.HasSuffix(all[0], "line 50"))
	assert.True(t, strings.HasSuffix(all[len(all)-1], fmt.Sprintf("line %d", MaxLines+49)))
}

func TestResetDeployClearsOnlyDeployStream(t *testing.T) {
	s := NewStore()
	s.AppendDeploy("b1", "old deploy")
	s.Append("b1", "runtime")
	s.ResetDeploy("b1")
	s.AppendDeploy("b1", "new deploy")

	all := s.All("b1")
	require.Len(t, all, 2)
	assert.Contains(t, all[0], "new deploy")
	assert.Contains(t, all[1], "runtime")
}

func TestSubscribeDeliversInAppendOrder(t *testing.T) {
	s := NewStore()
	rec := &recorder{}
	s.Subscribe("b1", rec)
	for i := 0; i < 10; i++ {
		s.Append("b1", fmt.Sprintf("line %d", i))
	}
	got := rec.got()
	require.Len(t, got, 10)
	for i, line := range got {
		assert.True(t, strings.HasSuffix(line, fmt.Sprintf("line %d", i)))
	}
}

func TestPanickingObserverDoesNotBlockOthers(t *testing.T) {
	s := NewStore()
	rec := &recorder{}
	s.Subscribe("b1", panicky{})
	s.Subscribe("b1", rec)

	s.Append("b1", "survives")

	require.Len(t, rec.got(), 1)
	all := s.All("b1")
	require.Len(t, all, 1)
	assert.Contains(t, all[0], "survives")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewStore()
	rec := &recorder{}
	s.Subscribe("b1", rec)
	s.Append("b1", "first")
	s.Unsubscribe("b1", rec)
	s.Append("b1", "second")

	got := rec.got()
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "first")
}

func TestDropDiscardsBuffers(t *testing.T) {
	s := NewStore()
	s.Append("b1", "line")
	s.Drop("b1")
	assert.Empty(t, s.All("b1"))
}

func TestIsolationBetweenBots(t *testing.T) {
	s := NewStore()
	s.Append("b1", "one")
	s.Append("b2", "two")
	require.Len(t, s.All("b1"), 1)
	require.Len(t, s.All("b2"), 1)
}
