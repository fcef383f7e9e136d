// ABOUTME: Health monitor tests — status transitions, reconnect signalling, probe loops
// ABOUTME: Drives transitions both through Observe and through real probes over a fake transport

package agent

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rookery-hq/rookery/internal/fault"
)

type transitionLog struct {
	mu     sync.Mutex
	events []string
}

func (l *transitionLog) record(agentID string, from, to Health) {
	l.mu.Lock()
	l.events = append(l.events, string(from)+">"+string(to))
	l.mu.Unlock()
}

func (l *transitionLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// observeMonitor builds a monitor whose probe loop never fires, so tests
// drive transitions purely through Observe.
func observeMonitor(t *testing.T, onUnhealthy func(string)) (*Monitor, *transitionLog) {
	t.Helper()
	log := &transitionLog{}
	m := NewMonitor(
		MonitorConfig{ProbeInterval: time.Hour, UnhealthyThreshold: 3},
		func(string) (*Connection, bool) { return nil, false },
		log.record,
		onUnhealthy,
		testLogger(),
	)
	t.Cleanup(m.Close)
	return m, log
}

func TestFailureTransitions(t *testing.T) {
	m, log := observeMonitor(t, nil)
	m.Register("agent-1")

	netErr := fault.New(fault.Network, "boom")
	m.Observe("agent-1", netErr)
	m.Observe("agent-1", netErr)
	m.Observe("agent-1", netErr)

	rec, ok := m.Status("agent-1")
	require.True(t, ok)
	assert.Equal(t, HealthUnhealthy, rec.Status)
	assert.Equal(t, 3, rec.ConsecutiveFailures)
	assert.Equal(t, []string{"healthy>degraded", "degraded>unhealthy"}, log.all())

	// One success restores healthy immediately, no hysteresis.
	m.Observe("agent-1", nil)
	rec, _ = m.Status("agent-1")
	assert.Equal(t, HealthHealthy, rec.Status)
	assert.Zero(t, rec.ConsecutiveFailures)
	assert.Equal(t, "unhealthy>healthy", log.all()[len(log.all())-1])
}

func TestCallerMistakesDoNotCountAgainstHealth(t *testing.T) {
	m, _ := observeMonitor(t, nil)
	m.Register("agent-1")

	m.Observe("agent-1", fault.New(fault.RateLimit, "denied"))
	m.Observe("agent-1", fault.New(fault.InvalidRequest, "bad params"))
	m.Observe("agent-1", fault.New(fault.Cancelled, "caller gave up"))

	rec, ok := m.Status("agent-1")
	require.True(t, ok)
	assert.Equal(t, HealthHealthy, rec.Status)
	assert.Zero(t, rec.ConsecutiveFailures)
}

func TestUnhealthySignalsAndResignals(t *testing.T) {
	var mu sync.Mutex
	var signals []string
	m, _ := observeMonitor(t, func(agentID string) {
		mu.Lock()
		signals = append(signals, agentID)
		mu.Unlock()
	})
	m.Register("agent-1")

	tmoErr := fault.New(fault.Timeout, "probe timed out")
	for range 6 {
		m.Observe("agent-1", tmoErr)
	}

	mu.Lock()
	defer mu.Unlock()
	// Signalled at failure 3 and again at failure 6, so a failed
	// reconnect attempt gets another chance.
	assert.Equal(t, []string{"agent-1", "agent-1"}, signals)
}

func TestUnregisterDestroysRecord(t *testing.T) {
	m, _ := observeMonitor(t, nil)
	m.Register("agent-1")

	_, ok := m.Status("agent-1")
	require.True(t, ok)

	m.Unregister("agent-1")
	_, ok = m.Status("agent-1")
	assert.False(t, ok)

	// Observations for a removed agent are dropped, not resurrected.
	m.Observe("agent-1", errors.New("stale"))
	_, ok = m.Status("agent-1")
	assert.False(t, ok)
}

func TestProbeLoopKeepsHealthyAgentHealthy(t *testing.T) {
	r := newRig(t)
	r.connect(t, defaultHandlers("tools/call"))

	log := &transitionLog{}
	m := NewMonitor(
		MonitorConfig{ProbeInterval: 20 * time.Millisecond, ProbeTimeout: time.Second, UnhealthyThreshold: 3},
		func(id string) (*Connection, bool) {
			if id == "agent-1" {
				return r.conn, true
			}
			return nil, false
		},
		log.record,
		nil,
		testLogger(),
	)
	defer m.Close()
	m.Register("agent-1")

	require.Eventually(t, func() bool {
		rec, ok := m.Status("agent-1")
		return ok && !rec.LastProbe.IsZero() && len(rec.Window) > 0
	}, 2*time.Second, 10*time.Millisecond, "probes should populate the window")

	rec, _ := m.Status("agent-1")
	assert.Equal(t, HealthHealthy, rec.Status)
	assert.Empty(t, log.all(), "a healthy agent should see no transitions")
}

func TestProbeLoopDetectsDeadTransport(t *testing.T) {
	r := newRig(t)
	r.connect(t, defaultHandlers("tools/call"))

	unhealthy := make(chan string, 4)
	m := NewMonitor(
		MonitorConfig{ProbeInterval: 15 * time.Millisecond, ProbeTimeout: 100 * time.Millisecond, UnhealthyThreshold: 2},
		func(id string) (*Connection, bool) { return r.conn, true },
		nil,
		func(agentID string) { unhealthy <- agentID },
		testLogger(),
	)
	defer m.Close()
	m.Register("agent-1")

	r.tr.fail(io.ErrUnexpectedEOF)

	select {
	case id := <-unhealthy:
		assert.Equal(t, "agent-1", id)
	case <-time.After(3 * time.Second):
		t.Fatal("monitor never signalled the unhealthy agent")
	}

	rec, ok := m.Status("agent-1")
	require.True(t, ok)
	assert.Equal(t, HealthUnhealthy, rec.Status)
}
