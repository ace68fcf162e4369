package minion

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/mdbconductor/conductor/internal/instancedriver"
)

// fakeDriver is a hand-rolled stub InstanceDriver; methods not exercised by
// a given test panic so a missing expectation fails loudly.
type fakeDriver struct {
	state      map[string]string
	ip         map[string]string
	started    map[string]int
	stopped    map[string]int
	describeErr error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		state:   make(map[string]string),
		ip:      make(map[string]string),
		started: make(map[string]int),
		stopped: make(map[string]int),
	}
}

func (f *fakeDriver) FindInstances(tags map[string]string) ([]instancedriver.Instance, error) {
	panic("not used in this test")
}

func (f *fakeDriver) DescribeInstance(id string) (string, string, error) {
	if f.describeErr != nil {
		return "", "", f.describeErr
	}
	return f.state[id], f.ip[id], nil
}

func (f *fakeDriver) StartInstance(id string) error {
	f.started[id]++
	return nil
}

func (f *fakeDriver) StopInstance(id string) error {
	f.stopped[id]++
	return nil
}

func (f *fakeDriver) MemoryMiB(instanceType string) (int, bool) {
	panic("not used in this test")
}

func TestMinionNoIDIsNonexistent(t *testing.T) {
	m := New(newFakeDriver(), "m1", "", 50000)
	if m.ObservedState() != StateNonexistent {
		t.Fatalf("ObservedState() = %q, want %q", m.ObservedState(), StateNonexistent)
	}
}

func TestMinionMakeSameStateSucceedsTrivially(t *testing.T) {
	d := newFakeDriver()
	d.state["i-1"] = StateStopped
	m := New(d, "m1", "i-1", 50000)

	// STOPPED -> STOPPED is a no-op transition with no rule, since
	// observed == desired short-circuits the reachability check.
	if !m.Make(StateStopped) {
		t.Fatal("Make(STOPPED) from STOPPED should succeed trivially")
	}
}

func TestMinionPollStartsFromStopped(t *testing.T) {
	d := newFakeDriver()
	d.state["i-1"] = StateStopped
	m := New(d, "m1", "i-1", 50000)

	if !m.Make(StateReady) {
		t.Fatal("Make(READY) from STOPPED should be plannable")
	}
	m.Poll()
	if d.started["i-1"] != 1 {
		t.Fatalf("started[i-1] = %d, want 1", d.started["i-1"])
	}

	// Polling again immediately should not retry the start.
	d.state["i-1"] = StateStopped
	m.Poll()
	if d.started["i-1"] != 1 {
		t.Fatalf("started[i-1] = %d after second poll, want still 1 (retry suppressed)", d.started["i-1"])
	}
}

func TestMinionReadyRequiresPing(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	d := newFakeDriver()
	d.state["i-1"] = StateRunning
	d.ip["i-1"] = "127.0.0.1"
	m := New(d, "m1", "i-1", port)

	if m.ObservedState() != StateReady {
		t.Fatalf("ObservedState() = %q, want READY once port accepts connections", m.ObservedState())
	}
}

func TestMinionRunningWithoutPingStaysRunning(t *testing.T) {
	d := newFakeDriver()
	d.state["i-1"] = StateRunning
	d.ip["i-1"] = "127.0.0.1"
	m := New(d, "m1", "i-1", 1) // nothing listening on port 1

	if m.ObservedState() != StateRunning {
		t.Fatalf("ObservedState() = %q, want RUNNING when the SQL port refuses connections", m.ObservedState())
	}
}

func TestMinionPollRetryAfterInterval(t *testing.T) {
	d := newFakeDriver()
	d.state["i-1"] = StateStopped
	m := New(d, "m1", "i-1", 50000)
	m.Make(StateReady)
	m.Poll()

	// Force the retry window to have elapsed.
	m.mu.Lock()
	m.lastActionTime = time.Now().Add(-2 * retryInterval)
	m.mu.Unlock()

	m.Poll()
	if d.started["i-1"] != 2 {
		t.Fatalf("started[i-1] = %d, want 2 after retry window elapsed", d.started["i-1"])
	}
}
