// Package minion tracks the observed and desired lifecycle state of a
// single database worker VM and drives it toward its desired state via the
// InstanceDriver.
//
// # State machine
//
//	STOPPED --start--> PENDING --wait--> RUNNING --wait--> READY
//	   ^                                                      |
//	   |                                                      |
//	   +--------------------wait-- STOPPING <--stop-----------+
//
// READY is not an instance-driver state; it is a refinement of RUNNING that
// additionally requires the minion to answer a TCP probe on its SQL port.
// This distinguishes "the VM booted" from "the database inside it accepts
// connections", which is the transition the pool actually cares about.
//
// # Why a RuleEngine instead of a switch statement
//
// poll() needs to know not just "what should happen next" but "is the
// action I'm about to repeat the same one I tried last time, from the same
// state" so it can back off. Routing that decision through a shared
// ruleengine.RuleEngine keeps the state table declarative and reusable by
// tests, instead of being buried in poll()'s control flow.
package minion

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mdbconductor/conductor/internal/instancedriver"
	"github.com/mdbconductor/conductor/internal/logging"
	"github.com/mdbconductor/conductor/internal/ruleengine"
)

// Instance lifecycle states, mirroring the cloud provider's status codes
// plus the synthetic READY refinement.
const (
	StateNonexistent  = "NONEXISTENT"
	StatePending      = "PENDING"
	StateRunning      = "RUNNING"
	StateShuttingDown = "SHUTTING_DOWN"
	StateTerminated   = "TERMINATED"
	StateStopping     = "STOPPING"
	StateStopped      = "STOPPED"
	StateReady        = "READY"
)

// retryInterval bounds how often poll() will repeat the same action from
// the same observed state, so a minion that's slow to boot doesn't get a
// StartInstance call fired at it every second.
const retryInterval = 60 * time.Second

// sqlProbeTimeout bounds the TCP dial used to upgrade RUNNING to READY.
const sqlProbeTimeout = 1 * time.Second

var engine = ruleengine.New([]ruleengine.Rule{
	{Sources: []string{StateStopped}, Target: StatePending, Action: "start"},
	{Sources: []string{StatePending}, Target: StateRunning, Action: "wait"},
	{Sources: []string{StateRunning}, Target: StateReady, Action: "wait"},
	{Sources: []string{StateRunning, StateReady}, Target: StateStopping, Action: "stop"},
	{Sources: []string{StateStopping}, Target: StateStopped, Action: "wait"},
})

// Minion is one worker VM: its cloud identity, its last-observed state, and
// the state the pool currently wants it in.
//
// All exported methods lock mu internally; Minion is safe for concurrent use.
type Minion struct {
	mu sync.Mutex

	Name string
	ID   string
	IP   string

	driver instancedriver.InstanceDriver
	port   int

	observedState string
	desiredState  string

	lastAction      string
	lastActionState string
	lastActionTime  time.Time
}

// New wraps a cloud instance (possibly not yet discovered: id == "") as a
// Minion and performs an initial Refresh.
func New(driver instancedriver.InstanceDriver, name, id string, sqlPort int) *Minion {
	m := &Minion{
		Name:   name,
		ID:     id,
		driver: driver,
		port:   sqlPort,
	}
	m.Refresh()
	return m
}

// ObservedState returns the last-observed lifecycle state.
func (m *Minion) ObservedState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observedState
}

// DesiredState returns the state the pool last asked this minion to reach.
func (m *Minion) DesiredState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desiredState
}

// Refresh queries the InstanceDriver for the instance's current status code
// and, if it reports RUNNING, upgrades that to READY when a TCP probe of
// the SQL port succeeds.
func (m *Minion) Refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked()
}

func (m *Minion) refreshLocked() {
	if m.ID == "" {
		m.observedState = StateNonexistent
		return
	}
	status, ip, err := m.driver.DescribeInstance(m.ID)
	if err != nil {
		logging.Op().Warn("minion refresh failed", "minion", m.Name, "id", m.ID, "error", err)
		return
	}
	m.IP = ip
	state := status
	if state == StateRunning && m.pings() {
		state = StateReady
	}
	m.observedState = state
}

// pings dials the minion's SQL port to distinguish "booted" from "accepting
// connections". A refused or timed-out connection just means "not yet".
func (m *Minion) pings() bool {
	if m.IP == "" {
		return false
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(m.IP, portString(m.port)), sqlProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func portString(port int) string {
	if port == 0 {
		port = 50000
	}
	return strconv.Itoa(port)
}

// Make records a new desired state. It refuses states the rule engine
// cannot plan a path to from the currently observed state and reports that
// refusal to the caller via the bool return, exactly as poll() would
// discover it anyway -- callers that ignore the return value merely defer
// the same diagnosis to the next poll.
func (m *Minion) Make(desired string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked()
	if m.observedState != desired && engine.Plan(m.observedState, desired) == "" {
		return false
	}
	m.desiredState = desired
	return true
}

// Poll re-checks observed state and, if it differs from desired, performs
// the single next action the rule engine recommends. Repeating the same
// action from the same observed state within retryInterval is suppressed,
// so a slow boot doesn't cause redundant StartInstance calls.
func (m *Minion) Poll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked()

	desired := m.desiredState
	observed := m.observedState

	if desired == "" {
		return
	}
	if observed == desired {
		return
	}

	action := engine.Plan(observed, desired)
	if action == "" {
		logging.Op().Warn("no known path for minion", "minion", m.Name, "observed", observed, "desired", desired)
		m.desiredState = ""
		return
	}

	if action == m.lastAction && observed == m.lastActionState {
		if time.Since(m.lastActionTime) < retryInterval {
			return
		}
	}

	switch action {
	case "start":
		if err := m.driver.StartInstance(m.ID); err != nil {
			logging.Op().Error("start instance failed", "minion", m.Name, "error", err)
		}
	case "stop":
		if err := m.driver.StopInstance(m.ID); err != nil {
			logging.Op().Error("stop instance failed", "minion", m.Name, "error", err)
		}
	case "wait":
		// Nothing to do; waiting on the cloud provider's own transition.
	}

	m.lastAction = action
	m.lastActionState = observed
	m.lastActionTime = time.Now()
}

// Discover looks up every instance matching the given tag filter through the
// InstanceDriver and wraps each as a Minion, sorted by name for deterministic
// pool membership ordering.
func Discover(driver instancedriver.InstanceDriver, tags map[string]string, sqlPort int) ([]*Minion, error) {
	instances, err := driver.FindInstances(tags)
	if err != nil {
		return nil, err
	}
	minions := make([]*Minion, 0, len(instances))
	for _, inst := range instances {
		minions = append(minions, New(driver, inst.Name, inst.ID, sqlPort))
	}
	sortMinionsByName(minions)
	return minions, nil
}

func sortMinionsByName(minions []*Minion) {
	for i := 1; i < len(minions); i++ {
		for j := i; j > 0 && minions[j-1].Name > minions[j].Name; j-- {
			minions[j-1], minions[j] = minions[j], minions[j-1]
		}
	}
}
