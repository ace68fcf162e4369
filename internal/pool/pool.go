// Package pool groups minions of identical RAM class into a single
// schedulable unit: a roster of members, each tracked through its own
// up/down lifecycle, plus the claim bookkeeping and load signal the
// autoscaling backend reads to decide how many members it wants running.
//
// # Member state, distinct from minion state
//
// A Pool member's state (STARTING/UP/FINISHING/DOWN) is not the same thing
// as the underlying Minion's observed cloud state. STARTING means "we've
// told the minion to become READY and are waiting"; UP means "it got
// there"; FINISHING means "we've decided to shut it down but it still has
// outstanding claims"; DOWN means "we've told it to stop". Poll reconciles
// member state against the minion's observed state once per tick.
//
// # Why classify() instead of four separate slices
//
// up/down rule evaluation repeatedly needs "members in state X" and
// "members in state X with zero claims" as ad-hoc buckets. classify()
// builds both views in one pass over the roster and keys the claimed
// subset under (state, claimed), which keeps the up/down rule bodies a
// direct, one-to-one translation of their invariants instead of reaching
// for bespoke filtering logic for each rule.
//
// # Concurrency
//
// Pool serializes all roster mutation behind a single sync.Mutex, and
// claim()/release() always run under it. Member bookkeeping calls into
// the minions while the mutex is held: Poll() refreshes each minion's
// observed state, and every member state change calls Minion.Make, which
// refreshes too; a refresh is a driver DescribeInstance call plus a TCP
// probe of the minion's SQL port. Only minion.Poll, which starts and stops
// instances, runs after Poll() has released the lock.
package pool

import (
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/mdbconductor/conductor/internal/loadavg"
	"github.com/mdbconductor/conductor/internal/logging"
	"github.com/mdbconductor/conductor/internal/metrics"
	"github.com/mdbconductor/conductor/internal/minion"
)

// Member lifecycle states.
const (
	MemberStarting  = "STARTING"
	MemberUp        = "UP"
	MemberFinishing = "FINISHING"
	MemberDown      = "DOWN"
)

// ErrPoolEmpty is returned by Claim when no member is currently UP. Callers
// that want to block until one becomes available should use the backend's
// wait_for_pool equivalent instead of retrying Claim in a busy loop.
var ErrPoolEmpty = errors.New("pool: no member currently up")

type member struct {
	minion     *minion.Minion
	state      string
	generation int
	claims     int
}

// Pool is a named set of minions of a single RAM class, scheduled as a unit.
type Pool struct {
	mu sync.Mutex

	Name       string
	MemoryMiB  int64
	members    map[string]*member
	order      []string // member names, fixed at construction, for deterministic iteration

	desiredUp     int
	shrinkAllowed bool

	load *loadavg.LoadAverage
}

// New builds a Pool from a fixed roster of minions. Each minion's initial
// member state is derived from its already-observed lifecycle state, and
// desiredUp is seeded to however many came up already UP or STARTING -- the
// caller (backend autoscaling loop) is expected to adjust it from there.
func New(name string, minions []*minion.Minion, memoryMiB int64) *Pool {
	p := &Pool{
		Name:          name,
		MemoryMiB:     memoryMiB,
		members:       make(map[string]*member, len(minions)),
		shrinkAllowed: true,
		load:          loadavg.New(loadavg.DefaultHalfLife),
	}

	for _, m := range minions {
		name := m.Name
		m.Refresh()
		observed := m.ObservedState()

		var state string
		switch observed {
		case minion.StateRunning, minion.StateReady:
			state = MemberUp
		case minion.StatePending:
			state = MemberStarting
		default:
			state = MemberDown
		}

		p.members[name] = &member{minion: m, state: state}
		p.order = append(p.order, name)
		p.setMemberStateLocked(name, state)
		if state == MemberUp || state == MemberStarting {
			p.desiredUp++
		}
	}

	return p
}

// MemberInfo is a read-only snapshot of one pool member, returned by Members.
type MemberInfo struct {
	Name   string
	State  string
	Claims int
	Minion *minion.Minion
}

// Members returns a snapshot of every member's bookkeeping state.
func (p *Pool) Members() []MemberInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]MemberInfo, 0, len(p.order))
	for _, name := range p.order {
		m := p.members[name]
		out = append(out, MemberInfo{Name: name, State: m.state, Claims: m.claims, Minion: m.minion})
	}
	return out
}

// Actual returns the number of members currently UP or FINISHING -- i.e.
// members that are, from the query-routing perspective, usable right now.
func (p *Pool) Actual() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.members {
		if m.state == MemberUp || m.state == MemberFinishing {
			n++
		}
	}
	return n
}

// Desired returns the number of members the pool currently wants running.
func (p *Pool) Desired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desiredUp
}

// SetDesired clamps n to [0, len(members)] and records it as the new target
// member-up count; the next Poll will grow or shrink the roster toward it.
func (p *Pool) SetDesired(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n > len(p.order) {
		n = len(p.order)
	}
	p.desiredUp = n
}

// PostponeShrink reports whether the down rule is currently suppressed.
func (p *Pool) PostponeShrink() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.shrinkAllowed
}

// SetPostponeShrink suppresses (or re-enables) the down rule. Backend uses
// this to implement cross-pool shrink hysteresis: don't shrink pool A while
// pool B, which A's queries might overflow into, is itself under pressure.
func (p *Pool) SetPostponeShrink(postpone bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shrinkAllowed = !postpone
}

// Load returns the pool's current smoothed concurrency signal.
func (p *Pool) Load() *loadavg.LoadAverage {
	return p.load
}

func (p *Pool) setMemberStateLocked(name, state string) bool {
	m := p.members[name]
	changed := m.state != state
	m.state = state
	if changed {
		logging.Op().Debug("pool member state changed", "pool", p.Name, "member", name, "state", state, "claims", m.claims)
		metrics.RecordMinionStateTransition(p.Name, state)
	}
	switch state {
	case MemberStarting, MemberUp:
		m.minion.Make(minion.StateReady)
	default:
		m.minion.Make(minion.StateStopped)
	}
	return changed
}

// classification buckets member names both by bare state and by
// (state, claimed) pair, matching the dual keying the up/down rules need.
type classification struct {
	byState        map[string][]string
	upClaimed      []string // state == UP, claims > 0
	upUnclaimed    []string // state == UP, claims == 0
}

func (p *Pool) classifyLocked() classification {
	c := classification{byState: make(map[string][]string)}
	for _, name := range p.order {
		m := p.members[name]
		c.byState[m.state] = append(c.byState[m.state], name)
		if m.state == MemberUp {
			if m.claims > 0 {
				c.upClaimed = append(c.upClaimed, name)
			} else {
				c.upUnclaimed = append(c.upUnclaimed, name)
			}
		}
	}
	return c
}

// upRuleOnce applies a single step of growth: if fewer members are
// STARTING+UP than desired, either un-finish a FINISHING member or start a
// DOWN one. Returns whether it changed anything.
func (p *Pool) upRuleOnce() bool {
	c := p.classifyLocked()
	starting := c.byState[MemberStarting]
	up := c.byState[MemberUp]

	if len(starting)+len(up) >= p.desiredUp {
		return false
	}

	if finishing := c.byState[MemberFinishing]; len(finishing) > 0 {
		return p.setMemberStateLocked(finishing[0], MemberUp)
	}

	down := c.byState[MemberDown]
	if len(down) == 0 {
		// Every member is already STARTING or UP despite there being no
		// FINISHING member to reclaim and no DOWN member to start; nothing
		// more can be done this tick.
		return false
	}
	return p.setMemberStateLocked(down[0], MemberStarting)
}

func (p *Pool) upRule() {
	for p.upRuleOnce() {
	}
}

// downRuleOnce applies a single step of shrinkage, preferring (in order) an
// idle UP member, a STARTING member (no need to drain it), then finally an
// UP member with outstanding claims, which it marks FINISHING rather than
// DOWN so existing claims can drain before it actually stops.
func (p *Pool) downRuleOnce() bool {
	c := p.classifyLocked()
	starting := c.byState[MemberStarting]
	up := c.byState[MemberUp]

	if len(starting)+len(up) <= p.desiredUp {
		return false
	}

	if len(c.upUnclaimed) > 0 {
		return p.setMemberStateLocked(c.upUnclaimed[0], MemberDown)
	}
	if len(starting) > 0 {
		return p.setMemberStateLocked(starting[0], MemberDown)
	}
	if len(c.upClaimed) > 0 {
		return p.setMemberStateLocked(c.upClaimed[0], MemberFinishing)
	}
	return false
}

func (p *Pool) downRule() {
	for p.downRuleOnce() {
	}
}

// Poll reconciles member bookkeeping state against each minion's observed
// state, applies the up/down rules to converge actual-up toward
// desired-up, tells each minion what it should become, and finally drives
// every minion's own poll loop. The Refresh and Make calls run under the
// lock; only minion.Poll runs after the bookkeeping section has released it.
func (p *Pool) Poll() {
	p.mu.Lock()
	for _, name := range p.order {
		m := p.members[name]
		m.minion.Refresh()
		observed := m.minion.ObservedState()
		if m.state == MemberStarting && observed == minion.StateReady {
			m.generation++
			m.claims = 0
			p.setMemberStateLocked(name, MemberUp)
		}
		if m.state == MemberUp && observed != minion.StateReady {
			p.setMemberStateLocked(name, MemberStarting)
		}
	}

	p.upRule()
	if p.shrinkAllowed {
		p.downRule()
	}

	for _, name := range p.order {
		m := p.members[name]
		switch m.state {
		case MemberStarting, MemberUp, MemberFinishing:
			m.minion.Make(minion.StateReady)
		case MemberDown:
			m.minion.Make(minion.StateStopped)
		}
	}
	members := make([]*minion.Minion, 0, len(p.order))
	for _, name := range p.order {
		members = append(members, p.members[name].minion)
	}
	p.mu.Unlock()

	for _, m := range members {
		m.Poll()
	}
}

// Claim picks a random UP member and marks it claimed, or returns
// ErrPoolEmpty if no member is currently UP. The random choice spreads load
// across members instead of always hammering the first one in iteration
// order.
func (p *Pool) Claim() (*Claim, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.classifyLocked()
	ups := c.byState[MemberUp]
	if len(ups) == 0 {
		return nil, ErrPoolEmpty
	}
	victim := ups[rand.IntN(len(ups))]
	m := p.members[victim]
	m.claims++
	p.load.Add(1)
	return &Claim{pool: p, name: victim, ip: m.minion.IP, generation: m.generation}, nil
}

func (p *Pool) release(name string, generation int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.members[name]
	if !ok || m.generation != generation {
		// The minion was restarted (generation bumped by Poll) since this
		// claim was handed out; the claim it belonged to no longer exists.
		return
	}
	if m.claims <= 0 {
		panic("pool: release of member with no outstanding claims")
	}
	m.claims--
	p.load.Remove(1)
	if m.claims == 0 && m.state == MemberFinishing {
		p.setMemberStateLocked(name, MemberDown)
	}
}

// Claim is a scoped handle to one claimed pool member. Callers must call
// Release (directly or via defer) exactly once when done; a second call is
// a safe no-op.
type Claim struct {
	pool       *Pool
	name       string
	ip         string
	generation int

	releaseOnce sync.Once
}

// Name returns the claimed member's name.
func (c *Claim) Name() string { return c.name }

// IP returns the claimed member's private IP, as observed when the claim
// was handed out.
func (c *Claim) IP() string { return c.ip }

// Release returns the claim to its pool. Safe to call more than once.
func (c *Claim) Release() {
	c.releaseOnce.Do(func() {
		c.pool.release(c.name, c.generation)
	})
}
