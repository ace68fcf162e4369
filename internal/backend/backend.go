// Package backend is the conductor's orchestrator: it owns every pool, runs
// the 1Hz tick that converges each pool's roster and autoscaling target, and
// serves query dispatch by picking a pool, waiting for capacity, and routing
// the query to a claimed minion.
//
// # Why one Backend, not one goroutine per pool
//
// Cross-pool shrink hysteresis (applyShrinkHysteresis) needs to read every
// pool's state in the same tick to decide whether a given pool is safe to
// shrink, so the tick loop is a single goroutine iterating all pools in a
// fixed order rather than N independent per-pool tickers that could observe
// each other mid-update.
//
// # waitForPool and the tick condition variable
//
// ExecuteQuery blocks on tickCond when the pool it was routed to has no
// claimable member, rather than busy-polling Pool.Claim. Run's tick wakes
// every blocked caller once per second after Poll has had a chance to bring
// up new members. sleepers caps how many callers may wait on a single pool
// at once, so a pool that's wedged (e.g. its minions can't boot) fails fast
// for new callers instead of queuing them indefinitely. triggers tracks, per
// pool, how many callers are currently blocked waiting for capacity;
// manageSize reads it to force a zero-desired pool back up to one member
// when someone is actually waiting on it.
package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mdbconductor/conductor/internal/advisor"
	"github.com/mdbconductor/conductor/internal/advisorcache"
	"github.com/mdbconductor/conductor/internal/audit"
	"github.com/mdbconductor/conductor/internal/instancedriver"
	"github.com/mdbconductor/conductor/internal/metrics"
	"github.com/mdbconductor/conductor/internal/minion"
	"github.com/mdbconductor/conductor/internal/pool"
	"github.com/mdbconductor/conductor/internal/sqlconn"
	"github.com/mdbconductor/conductor/internal/statushub"
)

// maxSleepers bounds how many ExecuteQuery callers may wait concurrently for
// capacity in a single pool before new callers are rejected instead of
// queued.
const maxSleepers = 100

// tickInterval is how often Run polls every pool and re-evaluates the
// autoscaling targets.
const tickInterval = 1 * time.Second

// coldShutdownIdle and coldShutdownLoad gate the rule that lets a pool sitting
// at its last member drop to zero: the member must have been idle this long
// and the smoothed load must have decayed below this threshold.
const (
	coldShutdownIdle = 15 * time.Minute
	coldShutdownLoad = 0.1
)

// PoolConfig describes one pool to discover and manage at construction time.
type PoolConfig struct {
	Name      string
	Tags      map[string]string // InstanceDriver.FindInstances tag filter
	MemoryMiB int64
}

// Backend owns every pool, the connector template used to reach minions, and
// the status hub that publishes tick results.
type Backend struct {
	connector sqlconn.Connector // HOSTNAME template; WithHost addresses a specific minion

	pools     map[string]*pool.Pool
	poolNames []string // registration order, fixed at construction

	mu      sync.Mutex
	storage *advisor.Storage
	group   singleflight.Group

	tickMu   sync.Mutex
	tickCond *sync.Cond
	sleepers map[string]int
	triggers map[string]int

	hub *statushub.StatusHub

	auditLog     *audit.Log
	advisorCache *advisorcache.Cache
}

// Option configures an optional Backend collaborator at construction time.
type Option func(*Backend)

// WithAuditLog records every completed dispatch to l. Without this option
// dispatches are not durably audited.
func WithAuditLog(l *audit.Log) Option {
	return func(b *Backend) { b.auditLog = l }
}

// WithAdvisorCache fronts the advisor's EXPLAIN estimate with c, so repeat
// queries skip the EXPLAIN round-trip. Without this option every dispatch
// re-runs EXPLAIN.
func WithAdvisorCache(c *advisorcache.Cache) Option {
	return func(b *Backend) { b.advisorCache = c }
}

// New discovers each configured pool's minions through driver and builds a
// Backend ready to Run. connector is the pool-wide connection template whose
// host is HOSTNAME; Backend substitutes each dispatch's claimed minion IP via
// connector.WithHost.
func New(ctx context.Context, configs []PoolConfig, connector sqlconn.Connector, driver instancedriver.InstanceDriver, sqlPort int, opts ...Option) (*Backend, error) {
	b := &Backend{
		connector: connector,
		pools:     make(map[string]*pool.Pool, len(configs)),
		sleepers:  make(map[string]int),
		triggers:  make(map[string]int),
	}
	b.tickCond = sync.NewCond(&b.tickMu)

	for _, cfg := range configs {
		minions, err := minion.Discover(driver, cfg.Tags, sqlPort)
		if err != nil {
			return nil, fmt.Errorf("backend: discover minions for pool %q: %w", cfg.Name, err)
		}
		b.pools[cfg.Name] = pool.New(cfg.Name, minions, cfg.MemoryMiB)
		b.poolNames = append(b.poolNames, cfg.Name)
	}

	for _, opt := range opts {
		opt(b)
	}

	b.hub = statushub.New(b.snapshot())
	return b, nil
}

// Run ticks every pool once per tickInterval until ctx is done.
func (b *Backend) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Backend) tick() {
	for _, name := range b.poolNames {
		b.pools[name].Poll()
	}
	b.applyShrinkHysteresis()
	for _, name := range b.poolNames {
		p := b.pools[name]
		b.manageSize(p)
		metrics.SetPoolActual(name, p.Actual())
		metrics.SetPoolDesired(name, p.Desired())
		metrics.SetPoolLoad(name, p.Load().Load())
	}

	b.hub.SetState(b.snapshot(), statusFilter)

	b.tickMu.Lock()
	b.tickCond.Broadcast()
	b.tickMu.Unlock()
}

// manageSize recomputes a pool's desired member count from its smoothed
// load.
//
// bottom keeps early, traffic-less minutes of a pool's life from draining
// it back to zero the moment load first touches zero: it starts at the
// pool's current up-count and erodes by one for every minute the pool has
// existed, so a pool that has been running a while is free to shrink all
// the way down, while a pool still in its first few minutes is held up.
//
// The cold-shutdown rule lets the very last member go when bottom has
// already eroded to zero, the ceiling of load is exactly one (i.e. load
// itself is small), the member has been idle for coldShutdownIdle, and load
// has decayed below coldShutdownLoad.
//
// The trigger rule forces a zero-desired pool back up to one member when a
// caller is actually blocked in waitForPool for it -- otherwise a pool that
// scaled to zero could never come back, since nothing claims a member to
// raise its load in the first place.
func (b *Backend) manageSize(p *pool.Pool) {
	load := p.Load().Load()
	desired := int(math.Ceil(load))

	bottom := p.Actual() - int(p.Load().TimeRunning()/time.Minute)
	if bottom < 0 {
		bottom = 0
	}
	if desired < bottom {
		desired = bottom
	}

	if bottom == 0 && desired == 1 &&
		p.Load().TimeSinceChange() > coldShutdownIdle && load < coldShutdownLoad {
		desired = 0
	}

	if desired == 0 && b.triggerCount(p.Name) > 0 {
		desired = 1
	}

	p.SetDesired(desired)
}

func (b *Backend) triggerCount(poolName string) int {
	b.tickMu.Lock()
	defer b.tickMu.Unlock()
	return b.triggers[poolName]
}

// applyShrinkHysteresis allows a pool to shrink only while every other pool
// is already caught up (actual at or above its own desired count). This
// keeps one pool from stopping a minion while a peer pool is still waiting
// on its own replacements to boot -- a minion is only ever killed once
// whatever might need it in its place is already running.
func (b *Backend) applyShrinkHysteresis() {
	for _, name := range b.poolNames {
		allOthersCaughtUp := true
		for _, other := range b.poolNames {
			if other == name {
				continue
			}
			op := b.pools[other]
			if op.Actual() < op.Desired() {
				allOthersCaughtUp = false
				break
			}
		}
		b.pools[name].SetPostponeShrink(!allOthersCaughtUp)
	}
}

// claimAnyPool tries every pool in registration order for an immediate
// claim, falling back to waitForPool on the first pool if none has a member
// free right now. It is used to bootstrap the control connections (storage
// probe, EXPLAIN) that don't care which minion answers them, only that one
// does.
func (b *Backend) claimAnyPool(ctx context.Context) (*pool.Claim, error) {
	for _, name := range b.poolNames {
		claim, err := b.pools[name].Claim()
		if err == nil {
			return claim, nil
		}
		if !errors.Is(err, pool.ErrPoolEmpty) {
			return nil, err
		}
	}
	if len(b.poolNames) == 0 {
		return nil, fmt.Errorf("backend: no pools configured")
	}
	return b.waitForPool(ctx, b.poolNames[0])
}

// waitForPool blocks until poolName has a claimable member or ctx is done.
// It does not poll Pool.Claim in a busy loop; once the pool is momentarily
// empty it registers as a sleeper and trigger for this pool, then sleeps on
// tickCond, which Run's tick wakes once per second after giving Poll a
// chance to bring members up. The sleeper cap makes a wedged pool fail fast
// for new callers instead of queuing them indefinitely; the trigger count
// outlives each individual wakeup so manageSize can see "someone is still
// waiting" even between ticks.
func (b *Backend) waitForPool(ctx context.Context, poolName string) (*pool.Claim, error) {
	p, ok := b.pools[poolName]
	if !ok {
		return nil, fmt.Errorf("backend: unknown pool %q", poolName)
	}

	claim, err := p.Claim()
	if err == nil {
		return claim, nil
	}
	if !errors.Is(err, pool.ErrPoolEmpty) {
		return nil, err
	}

	b.tickMu.Lock()
	if b.sleepers[poolName] >= maxSleepers {
		b.tickMu.Unlock()
		return nil, fmt.Errorf("backend: pool %q has too many callers already waiting for capacity", poolName)
	}
	b.sleepers[poolName]++
	b.triggers[poolName]++
	b.tickMu.Unlock()
	defer func() {
		b.tickMu.Lock()
		b.sleepers[poolName]--
		b.triggers[poolName]--
		b.tickMu.Unlock()
	}()

	for {
		claim, err := p.Claim()
		if err == nil {
			return claim, nil
		}
		if !errors.Is(err, pool.ErrPoolEmpty) {
			return nil, err
		}
		if err := b.sleepUntilNextTick(ctx); err != nil {
			return nil, err
		}
	}
}

func (b *Backend) sleepUntilNextTick(ctx context.Context) error {
	b.tickMu.Lock()
	defer b.tickMu.Unlock()

	stop := context.AfterFunc(ctx, b.tickCond.Broadcast)
	defer stop()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	b.tickCond.Wait()
	return ctx.Err()
}

// getStorage returns the cached sys.storage() snapshot, fetching it through
// a briefly-claimed minion on first use. singleflight collapses concurrent
// callers during the cold-start window into a single probe query, and the
// result is kept for the life of the process.
func (b *Backend) getStorage(ctx context.Context) (*advisor.Storage, error) {
	b.mu.Lock()
	if b.storage != nil {
		s := b.storage
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()

	v, err, _ := b.group.Do("storage", func() (any, error) {
		conn, release, err := b.dialAnyMember(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
		s, err := advisor.FetchStorage(ctx, conn)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.storage = s
		b.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*advisor.Storage), nil
}

// dialAnyMember claims any pool's member, dials it, and returns the live
// connection plus a cleanup that closes the connection and releases the
// claim. Every caller must invoke the returned func exactly once.
func (b *Backend) dialAnyMember(ctx context.Context) (sqlconn.Conn, func(), error) {
	claim, err := b.claimAnyPool(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("backend: claim a member: %w", err)
	}
	connector, err := b.connector.WithHost(claim.IP())
	if err != nil {
		claim.Release()
		return nil, nil, fmt.Errorf("backend: address claimed member: %w", err)
	}
	conn, err := connector.Connect(ctx)
	if err != nil {
		claim.Release()
		return nil, nil, fmt.Errorf("backend: connect to claimed member: %w", err)
	}
	return conn, func() {
		conn.Close()
		claim.Release()
	}, nil
}

// poolSpecs returns the current pool roster as advisor.PoolSpec values.
func (b *Backend) poolSpecs() []advisor.PoolSpec {
	specs := make([]advisor.PoolSpec, 0, len(b.poolNames))
	for _, name := range b.poolNames {
		specs = append(specs, advisor.PoolSpec{Name: name, MemoryMiB: b.pools[name].MemoryMiB})
	}
	return specs
}

// Result is a dispatched query's result set plus the cleanup callers must
// run exactly once when finished reading it.
type Result struct {
	Rows   sqlconn.Rows
	Pool   string
	Minion string // claimed member's name
	IP     string // claimed member's address

	conn  sqlconn.Conn
	claim *pool.Claim
}

// Close closes the underlying connection and releases the pool claim. Safe
// to call exactly once; callers should defer it immediately after a
// successful ExecuteQuery.
func (r *Result) Close() error {
	err := r.conn.Close()
	r.claim.Release()
	return err
}

// queryHash returns a stable hex digest of query, used to key the advisor
// cache and to identify a query in audit records without storing every
// caller's full query text twice.
func queryHash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

// estimate returns query's column footprint in bytes, consulting the
// advisor cache first if one is configured. A cache hit skips the EXPLAIN
// round-trip entirely.
func (b *Backend) estimate(ctx context.Context, query, hash string) (int64, error) {
	if b.advisorCache != nil {
		if bytes, ok := b.advisorCache.Get(ctx, hash); ok {
			metrics.RecordAdvisorCacheHit()
			return bytes, nil
		}
		metrics.RecordAdvisorCacheMiss()
	}

	storage, err := b.getStorage(ctx)
	if err != nil {
		return 0, fmt.Errorf("backend: fetch storage: %w", err)
	}
	explainConn, releaseExplain, err := b.dialAnyMember(ctx)
	if err != nil {
		return 0, fmt.Errorf("backend: open explain connection: %w", err)
	}
	defer releaseExplain()

	bytes, err := advisor.New(explainConn, storage).Estimate(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("backend: advise: %w", err)
	}
	metrics.RecordAdvisorEstimate(bytes)
	if b.advisorCache != nil {
		b.advisorCache.Set(ctx, hash, bytes)
	}
	return bytes, nil
}

// ExecuteQuery estimates query's memory footprint, picks the pool that best
// fits it, waits for a claimable member in that pool, and runs query against
// a fresh connection to it. The caller must call Result.Close when done with
// the returned rows. Every completed dispatch, successful or not, is
// recorded to the audit log and to metrics.
func (b *Backend) ExecuteQuery(ctx context.Context, query string) (*Result, error) {
	start := time.Now()
	hash := queryHash(query)

	result, poolName, minionIP, rowCount, execErr := b.executeQuery(ctx, query, hash)

	duration := time.Since(start)
	success := execErr == nil
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	metrics.RecordQuery(poolName, outcome, duration.Seconds())
	metrics.RecordClaim(poolName, outcome)

	if b.auditLog != nil {
		errMsg := ""
		if execErr != nil {
			errMsg = execErr.Error()
		}
		b.auditLog.Record(ctx, audit.Record{
			Timestamp:    start,
			Pool:         poolName,
			MinionIP:     minionIP,
			QueryHash:    hash,
			QueryText:    query,
			DurationMs:   duration.Milliseconds(),
			RowCount:     rowCount,
			Success:      success,
			ErrorMessage: errMsg,
		})
	}

	return result, execErr
}

// executeQuery does the actual dispatch work; ExecuteQuery wraps it to
// guarantee metrics and audit are recorded on every exit path, including
// ones where the pool or minion couldn't even be determined.
func (b *Backend) executeQuery(ctx context.Context, query, hash string) (result *Result, poolName, minionIP string, rowCount int, err error) {
	bytes, err := b.estimate(ctx, query, hash)
	if err != nil {
		return nil, "", "", 0, err
	}

	poolName, err = advisor.PickPool(bytes, b.poolSpecs())
	if err != nil {
		return nil, "", "", 0, fmt.Errorf("backend: advise: %w", err)
	}

	claim, err := b.waitForPool(ctx, poolName)
	if err != nil {
		return nil, poolName, "", 0, fmt.Errorf("backend: wait for pool %q: %w", poolName, err)
	}
	minionIP = claim.IP()

	connector, err := b.connector.WithHost(claim.IP())
	if err != nil {
		claim.Release()
		return nil, poolName, minionIP, 0, fmt.Errorf("backend: address claimed member: %w", err)
	}
	conn, err := connector.Connect(ctx)
	if err != nil {
		claim.Release()
		return nil, poolName, minionIP, 0, fmt.Errorf("backend: connect to claimed member: %w", err)
	}

	rows, err := conn.Query(ctx, query)
	if err != nil {
		conn.Close()
		claim.Release()
		return nil, poolName, minionIP, 0, fmt.Errorf("backend: execute query: %w", err)
	}

	return &Result{Rows: rows, Pool: poolName, Minion: claim.Name(), IP: minionIP, conn: conn, claim: claim}, poolName, minionIP, 0, nil
}

// PoolStatus is a read-only snapshot of one pool, as published to the status
// hub and served over the HTTP status endpoint.
type PoolStatus struct {
	Name    string
	Actual  int
	Desired int
	Load    float64
	Members []pool.MemberInfo
}

// Snapshot is the full status hub payload: every pool's current state.
type Snapshot struct {
	Pools []PoolStatus
}

func (b *Backend) snapshot() Snapshot {
	s := Snapshot{Pools: make([]PoolStatus, 0, len(b.poolNames))}
	for _, name := range b.poolNames {
		p := b.pools[name]
		s.Pools = append(s.Pools, PoolStatus{
			Name:    name,
			Actual:  p.Actual(),
			Desired: p.Desired(),
			Load:    p.Load().Load(),
			Members: p.Members(),
		})
	}
	return s
}

// Snapshot returns the current status of every pool.
func (b *Backend) Snapshot() Snapshot {
	return b.snapshot()
}

// Hub returns the status hub that publishes a new Snapshot every tick, for
// the HTTP long-poll endpoint to read from.
func (b *Backend) Hub() *statushub.StatusHub {
	return b.hub
}

// statusFilter rounds load to two decimal places before comparing snapshots,
// so the status hub doesn't wake every long-poller on every tick's floating
// point jitter while still treating an actual/desired/member-count change as
// significant immediately.
func statusFilter(v any) any {
	snap := v.(Snapshot)
	type roundedPool struct {
		Name    string
		Actual  int
		Desired int
		Load    float64
	}
	out := make([]roundedPool, len(snap.Pools))
	for i, p := range snap.Pools {
		out[i] = roundedPool{
			Name:    p.Name,
			Actual:  p.Actual,
			Desired: p.Desired,
			Load:    math.Round(p.Load*100) / 100,
		}
	}
	return out
}

// SetDesired overrides a pool's autoscaling target directly, bypassing
// manageSize until the next tick recomputes it from load. Used by the HTTP
// pool-size-set endpoint for manual operator overrides.
func (b *Backend) SetDesired(poolName string, n int) error {
	p, ok := b.pools[poolName]
	if !ok {
		return fmt.Errorf("backend: unknown pool %q", poolName)
	}
	p.SetDesired(n)
	return nil
}
