// Package statushub implements the long-poll broadcast primitive the
// backend uses to let dashboards and CLIs watch pool status without
// hammering an HTTP endpoint every second.
//
// # Why long-poll instead of SSE/websockets
//
// The status payload changes at most once a second (the backend's poll
// tick) and callers only ever want "the latest", not a stream of deltas,
// so a single blocking request that returns as soon as something new is
// available is simpler than managing a persistent connection, and degrades
// gracefully behind any HTTP proxy.
//
// # Coalescing
//
// SetState only wakes waiters if either more than coalesceWindow has
// passed since the last update, or filter(newState) differs from
// filter(lastState). filter lets the caller ignore churn in fields it
// doesn't consider meaningful (timestamps embedded in a formatted report,
// say) while still treating a change to the fields it does care about as
// immediate. Without this a backend under constant light load would wake
// every long-poller on every single tick even when nothing a human would
// call "a change" happened.
//
// # Generation and hub ID
//
// Each process start gets a fresh, random hub ID. A caller passes back the
// hub ID and generation it last saw; if the ID doesn't match (the backend
// restarted) GetState returns immediately with the current state instead
// of waiting, since waiting for "the generation this process was on
// before it restarted" would never happen.
package statushub

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
)

// coalesceWindow bounds how often SetState will wake waiters for a change
// that filter() considers insignificant.
const coalesceWindow = 60 * time.Second

// Filter extracts the part of a state value that matters for coalescing
// purposes. The identity filter (func(s any) any { return s }) coalesces
// only states identical to the current one; a nil filter passed to
// SetState disables coalescing entirely.
type Filter func(state any) any

// StatusHub holds the latest published state and wakes blocked GetState
// callers when SetState decides the state has meaningfully changed.
type StatusHub struct {
	mu   sync.Mutex
	cond *sync.Cond

	id         string
	generation int
	lastUpdate time.Time
	state      any
}

// New creates a StatusHub with a fresh random ID and an initial state.
func New(initial any) *StatusHub {
	h := &StatusHub{
		id:         uuid.NewString(),
		generation: 1,
		lastUpdate: time.Now(),
		state:      initial,
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// SetState publishes newState. filter decides whether the change is
// significant enough to wake waiters immediately; if nil, every call wakes
// waiters (no coalescing).
func (h *StatusHub) SetState(newState any, filter Filter) {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()

	if filter != nil && now.Sub(h.lastUpdate) < coalesceWindow &&
		reflect.DeepEqual(filter(newState), filter(h.state)) {
		return
	}

	h.state = newState
	h.lastUpdate = now
	h.generation++
	h.cond.Broadcast()
}

// GetState returns the current hub ID, generation, and state immediately
// if id doesn't match the hub's current ID (a restart happened) or seen is
// behind the current generation. Otherwise it blocks until SetState
// publishes a new generation or ctx is done.
func (h *StatusHub) GetState(ctx context.Context, id string, seen int) (hubID string, generation int, state any, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if seen > h.generation {
		seen = h.generation
	}

	stop := context.AfterFunc(ctx, h.cond.Broadcast)
	defer stop()

	for id == h.id && seen >= h.generation {
		if err := ctx.Err(); err != nil {
			return "", 0, nil, err
		}
		h.cond.Wait()
	}
	return h.id, h.generation, h.state, nil
}
