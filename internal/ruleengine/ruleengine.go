// Package ruleengine computes multi-step transition plans over a small,
// fixed state graph.
//
// # Why a closure, not a live search
//
// The minion lifecycle graph has a handful of states and changes only at
// compile time, so there is no reason to run Dijkstra on every poll. Instead
// the engine precomputes, once, the cheapest single first rule to apply from
// every reachable (source, destination) pair. Plan() is then O(1): a map
// lookup. The closure is built with a Floyd–Warshall-style relaxation over
// rule edges, described below.
//
// # Concurrency
//
// RuleEngine is immutable after New returns; all exported methods are safe
// for concurrent use without further synchronization.
package ruleengine

// Rule says that a state machine sitting in any of Sources can reach Target
// by performing Action. Action is treated as an opaque label; the engine
// never interprets it.
type Rule struct {
	Sources []string
	Target  string
	Action  string
}

type edge struct {
	rule Rule
	cost int
}

// RuleEngine holds the transitive closure of a rule set: for every
// (source, target) pair it remembers the cheapest rule to invoke.
//
// matrix[target][source] = edge{rule, cost}
type RuleEngine struct {
	matrix map[string]map[string]edge
}

// New builds a RuleEngine from a rule set, computing the full transitive
// closure. Complexity is O(n^3) in the number of distinct states, which is
// fine since those graphs are tiny and built once at process start.
func New(rules []Rule) *RuleEngine {
	e := &RuleEngine{matrix: make(map[string]map[string]edge)}

	for _, rule := range rules {
		if e.matrix[rule.Target] == nil {
			e.matrix[rule.Target] = make(map[string]edge)
		}
		for _, s := range rule.Sources {
			if _, ok := e.matrix[rule.Target][s]; !ok {
				e.matrix[rule.Target][s] = edge{rule: rule, cost: 1}
			}
		}
	}

	// Relax all (source -> intermediate) + (intermediate -> target)
	// combinations until nothing improves.
	for changed := true; changed; {
		changed = false
		bySource := e.allRoutesSnapshot()
		for _, routes1 := range bySource {
			for _, r1 := range routes1 {
				for _, r2 := range bySource[r1.target] {
					if r1.source == r2.target {
						continue
					}
					cost := r1.cost + r2.cost
					existing, ok := e.matrix[r2.target][r1.source]
					if !ok || existing.cost > cost {
						if e.matrix[r2.target] == nil {
							e.matrix[r2.target] = make(map[string]edge)
						}
						// The first hop's rule is the one to invoke from r1.source.
						e.matrix[r2.target][r1.source] = edge{rule: r1.rule, cost: cost}
						changed = true
					}
				}
			}
		}
	}

	return e
}

type route struct {
	source string
	target string
	rule   Rule
	cost   int
}

func (e *RuleEngine) allRoutesTo(target string) []route {
	out := make([]route, 0, len(e.matrix[target]))
	for source, ed := range e.matrix[target] {
		out = append(out, route{source: source, target: target, rule: ed.rule, cost: ed.cost})
	}
	return out
}

// allRoutesSnapshot groups every known route by its source, so the
// relaxation loop can pivot on "routes leaving source".
func (e *RuleEngine) allRoutesSnapshot() map[string][]route {
	bySource := make(map[string][]route)
	for target := range e.matrix {
		for _, r := range e.allRoutesTo(target) {
			bySource[r.source] = append(bySource[r.source], r)
		}
	}
	return bySource
}

func (e *RuleEngine) allRoutesToSnapshot(target string) []route {
	return e.allRoutesTo(target)
}

// PickRule returns the cheapest known rule to apply when moving from start
// toward finish, or nil if finish is unreachable from start.
func (e *RuleEngine) PickRule(start, finish string) *Rule {
	byTarget, ok := e.matrix[finish]
	if !ok {
		return nil
	}
	ed, ok := byTarget[start]
	if !ok {
		return nil
	}
	r := ed.rule
	return &r
}

// Plan returns the action to take in order to make progress from start
// toward finish, or "" if finish is unreachable from start.
func (e *RuleEngine) Plan(start, finish string) string {
	rule := e.PickRule(start, finish)
	if rule == nil {
		return ""
	}
	return rule.Action
}
