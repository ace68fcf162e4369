package ruleengine

import "testing"

func testEngine() *RuleEngine {
	return New([]Rule{
		{Sources: []string{"STOPPED"}, Target: "PENDING", Action: "start"},
		{Sources: []string{"PENDING"}, Target: "RUNNING", Action: "wait"},
		{Sources: []string{"RUNNING"}, Target: "READY", Action: "wait"},
		{Sources: []string{"RUNNING", "READY"}, Target: "STOPPING", Action: "stop"},
		{Sources: []string{"STOPPING"}, Target: "STOPPED", Action: "wait"},
	})
}

func TestPlanDirectRule(t *testing.T) {
	e := testEngine()
	if a := e.Plan("STOPPED", "PENDING"); a != "start" {
		t.Fatalf("Plan(STOPPED, PENDING) = %q, want start", a)
	}
}

func TestPlanMultiHop(t *testing.T) {
	e := testEngine()
	// STOPPED -> READY requires start, then wait, then wait; the first
	// rule to apply is "start".
	if a := e.Plan("STOPPED", "READY"); a != "start" {
		t.Fatalf("Plan(STOPPED, READY) = %q, want start", a)
	}
	if a := e.Plan("PENDING", "READY"); a != "wait" {
		t.Fatalf("Plan(PENDING, READY) = %q, want wait", a)
	}
}

func TestPlanReadyBacksToStopped(t *testing.T) {
	e := testEngine()
	if a := e.Plan("READY", "STOPPED"); a != "stop" {
		t.Fatalf("Plan(READY, STOPPED) = %q, want stop", a)
	}
}

func TestPlanUnreachable(t *testing.T) {
	e := testEngine()
	if a := e.Plan("TERMINATED", "READY"); a != "" {
		t.Fatalf("Plan(TERMINATED, READY) = %q, want empty", a)
	}
}

func TestPlanSameState(t *testing.T) {
	e := testEngine()
	// No rule targets a state from itself; callers are expected to check
	// observed == desired before asking for a plan.
	if a := e.Plan("READY", "READY"); a != "" {
		t.Fatalf("Plan(READY, READY) = %q, want empty", a)
	}
}
