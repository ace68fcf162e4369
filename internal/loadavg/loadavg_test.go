package loadavg

import (
	"math"
	"testing"
	"time"
)

func almostEqual(a, b, eps float64) bool {
	return math.Abs(a-b) < eps
}

func TestNewLoadIsZero(t *testing.T) {
	l := New(60 * time.Second)
	if got := l.Load(); !almostEqual(got, 0, 1e-9) {
		t.Fatalf("Load() = %v, want 0", got)
	}
}

func TestAddIncreasesLoadImmediately(t *testing.T) {
	l := New(60 * time.Second)
	l.Add(3)
	if got := l.Load(); !almostEqual(got, 3, 1e-6) {
		t.Fatalf("Load() = %v, want 3", got)
	}
}

func TestAddThenRemoveBanksIntoEcho(t *testing.T) {
	l := New(60 * time.Second)
	l.Add(1)
	l.Remove(1)
	if got := l.Load(); !almostEqual(got, 1, 1e-6) {
		t.Fatalf("Load() = %v, want ~1 immediately after add+remove (released amount sits in echo)", got)
	}
}

func TestRemoveClampsAtZero(t *testing.T) {
	l := New(60 * time.Second)
	l.Remove(5)
	if got := l.Load(); got < 0 {
		t.Fatalf("Load() = %v, want >= 0", got)
	}
}

func TestEchoDecaysTowardZero(t *testing.T) {
	l := New(1 * time.Second) // short half-life for a fast test
	l.Add(1)
	l.Remove(1)
	// Force the echo clock backward to simulate elapsed time without
	// sleeping in the test.
	l.lastEchoUpdate = time.Now().Add(-3 * time.Second)
	got := l.Load()
	if got >= 0.2 {
		t.Fatalf("Load() = %v, want near 0 after 3 half-lives", got)
	}
}

func TestTimeRunningAdvances(t *testing.T) {
	l := New(60 * time.Second)
	l.startTime = time.Now().Add(-90 * time.Second)
	if l.TimeRunning() < 89*time.Second {
		t.Fatalf("TimeRunning() = %v, want >= ~90s", l.TimeRunning())
	}
}
