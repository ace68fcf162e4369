package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLogWritesJSONLineToFile(t *testing.T) {
	l := &Logger{enabled: true}
	path := filepath.Join(t.TempDir(), "dispatch.log")
	if err := l.SetOutput(path); err != nil {
		t.Fatalf("SetOutput error = %v", err)
	}
	defer l.Close()

	l.Log(&DispatchLog{RequestID: "r1", Pool: "small", MinionIP: "10.0.0.5", Success: true, RowCount: 3})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error = %v", err)
	}
	var got DispatchLog
	if err := json.Unmarshal(data[:len(data)-1], &got); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if got.Pool != "small" || got.RowCount != 3 {
		t.Fatalf("got = %+v", got)
	}
}

func TestLogDisabledSkipsOutput(t *testing.T) {
	l := &Logger{enabled: false, console: true}
	path := filepath.Join(t.TempDir(), "dispatch.log")
	if err := l.SetOutput(path); err != nil {
		t.Fatalf("SetOutput error = %v", err)
	}
	defer l.Close()

	l.Log(&DispatchLog{RequestID: "r1"})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error = %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected no output when logger disabled, got %q", data)
	}
}
