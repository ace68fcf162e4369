package manifest

import (
	"strings"
	"testing"
)

func TestParseMultiDocumentManifest(t *testing.T) {
	input := `
name: small
tags:
  role: db-small
memoryMiB: 1024
---
name: large
tags:
  role: db-large
memoryMiB: 16384
`
	m, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	if len(m.Pools) != 2 {
		t.Fatalf("len(Pools) = %d, want 2", len(m.Pools))
	}
	if m.Pools[0].Name != "small" || m.Pools[0].MemoryMiB != 1024 {
		t.Fatalf("Pools[0] = %+v", m.Pools[0])
	}
	if m.Pools[1].Tags["role"] != "db-large" {
		t.Fatalf("Pools[1].Tags = %+v", m.Pools[1].Tags)
	}
}

func TestParseRejectsDuplicateNames(t *testing.T) {
	input := `
name: small
memoryMiB: 1024
---
name: small
memoryMiB: 2048
`
	if _, err := Parse(strings.NewReader(input)); err == nil {
		t.Fatal("expected error for duplicate pool name")
	}
}

func TestParseRejectsNonPositiveMemory(t *testing.T) {
	input := `
name: small
memoryMiB: 0
`
	if _, err := Parse(strings.NewReader(input)); err == nil {
		t.Fatal("expected error for non-positive memoryMiB")
	}
}

func TestParseRejectsEmptyManifest(t *testing.T) {
	if _, err := Parse(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty manifest")
	}
}
