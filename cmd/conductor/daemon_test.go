package main

import (
	"context"
	"testing"

	"github.com/mdbconductor/conductor/internal/config"
	"github.com/mdbconductor/conductor/internal/manifest"
)

func TestPoolConfigsConvertsManifest(t *testing.T) {
	m := &manifest.Manifest{Pools: []manifest.PoolSpec{
		{Name: "small", Tags: map[string]string{"pool": "small"}, MemoryMiB: 1024},
		{Name: "large", Tags: map[string]string{"pool": "large"}, MemoryMiB: 8192},
	}}

	got := poolConfigs(m)
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Name != "small" || got[0].MemoryMiB != 1024 {
		t.Fatalf("got[0] = %+v, want small/1024", got[0])
	}
	if got[1].Tags["pool"] != "large" {
		t.Fatalf("got[1].Tags = %+v, want pool=large", got[1].Tags)
	}
}

func TestBuildBackendOptionsSkipsUnconfiguredCollaborators(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Audit.DSN = ""
	cfg.AdvisorCache.Addr = ""

	opts, auditLog := buildBackendOptions(context.Background(), cfg)
	if len(opts) != 0 {
		t.Fatalf("len(opts) = %d, want 0 when neither collaborator is configured", len(opts))
	}
	if auditLog != nil {
		t.Fatal("expected a nil audit log when Audit.DSN is empty")
	}
}

func TestBuildBackendOptionsWiresAdvisorCache(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Audit.DSN = ""
	cfg.AdvisorCache.Addr = "localhost:6379"

	opts, auditLog := buildBackendOptions(context.Background(), cfg)
	if len(opts) != 1 {
		t.Fatalf("len(opts) = %d, want 1 for a configured advisor cache", len(opts))
	}
	if auditLog != nil {
		t.Fatal("expected a nil audit log when Audit.DSN is empty")
	}
}
