package shardq

import (
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Store != DefaultStore {
		t.Fatalf("expected store default %q, got %q", DefaultStore, cfg.Store)
	}
	if cfg.Namespace != DefaultNamespace {
		t.Fatalf("expected namespace default %q, got %q", DefaultNamespace, cfg.Namespace)
	}
	if cfg.Shards != DefaultShards || cfg.LeaseTimeout != DefaultLeaseTimeout || cfg.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("unexpected queue defaults: %+v", cfg)
	}
	if cfg.InlinePayloadLimit != DefaultInlinePayloadLimit || cfg.MaxPayloadBytes != DefaultMaxPayloadBytes {
		t.Fatal("expected payload limit defaults")
	}
	if cfg.StorageRetryMaxAttempts <= 0 || cfg.StorageRetryBaseDelay <= 0 || cfg.StorageRetryMultiplier <= 1 {
		t.Fatal("expected storage retry defaults")
	}
	if cfg.ReconcileInterval != DefaultReconcileInterval {
		t.Fatalf("expected reconcile interval default, got %s", cfg.ReconcileInterval)
	}
	if cfg.Overlap != 1 {
		t.Fatalf("expected overlap 1, got %d", cfg.Overlap)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := map[string]Config{
		"unknown scheme":   {Store: "ftp://host/x"},
		"aws region":       {Store: "aws://bucket"},
		"bad namespace":    {Namespace: "a/b"},
		"too many shards":  {Shards: 10000},
		"negative lease":   {LeaseTimeout: -time.Second},
		"inline above max": {InlinePayloadLimit: 2 << 20, MaxPayloadBytes: 1 << 20},
		"retry delays":     {StorageRetryBaseDelay: time.Second, StorageRetryMaxDelay: time.Millisecond},
		"profiling":        {EnableProfilingMetrics: true},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	ok := Config{Store: "aws://bucket?region=eu-north-1"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("region from URL: %v", err)
	}
}

func TestQueueConfigCarriesSettings(t *testing.T) {
	cfg := Config{Shards: 7, LeaseTimeout: time.Minute, MaxAttempts: 3, Overlap: 2}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	qcfg := cfg.QueueConfig("orders", nil)
	if qcfg.Name != "orders" || qcfg.Namespace != DefaultNamespace {
		t.Fatalf("unexpected identity %q/%q", qcfg.Namespace, qcfg.Name)
	}
	if qcfg.Shards != 7 || qcfg.LeaseTimeout != time.Minute || qcfg.MaxAttempts != 3 || qcfg.Overlap != 2 {
		t.Fatalf("settings not carried: %+v", qcfg)
	}
	if int64(qcfg.MaxPayloadBytes) != DefaultMaxPayloadBytes {
		t.Fatalf("unexpected max payload %d", qcfg.MaxPayloadBytes)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SHARDQ_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("DefaultConfigDir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %q, got %q", dir, got)
	}
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("DefaultConfigPath: %v", err)
	}
	if path != filepath.Join(dir, DefaultConfigFileName) {
		t.Fatalf("unexpected config path %q", path)
	}
}
