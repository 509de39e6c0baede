package shardq

import (
	"context"
	"path/filepath"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/shardq/internal/storage"
)

func TestBackendKind(t *testing.T) {
	for store, want := range map[string]string{
		"mem://":                 "mem",
		"memory://":              "mem",
		"disk:///var/lib/shardq": "disk",
		"rediss://cache:6380/1":  "redis",
		"postgresql://db/queues": "postgres",
		"pebble:///tmp/p":        "pebble",
	} {
		got, err := BackendKind(store)
		if err != nil {
			t.Fatalf("%s: %v", store, err)
		}
		if got != want {
			t.Fatalf("%s: expected %q, got %q", store, want, got)
		}
	}
}

func TestOpenBackendMemory(t *testing.T) {
	cfg := Config{Store: "mem://"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	backend, err := OpenBackend(context.Background(), cfg, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if d, ok := backend.(storage.Describer); !ok || d.Describe() != "mem://" {
		t.Fatalf("expected decorated memory backend, got %T", backend)
	}
	if _, ok := backend.(storage.ChangeFeed); !ok {
		t.Fatal("change feed hidden by decorators")
	}
}

func TestOpenBackendLocalStores(t *testing.T) {
	dir := t.TempDir()
	for _, store := range []string{
		"disk://" + filepath.Join(dir, "disk"),
		"bolt://" + filepath.Join(dir, "queue.db"),
		"pebble://" + filepath.Join(dir, "pebble"),
	} {
		cfg := Config{Store: store, BoltNoSync: true}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("%s: validate: %v", store, err)
		}
		backend, err := OpenBackend(context.Background(), cfg, pslog.NoopLogger())
		if err != nil {
			t.Fatalf("%s: open: %v", store, err)
		}
		if err := backend.Close(); err != nil {
			t.Fatalf("%s: close: %v", store, err)
		}
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		Store:             "s3://localhost:9000/test-bucket/prefix/path?insecure=1&path-style=1&kms-key-id=k1",
		S3SSE:             "AES256",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "minio123",
		S3SessionToken:    "session",
	}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" {
		t.Fatalf("unexpected endpoint: %s", s3cfg.Endpoint)
	}
	if s3cfg.Bucket != "test-bucket" || s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected bucket/prefix: %s/%s", s3cfg.Bucket, s3cfg.Prefix)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle {
		t.Fatalf("expected insecure and path style from query: %+v", s3cfg)
	}
	if s3cfg.KMSKeyID != "k1" || s3cfg.ServerSideEnc != "AES256" {
		t.Fatalf("unexpected encryption settings: %+v", s3cfg)
	}
	if summary.AccessKey != "minio" || !summary.HasSecret || summary.Source != "config" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://"}); err == nil {
		t.Fatal("expected error for missing host")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000/b", S3AccessKeyID: "only"}); err == nil {
		t.Fatal("expected error for incomplete credentials")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	cfg := Config{Store: "aws://my-bucket/queues?region=eu-north-1&kms-key-id=k2", S3SSE: "aws:kms"}
	awscfg, _, err := BuildAWSConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if awscfg.Bucket != "my-bucket" || awscfg.Prefix != "queues" || awscfg.Region != "eu-north-1" {
		t.Fatalf("unexpected aws config: %+v", awscfg)
	}
	if awscfg.KMSKeyID != "k2" {
		t.Fatalf("unexpected kms key %q", awscfg.KMSKeyID)
	}
	if _, _, err := BuildAWSConfig(Config{Store: "aws://my-bucket"}); err == nil {
		t.Fatal("expected error for missing region")
	}
	withRegion, _, err := BuildAWSConfig(Config{Store: "aws://my-bucket", AWSRegion: "us-east-1"})
	if err != nil || withRegion.Region != "us-east-1" {
		t.Fatalf("region from config: %+v %v", withRegion, err)
	}
}

func TestBuildAzureConfig(t *testing.T) {
	cfg := Config{Store: "azure://acct/container/some/prefix?endpoint=http://127.0.0.1:10000/acct", AzureAccountKey: "a2V5"}
	azcfg, err := BuildAzureConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if azcfg.Account != "acct" || azcfg.Container != "container" || azcfg.Prefix != "some/prefix" {
		t.Fatalf("unexpected azure config: %+v", azcfg)
	}
	if azcfg.Endpoint != "http://127.0.0.1:10000/acct" || azcfg.AccountKey != "a2V5" {
		t.Fatalf("unexpected endpoint/key: %+v", azcfg)
	}
	if _, err := BuildAzureConfig(Config{Store: "azure://acct"}); err == nil {
		t.Fatal("expected error for missing container")
	}
}

func TestLocalPath(t *testing.T) {
	got, err := localPath("disk:///var/lib/shardq/", "disk")
	if err != nil || got != "/var/lib/shardq" {
		t.Fatalf("absolute path: %q %v", got, err)
	}
	got, err = localPath("bolt://data/queue.db", "bolt")
	if err != nil || got != filepath.Join("data", "queue.db") {
		t.Fatalf("relative path: %q %v", got, err)
	}
	if _, err := localPath("pebble://", "pebble"); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := localPath("disk:///x", "bolt"); err == nil {
		t.Fatal("expected error for scheme mismatch")
	}
}
