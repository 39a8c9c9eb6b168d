package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
server:
  listen: ":8080"
blob:
  backend: s3
  region: "us-east-1"
  bucket: "docs-bucket"
  prefix: ".locks/"
index:
  region: "us-west-2"
  cache_size: 32
store:
  sqlite_path: "/tmp/tenants.db"
provisioning:
  backend: static
  static_outputs:
    BrChatSharedKbStack:
      KnowledgeBaseIdABC: "kb-1"
status:
  retries: 6
  retry_delay: 500ms
runner:
  schedule: "0 * * * *"
  owner: "runner-1"
  poll_interval: 10s
  tenants:
    - "bot-*"
logging:
  level: "debug"
`
	path := writeTempFile(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Listen != ":8080" {
		t.Errorf("Server.Listen = %q, want %q", cfg.Server.Listen, ":8080")
	}
	if cfg.Blob.Bucket != "docs-bucket" {
		t.Errorf("Blob.Bucket = %q", cfg.Blob.Bucket)
	}
	if cfg.Blob.Prefix != ".locks/" {
		t.Errorf("Blob.Prefix = %q", cfg.Blob.Prefix)
	}
	if cfg.Index.DocumentBucket != "docs-bucket" {
		t.Errorf("Index.DocumentBucket = %q, want fallback to blob bucket", cfg.Index.DocumentBucket)
	}
	if cfg.Index.CacheSize != 32 {
		t.Errorf("Index.CacheSize = %d", cfg.Index.CacheSize)
	}
	if cfg.Provisioning.StaticOutputs["BrChatSharedKbStack"]["KnowledgeBaseIdABC"] != "kb-1" {
		t.Errorf("StaticOutputs = %v", cfg.Provisioning.StaticOutputs)
	}
	if cfg.Status.Retries != 6 || cfg.Status.RetryDelay != 500*time.Millisecond {
		t.Errorf("Status = %+v", cfg.Status)
	}
	if cfg.Runner.PollInterval != 10*time.Second {
		t.Errorf("Runner.PollInterval = %v", cfg.Runner.PollInterval)
	}
	if len(cfg.Runner.Tenants) != 1 || cfg.Runner.Tenants[0] != "bot-*" {
		t.Errorf("Runner.Tenants = %v", cfg.Runner.Tenants)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestLoad_Defaults(t *testing.T) {
	content := `
blob:
  bucket: "docs"
`
	path := writeTempFile(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Listen != ":8088" {
		t.Errorf("default Server.Listen = %q", cfg.Server.Listen)
	}
	if cfg.Blob.Backend != "s3" || cfg.Blob.Prefix != ".temp/" {
		t.Errorf("default Blob = %+v", cfg.Blob)
	}
	if cfg.Blob.LockTTL != 24*time.Hour {
		t.Errorf("default Blob.LockTTL = %v", cfg.Blob.LockTTL)
	}
	if cfg.Status.Retries != 4 || cfg.Status.RetryDelay != 2*time.Second {
		t.Errorf("default Status = %+v", cfg.Status)
	}
	if cfg.Provisioning.SharedStackName != "BrChatSharedKbStack" {
		t.Errorf("default SharedStackName = %q", cfg.Provisioning.SharedStackName)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	content := `
blob:
  bucket: "from-file"
`
	path := writeTempFile(t, content)
	t.Setenv("KBSYNC_BLOB__BUCKET", "from-env")
	t.Setenv("KBSYNC_INDEX__DOCUMENT_BUCKET", "documents")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Blob.Bucket != "from-env" {
		t.Errorf("Blob.Bucket = %q, want from-env", cfg.Blob.Bucket)
	}
	if cfg.Index.DocumentBucket != "documents" {
		t.Errorf("Index.DocumentBucket = %q, want documents", cfg.Index.DocumentBucket)
	}
}

func TestLoad_MissingBucket(t *testing.T) {
	path := writeTempFile(t, "logging:\n  level: info\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing blob.bucket")
	}
}

func TestLoad_OpenSearchBackendRequiresURL(t *testing.T) {
	content := `
blob:
  backend: opensearch
index:
  document_bucket: "docs"
`
	path := writeTempFile(t, content)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing blob.opensearch.url")
	}
}

func TestLoad_UnknownBackend(t *testing.T) {
	content := `
blob:
  backend: ftp
  bucket: "docs"
`
	path := writeTempFile(t, content)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
