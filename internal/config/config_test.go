package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadGeneratesIdentityWhenKeysMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routeweaver.toml")
	if err := os.WriteFile(path, []byte(`routing_only = false`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Keys != nil {
		t.Fatalf("expected nil Keys before resolution")
	}

	id, err := cfg.ResolveIdentity(path)
	if err != nil {
		t.Fatalf("ResolveIdentity: %v", err)
	}
	if cfg.Keys == nil || cfg.Keys.Public != id.Public.String() {
		t.Fatalf("generated identity not reflected back into config")
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Keys == nil || reloaded.Keys.Public != id.Public.String() {
		t.Fatalf("generated keys were not persisted to disk")
	}
}

func TestResolveIdentityFromExistingKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routeweaver.toml")

	cfg := Default()
	if _, err := cfg.ResolveIdentity(""); err != nil {
		t.Fatalf("generate: %v", err)
	}
	want := cfg.Keys.Public

	cfg2 := Default()
	cfg2.Keys = cfg.Keys
	id, err := cfg2.ResolveIdentity(path)
	if err != nil {
		t.Fatalf("ResolveIdentity: %v", err)
	}
	if id.Public.String() != want {
		t.Fatalf("derived identity does not match configured key")
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("ResolveIdentity should not write when Keys already set")
	}
}

func TestParsedInitialPeersReportsBadEntries(t *testing.T) {
	cfg := Default()
	cfg.InitialPeers = []string{"/tcp/ip/127.0.0.1/9993", "garbage"}

	peers, errs := cfg.ParsedInitialPeers()
	if len(peers) != 1 {
		t.Fatalf("expected 1 valid peer, got %d", len(peers))
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error for malformed entry, got %d", len(errs))
	}
}
