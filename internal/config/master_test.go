package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validMaster = `
distros: [bullseye, bookworm]
server_groups:
  canary: [web1.example.org]
  all: [web1.example.org, web2.example.org, db1.example.org]
library_hints:
  openssl: [libssl, libcrypto]
`

func TestLoadMasterConfig_Valid(t *testing.T) {
	cfg, err := LoadMasterConfig(writeConfig(t, validMaster))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(cfg.Distros, []string{"bullseye", "bookworm"}) {
		t.Errorf("Distros = %v", cfg.Distros)
	}
	hosts, err := cfg.Group("all")
	if err != nil || len(hosts) != 3 {
		t.Errorf("Group(all) = %v, %v", hosts, err)
	}
	if got := cfg.GroupNames(); !reflect.DeepEqual(got, []string{"all", "canary"}) {
		t.Errorf("GroupNames = %v", got)
	}
}

func TestLoadMasterConfig_Defaults(t *testing.T) {
	t.Setenv("DEBDEPLOY_SSH_KEY", "")
	cfg, err := LoadMasterConfig(writeConfig(t, validMaster))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ledger != "/var/lib/debdeploy/jobs.db" {
		t.Errorf("default Ledger = %q", cfg.Ledger)
	}
	if cfg.LogFile != "/var/log/debdeploy/debdeploy.log" {
		t.Errorf("default LogFile = %q", cfg.LogFile)
	}
	if cfg.SSH.BatchSize != 100 {
		t.Errorf("default BatchSize = %d, want 100", cfg.SSH.BatchSize)
	}
	if cfg.SSH.User != "root" {
		t.Errorf("default User = %q", cfg.SSH.User)
	}
	if cfg.MinionCommand != "/usr/bin/debdeploy-minion" {
		t.Errorf("default MinionCommand = %q", cfg.MinionCommand)
	}
}

func TestLoadMasterConfig_NotOverridden(t *testing.T) {
	t.Setenv("DEBDEPLOY_SSH_KEY", "")
	cfg, err := LoadMasterConfig(writeConfig(t, validMaster+`
ledger: /srv/jobs.db
ssh:
  user: deploy
  key: /root/.ssh/deploy
  batch_size: 10
  options: [StrictHostKeyChecking=yes]
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ledger != "/srv/jobs.db" || cfg.SSH.User != "deploy" || cfg.SSH.BatchSize != 10 {
		t.Errorf("explicit values overridden: %+v", cfg)
	}
	if cfg.SSH.Key != "/root/.ssh/deploy" {
		t.Errorf("Key = %q", cfg.SSH.Key)
	}
}

func TestLoadMasterConfig_KeyFromEnv(t *testing.T) {
	t.Setenv("DEBDEPLOY_SSH_KEY", "/tmp/env-key")
	cfg, err := LoadMasterConfig(writeConfig(t, validMaster+"ssh:\n  key: /root/.ssh/file-key\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SSH.Key != "/tmp/env-key" {
		t.Errorf("env var should override file key, got %q", cfg.SSH.Key)
	}
}

func TestLoadMasterConfig_MissingDistros(t *testing.T) {
	_, err := LoadMasterConfig(writeConfig(t, "server_groups:\n  all: [h1]\n"))
	if err == nil {
		t.Error("expected error for missing distros")
	}
}

func TestLoadMasterConfig_MissingGroups(t *testing.T) {
	_, err := LoadMasterConfig(writeConfig(t, "distros: [bookworm]\n"))
	if err == nil {
		t.Error("expected error for missing server groups")
	}
}

func TestLoadMasterConfig_EmptyGroup(t *testing.T) {
	_, err := LoadMasterConfig(writeConfig(t, "distros: [bookworm]\nserver_groups:\n  empty: []\n"))
	if err == nil {
		t.Error("expected error for empty server group")
	}
}

func TestLoadMasterConfig_FileNotFound(t *testing.T) {
	_, err := LoadMasterConfig(filepath.Join(t.TempDir(), "master.yaml"))
	if err == nil {
		t.Error("expected error when config file does not exist")
	}
}

func TestGroup_Unknown(t *testing.T) {
	cfg, err := LoadMasterConfig(writeConfig(t, validMaster))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.Group("nope"); err == nil {
		t.Error("expected error for unknown group")
	}
}

func TestLibraries(t *testing.T) {
	cfg, err := LoadMasterConfig(writeConfig(t, validMaster))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Libraries("openssl", nil); !reflect.DeepEqual(got, []string{"libssl", "libcrypto"}) {
		t.Errorf("hints = %v", got)
	}
	if got := cfg.Libraries("openssl", []string{"libssl"}); !reflect.DeepEqual(got, []string{"libssl"}) {
		t.Errorf("spec libraries should win, got %v", got)
	}
	if got := cfg.Libraries("zlib", nil); got != nil {
		t.Errorf("expected no libraries, got %v", got)
	}
}
