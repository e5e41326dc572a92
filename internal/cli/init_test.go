package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/autoremedy/internal/config"
	"github.com/ppiankov/autoremedy/internal/rules"
)

func TestRunInit_DefaultDir(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	initDir = ""
	initForce = false

	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	dir := filepath.Join(tmpDir, ".autoremedy")
	for _, sub := range []string{"scripts", "inbox"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Errorf("%s directory not created", sub)
		}
	}

	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.Listen == "" {
		t.Error("expected listen address in written config")
	}

	f, err := rules.LoadFile(filepath.Join(dir, "rules.yaml"))
	if err != nil {
		t.Fatalf("written rules do not load: %v", err)
	}
	if len(f.Rules) == 0 {
		t.Error("expected example rules")
	}
}

func TestRunInit_KeepsExistingWithoutForce(t *testing.T) {
	dir := t.TempDir()
	initDir = dir
	initForce = false
	defer func() { initDir = "" }()

	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte("rules: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "rules: []\n" {
		t.Error("existing rules.yaml was overwritten")
	}

	initForce = true
	defer func() { initForce = false }()
	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit --force failed: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) == "rules: []\n" {
		t.Error("expected --force to overwrite rules.yaml")
	}
}

func TestRunInit_Systemd(t *testing.T) {
	dir := t.TempDir()
	initDir = dir
	initSystemd = true
	defer func() { initDir, initSystemd = "", false }()

	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "autoremedy.service"))
	if err != nil {
		t.Fatalf("unit not written: %v", err)
	}
	if !strings.Contains(string(data), "serve --config "+filepath.Join(dir, "config.yaml")) {
		t.Errorf("unit does not reference the config:\n%s", data)
	}
}
