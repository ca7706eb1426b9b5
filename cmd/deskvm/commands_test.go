package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xfeldman/deskvm/internal/portalloc"
	"github.com/xfeldman/deskvm/internal/registry"
	"github.com/xfeldman/deskvm/internal/vmm"
)

// writeTestConfig writes a config rooted in a temp dir and returns its path.
func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := map[string]string{
		"data_dir":   dir,
		"db_path":    filepath.Join(dir, "deskvm.db"),
		"lock_path":  filepath.Join(dir, "ports.lock"),
		"images_dir": filepath.Join(dir, "vms"),
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path, filepath.Join(dir, "deskvm.db")
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	a := &app{}
	root := a.rootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestListCommand(t *testing.T) {
	cfgPath, dbPath := writeTestConfig(t)

	db, err := registry.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	db.SaveInstance(&registry.Instance{
		ID:        "0f1e2d3c-aaaa-bbbb-cccc-000000000001",
		State:     "running",
		Readiness: "network_ready",
		OSType:    "Ubuntu",
		Ports:     portalloc.PortSet{Server: 5000, VNC: 8006, Chromium: 9222, VLC: 8080},
		CreatedAt: time.Now(),
	})
	db.Close()

	out, err := runCLI(t, "--config", cfgPath, "--log-level", "error", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "0f1e2d3c-aaaa") || !strings.Contains(out, "network_ready") {
		t.Errorf("list output missing instance:\n%s", out)
	}

	out, err = runCLI(t, "--config", cfgPath, "list", "--json")
	if err != nil {
		t.Fatalf("list --json: %v", err)
	}
	if !strings.Contains(out, `"server": 5000`) {
		t.Errorf("json output missing ports:\n%s", out)
	}
}

func TestRootRejectsBadLogFlags(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	if _, err := runCLI(t, "--config", cfgPath, "--log-format", "xml", "list"); err == nil {
		t.Error("expected error for unknown log format")
	}
	if _, err := runCLI(t, "--config", cfgPath, "--log-level", "loud", "list"); err == nil {
		t.Error("expected error for unknown log level")
	}
}

func TestLookupInstance(t *testing.T) {
	_, dbPath := writeTestConfig(t)
	db, err := registry.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	now := time.Now()
	db.SaveInstance(&registry.Instance{ID: "abc12345-0001", State: "running", CreatedAt: now})
	db.SaveInstance(&registry.Instance{ID: "abc12345-0002", State: "stopped", CreatedAt: now})
	db.SaveInstance(&registry.Instance{ID: "def00000-0001", State: "running", CreatedAt: now})

	tests := []struct {
		id      string
		want    string
		wantErr bool
	}{
		{"abc12345-0002", "abc12345-0002", false},
		{"def", "def00000-0001", false},
		{"abc", "", true},
		{"zzz", "", true},
	}
	for _, tt := range tests {
		got, err := lookupInstance(db, tt.id)
		if tt.wantErr {
			if err == nil {
				t.Errorf("lookupInstance(%q): expected error", tt.id)
			}
			continue
		}
		if err != nil {
			t.Errorf("lookupInstance(%q): %v", tt.id, err)
			continue
		}
		if got.ID != tt.want {
			t.Errorf("lookupInstance(%q) = %q, want %q", tt.id, got.ID, tt.want)
		}
	}
}

func TestDockerStatus(t *testing.T) {
	got := dockerStatus(vmm.BackendCaps{Name: "docker", HardwareAccel: true}, 3)
	want := "Docker:    ok (backend=docker kvm=true, 3 host ports published by running containers)"
	if got != want {
		t.Errorf("dockerStatus = %q, want %q", got, want)
	}
	if strings.Contains(got, "sandbox") {
		t.Errorf("dockerStatus = %q, count covers all containers", got)
	}
}
