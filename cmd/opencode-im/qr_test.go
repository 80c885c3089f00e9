package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/qikezhang/opencode-on-im/core"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestQRCommandReusesExistingInstance(t *testing.T) {
	dataDir := t.TempDir()

	if _, err := runCommand(t, "qr", "--data-dir", dataDir); err != nil {
		t.Fatalf("first qr run error = %v", err)
	}
	if _, err := runCommand(t, "qr", "--data-dir", dataDir); err != nil {
		t.Fatalf("second qr run error = %v", err)
	}

	reg, err := core.NewInstanceRegistry(core.InstanceRegistryOptions{
		Path:          filepath.Join(dataDir, "instances.json"),
		SecretKey:     "change-me-in-production",
		LocalEndpoint: "127.0.0.1:4096",
	})
	if err != nil {
		t.Fatalf("NewInstanceRegistry() error = %v", err)
	}
	if got := len(reg.ListInstances()); got != 1 {
		t.Fatalf("instances after two qr runs = %d, want 1", got)
	}
}

func TestQRCommandRejectsUnknownName(t *testing.T) {
	dataDir := t.TempDir()

	if _, err := runCommand(t, "qr", "no-such-instance", "--data-dir", dataDir); err == nil {
		t.Fatal("qr with unknown name should fail")
	}

	reg, err := core.NewInstanceRegistry(core.InstanceRegistryOptions{
		Path:          filepath.Join(dataDir, "instances.json"),
		SecretKey:     "change-me-in-production",
		LocalEndpoint: "127.0.0.1:4096",
	})
	if err != nil {
		t.Fatalf("NewInstanceRegistry() error = %v", err)
	}
	if got := len(reg.ListInstances()); got != 0 {
		t.Fatalf("instances after failed qr run = %d, want 0", got)
	}
}
