package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfigDefault(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")
	if AppConfig.Node.DBPath != "./quietmesh.db" {
		t.Fatalf("unexpected db path: %s", AppConfig.Node.DBPath)
	}
	if AppConfig.Sync.RequestIntervalMS != 30000 {
		t.Fatalf("unexpected sync interval: %d", AppConfig.Sync.RequestIntervalMS)
	}
}

func TestLoadConfigSandbox(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "config"), 0o700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	data := []byte("node:\n  db_path: /tmp/sandbox.db\nsync:\n  request_interval_ms: 42\n")
	if err := os.WriteFile(filepath.Join(root, "config", "default.yaml"), data, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")

	if AppConfig.Node.DBPath != "/tmp/sandbox.db" {
		t.Fatalf("expected sandbox db path, got %s", AppConfig.Node.DBPath)
	}
	if AppConfig.Sync.RequestIntervalMS != 42 {
		t.Fatalf("expected interval 42, got %d", AppConfig.Sync.RequestIntervalMS)
	}
}
