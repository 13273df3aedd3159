package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/cron"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Model.APIKey = "test-key"
	cfg.Memory.Root = t.TempDir()
	cfg.Sessions.Root = t.TempDir()
	cfg.Cron.File = filepath.Join(t.TempDir(), "cron.json")
	return cfg
}

func TestNewBuildsGraph(t *testing.T) {
	a, err := New(testConfig(t), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	if a.Channels() == nil || a.Runtime() == nil {
		t.Error("component graph incomplete")
	}
	if len(a.clients) != 5 {
		t.Errorf("clients = %d, want 5", len(a.clients))
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model.Provider = "llama"
	if _, err := New(cfg, nil); err == nil {
		t.Error("expected config error")
	}

	cfg = testConfig(t)
	cfg.Model.APIKey = ""
	if _, err := New(cfg, nil); err == nil {
		t.Error("expected missing-key error")
	}
}

func TestParseNotify(t *testing.T) {
	addrs := parseNotify([]string{"whatsapp:ops", "telegram:alerts:extra", "broken", ":user", "channel:"})
	if len(addrs) != 2 {
		t.Fatalf("addrs = %+v", addrs)
	}
	if addrs[0].Channel != "whatsapp" || addrs[0].UserID != "ops" {
		t.Errorf("addrs[0] = %+v", addrs[0])
	}
	// Everything after the first colon belongs to the user ID.
	if addrs[1].Channel != "telegram" || addrs[1].UserID != "alerts:extra" {
		t.Errorf("addrs[1] = %+v", addrs[1])
	}
}

func TestCronTableRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cron.json")
	logger := slog.New(slog.DiscardHandler)

	if got := loadCronTasks(path, logger); got != nil {
		t.Errorf("missing file should load empty, got %+v", got)
	}

	tasks := []cron.Task{
		{ID: "digest", Schedule: "0 9 * * *", Task: "Write the morning digest.", Enabled: true},
	}
	if err := persistCronTasks(path)(context.Background(), tasks); err != nil {
		t.Fatal(err)
	}
	loaded := loadCronTasks(path, logger)
	if len(loaded) != 1 || loaded[0].ID != "digest" || !loaded[0].Enabled {
		t.Errorf("loaded = %+v", loaded)
	}

	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := loadCronTasks(path, logger); got != nil {
		t.Errorf("corrupt file should load empty, got %+v", got)
	}
}
