package app

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/config"
	"github.com/nidhogg/nuka-flow/internal/provider"
)

func TestBuildWithoutBackends(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Postgres.DSN = "postgres://ignored"
	a, err := Build(context.Background(), cfg, Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if a.Orchestrator == nil || a.Tracker == nil || a.Metrics == nil {
		t.Fatal("expected orchestrator, tracker and metrics")
	}
	if a.Store != nil {
		t.Error("store must stay closed unless persistence is requested")
	}
	if a.Orchestrator.Tracker() != a.Tracker {
		t.Error("orchestrator should report through the shared tracker")
	}
	if err := a.Close(context.Background()); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestNewRouter(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{
		{ID: "oa", Type: "openai", Name: "OpenAI", Endpoint: "http://localhost:1"},
		{ID: "an", Type: "anthropic", Name: "Anthropic", Endpoint: "http://localhost:2"},
		{ID: "xx", Type: "mystery"},
	}
	cfg.Roles = []config.RoleBinding{{Role: provider.RoleCritic, Provider: "an", Fallbacks: []string{"oa"}}}

	r := NewRouter(cfg, zap.NewNop())
	provs := r.ListProviders()
	if len(provs) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(provs))
	}
	if r.DefaultID() != "oa" {
		t.Errorf("expected first provider as default, got %q", r.DefaultID())
	}
}

func TestNotifierFromConfig(t *testing.T) {
	cfg := config.Default()
	a := &App{Config: cfg, logger: zap.NewNop()}
	if a.openNotifier() != nil {
		t.Fatal("expected no notifier without channels")
	}
	cfg.Notify.Slack.Enabled = true
	cfg.Notify.Slack.BotToken = "xoxb-test"
	cfg.Notify.Discord.Enabled = true
	cfg.Notify.Discord.BotToken = "token"
	b := a.openNotifier()
	if b == nil || b.Len() != 2 {
		t.Fatalf("expected two channels, got %v", b)
	}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"", "debug", "warn"} {
		if _, err := NewLogger(level); err != nil {
			t.Errorf("level %q: %v", level, err)
		}
	}
	if _, err := NewLogger("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
