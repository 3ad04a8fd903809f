package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadFromViper(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	yaml := `
server:
  host: 127.0.0.1
  port: 9090
database:
  host: db.internal
  port: 5433
  name: tickets
ai:
  openai:
    model: gpt-4o
    timeout: 45s
operations:
  timeout: 90s
  noteauthor: support-bot
worker:
  channel: ops_channel
`
	viper.SetConfigType("yaml")
	if err := viper.ReadConfig(strings.NewReader(yaml)); err != nil {
		t.Fatalf("read config: %v", err)
	}

	cfg := Load()
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Database.Name != "tickets" {
		t.Fatalf("expected db name tickets, got %s", cfg.Database.Name)
	}
	if cfg.AI.OpenAI.Model != "gpt-4o" {
		t.Fatalf("expected model gpt-4o, got %s", cfg.AI.OpenAI.Model)
	}
	if cfg.Operations.Timeout.Seconds() != 90 {
		t.Fatalf("expected 90s operation timeout, got %s", cfg.Operations.Timeout)
	}
	if cfg.Worker.Channel != "ops_channel" {
		t.Fatalf("expected ops_channel, got %s", cfg.Worker.Channel)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	if cfg.Server.Port != 8080 {
		t.Fatalf("unexpected default port %d", cfg.Server.Port)
	}
	if cfg.AI.OpenAI.Model == "" || cfg.AI.OpenAI.EmbeddingModel == "" {
		t.Fatal("default models must be set")
	}
	if cfg.Operations.NoteAuthor != "ai-assistant" {
		t.Fatalf("unexpected default note author %s", cfg.Operations.NoteAuthor)
	}
	if cfg.Worker.Channel != "ai_operations" {
		t.Fatalf("unexpected default channel %s", cfg.Worker.Channel)
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "secret",
		Name:     "aiops",
	}
	dsn := d.DSN()
	for _, part := range []string{"host=localhost", "port=5432", "user=postgres", "dbname=aiops", "sslmode=disable"} {
		if !strings.Contains(dsn, part) {
			t.Fatalf("dsn %q missing %q", dsn, part)
		}
	}
}
