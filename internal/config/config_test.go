package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("Load = %+v, want defaults %+v", cfg, Default())
	}
	if cfg.Scheduler.WaitTime != 10*time.Second || cfg.Scheduler.RetryCooldown != 5*time.Minute {
		t.Errorf("scheduler defaults = %+v", cfg.Scheduler)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, "taskorch.yaml", `
db_path: /var/lib/taskorch.db
log_level: debug
broker: memory
result_timeout: 2s
kafka:
  brokers: [k1:9092, k2:9092]
  events_topic: events
scheduler:
  wait_time: 3s
  retry_cooldown: 10m
  max_retries: 4
  retry_functions: true
  queue_ttl: 1h
`)
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := Default()
	want.DBPath = "/var/lib/taskorch.db"
	want.LogLevel = "debug"
	want.Broker = "memory"
	want.ResultTimeout = 2 * time.Second
	want.Kafka.Brokers = []string{"k1:9092", "k2:9092"}
	want.Kafka.EventsTopic = "events"
	want.Scheduler = SchedulerConfig{
		WaitTime:       3 * time.Second,
		RetryCooldown:  10 * time.Minute,
		MaxRetries:     4,
		RetryFunctions: true,
		QueueTTL:       time.Hour,
	}
	if !reflect.DeepEqual(cfg, want) {
		t.Errorf("Load =\n%+v\nwant\n%+v", cfg, want)
	}
}

func TestLoad_TOMLFile(t *testing.T) {
	path := writeFile(t, "taskorch.toml", `
broker = "memory"
addr = ":9090"

[kafka]
brokers = ["k1:9092"]

[scheduler]
retry_cooldown = "90s"
max_retries = 2
`)
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker != "memory" || cfg.Addr != ":9090" {
		t.Errorf("top level = %q %q", cfg.Broker, cfg.Addr)
	}
	if !reflect.DeepEqual(cfg.Kafka.Brokers, []string{"k1:9092"}) {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Scheduler.RetryCooldown != 90*time.Second || cfg.Scheduler.MaxRetries != 2 {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.WaitTime != 10*time.Second {
		t.Errorf("wait_time = %v, want default", cfg.Scheduler.WaitTime)
	}
}

func TestLoad_Precedence(t *testing.T) {
	path := writeFile(t, "taskorch.yaml", "addr: \":7000\"\nlog_level: warn\nscheduler:\n  wait_time: 3s\n")
	t.Setenv("TASKORCH_ADDR", ":7001")
	t.Setenv("TASKORCH_SCHEDULER_WAIT_TIME", "4s")
	t.Setenv("TASKORCH_KAFKA_BROKERS", "a:1, b:2")

	cfg, err := Load(path, map[string]string{"addr": ":7002"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":7002" {
		t.Errorf("Addr = %q, want flag value", cfg.Addr)
	}
	if cfg.Scheduler.WaitTime != 4*time.Second {
		t.Errorf("WaitTime = %v, want env value", cfg.Scheduler.WaitTime)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want file value", cfg.LogLevel)
	}
	if !reflect.DeepEqual(cfg.Kafka.Brokers, []string{"a:1", "b:2"}) {
		t.Errorf("Brokers = %v", cfg.Kafka.Brokers)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name      string
		file      string
		overrides map[string]string
		wantErr   string
	}{
		{"unknown key", "", map[string]string{"nope": "1"}, "unknown config key"},
		{"bad duration", "", map[string]string{"scheduler.wait_time": "soon"}, "scheduler.wait_time"},
		{"misspelled bool", "", map[string]string{"scheduler.retry_functions": "ture"}, "scheduler.retry_functions"},
		{"bad broker", "", map[string]string{"broker": "rabbit"}, "broker must be"},
		{"bad log format", "", map[string]string{"log_format": "xml"}, "log_format"},
		{"negative retries", "", map[string]string{"scheduler.max_retries": "-1"}, "max_retries"},
		{"malformed yaml", "scheduler: [", nil, "parse config file"},
		{"bad file duration", "scheduler:\n  retry_cooldown: later\n", nil, "retry_cooldown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.file != "" {
				path = writeFile(t, "c.yaml", tt.file)
			}
			_, err := Load(path, tt.overrides)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}

func TestLoadEnvFile(t *testing.T) {
	// Register the keys with t.Setenv so they are restored afterwards,
	// then unset them so the file can provide them.
	t.Setenv("TASKORCH_BROKER", "")
	os.Unsetenv("TASKORCH_BROKER")
	t.Setenv("TASKORCH_DB_PATH", "kept.db")

	path := writeFile(t, ".env", "TASKORCH_BROKER=memory\nTASKORCH_DB_PATH=ignored.db\n")
	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("TASKORCH_BROKER"); got != "memory" {
		t.Errorf("TASKORCH_BROKER = %q, want memory", got)
	}
	if got := os.Getenv("TASKORCH_DB_PATH"); got != "kept.db" {
		t.Errorf("TASKORCH_DB_PATH = %q, existing variables must win", got)
	}

	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}
}

func TestEnvName(t *testing.T) {
	if got := EnvName("scheduler.retry_cooldown"); got != "TASKORCH_SCHEDULER_RETRY_COOLDOWN" {
		t.Errorf("EnvName = %q", got)
	}
	for _, k := range Keys() {
		if !strings.HasPrefix(EnvName(k), EnvPrefix) {
			t.Errorf("EnvName(%q) lacks prefix", k)
		}
	}
}

func TestLoad_EnvBool(t *testing.T) {
	t.Setenv("TASKORCH_SCHEDULER_RETRY_FUNCTIONS", "true")
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Scheduler.RetryFunctions {
		t.Error("retry_functions = false, want true")
	}

	t.Setenv("TASKORCH_SCHEDULER_RETRY_FUNCTIONS", "ture")
	if _, err := Load("", nil); err == nil || !strings.Contains(err.Error(), "scheduler.retry_functions") {
		t.Errorf("Load error = %v, want invalid scheduler.retry_functions", err)
	}
}
