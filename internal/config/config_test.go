package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFindConfig_ExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte("radio:\n  device: /dev/ttyUSB0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != path {
		t.Errorf("got %q, want %q", got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/gateway.yaml")
	if err == nil {
		t.Fatal("want error for missing explicit path")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("radio:\n  device: /dev/ttyUSB0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "missing.yaml"), path}
	}
	defer func() { searchPathsFunc = orig }()

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != path {
		t.Errorf("got %q, want %q", got, path)
	}
}

func TestFindConfig_SearchPathExhausted(t *testing.T) {
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{"/nonexistent/one.yaml", "/nonexistent/two.yaml"}
	}
	defer func() { searchPathsFunc = orig }()

	if _, err := FindConfig(""); err == nil {
		t.Fatal("want error when no search path exists")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "radio:\n  device: /dev/ttyUSB0\n  channel_index: 2\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LLM.RequestTimeout != 30*time.Second {
		t.Errorf("LLM.RequestTimeout = %v, want 30s", cfg.LLM.RequestTimeout)
	}
	if cfg.LLM.MaxTokens != 512 {
		t.Errorf("LLM.MaxTokens = %d, want 512", cfg.LLM.MaxTokens)
	}
	if cfg.Queue.DepthLimit != 15 {
		t.Errorf("Queue.DepthLimit = %d, want 15", cfg.Queue.DepthLimit)
	}
	if cfg.Queue.ChunkWidth != 180 {
		t.Errorf("Queue.ChunkWidth = %d, want 180", cfg.Queue.ChunkWidth)
	}
	if cfg.Queue.Cooldown != 10*time.Second {
		t.Errorf("Queue.Cooldown = %v, want 10s", cfg.Queue.Cooldown)
	}
	if cfg.Triage.InactivityTimeout != 600*time.Second {
		t.Errorf("Triage.InactivityTimeout = %v, want 600s", cfg.Triage.InactivityTimeout)
	}
	if cfg.Triage.MaxTranscript != 12 {
		t.Errorf("Triage.MaxTranscript = %d, want 12", cfg.Triage.MaxTranscript)
	}
	if cfg.Menu911.Timeout != 120*time.Second {
		t.Errorf("Menu911.Timeout = %v, want 120s", cfg.Menu911.Timeout)
	}
	if cfg.Restrict.Duration != 120*time.Minute {
		t.Errorf("Restrict.Duration = %v, want 120m", cfg.Restrict.Duration)
	}
	if cfg.Stale.Window != 10*time.Second {
		t.Errorf("Stale.Window = %v, want 10s", cfg.Stale.Window)
	}
	if cfg.Watchdog.Interval != 30*time.Second {
		t.Errorf("Watchdog.Interval = %v, want 30s", cfg.Watchdog.Interval)
	}
	if cfg.AuditPath != "./dispatch-audit.jsonl" {
		t.Errorf("AuditPath = %q, want default", cfg.AuditPath)
	}
}

func TestLoad_RespectsExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
radio:
  device: /dev/ttyUSB0
  channel_index: 1
  channel_name: dispatch
responders:
  fire: "!aaaa1111"
  police: "!bbbb2222"
  ems: null
llm:
  endpoint: http://127.0.0.1:11434
  model: llama3
  request_timeout: 45s
  max_tokens: 256
queue:
  depth_limit: 20
  chunk_width: 160
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Radio.ChannelName != "dispatch" {
		t.Errorf("ChannelName = %q, want dispatch", cfg.Radio.ChannelName)
	}
	if cfg.Responders["fire"] != "!aaaa1111" {
		t.Errorf("Responders[fire] = %q, want !aaaa1111", cfg.Responders["fire"])
	}
	if v, ok := cfg.Responders["ems"]; !ok || v != "" {
		t.Errorf("Responders[ems] = %q, ok=%v, want empty string present (broadcast)", v, ok)
	}
	if cfg.LLM.RequestTimeout != 45*time.Second {
		t.Errorf("RequestTimeout = %v, want 45s", cfg.LLM.RequestTimeout)
	}
	if cfg.Queue.DepthLimit != 20 {
		t.Errorf("DepthLimit = %d, want 20", cfg.Queue.DepthLimit)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("want error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("radio: [this is not a mapping"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("want error for malformed YAML")
	}
}

func TestValidate_RequiresRadioDevice(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("want error when radio.device is empty")
	}
}

func TestValidate_RejectsBadWebPort(t *testing.T) {
	cfg := &Config{Radio: RadioConfig{Device: "/dev/ttyUSB0"}, Web: WebConfig{Enabled: true, Port: 99999}}
	cfg.applyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("want error for out-of-range web port")
	}
}

func TestValidate_RejectsUnknownLogLevel(t *testing.T) {
	cfg := &Config{Radio: RadioConfig{Device: "/dev/ttyUSB0"}, LogLevel: "verbose"}
	cfg.applyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("want error for unknown log level")
	}
}

func TestResponderNodeIDs_ExcludesBroadcastEntries(t *testing.T) {
	cfg := &Config{Responders: map[string]string{
		"fire":   "!aaaa1111",
		"police": "!bbbb2222",
		"ems":    "",
	}}

	ids := cfg.ResponderNodeIDs()
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2: %v", len(ids), ids)
	}
}
