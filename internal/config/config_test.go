package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/alerting"
	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/types"
)

// TestLoadFromBytes_Valid tests a complete configuration.
func TestLoadFromBytes_Valid(t *testing.T) {
	yaml := `
gateway:
  type: ibkr
  host: "10.0.0.5"
  port: 4002
  client_id: 7
  account: "DU123456"
  connect_timeout_sec: 15

throttle:
  max_requests_per_second: 40
  burst: 3

reconnect:
  enabled: true
  initial_interval_ms: 250
  max_interval_ms: 10000
  max_elapsed_sec: 600
  max_tries: 20

orders:
  default_tif: gtc
  default_tick_size: 0.25
  outside_rth: true

persistence:
  type: sqlite
  path: "/var/lib/ibrecon/state.db"

metrics:
  enabled: true
  port: 9100
  path: "/metrics"
  feed_path: "/events"

logging:
  level: debug
  format: text
`

	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Gateway.Host != "10.0.0.5" || cfg.Gateway.Port != 4002 || cfg.Gateway.ClientID != 7 {
		t.Errorf("unexpected gateway %+v", cfg.Gateway)
	}
	if cfg.Throttle.MaxRequestsPerSecond != 40 || cfg.Throttle.Burst != 3 {
		t.Errorf("unexpected throttle %+v", cfg.Throttle)
	}
	if cfg.Persistence.Type != "sqlite" {
		t.Errorf("Persistence.Type = %s, want sqlite", cfg.Persistence.Type)
	}
	if cfg.Persistence.KeyPrefix != "ibrecon" {
		t.Errorf("KeyPrefix default = %s, want ibrecon", cfg.Persistence.KeyPrefix)
	}
	if cfg.Paper.InitialCash != 100000 {
		t.Errorf("Paper.InitialCash default = %v", cfg.Paper.InitialCash)
	}
}

// TestLoadFromBytes_Defaults tests that an empty file yields a valid
// configuration.
func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("{}"))
	if err != nil {
		t.Fatalf("LoadFromBytes() error = %v", err)
	}
	want := Default()
	if cfg.Gateway != want.Gateway || cfg.Throttle != want.Throttle || cfg.Reconnect != want.Reconnect {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

// TestLoadFromBytes_InvalidConfig tests that each problem is reported.
func TestLoadFromBytes_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown gateway type",
			yaml:    "gateway:\n  type: fix\n",
			wantErr: "gateway.type",
		},
		{
			name:    "bad port",
			yaml:    "gateway:\n  port: 70000\n",
			wantErr: "gateway.port",
		},
		{
			name:    "throttle above gateway limit",
			yaml:    "throttle:\n  max_requests_per_second: 60\n",
			wantErr: "throttle.max_requests_per_second",
		},
		{
			name:    "zero burst",
			yaml:    "throttle:\n  burst: -1\n",
			wantErr: "throttle.burst",
		},
		{
			name:    "max interval below initial",
			yaml:    "reconnect:\n  initial_interval_ms: 1000\n  max_interval_ms: 10\n",
			wantErr: "reconnect.max_interval_ms",
		},
		{
			name:    "unknown tif",
			yaml:    "orders:\n  default_tif: FOK\n",
			wantErr: "orders.default_tif",
		},
		{
			name:    "sqlite without path",
			yaml:    "persistence:\n  type: sqlite\n",
			wantErr: "persistence.path",
		},
		{
			name:    "redis without url",
			yaml:    "persistence:\n  type: redis\n",
			wantErr: "persistence.redis_url",
		},
		{
			name:    "unknown store",
			yaml:    "persistence:\n  type: postgres\n",
			wantErr: "persistence.type",
		},
		{
			name:    "metrics path",
			yaml:    "metrics:\n  enabled: true\n  path: metrics\n",
			wantErr: "metrics.path",
		},
		{
			name:    "telegram without token",
			yaml:    "alerting:\n  enabled: true\n  channels:\n    - type: telegram\n",
			wantErr: "bot_token",
		},
		{
			name:    "unknown alert event",
			yaml:    "alerting:\n  enabled: true\n  events: [kill_switch]\n",
			wantErr: "kill_switch",
		},
		{
			name:    "walk without symbol",
			yaml:    "paper:\n  walks:\n    - start: 2190\n      tick: 0.25\n      interval_ms: 100\n",
			wantErr: "paper.walks[0].symbol",
		},
		{
			name:    "walk without tick",
			yaml:    "paper:\n  walks:\n    - symbol: ESU2016_FUT\n      start: 2190\n      interval_ms: 100\n",
			wantErr: "interval_ms must be positive",
		},
		{
			name:    "log level",
			yaml:    "logging:\n  level: trace\n",
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !errors.Is(err, types.ErrInvalidConfig) {
				t.Errorf("error %v does not wrap ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestValidate_CollectsErrors tests that all problems are joined.
func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Type = "x"
	cfg.Throttle.Burst = 0
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if n := strings.Count(err.Error(), ";"); n != 2 {
		t.Errorf("expected 3 problems, got %d in %v", n+1, err)
	}
}

// TestLoadFromBytes_ParseError tests malformed YAML.
func TestLoadFromBytes_ParseError(t *testing.T) {
	if _, err := LoadFromBytes([]byte("gateway: [")); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Errorf("LoadFromBytes() error = %v, want parse error", err)
	}
}

// TestConfig_Durations tests time conversions.
func TestConfig_Durations(t *testing.T) {
	cfg := Default()
	cfg.Gateway.ConnectTimeoutSec = 15
	cfg.Reconnect.InitialIntervalMs = 250
	cfg.Reconnect.MaxIntervalMs = 8000
	cfg.Reconnect.MaxElapsedSec = 120
	cfg.Orders.IDTimeoutSec = 3

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"ConnectTimeout", cfg.ConnectTimeout(), 15 * time.Second},
		{"ReconnectInitial", cfg.ReconnectInitial(), 250 * time.Millisecond},
		{"ReconnectMax", cfg.ReconnectMax(), 8 * time.Second},
		{"ReconnectMaxElapsed", cfg.ReconnectMaxElapsed(), 2 * time.Minute},
		{"IDTimeout", cfg.IDTimeout(), 3 * time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

// TestConfig_EngineConfig tests conversion to the engine config.
func TestConfig_EngineConfig(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Account = "DU1"
	cfg.Orders.DefaultTIF = "gtc"
	cfg.Orders.DefaultTickSize = 0.25
	cfg.Reconnect.MaxTries = 4

	ec := cfg.EngineConfig()
	if ec.Host != "127.0.0.1" || ec.Port != 7497 || ec.Account != "DU1" {
		t.Errorf("unexpected endpoint %+v", ec)
	}
	if ec.DefaultTIF != broker.TIFGTC {
		t.Errorf("DefaultTIF = %s, want GTC", ec.DefaultTIF)
	}
	if !ec.DefaultTickSize.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("DefaultTickSize = %s", ec.DefaultTickSize)
	}
	if !ec.Reconnect.Enabled || ec.Reconnect.MaxTries != 4 || ec.Reconnect.InitialInterval != 500*time.Millisecond {
		t.Errorf("unexpected reconnect %+v", ec.Reconnect)
	}
	if ec.MaxRequestsPerSecond != 45 || ec.Burst != 5 {
		t.Errorf("unexpected throttle %v/%d", ec.MaxRequestsPerSecond, ec.Burst)
	}
}

// TestConfig_IBKRConfig tests conversion to the socket session config.
func TestConfig_IBKRConfig(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Port = 4001
	cfg.Gateway.ConnectTimeoutSec = 0

	ic := cfg.IBKRConfig()
	if ic.Port != 4001 || ic.PaperTrading {
		t.Errorf("unexpected %+v", ic)
	}
	if ic.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want ibkr default", ic.ConnectTimeout)
	}
}

// TestConfig_PaperConfig tests conversion to the simulator config.
func TestConfig_PaperConfig(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Account = "DU9"
	cfg.Paper.SlippageTicks = 1

	pc := cfg.PaperConfig()
	if pc.Account != "DU9" || pc.SlippageTicks != 1 {
		t.Errorf("unexpected %+v", pc)
	}
	if !pc.InitialCash.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("InitialCash = %s", pc.InitialCash)
	}
	if len(pc.Catalog) == 0 {
		t.Error("expected default catalog")
	}

	w := WalkConfig{Symbol: "ESU2016_FUT", Start: 2190, Tick: 0.25, IntervalMs: 250}
	if w.Interval() != 250*time.Millisecond {
		t.Errorf("Interval() = %v", w.Interval())
	}
}

// TestConfig_AlertEvents tests alert event filtering.
func TestConfig_AlertEvents(t *testing.T) {
	cfg := Default()
	if cfg.IsAlertEventEnabled("order_filled") {
		t.Error("alerting disabled should disable every event")
	}

	cfg.Alerting.Enabled = true
	if !cfg.IsAlertEventEnabled("order_filled") || cfg.AlertEvents() != nil {
		t.Error("no events listed should enable everything")
	}

	cfg.Alerting.Events = []string{"connection_lost", "trigger_fired"}
	got := cfg.AlertEvents()
	if len(got) != 2 || got[0] != alerting.EventConnectionLost || got[1] != alerting.EventTriggerFired {
		t.Errorf("AlertEvents() = %v", got)
	}
	if cfg.IsAlertEventEnabled("order_filled") {
		t.Error("order_filled should be filtered")
	}

	cfg.Alerting.Events = []string{"all"}
	if cfg.AlertEvents() != nil {
		t.Error("'all' should enable every event")
	}
}

// TestLoad_FromFile tests loading from disk.
func TestLoad_FromFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "gateway:\n  type: paper\n  account: DU42\n"
	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Gateway.Type != "paper" || cfg.Gateway.Account != "DU42" {
		t.Errorf("unexpected gateway %+v", cfg.Gateway)
	}
}

// TestLoad_FileNotFound tests a missing file.
func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Expected error for non-existent file")
	}
}

// TestLoad_EnvironmentVariables tests ${VAR} expansion.
func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "my-secret-token")
	t.Setenv("TEST_REDIS_URL", "redis://cache:6379/2")

	yaml := `
persistence:
  type: redis
  redis_url: "${TEST_REDIS_URL}"

alerting:
  enabled: true
  channels:
    - type: telegram
      bot_token: "${TEST_BOT_TOKEN}"
      chat_id: "12345"
`

	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if len(cfg.Alerting.Channels) == 0 {
		t.Fatal("Expected alerting channels")
	}
	if cfg.Alerting.Channels[0].BotToken != "my-secret-token" {
		t.Errorf("BotToken = %s, want my-secret-token", cfg.Alerting.Channels[0].BotToken)
	}
	if cfg.Persistence.RedisURL != "redis://cache:6379/2" {
		t.Errorf("RedisURL = %s", cfg.Persistence.RedisURL)
	}
}
