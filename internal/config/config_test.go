package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// clearBridgeEnv blanks every variable the loader consults so host settings
// cannot leak into assertions.
func clearBridgeEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"BRIDGE_ENV", "BRIDGE_HTTP_ADDRESS", "BRIDGE_WECHAT_TOKEN", "WECHAT_TOKEN",
		"BRIDGE_WECHAT_AES_KEY", "WECHAT_AES_KEY", "BRIDGE_WECHAT_APPID", "WECHAT_APPID",
		"BRIDGE_WECHAT_APPSECRET", "WECHAT_APPSECRET", "BRIDGE_API_BASE",
		"BRIDGE_SERVICE_URL", "EXTERNAL_SERVICE_URL", "BRIDGE_SERVICE_TYPE", "EXTERNAL_SERVICE_TYPE",
		"BRIDGE_SERVICE_TIMEOUT", "EXTERNAL_SERVICE_TIMEOUT", "BRIDGE_SERVICE_MODEL",
		"BRIDGE_SERVICE_HEADERS", "BRIDGE_SERVICE_PROFILE", "BRIDGE_ACK_TEXT",
		"BRIDGE_NO_CREDENTIAL_TEXT", "BRIDGE_BUSY_TEXT", "BRIDGE_TIMEOUT_TEXT",
		"BRIDGE_UNAVAILABLE_TEXT", "BRIDGE_EMPTY_REPLY_TEXT", "BRIDGE_SNAPSHOT", "TOKEN_FILE_PATH",
		"BRIDGE_TOKEN_RETRIES", "BRIDGE_TOKEN_SKEW", "BRIDGE_LEDGER_PATH", "BRIDGE_LEDGER_DSN",
		"BRIDGE_LEDGER_ASYNC", "BRIDGE_LEDGER_MAX_OPEN", "BRIDGE_LEDGER_MAX_IDLE", "BRIDGE_LEDGER_LIFETIME",
		"BRIDGE_DISPATCH_WORKERS", "BRIDGE_PUSH_WORKERS", "BRIDGE_QUEUE_SIZE", "BRIDGE_PUSH_ATTEMPTS",
		"BRIDGE_LOG_DIR", "LOG_DIR", "BRIDGE_LOG_FILE", "BRIDGE_LOG_LEVEL", "LOG_LEVEL",
		"BRIDGE_LOG_BACKUPS", "LOG_BACKUP_COUNT", "BRIDGE_LOG_FILE_SIZE", "LOG_FILE_SIZE",
		"BRIDGE_HOOKS_ENABLED", "BRIDGE_HOOKS_SCRIPT", "BRIDGE_HOOKS_SCRIPT_ARGS", "BRIDGE_HOOKS_SCRIPT_ENV", "BRIDGE_HOOKS_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, root, setting, bridge string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "config", "setting.ini"), []byte(setting), 0o644); err != nil {
		t.Fatalf("write setting: %v", err)
	}
	if bridge != "" {
		if err := os.WriteFile(filepath.Join(root, "config", "dev", "bridge.ini"), []byte(bridge), 0o644); err != nil {
			t.Fatalf("write env config: %v", err)
		}
	}
}

func TestLoadBridgeConfig(t *testing.T) {
	clearBridgeEnv(t)
	tmp := t.TempDir()
	setting := "environment=dev\nlog_level=debug\nwechat_token=base-token\nservice_type=openai\n"
	bridge := "[bridge]\nhttp_address=:9090\nwechat_appid=wx123\nwechat_appsecret=secret\nservice_url=http://svc/chat\nservice_timeout=8\nledger_path=/tmp/ledger.db\nservice_headers=Authorization=Bearer k, X-Trace=1\n"
	writeConfig(t, tmp, setting, bridge)
	t.Setenv("WECHAT_TOKEN", "env-token")
	t.Setenv("LOG_DIR", "/var/log/bridge")

	cfg, err := LoadBridgeConfig(tmp)
	if err != nil {
		t.Fatalf("LoadBridgeConfig: %v", err)
	}
	if cfg.HTTPAddress != ":9090" {
		t.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if cfg.Token != "env-token" {
		t.Fatalf("expected env token to win, got %s", cfg.Token)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from base config, got %s", cfg.LogLevel)
	}
	if cfg.ServiceType != "openai" || cfg.ServiceTimeout != 8*time.Second {
		t.Fatalf("unexpected service settings %s %v", cfg.ServiceType, cfg.ServiceTimeout)
	}
	if cfg.LogFile != filepath.Join("/var/log/bridge", "bridged.log") {
		t.Fatalf("unexpected log file %s", cfg.LogFile)
	}
	if diff := cmp.Diff(map[string]string{"Authorization": "Bearer k", "X-Trace": "1"}, cfg.ServiceHeaders); diff != "" {
		t.Fatalf("headers mismatch (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadBridgeConfigDefaults(t *testing.T) {
	clearBridgeEnv(t)
	cfg, err := LoadBridgeConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadBridgeConfig: %v", err)
	}
	if cfg.Environment != "dev" || cfg.HTTPAddress != ":8080" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.DispatchWorkers != 10 || cfg.PushWorkers != 20 || cfg.QueueSize != 1000 {
		t.Fatalf("unexpected pool defaults %d/%d/%d", cfg.DispatchWorkers, cfg.PushWorkers, cfg.QueueSize)
	}
	if cfg.TokenRetries != 3 || cfg.TokenSkew != 300*time.Second {
		t.Fatalf("unexpected credential defaults %d %v", cfg.TokenRetries, cfg.TokenSkew)
	}
	if cfg.ServiceTimeout != 5*time.Second || cfg.ServiceType != "default" {
		t.Fatalf("unexpected service defaults %v %s", cfg.ServiceTimeout, cfg.ServiceType)
	}
	if cfg.LogMaxBytes != 50<<20 || cfg.LogBackups != 5 {
		t.Fatalf("unexpected log defaults %d %d", cfg.LogMaxBytes, cfg.LogBackups)
	}
	if cfg.SnapshotLocation != "access_token.json" || !cfg.LedgerAsync {
		t.Fatalf("unexpected storage defaults %s %v", cfg.SnapshotLocation, cfg.LedgerAsync)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for empty config")
	}
}

func TestLoadBridgeConfigServiceProfile(t *testing.T) {
	clearBridgeEnv(t)
	tmp := t.TempDir()
	profile := `services:
  ollama:
    model: qwen2
    timeout: 12s
    timeout_text: "slow"
    headers:
      X-Profile: "1"
  openai:
    model: gpt-4o-mini
`
	if err := os.WriteFile(filepath.Join(tmp, "profile.yaml"), []byte(profile), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	writeConfig(t, tmp, "environment=dev\nservice_type=ollama\nservice_profile=profile.yaml\nunavailable_text=down\n", "")

	cfg, err := LoadBridgeConfig(tmp)
	if err != nil {
		t.Fatalf("LoadBridgeConfig: %v", err)
	}
	if cfg.ServiceModel != "qwen2" || cfg.ServiceTimeout != 12*time.Second {
		t.Fatalf("profile not applied: %s %v", cfg.ServiceModel, cfg.ServiceTimeout)
	}
	if cfg.TimeoutText != "slow" || cfg.UnavailableText != "down" {
		t.Fatalf("unexpected fallback texts %q %q", cfg.TimeoutText, cfg.UnavailableText)
	}
	if cfg.ServiceHeaders["X-Profile"] != "1" {
		t.Fatalf("profile headers missing: %v", cfg.ServiceHeaders)
	}
	if len(cfg.Profile.Services) != 2 {
		t.Fatalf("expected two profile entries, got %d", len(cfg.Profile.Services))
	}
}

func TestLoadBridgeConfigBadProfile(t *testing.T) {
	clearBridgeEnv(t)
	tmp := t.TempDir()
	writeConfig(t, tmp, "environment=dev\nservice_profile=missing.yaml\n", "")
	if _, err := LoadBridgeConfig(tmp); err == nil {
		t.Fatalf("expected error for missing profile")
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "", want: 5 * time.Second},
		{in: "10", want: 10 * time.Second},
		{in: "1.5", want: 1500 * time.Millisecond},
		{in: "750ms", want: 750 * time.Millisecond},
		{in: "0", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseDuration(tc.in, 5*time.Second)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseDuration(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("parseDuration(%q)=%v,%v want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestParseSize(t *testing.T) {
	cases := map[string]int64{
		"512":  512,
		"10K":  10 << 10,
		"50M":  50 << 20,
		"50mb": 50 << 20,
		"1G":   1 << 30,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		if err != nil || got != want {
			t.Errorf("ParseSize(%q)=%d,%v want %d", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "M", "-1", "abc"} {
		if _, err := ParseSize(bad); err == nil {
			t.Errorf("ParseSize(%q) expected error", bad)
		}
	}
}

func TestLoadBridgeConfigHooks(t *testing.T) {
	clearBridgeEnv(t)
	tmp := t.TempDir()
	bridge := "hooks_enabled=true\nhooks_script_path=/usr/local/bin/on-delivery\nhooks_script_args=--json, --quiet\nhooks_script_env=ALERT_CHANNEL=ops\nhooks_timeout=10\n"
	writeConfig(t, tmp, "environment=dev\n", bridge)

	cfg, err := LoadBridgeConfig(tmp)
	if err != nil {
		t.Fatalf("LoadBridgeConfig: %v", err)
	}
	if !cfg.Hooks.Enabled || cfg.Hooks.ScriptPath != "/usr/local/bin/on-delivery" {
		t.Fatalf("unexpected hooks config %+v", cfg.Hooks)
	}
	if diff := cmp.Diff([]string{"--json", "--quiet"}, cfg.Hooks.ScriptArgs); diff != "" {
		t.Fatalf("script args mismatch (-want +got):\n%s", diff)
	}
	if cfg.Hooks.Env["ALERT_CHANNEL"] != "ops" || cfg.Hooks.Timeout != 10*time.Second {
		t.Fatalf("unexpected hooks env/timeout %+v", cfg.Hooks)
	}

	t.Setenv("BRIDGE_HOOKS_SCRIPT", "")
	writeConfig(t, tmp, "environment=dev\n", "hooks_enabled=true\n")
	if _, err := LoadBridgeConfig(tmp); err == nil {
		t.Fatalf("expected error for enabled hooks without a script")
	}
}
