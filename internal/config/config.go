package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tokligence/wechat-bridge/internal/hooks"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/bridge.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// BridgeConfig describes runtime options for the bridge daemon and CLI.
type BridgeConfig struct {
	Environment string
	HTTPAddress string

	// Platform credentials
	Token     string
	AESKey    string
	AppID     string
	AppSecret string
	APIBase   string

	// Downstream service
	ServiceURL     string
	ServiceType    string // default|openai|ollama|custom
	ServiceTimeout time.Duration
	ServiceModel   string
	ServiceHeaders map[string]string
	// Optional YAML profile with per-service models and fallback texts.
	ServiceProfilePath string
	Profile            ServiceProfile

	// Reply texts
	AckText          string
	NoCredentialText string
	BusyText         string
	TimeoutText      string
	UnavailableText  string
	EmptyReplyText   string

	// Credential persistence and retry policy
	SnapshotLocation string
	TokenRetries     int
	TokenSkew        time.Duration

	// Delivery ledger
	LedgerPath     string
	LedgerDSN      string // postgres DSN; takes precedence over LedgerPath
	LedgerAsync    bool
	LedgerMaxOpen  int
	LedgerMaxIdle  int
	LedgerLifetime int // minutes

	// Worker pools and push
	DispatchWorkers int
	PushWorkers     int
	QueueSize       int
	PushAttempts    int

	// Logging
	LogDir      string
	LogFile     string
	LogLevel    string
	LogMaxBytes int64
	LogBackups  int

	// Delivery hooks
	Hooks hooks.Config
}

// LoadBridgeConfig reads the current environment and loads the appropriate bridge config file.
func LoadBridgeConfig(root string) (BridgeConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return BridgeConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return BridgeConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := BridgeConfig{
		Environment: s.Environment,
		HTTPAddress: firstNonEmpty(os.Getenv("BRIDGE_HTTP_ADDRESS"), merged["http_address"], ":8080"),
		Token:       firstNonEmpty(os.Getenv("BRIDGE_WECHAT_TOKEN"), os.Getenv("WECHAT_TOKEN"), merged["wechat_token"]),
		AESKey:      firstNonEmpty(os.Getenv("BRIDGE_WECHAT_AES_KEY"), os.Getenv("WECHAT_AES_KEY"), merged["wechat_aes_key"]),
		AppID:       firstNonEmpty(os.Getenv("BRIDGE_WECHAT_APPID"), os.Getenv("WECHAT_APPID"), merged["wechat_appid"]),
		AppSecret:   firstNonEmpty(os.Getenv("BRIDGE_WECHAT_APPSECRET"), os.Getenv("WECHAT_APPSECRET"), merged["wechat_appsecret"]),
		APIBase:     firstNonEmpty(os.Getenv("BRIDGE_API_BASE"), merged["api_base"], "https://api.weixin.qq.com"),

		ServiceURL:         firstNonEmpty(os.Getenv("BRIDGE_SERVICE_URL"), os.Getenv("EXTERNAL_SERVICE_URL"), merged["service_url"]),
		ServiceType:        strings.ToLower(firstNonEmpty(os.Getenv("BRIDGE_SERVICE_TYPE"), os.Getenv("EXTERNAL_SERVICE_TYPE"), merged["service_type"], "default")),
		ServiceModel:       firstNonEmpty(os.Getenv("BRIDGE_SERVICE_MODEL"), merged["service_model"]),
		ServiceHeaders:     parseMap(firstNonEmpty(os.Getenv("BRIDGE_SERVICE_HEADERS"), merged["service_headers"])),
		ServiceProfilePath: firstNonEmpty(os.Getenv("BRIDGE_SERVICE_PROFILE"), merged["service_profile"]),

		AckText:          firstNonEmpty(os.Getenv("BRIDGE_ACK_TEXT"), merged["ack_text"]),
		NoCredentialText: firstNonEmpty(os.Getenv("BRIDGE_NO_CREDENTIAL_TEXT"), merged["no_credential_text"]),
		BusyText:         firstNonEmpty(os.Getenv("BRIDGE_BUSY_TEXT"), merged["busy_text"]),
		TimeoutText:      firstNonEmpty(os.Getenv("BRIDGE_TIMEOUT_TEXT"), merged["timeout_text"]),
		UnavailableText:  firstNonEmpty(os.Getenv("BRIDGE_UNAVAILABLE_TEXT"), merged["unavailable_text"]),
		EmptyReplyText:   firstNonEmpty(os.Getenv("BRIDGE_EMPTY_REPLY_TEXT"), merged["empty_reply_text"]),

		SnapshotLocation: firstNonEmpty(os.Getenv("BRIDGE_SNAPSHOT"), os.Getenv("TOKEN_FILE_PATH"), merged["snapshot_location"], "access_token.json"),
		TokenRetries:     parseOptionalInt(firstNonEmpty(os.Getenv("BRIDGE_TOKEN_RETRIES"), merged["token_retries"]), 3),

		LedgerPath:     firstNonEmpty(os.Getenv("BRIDGE_LEDGER_PATH"), merged["ledger_path"]),
		LedgerDSN:      firstNonEmpty(os.Getenv("BRIDGE_LEDGER_DSN"), merged["ledger_dsn"]),
		LedgerAsync:    parseOptionalBool(firstNonEmpty(os.Getenv("BRIDGE_LEDGER_ASYNC"), merged["ledger_async"]), true),
		LedgerMaxOpen:  parseOptionalInt(firstNonEmpty(os.Getenv("BRIDGE_LEDGER_MAX_OPEN"), merged["ledger_max_open"]), 10),
		LedgerMaxIdle:  parseOptionalInt(firstNonEmpty(os.Getenv("BRIDGE_LEDGER_MAX_IDLE"), merged["ledger_max_idle"]), 5),
		LedgerLifetime: parseOptionalInt(firstNonEmpty(os.Getenv("BRIDGE_LEDGER_LIFETIME"), merged["ledger_lifetime_minutes"]), 30),

		DispatchWorkers: parseOptionalInt(firstNonEmpty(os.Getenv("BRIDGE_DISPATCH_WORKERS"), merged["dispatch_workers"]), 10),
		PushWorkers:     parseOptionalInt(firstNonEmpty(os.Getenv("BRIDGE_PUSH_WORKERS"), merged["push_workers"]), 20),
		QueueSize:       parseOptionalInt(firstNonEmpty(os.Getenv("BRIDGE_QUEUE_SIZE"), merged["queue_size"]), 1000),
		PushAttempts:    parseOptionalInt(firstNonEmpty(os.Getenv("BRIDGE_PUSH_ATTEMPTS"), merged["push_attempts"]), 3),

		LogDir:     firstNonEmpty(os.Getenv("BRIDGE_LOG_DIR"), os.Getenv("LOG_DIR"), merged["log_dir"], "logs"),
		LogFile:    firstNonEmpty(os.Getenv("BRIDGE_LOG_FILE"), merged["log_file"]),
		LogLevel:   strings.ToLower(firstNonEmpty(os.Getenv("BRIDGE_LOG_LEVEL"), os.Getenv("LOG_LEVEL"), merged["log_level"], "info")),
		LogBackups: parseOptionalInt(firstNonEmpty(os.Getenv("BRIDGE_LOG_BACKUPS"), os.Getenv("LOG_BACKUP_COUNT"), merged["log_backups"]), 5),
	}

	// The historical EXTERNAL_SERVICE_TIMEOUT is in seconds; duration strings are also accepted.
	timeoutRaw := firstNonEmpty(os.Getenv("BRIDGE_SERVICE_TIMEOUT"), os.Getenv("EXTERNAL_SERVICE_TIMEOUT"), merged["service_timeout"])
	cfg.ServiceTimeout, err = parseDuration(timeoutRaw, 5*time.Second)
	if err != nil {
		return BridgeConfig{}, fmt.Errorf("service_timeout: %w", err)
	}
	cfg.TokenSkew, err = parseDuration(firstNonEmpty(os.Getenv("BRIDGE_TOKEN_SKEW"), merged["token_skew"]), 300*time.Second)
	if err != nil {
		return BridgeConfig{}, fmt.Errorf("token_skew: %w", err)
	}
	cfg.LogMaxBytes, err = ParseSize(firstNonEmpty(os.Getenv("BRIDGE_LOG_FILE_SIZE"), os.Getenv("LOG_FILE_SIZE"), merged["log_file_size"], "50M"))
	if err != nil {
		return BridgeConfig{}, fmt.Errorf("log_file_size: %w", err)
	}
	cfg.Hooks = hooks.Config{
		Enabled:    parseBool(firstNonEmpty(os.Getenv("BRIDGE_HOOKS_ENABLED"), merged["hooks_enabled"])),
		ScriptPath: firstNonEmpty(os.Getenv("BRIDGE_HOOKS_SCRIPT"), merged["hooks_script_path"]),
		ScriptArgs: parseCSV(firstNonEmpty(os.Getenv("BRIDGE_HOOKS_SCRIPT_ARGS"), merged["hooks_script_args"])),
		Env:        parseMap(firstNonEmpty(os.Getenv("BRIDGE_HOOKS_SCRIPT_ENV"), merged["hooks_script_env"])),
	}
	cfg.Hooks.Timeout, err = parseDuration(firstNonEmpty(os.Getenv("BRIDGE_HOOKS_TIMEOUT"), merged["hooks_timeout"]), 30*time.Second)
	if err != nil {
		return BridgeConfig{}, fmt.Errorf("hooks_timeout: %w", err)
	}
	if err := cfg.Hooks.Validate(); err != nil {
		return BridgeConfig{}, err
	}
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.LogDir, "bridged.log")
	}

	if cfg.ServiceProfilePath != "" {
		path := cfg.ServiceProfilePath
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		profile, err := LoadServiceProfile(path)
		if err != nil {
			return BridgeConfig{}, err
		}
		cfg.Profile = profile
		cfg.applyProfile(timeoutRaw != "")
	}
	return cfg, nil
}

// applyProfile fills unset model and fallback texts from the profile entry
// for the configured service type. Explicit ini/env values win.
func (c *BridgeConfig) applyProfile(timeoutSet bool) {
	entry, ok := c.Profile.Services[c.ServiceType]
	if !ok {
		return
	}
	c.ServiceModel = firstNonEmpty(c.ServiceModel, entry.Model)
	c.TimeoutText = firstNonEmpty(c.TimeoutText, entry.TimeoutText)
	c.UnavailableText = firstNonEmpty(c.UnavailableText, entry.UnavailableText)
	c.EmptyReplyText = firstNonEmpty(c.EmptyReplyText, entry.EmptyReplyText)
	if entry.Timeout > 0 && !timeoutSet {
		c.ServiceTimeout = entry.Timeout
	}
	if len(entry.Headers) > 0 {
		merged := make(map[string]string, len(entry.Headers)+len(c.ServiceHeaders))
		for k, v := range entry.Headers {
			merged[k] = v
		}
		for k, v := range c.ServiceHeaders {
			merged[k] = v
		}
		c.ServiceHeaders = merged
	}
}

// Validate reports the first missing setting required to run the daemon.
func (c BridgeConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.Token) == "":
		return errors.New("config: wechat_token is required")
	case strings.TrimSpace(c.AppID) == "":
		return errors.New("config: wechat_appid is required")
	case strings.TrimSpace(c.AppSecret) == "":
		return errors.New("config: wechat_appsecret is required")
	case strings.TrimSpace(c.ServiceURL) == "":
		return errors.New("config: service_url is required")
	}
	return nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: firstNonEmpty(os.Getenv("BRIDGE_ENV"), defaultEnv), Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv("BRIDGE_ENV"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

// parseDuration accepts Go duration strings or a bare number of seconds.
func parseDuration(v string, fallback time.Duration) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("must be positive, got %q", v)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %q", v)
	}
	return d, nil
}

// ParseSize parses sizes such as 512, 10K, 50M or 1G into bytes.
func ParseSize(v string) (int64, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	if v == "" {
		return 0, errors.New("empty size")
	}
	v = strings.TrimSuffix(v, "B")
	mult := int64(1)
	switch {
	case strings.HasSuffix(v, "K"):
		mult, v = 1<<10, strings.TrimSuffix(v, "K")
	case strings.HasSuffix(v, "M"):
		mult, v = 1<<20, strings.TrimSuffix(v, "M")
	case strings.HasSuffix(v, "G"):
		mult, v = 1<<30, strings.TrimSuffix(v, "G")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", v)
	}
	return n * mult, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseMap(input string) map[string]string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	entries := strings.Split(input, ",")
	result := make(map[string]string)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		if key != "" {
			result[key] = value
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// DefaultLedgerPath returns the fallback ledger location under the user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".wechat-bridge", "ledger.db")
}
