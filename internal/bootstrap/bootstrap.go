package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tokligence/wechat-bridge/internal/config"
	"github.com/tokligence/wechat-bridge/internal/dispatch"
)

// InitOptions configures the bootstrap process for generating config files.
type InitOptions struct {
	Root             string
	Environment      string
	AppID            string
	ServiceURL       string
	ServiceType      string
	HTTPAddress      string
	SnapshotLocation string
	LedgerPath       string
	Force            bool
}

// Init scaffolds configuration files for the bridge. Secrets are left blank
// and are expected to arrive through WECHAT_TOKEN, WECHAT_AES_KEY and
// WECHAT_APPSECRET.
func Init(opts InitOptions) error {
	applyDefaults(&opts)
	if err := Validate(opts); err != nil {
		return err
	}
	if err := ensureDir(filepath.Join(opts.Root, "config", opts.Environment)); err != nil {
		return err
	}

	settingPath := filepath.Join(opts.Root, "config", "setting.ini")
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}

	bridgePath := filepath.Join(opts.Root, "config", opts.Environment, "bridge.ini")
	if err := writeFile(bridgePath, bridgeTemplate(opts), opts.Force); err != nil {
		return err
	}

	return nil
}

func applyDefaults(opts *InitOptions) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.ServiceType) == "" {
		opts.ServiceType = string(dispatch.ServiceDefault)
	}
	if strings.TrimSpace(opts.ServiceURL) == "" {
		opts.ServiceURL = "http://127.0.0.1:8000/chat"
	}
	if strings.TrimSpace(opts.HTTPAddress) == "" {
		opts.HTTPAddress = ":8080"
	}
	if strings.TrimSpace(opts.SnapshotLocation) == "" {
		opts.SnapshotLocation = "access_token.json"
	}
	if strings.TrimSpace(opts.LedgerPath) == "" {
		opts.LedgerPath = config.DefaultLedgerPath()
	}
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# WeChat bridge settings
environment=%s
log_level=info
log_dir=logs
log_backups=5
log_file_size=50M
`, opts.Environment)
}

func bridgeTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Environment specific overrides for %s
http_address=%s
wechat_appid=%s
# wechat_token, wechat_aes_key and wechat_appsecret are read from the environment
service_url=%s
service_type=%s
service_timeout=5
snapshot_location=%s
ledger_path=%s
dispatch_workers=10
push_workers=20
queue_size=1000
`, opts.Environment, opts.HTTPAddress, opts.AppID, opts.ServiceURL, opts.ServiceType, opts.SnapshotLocation, opts.LedgerPath)
}

// Validate ensures required fields are present without modifying files.
func Validate(opts InitOptions) error {
	applyDefaults(&opts)
	if strings.TrimSpace(opts.AppID) == "" {
		return errors.New("app id is required")
	}
	if _, ok := dispatch.ParseServiceType(opts.ServiceType); !ok {
		return fmt.Errorf("unknown service type %q", opts.ServiceType)
	}
	if !strings.HasPrefix(opts.ServiceURL, "http://") && !strings.HasPrefix(opts.ServiceURL, "https://") {
		return errors.New("service url must be http(s)")
	}
	return nil
}
