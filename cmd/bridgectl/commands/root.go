package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tokligence/wechat-bridge/internal/config"
	"github.com/tokligence/wechat-bridge/internal/envelope"
	"github.com/tokligence/wechat-bridge/internal/signature"
	"github.com/tokligence/wechat-bridge/internal/version"
)

// options holds the persistent flags shared by every subcommand.
type options struct {
	root   string
	token  string
	aesKey string
	appID  string
	cfg    config.BridgeConfig
}

func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the bridgectl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "bridgectl",
		Short:         "Operator tooling for the WeChat message bridge",
		Version:       version.FullInfo(),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" {
				return nil
			}
			cfg, err := config.LoadBridgeConfig(opts.root)
			if err != nil {
				return err
			}
			// Flags win over ini and environment values.
			if opts.token != "" {
				cfg.Token = opts.token
			}
			if opts.aesKey != "" {
				cfg.AESKey = opts.aesKey
			}
			if opts.appID != "" {
				cfg.AppID = opts.appID
			}
			opts.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.root, "root", ".", "directory containing config/")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "platform verification token (overrides config)")
	root.PersistentFlags().StringVar(&opts.aesKey, "aes-key", "", "43-character EncodingAESKey (overrides config)")
	root.PersistentFlags().StringVar(&opts.appID, "appid", "", "application id (overrides config)")

	root.AddCommand(
		initCmd(opts),
		signCmd(opts),
		verifyCmd(opts),
		encryptCmd(opts),
		decryptCmd(opts),
		tokenCmd(opts),
		snapshotCmd(opts),
	)
	return root
}

func (o *options) verifier() (*signature.Verifier, error) {
	if strings.TrimSpace(o.cfg.Token) == "" {
		return nil, fmt.Errorf("token is not configured (set wechat_token, WECHAT_TOKEN or --token)")
	}
	return signature.New(o.cfg.Token), nil
}

func (o *options) codec() (*envelope.Codec, error) {
	if strings.TrimSpace(o.cfg.AESKey) == "" {
		return nil, fmt.Errorf("aes key is not configured (set wechat_aes_key, WECHAT_AES_KEY or --aes-key)")
	}
	if strings.TrimSpace(o.cfg.AppID) == "" {
		return nil, fmt.Errorf("app id is not configured (set wechat_appid, WECHAT_APPID or --appid)")
	}
	return envelope.New(o.cfg.AESKey, o.cfg.AppID)
}

// inputArg returns args[0], or stdin when it is absent or "-".
func inputArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 && args[0] != "-" {
		return args[0], nil
	}
	in := cmd.InOrStdin()
	if in == nil {
		in = os.Stdin
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}
