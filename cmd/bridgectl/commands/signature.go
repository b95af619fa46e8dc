package commands

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokligence/wechat-bridge/internal/envelope"
	"github.com/tokligence/wechat-bridge/internal/signature"
)

func signCmd(opts *options) *cobra.Command {
	var timestamp, nonce, encrypted string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Compute signature (or msg_signature with --encrypt) for a timestamp/nonce pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := opts.verifier()
			if err != nil {
				return err
			}
			if timestamp == "" {
				timestamp = strconv.FormatInt(time.Now().Unix(), 10)
			}
			if nonce == "" {
				if nonce, err = envelope.RandomString(10); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "timestamp=%s\nnonce=%s\n", timestamp, nonce)
			if encrypted != "" {
				fmt.Fprintf(out, "msg_signature=%s\n", v.Sign(encrypted, timestamp, nonce))
				return nil
			}
			fmt.Fprintf(out, "signature=%s\n", signature.Compute(opts.cfg.Token, timestamp, nonce))
			return nil
		},
	}
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "timestamp (default now)")
	cmd.Flags().StringVar(&nonce, "nonce", "", "nonce (default random)")
	cmd.Flags().StringVar(&encrypted, "encrypt", "", "Encrypt field to sign as msg_signature")
	return cmd
}

func verifyCmd(opts *options) *cobra.Command {
	var sig, msgSig, timestamp, nonce, encrypted string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a signature or msg_signature against the configured token",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := opts.verifier()
			if err != nil {
				return err
			}
			var ok bool
			switch {
			case msgSig != "":
				ok = v.VerifyMessage(msgSig, timestamp, nonce, encrypted)
			case sig != "":
				ok = v.Verify(sig, timestamp, nonce)
			default:
				return errors.New("one of --signature or --msg-signature is required")
			}
			if !ok {
				return signature.ErrMismatch
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signature ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&sig, "signature", "", "signature query parameter")
	cmd.Flags().StringVar(&msgSig, "msg-signature", "", "msg_signature query parameter")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "timestamp query parameter")
	cmd.Flags().StringVar(&nonce, "nonce", "", "nonce query parameter")
	cmd.Flags().StringVar(&encrypted, "encrypt", "", "Encrypt field (with --msg-signature)")
	return cmd
}
