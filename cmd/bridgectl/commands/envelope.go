package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokligence/wechat-bridge/internal/envelope"
	"github.com/tokligence/wechat-bridge/internal/message"
)

func encryptCmd(opts *options) *cobra.Command {
	var raw bool
	var timestamp, nonce string
	cmd := &cobra.Command{
		Use:   "encrypt [plaintext|-]",
		Short: "Encrypt a message document into a signed envelope",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := opts.codec()
			if err != nil {
				return err
			}
			plain, err := inputArg(cmd, args)
			if err != nil {
				return err
			}
			ciphertext, err := codec.Encrypt([]byte(plain))
			if err != nil {
				return err
			}
			if raw {
				fmt.Fprintln(cmd.OutOrStdout(), ciphertext)
				return nil
			}
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
			fmt.Fprintln(cmd.OutOrStdout(), message.BuildEncrypted(message.EncryptedReply{
				Encrypt:      ciphertext,
				MsgSignature: v.Sign(ciphertext, timestamp, nonce),
				TimeStamp:    timestamp,
				Nonce:        nonce,
			}))
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print only the base64 ciphertext")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "envelope timestamp (default now)")
	cmd.Flags().StringVar(&nonce, "nonce", "", "envelope nonce (default random)")
	return cmd
}

func decryptCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decrypt [ciphertext|envelope|-]",
		Short: "Decrypt a base64 ciphertext or the Encrypt field of an envelope document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := opts.codec()
			if err != nil {
				return err
			}
			in, err := inputArg(cmd, args)
			if err != nil {
				return err
			}
			ciphertext := in
			if doc, perr := message.ParseString(in); perr == nil && doc.Encrypt() != "" {
				ciphertext = doc.Encrypt()
			}
			plain, err := codec.Decrypt(ciphertext)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(plain))
			return nil
		},
	}
	return cmd
}
