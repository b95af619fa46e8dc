package commands

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokligence/wechat-bridge/internal/credential"
	"github.com/tokligence/wechat-bridge/internal/snapshot"
	"github.com/tokligence/wechat-bridge/internal/snapshot/backend"
)

func tokenCmd(opts *options) *cobra.Command {
	var refresh, show bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Obtain an access token through the credential store and persist it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cfg.AppID == "" || cfg.AppSecret == "" {
				return errors.New("app id and app secret are required")
			}
			snap, err := backend.Open(cfg.SnapshotLocation, cfg.AppID)
			if err != nil {
				return err
			}
			defer snap.Close()

			exchanger, err := credential.NewHTTPExchanger(cfg.APIBase, &http.Client{Timeout: 10 * time.Second})
			if err != nil {
				return err
			}
			store, err := credential.New(credential.Config{
				Exchanger:  exchanger,
				Snapshot:   snap,
				Skew:       cfg.TokenSkew,
				MaxRetries: cfg.TokenRetries,
			})
			if err != nil {
				return err
			}
			id := credential.Identity{AppID: cfg.AppID, AppSecret: cfg.AppSecret}
			if _, err := store.Restore(cmd.Context(), id); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "ignoring unreadable snapshot: %v\n", err)
			}

			var token string
			if refresh {
				token, err = store.Refresh(cmd.Context(), id)
			} else {
				token, err = store.Get(cmd.Context(), id)
			}
			if err != nil {
				return err
			}
			cred := store.Snapshot()
			if !show {
				token = maskToken(token)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "app_id=%s\naccess_token=%s\nexpires_at=%s\n", cred.AppID, token, cred.ExpiresAt.Format(time.RFC3339))
			stats := store.Stats()
			fmt.Fprintf(out, "exchanges=%d\n", stats.Exchanges)
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "force an exchange even if the snapshot is valid")
	cmd.Flags().BoolVar(&show, "show", false, "print the token unmasked")
	return cmd
}

func snapshotCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect the persisted credential snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			snap, err := backend.Open(cfg.SnapshotLocation, cfg.AppID)
			if err != nil {
				return err
			}
			defer snap.Close()

			rec, err := snap.Load(cmd.Context())
			if errors.Is(err, snapshot.ErrNotFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "no snapshot at %s\n", cfg.SnapshotLocation)
				return nil
			}
			if err != nil {
				return err
			}
			state := "valid"
			switch {
			case time.Now().After(rec.ExpiresAt):
				state = "expired"
			case time.Until(rec.ExpiresAt) < cfg.TokenSkew:
				state = "refresh due"
			}
			if cfg.AppSecret != "" {
				id := credential.Identity{AppID: cfg.AppID, AppSecret: cfg.AppSecret}
				if rec.Fingerprint != id.Fingerprint() {
					state = "foreign identity"
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "location=%s\napp_id=%s\naccess_token=%s\nexpires_at=%s\nsaved_at=%s\nstate=%s\n",
				cfg.SnapshotLocation, rec.AppID, maskToken(rec.Token),
				rec.ExpiresAt.Format(time.RFC3339), rec.SavedAt.Format(time.RFC3339), state)
			return nil
		},
	}
	return cmd
}
