package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokligence/wechat-bridge/internal/bootstrap"
)

func initCmd(opts *options) *cobra.Command {
	var in bootstrap.InitOptions
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold config/setting.ini and config/<env>/bridge.ini",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Root = opts.root
			if in.AppID == "" {
				in.AppID = opts.appID
			}
			if err := bootstrap.Init(in); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote config under %s/config\n", opts.root)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Environment, "env", "dev", "environment name")
	cmd.Flags().StringVar(&in.AppID, "app-id", "", "application id")
	cmd.Flags().StringVar(&in.ServiceURL, "service-url", "", "downstream service URL")
	cmd.Flags().StringVar(&in.ServiceType, "service-type", "", "default|openai|ollama|custom")
	cmd.Flags().StringVar(&in.HTTPAddress, "http-address", "", "listen address")
	cmd.Flags().StringVar(&in.SnapshotLocation, "snapshot", "", "credential snapshot location")
	cmd.Flags().StringVar(&in.LedgerPath, "ledger", "", "sqlite ledger path")
	cmd.Flags().BoolVar(&in.Force, "force", false, "overwrite existing files")
	return cmd
}
