package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sipeed/wabot/pkg/config"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "wabot",
		Short:         "Chat assistant gateway for WhatsApp Web and friends",
		Long:          "wabot watches messaging gateways, classifies each message into an intent and replies with the matching capability.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default "+config.DefaultPath()+")")

	rootCmd.AddCommand(
		newGatewayCmd(&configPath),
		newClassifyCmd(),
		newIntentsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the wabot version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wabot %s\n", version)
		},
	}
}
