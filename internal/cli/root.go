// Package cli holds the shiftbot command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "config.yaml"

func NewRootCmd(version string) *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:          "shiftbot",
		Short:        "Shift task assignment and time accounting over Telegram",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		// Without a subcommand the bot runs.
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to the config file (YAML or JSON)")

	cmd.AddCommand(newServeCmd(&cfgPath))
	cmd.AddCommand(newMigrateCmd(&cfgPath))
	cmd.AddCommand(newImportCmd(&cfgPath))
	cmd.AddCommand(newVersionCmd(version))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version == "" {
		version = "dev"
	}
	cmd.Version = version
	return cmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := version
			if v == "" {
				v = "dev"
			}
			_, err := cmd.OutOrStdout().Write([]byte(v + "\n"))
			return err
		},
	}
}
