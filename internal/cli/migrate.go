package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"shiftbot/internal/config"
	"shiftbot/internal/storage"
	logx "shiftbot/pkg/logx"
)

func newMigrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return err
		},
	}
}

// loadConfig parses the file without the serve-time checks, so offline
// commands work without a bot token.
func loadConfig(cfgPath string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfgPath string) (storage.Store, error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	sc, err := cfg.Storage.StorageSettings()
	if err != nil {
		return nil, err
	}
	return storage.Open(ctx, sc, logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "storage")))
}
