package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"shiftbot/internal/importer"
	"shiftbot/internal/shift"
)

func newImportCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load tasks or workers from YAML files",
	}
	cmd.AddCommand(newImportTasksCmd(cfgPath))
	cmd.AddCommand(newImportWorkersCmd(cfgPath))
	return cmd
}

func newImportTasksCmd(cfgPath *string) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "tasks <file.yaml>",
		Short: "Insert a task schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			ss, err := cfg.Shift.Resolve()
			if err != nil {
				return err
			}
			cal, err := shift.New(ss.Calendar)
			if err != nil {
				return err
			}
			tasks, err := importer.Tasks(data, cal, ss.DefaultDuration)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if dryRun {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d tasks parsed (dry run)\n", len(tasks))
				return err
			}

			st, err := openStore(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			ids, err := st.InsertTasks(cmd.Context(), tasks)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d tasks imported\n", len(ids))
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and validate only")
	return cmd
}

func newImportWorkersCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "workers <file.yaml>",
		Short: "Create or update registered workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			workers, err := importer.Workers(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			st, err := openStore(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			for _, w := range workers {
				if err := st.PutWorker(cmd.Context(), w); err != nil {
					return fmt.Errorf("worker %d: %w", w.ID, err)
				}
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d workers imported\n", len(workers))
			return err
		},
	}
}
