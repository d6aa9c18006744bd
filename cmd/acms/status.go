package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/acms-dev/acms/config"
	"github.com/acms-dev/acms/internal/engine"
)

var statusCmd = &cobra.Command{
	Use:   "status <run_id>",
	Short: "Print a run's persisted record from the state store",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	eng, err := engine.Build(cfg, nil, nil, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	run, err := eng.Store.GetRun(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(run)
}
