package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/acms-dev/acms/apitypes"
	"github.com/acms-dev/acms/config"
	"github.com/acms-dev/acms/internal/engine"
	"github.com/acms-dev/acms/runtime/orchestrator"
)

var (
	runPlanPath  string
	runResumeID  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an execution plan to completion",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runPlanPath, "plan", "", "path to the execution plan JSON document (required)")
	runCmd.Flags().StringVar(&runResumeID, "resume", "", "run id to give the new run instead of minting one; an existing run's state is not reloaded")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	plan, err := loadPlan(runPlanPath)
	if err != nil {
		return err
	}

	eng, err := engine.Build(cfg, nil, nil, nil)
	if err != nil {
		return &orchestrator.ErrInfrastructure{Cause: err}
	}
	defer eng.Close()

	digest := configDigest(cfg)

	orch := orchestrator.New(orchestrator.Options{
		RepoRoot:           cfg.RepoRoot,
		Plan:               plan,
		ConfigDigest:       digest,
		RunID:              runResumeID,
		Paths:              eng.Paths,
		Store:              eng.Store,
		Patterns:           eng.Patterns,
		Router:             eng.Router,
		Profiles:           eng.Profiles,
		Adapter:            eng.Adapter,
		Breakers:           eng.Breakers,
		RetryPolicy:        eng.Retry,
		PatchLedger:        eng.Patches,
		WorktreesEnabled:   cfg.WorktreesEnabled,
		ProtectedPaths:     eng.Patterns.ProtectedPaths(),
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		Logger:             eng.Logger,
		Tracer:             eng.Tracer,
		Metrics:            eng.Metrics,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	doc, runErr := orch.Run(ctx)
	if runErr != nil {
		return runErr
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}

	if doc.FinalStatus != apitypes.RunStatusDone {
		return fmt.Errorf("run %s ended in status %s", doc.RunID, doc.FinalStatus)
	}
	return nil
}

func loadPlan(path string) (apitypes.ExecutionPlan, error) {
	if path == "" {
		return apitypes.ExecutionPlan{}, &orchestrator.ErrInvalidPlan{Reason: "--plan is required"}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return apitypes.ExecutionPlan{}, &orchestrator.ErrInvalidPlan{Reason: err.Error()}
	}
	var plan apitypes.ExecutionPlan
	if err := json.Unmarshal(b, &plan); err != nil {
		return apitypes.ExecutionPlan{}, &orchestrator.ErrInvalidPlan{Reason: err.Error()}
	}
	return plan, nil
}

func configDigest(cfg config.Snapshot) string {
	b, _ := json.Marshal(cfg)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
