// Command acmsd is the optional long-running supervisor named in spec.md
// §4.13: it polls the state store for non-terminal runs nobody currently
// holds and dispatches each one to a child "acms run --resume <run_id>"
// process, under a configured concurrency cap.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/acms-dev/acms/config"
	"github.com/acms-dev/acms/internal/engine"
	"github.com/acms-dev/acms/runtime/daemon"
	"github.com/acms-dev/acms/telemetry"
)

var (
	cfgFile        string
	acmsPath       string
	logDir         string
	pollInterval   time.Duration
	concurrencyCap int
)

var rootCmd = &cobra.Command{
	Use:   "acmsd",
	Short: "Background supervisor that dispatches pending ACMS runs",
	Long: `acmsd polls the state store for runs in a non-terminal status that no
process currently supervises, and spawns a child "acms run --resume <id>"
for each one up to --concurrency-cap, streaming its output to a run-scoped
log file under --log-dir.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "path to the ACMS config YAML document")
	rootCmd.Flags().StringVar(&acmsPath, "acms-path", "", `path to the acms binary to spawn per supervised run (defaults to "acms" on PATH)`)
	rootCmd.Flags().StringVar(&logDir, "log-dir", ".acms/daemon-logs", "directory for per-run supervised-child log files")
	rootCmd.Flags().DurationVar(&pollInterval, "poll-interval", 5*time.Second, "how often to poll the state store for eligible runs")
	rootCmd.Flags().IntVar(&concurrencyCap, "concurrency-cap", 4, "maximum number of runs supervised at once")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "acmsd:", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	eng, err := engine.Build(cfg, telemetry.NewSlogLogger(nil), nil, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	executable := acmsPath
	if executable == "" {
		executable = "acms"
	}
	if abs, absErr := filepath.Abs(executable); absErr == nil {
		if _, statErr := os.Stat(abs); statErr == nil {
			executable = abs
		}
	}

	d := daemon.New(daemon.Options{
		Store:      eng.Store,
		Executable: executable,
		Args: func(runID string) []string {
			args := []string{"run", "--resume", runID}
			if cfgFile != "" {
				args = append(args, "--config", cfgFile)
			}
			return args
		},
		LogDir:         logDir,
		PollInterval:   pollInterval,
		ConcurrencyCap: concurrencyCap,
		Logger:         eng.Logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}
