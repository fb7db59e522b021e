package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dataferry/ferry/pkg/config"
	"github.com/dataferry/ferry/pkg/logger"
	"github.com/dataferry/ferry/pkg/parallelizer"
	"github.com/dataferry/ferry/pkg/position"
	"github.com/dataferry/ferry/pkg/validate"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "ferry",
		Short: "Ferry - resumable data movement between heterogeneous stores",
		Long: `Ferry replicates data between heterogeneous sources and destinations:
snapshot copy, parallel application with per-key ordering, resumable
checkpoints and data validation.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Ferry v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(newRunCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newCheckpointCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, which
// triggers the pipeline's graceful flush-and-checkpoint shutdown.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadConfig(path string) (*config.TaskConfig, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Encoding:    cfg.Log.Encoding,
		Development: cfg.Log.Development,
	}); err != nil {
		return nil, nil, err
	}
	return cfg, logger.Get(), nil
}

func newRunCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a replication task",
		Long: `Run a replication task described by a YAML config file. The task
resumes from its stored checkpoint, or the configured start position
when none exists.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			task, cleanup, err := buildTask(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()
			defer task.Close()

			if err := task.Run(ctx); err != nil {
				log.Error("task failed", zap.Error(err))
				return err
			}
			stats := task.Stats()
			fmt.Printf("done: %d batches, %d applied, %d skipped, %d failed\n",
				stats.Batches, stats.Applied, stats.Skipped, stats.Failed)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "task config file (required)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var configFile, mode string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate destination data against the source",
		Long: `Rescan the source and compare each row against the destination.
Modes: check reports differences, revise also writes missing and
mismatched rows back, review revises and then re-checks.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch validate.Mode(mode) {
			case validate.ModeCheck, validate.ModeRevise, validate.ModeReview:
			default:
				return fmt.Errorf("unknown mode %q", mode)
			}

			cfg, log, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			validator, cleanup, err := buildValidator(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			summary, err := validator.Run(ctx, validate.Mode(mode))
			if err != nil {
				return err
			}
			printSummary(summary)
			if !summary.Clean() {
				os.Exit(2)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "task config file (required)")
	cmd.Flags().StringVarP(&mode, "mode", "m", string(validate.ModeCheck), "check, revise or review")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func printSummary(s *validate.Summary) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Printf("mode: %s  checked: %d  matched: %s  revised: %d  elapsed: %s\n",
		s.Mode, s.Checked, green(s.Matched), s.Revised, s.Elapsed.Round(1e6))

	if s.Clean() {
		fmt.Println(green("destination is consistent with the source"))
		return
	}

	mismatch, missingDest, missingSrc := s.Mismatched()
	fmt.Printf("%s: %d mismatched, %d missing in destination, %d missing in source\n",
		red("differences found"), mismatch, missingDest, missingSrc)

	for _, d := range s.Diffs {
		switch d.Kind {
		case parallelizer.DiffMismatch:
			fmt.Printf("  %s %s.%s %s\n", yellow("~"), d.Schema, d.Table, d.Key)
			for col, cd := range d.Columns {
				fmt.Printf("      %s: source=%v destination=%v\n", col, cd.Source, cd.Destination)
			}
		case parallelizer.DiffMissingInDestination:
			fmt.Printf("  %s %s.%s %s\n", red("-"), d.Schema, d.Table, d.Key)
		case parallelizer.DiffMissingInSource:
			fmt.Printf("  %s %s.%s %s\n", red("+"), d.Schema, d.Table, d.Key)
		}
	}
}

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset stored checkpoints",
	}

	var configFile string

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the stored checkpoint for the task's sub-stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := buildStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := signalContext()
			defer cancel()

			pos, found, err := store.Load(ctx, cfg.SubStream)
			if err != nil {
				return err
			}
			if !found {
				fmt.Printf("%s: no checkpoint\n", cfg.SubStream)
				return nil
			}
			log.Debug("checkpoint loaded", zap.String("sub_stream", cfg.SubStream))
			fmt.Printf("%s: %s\n", cfg.SubStream, pos.Encode())
			return nil
		},
	}
	show.Flags().StringVarP(&configFile, "config", "c", "", "task config file (required)")
	_ = show.MarkFlagRequired("config")

	var resetPosition string
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Discard the stored checkpoint, optionally seeding a new position",
		Long: `Discard the task's checkpoint so the next run replays from the start
position. This is the only sanctioned way to move a checkpoint
backwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := buildStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			seed := position.None
			if resetPosition != "" {
				seed, err = position.Decode(resetPosition)
				if err != nil {
					return err
				}
			}

			ctx, cancel := signalContext()
			defer cancel()

			resumer := checkpointResumer(cfg, store, log)
			if err := resumer.Reset(ctx, cfg.SubStream, seed); err != nil {
				return err
			}
			fmt.Printf("%s: checkpoint reset to %s\n", cfg.SubStream, seed.Encode())
			return nil
		},
	}
	reset.Flags().StringVarP(&configFile, "config", "c", "", "task config file (required)")
	reset.Flags().StringVarP(&resetPosition, "position", "p", "", "encoded position to seed after the reset")
	_ = reset.MarkFlagRequired("config")

	cmd.AddCommand(show, reset)
	return cmd
}
