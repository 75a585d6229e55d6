package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/msageha/cairn/internal/daemon"
	"github.com/msageha/cairn/internal/logging"
	"github.com/msageha/cairn/internal/model"
	"github.com/msageha/cairn/internal/setup"
	"github.com/msageha/cairn/internal/status"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the orchestrator in the foreground",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agents, task records and recent executions",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <code>",
	Short: "Fire an agent once",
	Long: `Fire an agent once, regardless of its trigger. When the daemon is running the
firing is queued for it; otherwise the agent runs in this process.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrigger,
}

var initCmd = &cobra.Command{
	Use:   "init <dir>",
	Short: "Create .cairn/ with a default configuration",
	Args:  cobra.ExactArgs(1),
	RunE:  runInit,
}

func init() {
	daemonCmd.Flags().Bool("quiet", false, "do not mirror the daemon log to stderr")
	statusCmd.Flags().Bool("json", false, "print the report as JSON")
	triggerCmd.Flags().StringP("input", "i", "", "input file, absolute or relative to the workspace root")
	triggerCmd.Flags().Bool("json", false, "print the result as JSON")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	root, cfg, err := workspace(cmd)
	if err != nil {
		return err
	}
	quiet, _ := cmd.Flags().GetBool("quiet")

	d, err := daemon.New(root, cfg, daemon.Options{Console: !quiet})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	root, _, err := workspace(cmd)
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	return status.Run(root, jsonOutput, cmd.OutOrStdout())
}

func runTrigger(cmd *cobra.Command, args []string) error {
	root, cfg, err := workspace(cmd)
	if err != nil {
		return err
	}
	input, _ := cmd.Flags().GetString("input")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if input != "" && !filepath.IsAbs(input) {
		// A path that exists relative to the working directory wins over the root.
		if abs, err := filepath.Abs(input); err == nil {
			if _, err := os.Stat(abs); err == nil {
				input = abs
			}
		}
	}

	logger := logging.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}, cfg.Logging.Level)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := daemon.Trigger(ctx, root, cfg, args[0], input, daemon.ManualOptions{}, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	switch {
	case res.Queued:
		fmt.Fprintf(out, "queued for the running daemon: %s\n", res.Record)
	case res.Status == model.StatusFailed:
		return fmt.Errorf("%s failed: %s", args[0], res.Error)
	default:
		fmt.Fprintf(out, "%s %s", args[0], res.Status)
		if res.Output != "" {
			fmt.Fprintf(out, " -> %s", res.Output)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := setup.Run(args[0]); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	abs, _ := filepath.Abs(args[0])
	fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s/ in %s\n", model.StateDirName, abs)
	return nil
}
