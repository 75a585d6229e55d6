package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/cairn/internal/model"
)

const version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:   "cairn",
	Short: "File-driven agent workflow orchestrator",
	Long: `cairn watches a markdown workspace and runs AI agents when files matching
their triggers appear or change. Every run is tracked as a task record.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("root", "", "workspace root (default: search up from the working directory for .cairn/)")
	rootCmd.AddCommand(daemonCmd, statusCmd, triggerCmd, initCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the cairn version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cairn %s\n", version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// workspace resolves the --root flag, or the nearest ancestor of the working
// directory holding .cairn/, and loads its configuration.
func workspace(cmd *cobra.Command) (string, model.Config, error) {
	root, err := cmd.Flags().GetString("root")
	if err != nil {
		return "", model.Config{}, err
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", model.Config{}, err
		}
		if root = findRoot(wd); root == "" {
			return "", model.Config{}, fmt.Errorf("%s/ not found; run 'cairn init <dir>' first", model.StateDirName)
		}
	}
	if root, err = filepath.Abs(root); err != nil {
		return "", model.Config{}, err
	}
	cfg, err := model.LoadConfig(model.ConfigPath(root))
	if err != nil {
		return "", model.Config{}, err
	}
	return root, cfg, nil
}

func findRoot(dir string) string {
	for {
		if info, err := os.Stat(filepath.Join(dir, model.StateDirName)); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
