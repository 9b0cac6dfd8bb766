// Command recovery is an operator tool for inspecting tasks and re-queueing
// Running tasks abandoned by a crashed node.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/sf7293/task-scheduler/configs"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Inspect and recover scheduler tasks",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg := configs.InitConfig()
		h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
		slog.SetDefault(slog.New(h))
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
