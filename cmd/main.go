package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jimmidyson/hawtio-jmx/pkg/buildsys"
	"github.com/jimmidyson/hawtio-jmx/pkg/buildsys/cmd"
)

var rootCmd = &cobra.Command{
	Use:   "hawtio-build",
	Short: "Build tool for hawtio plugins",
	Long: `This command bundles the tools used to build hawtio plugins.
This includes the task runner with the build, watch and dev server tasks, a library fetcher and
portable helpers for shell commands.`,
	PersistentPreRun: func(*cobra.Command, []string) {
		// shell commands use our mv, rm and mkdir implementations
		if self, err := os.Executable(); err == nil {
			buildsys.HelperBinary = self
		}
	},
}

func init() {
	rootCmd.AddCommand(cmd.RootCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
