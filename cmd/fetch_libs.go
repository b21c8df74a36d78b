package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jimmidyson/hawtio-jmx/pkg"
	"github.com/jimmidyson/hawtio-jmx/pkg/buildsys"
	bcmd "github.com/jimmidyson/hawtio-jmx/pkg/buildsys/cmd"
	"github.com/jimmidyson/hawtio-jmx/pkg/config"
	"github.com/jimmidyson/hawtio-jmx/pkg/libs"
)

var fetchLibsCmd = &cobra.Command{
	Use:   "fetch-libs",
	Short: "Downloads and extracts the libraries listed in libs.yml",
	RunE: func(cmd *cobra.Command, args []string) error {
		update, err := cmd.Flags().GetBool("update")
		if err != nil {
			return err
		}

		wd, err := os.Getwd()
		if err != nil {
			return err
		}

		root, err := pkg.GetProjectRoot(wd)
		if err != nil {
			return err
		}

		cfg, err := config.Load(root)
		if err != nil {
			return err
		}

		logger := bcmd.NewLogger(cfg, os.Stderr)
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx = buildsys.WithLogger(ctx, &logger)

		opts := libs.Options{
			Root:   root,
			Update: update,
		}
		// progress bars only make sense on an interactive terminal
		if os.Getenv("CI") != "true" {
			opts.Progress = os.Stderr
		}

		pkg.PrintTask("Fetching libraries")
		if err = libs.Fetch(ctx, opts); err != nil {
			return err
		}

		pkg.PrintSubtask("Done")
		return nil
	},
}

func init() {
	fetchLibsCmd.Flags().BoolP("update", "u", false, "update the checksums in libs.yml")

	rootCmd.AddCommand(fetchLibsCmd)
}
