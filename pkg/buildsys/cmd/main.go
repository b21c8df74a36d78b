// Package cmd implements the task command which runs the built-in hawtio tasks together with the
// tasks declared in the project's tasks.star
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jimmidyson/hawtio-jmx/pkg"
	"github.com/jimmidyson/hawtio-jmx/pkg/buildsys"
	"github.com/jimmidyson/hawtio-jmx/pkg/config"
	"github.com/jimmidyson/hawtio-jmx/pkg/pipeline"
)

const (
	// ScriptName is the optional Starlark file with project specific tasks
	ScriptName = "tasks.star"
	// ScriptCache stores the evaluated tasks.star between runs
	ScriptCache = ".tasks.cache"
)

// NewLogger builds the CLI logger as configured in cfg
func NewLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Log.JSON {
		logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(NewConsoleWriter(out))
	}

	return logger.Level(cfg.LogLevel())
}

// splitArgs separates task names from key=value script options
func splitArgs(args []string) ([]string, map[string]string) {
	taskArgs := make([]string, 0)
	options := make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			taskArgs = append(taskArgs, part)
		}
	}

	return taskArgs, options
}

// loadScriptTasks adds the tasks declared in the project's tasks.star (if there is one) to tasks
func loadScriptTasks(ctx context.Context, root string, options map[string]string, tasks buildsys.TaskList) error {
	script := filepath.Join(root, ScriptName)
	if _, err := os.Stat(script); err != nil {
		if eris.Is(err, os.ErrNotExist) {
			if len(options) > 0 {
				buildsys.Log(ctx).Warn().Msgf("Ignoring options since %s doesn't exist", ScriptName)
			}
			return nil
		}
		return eris.Wrapf(err, "failed to check %s", script)
	}

	scriptTasks, err := buildsys.LoadScript(ctx, script, root, filepath.Join(root, ScriptCache), options)
	if err != nil {
		return eris.Wrapf(err, "failed to load %s", ScriptName)
	}

	return tasks.Merge(scriptTasks)
}

func printTasks(w io.Writer, tasks buildsys.TaskList) {
	fmt.Fprintln(w, "Available tasks:")

	names := tasks.Names(false)
	maxNameLen := 0
	for _, name := range names {
		if len(name) > maxNameLen {
			maxNameLen = len(name)
		}
	}

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range names {
		fmt.Fprintf(w, lineFmt, name+":", tasks[name].Desc)
	}
}

var RootCmd = &cobra.Command{
	Use:   "task [name...] [option=value...]",
	Short: "Builds a hawtio plugin",
	Long: `This command runs the given tasks of the closest project (the first parent directory with a package.json).
Tasks declared in the project's tasks.star are available next to the built-in ones. Without task names,
all available tasks are listed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		message, err := cmd.Flags().GetString("message")
		if err != nil {
			return err
		}

		// the remaining errors are reported through the logger
		cmd.SilenceUsage = true
		cmd.SilenceErrors = true

		wd, err := os.Getwd()
		if err != nil {
			return eris.Wrap(err, "failed to retrieve the current working directory")
		}

		root, err := pkg.GetProjectRoot(wd)
		if err != nil {
			pkg.PrintError(err.Error())
			return err
		}

		project, err := pipeline.LoadProject(root)
		if err != nil {
			pkg.PrintError(eris.ToString(err, os.Getenv(DebugEnv) != ""))
			return err
		}

		logger := NewLogger(project.Config, os.Stderr)
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx = buildsys.WithLogger(ctx, &logger)

		taskArgs, options := splitArgs(args)
		session, err := pipeline.NewSession(ctx, project, pipeline.Options{
			DryRun:  dryRun,
			Force:   force,
			Message: message,
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to set up the tasks")
			return err
		}

		if err = loadScriptTasks(ctx, root, options, session.Tasks()); err != nil {
			logger.Error().Err(err).Msg("Failed to parse tasks")
			return err
		}

		if len(taskArgs) == 0 {
			printTasks(cmd.OutOrStdout(), session.Tasks())
			return nil
		}

		if err = session.Run(ctx, taskArgs...); err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msgf("Failed task %s", strings.Join(taskArgs, ", "))
			}
			session.Close(context.Background())
			return err
		}

		return session.Wait(ctx)
	},
}

func init() {
	RootCmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	RootCmd.Flags().BoolP("force", "f", false, "force build; always execute the passed steps even if they don't have to run")
	RootCmd.Flags().StringP("message", "m", pipeline.DefaultMessage, "template for tool error notifications")
}
