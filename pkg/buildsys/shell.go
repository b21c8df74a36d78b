package buildsys

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// HelperBinary points to an executable implementing the mv, rm and mkdir subcommands. If it's set,
// shell commands use it instead of whatever the host provides so that they behave the same everywhere.
var HelperBinary string

var defaultExecHandler = interp.DefaultExecHandler(2)

func execHandler(ctx context.Context, args []string) error {
	if len(args) > 0 && HelperBinary != "" {
		switch args[0] {
		case "mv", "rm", "mkdir":
			args = append([]string{HelperBinary}, args...)
		}
	}

	return defaultExecHandler(ctx, args)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

func shellReadDir(path string) ([]os.FileInfo, error) {
	if path == "" {
		path = "."
	}

	return ioutil.ReadDir(path)
}

func mergeEnv(overrides map[string]string) expand.Environ {
	envVars := os.Environ()
	for name, value := range overrides {
		envVars = append(envVars, fmt.Sprintf("%s=%s", name, value))
	}

	return expand.ListEnviron(envVars...)
}

func newShell(dir string, env map[string]string, stdout, stderr io.Writer) (*interp.Runner, error) {
	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(mergeEnv(env)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, stdout, stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "failed to initialize shell")
	}

	return runner, nil
}

// RunShell parses script and executes it inside dir. env is added on top of the process environment.
// Each statement is logged before it runs.
func RunShell(ctx context.Context, dir string, env map[string]string, script string, stdout, stderr io.Writer) error {
	file, err := syntax.NewParser().Parse(strings.NewReader(script), "script")
	if err != nil {
		return eris.Wrapf(err, "failed to parse %s", script)
	}

	runner, err := newShell(dir, env, stdout, stderr)
	if err != nil {
		return err
	}

	printer := syntax.NewPrinter(syntax.Minify(true))
	buffer := strings.Builder{}
	for _, stmt := range file.Stmts {
		buffer.Reset()
		if err = printer.Print(&buffer, stmt); err == nil {
			log(ctx).Debug().Bool("command", true).Msg(buffer.String())
		}

		err = runner.Run(ctx, stmt)
		if err != nil {
			return eris.Wrapf(err, "command failed: %s", buffer.String())
		}

		if runner.Exited() {
			break
		}
	}

	return nil
}

// quoteLiteral single-quotes text so that neither the shell parser nor the glob matcher interprets it
func quoteLiteral(text string) string {
	return "'" + strings.ReplaceAll(text, "'", `'\''`) + "'"
}

// Glob expands globstar (**) and brace patterns relative to base. Patterns that don't match anything
// are dropped. Results keep the pattern order; matches of a single pattern are sorted.
func Glob(base string, patterns []string) ([]string, error) {
	result := []string{}
	cfg := expand.Config{
		ReadDir:  shellReadDir,
		GlobStar: true,
	}

	seen := make(map[string]bool)
	parser := syntax.NewParser()
	for _, item := range patterns {
		// only the pattern is shell syntax, base is taken literally
		prefix := ""
		if filepath.IsAbs(item) {
			item = filepath.ToSlash(item)
		} else {
			prefix = strings.TrimSuffix(filepath.ToSlash(base), "/") + "/"
			item = quoteLiteral(prefix) + filepath.ToSlash(item)
		}

		words := make([]*syntax.Word, 0)
		err := parser.Words(strings.NewReader(item), func(w *syntax.Word) bool {
			words = append(words, w)
			return true
		})
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse pattern %s", item)
		}

		matches, err := expand.Fields(&cfg, words...)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", item)
		}

		for _, match := range matches {
			// unmatched patterns are returned verbatim
			if strings.Contains(strings.TrimPrefix(match, prefix), "*") {
				continue
			}

			match = filepath.Clean(filepath.FromSlash(match))
			if !seen[match] {
				seen[match] = true
				result = append(result, match)
			}
		}
	}

	return result, nil
}
