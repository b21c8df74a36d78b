package buildsys

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
	"mvdan.cc/sh/v3/syntax"
)

// ErrorHandler receives the error of a failed task action. Returning nil swallows the error: the task
// counts as done and its dependants still run. Any other return value aborts the run.
type ErrorHandler func(task string, err error) error

// Runner executes tasks from a TaskList
type Runner struct {
	Tasks   TaskList
	OnError ErrorHandler
	DryRun  bool
	Force   bool
}

type taskState struct {
	done chan struct{}
	err  error
}

type (
	runtimeCtxKey struct{}
	runtimeCtx    struct {
		runner *Runner
		lock   sync.Mutex
		states map[string]*taskState
	}
)

// RunTask executes the given tasks with a fresh runner. It's a shorthand for Runner.Run().
func RunTask(ctx context.Context, tasks TaskList, dryRun, force bool, names ...string) error {
	runner := Runner{
		Tasks:  tasks,
		DryRun: dryRun,
		Force:  force,
	}

	return runner.Run(ctx, names...)
}

// Run executes the named tasks and all of their prerequisites. Every task runs at most once per call;
// a second call starts over with a clean slate.
func (r *Runner) Run(ctx context.Context, names ...string) error {
	order, err := Resolve(r.Tasks, names...)
	if err != nil {
		return err
	}

	log(ctx).Debug().Strs("order", order).Msgf("Resolved %s", strings.Join(names, ", "))

	rctx := &runtimeCtx{
		runner: r,
		states: make(map[string]*taskState, len(order)),
	}
	ctx = context.WithValue(ctx, runtimeCtxKey{}, rctx)

	eg, egCtx := errgroup.WithContext(ctx)
	for _, name := range names {
		task := r.Tasks[name]
		eg.Go(func() error {
			return rctx.run(egCtx, task, r.Force)
		})
	}

	return eg.Wait()
}

// run executes the task unless another goroutine already did (or is doing) that in which case it waits
// for the result.
func (rctx *runtimeCtx) run(ctx context.Context, task *Task, force bool) error {
	rctx.lock.Lock()
	state, found := rctx.states[task.Short]
	if !found {
		state = &taskState{done: make(chan struct{})}
		rctx.states[task.Short] = state
	}
	rctx.lock.Unlock()

	if found {
		log(ctx).Debug().Str("task", task.Short).Msg("already scheduled")

		select {
		case <-state.done:
			return state.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	state.err = rctx.execute(ctx, task, force)
	close(state.done)
	return state.err
}

func (rctx *runtimeCtx) execute(ctx context.Context, task *Task, force bool) error {
	if len(task.Deps) > 0 {
		eg, egCtx := errgroup.WithContext(ctx)
		for _, dep := range task.Deps {
			dep := dep
			depTask := rctx.runner.Tasks[dep]
			if depTask == nil {
				return eris.Wrapf(ErrTaskNotFound, "task %s (required by %s)", dep, task.Short)
			}

			eg.Go(func() error {
				err := rctx.run(egCtx, depTask, false)
				if err != nil {
					return eris.Wrapf(err, "Task %s failed due to its dependency %s", task.Short, dep)
				}
				return nil
			})
		}

		if err := eg.Wait(); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if !force {
		upToDate, err := rctx.upToDate(ctx, task)
		if err != nil {
			return err
		}

		if upToDate {
			return nil
		}
	}

	start := time.Now()
	log(ctx).Debug().Str("task", task.Short).Msg("starting")

	err := rctx.perform(ctx, task)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return rctx.handleError(ctx, task, err)
	}

	if task.Action != nil {
		log(ctx).Info().
			Str("task", task.Short).
			Dur("took", time.Since(start)).
			Msg("finished")
	}
	return nil
}

func (rctx *runtimeCtx) handleError(ctx context.Context, task *Task, err error) error {
	handler := rctx.runner.OnError
	if handler == nil {
		return err
	}

	err = handler(task.Short, err)
	if err == nil {
		log(ctx).Warn().Str("task", task.Short).Msg("failed; continuing")
	}
	return err
}

// upToDate implements the skip_if_exists and inputs/outputs checks of script tasks
func (rctx *runtimeCtx) upToDate(ctx context.Context, task *Task) (bool, error) {
	if len(task.SkipIfExists) > 0 {
		skipList, err := Glob(task.Base, task.SkipIfExists)
		if err != nil {
			return false, eris.Wrap(err, "failed to resolve skip_if_exists list")
		}

		found := 0
		for _, item := range skipList {
			_, err := os.Stat(item)
			if err == nil {
				found++
			} else if !eris.Is(err, os.ErrNotExist) {
				return false, eris.Wrapf(err, "Failed to check %s", item)
			}
		}

		if found > 0 && found == len(skipList) {
			log(ctx).Info().
				Str("task", task.Short).
				Msg("skipped because all skip files exist")
			return true, nil
		}
	}

	if len(task.Inputs) == 0 {
		return false, nil
	}

	inputList, err := Glob(task.Base, task.Inputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve inputs")
	}

	outputList, err := Glob(task.Base, task.Outputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve output list")
	}

	var newestInput time.Time
	for _, item := range inputList {
		info, err := os.Stat(item)
		if err != nil {
			return false, eris.Wrapf(err, "Failed to check input %s", item)
		}

		if info.ModTime().After(newestInput) {
			newestInput = info.ModTime()
		}
	}

	if newestInput.IsZero() || len(outputList) == 0 {
		return false, nil
	}

	// every output has to be newer than the newest input
	for _, item := range outputList {
		info, err := os.Stat(item)
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				return false, nil
			}
			return false, eris.Wrapf(err, "Failed to check output %s", item)
		}

		if !info.ModTime().After(newestInput) {
			return false, nil
		}
	}

	log(ctx).Info().
		Str("task", task.Short).
		Msg("nothing to do (outputs are newer than inputs)")
	return true, nil
}

func (rctx *runtimeCtx) perform(ctx context.Context, task *Task) error {
	runner := rctx.runner

	if task.Action != nil {
		if runner.DryRun {
			log(ctx).Info().Str("task", task.Short).Msg("skipping action (dry run)")
		} else if err := task.Action(ctx); err != nil {
			return err
		}
	}

	if len(task.Cmds) == 0 {
		return nil
	}

	shell, err := newShell(task.Base, task.Env, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(syntax.Minify(true))
	strBuffer := strings.Builder{}

	for idx, item := range task.Cmds {
		subTask, err := item.ToTask()
		if err != nil {
			return eris.Wrap(err, "failed to retrieve task ref")
		}

		if subTask != nil {
			if err = rctx.run(ctx, subTask, false); err != nil {
				return err
			}
			continue
		}

		stmts, err := item.ToShellStmts(parser)
		if err != nil {
			return eris.Wrapf(err, "failed to parse command #%d", idx)
		}

		for _, stmt := range stmts {
			strBuffer.Reset()
			if err = printer.Print(&strBuffer, stmt); err != nil {
				return eris.Wrap(err, "failed to print command")
			}

			log(ctx).Info().
				Str("task", task.Short).
				Bool("command", true).
				Msg(strBuffer.String())

			if runner.DryRun {
				continue
			}

			if err = shell.Run(ctx, stmt); err != nil {
				return err
			}

			if shell.Exited() {
				return nil
			}
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}
