package buildsys

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
	"mvdan.cc/sh/v3/syntax"
)

// Action implements a task in Go. It's called once all prerequisites completed.
type Action func(ctx context.Context) error

type TaskCmdScript struct {
	TaskName string
	Content  string
	Index    int
}

func (s TaskCmdScript) ToTask() (*Task, error) {
	return nil, nil
}

func (s TaskCmdScript) ToShellStmts(parser *syntax.Parser) ([]*syntax.Stmt, error) {
	result, err := parser.Parse(strings.NewReader(s.Content), fmt.Sprintf("%s:%d", s.TaskName, s.Index))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", s.Content)
	}

	return result.Stmts, nil
}

type TaskCmdTaskRef struct {
	Task *Task
}

func (t TaskCmdTaskRef) ToTask() (*Task, error) {
	return t.Task, nil
}

func (t TaskCmdTaskRef) ToShellStmts(*syntax.Parser) ([]*syntax.Stmt, error) {
	return nil, nil
}

// TaskCmd is a single step of a script task: either shell source or a nested task
type TaskCmd interface {
	ToTask() (*Task, error)
	ToShellStmts(*syntax.Parser) ([]*syntax.Stmt, error)
}

// Task is a named unit of build work. Go tasks set Action, script tasks set Cmds; a task may have both
// in which case the action runs first.
type Task struct {
	Env          map[string]string
	Short        string
	Desc         string
	Base         string
	Inputs       []string
	Deps         []string
	SkipIfExists []string
	Outputs      []string
	Cmds         []TaskCmd
	Action       Action
	Hidden       bool
}

// TaskList maps short names to each relevant task
type TaskList map[string]*Task

// Register adds a Go task. Prerequisites are only checked once the graph is resolved.
func (l TaskList) Register(name string, deps []string, action Action) (*Task, error) {
	task := &Task{
		Short:  name,
		Deps:   deps,
		Action: action,
		Base:   ".",
		Env:    map[string]string{},
	}

	if err := l.Add(task); err != nil {
		return nil, err
	}
	return task, nil
}

// Add inserts an already built task
func (l TaskList) Add(task *Task) error {
	if task.Short == "" {
		return eris.New("tasks need a name")
	}

	if _, found := l[task.Short]; found {
		return eris.Wrapf(ErrDuplicateTask, "task %s", task.Short)
	}

	l[task.Short] = task
	return nil
}

// Merge copies all tasks from other into the list. It fails on the first name both lists declare.
func (l TaskList) Merge(other TaskList) error {
	for _, name := range other.Names(true) {
		if err := l.Add(other[name]); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the sorted task names. Hidden tasks are skipped unless withHidden is set.
func (l TaskList) Names(withHidden bool) []string {
	names := make([]string, 0, len(l))
	for name, task := range l {
		if withHidden || !task.Hidden {
			names = append(names, name)
		}
	}

	sort.Strings(names)
	return names
}

type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}

// Implement starlark.Value for *Task so that scripts can pass tasks around as commands

// String returns a string representation of the task
func (t *Task) String() string {
	return fmt.Sprintf("<Task %s: %s>", t.Short, t.Desc)
}

// Type always returns "task" to indicate this type
func (t *Task) Type() string {
	return "task"
}

// Freeze doesn't do anything since tasks are immutable anyway
func (t *Task) Freeze() {}

// Truth always returns true since a task can't be nil or None
func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

// Hash always returns an error since task is not hashable
func (t *Task) Hash() (uint32, error) {
	return 0, eris.New("task is not a hashable type")
}

type StarlarkPath string

func (p StarlarkPath) String() string {
	return starlark.String(p).String()
}

func (p StarlarkPath) Type() string {
	return "path"
}

func (p StarlarkPath) Freeze() {}

func (p StarlarkPath) Truth() starlark.Bool {
	return p != ""
}

func (p StarlarkPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, other starlark.Value, depth int) (bool, error) {
	y := other.(StarlarkPath)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

func (p StarlarkPath) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p StarlarkPath) Len() int {
	return len(p)
}

func (p StarlarkPath) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}
