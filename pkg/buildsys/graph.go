package buildsys

import (
	"strings"

	"github.com/rotisserie/eris"
)

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

type resolver struct {
	tasks TaskList
	state map[string]visitState
	stack []string
	order []string
}

// Resolve checks the graph reachable from the given task names and returns the tasks in an order in
// which every task comes after all of its prerequisites. Unknown names and cycles are reported here
// instead of during Register() since tasks may be registered in any order.
func Resolve(tasks TaskList, names ...string) ([]string, error) {
	r := resolver{
		tasks: tasks,
		state: make(map[string]visitState),
	}

	for _, name := range names {
		task, found := tasks[name]
		if !found {
			return nil, eris.Wrapf(ErrTaskNotFound, "task %s", name)
		}

		if err := r.visit(task); err != nil {
			return nil, err
		}
	}

	return r.order, nil
}

func (r *resolver) visit(task *Task) error {
	switch r.state[task.Short] {
	case visited:
		return nil
	case visiting:
		// the stack holds the path that led back to this task
		start := 0
		for idx, name := range r.stack {
			if name == task.Short {
				start = idx
				break
			}
		}

		path := append(append([]string{}, r.stack[start:]...), task.Short)
		return eris.Wrapf(ErrCycle, "%s", strings.Join(path, " -> "))
	}

	r.state[task.Short] = visiting
	r.stack = append(r.stack, task.Short)

	for _, dep := range task.Deps {
		depTask, found := r.tasks[dep]
		if !found {
			return eris.Wrapf(ErrTaskNotFound, "task %s (required by %s)", dep, task.Short)
		}

		if err := r.visit(depTask); err != nil {
			return err
		}
	}

	// nested tasks from scripts run inline but they have their own prerequisites
	for _, cmd := range task.Cmds {
		sub, err := cmd.ToTask()
		if err != nil {
			return err
		}

		if sub != nil {
			if err := r.visit(sub); err != nil {
				return err
			}
		}
	}

	r.stack = r.stack[:len(r.stack)-1]
	r.state[task.Short] = visited
	r.order = append(r.order, task.Short)
	return nil
}
