package buildsys

import "github.com/rotisserie/eris"

var (
	// ErrTaskNotFound is returned when a task or a prerequisite name was never registered
	ErrTaskNotFound = eris.New("task not found")
	// ErrCycle is returned when the requested tasks depend on themselves
	ErrCycle = eris.New("dependency cycle")
	// ErrDuplicateTask is returned when a name is registered twice
	ErrDuplicateTask = eris.New("task already registered")
)
