// Package buildsys implements the task graph behind hawtio-build.
//
// Tasks are registered either from Go (with an Action) or from a Starlark script (tasks.star) whose
// commands run in mvdan.cc/sh. A run resolves the requested tasks, rejects unknown names and cycles
// before anything executes and then runs every prerequisite exactly once. Prerequisites that don't
// depend on each other run concurrently.
package buildsys
