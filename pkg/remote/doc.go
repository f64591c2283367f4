// Package remote implements the operations boardwalk performs directly on a
// managed host through the task runner: the host lock marker and alert
// banner, the workflow-state fact, and fact gathering.
//
// Every operation builds a task list and hands it to a runner.Runner;
// classified runner failures (*runner.Error) are returned unchanged so the
// scheduler can switch on their kind.
package remote
