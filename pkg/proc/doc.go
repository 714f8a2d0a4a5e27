// Package proc is the platform independent core of the debugger. It turns
// the raw notifications of a Host into DebugEvents and keeps the model of
// the debugged process tree.
//
// proc implements:
// * launching / attaching to a process tree and detaching from it
// * the process, thread and module registry
// * software breakpoints, with step-over and re-arming after a hit
// * single stepping the frozen thread
// * reading and writing target memory and registers
//
// Operating system calls live in proc/native; proc/proctest provides a
// scripted Host for tests.
package proc
