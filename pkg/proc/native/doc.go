// Package native controls processes on the local machine with ptrace.
//
// A Process is created by Launch or Attach and is owned by a
// mainloop.MainLoop: every method must be called on the loop, and
// stop and exit notifications are delivered to the Delegate from there.
// Only Linux on amd64 and arm64 is supported.
package native
