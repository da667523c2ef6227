// Package proc holds the platform independent pieces of process control:
// architecture descriptors, breakpoint bookkeeping, memory region
// caching, resume action lists and the errors shared by the backends.
//
// proc implements:
// * breakpoint sites with reference counts and trap masking
// * the memory region cache and its lookup
// * resume actions and stop information
//
// The ptrace backend lives in the native subpackage.
package proc
