// Package runtime provisions task-runtime containers through containerd.
// The pool manager uses it to pull runtime images and start, stop and
// remove the containers that host remote execution agents. Sandbox
// limits (cpu, memory, pids, read-only rootfs) are applied as OCI spec
// options at creation time.
package runtime
