// Command quapi-shim is the LD_PRELOAD shared object described by
// spec §4.3/§4.5 and §9's design note ("the only inherently
// source-level-hacky component... keep it as a thin native library").
// It is built with `go build -buildmode=c-shared` and intercepts the
// solver's input-reading routines, delegating to internal/shimrt for all
// stateful logic; this file is deliberately thin cgo glue, grounded
// directly on original_source/preload/src/inject_read.c and
// inject_main.c since no pack repo does symbol interception.
//
// The real fork() call that spec §4.3's fork protocol requires cannot be
// issued safely from Go (a forked child only has one live goroutine/OS
// thread and the Go runtime is not fork-safe past that point without an
// immediate exec), so the actual fork()+dup2()+SIGCHLD setup is
// implemented in the embedded C preamble and invoked from Go via cgo; only
// the resulting pid and the post-fork pipe rewiring are handed back to
// the pure-Go state machine.
package main

/*
#include <stdlib.h>
#include <stdio.h>
#include <unistd.h>
#include <signal.h>
#include <sys/wait.h>

// sigchld_noop exists only to make waitpid race-free, matching
// original_source/preload/src/runtime.c's fork_solving_child.
static void sigchld_noop(int sig) {}

static void install_sigchld_handler() {
	struct sigaction sa;
	sa.sa_handler = sigchld_noop;
	sigemptyset(&sa.sa_mask);
	sa.sa_flags = SA_NOCLDSTOP;
	sigaction(SIGCHLD, &sa, NULL);
}

// native_fork performs the actual fork() and, in the child, dup2()s the
// given pipe fds onto stdin/stdout per spec §4.3's fork protocol. Returns
// the fork() return value (0 in the child, child pid in the parent, -1 on
// error) so the Go side can tell which process it's in without touching
// Go runtime state across the fork boundary itself.
static int native_fork(int child_read_fd, int child_write_fd) {
	install_sigchld_handler();
	pid_t pid = fork();
	if (pid == 0) {
		dup2(child_read_fd, 0);
		dup2(child_write_fd, 1);
		close(child_read_fd);
		close(child_write_fd);
	}
	return (int)pid;
}
*/
import "C"

import (
	"os"
	"unsafe"

	"github.com/golang/glog"

	"github.com/maximaximal/quapi-go/internal/shimrt"
)

//export quapi_shim_constructed
func quapi_shim_constructed() {
	rt := shimrt.Global()
	if err := rt.Init(0, goFork); err != nil {
		glog.Errorf("quapi-shim: init: %v", err)
	}
}

//export quapi_shim_destructed
func quapi_shim_destructed() {
	rt := shimrt.Global()
	if !rt.EntryDetected() {
		glog.Errorf("quapi-shim: no supported read call was overridden before destruction")
	}
	rt.Close()
}

// goFork is shimrt's forkFn: it calls the C-side native_fork (which does
// the actual fork()+dup2()) and reports which pid resulted. childReadFD/
// childWriteFD come straight from the last HEADER's trailing block
// (shimrt.Runtime.fill stashes HeaderData.ChildReadPipe[0]/
// ChildWritePipe[1] as it reads the HEADER), not from any fixed fd
// number — the driver is free to hand the shim whatever fds it created
// the pipe pair with (spec §6).
func goFork(childReadFD, childWriteFD int) (int, error) {
	pid := int(C.native_fork(C.int(childReadFD), C.int(childWriteFD)))
	if pid < 0 {
		return 0, os.NewSyscallError("fork", os.ErrInvalid)
	}
	return pid, nil
}

// quapi_read is exported for the intercepted libc symbols in intercept.go
// to call into; it is not itself an intercepted symbol.
//
//export quapi_read
func quapi_read(buf unsafe.Pointer, n C.size_t) C.ssize_t {
	p := unsafe.Slice((*byte)(buf), int(n))
	read, err := shimrt.Global().Read(p)
	if err != nil && read == 0 {
		return 0
	}
	return C.ssize_t(read)
}

func main() {}
