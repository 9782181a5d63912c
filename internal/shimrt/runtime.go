// Package shimrt holds the shim's process-global runtime: the piece that
// lives inside the solver child (seed or forked) and wires the
// synth state machine to the intercepted I/O entry points exported by
// cmd/quapi-shim. Modeled as a process-local singleton with explicit
// init/fini hooks, per spec §9's design note, tied to the shared object's
// constructor/destructor.
package shimrt

import (
	"bufio"
	"io"
	"os"
	"sync"

	"github.com/golang/glog"

	"github.com/maximaximal/quapi-go/internal/message"
	"github.com/maximaximal/quapi-go/internal/synth"
	"github.com/maximaximal/quapi-go/internal/zerocopy"
)

// EntryPoint records which intercepted libc symbol first observed a read
// against the shim's stream, per spec §4.5 ("every entry point reports
// which function first intercepted input").
type EntryPoint int

const (
	EntryNone EntryPoint = iota
	EntryRead
	EntryFread
	EntryGetc
	EntryFgetc
	EntryGetcUnlocked
	EntryFgetcUnlocked
	EntryUflow
	EntryGzread
)

// Runtime is the process-global shim state. Exactly one exists per solver
// process (seed child or its forks); cmd/quapi-shim holds the single
// package-level instance reachable from every exported symbol.
type Runtime struct {
	mu sync.Mutex

	machine *synth.Machine
	reader  *readerSide // set by Init
	outW    io.Writer   // report pipe to host; nothing in this package assigns or writes it

	entry EntryPoint

	// pendingOut holds bytes from the last Advance call not yet copied
	// out to a caller's buffer.
	pendingOut []byte
	streamDone bool

	forkFn func(childReadFD, childWriteFD int) (childPID int, err error)

	// childReadFD/childWriteFD are the fds (as seen inside this
	// process) the most recent HEADER's trailing block designated for
	// the forked child's new stdin/stdout (spec §6); forkSolvingChild
	// passes them to forkFn instead of any hardcoded numbers.
	childReadFD  int
	childWriteFD int

	initiated bool
}

var global = &Runtime{machine: synth.NewMachine()}

// Global returns the process-wide runtime singleton.
func Global() *Runtime { return global }

// Init opens the reader over the driver pipe and stores forkFn, per spec
// §4.3 "Library initialization". The default filler clause is already set
// when the global Machine is built by synth.NewMachine. The actual fork syscall
// is supplied by forkFn since this package cannot safely fork a Go
// runtime process on its own (see DESIGN.md, cmd/quapi-shim entry).
func (r *Runtime) Init(stdinFD int, forkFn func(childReadFD, childWriteFD int) (int, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initiated {
		return nil
	}
	rs, err := newReaderSide(stdinFD)
	if err != nil {
		return err
	}
	r.reader = rs
	r.forkFn = forkFn
	r.initiated = true
	glog.V(1).Info("shimrt: initialized")
	return nil
}

// RecordEntry marks which intercepted symbol first saw a read, for the
// destructor's "no supported read call wrapped" diagnostic.
func (r *Runtime) RecordEntry(e EntryPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entry == EntryNone {
		r.entry = e
		glog.V(1).Infof("shimrt: first intercepted via %d", e)
	}
}

// Read is the shim's externally-visible read entry point (spec §4.3):
// empty the output buffer first, then advance the state machine until it
// produces bytes, requests another message, or signals stream closure.
// On true end of stream it writes a single EOF-marking zero-length result.
func (r *Runtime) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pendingOut) == 0 && !r.streamDone {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	if len(r.pendingOut) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.pendingOut)
	r.pendingOut = r.pendingOut[n:]
	return n, nil
}

// fill drives the state machine forward, reading new messages from the
// driver until output is produced or WORKING is reached (stream closes).
// A FORK is handled in place and reading then continues.
func (r *Runtime) fill() error {
	for {
		msg, hd, err := r.reader.ReadMsg()
		if err == io.EOF {
			r.streamDone = true
			return nil
		}
		if err != nil {
			return err
		}

		if hd != nil {
			r.childReadFD = int(hd.ChildReadPipe[0])
			r.childWriteFD = int(hd.ChildWritePipe[1])
		}

		out, fork, err := r.machine.Advance(msg, hd)
		if err != nil {
			return err
		}
		if fork != nil {
			childPID, err := r.forkSolvingChild()
			if err != nil {
				glog.Errorf("shimrt: fork: %v", err)
				return err
			}
			glog.V(1).Infof("shimrt: forked solver child pid=%d", childPID)
			continue
		}
		if len(out) > 0 {
			r.pendingOut = append(r.pendingOut[:0], out...)
			return nil
		}
		if r.machine.State() == synth.Working {
			r.streamDone = true
			return nil
		}
		// No output and not WORKING: loop for another message (Request
		// semantics from spec §4.3).
	}
}

// forkSolvingChild runs the fork step of spec §4.3: the actual os-level
// fork happens in forkFn (supplied by cmd/quapi-shim, backed by a small
// cgo helper since Go cannot safely fork without an immediate exec). It
// returns forkFn's result only; it sends no FORK_REPORT or EXIT_CODE to
// the host.
func (r *Runtime) forkSolvingChild() (int, error) {
	if r.forkFn == nil {
		return 0, io.ErrClosedPipe
	}
	return r.forkFn(r.childReadFD, r.childWriteFD)
}

// Close shuts down the input stream. Called from the shared object's
// destructor (spec §4.3 "Destruction").
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return nil
	}
	return r.reader.Close()
}

// EntryDetected reports whether any supported read call ever intercepted
// input, used by the destructor to log the "no supported read call
// wrapped" diagnostic from spec §4.5.
func (r *Runtime) EntryDetected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entry != EntryNone
}

// readerSide wraps either the zero-copy fast path or a plain *os.File
// behind a single io.Reader, picked at Init time based on GOOS (spec §4.2
// fallback path), and layers the message codec's *bufio.Reader over it —
// the codec layer is agnostic to which transport underlies it.
type ReaderSide = readerSide

type readerSide struct {
	zc   zerocopy.Reader
	raw  *os.File
	bufR *bufio.Reader
}

func newReaderSide(fd int) (*readerSide, error) {
	if zc, err := zerocopy.NewReader(fd); err == nil {
		rs := &readerSide{zc: zc}
		rs.bufR = bufio.NewReader(zcIOReader{zc})
		return rs, nil
	}
	f := os.NewFile(uintptr(fd), "quapi-stdin")
	rs := &readerSide{raw: f}
	rs.bufR = bufio.NewReader(f)
	return rs, nil
}

func (rs *readerSide) ReadMsg() (message.Msg, *message.HeaderData, error) {
	return message.ReadMsg(rs.bufR)
}

func (rs *readerSide) Close() error {
	if rs.zc != nil {
		return rs.zc.Close()
	}
	return rs.raw.Close()
}

// zcIOReader adapts zerocopy.Reader's fixed-size Read(n) to the standard
// io.Reader contract used by bufio.
type zcIOReader struct {
	zc zerocopy.Reader
}

func (z zcIOReader) Read(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}
	if n > zerocopy.BufSize {
		n = zerocopy.BufSize
	}
	b, err := z.zc.Read(n)
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}
