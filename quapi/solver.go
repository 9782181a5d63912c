// Package quapi implements the driver (host-side) API described in
// spec.md §4.4: a solver object launches a seed child process with the
// quapi shim preloaded, feeds it a formula via the message protocol, and
// arbitrates solve results via exit code, regular expressions, or a
// stdout line callback. Structurally grounded on google-kati's para.go
// (exec.Cmd-based pipe wiring, a send/receive loop over a typed binary
// protocol) and on original_source/lib/src/quapi.c for per-call
// semantics.
package quapi

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/maximaximal/quapi-go/internal/message"
	"github.com/maximaximal/quapi-go/internal/zerocopy"
)

// State mirrors the solver object's state machine from spec §3.
type State int

const (
	Undefined State = iota
	Input
	InputLiterals
	InputAssumptions
	Working
	SAT
	UNSAT
	Aborted
	ErrorState
	Unknown
)

func (s State) String() string {
	switch s {
	case Input:
		return "INPUT"
	case InputLiterals:
		return "INPUT_LITERALS"
	case InputAssumptions:
		return "INPUT_ASSUMPTIONS"
	case Working:
		return "WORKING"
	case SAT:
		return "SAT"
	case UNSAT:
		return "UNSAT"
	case Aborted:
		return "ABORTED"
	case ErrorState:
		return "ERROR"
	case Unknown:
		return "UNKNOWN"
	default:
		return "UNDEFINED"
	}
}

// Exit codes from the driver (spec §6).
const (
	ExitSAT     = 10
	ExitUNSAT   = 20
	ExitUnknown = 0
)

// Config carries everything Init needs: the solver binary, its argv/envp,
// formula dimensions and the optional regex-based result arbitration.
type Config struct {
	Path string
	Argv []string
	Envp []string

	Literals    int32
	Clauses     int32 // caller's clause count, exclusive of reserved assumption slots
	PrefixDepth int32

	SATRegex   string
	UNSATRegex string

	// StdoutCB, if set, is invoked with each completed stdout line from
	// the solver child; a nonzero return supersedes exit code 0 (spec
	// §4.4.1).
	StdoutCB func(line string) int
}

// Solver is the driver-side handle for one solving session (spec §3
// "Solver object").
type Solver struct {
	cfg Config

	mu    sync.Mutex
	state State

	seed *exec.Cmd

	// driverWrite is the HEADER/QUANTIFIER/LITERAL/FORK/SOLVE pipe into
	// the seed child's stdin, backed by the zero-copy splice transport
	// (spec §4.2) rather than a plain bufio.Writer.
	driverWrite    zerocopy.Writer
	driverWriteRaw *os.File

	// reportRead is the seed/solver child's message-to-parent pipe
	// (HeaderData.ReportPipe); it carries small, latency-sensitive
	// control messages so it stays a plain buffered pipe rather than
	// the splice transport.
	reportRead    *bufio.Reader
	reportReadRaw *os.File

	// solverChildWrite carries post-fork assumption literals and SOLVE
	// to the forked solver child's new stdin (HeaderData.ChildReadPipe);
	// it does not exist from the child's point of view until FORK's
	// dup2 swap lands (spec §4.3 "Fork protocol").
	solverChildWrite    zerocopy.Writer
	solverChildWriteRaw *os.File

	// solverChildStdoutRaw is the non-blocking driver-side read end of
	// the solver child's new stdout (HeaderData.ChildWritePipe), polled
	// for SAT/UNSAT regex matches and the stdout line callback.
	solverChildStdoutRaw *os.File

	eventfd int

	writtenClauses            int32
	writtenAssumptions        int32
	writtenQuantifierLiterals int32
	universalPrefixDepth      int32

	solverChildPID int

	satRE   *regexp.Regexp
	unsatRE *regexp.Regexp
}

// Init locates the shim, forks+execs the seed child with it preloaded,
// writes the HEADER, and waits for STARTED (spec §4.4 steps 1-8). Returns
// nil on failure to locate the shim or on regex compile failure (spec §7).
func Init(cfg Config) (*Solver, error) {
	if (cfg.SATRegex == "") != (cfg.UNSATRegex == "") {
		return nil, fmt.Errorf("quapi: SAT and UNSAT regex must both be set or both unset")
	}

	shimPath, err := locateShim()
	if err != nil {
		glog.Errorf("quapi: locate shim: %v", err)
		return nil, nil
	}

	s := &Solver{cfg: cfg, state: Input}
	s.cfg.Clauses = cfg.Clauses + cfg.PrefixDepth

	if cfg.SATRegex != "" {
		s.satRE, err = regexp.Compile(cfg.SATRegex)
		if err != nil {
			glog.Errorf("quapi: compile SAT regex: %v", err)
			return nil, nil
		}
		s.unsatRE, err = regexp.Compile(cfg.UNSATRegex)
		if err != nil {
			glog.Errorf("quapi: compile UNSAT regex: %v", err)
			return nil, nil
		}
	}

	if err := s.forkAndExec(shimPath); err != nil {
		glog.Errorf("quapi: fork/exec seed child: %v", err)
		return nil, nil
	}

	if err := s.writeHeader(); err != nil {
		glog.Errorf("quapi: write header: %v", err)
		return nil, nil
	}
	if err := s.expectStarted(); err != nil {
		glog.Errorf("quapi: expect STARTED: %v", err)
		return nil, nil
	}
	return s, nil
}

// locateShim implements spec §4.4 step 1: env override, then the
// executable's own directory, then a fixed relative search list.
func locateShim() (string, error) {
	if p := os.Getenv("QUAPI_PRELOAD_PATH"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if exe, err := os.Executable(); err == nil {
		cand := filepath.Join(filepath.Dir(exe), "quapi-shim.so")
		if _, err := os.Stat(cand); err == nil {
			return cand, nil
		}
	}
	for _, cand := range []string{
		"./quapi-shim.so",
		"/usr/local/lib/quapi-shim.so",
		"/usr/lib/quapi-shim.so",
	} {
		if _, err := os.Stat(cand); err == nil {
			return cand, nil
		}
	}
	return "", fmt.Errorf("quapi-shim.so not found")
}

// forkAndExec creates the driver<->seed body pipe plus the three pipe
// pairs the HEADER trailing block hands to the shim — the forked-child-
// read pipe, the forked-child-write pipe and the message-to-parent pipe
// (spec §3, §6) — an eventfd, and launches the seed child with LD_PRELOAD
// pointed at the shim (spec §4.4 steps 3-6, §6 "Shim activation").
//
// Go cannot fork the running seed process mid-flight the way the original
// runtime does (spec §4.3's actual fork() happens inside the shim, once
// it is already running as the preloaded solver), so the three post-fork
// pipe pairs are created here and handed to the seed child at exec time
// via ExtraFiles; the shim later dup2()s the relevant ends onto the
// freshly forked child's stdin/stdout using the fd numbers carried in the
// HEADER block rather than anything hardcoded.
func (s *Solver) forkAndExec(shimPath string) error {
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("eventfd: %w", err)
	}
	s.eventfd = efd

	bodyRead, bodyWrite, err := os.Pipe()
	if err != nil {
		return err
	}
	reportRead, reportWrite, err := os.Pipe()
	if err != nil {
		bodyRead.Close()
		bodyWrite.Close()
		return err
	}
	childReadRead, childReadWrite, err := os.Pipe()
	if err != nil {
		bodyRead.Close()
		bodyWrite.Close()
		reportRead.Close()
		reportWrite.Close()
		return err
	}
	childWriteRead, childWriteWrite, err := os.Pipe()
	if err != nil {
		bodyRead.Close()
		bodyWrite.Close()
		reportRead.Close()
		reportWrite.Close()
		childReadRead.Close()
		childReadWrite.Close()
		return err
	}

	cmd := exec.Command(s.cfg.Path, s.cfg.Argv...)
	cmd.Env = append(append([]string{}, s.cfg.Envp...), "LD_PRELOAD="+shimPath)
	cmd.Stdin = bodyRead
	// ExtraFiles assigns deterministic fds starting at 3, matching the
	// numbering the HEADER block communicates to the shim (spec §6):
	// fd 3 is the message-to-parent pipe's write end, fd 4 is the
	// forked-child-read pipe's read end (the new stdin for the FORKed
	// child), fd 5 is the forked-child-write pipe's write end (the new
	// stdout for the FORKed child).
	cmd.ExtraFiles = []*os.File{reportWrite, childReadRead, childWriteWrite}

	if err := cmd.Start(); err != nil {
		bodyRead.Close()
		bodyWrite.Close()
		reportRead.Close()
		reportWrite.Close()
		childReadRead.Close()
		childReadWrite.Close()
		childWriteRead.Close()
		childWriteWrite.Close()
		return err
	}

	// The child-side ends were dup'd into the child's fd table; the
	// driver has no further use for its own copies.
	bodyRead.Close()
	reportWrite.Close()
	childReadRead.Close()
	childWriteWrite.Close()

	driverWrite, err := zerocopy.NewWriter(int(bodyWrite.Fd()))
	if err != nil {
		return fmt.Errorf("quapi: open driver write pipe: %w", err)
	}
	s.driverWrite = driverWrite
	s.driverWriteRaw = bodyWrite

	s.reportReadRaw = reportRead
	s.reportRead = bufio.NewReader(reportRead)

	s.solverChildWriteRaw = childReadWrite

	if err := unix.SetNonblock(int(childWriteRead.Fd()), true); err != nil {
		return fmt.Errorf("quapi: set solver-child stdout nonblocking: %w", err)
	}
	s.solverChildStdoutRaw = childWriteRead

	s.seed = cmd
	return nil
}

// writeHeader sends HEADER with the trailing block's three pipe-fd pairs
// (spec §6): the forked-child-read pipe (read end valid in the child as
// fd 4), the forked-child-write pipe (write end valid in the child as
// fd 5), and the message-to-parent pipe (write end valid in the child as
// fd 3). The sibling slot of each pair is the driver-side fd, recorded
// for wire completeness even though the child never sees it.
func (s *Solver) writeHeader() error {
	hd := &message.HeaderData{
		Literals:       s.cfg.Literals,
		Clauses:        s.cfg.Clauses,
		PrefixDepth:    s.cfg.PrefixDepth,
		ChildReadPipe:  [2]int32{4, int32(s.solverChildWriteRaw.Fd())},
		ChildWritePipe: [2]int32{int32(s.solverChildStdoutRaw.Fd()), 5},
		ReportPipe:     [2]int32{int32(s.reportReadRaw.Fd()), 3},
	}
	return message.WriteMsg(s.driverWrite, message.Msg{Type: message.Header, Payload: message.APIVersion}, hd)
}

func (s *Solver) expectStarted() error {
	msg, _, err := message.ReadMsg(s.reportRead)
	if err != nil {
		return err
	}
	if msg.Type != message.Started {
		return fmt.Errorf("quapi: expected STARTED, got %v", msg.Type)
	}
	return nil
}

// Quantify sends one quantifier literal (spec §4.4 "quantify"). State must
// be Input. A universal literal (negative) inside the prefix window (among
// the first PrefixDepth quantifier literals, which assumptions can bind)
// is silently flipped to existential; universals past the window are sent
// unchanged.
func (s *Solver) Quantify(lit int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Input {
		return message.InvalidSolverStateError
	}
	send := lit
	if lit < 0 && s.writtenQuantifierLiterals < s.cfg.PrefixDepth {
		s.universalPrefixDepth = s.writtenQuantifierLiterals
		send = -lit
	}
	if lit != 0 {
		s.writtenQuantifierLiterals++
	}
	return message.WriteMsg(s.driverWrite, message.Msg{Type: message.Quantifier, Payload: send}, nil)
}

// Add sends one matrix literal (spec §4.4 "add"). Any literal moves the
// state from Input to InputLiterals; `0` also increments written_clauses.
func (s *Solver) Add(lit int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Input && s.state != InputLiterals {
		return message.InvalidSolverStateError
	}
	s.state = InputLiterals
	if err := message.WriteMsg(s.driverWrite, message.Msg{Type: message.Literal, Payload: lit}, nil); err != nil {
		return err
	}
	if lit == 0 {
		s.writtenClauses++
	}
	return nil
}

// makeSolvable implements spec §4.4 "make_solvable": transitions to
// InputAssumptions, sends FORK, and reads FORK_REPORT off the report pipe,
// storing the new solver-child pid. wait_for_exit_code_and_report is true
// iff no SAT/UNSAT regex is configured (§4.4.1's exit-code-vs-regex
// arbitration).
func (s *Solver) makeSolvable() error {
	if s.state != Input && s.state != InputLiterals {
		return nil
	}
	s.state = InputAssumptions

	waitForExit := int32(0)
	if s.satRE == nil {
		waitForExit = 1
	}
	if err := message.WriteMsg(s.driverWrite, message.Msg{Type: message.Fork, Payload: waitForExit}, nil); err != nil {
		return err
	}

	for {
		msg, _, err := message.ReadMsg(s.reportRead)
		if err != nil {
			return err
		}
		if msg.Type == message.ForkReport {
			s.solverChildPID = int(msg.Payload)
			glog.V(1).Infof("quapi: solver child pid=%d", s.solverChildPID)
			return s.openSolverChildPipe()
		}
		glog.Warningf("quapi: unexpected %v while waiting for FORK_REPORT", msg.Type)
	}
}

// openSolverChildPipe wires up the solver-child-write pipe once the fork
// has been reported: the forked-child-read pipe's write end, already
// created in forkAndExec and handed to the child via its HEADER fd
// (spec §6), becomes live from the driver's point of view once the
// forked child has dup2'd its read end onto its new stdin (spec §4.3
// "Fork protocol").
func (s *Solver) openSolverChildPipe() error {
	if s.solverChildWrite != nil {
		return nil
	}
	w, err := zerocopy.NewWriter(int(s.solverChildWriteRaw.Fd()))
	if err != nil {
		return fmt.Errorf("quapi: open solver-child write pipe: %w", err)
	}
	s.solverChildWrite = w
	return nil
}

// Assume sends one assumption literal followed by its terminating 0 down
// the solver-child-write pipe (spec §4.4 "assume"). Returns false without
// writing if written_clauses would exceed C+prefixdepth.
func (s *Solver) Assume(lit int32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != InputLiterals && s.state != InputAssumptions {
		return false, message.InvalidSolverStateError
	}
	if lit == 0 {
		return true, nil
	}
	if s.writtenClauses >= s.cfg.Clauses {
		return false, nil
	}
	if err := s.makeSolvable(); err != nil {
		return false, err
	}
	if err := message.WriteMsg(s.solverChildWrite, message.Msg{Type: message.Literal, Payload: lit}, nil); err != nil {
		return false, err
	}
	if err := message.WriteMsg(s.solverChildWrite, message.Msg{Type: message.Literal, Payload: 0}, nil); err != nil {
		return false, err
	}
	s.writtenClauses++
	s.writtenAssumptions++
	return true, nil
}

func allowMissingUniversalAssumptions() bool {
	return os.Getenv("QUAPI_ALLOW_MISSING_UNIVERSAL_ASSUMPTIONS") != ""
}

// Solve sends SOLVE and runs the poll loop (spec §4.4 "solve", §4.4.1).
// On return the solver object rewinds to InputLiterals and its assumption
// counters reset, regardless of result.
func (s *Solver) Solve() (int, error) {
	s.mu.Lock()
	if s.writtenAssumptions < s.universalPrefixDepth && !allowMissingUniversalAssumptions() {
		s.mu.Unlock()
		return ExitUnknown, fmt.Errorf("quapi: universal prefix not fully assumed")
	}
	if err := s.makeSolvable(); err != nil {
		s.mu.Unlock()
		return ExitUnknown, err
	}
	if err := message.WriteMsg(s.solverChildWrite, message.Msg{Type: message.Solve}, nil); err != nil {
		s.mu.Unlock()
		return ExitUnknown, err
	}
	s.state = Working
	s.mu.Unlock()

	code, err := s.pollLoop()

	s.mu.Lock()
	s.state = InputLiterals
	s.writtenClauses -= s.writtenAssumptions
	s.writtenAssumptions = 0
	s.mu.Unlock()
	return code, err
}

// ResetAssumptions kills the solver child and rewinds to InputLiterals
// (spec §4.4 "reset_assumptions").
func (s *Solver) ResetAssumptions() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != InputAssumptions {
		return nil
	}
	if s.solverChildPID != 0 {
		unix.Kill(s.solverChildPID, unix.SIGKILL)
		var ws unix.WaitStatus
		unix.Wait4(s.solverChildPID, &ws, 0, nil)
	}
	s.state = InputLiterals
	s.writtenClauses -= s.writtenAssumptions
	s.writtenAssumptions = 0
	return nil
}

// Terminate signals the poll loop to abort (spec §4.4 "terminate"). Safe
// to call concurrently with Solve from another goroutine (spec §5).
func (s *Solver) Terminate() error {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(s.eventfd, one[:])
	return err
}

// Release tears down all pipes and the seed child (spec §4.4 "release").
func (s *Solver) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driverWrite != nil {
		s.driverWrite.Close()
	}
	if s.driverWriteRaw != nil {
		s.driverWriteRaw.Close()
	}
	if s.solverChildWrite != nil {
		s.solverChildWrite.Close()
	}
	if s.solverChildWriteRaw != nil {
		s.solverChildWriteRaw.Close()
	}
	if s.solverChildStdoutRaw != nil {
		s.solverChildStdoutRaw.Close()
	}
	if s.reportReadRaw != nil {
		s.reportReadRaw.Close()
	}
	if s.eventfd != 0 {
		unix.Close(s.eventfd)
	}
	if s.seed != nil {
		s.seed.Process.Kill()
		s.seed.Wait()
	}
	return nil
}

// State reports the solver object's current state.
func (s *Solver) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetStdoutCB installs (or clears, with nil) the stdout line callback
// used by the poll loop's result arbitration (spec §4.4.1).
func (s *Solver) SetStdoutCB(cb func(line string) int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.StdoutCB = cb
}
