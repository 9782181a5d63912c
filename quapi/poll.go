package quapi

import (
	"bytes"
	"fmt"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/maximaximal/quapi-go/internal/message"
)

// pollLoop implements spec §4.4.1: poll the report pipe, the eventfd, and
// (when a regex or callback is configured) the solver child's stdout, with
// no timeout, draining latched events before re-polling and restarting on
// EINTR.
func (s *Solver) pollLoop() (int, error) {
	reportFD := int(s.reportReadRaw.Fd())
	wantStdout := s.satRE != nil || s.cfg.StdoutCB != nil

	fds := []unix.PollFd{
		{Fd: int32(reportFD), Events: unix.POLLIN},
		{Fd: int32(s.eventfd), Events: unix.POLLIN},
	}
	var stdoutIdx = -1
	if wantStdout && s.solverChildStdoutRaw != nil {
		stdoutIdx = len(fds)
		fds = append(fds, unix.PollFd{Fd: int32(s.solverChildStdoutRaw.Fd()), Events: unix.POLLIN})
	}

	var lineBuf bytes.Buffer
	exitCodeSeenZero := false

	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			glog.Errorf("quapi: poll: %v", err)
			return ExitUnknown, nil
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			msg, _, err := message.ReadMsg(s.reportRead)
			if err != nil {
				return ExitUnknown, err
			}
			switch msg.Type {
			case message.ExitCode:
				if msg.Payload == 0 {
					exitCodeSeenZero = true
					if s.cfg.StdoutCB != nil {
						// Keep polling: a solver may exit 0 before its
						// final result line is flushed (spec §9 open
						// question, resolved in DESIGN.md).
						continue
					}
					return ExitUnknown, nil
				}
				return int(msg.Payload), nil
			case message.Destructed:
				if exitCodeSeenZero {
					return ExitUnknown, nil
				}
				return ExitUnknown, nil
			default:
				glog.Warningf("quapi: unexpected %v on report pipe during solve", msg.Type)
				return ExitUnknown, fmt.Errorf("quapi: protocol error: unexpected %v", msg.Type)
			}
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			if s.solverChildPID != 0 {
				unix.Kill(s.solverChildPID, unix.SIGKILL)
			}
			return ExitUnknown, nil
		}

		if stdoutIdx >= 0 && fds[stdoutIdx].Revents&unix.POLLIN != 0 {
			code, done, err := s.drainStdout(&lineBuf)
			if err != nil {
				return ExitUnknown, err
			}
			if done {
				return code, nil
			}
		}
	}
}

// drainStdout reads everything currently available from the solver
// child's stdout into buf, splits completed lines, and applies the SAT
// regex, UNSAT regex, then stdout callback in that order (spec §4.4.1
// item 3).
func (s *Solver) drainStdout(buf *bytes.Buffer) (int, bool, error) {
	var chunk [4096]byte
	for {
		n, err := s.solverChildStdoutRaw.Read(chunk[:])
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			break
		}
		if n < len(chunk) {
			break
		}
	}

	for {
		b := buf.Bytes()
		idx := bytes.IndexByte(b, '\n')
		if idx < 0 {
			break
		}
		line := string(b[:idx])
		buf.Next(idx + 1)

		if s.satRE != nil && s.satRE.MatchString(line) {
			return ExitSAT, true, nil
		}
		if s.unsatRE != nil && s.unsatRE.MatchString(line) {
			return ExitUNSAT, true, nil
		}
		if s.cfg.StdoutCB != nil {
			if rc := s.cfg.StdoutCB(line); rc != 0 {
				return rc, true, nil
			}
		}
	}
	return ExitUnknown, false, nil
}
