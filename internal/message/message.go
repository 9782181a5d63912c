// Package message implements the 5-byte wire protocol shared by the driver
// and the shim: a 4-byte little-endian payload followed by a 1-byte type
// tag, with an out-of-band trailing block on HEADER messages.
package message

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/glog"
)

// Type is the 1-byte tag of a wire record.
type Type byte

const (
	Undefined Type = iota
	Header
	Quantifier
	Literal
	Fork
	ForkReport
	Started
	Solve
	ExitCode
	Destructed
)

func (t Type) String() string {
	switch t {
	case Undefined:
		return "UNDEFINED"
	case Header:
		return "HEADER"
	case Quantifier:
		return "QUANTIFIER"
	case Literal:
		return "LITERAL"
	case Fork:
		return "FORK"
	case ForkReport:
		return "FORK_REPORT"
	case Started:
		return "STARTED"
	case Solve:
		return "SOLVE"
	case ExitCode:
		return "EXIT_CODE"
	case Destructed:
		return "DESTRUCTED"
	default:
		return fmt.Sprintf("Type(%d)", byte(t))
	}
}

// APIVersion is carried in a HEADER message's payload. A mismatch between
// host and shim is logged but does not abort the session (spec §3).
const APIVersion int32 = 3

// Msg is a single 5-byte wire record: a 4-byte payload plus its type tag.
// The payload's meaning depends on Type:
//   - Header:     API version of the sender.
//   - Quantifier: signed literal (positive existential, negative universal).
//   - Literal:    signed literal, 0 terminates a clause.
//   - ForkReport: child pid.
//   - ExitCode:   process exit code.
//   - Fork:       1 if the host asks for the solver child's exit code to
//     be reported (no SAT/UNSAT regex configured), else 0.
//   - Started, Solve, Destructed, Undefined: payload unused (0).
type Msg struct {
	Payload int32
	Type    Type
}

// HeaderData is the trailing block that follows a HEADER record on the
// wire: literal/clause/prefixdepth counts, then three pipe fd pairs
// (read end, write end) for the forked-child-read pipe, the
// forked-child-write pipe, and the message-to-parent pipe.
type HeaderData struct {
	Literals    int32
	Clauses     int32
	PrefixDepth int32

	// ChildReadPipe carries data from driver into the solver child's stdin.
	ChildReadPipe [2]int32
	// ChildWritePipe carries the solver child's stdout back to the driver.
	ChildWritePipe [2]int32
	// ReportPipe carries STARTED/FORK_REPORT/EXIT_CODE/DESTRUCTED to the driver.
	ReportPipe [2]int32
}

// Status is the closed error-kind set from spec §7. It implements error so
// callers can propagate it directly, and exposes Kind() for callers that
// need to branch on the specific failure.
type Status int

const (
	OK Status = iota
	WriteError
	AllocError
	ParameterError
	InvalidSolverStateError
	OtherError
)

func (s Status) Kind() Status { return s }

func (s Status) Error() string {
	switch s {
	case OK:
		return "ok"
	case WriteError:
		return "write error"
	case AllocError:
		return "allocation error"
	case ParameterError:
		return "parameter error"
	case InvalidSolverStateError:
		return "invalid solver state"
	case OtherError:
		return "other error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Sink is the minimal write side the codec needs. *bufio.Writer (the
// report pipe) and internal/zerocopy.Writer (the driver's two formula
// pipes, splice fast path or stdio fallback) both satisfy it as-is.
type Sink interface {
	Write([]byte) (int, error)
	Flush() error
}

// WriteMsg serializes msg (5 bytes), plus header's trailing block iff
// msg.Type == Header, and flushes w on HEADER/FORK/SOLVE/STARTED — the
// message types that must be observed promptly by the peer (spec §4.1,
// §5 "Ordering").
func WriteMsg(w Sink, msg Msg, header *HeaderData) error {
	var buf [5]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(msg.Payload))
	buf[4] = byte(msg.Type)
	if _, err := w.Write(buf[:]); err != nil {
		glog.Errorf("message: write record %v: %v", msg.Type, err)
		return WriteError
	}

	if msg.Type == Header {
		if header == nil {
			return ParameterError
		}
		if err := writeHeaderData(w, header); err != nil {
			glog.Errorf("message: write header block: %v", err)
			return WriteError
		}
	}

	switch msg.Type {
	case Header, Fork, Solve, Started:
		if err := w.Flush(); err != nil {
			glog.Errorf("message: flush after %v: %v", msg.Type, err)
			return WriteError
		}
	}
	return nil
}

func writeHeaderData(w Sink, h *HeaderData) error {
	// Three pad bytes align the trailing block after the 5-byte inner
	// record, per spec §6.
	if _, err := w.Write([]byte{0, 0, 0}); err != nil {
		return err
	}
	fields := []int32{
		h.Literals, h.Clauses, h.PrefixDepth,
		h.ChildReadPipe[0], h.ChildReadPipe[1],
		h.ChildWritePipe[0], h.ChildWritePipe[1],
		h.ReportPipe[0], h.ReportPipe[1],
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

// ReadMsg reads one wire record, plus its trailing block if the type is
// HEADER. An unknown type tag is a protocol desync and is fatal to the
// receiver per spec §4.1; ReadMsg itself just reports it as OtherError and
// lets the caller decide whether to terminate the process.
func ReadMsg(r *bufio.Reader) (Msg, *HeaderData, error) {
	var buf [5]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF {
			return Msg{}, nil, io.EOF
		}
		glog.Errorf("message: short read: %v", err)
		return Msg{}, nil, OtherError
	}
	msg := Msg{
		Payload: int32(binary.LittleEndian.Uint32(buf[0:4])),
		Type:    Type(buf[4]),
	}
	if msg.Type > Destructed {
		glog.Errorf("message: unknown type tag %d: protocol desync", buf[4])
		return msg, nil, OtherError
	}
	if msg.Type != Header {
		return msg, nil, nil
	}
	hd, err := readHeaderData(r)
	if err != nil {
		glog.Errorf("message: read header block: %v", err)
		return msg, nil, OtherError
	}
	return msg, hd, nil
}

func readHeaderData(r *bufio.Reader) (*HeaderData, error) {
	var pad [3]byte
	if _, err := io.ReadFull(r, pad[:]); err != nil {
		return nil, err
	}
	var vals [9]int32
	for i := range vals {
		if err := binary.Read(r, binary.LittleEndian, &vals[i]); err != nil {
			return nil, err
		}
	}
	return &HeaderData{
		Literals:       vals[0],
		Clauses:        vals[1],
		PrefixDepth:    vals[2],
		ChildReadPipe:  [2]int32{vals[3], vals[4]},
		ChildWritePipe: [2]int32{vals[5], vals[6]},
		ReportPipe:     [2]int32{vals[7], vals[8]},
	}, nil
}
