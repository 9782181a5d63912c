// Package synth implements the shim's state machine: it converts the
// typed message stream from the driver into textually correct (Q)DIMACS,
// handling the assumption-as-unit-clause trick, filler-clause padding, and
// fork requests. Modeled as a tagged variant per spec §9 rather than the
// source's function pointers: State is an explicit enum, and Advance
// returns the next State plus any output bytes, instead of a function
// pointer to the next handler.
package synth

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/maximaximal/quapi-go/internal/message"
)

// State tags one node of the shim's transition table (spec §4.3).
type State int

const (
	WaitingForHeader State = iota
	ReadingPrefix
	ReadingExists
	ReadingForall
	ReadingClause
	ReadingMatrix
	Working
)

func (s State) String() string {
	switch s {
	case WaitingForHeader:
		return "WAITING_FOR_HEADER"
	case ReadingPrefix:
		return "READING_PREFIX"
	case ReadingExists:
		return "READING_EXISTS"
	case ReadingForall:
		return "READING_FORALL"
	case ReadingClause:
		return "READING_CLAUSE"
	case ReadingMatrix:
		return "READING_MATRIX"
	case Working:
		return "WORKING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sentinel outbuf-length values a driver of reads inside the shim uses to
// decide what to do next (spec §4.3): Request means "ask the driver for
// another message"; Closed means "stream closed, treat as EOF".
const (
	Request = -1
	Closed  = -2
)

// ForkRequest is returned by Advance when the matrix state machine hit a
// FORK message; the caller (internal/shimrt) is responsible for actually
// forking and reporting back, since that's a process-level operation this
// package has no business performing.
type ForkRequest struct{}

// Machine is the shim's per-process state machine instance. One Machine
// exists per shim runtime (spec §3: "Shim runtime... process-global").
type Machine struct {
	state State

	literals    int32
	declared    int32 // clauses, including reserved prefixdepth slots
	prefixDepth int32

	writtenClauses int32
	firstQuantSeen bool
	fillerClause   []byte

	out buffer

	// repeatState mirrors the source's repeat_state flag: LITERAL or SOLVE
	// observed in READING_PREFIX, or SOLVE as part of filler-clause padding
	// in READING_MATRIX, re-enters the handler for the new state
	// immediately instead of waiting for another message.
	repeatState bool
	pending     message.Msg
}

// NewMachine constructs a shim state machine starting in WaitingForHeader
// with the source's default filler clause ("-1 1 0\n"), overwritten once
// the first quantifier (or the header, for the zero-variable case) is
// seen.
func NewMachine() *Machine {
	m := &Machine{state: WaitingForHeader}
	m.fillerClause = []byte("-1 1 0\n")
	return m
}

func (m *Machine) State() State { return m.state }

// WrittenClauses reports how many full matrix clauses (body or filler)
// have been emitted so far.
func (m *Machine) WrittenClauses() int32 { return m.writtenClauses }

// Advance feeds one message into the machine and returns newly produced
// output bytes. Zero-length output with no error means "ask the driver
// for the next message" (Request semantics from spec §4.3); the caller
// should not spin without first obtaining a new Msg.
func (m *Machine) Advance(msg message.Msg, hd *message.HeaderData) ([]byte, *ForkRequest, error) {
	m.out.Reset()
	var fork *ForkRequest

	for {
		var next State
		var err error
		next, fork, err = m.step(msg, hd)
		if err != nil {
			return nil, nil, err
		}
		if m.state != next {
			glog.V(1).Infof("synth: %v -> %v (msg %v)", m.state, next, msg.Type)
		}
		m.state = next
		if !m.repeatState {
			break
		}
		m.repeatState = false
		msg = m.pending
	}
	return m.out.Bytes(), fork, nil
}

func (m *Machine) step(msg message.Msg, hd *message.HeaderData) (State, *ForkRequest, error) {
	if msg.Type == message.Header && m.state != WaitingForHeader {
		glog.Warningf("synth: HEADER in %v ignored", m.state)
		return m.state, nil, nil
	}
	switch m.state {
	case WaitingForHeader:
		return m.stepWaitingForHeader(msg, hd)
	case ReadingPrefix:
		return m.stepReadingPrefix(msg)
	case ReadingExists:
		return m.stepReadingQuantBlock(msg, "e", "a", ReadingExists, ReadingForall)
	case ReadingForall:
		return m.stepReadingQuantBlock(msg, "a", "e", ReadingForall, ReadingExists)
	case ReadingMatrix:
		return m.stepReadingMatrix(msg)
	case ReadingClause:
		return m.stepReadingClause(msg)
	case Working:
		return Working, nil, nil
	default:
		return m.state, nil, fmt.Errorf("synth: unknown state %v: protocol desync", m.state)
	}
}

func (m *Machine) stepWaitingForHeader(msg message.Msg, hd *message.HeaderData) (State, *ForkRequest, error) {
	if msg.Type != message.Header {
		return m.state, nil, fmt.Errorf("synth: expected HEADER, got %v", msg.Type)
	}
	if hd == nil {
		return m.state, nil, fmt.Errorf("synth: HEADER without trailing block")
	}
	if msg.Payload != message.APIVersion {
		glog.Warningf("synth: API version mismatch: host %d, shim %d", msg.Payload, message.APIVersion)
	}
	m.literals = hd.Literals
	m.declared = hd.Clauses
	m.prefixDepth = hd.PrefixDepth
	if m.literals == 0 {
		// Boundary behavior from spec §8: "Zero-variable formula: header
		// emits p cnf 0 C, filler becomes '0\n'."
		m.fillerClause = []byte("0\n")
	}
	m.out.WriteString("p cnf ")
	m.out.Write(appendInt(nil, int64(m.literals)))
	m.out.WriteByte(' ')
	m.out.Write(appendInt(nil, int64(m.declared)))
	m.out.WriteByte('\n')
	return ReadingPrefix, nil, nil
}

func (m *Machine) stepReadingPrefix(msg message.Msg) (State, *ForkRequest, error) {
	switch msg.Type {
	case message.Quantifier:
		lit := msg.Payload
		if lit > 0 {
			m.setFillerOnFirstQuant(lit)
			m.out.WriteString("e")
			m.out.WriteByte(' ')
			m.out.Write(appendInt(nil, int64(lit)))
			return ReadingExists, nil, nil
		}
		m.setFillerOnFirstQuant(-lit)
		m.out.WriteString("a")
		m.out.WriteByte(' ')
		m.out.Write(appendInt(nil, int64(-lit)))
		return ReadingForall, nil, nil
	case message.Literal:
		m.repeatState = true
		m.pending = msg
		return ReadingMatrix, nil, nil
	case message.Fork:
		return ReadingPrefix, &ForkRequest{}, nil
	case message.Solve:
		m.repeatState = true
		m.pending = msg
		return ReadingMatrix, nil, nil
	default:
		return m.state, nil, fmt.Errorf("synth: unexpected %v in %v", msg.Type, m.state)
	}
}

func (m *Machine) setFillerOnFirstQuant(absLit int32) {
	if m.firstQuantSeen {
		return
	}
	m.firstQuantSeen = true
	var b []byte
	b = appendInt(b, int64(absLit))
	b = append(b, ' ', '-')
	b = appendInt(b, int64(absLit))
	b = append(b, ' ', '0', '\n')
	m.fillerClause = b
}

// stepReadingQuantBlock implements both READING_EXISTS and READING_FORALL,
// which spec §4.3 describes as symmetric: word is this block's letter
// ("e"/"a"), otherWord is the opposite block's letter, same is this
// block's own next-state, other is the opposite block's next-state.
func (m *Machine) stepReadingQuantBlock(msg message.Msg, word, otherWord string, same, other State) (State, *ForkRequest, error) {
	switch msg.Type {
	case message.Quantifier:
		lit := msg.Payload
		if lit == 0 {
			m.out.WriteString(" 0\n")
			return ReadingPrefix, nil, nil
		}
		if lit > 0 == (word == "e") {
			// Same-block continuation.
			m.out.WriteByte(' ')
			m.out.Write(appendInt(nil, int64(absInt32(lit))))
			return same, nil, nil
		}
		// Block switch.
		m.out.WriteString(" 0\n")
		m.out.WriteString(otherWord)
		m.out.WriteByte(' ')
		m.out.Write(appendInt(nil, int64(absInt32(lit))))
		return other, nil, nil
	case message.Literal:
		m.out.WriteString(" 0\n")
		m.emitMatrixLiteral(msg.Payload)
		return ReadingClause, nil, nil
	default:
		return m.state, nil, fmt.Errorf("synth: unexpected %v in %v", msg.Type, m.state)
	}
}

func absInt32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func (m *Machine) emitMatrixLiteral(lit int32) {
	m.out.Write(appendInt(nil, int64(lit)))
}

func (m *Machine) stepReadingMatrix(msg message.Msg) (State, *ForkRequest, error) {
	switch msg.Type {
	case message.Literal:
		if msg.Payload == 0 {
			m.out.WriteString("0")
			return ReadingMatrix, nil, nil
		}
		m.emitMatrixLiteral(msg.Payload)
		return ReadingClause, nil, nil
	case message.Fork:
		return ReadingMatrix, &ForkRequest{}, nil
	case message.Solve:
		if m.writtenClauses < m.declared {
			m.out.Write(m.fillerClause)
			m.writtenClauses++
			m.repeatState = true
			m.pending = msg
			return ReadingMatrix, nil, nil
		}
		return Working, nil, nil
	default:
		return m.state, nil, fmt.Errorf("synth: unexpected %v in %v", msg.Type, m.state)
	}
}

func (m *Machine) stepReadingClause(msg message.Msg) (State, *ForkRequest, error) {
	switch msg.Type {
	case message.Literal:
		if msg.Payload == 0 {
			m.out.WriteString(" 0\n")
			m.writtenClauses++
			return ReadingMatrix, nil, nil
		}
		m.out.WriteByte(' ')
		m.emitMatrixLiteral(msg.Payload)
		return ReadingClause, nil, nil
	default:
		return m.state, nil, fmt.Errorf("synth: unexpected %v in %v", msg.Type, m.state)
	}
}
