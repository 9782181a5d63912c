package synth

import (
	"testing"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/maximaximal/quapi-go/internal/message"
)

func diffOrFail(t *testing.T, got, want string) {
	t.Helper()
	if got == want {
		return
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(got, want, true)
	diffs = dmp.DiffCleanupSemantic(diffs)
	t.Errorf("synthesized text mismatch:\n%s", dmp.DiffPrettyText(diffs))
}

// scenario 1 from spec §8: L=2, C=1, prefixdepth=1, prefix ∃1 ∀2,
// matrix "1 2 0", assume -1.
func TestScenario1(t *testing.T) {
	m := NewMachine()
	var out []byte

	feed := func(msg message.Msg, hd *message.HeaderData) {
		b, _, err := m.Advance(msg, hd)
		if err != nil {
			t.Fatalf("Advance(%v): %v", msg.Type, err)
		}
		out = append(out, b...)
	}

	feed(message.Msg{Type: message.Header, Payload: message.APIVersion}, &message.HeaderData{
		Literals: 2, Clauses: 2, PrefixDepth: 1,
	})
	feed(message.Msg{Type: message.Quantifier, Payload: 1}, nil)
	feed(message.Msg{Type: message.Quantifier, Payload: 0}, nil)
	feed(message.Msg{Type: message.Quantifier, Payload: -2}, nil)
	feed(message.Msg{Type: message.Quantifier, Payload: 0}, nil)
	feed(message.Msg{Type: message.Literal, Payload: 1}, nil)
	feed(message.Msg{Type: message.Literal, Payload: 2}, nil)
	feed(message.Msg{Type: message.Literal, Payload: 0}, nil)
	// FORK then assumption literal -1, then SOLVE.
	feed(message.Msg{Type: message.Fork}, nil)
	feed(message.Msg{Type: message.Literal, Payload: -1}, nil)
	feed(message.Msg{Type: message.Literal, Payload: 0}, nil)
	feed(message.Msg{Type: message.Solve}, nil)

	want := "p cnf 2 2\ne 1 0\na 2 0\n1 2 0\n-1 0\n"
	diffOrFail(t, string(out), want)
}

// scenario 2 from spec §8: L=3, C=1, prefixdepth=1, ∃1 ∃2, matrix
// "1 2 3 0", assume 1.
func TestScenario2(t *testing.T) {
	m := NewMachine()
	var out []byte
	feed := func(msg message.Msg, hd *message.HeaderData) {
		b, _, err := m.Advance(msg, hd)
		if err != nil {
			t.Fatalf("Advance(%v): %v", msg.Type, err)
		}
		out = append(out, b...)
	}

	feed(message.Msg{Type: message.Header}, &message.HeaderData{Literals: 3, Clauses: 2, PrefixDepth: 1})
	feed(message.Msg{Type: message.Quantifier, Payload: 1}, nil)
	feed(message.Msg{Type: message.Quantifier, Payload: 2}, nil)
	feed(message.Msg{Type: message.Quantifier, Payload: 0}, nil)
	feed(message.Msg{Type: message.Literal, Payload: 1}, nil)
	feed(message.Msg{Type: message.Literal, Payload: 2}, nil)
	feed(message.Msg{Type: message.Literal, Payload: 3}, nil)
	feed(message.Msg{Type: message.Literal, Payload: 0}, nil)
	feed(message.Msg{Type: message.Fork}, nil)
	feed(message.Msg{Type: message.Literal, Payload: 1}, nil)
	feed(message.Msg{Type: message.Literal, Payload: 0}, nil)
	feed(message.Msg{Type: message.Solve}, nil)

	want := "p cnf 3 2\ne 1 2 0\n1 2 3 0\n1 0\n"
	diffOrFail(t, string(out), want)
}

// scenario 4 from spec §8: same as scenario 2's formula but prefixdepth=2
// and only one assumption supplied — expect one filler clause "1 -1 0".
func TestScenario4FillerClause(t *testing.T) {
	m := NewMachine()
	var out []byte
	feed := func(msg message.Msg, hd *message.HeaderData) {
		b, _, err := m.Advance(msg, hd)
		if err != nil {
			t.Fatalf("Advance(%v): %v", msg.Type, err)
		}
		out = append(out, b...)
	}

	feed(message.Msg{Type: message.Header}, &message.HeaderData{Literals: 3, Clauses: 3, PrefixDepth: 2})
	feed(message.Msg{Type: message.Quantifier, Payload: 1}, nil)
	feed(message.Msg{Type: message.Quantifier, Payload: 2}, nil)
	feed(message.Msg{Type: message.Quantifier, Payload: 0}, nil)
	feed(message.Msg{Type: message.Literal, Payload: 1}, nil)
	feed(message.Msg{Type: message.Literal, Payload: 2}, nil)
	feed(message.Msg{Type: message.Literal, Payload: 3}, nil)
	feed(message.Msg{Type: message.Literal, Payload: 0}, nil)
	feed(message.Msg{Type: message.Fork}, nil)
	feed(message.Msg{Type: message.Literal, Payload: 1}, nil)
	feed(message.Msg{Type: message.Literal, Payload: 0}, nil)
	feed(message.Msg{Type: message.Solve}, nil)

	want := "p cnf 3 3\ne 1 2 0\n1 2 3 0\n1 0\n1 -1 0\n"
	diffOrFail(t, string(out), want)
	if m.State() != Working {
		t.Errorf("state = %v, want Working", m.State())
	}
}

func TestZeroVariableFormulaFiller(t *testing.T) {
	m := NewMachine()
	b, _, err := m.Advance(message.Msg{Type: message.Header}, &message.HeaderData{Literals: 0, Clauses: 1})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "p cnf 0 1\n" {
		t.Errorf("header line = %q", b)
	}
	if string(m.fillerClause) != "0\n" {
		t.Errorf("filler clause = %q, want %q", m.fillerClause, "0\n")
	}
}

func TestUnknownStateIsFatal(t *testing.T) {
	m := NewMachine()
	m.state = State(99)
	_, _, err := m.Advance(message.Msg{Type: message.Literal}, nil)
	if err == nil {
		t.Fatal("expected error for unknown state")
	}
}
