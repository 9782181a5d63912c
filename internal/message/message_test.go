package message

import (
	"bufio"
	"bytes"
	"io"
	"testing"
)

// round-trips every message type over a pipe-like buffer, per spec §8:
// "write_msg then read_msg over a pipe round-trips every message type
// exactly."
func TestRoundTripAllTypes(t *testing.T) {
	types := []Type{
		Undefined, Quantifier, Literal, Fork, ForkReport,
		Started, Solve, ExitCode, Destructed,
	}
	for _, typ := range types {
		var buf bytes.Buffer
		w := bufio.NewWriter(&buf)
		want := Msg{Payload: 42, Type: typ}
		if err := WriteMsg(w, want, nil); err != nil {
			t.Fatalf("WriteMsg(%v): %v", typ, err)
		}
		w.Flush()

		got, hd, err := ReadMsg(bufio.NewReader(&buf))
		if err != nil {
			t.Fatalf("ReadMsg(%v): %v", typ, err)
		}
		if got != want {
			t.Errorf("round-trip %v: got %+v, want %+v", typ, got, want)
		}
		if hd != nil {
			t.Errorf("round-trip %v: unexpected header block", typ)
		}
	}
}

func TestRoundTripHeader(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	want := &HeaderData{
		Literals: 3, Clauses: 2, PrefixDepth: 1,
		ChildReadPipe:  [2]int32{3, 4},
		ChildWritePipe: [2]int32{5, 6},
		ReportPipe:     [2]int32{7, 8},
	}
	if err := WriteMsg(w, Msg{Payload: APIVersion, Type: Header}, want); err != nil {
		t.Fatalf("WriteMsg(Header): %v", err)
	}

	got, hd, err := ReadMsg(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadMsg(Header): %v", err)
	}
	if got.Type != Header || got.Payload != APIVersion {
		t.Errorf("got %+v", got)
	}
	if hd == nil || *hd != *want {
		t.Errorf("header block: got %+v, want %+v", hd, want)
	}
}

func TestReadMsgUnknownTypeIsFatal(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0, 250})
	_, _, err := ReadMsg(bufio.NewReader(buf))
	if err != OtherError {
		t.Errorf("unknown type: got %v, want OtherError", err)
	}
}

func TestReadMsgEOF(t *testing.T) {
	_, _, err := ReadMsg(bufio.NewReader(bytes.NewReader(nil)))
	if err != io.EOF {
		t.Errorf("empty reader: got %v, want io.EOF", err)
	}
}

func TestWriteMsgHeaderRequiresData(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := WriteMsg(w, Msg{Type: Header}, nil); err != ParameterError {
		t.Errorf("got %v, want ParameterError", err)
	}
}
