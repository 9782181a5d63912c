// Package dimacs implements a minimal (Q)DIMACS text front-end for
// cmd/quapify. The core driver/shim fabric is agnostic to where its
// literals come from (spec §1 calls the file reader "out of scope" for
// the hard core); this package exists only to make the CLI usable
// standalone, grounded structurally on google-kati's hand-rolled,
// no-third-party-library scanner style (parser.go/expr.go), since no pack
// repo parses a whitespace/line token grammar via a library.
package dimacs

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// QuantifierBlock is one alternating prefix block: Existential is false
// for a universal ("a") block.
type QuantifierBlock struct {
	Existential bool
	Vars        []int32
}

// Formula is a parsed (Q)DIMACS document.
type Formula struct {
	Literals int32
	Clauses  int32
	Prefix   []QuantifierBlock
	Matrix   [][]int32
}

// Parse reads a (Q)DIMACS document: comment lines ('c'), one problem line
// ('p cnf L C'), optional prefix lines ('e'/'a' ... '0'), then clause
// lines of space-separated literals terminated by a literal 0.
func Parse(r io.Reader) (*Formula, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	f := &Formula{}
	sawProblem := false

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "c") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "p":
			if len(fields) != 4 || (fields[1] != "cnf") {
				return nil, fmt.Errorf("dimacs: malformed problem line %q", line)
			}
			l, err := strconv.ParseInt(fields[2], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("dimacs: literal count: %w", err)
			}
			c, err := strconv.ParseInt(fields[3], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("dimacs: clause count: %w", err)
			}
			f.Literals, f.Clauses = int32(l), int32(c)
			sawProblem = true
		case "e", "a":
			if !sawProblem {
				return nil, fmt.Errorf("dimacs: prefix line before problem line")
			}
			block := QuantifierBlock{Existential: fields[0] == "e"}
			vars, err := parseLiteralLine(fields[1:])
			if err != nil {
				return nil, err
			}
			block.Vars = vars
			f.Prefix = append(f.Prefix, block)
		default:
			if !sawProblem {
				return nil, fmt.Errorf("dimacs: clause line before problem line")
			}
			lits, err := parseLiteralLine(fields)
			if err != nil {
				return nil, err
			}
			f.Matrix = append(f.Matrix, lits)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !sawProblem {
		return nil, fmt.Errorf("dimacs: missing problem line")
	}
	return f, nil
}

// parseLiteralLine parses a run of decimal integers ending in (and
// excluding) a trailing 0 terminator.
func parseLiteralLine(fields []string) ([]int32, error) {
	var out []int32
	for _, tok := range fields {
		v, err := strconv.ParseInt(tok, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("dimacs: literal %q: %w", tok, err)
		}
		if v == 0 {
			return out, nil
		}
		out = append(out, int32(v))
	}
	return out, nil
}
