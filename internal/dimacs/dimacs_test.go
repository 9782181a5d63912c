package dimacs

import (
	"strings"
	"testing"
)

func TestParseQDIMACS(t *testing.T) {
	src := `c a comment
p cnf 2 1
e 1 0
a 2 0
1 2 0
`
	f, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if f.Literals != 2 || f.Clauses != 1 {
		t.Errorf("dims = %d/%d", f.Literals, f.Clauses)
	}
	if len(f.Prefix) != 2 || !f.Prefix[0].Existential || f.Prefix[1].Existential {
		t.Errorf("prefix = %+v", f.Prefix)
	}
	if len(f.Matrix) != 1 || len(f.Matrix[0]) != 2 {
		t.Errorf("matrix = %+v", f.Matrix)
	}
}

func TestParseMissingProblemLine(t *testing.T) {
	_, err := Parse(strings.NewReader("1 2 0\n"))
	if err == nil {
		t.Fatal("expected error")
	}
}
