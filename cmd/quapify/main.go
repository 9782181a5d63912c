// Command quapify is the CLI front-end for the quapi driver: it parses a
// (Q)DIMACS formula, feeds it to a solver binary via quapi, optionally
// supplies assumption literals from the command line, and prints the
// result. Flag-based configuration mirrors google-kati's cmd/kati/main.go
// (package-level flag vars, flag.Parse(), then dispatch); the -a/-p/-s/-r/
// -u flags supplement the spec's "CLI tool is out of scope" distillation
// with the shape of original_source/quapify/src/quapify.c's parse_cli.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang/glog"

	"github.com/maximaximal/quapi-go/internal/dimacs"
	"github.com/maximaximal/quapi-go/quapi"
)

var (
	assumptionsFlag   assumptionList
	printAssumptions  = flag.Bool("p", false, "print assumptions before solving")
	strictness        = flag.String("s", "strict", "overflow strictness: strict|lenient")
	satRegexFlag      = flag.String("r", "", "SAT regex for result arbitration")
	unsatRegexFlag    = flag.String("u", "", "UNSAT regex for result arbitration")
	inputFlag         = flag.String("i", "-", "input (Q)DIMACS file, - for stdin")
	prefixDepthFlag   = flag.Int("prefixdepth", 0, "maximum assumption literals per solve")
)

// assumptionList implements flag.Value for -a, accumulating every literal
// it's given (quapify.c's parse_cli consumed a run of integers per -a).
type assumptionList struct{ lits []int32 }

func (a *assumptionList) String() string {
	return fmt.Sprint(a.lits)
}

func (a *assumptionList) Set(s string) error {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return fmt.Errorf("-a: %w", err)
	}
	a.lits = append(a.lits, int32(v))
	return nil
}

func init() {
	flag.Var(&assumptionsFlag, "a", "assumption literal (repeatable)")
}

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: quapify [flags] <solver> [solver-args...]")
		return 1
	}

	var in *os.File
	if *inputFlag == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(*inputFlag)
		if err != nil {
			glog.Errorf("quapify: %v", err)
			return 1
		}
		defer f.Close()
		in = f
	}

	formula, err := dimacs.Parse(in)
	if err != nil {
		glog.Errorf("quapify: parse: %v", err)
		return 1
	}

	prefixDepth := int32(*prefixDepthFlag)
	if len(assumptionsFlag.lits) > prefixDepth {
		switch *strictness {
		case "lenient":
			glog.Warningf("quapify: %d assumptions exceed prefixdepth %d, truncating",
				len(assumptionsFlag.lits), prefixDepth)
			assumptionsFlag.lits = assumptionsFlag.lits[:prefixDepth]
		default:
			fmt.Fprintf(os.Stderr, "quapify: %d assumptions exceed prefixdepth %d\n",
				len(assumptionsFlag.lits), prefixDepth)
			return 1
		}
	}

	if *printAssumptions {
		fmt.Println("assumptions:", assumptionsFlag.lits)
	}

	cfg := quapi.Config{
		Path:        args[0],
		Argv:        args[1:],
		Envp:        os.Environ(),
		Literals:    formula.Literals,
		Clauses:     formula.Clauses,
		PrefixDepth: prefixDepth,
		SATRegex:    *satRegexFlag,
		UNSATRegex:  *unsatRegexFlag,
	}

	solver, err := quapi.Init(cfg)
	if err != nil || solver == nil {
		glog.Errorf("quapify: init: %v", err)
		return 1
	}
	defer solver.Release()

	for _, block := range formula.Prefix {
		for _, v := range block.Vars {
			lit := v
			if !block.Existential {
				lit = -v
			}
			if err := solver.Quantify(lit); err != nil {
				glog.Errorf("quapify: quantify: %v", err)
				return 1
			}
		}
		if err := solver.Quantify(0); err != nil {
			glog.Errorf("quapify: quantify: %v", err)
			return 1
		}
	}

	for _, clause := range formula.Matrix {
		for _, lit := range clause {
			if err := solver.Add(lit); err != nil {
				glog.Errorf("quapify: add: %v", err)
				return 1
			}
		}
		if err := solver.Add(0); err != nil {
			glog.Errorf("quapify: add: %v", err)
			return 1
		}
	}

	for _, lit := range assumptionsFlag.lits {
		if ok, err := solver.Assume(lit); err != nil || !ok {
			glog.Errorf("quapify: assume(%d) failed: ok=%v err=%v", lit, ok, err)
			return 1
		}
	}

	code, err := solver.Solve()
	if err != nil {
		glog.Errorf("quapify: solve: %v", err)
		return 1
	}
	fmt.Println("result:", code)
	return 0
}
