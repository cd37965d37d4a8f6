package lane

import (
	"strings"
	"testing"
)

func TestParseSATResult(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   string
	}{
		{name: "satisfiable", stdout: "c cadical\ns SATISFIABLE\nv 1 -2 0\n", want: ResultSAT},
		{name: "unsatisfiable", stdout: "c cadical\ns UNSATISFIABLE\n", want: ResultUNSAT},
		{name: "explicit_unknown", stdout: "s UNKNOWN\n", want: ResultUnknown},
		{name: "no_status", stdout: "placeholder stdout\n", want: ResultUnknown},
		{name: "last_status_wins", stdout: "s UNKNOWN\ns SATISFIABLE\n", want: ResultSAT},
		{name: "empty", stdout: "", want: ResultUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ParseSATResult([]byte(tc.stdout)); got != tc.want {
				t.Fatalf("ParseSATResult(%q) = %s, want %s", tc.stdout, got, tc.want)
			}
		})
	}
}

func TestCheckerVerified(t *testing.T) {
	if !CheckerVerified([]byte("c parsing proof\ns VERIFIED\n")) {
		t.Fatal("expected verified output")
	}
	if CheckerVerified([]byte("s NOT VERIFIED\n")) {
		t.Fatal("expected not verified output to be rejected")
	}
	if CheckerVerified([]byte("s VERIFIED\ns NOT VERIFIED\n")) {
		t.Fatal("expected any failing status to reject")
	}
	if CheckerVerified(nil) {
		t.Fatal("expected empty output to be rejected")
	}
}

func TestSupported(t *testing.T) {
	if !Supported("sat") || !Supported(" SAT ") {
		t.Fatal("expected sat lane support")
	}
	if Supported("maxsat") {
		t.Fatal("unexpected maxsat support")
	}
}

func TestNormalizeResult(t *testing.T) {
	for input, want := range map[string]string{
		"SAT":     ResultSAT,
		" unsat ": ResultUNSAT,
		"":        ResultUnknown,
		"maybe":   ResultUnknown,
	} {
		if got := NormalizeResult(input); got != want {
			t.Fatalf("NormalizeResult(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestReadSATResultRejectsOverlongLine(t *testing.T) {
	line := strings.Repeat("v 1 ", 3*1024*1024)
	if _, err := ReadSATResult(strings.NewReader("s SATISFIABLE\n" + line + "\n")); err == nil {
		t.Fatal("expected an error for an overlong line")
	}
	if got, err := ReadSATResult(strings.NewReader("c x\ns UNSATISFIABLE\n")); err != nil || got != ResultUNSAT {
		t.Fatalf("ReadSATResult = %s, %v", got, err)
	}
}
