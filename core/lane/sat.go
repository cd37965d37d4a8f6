// Package lane interprets lane-specific solver output.
package lane

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

const SAT = "sat"

const (
	ResultSAT     = "SAT"
	ResultUNSAT   = "UNSAT"
	ResultUnknown = "UNKNOWN"
)

func Supported(name string) bool {
	return strings.TrimSpace(strings.ToLower(name)) == SAT
}

// NormalizeResult maps anything other than SAT or UNSAT to UNKNOWN.
func NormalizeResult(result string) string {
	switch strings.ToUpper(strings.TrimSpace(result)) {
	case ResultSAT:
		return ResultSAT
	case ResultUNSAT:
		return ResultUNSAT
	default:
		return ResultUnknown
	}
}

// ParseSATResult reads the DIMACS status line ("s SATISFIABLE" and friends)
// from solver stdout. The last status line wins. No status line is UNKNOWN.
func ParseSATResult(stdout []byte) string {
	result, err := ReadSATResult(bytes.NewReader(stdout))
	if err != nil {
		return ResultUnknown
	}
	return result
}

// ReadSATResult is ParseSATResult over a stream. Lines longer than 10 MiB are
// an error.
func ReadSATResult(stdout io.Reader) (string, error) {
	result := ResultUnknown
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "s ") {
			continue
		}
		switch strings.TrimSpace(strings.TrimPrefix(line, "s ")) {
		case "SATISFIABLE":
			result = ResultSAT
		case "UNSATISFIABLE":
			result = ResultUNSAT
		case "UNKNOWN":
			result = ResultUnknown
		}
	}
	if err := scanner.Err(); err != nil {
		return ResultUnknown, err
	}
	return result, nil
}

// CheckerVerified reports whether proof checker output (drat-trim, lrat-trim)
// contains an "s VERIFIED" status line.
func CheckerVerified(output []byte) bool {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	verified := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "s VERIFIED":
			verified = true
		case "s NOT VERIFIED":
			return false
		}
	}
	return verified
}
