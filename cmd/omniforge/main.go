package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

const (
	exitOK                   = 0
	exitInternalFailure      = 1
	exitReproductionMismatch = 2
	exitRejected             = 3
	exitInvalidInput         = 6
)

func main() {
	os.Exit(run(os.Args))
}

func run(arguments []string) int {
	return runDispatch(arguments)
}

func runDispatch(arguments []string) int {
	if len(arguments) < 2 {
		fmt.Println("omniforge", version)
		return exitOK
	}
	if arguments[1] == "--explain" {
		return writeExplain("OmniForge runs candidate solvers under contract limits, seals their output into hashed run bundles, and rejects any claim whose evidence is missing or invalid.")
	}

	switch arguments[1] {
	case "demo":
		return runDemo(arguments[2:])
	case "run":
		return runEvaluate(arguments[2:])
	case "verify":
		return runVerify(arguments[2:])
	case "reproduce":
		return runReproduce(arguments[2:])
	case "validate-contracts":
		return runValidateContracts(arguments[2:])
	case "keys":
		return runKeys(arguments[2:])
	case "doctor":
		return runDoctor(arguments[2:])
	case "version", "--version", "-v":
		if hasExplainFlag(arguments[2:]) {
			return writeExplain("Print the CLI version.")
		}
		fmt.Println("omniforge", version)
		return exitOK
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	default:
		printUsage()
		return exitInvalidInput
	}
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  omniforge demo [--json] [--verbose]")
	fmt.Println("  omniforge run [--contract <file>] [--run-id <id>] [--case <case_id>] [--config <path>] [--artifacts <dir>] [--json] [--verbose]")
	fmt.Println("  omniforge verify --run-id <id> [--config <path>] [--artifacts <dir>] [--json]")
	fmt.Println("  omniforge reproduce --run-id <id> [--verify-only] [--config <path>] [--artifacts <dir>] [--json]")
	fmt.Println("  omniforge validate-contracts [--schemas <dir>] [--contract <file>] [--json]")
	fmt.Println("  omniforge keys init [--out-dir <dir>] [--json]")
	fmt.Println("  omniforge doctor [--workdir <path>] [--config <path>] [--json]")
	fmt.Println("  omniforge version")
}

func hasExplainFlag(arguments []string) bool {
	for _, argument := range arguments {
		if strings.TrimSpace(argument) == "--explain" {
			return true
		}
	}
	return false
}

func writeExplain(text string) int {
	fmt.Println(text)
	return exitOK
}

// newLogger writes debug logs to stderr when --verbose or OMNIFORGE_LOG=debug
// is set and discards them otherwise.
func newLogger(verbose bool) *slog.Logger {
	if !verbose && !strings.EqualFold(strings.TrimSpace(os.Getenv("OMNIFORGE_LOG")), "debug") {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
