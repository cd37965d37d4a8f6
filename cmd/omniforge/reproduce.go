package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	coreerrors "github.com/DustinTheismann/omniforge/core/errors"
	"github.com/DustinTheismann/omniforge/core/reproduce"
)

type reproduceOutput struct {
	OK            bool             `json:"ok"`
	RunID         string           `json:"run_id,omitempty"`
	Mode          string           `json:"mode,omitempty"`
	ReplayID      string           `json:"replay_id,omitempty"`
	ReplayDir     string           `json:"replay_dir,omitempty"`
	Diffs         []reproduce.Diff `json:"diffs,omitempty"`
	ExecutorError string           `json:"executor_error,omitempty"`
	errorFields
}

const (
	reproduceModeReplay = "replay"
	reproduceModeVerify = "verify_only"
)

func runReproduce(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Replay a stored run with its recorded executor config and compare the new evidence hashes with the sealed manifest. --verify-only re-hashes stored files without running anything.")
	}
	flagSet := flag.NewFlagSet("reproduce", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var envFlags environmentFlags
	var runID string
	var verifyOnly bool
	var jsonOutput bool
	var helpFlag bool

	envFlags.register(flagSet)
	flagSet.StringVar(&runID, "run-id", "", "run identifier")
	flagSet.BoolVar(&verifyOnly, "verify-only", false, "re-hash stored evidence without re-running")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeReproduceOutput(jsonOutput, reproduceOutput{errorFields: errorFieldsFor(err)}, exitInvalidInput)
	}
	if helpFlag {
		printReproduceUsage()
		return exitOK
	}
	runID = strings.TrimSpace(runID)
	if runID == "" && len(flagSet.Args()) == 1 {
		runID = strings.TrimSpace(flagSet.Args()[0])
	} else if len(flagSet.Args()) > 0 {
		return writeReproduceOutput(jsonOutput, reproduceOutput{errorFields: errorFields{Error: "unexpected positional arguments"}}, exitInvalidInput)
	}
	if runID == "" {
		err := coreerrors.New(coreerrors.CategoryInvalidInput, "run_id_required", "reproduce requires --run-id", "pass --run-id <id>")
		return writeReproduceOutput(jsonOutput, reproduceOutput{errorFields: errorFieldsFor(err)}, exitInvalidInput)
	}

	env, err := loadEnvironment(envFlags)
	if err != nil {
		return writeReproduceOutput(jsonOutput, reproduceOutput{RunID: runID, errorFields: errorFieldsFor(err)}, exitCodeForError(err, exitInvalidInput))
	}
	reproducer := env.reproducer()

	if verifyOnly {
		result, err := reproducer.VerifyStored(runID)
		if err != nil {
			output := reproduceOutput{RunID: runID, Mode: reproduceModeVerify, errorFields: errorFieldsFor(err)}
			return writeReproduceOutput(jsonOutput, output, reproduceErrorExit(err))
		}
		output := reproduceOutput{OK: result.OK, RunID: runID, Mode: reproduceModeVerify, Diffs: result.Failures}
		exitCode := exitOK
		if !result.OK {
			exitCode = exitReproductionMismatch
		}
		return writeReproduceOutput(jsonOutput, output, exitCode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	result, err := reproducer.Reproduce(ctx, runID)
	if err != nil {
		output := reproduceOutput{RunID: runID, Mode: reproduceModeReplay, errorFields: errorFieldsFor(err)}
		return writeReproduceOutput(jsonOutput, output, reproduceErrorExit(err))
	}
	output := reproduceOutput{
		OK:            result.Match,
		RunID:         runID,
		Mode:          reproduceModeReplay,
		ReplayID:      result.ReplayID,
		ReplayDir:     result.ReplayDir,
		Diffs:         result.Diffs,
		ExecutorError: result.ExecutorError,
	}
	exitCode := exitOK
	if !result.Match {
		exitCode = exitReproductionMismatch
	}
	return writeReproduceOutput(jsonOutput, output, exitCode)
}

// reproduceErrorExit reports a replay that could not run, or stored evidence
// that could not be hashed, as exit 1. Exit 2 is kept for diverged evidence.
func reproduceErrorExit(err error) int {
	return exitCodeForError(err, exitInternalFailure)
}

func writeReproduceOutput(jsonOutput bool, output reproduceOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Printf("reproduce error: %s\n", output.Error)
		return exitCode
	}
	switch {
	case output.Mode == reproduceModeVerify && output.OK:
		fmt.Println("OK: hashes verified")
	case output.Mode == reproduceModeVerify:
		fmt.Println("FAIL: hashes did not verify")
	case output.OK:
		fmt.Println("OK: reproduction matched")
	default:
		fmt.Println("FAIL: reproduction diverged")
	}
	fmt.Printf("run_id=%s\n", output.RunID)
	if output.ReplayID != "" {
		fmt.Printf("replay_id=%s\n", output.ReplayID)
		fmt.Printf("replay_dir=%s\n", output.ReplayDir)
	}
	if output.ExecutorError != "" {
		fmt.Printf("executor_error=%s\n", output.ExecutorError)
	}
	for _, diff := range output.Diffs {
		fmt.Printf("diff=%s\n", diff)
	}
	return exitCode
}

func printReproduceUsage() {
	fmt.Println("Usage:")
	fmt.Println("  omniforge reproduce --run-id <id> [--verify-only] [--config <path>] [--artifacts <dir>] [--json] [--verbose] [--explain]")
}
