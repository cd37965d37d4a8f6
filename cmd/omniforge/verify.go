package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	coreerrors "github.com/DustinTheismann/omniforge/core/errors"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
)

type verifyOutput struct {
	OK      bool             `json:"ok"`
	RunID   string           `json:"run_id,omitempty"`
	Verdict *foundry.Verdict `json:"verdict,omitempty"`
	errorFields
}

// runVerify recomputes the verdict of a stored run against the contract it
// was recorded with. Nothing is re-executed.
func runVerify(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Recompute the verdict for a stored run bundle: schema, digest, signatures, evidence hashes, resource limits and determinism.")
	}
	flagSet := flag.NewFlagSet("verify", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var envFlags environmentFlags
	var runID string
	var jsonOutput bool
	var helpFlag bool

	envFlags.register(flagSet)
	flagSet.StringVar(&runID, "run-id", "", "run identifier")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeVerifyOutput(jsonOutput, verifyOutput{errorFields: errorFieldsFor(err)}, exitInvalidInput)
	}
	if helpFlag {
		printVerifyUsage()
		return exitOK
	}
	runID = strings.TrimSpace(runID)
	if runID == "" && len(flagSet.Args()) == 1 {
		runID = strings.TrimSpace(flagSet.Args()[0])
	} else if len(flagSet.Args()) > 0 {
		return writeVerifyOutput(jsonOutput, verifyOutput{errorFields: errorFields{Error: "unexpected positional arguments"}}, exitInvalidInput)
	}
	if runID == "" {
		err := coreerrors.New(coreerrors.CategoryInvalidInput, "run_id_required", "verify requires --run-id", "pass --run-id <id>")
		return writeVerifyOutput(jsonOutput, verifyOutput{errorFields: errorFieldsFor(err)}, exitInvalidInput)
	}

	env, err := loadEnvironment(envFlags)
	if err != nil {
		return writeVerifyOutput(jsonOutput, verifyOutput{RunID: runID, errorFields: errorFieldsFor(err)}, exitCodeForError(err, exitInvalidInput))
	}
	eng, err := env.engine()
	if err != nil {
		return writeVerifyOutput(jsonOutput, verifyOutput{RunID: runID, errorFields: errorFieldsFor(err)}, exitCodeForError(err, exitInternalFailure))
	}
	outcome, err := eng.Verify(runID)
	if err != nil {
		return writeVerifyOutput(jsonOutput, verifyOutput{RunID: runID, errorFields: errorFieldsFor(err)}, exitCodeForError(err, exitInternalFailure))
	}
	verdict := outcome.Verdict
	exitCode := exitOK
	if !verdict.Accepted() {
		exitCode = exitRejected
	}
	return writeVerifyOutput(jsonOutput, verifyOutput{OK: verdict.Accepted(), RunID: runID, Verdict: &verdict}, exitCode)
}

func writeVerifyOutput(jsonOutput bool, output verifyOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Printf("verify error: %s\n", output.Error)
		return exitCode
	}
	if output.OK {
		fmt.Printf("verify ok: %s\n", output.RunID)
	} else {
		fmt.Printf("verify failed: %s\n", output.RunID)
	}
	if output.Verdict != nil {
		printVerdict(*output.Verdict)
	}
	return exitCode
}

func printVerifyUsage() {
	fmt.Println("Usage:")
	fmt.Println("  omniforge verify --run-id <id> [--config <path>] [--artifacts <dir>] [--schemas <dir>] [--require-signature] [--json] [--explain]")
}
