package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/DustinTheismann/omniforge/core/contract"
	"github.com/DustinTheismann/omniforge/core/engine"
	coreerrors "github.com/DustinTheismann/omniforge/core/errors"
	"github.com/DustinTheismann/omniforge/core/executor"
	"github.com/DustinTheismann/omniforge/core/runstore"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
)

type evaluateOutput struct {
	OK            bool             `json:"ok"`
	RunID         string           `json:"run_id,omitempty"`
	Status        string           `json:"status,omitempty"`
	BundleDir     string           `json:"bundle_dir,omitempty"`
	ManifestHash  string           `json:"manifest_digest,omitempty"`
	Verdict       *foundry.Verdict `json:"verdict,omitempty"`
	ExecutorError string           `json:"executor_error,omitempty"`
	errorFields
}

func runEvaluate(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Run one evaluation: execute the configured solver under the contract limits, seal its evidence into a hashed bundle, and print the verdict.")
	}
	flagSet := flag.NewFlagSet("run", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var envFlags environmentFlags
	var contractPath string
	var runID string
	var caseID string
	var jsonOutput bool
	var helpFlag bool

	envFlags.register(flagSet)
	flagSet.StringVar(&contractPath, "contract", "", "path to eval contract JSON (defaults to config contract.path)")
	flagSet.StringVar(&runID, "run-id", "", "run identifier (generated when empty)")
	flagSet.StringVar(&caseID, "case", "", "benchmark case id (defaults to the first case)")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeEvaluateOutput(jsonOutput, evaluateOutput{errorFields: errorFieldsFor(err)}, exitInvalidInput)
	}
	if helpFlag {
		printRunUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeEvaluateOutput(jsonOutput, evaluateOutput{errorFields: errorFields{Error: "unexpected positional arguments"}}, exitInvalidInput)
	}

	env, err := loadEnvironment(envFlags)
	if err != nil {
		return writeEvaluateOutput(jsonOutput, evaluateOutput{errorFields: errorFieldsFor(err)}, exitCodeForError(err, exitInvalidInput))
	}
	path := firstNonEmpty(contractPath, env.config.Contract.Path)
	if path == "" {
		err := coreerrors.New(coreerrors.CategoryInvalidInput, "contract_required", "no eval contract given", "pass --contract or set contract.path in the project config")
		return writeEvaluateOutput(jsonOutput, evaluateOutput{errorFields: errorFieldsFor(err)}, exitInvalidInput)
	}
	evalContract, err := contract.Load(env.registry, path)
	if err != nil {
		return writeEvaluateOutput(jsonOutput, evaluateOutput{errorFields: errorFieldsFor(err)}, exitCodeForError(err, exitInvalidInput))
	}

	return evaluate(env, engine.Request{
		RunID:    strings.TrimSpace(runID),
		Contract: evalContract,
		Executor: env.config.ExecutorConfig(),
		CaseID:   strings.TrimSpace(caseID),
	}, jsonOutput)
}

// evaluate runs req and maps the verdict to exit 0 (accepted) or 3 (rejected).
func evaluate(env environment, req engine.Request, jsonOutput bool) int {
	eng, err := env.engine()
	if err != nil {
		return writeEvaluateOutput(jsonOutput, evaluateOutput{errorFields: errorFieldsFor(err)}, exitCodeForError(err, exitInternalFailure))
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	outcome, err := eng.Evaluate(ctx, req)
	if err != nil {
		output := evaluateOutput{RunID: req.RunID, errorFields: errorFieldsFor(err)}
		return writeEvaluateOutput(jsonOutput, output, exitCodeForError(err, exitInternalFailure))
	}
	verdict := outcome.Verdict
	output := evaluateOutput{
		OK:            verdict.Accepted(),
		RunID:         outcome.Record.RunID,
		Status:        string(outcome.Record.Status),
		BundleDir:     runstore.RunDir(eng.Root(), outcome.Record.RunID),
		ManifestHash:  outcome.Manifest.ManifestDigest,
		Verdict:       &verdict,
		ExecutorError: outcome.ExecutorError,
	}
	exitCode := exitOK
	if !verdict.Accepted() {
		exitCode = exitRejected
	}
	return writeEvaluateOutput(jsonOutput, output, exitCode)
}

func writeEvaluateOutput(jsonOutput bool, output evaluateOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Printf("run error: %s\n", output.Error)
		return exitCode
	}
	fmt.Printf("run_id=%s\n", output.RunID)
	fmt.Printf("bundle=%s\n", output.BundleDir)
	fmt.Printf("manifest_digest=%s\n", output.ManifestHash)
	if output.ExecutorError != "" {
		fmt.Printf("executor_error=%s\n", output.ExecutorError)
	}
	if output.Verdict != nil {
		printVerdict(*output.Verdict)
	}
	return exitCode
}

func printVerdict(verdict foundry.Verdict) {
	fmt.Printf("verdict=%s\n", verdict.Status)
	for _, reason := range verdict.Reasons {
		if reason.Detail != "" {
			fmt.Printf("reason=%s: %s\n", reason, reason.Detail)
			continue
		}
		fmt.Printf("reason=%s\n", reason)
	}
}

func printRunUsage() {
	fmt.Println("Usage:")
	fmt.Println("  omniforge run [--contract <file>] [--run-id <id>] [--case <case_id>] [--config <path>] [--artifacts <dir>] [--schemas <dir>] [--require-signature] [--json] [--verbose] [--explain]")
	fmt.Printf("  executor adapters: %s, %s\n", executor.AdapterPlaceholder, executor.AdapterCommand)
}
