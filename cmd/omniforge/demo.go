package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/DustinTheismann/omniforge/core/contract"
	"github.com/DustinTheismann/omniforge/core/engine"
	"github.com/DustinTheismann/omniforge/core/executor"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
)

// runDemo evaluates the built-in sat.tiny contract with the placeholder
// executor. It needs no config, solver or keys.
func runDemo(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Run the built-in sat.tiny contract against the placeholder executor and print the verdict.")
	}
	flagSet := flag.NewFlagSet("demo", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var envFlags environmentFlags
	var runID string
	var jsonOutput bool
	var helpFlag bool

	envFlags.register(flagSet)
	flagSet.StringVar(&runID, "run-id", "", "run identifier (generated when empty)")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeEvaluateOutput(jsonOutput, evaluateOutput{errorFields: errorFieldsFor(err)}, exitInvalidInput)
	}
	if helpFlag {
		printDemoUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeEvaluateOutput(jsonOutput, evaluateOutput{errorFields: errorFields{Error: "unexpected positional arguments"}}, exitInvalidInput)
	}

	env, err := loadEnvironment(envFlags)
	if err != nil {
		return writeEvaluateOutput(jsonOutput, evaluateOutput{errorFields: errorFieldsFor(err)}, exitCodeForError(err, exitInvalidInput))
	}
	return evaluate(env, engine.Request{
		RunID:    strings.TrimSpace(runID),
		Contract: contract.Default(),
		Executor: foundry.ExecutorConfig{Adapter: executor.AdapterPlaceholder},
	}, jsonOutput)
}

func printDemoUsage() {
	fmt.Println("Usage:")
	fmt.Println("  omniforge demo [--run-id <id>] [--artifacts <dir>] [--json] [--verbose] [--explain]")
}
