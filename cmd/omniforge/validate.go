package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/DustinTheismann/omniforge/core/contract"
	coreerrors "github.com/DustinTheismann/omniforge/core/errors"
	"github.com/DustinTheismann/omniforge/core/schema/validate"
)

type validateContractsOutput struct {
	OK         bool                   `json:"ok"`
	Schemas    []string               `json:"schemas,omitempty"`
	Checks     []validate.CheckResult `json:"checks,omitempty"`
	Contract   string                 `json:"contract,omitempty"`
	Violations []validate.Violation   `json:"violations,omitempty"`
	errorFields
}

// runValidateContracts loads the schemas, runs the built-in self-check and
// optionally validates one contract file.
func runValidateContracts(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Load the eval contract and manifest schemas, confirm they accept known-good samples and reject known-bad ones, and optionally validate a contract file.")
	}
	flagSet := flag.NewFlagSet("validate-contracts", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var schemasDir string
	var contractPath string
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&schemasDir, "schemas", "", "schema directory (defaults to embedded schemas)")
	flagSet.StringVar(&contractPath, "contract", "", "eval contract JSON to validate")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeValidateContractsOutput(jsonOutput, validateContractsOutput{errorFields: errorFieldsFor(err)}, exitInvalidInput)
	}
	if helpFlag {
		printValidateContractsUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeValidateContractsOutput(jsonOutput, validateContractsOutput{errorFields: errorFields{Error: "unexpected positional arguments"}}, exitInvalidInput)
	}

	registry, err := loadRegistry(strings.TrimSpace(schemasDir))
	if err != nil {
		return writeValidateContractsOutput(jsonOutput, validateContractsOutput{errorFields: errorFieldsFor(err)}, exitInvalidInput)
	}
	output := validateContractsOutput{Schemas: registry.Names()}
	checks, err := registry.SelfCheck()
	output.Checks = checks
	if err != nil {
		output.errorFields = errorFieldsFor(coreerrors.Wrap(err, coreerrors.CategorySchemaLoad, "schema_self_check_failed", "the schema accepts invalid samples or rejects valid ones", false))
		return writeValidateContractsOutput(jsonOutput, output, exitInvalidInput)
	}

	if path := strings.TrimSpace(contractPath); path != "" {
		output.Contract = path
		if _, err := contract.Load(registry, path); err != nil {
			var invalid *contract.InvalidContractError
			if errors.As(err, &invalid) {
				output.Violations = invalid.Violations
			}
			output.errorFields = errorFieldsFor(err)
			return writeValidateContractsOutput(jsonOutput, output, exitInvalidInput)
		}
	}
	output.OK = true
	return writeValidateContractsOutput(jsonOutput, output, exitOK)
}

func writeValidateContractsOutput(jsonOutput bool, output validateContractsOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Printf("validate-contracts error: %s\n", output.Error)
		for _, check := range output.Checks {
			if !check.Passed {
				fmt.Printf("  self-check failed: %s/%s\n", check.Schema, check.Sample)
			}
		}
		for _, violation := range output.Violations {
			fmt.Printf("  %s\n", violation)
		}
		return exitCode
	}
	fmt.Println("OK: contracts validated")
	fmt.Printf("schemas=%s\n", strings.Join(output.Schemas, ","))
	if output.Contract != "" {
		fmt.Printf("contract=%s\n", output.Contract)
	}
	return exitCode
}

func printValidateContractsUsage() {
	fmt.Println("Usage:")
	fmt.Println("  omniforge validate-contracts [--schemas <dir>] [--contract <file>] [--json] [--explain]")
}
