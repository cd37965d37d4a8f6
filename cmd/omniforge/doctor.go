package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/DustinTheismann/omniforge/core/doctor"
	coreerrors "github.com/DustinTheismann/omniforge/core/errors"
	"github.com/DustinTheismann/omniforge/core/projectconfig"
)

type doctorOutput struct {
	OK              bool           `json:"ok"`
	SchemaID        string         `json:"schema_id,omitempty"`
	SchemaVersion   string         `json:"schema_version,omitempty"`
	CreatedAt       string         `json:"created_at,omitempty"`
	ProducerVersion string         `json:"producer_version,omitempty"`
	Status          string         `json:"status,omitempty"`
	NonFixable      bool           `json:"non_fixable,omitempty"`
	Summary         string         `json:"summary,omitempty"`
	FixCommands     []string       `json:"fix_commands,omitempty"`
	Checks          []doctor.Check `json:"checks,omitempty"`
	errorFields
}

func runDoctor(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Check that the work directory, artifacts root, schemas, toolchain lock, executor and signing keys are usable before running evaluations.")
	}
	flagSet := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var envFlags environmentFlags
	var workDir string
	var jsonOutput bool
	var helpFlag bool

	envFlags.register(flagSet)
	flagSet.StringVar(&workDir, "workdir", ".", "workspace path for checks")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeDoctorOutput(jsonOutput, doctorOutput{errorFields: errorFieldsFor(err)}, exitInvalidInput)
	}
	if helpFlag {
		printDoctorUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeDoctorOutput(jsonOutput, doctorOutput{errorFields: errorFields{Error: "unexpected positional arguments"}}, exitInvalidInput)
	}

	allowMissing := strings.TrimSpace(envFlags.configPath) == projectconfig.DefaultPath
	configuration, err := projectconfig.Load(envFlags.configPath, allowMissing)
	if err != nil {
		err = coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "config_invalid", "fix the project config file", false)
		return writeDoctorOutput(jsonOutput, doctorOutput{errorFields: errorFieldsFor(err)}, exitInvalidInput)
	}

	result := doctor.Run(doctor.Options{
		WorkDir:          workDir,
		ArtifactsRoot:    firstNonEmpty(envFlags.artifacts, configuration.ArtifactsRoot()),
		SchemasDir:       firstNonEmpty(envFlags.schemasDir, configuration.Schemas.Dir),
		ToolchainLock:    configuration.ToolchainLockPath(),
		LockRequired:     configuration.Toolchain.LockPath != "",
		Executor:         configuration.ExecutorConfig(),
		KeyConfig:        configuration.KeyConfig(),
		RequireSignature: envFlags.requireSigns || configuration.Signing.Require,
		ProducerVersion:  version,
	})
	newLogger(envFlags.verbose).Debug("doctor finished", "status", result.Status, "checks", len(result.Checks))

	exitCode := exitOK
	if !result.Passed() {
		exitCode = exitInvalidInput
	}
	return writeDoctorOutput(jsonOutput, doctorOutput{
		OK:              result.Passed(),
		SchemaID:        result.SchemaID,
		SchemaVersion:   result.SchemaVersion,
		CreatedAt:       result.CreatedAt,
		ProducerVersion: result.ProducerVersion,
		Status:          result.Status,
		NonFixable:      result.NonFixable,
		Summary:         result.Summary,
		FixCommands:     result.FixCommands,
		Checks:          result.Checks,
	}, exitCode)
}

func writeDoctorOutput(jsonOutput bool, output doctorOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Printf("doctor error: %s\n", output.Error)
		return exitCode
	}
	fmt.Println(output.Summary)
	for _, check := range output.Checks {
		fmt.Printf("- %s: %s (%s)\n", check.Name, check.Status, check.Message)
	}
	for _, fix := range output.FixCommands {
		fmt.Printf("fix: %s\n", fix)
	}
	return exitCode
}

func printDoctorUsage() {
	fmt.Println("Usage:")
	fmt.Println("  omniforge doctor [--workdir <path>] [--config <path>] [--artifacts <dir>] [--schemas <dir>] [--require-signature] [--json] [--explain]")
}
