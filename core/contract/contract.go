// Package contract loads evaluation contracts and decides verdicts for run
// bundles against them.
package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	coreerrors "github.com/DustinTheismann/omniforge/core/errors"
	"github.com/DustinTheismann/omniforge/core/jcs"
	"github.com/DustinTheismann/omniforge/core/lane"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
	"github.com/DustinTheismann/omniforge/core/schema/validate"
)

// InvalidContractError lists every schema violation of a contract document.
type InvalidContractError struct {
	Violations []validate.Violation
}

func (e *InvalidContractError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, violation := range e.Violations {
		parts = append(parts, violation.String())
	}
	return "invalid eval contract: " + strings.Join(parts, "; ")
}

func Load(registry *validate.Registry, path string) (foundry.EvalContract, error) {
	// #nosec G304 -- contract path is explicit local user input.
	data, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return foundry.EvalContract{}, coreerrors.Wrap(fmt.Errorf("read eval contract: %w", err), coreerrors.CategoryInvalidInput, "contract_unreadable", "check --contract", false)
	}
	return Parse(registry, data)
}

// Parse validates data against the eval contract schema before decoding it.
func Parse(registry *validate.Registry, data []byte) (foundry.EvalContract, error) {
	if registry == nil {
		return foundry.EvalContract{}, coreerrors.New(coreerrors.CategorySchemaLoad, "schema_registry_missing", "schema registry not loaded", "")
	}
	if violations := registry.Validate(data, validate.SchemaEvalContract); len(violations) > 0 {
		return foundry.EvalContract{}, coreerrors.Wrap(
			&InvalidContractError{Violations: violations},
			coreerrors.CategoryInvalidInput,
			"contract_invalid",
			"fix the contract fields listed above",
			false,
		)
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	var contract foundry.EvalContract
	if err := decoder.Decode(&contract); err != nil {
		return foundry.EvalContract{}, coreerrors.Wrap(fmt.Errorf("decode eval contract: %w", err), coreerrors.CategoryInvalidInput, "contract_invalid", "", false)
	}
	return contract, nil
}

// RefOf identifies a contract by version and the JCS digest of its content.
func RefOf(contract foundry.EvalContract) (foundry.ContractRef, error) {
	digest, err := jcs.DigestValue(contract)
	if err != nil {
		return foundry.ContractRef{}, coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "contract_digest_failed", "", false)
	}
	return foundry.ContractRef{Version: contract.Version, Digest: digest}, nil
}

// Default is the sat.tiny contract the demo evaluates against.
func Default() foundry.EvalContract {
	return foundry.EvalContract{
		SchemaID:      foundry.ContractSchemaID,
		SchemaVersion: foundry.SchemaVersion,
		Version:       "0.2.0",
		Lane:          lane.SAT,
		Benchmarks: foundry.Benchmarks{
			SuiteID: "sat.tiny",
			Cases:   []string{"uf20-01.cnf"},
		},
		Resources: foundry.ResourceLimits{
			CPUSeconds:  2,
			MemoryMB:    256,
			WallSeconds: 2,
		},
		Determinism: foundry.Determinism{
			Seed:      0,
			Threads:   1,
			EnvLocked: true,
		},
		EvidenceRequirements: foundry.EvidenceRequirements{
			RequireArtifacts:    true,
			RequireHashManifest: true,
			UnsatRequiresProof:  true,
			ProofChecker:        "placeholder",
			RequiredKinds:       []string{foundry.KindStdout, foundry.KindStderr},
		},
	}
}

// Marshal returns the contract as indented JSON for writing to disk.
func Marshal(contract foundry.EvalContract) ([]byte, error) {
	encoded, err := json.MarshalIndent(contract, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode eval contract: %w", err)
	}
	return append(encoded, '\n'), nil
}
