package validate

import (
	"fmt"
	"sort"
)

// CheckResult is the outcome of validating one built-in sample instance.
type CheckResult struct {
	Schema      string      `json:"schema"`
	Sample      string      `json:"sample"`
	ExpectValid bool        `json:"expect_valid"`
	Violations  []Violation `json:"violations,omitempty"`
	Passed      bool        `json:"passed"`
}

type sampleDocument struct {
	schema      string
	name        string
	expectValid bool
	document    string
}

var selfCheckSamples = []sampleDocument{
	{
		schema:      SchemaEvalContract,
		name:        "sat_tiny_contract",
		expectValid: true,
		document: `{
  "version": "0.2.0",
  "lane": "sat",
  "benchmarks": {"suite_id": "sat.tiny", "cases": ["uf20-01.cnf"]},
  "resources": {"cpu_seconds": 2, "memory_mb": 256, "wall_seconds": 2},
  "determinism": {"seed": 0, "threads": 1, "env_locked": true},
  "evidence_requirements": {
    "require_artifacts": true,
    "require_hash_manifest": true,
    "unsat_requires_proof": true,
    "proof_checker": "drat-trim",
    "required_kinds": ["stdout", "stderr"]
  }
}`,
	},
	{
		schema:      SchemaEvalContract,
		name:        "contract_unknown_kind",
		expectValid: false,
		document: `{
  "version": "0.2.0",
  "lane": "sat",
  "benchmarks": {"suite_id": "sat.tiny", "cases": ["uf20-01.cnf"]},
  "resources": {"cpu_seconds": 2, "memory_mb": 256, "wall_seconds": 2},
  "determinism": {"seed": 0, "threads": 1, "env_locked": true},
  "evidence_requirements": {
    "require_artifacts": true,
    "require_hash_manifest": true,
    "unsat_requires_proof": false,
    "proof_checker": "",
    "required_kinds": ["core_dump"]
  }
}`,
	},
	{
		schema:      SchemaArtifactManifest,
		name:        "sealed_manifest",
		expectValid: true,
		document: `{
  "schema_id": "omniforge.bundle.manifest",
  "schema_version": "1.0.0",
  "run_id": "20260101T000000Z-0a1b2c3d",
  "hash_alg": "sha256",
  "artifacts": {
    "stdout": {"path": "evidence/stdout.txt", "sha256": "` + sampleDigest + `", "size": 19}
  },
  "sealed": true,
  "manifest_digest": "` + sampleDigest + `"
}`,
	},
	{
		schema:      SchemaArtifactManifest,
		name:        "manifest_unknown_kind",
		expectValid: false,
		document: `{
  "schema_id": "omniforge.bundle.manifest",
  "schema_version": "1.0.0",
  "run_id": "20260101T000000Z-0a1b2c3d",
  "hash_alg": "sha256",
  "artifacts": {
    "core_dump": {"path": "evidence/core_dump.bin", "sha256": "` + sampleDigest + `", "size": 1}
  },
  "sealed": true,
  "manifest_digest": "` + sampleDigest + `"
}`,
	},
}

const sampleDigest = "4f9b2a30c1d7e8f6a5b4c3d2e1f0a9b8c7d6e5f4a3b2c1d0e9f8a7b6c5d4e3f2"

// SelfCheck validates the built-in samples. Valid samples must conform and
// negative samples must be rejected. It returns an error naming every sample
// that behaved otherwise.
func (r *Registry) SelfCheck() ([]CheckResult, error) {
	results := make([]CheckResult, 0, len(selfCheckSamples))
	failed := make([]string, 0)
	for _, sample := range selfCheckSamples {
		violations := r.Validate([]byte(sample.document), sample.schema)
		passed := (len(violations) == 0) == sample.expectValid
		results = append(results, CheckResult{
			Schema:      sample.schema,
			Sample:      sample.name,
			ExpectValid: sample.expectValid,
			Violations:  violations,
			Passed:      passed,
		})
		if !passed {
			failed = append(failed, sample.schema+"/"+sample.name)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return results, fmt.Errorf("schema self-check failed: %v", failed)
	}
	return results, nil
}
