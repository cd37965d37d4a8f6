package foundry

import (
	"fmt"
	"time"
)

const (
	ContractSchemaID   = "omniforge.eval_contract"
	ManifestSchemaID   = "omniforge.bundle.manifest"
	RunRecordSchemaID  = "omniforge.run.record"
	RunEventSchemaID   = "omniforge.run.event"
	SchemaVersion      = "1.0.0"
	HashAlgSHA256      = "sha256"
	ProducerVersionDev = "0.0.0-dev"
)

// Evidence kinds a contract may require.
const (
	KindStdout         = "stdout"
	KindStderr         = "stderr"
	KindProofLog       = "proof_log"
	KindCheckerVerdict = "checker_verdict"
	KindModel          = "model"
)

func EvidenceKinds() []string {
	return []string{KindCheckerVerdict, KindModel, KindProofLog, KindStderr, KindStdout}
}

type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusRejected  RunStatus = "rejected"
)

func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

type EvalContract struct {
	SchemaID             string               `json:"schema_id,omitempty"`
	SchemaVersion        string               `json:"schema_version,omitempty"`
	Version              string               `json:"version"`
	Lane                 string               `json:"lane"`
	Benchmarks           Benchmarks           `json:"benchmarks"`
	Resources            ResourceLimits       `json:"resources"`
	Determinism          Determinism          `json:"determinism"`
	EvidenceRequirements EvidenceRequirements `json:"evidence_requirements"`
}

type Benchmarks struct {
	SuiteID string   `json:"suite_id"`
	Cases   []string `json:"cases"`
}

type ResourceLimits struct {
	CPUSeconds  float64 `json:"cpu_seconds"`
	MemoryMB    int64   `json:"memory_mb"`
	WallSeconds float64 `json:"wall_seconds"`
}

// Determinism pins run conditions. A toolchain value of ToolchainLocked
// resolves the expected ref from the toolchain lock file.
type Determinism struct {
	Seed      int64             `json:"seed"`
	Threads   int               `json:"threads"`
	EnvLocked bool              `json:"env_locked"`
	Toolchain map[string]string `json:"toolchain,omitempty"`
}

const ToolchainLocked = "locked"

type EvidenceRequirements struct {
	RequireArtifacts    bool     `json:"require_artifacts"`
	RequireHashManifest bool     `json:"require_hash_manifest"`
	UnsatRequiresProof  bool     `json:"unsat_requires_proof"`
	ProofChecker        string   `json:"proof_checker"`
	RequiredKinds       []string `json:"required_kinds,omitempty"`
}

type ContractRef struct {
	Version string `json:"version"`
	Digest  string `json:"digest"`
}

type RunConfig struct {
	Lane        string         `json:"lane"`
	BenchSuite  string         `json:"bench_suite"`
	CaseID      string         `json:"case_id"`
	Executor    ExecutorConfig `json:"executor"`
	Seed        int64          `json:"seed"`
	Threads     int            `json:"threads"`
	WallSeconds float64        `json:"wall_seconds,omitempty"`
	EnvLocked   bool           `json:"env_locked,omitempty"`
}

type ExecutorConfig struct {
	Adapter        string            `json:"adapter"`
	Command        []string          `json:"command,omitempty"`
	WorkDir        string            `json:"work_dir,omitempty"`
	Artifacts      map[string]string `json:"artifacts,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	ToolchainStamp string            `json:"toolchain_stamp,omitempty"`
}

type ResourceUsage struct {
	Measured bool  `json:"measured"`
	WallMS   int64 `json:"wall_ms"`
	CPUMS    int64 `json:"cpu_ms"`
	MaxRSSKB int64 `json:"max_rss_kb"`
	ExitCode int   `json:"exit_code"`
	TimedOut bool  `json:"timed_out"`
}

type RunRecord struct {
	SchemaID        string            `json:"schema_id"`
	SchemaVersion   string            `json:"schema_version"`
	ProducerVersion string            `json:"producer_version"`
	RunID           string            `json:"run_id"`
	ContractRef     ContractRef       `json:"contract_ref"`
	Config          RunConfig         `json:"config"`
	Status          RunStatus         `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
	ResourceUsage   ResourceUsage     `json:"resource_usage"`
	Toolchain       map[string]string `json:"toolchain,omitempty"`
	Result          string            `json:"result,omitempty"`
	ExecutorError   string            `json:"executor_error,omitempty"`
	Revision        int64             `json:"revision"`
}

type RunEvent struct {
	SchemaID      string         `json:"schema_id"`
	SchemaVersion string         `json:"schema_version"`
	CreatedAt     time.Time      `json:"created_at"`
	RunID         string         `json:"run_id"`
	Revision      int64          `json:"revision"`
	Type          string         `json:"type"`
	Status        RunStatus      `json:"status"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// ArtifactManifest carries no timestamps so identical outputs rebuild to
// byte-identical manifests. The provenance fields seal the run inputs the
// verdict depends on; they are absent when a bundle is built without a run
// record.
type ArtifactManifest struct {
	SchemaID       string                  `json:"schema_id"`
	SchemaVersion  string                  `json:"schema_version"`
	RunID          string                  `json:"run_id"`
	Lane           string                  `json:"lane,omitempty"`
	ContractRef    *ContractRef            `json:"contract_ref,omitempty"`
	Inputs         *ManifestInputs         `json:"inputs,omitempty"`
	Candidate      *ManifestCandidate      `json:"candidate,omitempty"`
	Execution      *ManifestExecution      `json:"execution,omitempty"`
	Outputs        *ManifestOutputs        `json:"outputs,omitempty"`
	HashAlg        string                  `json:"hash_alg"`
	Artifacts      map[string]ArtifactFile `json:"artifacts"`
	Unavailable    []UnavailableArtifact   `json:"unavailable,omitempty"`
	Sealed         bool                    `json:"sealed"`
	ManifestDigest string                  `json:"manifest_digest"`
	Signatures     []Signature             `json:"signatures,omitempty"`
}

// HasProvenance reports whether the run inputs were sealed with the evidence.
func (m ArtifactManifest) HasProvenance() bool {
	return m.ContractRef != nil && m.Inputs != nil && m.Candidate != nil && m.Execution != nil && m.Outputs != nil
}

type ManifestInputs struct {
	BenchSuite string `json:"bench_suite"`
	CaseID     string `json:"case_id"`
}

type ManifestCandidate struct {
	Executor    string          `json:"executor"`
	Genome      CandidateGenome `json:"genome"`
	Commandline []string        `json:"commandline"`
}

type CandidateGenome struct {
	Seed    int64 `json:"seed"`
	Threads int   `json:"threads"`
}

type ManifestExecution struct {
	EnvLocked     bool              `json:"env_locked"`
	ResourceUsage ResourceUsage     `json:"resource_usage"`
	Toolchain     map[string]string `json:"toolchain,omitempty"`
}

type ManifestOutputs struct {
	Result string `json:"result"`
}

type ArtifactFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

type UnavailableArtifact struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

type Signature struct {
	Alg          string `json:"alg"`
	KeyID        string `json:"key_id"`
	Sig          string `json:"sig"`
	SignedDigest string `json:"signed_digest,omitempty"`
}

type VerdictStatus string

const (
	VerdictAccepted VerdictStatus = "accepted"
	VerdictRejected VerdictStatus = "rejected"
)

// Rejection reason codes.
const (
	ReasonMissingEvidence        = "missing_evidence"
	ReasonHashMismatch           = "hash_mismatch"
	ReasonInvalidEvidence        = "invalid_evidence"
	ReasonResourceLimitExceeded  = "resource_limit_exceeded"
	ReasonResourceUsageMissing   = "resource_usage_missing"
	ReasonDeterminismViolation   = "determinism_violation"
	ReasonSchemaViolation        = "schema_violation"
	ReasonManifestDigestMismatch = "manifest_digest_mismatch"
	ReasonSignatureMissing       = "signature_missing"
	ReasonSignatureInvalid       = "signature_invalid"
	ReasonCheckerRejected        = "checker_rejected"
	ReasonContractMismatch       = "contract_mismatch"
	ReasonRunMismatch            = "run_mismatch"
	ReasonRecordMismatch         = "record_mismatch"
	ReasonResultMismatch         = "result_mismatch"
)

type Reason struct {
	Code    string `json:"code"`
	Subject string `json:"subject,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func (r Reason) String() string {
	if r.Subject == "" {
		return r.Code
	}
	return fmt.Sprintf("%s(%s)", r.Code, r.Subject)
}

type Verdict struct {
	RunID        string        `json:"run_id"`
	ContractRef  ContractRef   `json:"contract_ref"`
	Status       VerdictStatus `json:"status"`
	Reasons      []Reason      `json:"reasons,omitempty"`
	MissingKinds []string      `json:"missing_kinds,omitempty"`
	InvalidKinds []string      `json:"invalid_kinds,omitempty"`
}

func (v Verdict) Accepted() bool {
	return v.Status == VerdictAccepted && len(v.Reasons) == 0
}
