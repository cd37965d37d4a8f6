package contract

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/DustinTheismann/omniforge/core/bundle"
	"github.com/DustinTheismann/omniforge/core/executor"
	"github.com/DustinTheismann/omniforge/core/jcs"
	"github.com/DustinTheismann/omniforge/core/lane"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
	"github.com/DustinTheismann/omniforge/core/schema/validate"
	"github.com/DustinTheismann/omniforge/core/sign"
	"github.com/DustinTheismann/omniforge/core/toolchain"
)

const maxCheckerVerdictBytes = 10 * 1024 * 1024

// Bundle is the stored run evidence a verdict is computed from.
type Bundle interface {
	RunID() string
	Manifest() foundry.ArtifactManifest
	ManifestJSON() []byte
	Record() (foundry.RunRecord, bool)
	OpenArtifact(relPath string) (io.ReadCloser, error)
}

type Validator struct {
	Registry         *validate.Registry
	Lock             *toolchain.Lock
	PublicKey        ed25519.PublicKey
	RequireSignature bool
	Logger           *slog.Logger
}

// Validate runs every check and returns a verdict listing all failures. It
// never stops at the first one, and acceptance requires that none fired.
func (v *Validator) Validate(b Bundle, contract foundry.EvalContract) foundry.Verdict {
	ref, err := RefOf(contract)
	checks := &accumulator{}
	if err != nil {
		checks.add(foundry.ReasonContractMismatch, "contract", err.Error())
	}

	manifest := b.Manifest()
	record, hasRecord := b.Record()

	v.checkContract(checks, contract)
	v.checkManifest(checks, b, manifest)
	if manifest.RunID != b.RunID() {
		checks.add(foundry.ReasonRunMismatch, "manifest", fmt.Sprintf("manifest run_id %q, bundle %q", manifest.RunID, b.RunID()))
	}
	if hasRecord && record.RunID != b.RunID() {
		checks.add(foundry.ReasonRunMismatch, "run_record", fmt.Sprintf("record run_id %q, bundle %q", record.RunID, b.RunID()))
	}
	checkProvenance(checks, manifest, contract, ref)
	if hasRecord {
		checkRecordDrift(checks, manifest, record)
	}

	hashes := &accumulator{}
	verified := checkArtifactHashes(hashes, b, manifest)
	result := checkResult(checks, b, manifest, verified)
	checkRequiredKinds(checks, manifest, contract, result)
	checks.reasons = append(checks.reasons, hashes.reasons...)
	checkResources(checks, contract.Resources, manifest.Execution)
	v.checkDeterminism(checks, contract.Determinism, manifest)
	checkProofChecker(checks, b, manifest, contract.EvidenceRequirements, verified)

	verdict := Decide(b.RunID(), ref, checks.reasons)
	v.logger().Debug("verdict computed",
		"run_id", verdict.RunID,
		"status", verdict.Status,
		"reason_count", len(verdict.Reasons),
	)
	return verdict
}

// Decide is the only constructor of a Verdict. Accepted means no reasons.
func Decide(runID string, ref foundry.ContractRef, reasons []foundry.Reason) foundry.Verdict {
	verdict := foundry.Verdict{
		RunID:       runID,
		ContractRef: ref,
		Status:      foundry.VerdictAccepted,
	}
	if len(reasons) == 0 {
		return verdict
	}
	verdict.Status = foundry.VerdictRejected
	verdict.Reasons = append([]foundry.Reason{}, reasons...)
	missing := map[string]struct{}{}
	invalid := map[string]struct{}{}
	for _, reason := range reasons {
		switch reason.Code {
		case foundry.ReasonMissingEvidence:
			missing[reason.Subject] = struct{}{}
		case foundry.ReasonHashMismatch, foundry.ReasonInvalidEvidence:
			invalid[reason.Subject] = struct{}{}
		}
	}
	verdict.MissingKinds = sortedKeys(missing)
	verdict.InvalidKinds = sortedKeys(invalid)
	return verdict
}

func (v *Validator) checkContract(checks *accumulator, contract foundry.EvalContract) {
	if v.Registry == nil {
		return
	}
	encoded, err := json.Marshal(contract)
	if err != nil {
		checks.add(foundry.ReasonSchemaViolation, "contract", err.Error())
		return
	}
	for _, violation := range v.Registry.Validate(encoded, validate.SchemaEvalContract) {
		checks.add(foundry.ReasonSchemaViolation, "contract", violation.String())
	}
}

func (v *Validator) checkManifest(checks *accumulator, b Bundle, manifest foundry.ArtifactManifest) {
	if v.Registry == nil {
		checks.add(foundry.ReasonSchemaViolation, "manifest", "schema registry not loaded")
	} else {
		for _, violation := range v.Registry.Validate(b.ManifestJSON(), validate.SchemaArtifactManifest) {
			checks.add(foundry.ReasonSchemaViolation, "manifest", violation.String())
		}
	}

	signable, err := bundle.SignableManifestBytes(b.ManifestJSON())
	recomputed := ""
	if err != nil {
		checks.add(foundry.ReasonManifestDigestMismatch, "manifest", err.Error())
	} else {
		recomputed = jcs.SHA256Hex(signable)
		if recomputed != manifest.ManifestDigest {
			checks.add(foundry.ReasonManifestDigestMismatch, "manifest", fmt.Sprintf("recorded %q, recomputed %s", manifest.ManifestDigest, recomputed))
		}
	}

	if len(manifest.Signatures) == 0 {
		if v.RequireSignature {
			checks.add(foundry.ReasonSignatureMissing, "manifest", "manifest has no signatures")
		}
		return
	}
	if v.PublicKey == nil {
		if v.RequireSignature {
			checks.add(foundry.ReasonSignatureInvalid, "manifest", "verify key not configured")
		}
		return
	}
	for index, signature := range manifest.Signatures {
		if recomputed == "" {
			checks.add(foundry.ReasonSignatureInvalid, fmt.Sprintf("signature[%d]", index), "manifest digest unavailable")
			continue
		}
		if err := sign.VerifyDigest(v.PublicKey, signature, recomputed); err != nil {
			checks.add(foundry.ReasonSignatureInvalid, fmt.Sprintf("signature[%d]", index), err.Error())
		}
	}
}

// checkProvenance compares the sealed run inputs with the contract being
// enforced. A tampered contract.json shows up here as a digest mismatch.
func checkProvenance(checks *accumulator, manifest foundry.ArtifactManifest, contract foundry.EvalContract, ref foundry.ContractRef) {
	if !manifest.HasProvenance() {
		return
	}
	if ref.Digest != "" && manifest.ContractRef.Digest != ref.Digest {
		checks.add(foundry.ReasonContractMismatch, "contract", fmt.Sprintf("run sealed %s, validating against %s", manifest.ContractRef.Digest, ref.Digest))
	}
	if !strings.EqualFold(strings.TrimSpace(manifest.Lane), strings.TrimSpace(contract.Lane)) {
		checks.add(foundry.ReasonContractMismatch, "lane", fmt.Sprintf("run sealed lane %q, contract lane %q", manifest.Lane, contract.Lane))
	}
	if manifest.Inputs.BenchSuite != contract.Benchmarks.SuiteID {
		checks.add(foundry.ReasonContractMismatch, "bench_suite", fmt.Sprintf("run sealed suite %q, contract suite %q", manifest.Inputs.BenchSuite, contract.Benchmarks.SuiteID))
	}
	if !slices.Contains(contract.Benchmarks.Cases, manifest.Inputs.CaseID) {
		checks.add(foundry.ReasonContractMismatch, "case_id", fmt.Sprintf("case %q is not in suite %s", manifest.Inputs.CaseID, contract.Benchmarks.SuiteID))
	}
}

// checkRecordDrift reports run record fields that no longer match what the
// manifest sealed. The verdict never reads these fields from the record.
func checkRecordDrift(checks *accumulator, manifest foundry.ArtifactManifest, record foundry.RunRecord) {
	if !manifest.HasProvenance() {
		return
	}
	drift := func(field string, recorded, sealed any) {
		checks.add(foundry.ReasonRecordMismatch, field, fmt.Sprintf("run record %v, sealed %v", recorded, sealed))
	}
	if record.ContractRef != *manifest.ContractRef {
		drift("contract_ref", record.ContractRef.Digest, manifest.ContractRef.Digest)
	}
	if record.Config.Lane != manifest.Lane {
		drift("lane", record.Config.Lane, manifest.Lane)
	}
	if record.Config.BenchSuite != manifest.Inputs.BenchSuite {
		drift("bench_suite", record.Config.BenchSuite, manifest.Inputs.BenchSuite)
	}
	if record.Config.CaseID != manifest.Inputs.CaseID {
		drift("case_id", record.Config.CaseID, manifest.Inputs.CaseID)
	}
	if adapter := executor.AdapterName(record.Config.Executor); adapter != manifest.Candidate.Executor {
		drift("executor", adapter, manifest.Candidate.Executor)
	}
	if commandline := executor.Commandline(record.Config); !slices.Equal(commandline, manifest.Candidate.Commandline) {
		drift("commandline", commandline, manifest.Candidate.Commandline)
	}
	if record.Config.Seed != manifest.Candidate.Genome.Seed {
		drift("seed", record.Config.Seed, manifest.Candidate.Genome.Seed)
	}
	if record.Config.Threads != manifest.Candidate.Genome.Threads {
		drift("threads", record.Config.Threads, manifest.Candidate.Genome.Threads)
	}
	if record.Config.EnvLocked != manifest.Execution.EnvLocked {
		drift("env_locked", record.Config.EnvLocked, manifest.Execution.EnvLocked)
	}
	if record.ResourceUsage != manifest.Execution.ResourceUsage {
		drift("resource_usage", fmt.Sprintf("%+v", record.ResourceUsage), fmt.Sprintf("%+v", manifest.Execution.ResourceUsage))
	}
	if !maps.Equal(record.Toolchain, manifest.Execution.Toolchain) {
		drift("toolchain", record.Toolchain, manifest.Execution.Toolchain)
	}
	if result := lane.NormalizeResult(record.Result); result != manifest.Outputs.Result {
		drift("result", result, manifest.Outputs.Result)
	}
}

// checkResult derives the lane result from hash-verified stdout and reports
// a sealed result that disagrees with it. Without verified stdout the sealed
// result stands; without either the run is treated as UNSAT so proof
// requirements still apply.
func checkResult(checks *accumulator, b Bundle, manifest foundry.ArtifactManifest, verified map[string]bool) string {
	sealed := ""
	if manifest.Outputs != nil {
		sealed = manifest.Outputs.Result
	}
	fallback := sealed
	if fallback == "" {
		fallback = lane.ResultUNSAT
	}
	if !verified[foundry.KindStdout] {
		return fallback
	}
	reader, err := b.OpenArtifact(manifest.Artifacts[foundry.KindStdout].Path)
	if err != nil {
		checks.add(foundry.ReasonInvalidEvidence, foundry.KindStdout, err.Error())
		return fallback
	}
	defer func() {
		_ = reader.Close()
	}()
	derived, err := lane.ReadSATResult(reader)
	if err != nil {
		checks.add(foundry.ReasonInvalidEvidence, foundry.KindStdout, err.Error())
		return fallback
	}
	if sealed != "" && derived != sealed {
		checks.add(foundry.ReasonResultMismatch, "result", fmt.Sprintf("sealed %s, stdout reports %s", sealed, derived))
	}
	return derived
}

// RequiredKinds is the sorted set of kinds the contract demands for a run
// with the given lane result.
func RequiredKinds(contract foundry.EvalContract, result string) []string {
	required := map[string]struct{}{}
	for _, kind := range contract.EvidenceRequirements.RequiredKinds {
		required[kind] = struct{}{}
	}
	if contract.EvidenceRequirements.UnsatRequiresProof && result == lane.ResultUNSAT {
		required[foundry.KindProofLog] = struct{}{}
		required[foundry.KindCheckerVerdict] = struct{}{}
	}
	return sortedKeys(required)
}

func checkRequiredKinds(checks *accumulator, manifest foundry.ArtifactManifest, contract foundry.EvalContract, result string) {
	unavailable := map[string]string{}
	for _, entry := range manifest.Unavailable {
		unavailable[entry.Kind] = entry.Reason
	}
	required := RequiredKinds(contract, result)
	for _, kind := range required {
		if _, ok := manifest.Artifacts[kind]; ok {
			continue
		}
		detail := "not present in manifest"
		if reason, ok := unavailable[kind]; ok {
			detail = "unavailable: " + reason
		}
		checks.add(foundry.ReasonMissingEvidence, kind, detail)
	}
	if contract.EvidenceRequirements.RequireArtifacts && len(required) == 0 && len(manifest.Artifacts) == 0 {
		checks.add(foundry.ReasonMissingEvidence, "any", "contract requires artifacts and the manifest has none")
	}
}

// checkArtifactHashes re-hashes every stored artifact and returns the kinds
// whose bytes match the manifest.
func checkArtifactHashes(checks *accumulator, b Bundle, manifest foundry.ArtifactManifest) map[string]bool {
	verified := map[string]bool{}
	kinds := make([]string, 0, len(manifest.Artifacts))
	for kind := range manifest.Artifacts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		file := manifest.Artifacts[kind]
		if _, err := bundle.CleanArtifactPath(file.Path); err != nil {
			checks.add(foundry.ReasonInvalidEvidence, kind, err.Error())
			continue
		}
		if !jcs.IsDigest(file.SHA256) {
			checks.add(foundry.ReasonInvalidEvidence, kind, fmt.Sprintf("malformed sha256 %q", file.SHA256))
			continue
		}
		reader, err := b.OpenArtifact(file.Path)
		if err != nil {
			if os.IsNotExist(err) {
				checks.add(foundry.ReasonMissingEvidence, kind, "stored file missing: "+file.Path)
			} else {
				checks.add(foundry.ReasonHashMismatch, kind, err.Error())
			}
			continue
		}
		actual, size, err := bundle.HashStream(reader)
		_ = reader.Close()
		if err != nil {
			checks.add(foundry.ReasonHashMismatch, kind, err.Error())
			continue
		}
		if actual != file.SHA256 || size != file.Size {
			checks.add(foundry.ReasonHashMismatch, kind, fmt.Sprintf("expected %s (%d bytes), stored %s (%d bytes)", file.SHA256, file.Size, actual, size))
			continue
		}
		verified[kind] = true
	}
	return verified
}

func checkResources(checks *accumulator, limits foundry.ResourceLimits, execution *foundry.ManifestExecution) {
	if limits.CPUSeconds <= 0 && limits.MemoryMB <= 0 && limits.WallSeconds <= 0 {
		return
	}
	if execution == nil {
		checks.add(foundry.ReasonResourceUsageMissing, "resource_usage", "manifest carries no sealed resource usage")
		return
	}
	usage := execution.ResourceUsage
	wallExceeded := false
	if usage.TimedOut && limits.WallSeconds > 0 {
		checks.add(foundry.ReasonResourceLimitExceeded, "wall_time", fmt.Sprintf("timed out at %dms, limit %gs", usage.WallMS, limits.WallSeconds))
		wallExceeded = true
	}
	if !wallExceeded && limits.WallSeconds > 0 && float64(usage.WallMS) > limits.WallSeconds*1000 {
		checks.add(foundry.ReasonResourceLimitExceeded, "wall_time", fmt.Sprintf("%dms over %gs", usage.WallMS, limits.WallSeconds))
	}
	if !usage.Measured {
		checks.add(foundry.ReasonResourceUsageMissing, "resource_usage", "cpu and memory usage were not measured")
		return
	}
	if limits.CPUSeconds > 0 && float64(usage.CPUMS) > limits.CPUSeconds*1000 {
		checks.add(foundry.ReasonResourceLimitExceeded, "cpu_time", fmt.Sprintf("%dms over %gs", usage.CPUMS, limits.CPUSeconds))
	}
	if limits.MemoryMB > 0 && usage.MaxRSSKB > limits.MemoryMB*1024 {
		checks.add(foundry.ReasonResourceLimitExceeded, "memory", fmt.Sprintf("%dKB over %dMB", usage.MaxRSSKB, limits.MemoryMB))
	}
}

func (v *Validator) checkDeterminism(checks *accumulator, determinism foundry.Determinism, manifest foundry.ArtifactManifest) {
	if !manifest.HasProvenance() {
		checks.add(foundry.ReasonDeterminismViolation, "provenance", "manifest carries no sealed run inputs")
		return
	}
	genome := manifest.Candidate.Genome
	if genome.Seed != determinism.Seed {
		checks.add(foundry.ReasonDeterminismViolation, "seed", fmt.Sprintf("expected %d, ran with %d", determinism.Seed, genome.Seed))
	}
	if genome.Threads != determinism.Threads {
		checks.add(foundry.ReasonDeterminismViolation, "threads", fmt.Sprintf("expected %d, ran with %d", determinism.Threads, genome.Threads))
	}
	if determinism.EnvLocked && !manifest.Execution.EnvLocked {
		checks.add(foundry.ReasonDeterminismViolation, "env_locked", "contract requires a locked environment")
	}
	sealedTools := manifest.Execution.Toolchain

	pinned := map[string]bool{}
	tools := make([]string, 0, len(determinism.Toolchain))
	for tool := range determinism.Toolchain {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	for _, tool := range tools {
		pinned[tool] = true
		want := determinism.Toolchain[tool]
		if want == foundry.ToolchainLocked {
			ref, ok := v.Lock.Ref(tool)
			if !ok {
				checks.add(foundry.ReasonDeterminismViolation, tool, "no pinned ref in toolchain lock")
				continue
			}
			want = ref
		}
		if got, ok := sealedTools[tool]; !ok || got != want {
			checks.add(foundry.ReasonDeterminismViolation, tool, fmt.Sprintf("expected %s, recorded %q", want, got))
		}
	}

	recorded := make([]string, 0, len(sealedTools))
	for tool := range sealedTools {
		if !pinned[tool] {
			recorded = append(recorded, tool)
		}
	}
	sort.Strings(recorded)
	for _, tool := range recorded {
		if ref, ok := v.Lock.Ref(tool); ok && ref != sealedTools[tool] {
			checks.add(foundry.ReasonDeterminismViolation, tool, fmt.Sprintf("toolchain lock pins %s, recorded %s", ref, sealedTools[tool]))
		}
	}
}

// checkProofChecker requires a present, intact checker verdict to report
// success when the contract names a proof checker.
func checkProofChecker(checks *accumulator, b Bundle, manifest foundry.ArtifactManifest, requirements foundry.EvidenceRequirements, verified map[string]bool) {
	if requirements.ProofChecker == "" || !verified[foundry.KindCheckerVerdict] {
		return
	}
	reader, err := b.OpenArtifact(manifest.Artifacts[foundry.KindCheckerVerdict].Path)
	if err != nil {
		checks.add(foundry.ReasonCheckerRejected, foundry.KindCheckerVerdict, err.Error())
		return
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(reader, maxCheckerVerdictBytes))
	if err != nil {
		checks.add(foundry.ReasonCheckerRejected, foundry.KindCheckerVerdict, err.Error())
		return
	}
	if !lane.CheckerVerified(data) {
		checks.add(foundry.ReasonCheckerRejected, foundry.KindCheckerVerdict, requirements.ProofChecker+" did not report s VERIFIED")
	}
}

func (v *Validator) logger() *slog.Logger {
	if v.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return v.Logger
}

type accumulator struct {
	reasons []foundry.Reason
}

func (a *accumulator) add(code, subject, detail string) {
	a.reasons = append(a.reasons, foundry.Reason{Code: code, Subject: subject, Detail: detail})
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
