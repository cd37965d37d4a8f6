package contract

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	coreerrors "github.com/DustinTheismann/omniforge/core/errors"
	"github.com/DustinTheismann/omniforge/core/bundle"
	"github.com/DustinTheismann/omniforge/core/executor"
	"github.com/DustinTheismann/omniforge/core/lane"
	"github.com/DustinTheismann/omniforge/core/runstore"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
	"github.com/DustinTheismann/omniforge/core/schema/validate"
	"github.com/DustinTheismann/omniforge/core/sign"
	"github.com/DustinTheismann/omniforge/core/toolchain"
)

const testRunID = "run_validator"

func testContract(kinds ...string) foundry.EvalContract {
	contract := Default()
	contract.EvidenceRequirements.ProofChecker = ""
	contract.EvidenceRequirements.RequiredKinds = kinds
	return contract
}

func measured() runstore.Execution {
	return runstore.Execution{
		Usage:  foundry.ResourceUsage{Measured: true, WallMS: 40, CPUMS: 20, MaxRSSKB: 4096},
		Result: lane.ResultUnknown,
	}
}

func outputs(kinds ...string) []executor.Output {
	result := make([]executor.Output, 0, len(kinds))
	for _, kind := range kinds {
		result = append(result, executor.Output{Kind: kind, Data: []byte(kind + " bytes\n")})
	}
	return result
}

func mustRegistry(t *testing.T) *validate.Registry {
	t.Helper()
	registry, err := validate.LoadEmbeddedRegistry()
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return registry
}

type fixtureOptions struct {
	signKey sign.KeyPair
}

// buildRun records a run for contract and seals a bundle from produced.
func buildRun(t *testing.T, contract foundry.EvalContract, produced []executor.Output, execution runstore.Execution, opts ...fixtureOptions) (string, *bundle.Loaded) {
	t.Helper()
	root := t.TempDir()
	store := runstore.New(root, nil)
	ref, err := RefOf(contract)
	if err != nil {
		t.Fatalf("contract ref: %v", err)
	}
	config := foundry.RunConfig{
		Lane:       contract.Lane,
		BenchSuite: contract.Benchmarks.SuiteID,
		CaseID:     contract.Benchmarks.Cases[0],
		Executor:   foundry.ExecutorConfig{Adapter: executor.AdapterPlaceholder},
		Seed:       contract.Determinism.Seed,
		Threads:    contract.Determinism.Threads,
		EnvLocked:  contract.Determinism.EnvLocked,
	}
	if _, err := store.Create(runstore.CreateOptions{RunID: testRunID, ContractRef: ref, Contract: contract, Config: config}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := store.Start(testRunID); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if _, err := store.RecordExecution(testRunID, execution); err != nil {
		t.Fatalf("record execution: %v", err)
	}
	options := bundle.Options{Root: root}
	if len(opts) > 0 {
		options.SignKey = opts[0].signKey.Private
	}
	if _, err := bundle.NewBuilder(options).Build(context.Background(), testRunID, executor.RawOutputs{Outputs: produced}); err != nil {
		t.Fatalf("build bundle: %v", err)
	}
	return root, mustLoad(t, root)
}

func mustLoad(t *testing.T, root string) *bundle.Loaded {
	t.Helper()
	loaded, err := bundle.Load(root, testRunID)
	if err != nil {
		t.Fatalf("load bundle: %v", err)
	}
	return loaded
}

func reasonStrings(verdict foundry.Verdict) []string {
	result := make([]string, 0, len(verdict.Reasons))
	for _, reason := range verdict.Reasons {
		result = append(result, reason.String())
	}
	return result
}

func hasReason(verdict foundry.Verdict, want string) bool {
	for _, reason := range verdict.Reasons {
		if reason.String() == want {
			return true
		}
	}
	return false
}

func TestValidateAcceptsCompleteBundle(t *testing.T) {
	contract := testContract(foundry.KindStdout, foundry.KindStderr)
	_, loaded := buildRun(t, contract, outputs(foundry.KindStdout, foundry.KindStderr), measured())

	validator := &Validator{Registry: mustRegistry(t)}
	verdict := validator.Validate(loaded, contract)
	if !verdict.Accepted() {
		t.Fatalf("expected accepted verdict, got %v", reasonStrings(verdict))
	}
	ref, _ := RefOf(contract)
	if verdict.ContractRef != ref || verdict.RunID != testRunID {
		t.Fatalf("unexpected verdict identity: %#v", verdict)
	}
}

func TestValidateRejectsMissingRequiredKind(t *testing.T) {
	contract := testContract(foundry.KindStdout, foundry.KindProofLog)
	_, loaded := buildRun(t, contract, outputs(foundry.KindStdout), measured())

	verdict := (&Validator{Registry: mustRegistry(t)}).Validate(loaded, contract)
	if verdict.Status != foundry.VerdictRejected {
		t.Fatalf("expected rejected verdict, got %s", verdict.Status)
	}
	if diff := cmp.Diff([]string{"missing_evidence(proof_log)"}, reasonStrings(verdict)); diff != "" {
		t.Fatalf("reasons mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{foundry.KindProofLog}, verdict.MissingKinds); diff != "" {
		t.Fatalf("missing kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateRejectsTamperedArtifact(t *testing.T) {
	contract := testContract(foundry.KindStdout, foundry.KindProofLog)
	root, _ := buildRun(t, contract, outputs(foundry.KindStdout, foundry.KindProofLog), measured())

	proofPath := filepath.Join(runstore.RunDir(root, testRunID), filepath.FromSlash(bundle.EvidencePath(foundry.KindProofLog)))
	if err := os.WriteFile(proofPath, []byte("forged proof\n"), 0o600); err != nil {
		t.Fatalf("tamper proof log: %v", err)
	}

	verdict := (&Validator{Registry: mustRegistry(t)}).Validate(mustLoad(t, root), contract)
	if diff := cmp.Diff([]string{"hash_mismatch(proof_log)"}, reasonStrings(verdict)); diff != "" {
		t.Fatalf("reasons mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{foundry.KindProofLog}, verdict.InvalidKinds); diff != "" {
		t.Fatalf("invalid kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateRejectsDeletedStoredFile(t *testing.T) {
	contract := testContract(foundry.KindStdout)
	root, _ := buildRun(t, contract, outputs(foundry.KindStdout), measured())
	stdoutPath := filepath.Join(runstore.RunDir(root, testRunID), filepath.FromSlash(bundle.EvidencePath(foundry.KindStdout)))
	if err := os.Remove(stdoutPath); err != nil {
		t.Fatalf("remove stdout: %v", err)
	}

	verdict := (&Validator{Registry: mustRegistry(t)}).Validate(mustLoad(t, root), contract)
	if diff := cmp.Diff([]string{"missing_evidence(stdout)"}, reasonStrings(verdict)); diff != "" {
		t.Fatalf("reasons mismatch (-want +got):\n%s", diff)
	}
}

// editedBundle serves a manifest that differs from the sealed one on disk.
type editedBundle struct {
	*bundle.Loaded
	manifest     foundry.ArtifactManifest
	manifestJSON []byte
}

func (e editedBundle) Manifest() foundry.ArtifactManifest {
	return e.manifest
}

func (e editedBundle) ManifestJSON() []byte {
	return e.manifestJSON
}

func TestValidateFailsClosedWhenAnyRequiredKindIsDropped(t *testing.T) {
	kinds := []string{foundry.KindStdout, foundry.KindStderr, foundry.KindModel}
	contract := testContract(kinds...)
	_, loaded := buildRun(t, contract, outputs(kinds...), measured())
	validator := &Validator{Registry: mustRegistry(t)}
	if verdict := validator.Validate(loaded, contract); !verdict.Accepted() {
		t.Fatalf("baseline should be accepted, got %v", reasonStrings(verdict))
	}

	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			manifest := loaded.Manifest()
			artifacts := map[string]foundry.ArtifactFile{}
			for name, file := range manifest.Artifacts {
				if name != kind {
					artifacts[name] = file
				}
			}
			manifest.Artifacts = artifacts
			encoded, err := json.Marshal(manifest)
			if err != nil {
				t.Fatalf("encode manifest: %v", err)
			}
			verdict := validator.Validate(editedBundle{Loaded: loaded, manifest: manifest, manifestJSON: encoded}, contract)
			if verdict.Status != foundry.VerdictRejected {
				t.Fatalf("dropping %s should reject", kind)
			}
			if !hasReason(verdict, "missing_evidence("+kind+")") {
				t.Fatalf("expected missing_evidence(%s), got %v", kind, reasonStrings(verdict))
			}
		})
	}
}

func TestValidateAccumulatesEveryFailure(t *testing.T) {
	contract := testContract(foundry.KindStdout, foundry.KindProofLog)
	execution := runstore.Execution{
		Usage:  foundry.ResourceUsage{Measured: true, WallMS: 9000, CPUMS: 5000, MaxRSSKB: 512 * 1024},
		Result: lane.ResultSAT,
	}
	root, _ := buildRun(t, contract, outputs(foundry.KindStdout), execution)
	stdoutPath := filepath.Join(runstore.RunDir(root, testRunID), filepath.FromSlash(bundle.EvidencePath(foundry.KindStdout)))
	if err := os.WriteFile(stdoutPath, []byte("changed\n"), 0o600); err != nil {
		t.Fatalf("tamper stdout: %v", err)
	}

	verdict := (&Validator{Registry: mustRegistry(t)}).Validate(mustLoad(t, root), contract)
	want := []string{
		"missing_evidence(proof_log)",
		"hash_mismatch(stdout)",
		"resource_limit_exceeded(wall_time)",
		"resource_limit_exceeded(cpu_time)",
		"resource_limit_exceeded(memory)",
	}
	if diff := cmp.Diff(want, reasonStrings(verdict)); diff != "" {
		t.Fatalf("reasons mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateResourceUsage(t *testing.T) {
	tests := []struct {
		name  string
		usage foundry.ResourceUsage
		want  []string
	}{
		{
			name:  "unmeasured",
			usage: foundry.ResourceUsage{WallMS: 10},
			want:  []string{"resource_usage_missing(resource_usage)"},
		},
		{
			name:  "timed_out",
			usage: foundry.ResourceUsage{TimedOut: true, WallMS: 2000},
			want:  []string{"resource_limit_exceeded(wall_time)", "resource_usage_missing(resource_usage)"},
		},
		{
			name:  "within_limits",
			usage: foundry.ResourceUsage{Measured: true, WallMS: 1999, CPUMS: 2000, MaxRSSKB: 256 * 1024},
			want:  []string{},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			contract := testContract(foundry.KindStdout)
			_, loaded := buildRun(t, contract, outputs(foundry.KindStdout), runstore.Execution{Usage: test.usage})
			verdict := (&Validator{Registry: mustRegistry(t)}).Validate(loaded, contract)
			if diff := cmp.Diff(test.want, reasonStrings(verdict)); diff != "" {
				t.Fatalf("reasons mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValidateUnsatRequiresProofAndVerifiedChecker(t *testing.T) {
	contract := testContract(foundry.KindStdout)
	contract.EvidenceRequirements.UnsatRequiresProof = true
	contract.EvidenceRequirements.ProofChecker = "drat-trim"
	execution := measured()
	execution.Result = lane.ResultUNSAT

	produced := []executor.Output{
		{Kind: foundry.KindStdout, Data: []byte("s UNSATISFIABLE\n")},
		{Kind: foundry.KindProofLog, Data: []byte("1 2 0\nd 1 0\n")},
		{Kind: foundry.KindCheckerVerdict, Data: []byte("s NOT VERIFIED\n")},
	}
	_, loaded := buildRun(t, contract, produced[:1], execution)
	verdict := (&Validator{Registry: mustRegistry(t)}).Validate(loaded, contract)
	want := []string{"missing_evidence(checker_verdict)", "missing_evidence(proof_log)"}
	if diff := cmp.Diff(want, reasonStrings(verdict)); diff != "" {
		t.Fatalf("reasons mismatch (-want +got):\n%s", diff)
	}

	_, loaded = buildRun(t, contract, produced, execution)
	verdict = (&Validator{Registry: mustRegistry(t)}).Validate(loaded, contract)
	if diff := cmp.Diff([]string{"checker_rejected(checker_verdict)"}, reasonStrings(verdict)); diff != "" {
		t.Fatalf("reasons mismatch (-want +got):\n%s", diff)
	}

	produced[2].Data = []byte("c drat-trim\ns VERIFIED\n")
	_, loaded = buildRun(t, contract, produced, execution)
	if verdict := (&Validator{Registry: mustRegistry(t)}).Validate(loaded, contract); !verdict.Accepted() {
		t.Fatalf("expected accepted verdict, got %v", reasonStrings(verdict))
	}
}

func TestValidateDeterminism(t *testing.T) {
	lock, err := toolchain.Parse([]byte("tools:\n  cadical:\n    repo: https://github.com/arminbiere/cadical\n    ref: rel-1.9.5\n  drat-trim:\n    repo: https://github.com/marijnheule/drat-trim\n    ref: v2023.05\n"))
	if err != nil {
		t.Fatalf("parse lock: %v", err)
	}

	contract := testContract(foundry.KindStdout)
	contract.Determinism.Toolchain = map[string]string{"cadical": foundry.ToolchainLocked, "kissat": foundry.ToolchainLocked}
	execution := measured()
	execution.Toolchain = map[string]string{"cadical": "rel-1.9.5", "drat-trim": "master"}
	_, loaded := buildRun(t, contract, outputs(foundry.KindStdout), execution)

	verdict := (&Validator{Registry: mustRegistry(t), Lock: lock}).Validate(loaded, contract)
	want := []string{"determinism_violation(kissat)", "determinism_violation(drat-trim)"}
	if diff := cmp.Diff(want, reasonStrings(verdict)); diff != "" {
		t.Fatalf("reasons mismatch (-want +got):\n%s", diff)
	}

	other := contract
	other.Determinism.Seed = 7
	verdict = (&Validator{Registry: mustRegistry(t), Lock: lock}).Validate(loaded, other)
	if !hasReason(verdict, "determinism_violation(seed)") || !hasReason(verdict, "contract_mismatch(contract)") {
		t.Fatalf("expected seed and contract violations, got %v", reasonStrings(verdict))
	}
}

// editRecord rewrites run.json in place, after the bundle was sealed.
func editRecord(t *testing.T, root string, edit func(*foundry.RunRecord)) {
	t.Helper()
	path := runstore.RecordPath(root, testRunID)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read run record: %v", err)
	}
	var record foundry.RunRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		t.Fatalf("parse run record: %v", err)
	}
	edit(&record)
	edited, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("encode run record: %v", err)
	}
	if err := os.WriteFile(path, edited, 0o600); err != nil {
		t.Fatalf("write run record: %v", err)
	}
}

func TestValidateSealsRunInputs(t *testing.T) {
	contract := testContract(foundry.KindStdout)
	_, loaded := buildRun(t, contract, outputs(foundry.KindStdout), measured())
	manifest := loaded.Manifest()
	if !manifest.HasProvenance() {
		t.Fatalf("expected sealed provenance: %+v", manifest)
	}
	ref, _ := RefOf(contract)
	if *manifest.ContractRef != ref || manifest.Lane != lane.SAT {
		t.Fatalf("unexpected sealed contract: %+v %s", manifest.ContractRef, manifest.Lane)
	}
	want := foundry.ManifestInputs{BenchSuite: "sat.tiny", CaseID: "uf20-01.cnf"}
	if diff := cmp.Diff(want, *manifest.Inputs); diff != "" {
		t.Fatalf("inputs mismatch (-want +got):\n%s", diff)
	}
	candidate := foundry.ManifestCandidate{
		Executor:    executor.AdapterPlaceholder,
		Genome:      foundry.CandidateGenome{Seed: 0, Threads: 1},
		Commandline: []string{"placeholder_solver", "--seed", "0"},
	}
	if diff := cmp.Diff(candidate, *manifest.Candidate); diff != "" {
		t.Fatalf("candidate mismatch (-want +got):\n%s", diff)
	}
	if manifest.Execution.ResourceUsage != measured().Usage || manifest.Outputs.Result != lane.ResultUnknown {
		t.Fatalf("unexpected sealed execution: %+v %+v", manifest.Execution, manifest.Outputs)
	}
}

func TestValidateIgnoresEditedRunRecord(t *testing.T) {
	pair, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	contract := testContract(foundry.KindStdout)
	execution := measured()
	execution.Result = lane.ResultUNSAT
	produced := []executor.Output{{Kind: foundry.KindStdout, Data: []byte("s UNSATISFIABLE\n")}}
	root, loaded := buildRun(t, contract, produced, execution, fixtureOptions{signKey: pair})
	validator := &Validator{Registry: mustRegistry(t), PublicKey: pair.Public, RequireSignature: true}
	want := []string{"missing_evidence(checker_verdict)", "missing_evidence(proof_log)"}
	if diff := cmp.Diff(want, reasonStrings(validator.Validate(loaded, contract))); diff != "" {
		t.Fatalf("baseline reasons mismatch (-want +got):\n%s", diff)
	}

	editRecord(t, root, func(record *foundry.RunRecord) {
		record.Result = lane.ResultSAT
		record.ResourceUsage.WallMS = 1
		record.Config.Seed = 9
	})
	verdict := validator.Validate(mustLoad(t, root), contract)
	want = []string{
		"record_mismatch(commandline)",
		"record_mismatch(seed)",
		"record_mismatch(resource_usage)",
		"record_mismatch(result)",
		"missing_evidence(checker_verdict)",
		"missing_evidence(proof_log)",
	}
	if diff := cmp.Diff(want, reasonStrings(verdict)); diff != "" {
		t.Fatalf("reasons mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateDerivesResultFromStdout(t *testing.T) {
	contract := testContract(foundry.KindStdout)
	execution := measured()
	execution.Result = lane.ResultSAT
	produced := []executor.Output{{Kind: foundry.KindStdout, Data: []byte("c cadical\ns UNSATISFIABLE\n")}}
	_, loaded := buildRun(t, contract, produced, execution)

	verdict := (&Validator{Registry: mustRegistry(t)}).Validate(loaded, contract)
	want := []string{
		"result_mismatch(result)",
		"missing_evidence(checker_verdict)",
		"missing_evidence(proof_log)",
	}
	if diff := cmp.Diff(want, reasonStrings(verdict)); diff != "" {
		t.Fatalf("reasons mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateSealedInputsAgainstContract(t *testing.T) {
	contract := testContract(foundry.KindStdout)
	_, loaded := buildRun(t, contract, outputs(foundry.KindStdout), measured())

	other := contract
	other.Benchmarks = foundry.Benchmarks{SuiteID: "sat.large", Cases: []string{"uf250-01.cnf"}}
	verdict := (&Validator{Registry: mustRegistry(t)}).Validate(loaded, other)
	want := []string{
		"contract_mismatch(contract)",
		"contract_mismatch(bench_suite)",
		"contract_mismatch(case_id)",
	}
	if diff := cmp.Diff(want, reasonStrings(verdict)); diff != "" {
		t.Fatalf("reasons mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateBundleWithoutProvenance(t *testing.T) {
	root := t.TempDir()
	contract := testContract(foundry.KindStdout)
	if _, err := bundle.NewBuilder(bundle.Options{Root: root}).Build(context.Background(), testRunID, executor.RawOutputs{Outputs: outputs(foundry.KindStdout)}); err != nil {
		t.Fatalf("build bundle: %v", err)
	}
	loaded := mustLoad(t, root)
	if loaded.Manifest().HasProvenance() {
		t.Fatalf("bundle without a run record must not carry provenance")
	}
	verdict := (&Validator{Registry: mustRegistry(t)}).Validate(loaded, contract)
	want := []string{"resource_usage_missing(resource_usage)", "determinism_violation(provenance)"}
	if diff := cmp.Diff(want, reasonStrings(verdict)); diff != "" {
		t.Fatalf("reasons mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateSignatures(t *testing.T) {
	pair, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	other, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	contract := testContract(foundry.KindStdout)
	registry := mustRegistry(t)

	_, signed := buildRun(t, contract, outputs(foundry.KindStdout), measured(), fixtureOptions{signKey: pair})
	if verdict := (&Validator{Registry: registry, PublicKey: pair.Public, RequireSignature: true}).Validate(signed, contract); !verdict.Accepted() {
		t.Fatalf("expected accepted signed verdict, got %v", reasonStrings(verdict))
	}
	verdict := (&Validator{Registry: registry, PublicKey: other.Public}).Validate(signed, contract)
	if diff := cmp.Diff([]string{"signature_invalid(signature[0])"}, reasonStrings(verdict)); diff != "" {
		t.Fatalf("reasons mismatch (-want +got):\n%s", diff)
	}

	_, unsigned := buildRun(t, contract, outputs(foundry.KindStdout), measured())
	verdict = (&Validator{Registry: registry, PublicKey: pair.Public, RequireSignature: true}).Validate(unsigned, contract)
	if diff := cmp.Diff([]string{"signature_missing(manifest)"}, reasonStrings(verdict)); diff != "" {
		t.Fatalf("reasons mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateDetectsEditedManifest(t *testing.T) {
	contract := testContract(foundry.KindStdout)
	root, _ := buildRun(t, contract, outputs(foundry.KindStdout), measured())
	manifestPath := runstore.ManifestPath(root, testRunID)
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var object map[string]any
	if err := json.Unmarshal(raw, &object); err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	object["unavailable"] = []any{map[string]any{"kind": foundry.KindModel, "reason": "source_unreadable"}}
	edited, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	if err := os.WriteFile(manifestPath, edited, 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	verdict := (&Validator{Registry: mustRegistry(t)}).Validate(mustLoad(t, root), contract)
	if diff := cmp.Diff([]string{"manifest_digest_mismatch(manifest)"}, reasonStrings(verdict)); diff != "" {
		t.Fatalf("reasons mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateRejectsUnparsableManifest(t *testing.T) {
	contract := testContract(foundry.KindStdout)
	root, _ := buildRun(t, contract, outputs(foundry.KindStdout), measured())
	if err := os.WriteFile(runstore.ManifestPath(root, testRunID), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	verdict := (&Validator{Registry: mustRegistry(t)}).Validate(mustLoad(t, root), contract)
	if verdict.Status != foundry.VerdictRejected {
		t.Fatalf("expected rejection")
	}
	for _, want := range []string{"schema_violation(manifest)", "manifest_digest_mismatch(manifest)", "missing_evidence(stdout)", "run_mismatch(manifest)"} {
		if !hasReason(verdict, want) {
			t.Fatalf("expected %s, got %v", want, reasonStrings(verdict))
		}
	}
}

func TestDecide(t *testing.T) {
	ref := foundry.ContractRef{Version: "0.2.0", Digest: "abc"}
	accepted := Decide("run", ref, nil)
	if !accepted.Accepted() || accepted.MissingKinds != nil {
		t.Fatalf("expected accepted verdict: %#v", accepted)
	}
	rejected := Decide("run", ref, []foundry.Reason{
		{Code: foundry.ReasonMissingEvidence, Subject: "stdout"},
		{Code: foundry.ReasonHashMismatch, Subject: "proof_log"},
		{Code: foundry.ReasonInvalidEvidence, Subject: "model"},
		{Code: foundry.ReasonMissingEvidence, Subject: "stdout"},
	})
	if rejected.Status != foundry.VerdictRejected {
		t.Fatalf("expected rejected verdict")
	}
	if diff := cmp.Diff([]string{"stdout"}, rejected.MissingKinds); diff != "" {
		t.Fatalf("missing kinds mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"model", "proof_log"}, rejected.InvalidKinds); diff != "" {
		t.Fatalf("invalid kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestRequiredKinds(t *testing.T) {
	contract := testContract(foundry.KindStdout)
	contract.EvidenceRequirements.UnsatRequiresProof = true
	if diff := cmp.Diff([]string{"stdout"}, RequiredKinds(contract, lane.ResultSAT)); diff != "" {
		t.Fatalf("sat kinds mismatch (-want +got):\n%s", diff)
	}
	want := []string{"checker_verdict", "proof_log", "stdout"}
	if diff := cmp.Diff(want, RequiredKinds(contract, lane.ResultUNSAT)); diff != "" {
		t.Fatalf("unsat kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDefaultContractRoundTrip(t *testing.T) {
	registry := mustRegistry(t)
	encoded, err := Marshal(Default())
	if err != nil {
		t.Fatalf("marshal default: %v", err)
	}
	parsed, err := Parse(registry, encoded)
	if err != nil {
		t.Fatalf("parse default: %v", err)
	}
	if diff := cmp.Diff(Default(), parsed); diff != "" {
		t.Fatalf("default contract mismatch (-want +got):\n%s", diff)
	}
	first, _ := RefOf(parsed)
	second, _ := RefOf(Default())
	if first != second || first.Version != "0.2.0" {
		t.Fatalf("contract refs differ: %#v %#v", first, second)
	}
}

func TestParseRejectsInvalidContracts(t *testing.T) {
	registry := mustRegistry(t)
	tests := []struct {
		name string
		body string
	}{
		{name: "not_json", body: "{"},
		{name: "missing_fields", body: `{"version":"1"}`},
		{name: "unknown_lane", body: `{"version":"1","lane":"tsp","benchmarks":{"suite_id":"x","cases":["a"]},"resources":{"cpu_seconds":1,"memory_mb":1,"wall_seconds":1},"determinism":{"seed":0,"threads":1,"env_locked":false},"evidence_requirements":{"require_artifacts":true,"require_hash_manifest":true,"unsat_requires_proof":false,"proof_checker":""}}`},
		{name: "unknown_field", body: `{"version":"1","lane":"sat","extra":1,"benchmarks":{"suite_id":"x","cases":["a"]},"resources":{"cpu_seconds":1,"memory_mb":1,"wall_seconds":1},"determinism":{"seed":0,"threads":1,"env_locked":false},"evidence_requirements":{"require_artifacts":true,"require_hash_manifest":true,"unsat_requires_proof":false,"proof_checker":""}}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse(registry, []byte(test.body))
			if err == nil {
				t.Fatalf("expected parse failure")
			}
			var invalid *InvalidContractError
			if !errors.As(err, &invalid) || len(invalid.Violations) == 0 {
				t.Fatalf("expected InvalidContractError, got %v", err)
			}
			if coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput {
				t.Fatalf("unexpected category %q", coreerrors.CategoryOf(err))
			}
		})
	}
}

func TestLoadMissingContract(t *testing.T) {
	_, err := Load(mustRegistry(t), filepath.Join(t.TempDir(), "missing.json"))
	if err == nil || coreerrors.CodeOf(err) != "contract_unreadable" {
		t.Fatalf("expected contract_unreadable, got %v", err)
	}
}
