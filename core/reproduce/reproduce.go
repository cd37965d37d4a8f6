// Package reproduce re-executes sealed runs and compares the replayed bundle
// with the original, hash by hash.
package reproduce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/DustinTheismann/omniforge/core/bundle"
	coreerrors "github.com/DustinTheismann/omniforge/core/errors"
	"github.com/DustinTheismann/omniforge/core/executor"
	"github.com/DustinTheismann/omniforge/core/fsx"
	"github.com/DustinTheismann/omniforge/core/jcs"
	"github.com/DustinTheismann/omniforge/core/runstore"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
)

const (
	ReproductionsDir = "reproductions"
	ResultFile       = "reproduction.json"
)

const (
	DiffMissingKind    = "missing_kind"
	DiffExtraKind      = "extra_kind"
	DiffHashMismatch   = "hash_mismatch"
	DiffManifestDigest = "manifest_digest"
	DiffProvenance     = "provenance_mismatch"
)

type Diff struct {
	Kind     string `json:"kind"`
	Type     string `json:"type"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

func (d Diff) String() string {
	return fmt.Sprintf("%s(%s): expected %q, actual %q", d.Type, d.Kind, d.Expected, d.Actual)
}

// Result of one replay. A mismatch is data, not an error.
type Result struct {
	RunID         string `json:"run_id"`
	ReplayID      string `json:"replay_id"`
	Match         bool   `json:"match"`
	Diffs         []Diff `json:"diffs,omitempty"`
	ReplayDir     string `json:"replay_dir"`
	ExecutorError string `json:"executor_error,omitempty"`
}

// VerifyResult is a stored-hash check of a bundle without re-running it.
type VerifyResult struct {
	RunID    string `json:"run_id"`
	OK       bool   `json:"ok"`
	Failures []Diff `json:"failures,omitempty"`
}

type Reproducer struct {
	Root        string
	Adapters    executor.Factory
	NewReplayID func() string
	Logger      *slog.Logger
}

// Reproduce replays runID through its recorded executor config into
// <root>/reproductions/<replay_id>/ and diffs the result against the sealed
// manifest. The replay gets its own run record, so its manifest seals the
// replay's inputs and usage. Failing to re-run at all is a
// reproduction_failed error.
func (r *Reproducer) Reproduce(ctx context.Context, runID string) (Result, error) {
	root := r.root()
	store := runstore.New(root, r.logger())
	record, err := store.Load(runID)
	if err != nil {
		return Result{}, reproductionFailed("reproduce_run_unavailable", err)
	}
	contract, err := store.LoadContract(runID)
	if err != nil {
		return Result{}, reproductionFailed("reproduce_run_unavailable", err)
	}
	original, err := bundle.Load(root, runID)
	if err != nil {
		return Result{}, reproductionFailed("reproduce_manifest_unavailable", err)
	}
	if original.ParseError() != nil {
		return Result{}, reproductionFailed("reproduce_manifest_unavailable", fmt.Errorf("parse sealed manifest: %w", original.ParseError()))
	}

	factory := r.Adapters
	if factory == nil {
		factory = executor.New
	}
	adapter, err := factory(record.Config.Executor)
	if err != nil {
		return Result{}, reproductionFailed("reproduce_adapter_unavailable", err)
	}

	raw, execErr := executor.Run(ctx, adapter, record.Config, executor.WallLimit(contract.Resources.WallSeconds))
	if execErr != nil && len(raw.Outputs) == 0 {
		return Result{}, reproductionFailed("reproduce_execution_failed", execErr)
	}

	replayID := r.replayID()
	if err := runstore.ValidateRunID(replayID); err != nil {
		return Result{}, reproductionFailed("reproduce_replay_id_invalid", err)
	}
	replayRoot := filepath.Join(root, ReproductionsDir, replayID)
	if err := fsx.MkdirExclusive(replayRoot, 0o750); err != nil {
		if errors.Is(err, os.ErrExist) {
			return Result{}, coreerrors.Wrap(fmt.Errorf("replay %s already exists: %w", replayID, err), coreerrors.CategoryStateContention, "replay_exists", "choose a new replay id", false)
		}
		return Result{}, reproductionFailed("reproduce_replay_dir_failed", err)
	}

	replayStore := runstore.New(replayRoot, r.logger())
	if err := recordReplay(replayStore, record, original.Manifest(), contract, raw, execErr); err != nil {
		return Result{}, reproductionFailed("reproduce_record_failed", err)
	}
	builder := bundle.NewBuilder(bundle.Options{Root: replayRoot, Logger: r.logger()})
	replayed, err := builder.Build(ctx, runID, raw)
	if err != nil {
		return Result{}, reproductionFailed("reproduce_build_failed", err)
	}

	diffs := DiffManifests(original.Manifest(), replayed)
	result := Result{
		RunID:     runID,
		ReplayID:  replayID,
		Match:     len(diffs) == 0,
		Diffs:     diffs,
		ReplayDir: runstore.RunDir(replayRoot, runID),
	}
	if execErr != nil {
		result.ExecutorError = execErr.Error()
	}
	if _, err := replayStore.Finish(runID, foundry.StatusCompleted, map[string]any{"match": result.Match, "diff_count": len(diffs)}); err != nil {
		return Result{}, reproductionFailed("reproduce_record_failed", err)
	}
	if err := writeResult(filepath.Join(replayRoot, ResultFile), result); err != nil {
		return Result{}, err
	}
	r.logger().Info("run reproduced",
		"run_id", runID,
		"replay_id", replayID,
		"match", result.Match,
		"diff_count", len(diffs),
	)
	return result, nil
}

// recordReplay registers the replay under its own root with the contract ref
// the original sealed, then stores what the replay measured.
func recordReplay(store *runstore.Store, record foundry.RunRecord, sealed foundry.ArtifactManifest, contract foundry.EvalContract, raw executor.RawOutputs, execErr error) error {
	ref := record.ContractRef
	if sealed.ContractRef != nil {
		ref = *sealed.ContractRef
	}
	if _, err := store.Create(runstore.CreateOptions{
		RunID:           record.RunID,
		ProducerVersion: record.ProducerVersion,
		ContractRef:     ref,
		Contract:        contract,
		Config:          record.Config,
	}); err != nil {
		return err
	}
	if _, err := store.Start(record.RunID); err != nil {
		return err
	}
	execution := runstore.Execution{Usage: raw.Usage, Toolchain: raw.Toolchain, Result: raw.Result}
	if execErr != nil {
		execution.ExecutorError = execErr.Error()
	}
	_, err := store.RecordExecution(record.RunID, execution)
	return err
}

// DiffManifests compares kinds as sets and hashes on every shared kind. When
// both manifests sealed their run inputs, those must agree too.
func DiffManifests(original, replayed foundry.ArtifactManifest) []Diff {
	kinds := map[string]struct{}{}
	for kind := range original.Artifacts {
		kinds[kind] = struct{}{}
	}
	for kind := range replayed.Artifacts {
		kinds[kind] = struct{}{}
	}
	sorted := make([]string, 0, len(kinds))
	for kind := range kinds {
		sorted = append(sorted, kind)
	}
	sort.Strings(sorted)

	diffs := make([]Diff, 0)
	for _, kind := range sorted {
		want, inOriginal := original.Artifacts[kind]
		got, inReplay := replayed.Artifacts[kind]
		switch {
		case !inReplay:
			diffs = append(diffs, Diff{Kind: kind, Type: DiffMissingKind, Expected: want.SHA256})
		case !inOriginal:
			diffs = append(diffs, Diff{Kind: kind, Type: DiffExtraKind, Actual: got.SHA256})
		case want.SHA256 != got.SHA256:
			diffs = append(diffs, Diff{Kind: kind, Type: DiffHashMismatch, Expected: want.SHA256, Actual: got.SHA256})
		}
	}
	if original.HasProvenance() && replayed.HasProvenance() {
		diffs = append(diffs, diffProvenance(original, replayed)...)
	}
	return diffs
}

func diffProvenance(original, replayed foundry.ArtifactManifest) []Diff {
	diffs := make([]Diff, 0)
	compare := func(field, expected, actual string) {
		if expected != actual {
			diffs = append(diffs, Diff{Kind: field, Type: DiffProvenance, Expected: expected, Actual: actual})
		}
	}
	compare("lane", original.Lane, replayed.Lane)
	compare("contract_ref", original.ContractRef.Digest, replayed.ContractRef.Digest)
	compare("bench_suite", original.Inputs.BenchSuite, replayed.Inputs.BenchSuite)
	compare("case_id", original.Inputs.CaseID, replayed.Inputs.CaseID)
	compare("executor", original.Candidate.Executor, replayed.Candidate.Executor)
	compare("commandline", strings.Join(original.Candidate.Commandline, " "), strings.Join(replayed.Candidate.Commandline, " "))
	compare("seed", strconv.FormatInt(original.Candidate.Genome.Seed, 10), strconv.FormatInt(replayed.Candidate.Genome.Seed, 10))
	compare("threads", strconv.Itoa(original.Candidate.Genome.Threads), strconv.Itoa(replayed.Candidate.Genome.Threads))
	return diffs
}

// VerifyStored re-hashes a stored bundle against its own manifest.
func (r *Reproducer) VerifyStored(runID string) (VerifyResult, error) {
	loaded, err := bundle.Load(r.root(), runID)
	if err != nil {
		return VerifyResult{}, err
	}
	result := VerifyResult{RunID: runID}
	if loaded.ParseError() != nil {
		result.Failures = append(result.Failures, Diff{Kind: "manifest", Type: DiffManifestDigest, Actual: loaded.ParseError().Error()})
		return result, nil
	}
	manifest := loaded.Manifest()
	signable, err := bundle.SignableManifestBytes(loaded.ManifestJSON())
	if err != nil {
		result.Failures = append(result.Failures, Diff{Kind: "manifest", Type: DiffManifestDigest, Expected: manifest.ManifestDigest, Actual: err.Error()})
	} else if digest := jcs.SHA256Hex(signable); digest != manifest.ManifestDigest {
		result.Failures = append(result.Failures, Diff{Kind: "manifest", Type: DiffManifestDigest, Expected: manifest.ManifestDigest, Actual: digest})
	}

	kinds := make([]string, 0, len(manifest.Artifacts))
	for kind := range manifest.Artifacts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		file := manifest.Artifacts[kind]
		reader, err := loaded.OpenArtifact(file.Path)
		if err != nil {
			result.Failures = append(result.Failures, Diff{Kind: kind, Type: DiffMissingKind, Expected: file.SHA256})
			continue
		}
		actual, _, err := bundle.HashStream(reader)
		_ = reader.Close()
		if err != nil {
			return VerifyResult{}, coreerrors.Wrap(fmt.Errorf("hash %s: %w", kind, err), coreerrors.CategoryHashComputation, "stored_hash_failed", "", false)
		}
		if actual != file.SHA256 {
			result.Failures = append(result.Failures, Diff{Kind: kind, Type: DiffHashMismatch, Expected: file.SHA256, Actual: actual})
		}
	}
	result.OK = len(result.Failures) == 0
	return result, nil
}

func (r *Reproducer) root() string {
	if r.Root == "" {
		return runstore.DefaultRoot
	}
	return r.Root
}

func (r *Reproducer) replayID() string {
	if r.NewReplayID != nil {
		return r.NewReplayID()
	}
	return "replay-" + uuid.NewString()
}

func (r *Reproducer) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r.Logger
}

func writeResult(path string, result Result) error {
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "reproduction_encode_failed", "", false)
	}
	if err := fsx.WriteFileAtomic(path, append(encoded, '\n'), 0o600); err != nil {
		return coreerrors.Wrap(fmt.Errorf("write reproduction result: %w", err), coreerrors.CategoryIOFailure, "io_failure", "check artifacts root permissions", true)
	}
	return nil
}

func reproductionFailed(code string, err error) error {
	return coreerrors.Wrap(err, coreerrors.CategoryReproductionFailed, code, "the original run could not be re-executed", false)
}
