// Package bundle assembles executor outputs into a sealed, content-addressed
// run bundle and reads bundles back for validation.
package bundle

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	coreerrors "github.com/DustinTheismann/omniforge/core/errors"
	"github.com/DustinTheismann/omniforge/core/executor"
	"github.com/DustinTheismann/omniforge/core/fsx"
	"github.com/DustinTheismann/omniforge/core/jcs"
	"github.com/DustinTheismann/omniforge/core/lane"
	"github.com/DustinTheismann/omniforge/core/runstore"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
	"github.com/DustinTheismann/omniforge/core/sign"
)

const (
	ReasonSourceUnreadable = "source_unreadable"
	defaultConcurrency     = 4
)

var (
	ErrBuildInProgress = errors.New("bundle build already in progress for run")
	ErrManifestSealed  = errors.New("sealed manifest differs from rebuilt manifest")
	ErrInvalidKind     = errors.New("invalid evidence kind")
)

var kindPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

var kindExtensions = map[string]string{
	foundry.KindStdout:         ".txt",
	foundry.KindStderr:         ".txt",
	foundry.KindProofLog:       ".proof",
	foundry.KindCheckerVerdict: ".txt",
	foundry.KindModel:          ".txt",
}

// EvidencePath is the bundle-relative path of kind. It depends only on kind.
func EvidencePath(kind string) string {
	extension, ok := kindExtensions[kind]
	if !ok {
		extension = ".bin"
	}
	return path.Join(runstore.EvidenceDir, kind+extension)
}

type Options struct {
	Root        string
	SignKey     ed25519.PrivateKey
	Concurrency int
	Logger      *slog.Logger
}

type Builder struct {
	root        string
	signKey     ed25519.PrivateKey
	concurrency int
	logger      *slog.Logger
	active      sync.Map
}

func NewBuilder(opts Options) *Builder {
	root := opts.Root
	if root == "" {
		root = runstore.DefaultRoot
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Builder{
		root:        root,
		signKey:     opts.SignKey,
		concurrency: concurrency,
		logger:      logger,
	}
}

func (b *Builder) Root() string {
	return b.root
}

type artifactResult struct {
	kind        string
	file        foundry.ArtifactFile
	unavailable bool
}

// Build writes every output under run_<runID>/evidence/ and seals the
// manifest. Outputs are hashed concurrently and the manifest is written only
// after all of them finish. When the run has a record under the same root its
// contract ref, inputs, candidate, measured execution and result are sealed
// too. Rebuilding identical outputs is a no-op; a sealed manifest is never
// replaced by a different one.
func (b *Builder) Build(ctx context.Context, runID string, raw executor.RawOutputs) (foundry.ArtifactManifest, error) {
	if err := runstore.ValidateRunID(runID); err != nil {
		return foundry.ArtifactManifest{}, err
	}
	if _, busy := b.active.LoadOrStore(runID, struct{}{}); busy {
		return foundry.ArtifactManifest{}, coreerrors.Wrap(
			fmt.Errorf("%w: %s", ErrBuildInProgress, runID),
			coreerrors.CategoryStateContention,
			"bundle_build_in_progress",
			"wait for the running build of this run to finish",
			true,
		)
	}
	defer b.active.Delete(runID)

	if err := validateKinds(raw.Outputs); err != nil {
		return foundry.ArtifactManifest{}, err
	}
	record, err := b.runRecord(runID)
	if err != nil {
		return foundry.ArtifactManifest{}, err
	}

	runDir := runstore.RunDir(b.root, runID)
	stagingDir := filepath.Join(runDir, ".staging-"+uuid.NewString())
	if err := os.MkdirAll(filepath.Join(stagingDir, runstore.EvidenceDir), 0o750); err != nil {
		return foundry.ArtifactManifest{}, ioError("create staging directory", err)
	}
	defer func() {
		_ = os.RemoveAll(stagingDir)
	}()

	results := make([]artifactResult, len(raw.Outputs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(b.concurrency)
	for index, output := range raw.Outputs {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			result, err := b.writeArtifact(runID, stagingDir, output)
			if err != nil {
				return err
			}
			results[index] = result
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return foundry.ArtifactManifest{}, err
	}

	manifest := foundry.ArtifactManifest{
		SchemaID:      foundry.ManifestSchemaID,
		SchemaVersion: foundry.SchemaVersion,
		RunID:         runID,
		HashAlg:       foundry.HashAlgSHA256,
		Artifacts:     map[string]foundry.ArtifactFile{},
		Sealed:        true,
	}
	for _, result := range results {
		if result.unavailable {
			manifest.Unavailable = append(manifest.Unavailable, foundry.UnavailableArtifact{Kind: result.kind, Reason: ReasonSourceUnreadable})
			continue
		}
		manifest.Artifacts[result.kind] = result.file
	}
	sort.Slice(manifest.Unavailable, func(i, j int) bool {
		return manifest.Unavailable[i].Kind < manifest.Unavailable[j].Kind
	})
	if record != nil {
		SealProvenance(&manifest, *record)
	}

	digest, err := ComputeManifestDigest(manifest)
	if err != nil {
		return foundry.ArtifactManifest{}, err
	}
	manifest.ManifestDigest = digest
	if len(b.signKey) > 0 {
		signature, err := sign.SignDigest(b.signKey, digest)
		if err != nil {
			return foundry.ArtifactManifest{}, coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "manifest_sign_failed", "check the signing key", false)
		}
		manifest.Signatures = []foundry.Signature{signature}
	}
	encoded, err := jcs.Marshal(manifest)
	if err != nil {
		return foundry.ArtifactManifest{}, coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "manifest_encode_failed", "", false)
	}

	manifestPath := runstore.ManifestPath(b.root, runID)
	// #nosec G304 -- path is derived from the artifacts root and a validated run id.
	existing, err := os.ReadFile(manifestPath)
	switch {
	case err == nil:
		if !bytes.Equal(existing, encoded) {
			return foundry.ArtifactManifest{}, coreerrors.Wrap(
				fmt.Errorf("%w: %s", ErrManifestSealed, runID),
				coreerrors.CategoryStateContention,
				"manifest_sealed",
				"sealed bundles are immutable; reproduce into a new directory instead",
				false,
			)
		}
		b.logger.Debug("bundle already sealed", "run_id", runID, "manifest_digest", digest)
		return manifest, nil
	case !os.IsNotExist(err):
		return foundry.ArtifactManifest{}, ioError("read sealed manifest", err)
	}

	evidenceDir := filepath.Join(runDir, runstore.EvidenceDir)
	if err := os.RemoveAll(evidenceDir); err != nil {
		return foundry.ArtifactManifest{}, ioError("clear evidence directory", err)
	}
	if err := os.Rename(filepath.Join(stagingDir, runstore.EvidenceDir), evidenceDir); err != nil {
		return foundry.ArtifactManifest{}, ioError("publish evidence directory", err)
	}
	fsx.SyncDir(runDir)
	if err := fsx.WriteFileAtomic(manifestPath, encoded, 0o600); err != nil {
		return foundry.ArtifactManifest{}, ioError("write manifest", err)
	}
	b.logger.Info("bundle sealed",
		"run_id", runID,
		"artifacts", len(manifest.Artifacts),
		"unavailable", len(manifest.Unavailable),
		"manifest_digest", digest,
	)
	return manifest, nil
}

// runRecord loads the record of runID under the builder root. Bundles built
// without one carry no provenance.
func (b *Builder) runRecord(runID string) (*foundry.RunRecord, error) {
	record, err := runstore.New(b.root, b.logger).Load(runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// SealProvenance copies the verdict inputs of record into manifest.
func SealProvenance(manifest *foundry.ArtifactManifest, record foundry.RunRecord) {
	ref := record.ContractRef
	manifest.Lane = record.Config.Lane
	manifest.ContractRef = &ref
	manifest.Inputs = &foundry.ManifestInputs{
		BenchSuite: record.Config.BenchSuite,
		CaseID:     record.Config.CaseID,
	}
	manifest.Candidate = &foundry.ManifestCandidate{
		Executor: executor.AdapterName(record.Config.Executor),
		Genome: foundry.CandidateGenome{
			Seed:    record.Config.Seed,
			Threads: record.Config.Threads,
		},
		Commandline: executor.Commandline(record.Config),
	}
	manifest.Execution = &foundry.ManifestExecution{
		EnvLocked:     record.Config.EnvLocked,
		ResourceUsage: record.ResourceUsage,
		Toolchain:     record.Toolchain,
	}
	manifest.Outputs = &foundry.ManifestOutputs{Result: lane.NormalizeResult(record.Result)}
}

// writeArtifact streams one output into the staging directory while hashing
// it. An unreadable source is recorded as unavailable; a failed destination
// write aborts the build.
func (b *Builder) writeArtifact(runID, stagingDir string, output executor.Output) (artifactResult, error) {
	relPath := EvidencePath(output.Kind)
	source, err := output.Open()
	if err != nil {
		b.logUnavailable(runID, output.Kind, err)
		return artifactResult{kind: output.Kind, unavailable: true}, nil
	}
	defer func() {
		_ = source.Close()
	}()

	hasher := sha256.New()
	size, err := fsx.WriteStreamAtomic(filepath.Join(stagingDir, filepath.FromSlash(relPath)), source, 0o600, hasher)
	if err != nil {
		if errors.Is(err, fsx.ErrSourceRead) {
			b.logUnavailable(runID, output.Kind, err)
			return artifactResult{kind: output.Kind, unavailable: true}, nil
		}
		return artifactResult{}, ioError("write evidence "+output.Kind, err)
	}
	return artifactResult{
		kind: output.Kind,
		file: foundry.ArtifactFile{
			Path:   relPath,
			SHA256: hex.EncodeToString(hasher.Sum(nil)),
			Size:   size,
		},
	}, nil
}

func (b *Builder) logUnavailable(runID, kind string, cause error) {
	err := coreerrors.Wrap(cause, coreerrors.CategoryHashComputation, "evidence_unreadable", "", false)
	b.logger.Warn("evidence unavailable", "run_id", runID, "kind", kind, "error", err)
}

func validateKinds(outputs []executor.Output) error {
	seen := make(map[string]struct{}, len(outputs))
	for _, output := range outputs {
		if !kindPattern.MatchString(output.Kind) {
			return coreerrors.Wrap(fmt.Errorf("%w: %q", ErrInvalidKind, output.Kind), coreerrors.CategoryInvalidInput, "evidence_kind_invalid", "kinds are lowercase slugs", false)
		}
		if _, dup := seen[output.Kind]; dup {
			return coreerrors.Wrap(fmt.Errorf("%w: duplicate %q", ErrInvalidKind, output.Kind), coreerrors.CategoryInvalidInput, "evidence_kind_duplicate", "each kind may be produced once per run", false)
		}
		seen[output.Kind] = struct{}{}
	}
	return nil
}

// ComputeManifestDigest is the sha256 of the canonical manifest without its
// manifest_digest and signatures fields.
func ComputeManifestDigest(manifest foundry.ArtifactManifest) (string, error) {
	raw, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	signable, err := SignableManifestBytes(raw)
	if err != nil {
		return "", err
	}
	return jcs.SHA256Hex(signable), nil
}

// SignableManifestBytes strips manifest_digest and signatures from stored
// manifest JSON and canonicalizes the rest.
func SignableManifestBytes(manifestJSON []byte) ([]byte, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(manifestJSON, &object); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	delete(object, "manifest_digest")
	delete(object, "signatures")
	raw, err := json.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	canonical, err := jcs.CanonicalizeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}
	return canonical, nil
}

func ioError(action string, err error) error {
	return coreerrors.Wrap(fmt.Errorf("%s: %w", action, err), coreerrors.CategoryIOFailure, "io_failure", "check artifacts root permissions and free space", true)
}
