// Package engine runs one evaluation end to end: record, execute, bundle,
// validate, finish.
package engine

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/DustinTheismann/omniforge/core/bundle"
	"github.com/DustinTheismann/omniforge/core/contract"
	coreerrors "github.com/DustinTheismann/omniforge/core/errors"
	"github.com/DustinTheismann/omniforge/core/executor"
	"github.com/DustinTheismann/omniforge/core/lane"
	"github.com/DustinTheismann/omniforge/core/runstore"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
	"github.com/DustinTheismann/omniforge/core/schema/validate"
	"github.com/DustinTheismann/omniforge/core/toolchain"
)

type Options struct {
	Root             string
	Registry         *validate.Registry
	Lock             *toolchain.Lock
	SignKey          ed25519.PrivateKey
	PublicKey        ed25519.PublicKey
	RequireSignature bool
	Adapters         executor.Factory
	ProducerVersion  string
	Logger           *slog.Logger
}

type Engine struct {
	root            string
	store           *runstore.Store
	builder         *bundle.Builder
	validator       *contract.Validator
	adapters        executor.Factory
	producerVersion string
	logger          *slog.Logger
}

func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, coreerrors.New(coreerrors.CategorySchemaLoad, "schema_registry_missing", "schema registry not loaded", "")
	}
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		root = runstore.DefaultRoot
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	adapters := opts.Adapters
	if adapters == nil {
		adapters = executor.New
	}
	publicKey := opts.PublicKey
	if publicKey == nil && len(opts.SignKey) == ed25519.PrivateKeySize {
		publicKey = opts.SignKey.Public().(ed25519.PublicKey)
	}
	return &Engine{
		root:    root,
		store:   runstore.New(root, logger),
		builder: bundle.NewBuilder(bundle.Options{Root: root, SignKey: opts.SignKey, Logger: logger}),
		validator: &contract.Validator{
			Registry:         opts.Registry,
			Lock:             opts.Lock,
			PublicKey:        publicKey,
			RequireSignature: opts.RequireSignature,
			Logger:           logger,
		},
		adapters:        adapters,
		producerVersion: opts.ProducerVersion,
		logger:          logger,
	}, nil
}

func (e *Engine) Root() string {
	return e.root
}

func (e *Engine) Store() *runstore.Store {
	return e.store
}

type Request struct {
	RunID    string
	Contract foundry.EvalContract
	Executor foundry.ExecutorConfig
	// CaseID defaults to the first benchmark case.
	CaseID string
}

type Outcome struct {
	Record        foundry.RunRecord        `json:"record"`
	Manifest      foundry.ArtifactManifest `json:"manifest"`
	Verdict       foundry.Verdict          `json:"verdict"`
	ExecutorError string                   `json:"executor_error,omitempty"`
}

// Evaluate runs one evaluation. Executor failures degrade to missing evidence
// and a rejected verdict; only infrastructure faults return an error.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Outcome, error) {
	evalContract := req.Contract
	if !lane.Supported(evalContract.Lane) {
		return Outcome{}, coreerrors.New(coreerrors.CategoryInvalidInput, "lane_unsupported", fmt.Sprintf("unsupported lane %q", evalContract.Lane), "use lane sat")
	}
	ref, err := contract.RefOf(evalContract)
	if err != nil {
		return Outcome{}, err
	}
	config := runConfig(evalContract, req)
	adapter, err := e.adapters(config.Executor)
	if err != nil {
		return Outcome{}, err
	}

	record, err := e.store.Create(runstore.CreateOptions{
		RunID:           req.RunID,
		ProducerVersion: e.producerVersion,
		ContractRef:     ref,
		Contract:        evalContract,
		Config:          config,
	})
	if err != nil {
		return Outcome{}, err
	}
	runID := record.RunID
	if _, err := e.store.Start(runID); err != nil {
		return Outcome{}, err
	}
	e.logger.Info("run started", "run_id", runID, "adapter", adapter.Name(), "case_id", config.CaseID)

	raw, execErr := executor.Run(ctx, adapter, config, executor.WallLimit(evalContract.Resources.WallSeconds))
	outcome := Outcome{}
	if execErr != nil {
		outcome.ExecutorError = execErr.Error()
		e.logger.Warn("executor failed", "run_id", runID, "error", execErr, "outputs", len(raw.Outputs))
	}
	if _, err := e.store.RecordExecution(runID, runstore.Execution{
		Usage:         raw.Usage,
		Toolchain:     raw.Toolchain,
		Result:        raw.Result,
		ExecutorError: outcome.ExecutorError,
	}); err != nil {
		e.fail(runID, err)
		return Outcome{}, err
	}

	manifest, err := e.builder.Build(ctx, runID, raw)
	if err != nil {
		e.fail(runID, err)
		return Outcome{}, err
	}
	outcome.Manifest = manifest

	verdict, err := e.verdict(runID, evalContract)
	if err != nil {
		e.fail(runID, err)
		return Outcome{}, err
	}
	outcome.Verdict = verdict

	status := foundry.StatusCompleted
	if !verdict.Accepted() {
		status = foundry.StatusRejected
	}
	finished, err := e.store.Finish(runID, status, verdictPayload(verdict))
	if err != nil {
		return Outcome{}, err
	}
	outcome.Record = finished
	e.logger.Info("run finished",
		"run_id", runID,
		"status", finished.Status,
		"reason_count", len(verdict.Reasons),
	)
	return outcome, nil
}

// Verify recomputes the verdict for a stored run against the contract it was
// recorded with.
func (e *Engine) Verify(runID string) (Outcome, error) {
	record, err := e.store.Load(runID)
	if err != nil {
		return Outcome{}, err
	}
	evalContract, err := e.store.LoadContract(runID)
	if err != nil {
		return Outcome{}, err
	}
	loaded, err := bundle.Load(e.root, runID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Record:        record,
		Manifest:      loaded.Manifest(),
		Verdict:       e.validator.Validate(loaded, evalContract),
		ExecutorError: record.ExecutorError,
	}, nil
}

func (e *Engine) verdict(runID string, evalContract foundry.EvalContract) (foundry.Verdict, error) {
	loaded, err := bundle.Load(e.root, runID)
	if err != nil {
		return foundry.Verdict{}, err
	}
	return e.validator.Validate(loaded, evalContract), nil
}

func (e *Engine) fail(runID string, cause error) {
	if _, err := e.store.Finish(runID, foundry.StatusFailed, map[string]any{
		"error":      cause.Error(),
		"error_code": coreerrors.CodeOf(cause),
	}); err != nil {
		e.logger.Error("mark run failed", "run_id", runID, "error", err)
	}
}

func runConfig(evalContract foundry.EvalContract, req Request) foundry.RunConfig {
	caseID := strings.TrimSpace(req.CaseID)
	if caseID == "" && len(evalContract.Benchmarks.Cases) > 0 {
		caseID = evalContract.Benchmarks.Cases[0]
	}
	return foundry.RunConfig{
		Lane:        evalContract.Lane,
		BenchSuite:  evalContract.Benchmarks.SuiteID,
		CaseID:      caseID,
		Executor:    req.Executor,
		Seed:        evalContract.Determinism.Seed,
		Threads:     evalContract.Determinism.Threads,
		WallSeconds: evalContract.Resources.WallSeconds,
		EnvLocked:   evalContract.Determinism.EnvLocked,
	}
}

func verdictPayload(verdict foundry.Verdict) map[string]any {
	reasons := make([]string, 0, len(verdict.Reasons))
	for _, reason := range verdict.Reasons {
		reasons = append(reasons, reason.String())
	}
	return map[string]any{
		"verdict": string(verdict.Status),
		"reasons": reasons,
	}
}
