// Package runstore owns the artifacts root: run creation, the run record
// lifecycle, and the per-run event log.
package runstore

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/DustinTheismann/omniforge/core/errors"
	"github.com/DustinTheismann/omniforge/core/fsx"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
)

const (
	DefaultRoot  = "artifacts"
	RecordFile   = "run.json"
	ContractFile = "contract.json"
	EventsFile   = "events.jsonl"
	ManifestFile = "manifest.json"
	EvidenceDir  = "evidence"

	runDirPrefix = "run_"
	lockTimeout  = 5 * time.Second
)

var (
	ErrRunExists      = errors.New("run already exists")
	ErrRunNotFound    = errors.New("run not found")
	ErrTerminalStatus = errors.New("run has reached a terminal status")
	ErrInvalidRunID   = errors.New("invalid run id")
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

type Store struct {
	Root   string
	Now    func() time.Time
	Logger *slog.Logger
}

func New(root string, logger *slog.Logger) *Store {
	if strings.TrimSpace(root) == "" {
		root = DefaultRoot
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{Root: root, Logger: logger}
}

// NewRunID returns YYYYMMDDTHHMMSSZ-<8 hex>.
func NewRunID(now time.Time) string {
	id := uuid.New()
	return now.UTC().Format("20060102T150405Z") + "-" + hex.EncodeToString(id[:4])
}

func ValidateRunID(runID string) error {
	if !runIDPattern.MatchString(runID) || strings.Contains(runID, "..") {
		return coreerrors.Wrap(
			fmt.Errorf("%w: %q", ErrInvalidRunID, runID),
			coreerrors.CategoryInvalidInput,
			"run_id_invalid",
			"run ids are alphanumeric with . _ - separators",
			false,
		)
	}
	return nil
}

func RunDir(root, runID string) string {
	return filepath.Join(root, runDirPrefix+runID)
}

func RecordPath(root, runID string) string {
	return filepath.Join(RunDir(root, runID), RecordFile)
}

func ContractPath(root, runID string) string {
	return filepath.Join(RunDir(root, runID), ContractFile)
}

func EventsPath(root, runID string) string {
	return filepath.Join(RunDir(root, runID), EventsFile)
}

func ManifestPath(root, runID string) string {
	return filepath.Join(RunDir(root, runID), ManifestFile)
}

type CreateOptions struct {
	RunID           string
	ProducerVersion string
	ContractRef     foundry.ContractRef
	Contract        foundry.EvalContract
	Config          foundry.RunConfig
}

// Create claims a run id by creating its directory. A second create of the
// same id fails with ErrRunExists, which is what keeps builds of one run
// from overlapping across processes.
func (s *Store) Create(opts CreateOptions) (foundry.RunRecord, error) {
	now := s.now()
	runID := strings.TrimSpace(opts.RunID)
	if runID == "" {
		runID = NewRunID(now)
	}
	if err := ValidateRunID(runID); err != nil {
		return foundry.RunRecord{}, err
	}
	producer := strings.TrimSpace(opts.ProducerVersion)
	if producer == "" {
		producer = foundry.ProducerVersionDev
	}

	if err := fsx.MkdirExclusive(RunDir(s.Root, runID), 0o750); err != nil {
		if errors.Is(err, os.ErrExist) {
			return foundry.RunRecord{}, coreerrors.Wrap(
				fmt.Errorf("%w: %s", ErrRunExists, runID),
				coreerrors.CategoryStateContention,
				"run_exists",
				"choose a new run id",
				false,
			)
		}
		return foundry.RunRecord{}, ioError("create run directory", err)
	}

	record := foundry.RunRecord{
		SchemaID:        foundry.RunRecordSchemaID,
		SchemaVersion:   foundry.SchemaVersion,
		ProducerVersion: producer,
		RunID:           runID,
		ContractRef:     opts.ContractRef,
		Config:          opts.Config,
		Status:          foundry.StatusPending,
		CreatedAt:       now,
		Revision:        1,
	}
	if err := writeJSON(ContractPath(s.Root, runID), opts.Contract); err != nil {
		return foundry.RunRecord{}, err
	}
	if err := writeJSON(RecordPath(s.Root, runID), record); err != nil {
		return foundry.RunRecord{}, err
	}
	if err := s.appendEvent(record, "created", map[string]any{
		"contract_version": opts.ContractRef.Version,
		"contract_digest":  opts.ContractRef.Digest,
	}); err != nil {
		return foundry.RunRecord{}, err
	}
	s.logger().Debug("run created", "run_id", runID, "status", record.Status)
	return record, nil
}

func (s *Store) Load(runID string) (foundry.RunRecord, error) {
	if err := ValidateRunID(runID); err != nil {
		return foundry.RunRecord{}, err
	}
	return readRecord(RecordPath(s.Root, runID))
}

func (s *Store) LoadContract(runID string) (foundry.EvalContract, error) {
	if err := ValidateRunID(runID); err != nil {
		return foundry.EvalContract{}, err
	}
	// #nosec G304 -- path is derived from the artifacts root and a validated run id.
	payload, err := os.ReadFile(ContractPath(s.Root, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return foundry.EvalContract{}, notFound(runID)
		}
		return foundry.EvalContract{}, ioError("read run contract", err)
	}
	var contract foundry.EvalContract
	if err := json.Unmarshal(payload, &contract); err != nil {
		return foundry.EvalContract{}, ioError("parse run contract", err)
	}
	return contract, nil
}

// Start moves a pending run to running.
func (s *Store) Start(runID string) (foundry.RunRecord, error) {
	return s.mutate(runID, func(record *foundry.RunRecord, now time.Time) (string, map[string]any, error) {
		if record.Status != foundry.StatusPending {
			return "", nil, invalidTransition(record.Status, foundry.StatusRunning)
		}
		record.Status = foundry.StatusRunning
		record.StartedAt = &now
		return "started", nil, nil
	})
}

type Execution struct {
	Usage         foundry.ResourceUsage
	Toolchain     map[string]string
	Result        string
	ExecutorError string
}

// RecordExecution stores what the executor measured for a running run.
func (s *Store) RecordExecution(runID string, execution Execution) (foundry.RunRecord, error) {
	return s.mutate(runID, func(record *foundry.RunRecord, _ time.Time) (string, map[string]any, error) {
		if record.Status != foundry.StatusRunning {
			return "", nil, invalidTransition(record.Status, foundry.StatusRunning)
		}
		record.ResourceUsage = execution.Usage
		record.Toolchain = execution.Toolchain
		record.Result = execution.Result
		record.ExecutorError = execution.ExecutorError
		payload := map[string]any{
			"result":    execution.Result,
			"timed_out": execution.Usage.TimedOut,
		}
		if execution.ExecutorError != "" {
			payload["executor_error"] = execution.ExecutorError
		}
		return "executed", payload, nil
	})
}

// Finish sets a terminal status. The record is immutable afterwards.
func (s *Store) Finish(runID string, status foundry.RunStatus, payload map[string]any) (foundry.RunRecord, error) {
	if !status.Terminal() {
		return foundry.RunRecord{}, coreerrors.New(
			coreerrors.CategoryInvalidInput,
			"run_status_invalid",
			fmt.Sprintf("status %s is not terminal", status),
			"finish a run with completed, failed, or rejected",
		)
	}
	return s.mutate(runID, func(record *foundry.RunRecord, now time.Time) (string, map[string]any, error) {
		if record.Status != foundry.StatusPending && record.Status != foundry.StatusRunning {
			return "", nil, invalidTransition(record.Status, status)
		}
		record.Status = status
		record.EndedAt = &now
		if record.StartedAt == nil {
			record.StartedAt = &now
		}
		return string(status), payload, nil
	})
}

func (s *Store) Events(runID string) ([]foundry.RunEvent, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	// #nosec G304 -- path is derived from the artifacts root and a validated run id.
	payload, err := os.ReadFile(EventsPath(s.Root, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(runID)
		}
		return nil, ioError("read run events", err)
	}
	events := make([]foundry.RunEvent, 0)
	for index, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var event foundry.RunEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, ioError(fmt.Sprintf("parse run event line %d", index+1), err)
		}
		events = append(events, event)
	}
	return events, nil
}

type mutator func(record *foundry.RunRecord, now time.Time) (eventType string, payload map[string]any, err error)

func (s *Store) mutate(runID string, apply mutator) (foundry.RunRecord, error) {
	if err := ValidateRunID(runID); err != nil {
		return foundry.RunRecord{}, err
	}
	recordPath := RecordPath(s.Root, runID)
	if _, err := os.Stat(RunDir(s.Root, runID)); err != nil {
		if os.IsNotExist(err) {
			return foundry.RunRecord{}, notFound(runID)
		}
		return foundry.RunRecord{}, ioError("stat run directory", err)
	}
	release, err := fsx.AcquireLock(recordPath+".lock", lockTimeout)
	if err != nil {
		return foundry.RunRecord{}, coreerrors.Wrap(err, coreerrors.CategoryStateContention, "run_locked", "retry after the other writer finishes", true)
	}
	defer release()

	record, err := readRecord(recordPath)
	if err != nil {
		return foundry.RunRecord{}, err
	}
	if record.Status.Terminal() {
		return foundry.RunRecord{}, coreerrors.Wrap(
			fmt.Errorf("%w: %s is %s", ErrTerminalStatus, runID, record.Status),
			coreerrors.CategoryStateContention,
			"run_terminal",
			"terminal runs are immutable; start a new run",
			false,
		)
	}

	updated := record
	eventType, payload, err := apply(&updated, s.now())
	if err != nil {
		return foundry.RunRecord{}, err
	}
	updated.Revision = record.Revision + 1
	if err := writeJSON(recordPath, updated); err != nil {
		return foundry.RunRecord{}, err
	}
	if err := s.appendEvent(updated, eventType, payload); err != nil {
		return foundry.RunRecord{}, err
	}
	s.logger().Debug("run updated", "run_id", runID, "status", updated.Status, "event", eventType)
	return updated, nil
}

func (s *Store) appendEvent(record foundry.RunRecord, eventType string, payload map[string]any) error {
	event := foundry.RunEvent{
		SchemaID:      foundry.RunEventSchemaID,
		SchemaVersion: foundry.SchemaVersion,
		CreatedAt:     s.now(),
		RunID:         record.RunID,
		Revision:      record.Revision,
		Type:          eventType,
		Status:        record.Status,
		Payload:       payload,
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return ioError("encode run event", err)
	}
	if err := fsx.AppendLineLocked(EventsPath(s.Root, record.RunID), encoded, 0o600); err != nil {
		return ioError("append run event", err)
	}
	return nil
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Store) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}

func readRecord(path string) (foundry.RunRecord, error) {
	// #nosec G304 -- path is derived from the artifacts root and a validated run id.
	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return foundry.RunRecord{}, notFound(filepath.Base(filepath.Dir(path)))
		}
		return foundry.RunRecord{}, ioError("read run record", err)
	}
	var record foundry.RunRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return foundry.RunRecord{}, ioError("parse run record", err)
	}
	if strings.TrimSpace(record.RunID) == "" {
		return foundry.RunRecord{}, ioError("parse run record", fmt.Errorf("missing run_id"))
	}
	return record, nil
}

func writeJSON(path string, value any) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return ioError("encode json", err)
	}
	payload = append(payload, '\n')
	if err := fsx.WriteFileAtomic(path, payload, 0o600); err != nil {
		return ioError("write json", err)
	}
	return nil
}

func invalidTransition(from, to foundry.RunStatus) error {
	return coreerrors.New(
		coreerrors.CategoryStateContention,
		"run_transition_invalid",
		fmt.Sprintf("cannot move run from %s to %s", from, to),
		"runs move pending to running to a terminal status",
	)
}

func notFound(runID string) error {
	return coreerrors.Wrap(
		fmt.Errorf("%w: %s", ErrRunNotFound, strings.TrimPrefix(runID, runDirPrefix)),
		coreerrors.CategoryInvalidInput,
		"run_not_found",
		"check --run-id and the artifacts root",
		false,
	)
}

func ioError(action string, err error) error {
	return coreerrors.Wrap(fmt.Errorf("%s: %w", action, err), coreerrors.CategoryIOFailure, "io_failure", "check artifacts root permissions and free space", true)
}
