package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/DustinTheismann/omniforge/core/executor"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
	"github.com/DustinTheismann/omniforge/core/schema/validate"
	"github.com/DustinTheismann/omniforge/core/sign"
	"github.com/DustinTheismann/omniforge/core/toolchain"
)

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

const ResultSchemaID = "omniforge.doctor.result"

type Options struct {
	WorkDir          string
	ArtifactsRoot    string
	SchemasDir       string
	ToolchainLock    string
	LockRequired     bool
	Executor         foundry.ExecutorConfig
	KeyConfig        sign.KeyConfig
	RequireSignature bool
	ProducerVersion  string
}

type Result struct {
	SchemaID        string   `json:"schema_id"`
	SchemaVersion   string   `json:"schema_version"`
	CreatedAt       string   `json:"created_at"`
	ProducerVersion string   `json:"producer_version"`
	Status          string   `json:"status"`
	NonFixable      bool     `json:"non_fixable"`
	Summary         string   `json:"summary"`
	FixCommands     []string `json:"fix_commands"`
	Checks          []Check  `json:"checks"`
}

type Check struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	FixCommand string `json:"fix_command,omitempty"`
	NonFixable bool   `json:"non_fixable,omitempty"`
}

// Passed reports whether no check failed. Warnings still pass.
func (r Result) Passed() bool {
	return r.Status != statusFail
}

func Run(opts Options) Result {
	workDir := strings.TrimSpace(opts.WorkDir)
	if workDir == "" {
		workDir = "."
	}
	artifactsRoot := strings.TrimSpace(opts.ArtifactsRoot)
	if artifactsRoot == "" {
		artifactsRoot = "artifacts"
	}
	if !filepath.IsAbs(artifactsRoot) {
		artifactsRoot = filepath.Join(workDir, artifactsRoot)
	}

	producerVersion := strings.TrimSpace(opts.ProducerVersion)
	if producerVersion == "" {
		producerVersion = foundry.ProducerVersionDev
	}

	checks := []Check{
		checkWorkDirWritable(workDir),
		checkArtifactsRoot(artifactsRoot),
		checkSchemas(opts.SchemasDir),
		checkToolchainLock(workDir, opts.ToolchainLock, opts.LockRequired),
		checkExecutor(opts.Executor),
		checkKeyConfig(opts.KeyConfig, opts.RequireSignature),
	}

	failed := 0
	warned := 0
	nonFixable := false
	fixCommands := make([]string, 0, len(checks))
	seenFixes := map[string]struct{}{}
	for _, check := range checks {
		switch check.Status {
		case statusFail:
			failed++
		case statusWarn:
			warned++
		}
		if check.NonFixable {
			nonFixable = true
		}
		if check.FixCommand != "" {
			if _, ok := seenFixes[check.FixCommand]; !ok {
				seenFixes[check.FixCommand] = struct{}{}
				fixCommands = append(fixCommands, check.FixCommand)
			}
		}
	}

	status := statusPass
	if failed > 0 {
		status = statusFail
	} else if warned > 0 {
		status = statusWarn
	}

	sort.Strings(fixCommands)
	summary := fmt.Sprintf("doctor: status=%s failed=%d warned=%d non_fixable=%t", status, failed, warned, nonFixable)

	return Result{
		SchemaID:        ResultSchemaID,
		SchemaVersion:   foundry.SchemaVersion,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339Nano),
		ProducerVersion: producerVersion,
		Status:          status,
		NonFixable:      nonFixable,
		Summary:         summary,
		FixCommands:     fixCommands,
		Checks:          checks,
	}
}

func checkWorkDirWritable(workDir string) Check {
	info, err := os.Stat(workDir)
	if err != nil {
		return Check{
			Name:       "workdir",
			Status:     statusFail,
			Message:    fmt.Sprintf("workdir not accessible: %v", err),
			FixCommand: fmt.Sprintf("mkdir -p %s", shellQuote(workDir)),
		}
	}
	if !info.IsDir() {
		return Check{
			Name:       "workdir",
			Status:     statusFail,
			Message:    "workdir is not a directory",
			FixCommand: fmt.Sprintf("mkdir -p %s", shellQuote(workDir)),
		}
	}
	if err := writeCheck(workDir); err != nil {
		return Check{
			Name:       "workdir",
			Status:     statusFail,
			Message:    fmt.Sprintf("workdir not writable: %v", err),
			FixCommand: fmt.Sprintf("chmod u+w %s", shellQuote(workDir)),
		}
	}
	return Check{Name: "workdir", Status: statusPass, Message: "workdir is writable"}
}

// checkArtifactsRoot warns on a missing root since the first run creates it.
func checkArtifactsRoot(root string) Check {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{
				Name:       "artifacts_root",
				Status:     statusWarn,
				Message:    "artifacts root does not exist yet",
				FixCommand: fmt.Sprintf("mkdir -p %s", shellQuote(root)),
			}
		}
		return Check{
			Name:    "artifacts_root",
			Status:  statusFail,
			Message: fmt.Sprintf("artifacts root check failed: %v", err),
		}
	}
	if !info.IsDir() {
		return Check{
			Name:    "artifacts_root",
			Status:  statusFail,
			Message: "artifacts root is not a directory",
		}
	}
	if err := writeCheck(root); err != nil {
		return Check{
			Name:       "artifacts_root",
			Status:     statusFail,
			Message:    fmt.Sprintf("artifacts root not writable: %v", err),
			FixCommand: fmt.Sprintf("chmod u+w %s", shellQuote(root)),
		}
	}
	return Check{Name: "artifacts_root", Status: statusPass, Message: "artifacts root is writable"}
}

func checkSchemas(dir string) Check {
	var (
		registry *validate.Registry
		err      error
		source   = "embedded schemas"
	)
	if strings.TrimSpace(dir) == "" {
		registry, err = validate.LoadEmbeddedRegistry()
	} else {
		source = dir
		registry, err = validate.LoadRegistry(dir)
	}
	if err != nil {
		return Check{
			Name:       "schemas",
			Status:     statusFail,
			Message:    fmt.Sprintf("load %s: %v", source, err),
			NonFixable: true,
		}
	}
	if _, err := registry.SelfCheck(); err != nil {
		return Check{
			Name:       "schemas",
			Status:     statusFail,
			Message:    fmt.Sprintf("%s: %v", source, err),
			NonFixable: true,
		}
	}
	return Check{
		Name:    "schemas",
		Status:  statusPass,
		Message: fmt.Sprintf("%s load and pass self-check (%s)", source, strings.Join(registry.Names(), ",")),
	}
}

func checkToolchainLock(workDir, path string, required bool) Check {
	lockPath := strings.TrimSpace(path)
	if lockPath == "" {
		lockPath = toolchain.DefaultPath
	}
	if !filepath.IsAbs(lockPath) {
		lockPath = filepath.Join(workDir, lockPath)
	}
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		status := statusWarn
		if required {
			status = statusFail
		}
		return Check{
			Name:    "toolchain_lock",
			Status:  status,
			Message: "no toolchain lock; contracts pinning tools as locked will be rejected",
		}
	}
	lock, err := toolchain.Load(lockPath)
	if err != nil {
		return Check{
			Name:    "toolchain_lock",
			Status:  statusFail,
			Message: err.Error(),
		}
	}
	return Check{
		Name:    "toolchain_lock",
		Status:  statusPass,
		Message: fmt.Sprintf("toolchain lock pins %s", strings.Join(lock.ToolNames(), ",")),
	}
}

func checkExecutor(cfg foundry.ExecutorConfig) Check {
	adapter, err := executor.New(cfg)
	if err != nil {
		return Check{
			Name:       "executor",
			Status:     statusFail,
			Message:    err.Error(),
			FixCommand: "set executor.adapter to placeholder or command in .omniforge/config.yaml",
		}
	}
	if adapter.Name() != executor.AdapterCommand {
		return Check{Name: "executor", Status: statusPass, Message: "placeholder executor selected"}
	}
	binary := strings.TrimSpace(cfg.Command[0])
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return Check{
			Name:    "executor",
			Status:  statusFail,
			Message: fmt.Sprintf("solver binary %s not found: %v", binary, err),
		}
	}
	if workDir := strings.TrimSpace(cfg.WorkDir); workDir != "" {
		if info, err := os.Stat(workDir); err != nil || !info.IsDir() {
			return Check{
				Name:       "executor",
				Status:     statusFail,
				Message:    fmt.Sprintf("executor work_dir %s is not a directory", workDir),
				FixCommand: fmt.Sprintf("mkdir -p %s", shellQuote(workDir)),
			}
		}
	}
	return Check{Name: "executor", Status: statusPass, Message: fmt.Sprintf("command executor resolves %s", resolved)}
}

func checkKeyConfig(cfg sign.KeyConfig, requireSignature bool) Check {
	if cfg.HasPrivateSource() {
		if _, _, err := sign.LoadSigningKey(cfg); err != nil {
			return Check{
				Name:       "key_config",
				Status:     statusFail,
				Message:    fmt.Sprintf("invalid signing key config: %v", err),
				FixCommand: "omniforge keys init",
			}
		}
		return Check{Name: "key_config", Status: statusPass, Message: "signing key loads"}
	}
	if cfg.HasPublicSource() {
		if _, _, err := sign.LoadVerifyKey(cfg); err != nil {
			return Check{
				Name:    "key_config",
				Status:  statusFail,
				Message: fmt.Sprintf("invalid verify key config: %v", err),
			}
		}
		return Check{Name: "key_config", Status: statusPass, Message: "verify key loads; runs will not be signed"}
	}
	if requireSignature {
		return Check{
			Name:       "key_config",
			Status:     statusFail,
			Message:    "signatures are required but no key is configured",
			FixCommand: "omniforge keys init",
		}
	}
	return Check{Name: "key_config", Status: statusWarn, Message: "no signing key configured; manifests will be unsigned"}
}

func writeCheck(dir string) error {
	testPath := filepath.Join(dir, ".omniforge-doctor-writecheck")
	if err := os.WriteFile(testPath, []byte("ok"), 0o600); err != nil {
		return err
	}
	return os.Remove(testPath)
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
