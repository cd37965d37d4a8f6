package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/DustinTheismann/omniforge/core/lane"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
)

// commandWaitDelay bounds how long Wait blocks on inherited pipes after the
// process is killed.
const commandWaitDelay = 500 * time.Millisecond

// Command runs executor.command as a solver process. Stdout and stderr are
// captured; declared artifacts are collected from the work dir. Argument
// placeholders {seed}, {threads}, {case_id} and {bench_suite} are expanded.
type Command struct{}

func (Command) Name() string {
	return AdapterCommand
}

func (Command) Execute(ctx context.Context, cfg foundry.RunConfig) (RawOutputs, error) {
	argv := expandArgs(cfg)
	if len(argv) == 0 {
		return RawOutputs{Result: lane.ResultUnknown}, fmt.Errorf("missing command")
	}
	workDir := strings.TrimSpace(cfg.Executor.WorkDir)

	// #nosec G204 -- the solver command is explicit run configuration.
	command := exec.CommandContext(ctx, argv[0], argv[1:]...)
	command.Dir = workDir
	command.Env = commandEnv(cfg)
	command.WaitDelay = commandWaitDelay
	var stdoutBuf bytes.Buffer
	var stderrBuf bytes.Buffer
	command.Stdout = &stdoutBuf
	command.Stderr = &stderrBuf

	started := time.Now()
	runErr := command.Run()
	elapsed := time.Since(started)

	state := command.ProcessState
	if state == nil {
		return RawOutputs{Result: lane.ResultUnknown}, fmt.Errorf("start solver: %w", runErr)
	}

	raw := RawOutputs{
		Outputs: []Output{
			{Kind: foundry.KindStdout, Data: stdoutBuf.Bytes()},
			{Kind: foundry.KindStderr, Data: stderrBuf.Bytes()},
		},
		Result: lane.ParseSATResult(stdoutBuf.Bytes()),
	}
	raw.Outputs = append(raw.Outputs, declaredArtifacts(workDir, cfg.Executor.Artifacts)...)
	raw.Usage = foundry.ResourceUsage{
		WallMS:   elapsed.Milliseconds(),
		CPUMS:    (state.UserTime() + state.SystemTime()).Milliseconds(),
		ExitCode: state.ExitCode(),
	}
	if rss, ok := maxRSSKB(state); ok {
		raw.Usage.MaxRSSKB = rss
		raw.Usage.Measured = true
	}

	toolchain, stampErr := readToolchainStamp(workDir, cfg.Executor.ToolchainStamp)
	raw.Toolchain = toolchain

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		raw.TimedOut = true
		raw.Usage.TimedOut = true
		return raw, ErrTimeout
	}
	if err := ctx.Err(); err != nil {
		return raw, fmt.Errorf("solver interrupted: %w", err)
	}
	if runErr != nil {
		exitErr := &exec.ExitError{}
		if !errors.As(runErr, &exitErr) {
			return raw, fmt.Errorf("run solver: %w", runErr)
		}
	}
	if stampErr != nil {
		return raw, stampErr
	}
	return raw, nil
}

func expandArgs(cfg foundry.RunConfig) []string {
	replacer := strings.NewReplacer(
		"{seed}", strconv.FormatInt(cfg.Seed, 10),
		"{threads}", strconv.Itoa(cfg.Threads),
		"{case_id}", cfg.CaseID,
		"{bench_suite}", cfg.BenchSuite,
	)
	argv := make([]string, 0, len(cfg.Executor.Command))
	for _, arg := range cfg.Executor.Command {
		argv = append(argv, replacer.Replace(arg))
	}
	return argv
}

// commandEnv passes only PATH and the declared variables when the environment
// is locked.
func commandEnv(cfg foundry.RunConfig) []string {
	env := make([]string, 0, len(cfg.Executor.Env)+4)
	if cfg.EnvLocked {
		if path, ok := os.LookupEnv("PATH"); ok {
			env = append(env, "PATH="+path)
		}
	} else {
		env = append(env, os.Environ()...)
	}
	keys := make([]string, 0, len(cfg.Executor.Env))
	for key := range cfg.Executor.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+cfg.Executor.Env[key])
	}
	env = append(env,
		"OMNIFORGE_SEED="+strconv.FormatInt(cfg.Seed, 10),
		"OMNIFORGE_THREADS="+strconv.Itoa(cfg.Threads),
	)
	return env
}

// declaredArtifacts resolves artifact paths against workDir. Files that do not
// exist are still returned so the bundle records them as unavailable.
func declaredArtifacts(workDir string, artifacts map[string]string) []Output {
	kinds := make([]string, 0, len(artifacts))
	for kind := range artifacts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	outputs := make([]Output, 0, len(kinds))
	for _, kind := range kinds {
		path := strings.TrimSpace(artifacts[kind])
		if path == "" {
			continue
		}
		if !filepath.IsAbs(path) && workDir != "" {
			path = filepath.Join(workDir, path)
		}
		outputs = append(outputs, Output{Kind: kind, SourcePath: path})
	}
	return outputs
}

// readToolchainStamp loads the tool to ref mapping the solver wrapper writes
// after a run.
func readToolchainStamp(workDir, stamp string) (map[string]string, error) {
	path := strings.TrimSpace(stamp)
	if path == "" {
		return nil, nil
	}
	if !filepath.IsAbs(path) && workDir != "" {
		path = filepath.Join(workDir, path)
	}
	// #nosec G304 -- stamp path is explicit run configuration.
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read toolchain stamp: %w", err)
	}
	identity := map[string]string{}
	if err := yaml.Unmarshal(content, &identity); err != nil {
		return nil, fmt.Errorf("parse toolchain stamp: %w", err)
	}
	normalized := make(map[string]string, len(identity))
	for tool, ref := range identity {
		normalized[strings.TrimSpace(tool)] = strings.TrimSpace(ref)
	}
	return normalized, nil
}
