package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	coreerrors "github.com/DustinTheismann/omniforge/core/errors"
	"github.com/DustinTheismann/omniforge/core/lane"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
)

type blockingAdapter struct {
	honorCancel bool
	release     chan struct{}
}

func (blockingAdapter) Name() string { return "blocking" }

func (a blockingAdapter) Execute(ctx context.Context, _ foundry.RunConfig) (RawOutputs, error) {
	if a.honorCancel {
		<-ctx.Done()
		return RawOutputs{
			Outputs: []Output{{Kind: foundry.KindStdout, Data: []byte("c partial\n")}},
			Result:  lane.ResultUnknown,
		}, nil
	}
	<-a.release
	return RawOutputs{}, nil
}

// sleepyAdapter ignores cancellation and claims it used no time at all.
type sleepyAdapter struct {
	sleep time.Duration
}

func (sleepyAdapter) Name() string { return "sleepy" }

func (a sleepyAdapter) Execute(context.Context, foundry.RunConfig) (RawOutputs, error) {
	time.Sleep(a.sleep)
	return RawOutputs{
		Outputs: []Output{{Kind: foundry.KindStdout, Data: []byte("s SATISFIABLE\n")}},
		Usage:   foundry.ResourceUsage{Measured: true, WallMS: 0},
		Result:  lane.ResultSAT,
	}, nil
}

func TestNewSelectsAdapter(t *testing.T) {
	adapter, err := New(foundry.ExecutorConfig{})
	if err != nil || adapter.Name() != AdapterPlaceholder {
		t.Fatalf("expected placeholder adapter, got %v err=%v", adapter, err)
	}
	adapter, err = New(foundry.ExecutorConfig{Adapter: " Command ", Command: []string{"cadical"}})
	if err != nil || adapter.Name() != AdapterCommand {
		t.Fatalf("expected command adapter, got %v err=%v", adapter, err)
	}
	if _, err := New(foundry.ExecutorConfig{Adapter: AdapterCommand}); !coreerrors.HasCategory(err, coreerrors.CategoryInvalidInput) {
		t.Fatalf("expected invalid input for empty command, got %v", err)
	}
	if _, err := New(foundry.ExecutorConfig{Adapter: "docker"}); !coreerrors.HasCategory(err, coreerrors.CategoryInvalidInput) {
		t.Fatalf("expected invalid input for unknown adapter, got %v", err)
	}
}

func TestPlaceholderIsDeterministic(t *testing.T) {
	first, err := Placeholder{}.Execute(context.Background(), foundry.RunConfig{})
	if err != nil {
		t.Fatalf("execute placeholder: %v", err)
	}
	second, err := Placeholder{}.Execute(context.Background(), foundry.RunConfig{})
	if err != nil {
		t.Fatalf("execute placeholder: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("placeholder outputs differ (-first +second):\n%s", diff)
	}
	if first.Result != lane.ResultUnknown {
		t.Fatalf("unexpected result: %s", first.Result)
	}
	if diff := cmp.Diff([]string{foundry.KindStdout, foundry.KindStderr}, first.Kinds()); diff != "" {
		t.Fatalf("unexpected kinds (-want +got):\n%s", diff)
	}
	reader, err := first.Outputs[0].Open()
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "placeholder stdout\n" {
		t.Fatalf("unexpected stdout: %q", data)
	}
	if first.Toolchain[PlaceholderTool] != PlaceholderVersion {
		t.Fatalf("unexpected toolchain: %v", first.Toolchain)
	}
}

func TestRunTimeoutReturnsPartialOutputs(t *testing.T) {
	raw, err := Run(context.Background(), blockingAdapter{honorCancel: true}, foundry.RunConfig{}, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !coreerrors.HasCategory(err, coreerrors.CategoryExecutor) {
		t.Fatalf("expected executor category, got %q", coreerrors.CategoryOf(err))
	}
	if !raw.TimedOut || !raw.Usage.TimedOut {
		t.Fatalf("expected timed out outputs: %+v", raw)
	}
	if len(raw.Outputs) != 1 || raw.Outputs[0].Kind != foundry.KindStdout {
		t.Fatalf("expected partial stdout to survive timeout: %+v", raw.Outputs)
	}
}

func TestRunAbandonsAdapterAfterGrace(t *testing.T) {
	previous := GracePeriod
	GracePeriod = 20 * time.Millisecond
	t.Cleanup(func() { GracePeriod = previous })

	release := make(chan struct{})
	defer close(release)
	raw, err := Run(context.Background(), blockingAdapter{release: release}, foundry.RunConfig{}, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !raw.TimedOut || len(raw.Outputs) != 0 || raw.Result != lane.ResultUnknown {
		t.Fatalf("unexpected abandoned outputs: %+v", raw)
	}
}

func TestRunWithoutLimit(t *testing.T) {
	raw, err := Run(context.Background(), Placeholder{}, foundry.RunConfig{}, 0)
	if err != nil {
		t.Fatalf("run placeholder: %v", err)
	}
	if raw.TimedOut || len(raw.Outputs) != 2 {
		t.Fatalf("unexpected outputs: %+v", raw)
	}
}

func TestRunMeasuresWallTimeItself(t *testing.T) {
	raw, err := Run(context.Background(), sleepyAdapter{sleep: 120 * time.Millisecond}, foundry.RunConfig{}, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !raw.TimedOut || !raw.Usage.TimedOut {
		t.Fatalf("expected timed out usage: %+v", raw.Usage)
	}
	if raw.Usage.WallMS < 120 {
		t.Fatalf("expected measured wall time of at least 120ms, got %dms", raw.Usage.WallMS)
	}

	raw, err = Run(context.Background(), sleepyAdapter{sleep: 30 * time.Millisecond}, foundry.RunConfig{}, 0)
	if err != nil {
		t.Fatalf("run without limit: %v", err)
	}
	if raw.Usage.WallMS < 30 || raw.TimedOut {
		t.Fatalf("expected measured wall time without a limit: %+v", raw.Usage)
	}
}

func TestRunSamplesInProcessUsage(t *testing.T) {
	direct, err := Placeholder{}.Execute(context.Background(), foundry.RunConfig{})
	if err != nil {
		t.Fatalf("execute placeholder: %v", err)
	}
	if diff := cmp.Diff(foundry.ResourceUsage{}, direct.Usage); diff != "" {
		t.Fatalf("placeholder must not report usage of its own (-want +got):\n%s", diff)
	}

	raw, err := Run(context.Background(), Placeholder{}, foundry.RunConfig{}, time.Second)
	if err != nil {
		t.Fatalf("run placeholder: %v", err)
	}
	switch runtime.GOOS {
	case "linux", "darwin":
		if !raw.Usage.Measured || raw.Usage.MaxRSSKB <= 0 || raw.Usage.CPUMS < 0 {
			t.Fatalf("expected sampled process usage: %+v", raw.Usage)
		}
	default:
		if raw.Usage.Measured {
			t.Fatalf("usage cannot be sampled on %s: %+v", runtime.GOOS, raw.Usage)
		}
	}
}

func TestCommandReturnsParentCancellation(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cfg := foundry.RunConfig{Executor: foundry.ExecutorConfig{
		Adapter: AdapterCommand,
		Command: []string{"sh", "-c", "echo started; sleep 5"},
	}}
	time.AfterFunc(100*time.Millisecond, cancel)
	raw, err := Command{}.Execute(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if raw.TimedOut {
		t.Fatalf("cancellation is not a timeout: %+v", raw)
	}
	if len(raw.Outputs) < 2 {
		t.Fatalf("expected captured streams, got %v", raw.Kinds())
	}
}

func TestAdapterNameAndCommandline(t *testing.T) {
	if got := AdapterName(foundry.ExecutorConfig{}); got != AdapterPlaceholder {
		t.Fatalf("unexpected default adapter: %s", got)
	}
	placeholder := Commandline(foundry.RunConfig{Seed: 3})
	if diff := cmp.Diff([]string{"placeholder_solver", "--seed", "3"}, placeholder); diff != "" {
		t.Fatalf("placeholder commandline mismatch (-want +got):\n%s", diff)
	}
	command := Commandline(foundry.RunConfig{
		CaseID:   "uf20-01.cnf",
		Seed:     7,
		Executor: foundry.ExecutorConfig{Adapter: " Command ", Command: []string{"cadical", "--seed={seed}", "{case_id}"}},
	})
	if diff := cmp.Diff([]string{"cadical", "--seed=7", "uf20-01.cnf"}, command); diff != "" {
		t.Fatalf("command commandline mismatch (-want +got):\n%s", diff)
	}
}

func TestWallLimit(t *testing.T) {
	if got := WallLimit(0); got != 0 {
		t.Fatalf("zero limit: %s", got)
	}
	if got := WallLimit(1.5); got != 1500*time.Millisecond {
		t.Fatalf("fractional limit: %s", got)
	}
}

func TestCommandCollectsArtifacts(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	workDir := t.TempDir()
	script := strings.Join([]string{
		`echo "c seed=$OMNIFORGE_SEED threads=$OMNIFORGE_THREADS"`,
		`echo "s UNSATISFIABLE"`,
		`echo "proof for {case}" > proof.drat`,
		`printf 'cadical: rel-2.1.3\n' > stamp.yaml`,
		`echo "warn" 1>&2`,
		`exit 20`,
	}, "\n")
	cfg := foundry.RunConfig{
		CaseID:  "uf20-01.cnf",
		Seed:    7,
		Threads: 1,
		Executor: foundry.ExecutorConfig{
			Adapter:        AdapterCommand,
			Command:        []string{"sh", "-c", script, "solver", "{case_id}"},
			WorkDir:        workDir,
			Artifacts:      map[string]string{foundry.KindProofLog: "proof.drat", foundry.KindModel: "model.txt"},
			ToolchainStamp: "stamp.yaml",
		},
	}
	raw, err := Command{}.Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("execute command: %v", err)
	}
	if raw.Result != lane.ResultUNSAT {
		t.Fatalf("unexpected result: %s", raw.Result)
	}
	if raw.Usage.ExitCode != 20 {
		t.Fatalf("unexpected exit code: %d", raw.Usage.ExitCode)
	}
	if !strings.Contains(string(raw.Outputs[0].Data), "seed=7 threads=1") {
		t.Fatalf("expected seed environment in stdout: %q", raw.Outputs[0].Data)
	}
	if string(raw.Outputs[1].Data) != "warn\n" {
		t.Fatalf("unexpected stderr: %q", raw.Outputs[1].Data)
	}
	want := []string{foundry.KindStdout, foundry.KindStderr, foundry.KindModel, foundry.KindProofLog}
	if diff := cmp.Diff(want, raw.Kinds()); diff != "" {
		t.Fatalf("unexpected kinds (-want +got):\n%s", diff)
	}
	if raw.Outputs[3].SourcePath != filepath.Join(workDir, "proof.drat") {
		t.Fatalf("unexpected proof source: %s", raw.Outputs[3].SourcePath)
	}
	if _, err := os.Stat(raw.Outputs[2].SourcePath); !os.IsNotExist(err) {
		t.Fatalf("expected missing model source, got %v", err)
	}
	if raw.Toolchain["cadical"] != "rel-2.1.3" {
		t.Fatalf("unexpected toolchain: %v", raw.Toolchain)
	}
	if runtime.GOOS == "linux" && (!raw.Usage.Measured || raw.Usage.MaxRSSKB <= 0) {
		t.Fatalf("expected measured usage on linux: %+v", raw.Usage)
	}
}

func TestCommandStartFailureReturnsNoOutputs(t *testing.T) {
	cfg := foundry.RunConfig{Executor: foundry.ExecutorConfig{
		Adapter: AdapterCommand,
		Command: []string{filepath.Join(t.TempDir(), "no-such-solver")},
	}}
	raw, err := Command{}.Execute(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected start failure")
	}
	if len(raw.Outputs) != 0 {
		t.Fatalf("expected no outputs, got %v", raw.Kinds())
	}
}

func TestCommandTimeoutUnderRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	cfg := foundry.RunConfig{Executor: foundry.ExecutorConfig{
		Adapter: AdapterCommand,
		Command: []string{"sh", "-c", "echo started; sleep 5"},
	}}
	raw, err := Run(context.Background(), Command{}, cfg, 200*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !raw.TimedOut {
		t.Fatalf("expected timed out result: %+v", raw)
	}
	if len(raw.Outputs) < 2 {
		t.Fatalf("expected partial stdout and stderr, got %v", raw.Kinds())
	}
}

func TestCommandEnvLocked(t *testing.T) {
	t.Setenv("OMNIFORGE_LEAK", "1")
	env := commandEnv(foundry.RunConfig{EnvLocked: true, Executor: foundry.ExecutorConfig{Env: map[string]string{"B": "2", "A": "1"}}})
	for _, entry := range env {
		if strings.HasPrefix(entry, "OMNIFORGE_LEAK=") {
			t.Fatal("locked environment leaked host variable")
		}
	}
	joined := strings.Join(env, ",")
	if !strings.Contains(joined, "A=1,B=2") {
		t.Fatalf("expected sorted declared env, got %v", env)
	}
	unlocked := commandEnv(foundry.RunConfig{})
	if !strings.Contains(strings.Join(unlocked, ","), "OMNIFORGE_LEAK=1") {
		t.Fatal("unlocked environment should inherit host variables")
	}
}
