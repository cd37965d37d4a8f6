package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	coreerrors "github.com/DustinTheismann/omniforge/core/errors"
	"github.com/DustinTheismann/omniforge/core/lane"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
)

const (
	AdapterPlaceholder = "placeholder"
	AdapterCommand     = "command"
)

// GracePeriod is how long Run waits past the wall limit for an adapter to
// return its partial outputs before abandoning it.
var GracePeriod = 2 * time.Second

var ErrTimeout = errors.New("executor exceeded wall-clock limit")

// Adapter produces the raw outputs of one run. Implementations must return
// whatever output they captured even when they also return an error.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, cfg foundry.RunConfig) (RawOutputs, error)
}

// Output is one evidence stream. Data and SourcePath are exclusive; a
// SourcePath is read when the bundle is built.
type Output struct {
	Kind       string
	Data       []byte
	SourcePath string
}

func (o Output) Open() (io.ReadCloser, error) {
	if o.SourcePath == "" {
		return io.NopCloser(bytes.NewReader(o.Data)), nil
	}
	// #nosec G304 -- artifact paths come from the run's executor configuration.
	return os.Open(o.SourcePath)
}

type RawOutputs struct {
	Outputs   []Output
	Usage     foundry.ResourceUsage
	Toolchain map[string]string
	Result    string
	TimedOut  bool
}

// Kinds lists output kinds in adapter order.
func (r RawOutputs) Kinds() []string {
	kinds := make([]string, 0, len(r.Outputs))
	for _, output := range r.Outputs {
		kinds = append(kinds, output.Kind)
	}
	return kinds
}

// Factory builds the adapter for an executor config. New is the default.
type Factory func(foundry.ExecutorConfig) (Adapter, error)

// AdapterName is the normalized adapter name of cfg. Empty selects the
// placeholder.
func AdapterName(cfg foundry.ExecutorConfig) string {
	name := strings.ToLower(strings.TrimSpace(cfg.Adapter))
	if name == "" {
		return AdapterPlaceholder
	}
	return name
}

// Commandline is the argv a run executes with placeholders expanded. The
// placeholder adapter reports a fixed pseudo command naming its seed.
func Commandline(cfg foundry.RunConfig) []string {
	if AdapterName(cfg.Executor) == AdapterCommand {
		return expandArgs(cfg)
	}
	return []string{"placeholder_solver", "--seed", strconv.FormatInt(cfg.Seed, 10)}
}

// New selects the adapter named by cfg.
func New(cfg foundry.ExecutorConfig) (Adapter, error) {
	switch AdapterName(cfg) {
	case AdapterPlaceholder:
		return Placeholder{}, nil
	case AdapterCommand:
		if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
			return nil, coreerrors.New(
				coreerrors.CategoryInvalidInput,
				"executor_command_missing",
				"command adapter requires executor.command",
				"set executor.command to the solver argv",
			)
		}
		return Command{}, nil
	default:
		return nil, coreerrors.New(
			coreerrors.CategoryInvalidInput,
			"executor_unsupported",
			fmt.Sprintf("unsupported executor adapter: %s", cfg.Adapter),
			"use executor.adapter placeholder or command",
		)
	}
}

// WallLimit converts a contract wall limit in seconds. Zero means no limit.
func WallLimit(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// inProcess marks adapters that execute inside this process. Run samples
// their CPU time and peak RSS from the process rusage and discards whatever
// usage they report.
type inProcess interface {
	inProcess()
}

type processSample struct {
	cpuMS    int64
	maxRSSKB int64
}

// Run calls adapter under a hard wall-clock limit. When the limit expires the
// result is partial output marked TimedOut together with an executor error. If
// the adapter ignores cancellation past GracePeriod it is abandoned and Run
// returns an empty partial result. Wall time is always measured here, never
// taken from the adapter.
func Run(ctx context.Context, adapter Adapter, cfg foundry.RunConfig, wall time.Duration) (RawOutputs, error) {
	_, local := adapter.(inProcess)
	before, sampled := processUsage()
	started := time.Now()
	observe := func(raw RawOutputs) RawOutputs {
		raw.Usage.WallMS = time.Since(started).Milliseconds()
		if !local {
			return raw
		}
		raw.Usage.Measured = false
		raw.Usage.CPUMS = 0
		raw.Usage.MaxRSSKB = 0
		if after, ok := processUsage(); ok && sampled {
			raw.Usage.CPUMS = after.cpuMS - before.cpuMS
			raw.Usage.MaxRSSKB = after.maxRSSKB
			raw.Usage.Measured = true
		}
		return raw
	}

	if wall <= 0 {
		raw, err := adapter.Execute(ctx, cfg)
		return observe(raw), executorError(err)
	}

	runCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()

	type outcome struct {
		raw RawOutputs
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		raw, err := adapter.Execute(runCtx, cfg)
		done <- outcome{raw: raw, err: err}
	}()

	grace := time.NewTimer(wall + GracePeriod)
	defer grace.Stop()

	select {
	case result := <-done:
		raw := observe(result.raw)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) || time.Duration(raw.Usage.WallMS)*time.Millisecond > wall {
			raw.TimedOut = true
			raw.Usage.TimedOut = true
			if result.err == nil {
				result.err = ErrTimeout
			}
		}
		return raw, executorError(result.err)
	case <-grace.C:
		partial := RawOutputs{
			Usage: foundry.ResourceUsage{
				WallMS:   time.Since(started).Milliseconds(),
				TimedOut: true,
			},
			Result:   lane.ResultUnknown,
			TimedOut: true,
		}
		return partial, executorError(fmt.Errorf("%w: adapter %s did not return", ErrTimeout, adapter.Name()))
	}
}

func executorError(err error) error {
	if err == nil {
		return nil
	}
	if coreerrors.CategoryOf(err) != "" {
		return err
	}
	code := "executor_failed"
	if errors.Is(err, ErrTimeout) {
		code = "executor_timeout"
	}
	return coreerrors.Wrap(err, coreerrors.CategoryExecutor, code, "inspect the run stderr evidence", false)
}
