package executor

import (
	"context"

	"github.com/DustinTheismann/omniforge/core/lane"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
)

const (
	PlaceholderTool    = "placeholder_sat_executor"
	PlaceholderVersion = "v0.2-seed"
)

// Placeholder is the deterministic seed executor for the SAT lane. It runs in
// process and reports no usage of its own.
type Placeholder struct{}

func (Placeholder) inProcess() {}

func (Placeholder) Name() string {
	return AdapterPlaceholder
}

func (Placeholder) Execute(ctx context.Context, _ foundry.RunConfig) (RawOutputs, error) {
	if err := ctx.Err(); err != nil {
		return RawOutputs{Result: lane.ResultUnknown}, err
	}
	return RawOutputs{
		Outputs: []Output{
			{Kind: foundry.KindStdout, Data: []byte("placeholder stdout\n")},
			{Kind: foundry.KindStderr, Data: []byte("placeholder stderr\n")},
		},
		Toolchain: map[string]string{PlaceholderTool: PlaceholderVersion},
		Result:    lane.ResultUnknown,
	}, nil
}
