package scenarios

import (
	"fmt"
	"os"
	"path/filepath"
)

const scenarioRootRelativePath = "scenarios/omniforge"

var requiredScenarioMinimumFiles = map[string][]string{
	"sat-tiny-accepted":          {"README.md", "contract.json", "flags.yaml", "expected.yaml"},
	"missing-proof-log-rejected": {"README.md", "contract.json", "expected.yaml"},
	"unsat-requires-proof":       {"README.md", "contract.json", "config.yaml", "expected.yaml"},
	"wall-time-exceeded":         {"README.md", "contract.json", "config.yaml", "expected.yaml"},
	"tampered-stdout-rejected":   {"README.md", "contract.json", "flags.yaml", "expected.yaml"},
	"concurrent-runs-10":         {"README.md", "contract.json", "flags.yaml", "expected.yaml"},
	"invalid-lane-contract":      {"README.md", "contract.json", "expected.yaml"},
}

// commandScenarios drive the command adapter through sh.
var commandScenarios = map[string]bool{
	"unsat-requires-proof": true,
	"wall-time-exceeded":   true,
}

func findRepoRoot(startDir string) (string, error) {
	current := startDir
	for {
		candidate := filepath.Join(current, "go.mod")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("unable to locate repository root from %s", startDir)
		}
		current = parent
	}
}

func validateScenarioFiles(scenarioRoot string) error {
	for name, files := range requiredScenarioMinimumFiles {
		for _, file := range files {
			path := filepath.Join(scenarioRoot, name, file)
			if info, err := os.Stat(path); err != nil || info.IsDir() {
				return fmt.Errorf("scenario %s is missing %s", name, file)
			}
		}
	}
	return nil
}
