// Package toolchain reads the pinned solver and checker sources shared with
// the installer.
package toolchain

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
)

const DefaultPath = "toolchain.lock.yaml"

type Pin struct {
	Repo string `yaml:"repo" json:"repo"`
	Ref  string `yaml:"ref" json:"ref"`
}

type Lock struct {
	Tools map[string]Pin `yaml:"tools" json:"tools"`
}

func Load(path string) (*Lock, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return nil, fmt.Errorf("toolchain lock path is required")
	}
	// #nosec G304 -- toolchain lock path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		return nil, fmt.Errorf("read toolchain lock: %w", err)
	}
	return Parse(content)
}

func Parse(content []byte) (*Lock, error) {
	var lock Lock
	if err := yaml.Unmarshal(content, &lock); err != nil {
		return nil, fmt.Errorf("parse toolchain lock: %w", err)
	}
	normalized := make(map[string]Pin, len(lock.Tools))
	for name, pin := range lock.Tools {
		tool := strings.TrimSpace(name)
		pin.Repo = strings.TrimSpace(pin.Repo)
		pin.Ref = strings.TrimSpace(pin.Ref)
		if tool == "" {
			return nil, fmt.Errorf("parse toolchain lock: empty tool name")
		}
		if pin.Ref == "" {
			return nil, fmt.Errorf("parse toolchain lock: tool %s has no ref", tool)
		}
		normalized[tool] = pin
	}
	lock.Tools = normalized
	return &lock, nil
}

// Ref returns the pinned ref for tool.
func (l *Lock) Ref(tool string) (string, bool) {
	if l == nil {
		return "", false
	}
	pin, ok := l.Tools[tool]
	if !ok {
		return "", false
	}
	return pin.Ref, true
}

// Identity returns the tool to ref mapping a locked run is expected to record.
func (l *Lock) Identity() map[string]string {
	if l == nil {
		return map[string]string{}
	}
	identity := make(map[string]string, len(l.Tools))
	for name, pin := range l.Tools {
		identity[name] = pin.Ref
	}
	return identity
}

func (l *Lock) ToolNames() []string {
	if l == nil {
		return nil
	}
	names := make([]string, 0, len(l.Tools))
	for name := range l.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
