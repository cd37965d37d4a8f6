package projectconfig

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/DustinTheismann/omniforge/core/runstore"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
	"github.com/DustinTheismann/omniforge/core/sign"
	"github.com/DustinTheismann/omniforge/core/toolchain"
)

const DefaultPath = ".omniforge/config.yaml"

type Config struct {
	Artifacts ArtifactsDefaults `yaml:"artifacts"`
	Schemas   SchemasDefaults   `yaml:"schemas"`
	Contract  ContractDefaults  `yaml:"contract"`
	Toolchain ToolchainDefaults `yaml:"toolchain"`
	Executor  ExecutorDefaults  `yaml:"executor"`
	Signing   SigningDefaults   `yaml:"signing"`
}

type ArtifactsDefaults struct {
	Root string `yaml:"root"`
}

type SchemasDefaults struct {
	// Dir overrides the embedded schemas.
	Dir string `yaml:"dir"`
}

type ContractDefaults struct {
	Path string `yaml:"path"`
}

type ToolchainDefaults struct {
	LockPath string `yaml:"lock_path"`
}

type ExecutorDefaults struct {
	Adapter        string            `yaml:"adapter"`
	Command        []string          `yaml:"command"`
	WorkDir        string            `yaml:"work_dir"`
	Artifacts      map[string]string `yaml:"artifacts"`
	Env            map[string]string `yaml:"env"`
	ToolchainStamp string            `yaml:"toolchain_stamp"`
}

type SigningDefaults struct {
	PrivateKey    string `yaml:"private_key"` // #nosec G117 -- config key name documents expected secret input.
	PrivateKeyEnv string `yaml:"private_key_env"`
	PublicKey     string `yaml:"public_key"`
	PublicKeyEnv  string `yaml:"public_key_env"`
	Require       bool   `yaml:"require"`
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("project config path is required")
	}

	// #nosec G304 -- project config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read project config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Config{}, nil
	}

	var configuration Config
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, fmt.Errorf("parse project config: %w", err)
	}
	if err := configuration.normalize(); err != nil {
		return Config{}, err
	}
	return configuration, nil
}

func (configuration *Config) normalize() error {
	configuration.Artifacts.Root = strings.TrimSpace(configuration.Artifacts.Root)
	configuration.Schemas.Dir = strings.TrimSpace(configuration.Schemas.Dir)
	configuration.Contract.Path = strings.TrimSpace(configuration.Contract.Path)
	configuration.Toolchain.LockPath = strings.TrimSpace(configuration.Toolchain.LockPath)
	configuration.Executor.Adapter = strings.ToLower(strings.TrimSpace(configuration.Executor.Adapter))
	configuration.Executor.WorkDir = strings.TrimSpace(configuration.Executor.WorkDir)
	configuration.Executor.ToolchainStamp = strings.TrimSpace(configuration.Executor.ToolchainStamp)
	for index, arg := range configuration.Executor.Command {
		configuration.Executor.Command[index] = strings.TrimSpace(arg)
	}
	artifacts, err := normalizeArtifacts(configuration.Executor.Artifacts)
	if err != nil {
		return err
	}
	configuration.Executor.Artifacts = artifacts
	configuration.Signing.PrivateKey = strings.TrimSpace(configuration.Signing.PrivateKey)
	configuration.Signing.PrivateKeyEnv = strings.TrimSpace(configuration.Signing.PrivateKeyEnv)
	configuration.Signing.PublicKey = strings.TrimSpace(configuration.Signing.PublicKey)
	configuration.Signing.PublicKeyEnv = strings.TrimSpace(configuration.Signing.PublicKeyEnv)
	return nil
}

// normalizeArtifacts lowercases evidence kinds and rejects kinds that collide
// after trimming.
func normalizeArtifacts(artifacts map[string]string) (map[string]string, error) {
	if len(artifacts) == 0 {
		return nil, nil
	}
	kinds := make([]string, 0, len(artifacts))
	for kind := range artifacts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	normalized := make(map[string]string, len(artifacts))
	for _, kind := range kinds {
		key := strings.ToLower(strings.TrimSpace(kind))
		if key == "" {
			return nil, fmt.Errorf("parse project config: executor.artifacts has an empty kind")
		}
		if _, exists := normalized[key]; exists {
			return nil, fmt.Errorf("parse project config: executor.artifacts kind %q is declared twice", key)
		}
		normalized[key] = strings.TrimSpace(artifacts[kind])
	}
	return normalized, nil
}

// ArtifactsRoot is the configured root or the default artifacts directory.
func (configuration Config) ArtifactsRoot() string {
	if configuration.Artifacts.Root == "" {
		return runstore.DefaultRoot
	}
	return configuration.Artifacts.Root
}

func (configuration Config) ToolchainLockPath() string {
	if configuration.Toolchain.LockPath == "" {
		return toolchain.DefaultPath
	}
	return configuration.Toolchain.LockPath
}

func (configuration Config) ExecutorConfig() foundry.ExecutorConfig {
	return foundry.ExecutorConfig{
		Adapter:        configuration.Executor.Adapter,
		Command:        append([]string(nil), configuration.Executor.Command...),
		WorkDir:        configuration.Executor.WorkDir,
		Artifacts:      configuration.Executor.Artifacts,
		Env:            configuration.Executor.Env,
		ToolchainStamp: configuration.Executor.ToolchainStamp,
	}
}

func (configuration Config) KeyConfig() sign.KeyConfig {
	return sign.KeyConfig{
		PrivateKeyPath: configuration.Signing.PrivateKey,
		PrivateKeyEnv:  configuration.Signing.PrivateKeyEnv,
		PublicKeyPath:  configuration.Signing.PublicKey,
		PublicKeyEnv:   configuration.Signing.PublicKeyEnv,
	}
}
