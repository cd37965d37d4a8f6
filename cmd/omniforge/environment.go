package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/DustinTheismann/omniforge/core/engine"
	coreerrors "github.com/DustinTheismann/omniforge/core/errors"
	"github.com/DustinTheismann/omniforge/core/projectconfig"
	"github.com/DustinTheismann/omniforge/core/reproduce"
	"github.com/DustinTheismann/omniforge/core/schema/validate"
	"github.com/DustinTheismann/omniforge/core/sign"
	"github.com/DustinTheismann/omniforge/core/toolchain"
)

// environmentFlags are shared by every command that touches the artifacts root.
type environmentFlags struct {
	configPath   string
	artifacts    string
	schemasDir   string
	requireSigns bool
	verbose      bool
}

func (f *environmentFlags) register(flagSet *flag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", projectconfig.DefaultPath, "path to project config")
	flagSet.StringVar(&f.artifacts, "artifacts", "", "artifacts root (overrides config)")
	flagSet.StringVar(&f.schemasDir, "schemas", "", "schema directory (defaults to embedded schemas)")
	flagSet.BoolVar(&f.requireSigns, "require-signature", false, "reject unsigned manifests")
	flagSet.BoolVar(&f.verbose, "verbose", false, "write debug logs to stderr")
}

type environment struct {
	config   projectconfig.Config
	root     string
	registry *validate.Registry
	lock     *toolchain.Lock
	keys     sign.KeyPair
	logger   *slog.Logger
	require  bool
}

func loadEnvironment(f environmentFlags) (environment, error) {
	allowMissing := strings.TrimSpace(f.configPath) == projectconfig.DefaultPath
	configuration, err := projectconfig.Load(f.configPath, allowMissing)
	if err != nil {
		return environment{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "config_invalid", "fix the project config file", false)
	}

	env := environment{
		config:  configuration,
		root:    configuration.ArtifactsRoot(),
		logger:  newLogger(f.verbose),
		require: f.requireSigns || configuration.Signing.Require,
	}
	if trimmed := strings.TrimSpace(f.artifacts); trimmed != "" {
		env.root = trimmed
	}

	env.registry, err = loadRegistry(firstNonEmpty(f.schemasDir, configuration.Schemas.Dir))
	if err != nil {
		return environment{}, err
	}

	lockPath := configuration.ToolchainLockPath()
	if _, statErr := os.Stat(lockPath); statErr == nil {
		env.lock, err = toolchain.Load(lockPath)
		if err != nil {
			return environment{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "toolchain_lock_invalid", "fix "+lockPath, false)
		}
	} else if configuration.Toolchain.LockPath != "" {
		return environment{}, coreerrors.Wrap(
			fmt.Errorf("toolchain lock %s: %w", lockPath, statErr),
			coreerrors.CategoryInvalidInput, "toolchain_lock_missing", "create the lock file or remove toolchain.lock_path", false)
	}

	keyConfig := configuration.KeyConfig()
	pair, ok, err := sign.LoadSigningKey(keyConfig)
	if err != nil {
		return environment{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "signing_key_invalid", "check signing key configuration", false)
	}
	if ok {
		env.keys = pair
	} else {
		public, found, err := sign.LoadVerifyKey(keyConfig)
		if err != nil {
			return environment{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "verify_key_invalid", "check public key configuration", false)
		}
		if found {
			env.keys.Public = public
		}
	}
	env.logger.Debug("environment loaded",
		"artifacts_root", env.root,
		"toolchain_locked", env.lock != nil,
		"signing", env.keys.Private != nil,
	)
	return env, nil
}

func loadRegistry(dir string) (*validate.Registry, error) {
	var (
		registry *validate.Registry
		err      error
	)
	if dir == "" {
		registry, err = validate.LoadEmbeddedRegistry()
	} else {
		registry, err = validate.LoadRegistry(dir)
	}
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategorySchemaLoad, "schema_load_failed", "check the schema directory", false)
	}
	return registry, nil
}

func (env environment) engine() (*engine.Engine, error) {
	return engine.New(engine.Options{
		Root:             env.root,
		Registry:         env.registry,
		Lock:             env.lock,
		SignKey:          env.keys.Private,
		PublicKey:        env.keys.Public,
		RequireSignature: env.require,
		ProducerVersion:  version,
		Logger:           env.logger,
	})
}

func (env environment) reproducer() *reproduce.Reproducer {
	return &reproduce.Reproducer{Root: env.root, Logger: env.logger}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
