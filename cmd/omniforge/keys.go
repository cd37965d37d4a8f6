package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	coreerrors "github.com/DustinTheismann/omniforge/core/errors"
	"github.com/DustinTheismann/omniforge/core/sign"
)

type keysInitOutput struct {
	OK         bool   `json:"ok"`
	KeyID      string `json:"key_id,omitempty"`
	PrivateKey string `json:"private_key_path,omitempty"`
	PublicKey  string `json:"public_key_path,omitempty"`
	errorFields
}

func runKeys(arguments []string) int {
	if len(arguments) == 0 {
		printKeysUsage()
		return exitInvalidInput
	}
	switch strings.TrimSpace(arguments[0]) {
	case "init":
		return runKeysInit(arguments[1:])
	case "--help", "-h", "help":
		printKeysUsage()
		return exitOK
	default:
		printKeysUsage()
		return exitInvalidInput
	}
}

func runKeysInit(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Generate an Ed25519 key pair for signing run manifests.")
	}
	flagSet := flag.NewFlagSet("keys-init", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var outDir string
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&outDir, "out-dir", ".omniforge/keys", "directory for the key files")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeKeysInitOutput(jsonOutput, keysInitOutput{errorFields: errorFieldsFor(err)}, exitInvalidInput)
	}
	if helpFlag {
		printKeysUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeKeysInitOutput(jsonOutput, keysInitOutput{errorFields: errorFields{Error: "unexpected positional arguments"}}, exitInvalidInput)
	}
	outDir = strings.TrimSpace(outDir)
	if outDir == "" {
		return writeKeysInitOutput(jsonOutput, keysInitOutput{errorFields: errorFields{Error: "--out-dir is required"}}, exitInvalidInput)
	}

	pair, err := sign.GenerateKeyPair()
	if err != nil {
		err = coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "key_generation_failed", "", false)
		return writeKeysInitOutput(jsonOutput, keysInitOutput{errorFields: errorFieldsFor(err)}, exitInternalFailure)
	}
	privatePath, publicPath, err := sign.WriteKeyPair(outDir, pair)
	if err != nil {
		err = coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "key_write_failed", "choose an empty --out-dir", false)
		return writeKeysInitOutput(jsonOutput, keysInitOutput{errorFields: errorFieldsFor(err)}, exitInternalFailure)
	}
	return writeKeysInitOutput(jsonOutput, keysInitOutput{
		OK:         true,
		KeyID:      sign.KeyID(pair.Public),
		PrivateKey: privatePath,
		PublicKey:  publicPath,
	}, exitOK)
}

func writeKeysInitOutput(jsonOutput bool, output keysInitOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("keys init: wrote %s and %s\n", output.PrivateKey, output.PublicKey)
		fmt.Printf("key_id=%s\n", output.KeyID)
		return exitCode
	}
	fmt.Printf("keys init error: %s\n", output.Error)
	return exitCode
}

func printKeysUsage() {
	fmt.Println("Usage:")
	fmt.Println("  omniforge keys init [--out-dir <dir>] [--json] [--explain]")
}
