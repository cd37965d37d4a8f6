package sign

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"strings"
)

// KeyConfig names where keys come from. Each key may come from a file or an
// environment variable holding base64, not both.
type KeyConfig struct {
	PrivateKeyPath string
	PublicKeyPath  string
	PrivateKeyEnv  string
	PublicKeyEnv   string
}

func (cfg KeyConfig) HasPrivateSource() bool {
	return cfg.PrivateKeyPath != "" || cfg.PrivateKeyEnv != ""
}

func (cfg KeyConfig) HasPublicSource() bool {
	return cfg.PublicKeyPath != "" || cfg.PublicKeyEnv != ""
}

// LoadSigningKey returns ok=false when no private key is configured. A
// configured public key must match the private key.
func LoadSigningKey(cfg KeyConfig) (KeyPair, bool, error) {
	if !cfg.HasPrivateSource() {
		return KeyPair{}, false, nil
	}
	priv, err := loadPrivateKey(cfg)
	if err != nil {
		return KeyPair{}, false, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	if cfg.HasPublicSource() {
		loaded, err := loadPublicKey(cfg)
		if err != nil {
			return KeyPair{}, false, err
		}
		if !loaded.Equal(pub) {
			return KeyPair{}, false, fmt.Errorf("public key does not match private key")
		}
	}
	return KeyPair{Public: pub, Private: priv}, true, nil
}

// LoadVerifyKey prefers the public key source and falls back to deriving it
// from the private key. ok=false means nothing is configured.
func LoadVerifyKey(cfg KeyConfig) (ed25519.PublicKey, bool, error) {
	if cfg.HasPublicSource() {
		pub, err := loadPublicKey(cfg)
		if err != nil {
			return nil, false, err
		}
		return pub, true, nil
	}
	if cfg.HasPrivateSource() {
		priv, err := loadPrivateKey(cfg)
		if err != nil {
			return nil, false, err
		}
		return priv.Public().(ed25519.PublicKey), true, nil
	}
	return nil, false, nil
}

func loadPrivateKey(cfg KeyConfig) (ed25519.PrivateKey, error) {
	if cfg.PrivateKeyPath != "" && cfg.PrivateKeyEnv != "" {
		return nil, fmt.Errorf("private key source: set either path or env")
	}
	if cfg.PrivateKeyPath != "" {
		return LoadPrivateKeyBase64(cfg.PrivateKeyPath)
	}
	encoded, ok := readEnvValue(cfg.PrivateKeyEnv)
	if !ok {
		return nil, fmt.Errorf("private key env not set: %s", cfg.PrivateKeyEnv)
	}
	return ParsePrivateKeyBase64(encoded)
}

func loadPublicKey(cfg KeyConfig) (ed25519.PublicKey, error) {
	if cfg.PublicKeyPath != "" && cfg.PublicKeyEnv != "" {
		return nil, fmt.Errorf("public key source: set either path or env")
	}
	if cfg.PublicKeyPath != "" {
		return LoadPublicKeyBase64(cfg.PublicKeyPath)
	}
	encoded, ok := readEnvValue(cfg.PublicKeyEnv)
	if !ok {
		return nil, fmt.Errorf("public key env not set: %s", cfg.PublicKeyEnv)
	}
	return ParsePublicKeyBase64(encoded)
}

func readEnvValue(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return "", false
	}
	return val, true
}
