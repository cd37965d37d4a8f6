// Package sign signs and verifies sealed manifest digests with ed25519.
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/DustinTheismann/omniforge/core/fsx"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
)

const AlgEd25519 = "ed25519"

const (
	PrivateKeyFile = "omniforge_ed25519.key"
	PublicKeyFile  = "omniforge_ed25519.pub"
)

var (
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrKeyMismatch      = errors.New("signature key id does not match verify key")
	ErrDigestMismatch   = errors.New("signed digest does not match manifest digest")
)

type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key pair: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// KeyID is the sha256 of the raw public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// SignDigest signs the raw bytes of a hex sha256 digest.
func SignDigest(priv ed25519.PrivateKey, digestHex string) (foundry.Signature, error) {
	digest, err := decodeDigest(digestHex)
	if err != nil {
		return foundry.Signature{}, err
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return foundry.Signature{}, fmt.Errorf("derive public key")
	}
	return foundry.Signature{
		Alg:          AlgEd25519,
		KeyID:        KeyID(pub),
		Sig:          base64.StdEncoding.EncodeToString(ed25519.Sign(priv, digest)),
		SignedDigest: digestHex,
	}, nil
}

// VerifyDigest checks that sig covers expectedDigest and was produced by pub.
func VerifyDigest(pub ed25519.PublicKey, sig foundry.Signature, expectedDigest string) error {
	if sig.Alg != AlgEd25519 {
		return fmt.Errorf("%w: unsupported alg %q", ErrSignatureInvalid, sig.Alg)
	}
	if sig.KeyID != "" && sig.KeyID != KeyID(pub) {
		return ErrKeyMismatch
	}
	if sig.SignedDigest != "" && sig.SignedDigest != expectedDigest {
		return ErrDigestMismatch
	}
	digest, err := decodeDigest(expectedDigest)
	if err != nil {
		return err
	}
	rawSig, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return fmt.Errorf("%w: decode sig: %v", ErrSignatureInvalid, err)
	}
	if len(rawSig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature length %d", ErrSignatureInvalid, len(rawSig))
	}
	if !ed25519.Verify(pub, digest, rawSig) {
		return ErrSignatureInvalid
	}
	return nil
}

// WriteKeyPair writes base64 key files into dir and refuses to overwrite an
// existing private key.
func WriteKeyPair(dir string, pair KeyPair) (privatePath string, publicPath string, err error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", "", fmt.Errorf("create key directory: %w", err)
	}
	privatePath = filepath.Join(dir, PrivateKeyFile)
	publicPath = filepath.Join(dir, PublicKeyFile)
	if _, statErr := os.Stat(privatePath); statErr == nil {
		return "", "", fmt.Errorf("private key already exists: %s", privatePath)
	}
	if err := fsx.WriteFileAtomic(privatePath, []byte(EncodePrivateKey(pair.Private)+"\n"), 0o600); err != nil {
		return "", "", fmt.Errorf("write private key: %w", err)
	}
	if err := fsx.WriteFileAtomic(publicPath, []byte(EncodePublicKey(pair.Public)+"\n"), 0o644); err != nil {
		return "", "", fmt.Errorf("write public key: %w", err)
	}
	return privatePath, publicPath, nil
}

func EncodePrivateKey(priv ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(priv)
}

func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

func LoadPrivateKeyBase64(path string) (ed25519.PrivateKey, error) {
	// #nosec G304 -- caller supplies local key path by design
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParsePrivateKeyBase64(strings.TrimSpace(string(b)))
}

func LoadPublicKeyBase64(path string) (ed25519.PublicKey, error) {
	// #nosec G304 -- caller supplies local key path by design
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return ParsePublicKeyBase64(strings.TrimSpace(string(b)))
}

func ParsePrivateKeyBase64(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if l := len(raw); l != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: %d", l)
	}
	return ed25519.PrivateKey(raw), nil
}

func ParsePublicKeyBase64(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if l := len(raw); l != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: %d", l)
	}
	return ed25519.PublicKey(raw), nil
}

func decodeDigest(digestHex string) ([]byte, error) {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return nil, fmt.Errorf("decode digest: %w", err)
	}
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("invalid digest length: %d", len(digest))
	}
	return digest, nil
}
