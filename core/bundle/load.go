package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	coreerrors "github.com/DustinTheismann/omniforge/core/errors"
	"github.com/DustinTheismann/omniforge/core/runstore"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
)

var (
	ErrManifestNotFound    = errors.New("manifest not found")
	ErrInvalidArtifactPath = errors.New("artifact path escapes the bundle evidence directory")
)

// Loaded is a bundle read back from disk. The manifest bytes are kept
// verbatim so a validator can detect edits the typed view would hide.
type Loaded struct {
	runID        string
	dir          string
	manifestJSON []byte
	manifest     foundry.ArtifactManifest
	parseErr     error
	record       foundry.RunRecord
	hasRecord    bool
}

// Load reads run_<runID>/manifest.json and, when present, run.json. A manifest
// that does not parse is still returned so validation can reject it.
func Load(root, runID string) (*Loaded, error) {
	if err := runstore.ValidateRunID(runID); err != nil {
		return nil, err
	}
	loaded := &Loaded{runID: runID, dir: runstore.RunDir(root, runID)}

	// #nosec G304 -- path is derived from the artifacts root and a validated run id.
	manifestJSON, err := os.ReadFile(runstore.ManifestPath(root, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, coreerrors.Wrap(
				fmt.Errorf("%w: %s", ErrManifestNotFound, runID),
				coreerrors.CategoryInvalidInput,
				"manifest_not_found",
				"check --run-id and the artifacts root",
				false,
			)
		}
		return nil, ioError("read manifest", err)
	}
	loaded.manifestJSON = manifestJSON
	if err := json.Unmarshal(manifestJSON, &loaded.manifest); err != nil {
		loaded.parseErr = err
	}

	record, err := readRecord(runstore.RecordPath(root, runID))
	if err != nil {
		return nil, err
	}
	if record != nil {
		loaded.record = *record
		loaded.hasRecord = true
	}
	return loaded, nil
}

func (l *Loaded) RunID() string {
	return l.runID
}

func (l *Loaded) Dir() string {
	return l.dir
}

func (l *Loaded) Manifest() foundry.ArtifactManifest {
	return l.manifest
}

func (l *Loaded) ManifestJSON() []byte {
	return l.manifestJSON
}

// ParseError is the manifest decode failure, if any.
func (l *Loaded) ParseError() error {
	return l.parseErr
}

func (l *Loaded) Record() (foundry.RunRecord, bool) {
	return l.record, l.hasRecord
}

// OpenArtifact opens a manifest path. Only local paths under evidence/ are
// accepted.
func (l *Loaded) OpenArtifact(relPath string) (io.ReadCloser, error) {
	cleaned, err := CleanArtifactPath(relPath)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path validated as local to the evidence directory.
	return os.Open(filepath.Join(l.dir, filepath.FromSlash(cleaned)))
}

// CleanArtifactPath rejects absolute paths, traversal, and paths outside
// evidence/.
func CleanArtifactPath(relPath string) (string, error) {
	slashed := filepath.ToSlash(strings.TrimSpace(relPath))
	cleaned := path.Clean(slashed)
	if slashed == "" || cleaned != slashed || !filepath.IsLocal(filepath.FromSlash(cleaned)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidArtifactPath, relPath)
	}
	if !strings.HasPrefix(cleaned, runstore.EvidenceDir+"/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidArtifactPath, relPath)
	}
	return cleaned, nil
}

// HashStream returns the sha256 hex digest and length of r.
func HashStream(r io.Reader) (string, int64, error) {
	hasher := sha256.New()
	size, err := io.Copy(hasher, r)
	if err != nil {
		return "", size, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func readRecord(recordPath string) (*foundry.RunRecord, error) {
	// #nosec G304 -- path is derived from the artifacts root and a validated run id.
	payload, err := os.ReadFile(recordPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ioError("read run record", err)
	}
	var record foundry.RunRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, ioError("parse run record", err)
	}
	return &record, nil
}
