// Package schemas embeds the JSON Schema documents that define evaluation
// contracts and run bundle manifests.
package schemas

import "embed"

const (
	EvalContractFile     = "eval_contract.schema.json"
	ArtifactManifestFile = "artifact_manifest.schema.json"
)

//go:embed v1/*.schema.json
var files embed.FS

// ReadV1 returns the embedded copy of a v1 schema document.
func ReadV1(name string) ([]byte, error) {
	return files.ReadFile("v1/" + name)
}
