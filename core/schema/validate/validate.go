package validate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"

	coreerrors "github.com/DustinTheismann/omniforge/core/errors"
	"github.com/DustinTheismann/omniforge/schemas"
)

const (
	SchemaEvalContract     = "eval_contract"
	SchemaArtifactManifest = "artifact_manifest"
)

var schemaFiles = map[string]string{
	SchemaEvalContract:     schemas.EvalContractFile,
	SchemaArtifactManifest: schemas.ArtifactManifestFile,
}

// SchemaLoadError reports a schema document that is missing or malformed. It
// is fatal at startup.
type SchemaLoadError struct {
	Name string
	Path string
	Err  error
}

func (e *SchemaLoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("load schema %s (%s): %v", e.Name, e.Path, e.Err)
	}
	return fmt.Sprintf("load schema %s: %v", e.Name, e.Err)
}

func (e *SchemaLoadError) Unwrap() error {
	return e.Err
}

type Violation struct {
	InstancePath string `json:"instance_path"`
	Message      string `json:"message"`
}

func (v Violation) String() string {
	path := v.InstancePath
	if path == "" {
		path = "/"
	}
	return path + ": " + v.Message
}

// Definition is the queryable summary of one schema document.
type Definition struct {
	Name          string            `json:"name"`
	ID            string            `json:"id"`
	Required      []string          `json:"required"`
	Properties    map[string]string `json:"properties"`
	EvidenceKinds []string          `json:"evidence_kinds"`
}

// Registry holds the compiled evaluation-contract and artifact-manifest
// schemas. It is immutable after load and safe for concurrent use.
type Registry struct {
	compiled    map[string]*jsonschema.Schema
	definitions map[string]Definition
	kinds       map[string]struct{}
}

// LoadRegistry reads both schema documents from dir.
func LoadRegistry(dir string) (*Registry, error) {
	documents := make(map[string][]byte, len(schemaFiles))
	for name, file := range schemaFiles {
		path := filepath.Join(dir, file)
		// #nosec G304 -- schema directory is explicit local configuration.
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, schemaLoadError(name, path, fmt.Errorf("read schema: %w", err))
		}
		documents[name] = data
	}
	return NewRegistry(documents)
}

// LoadEmbeddedRegistry uses the schema documents compiled into the binary.
func LoadEmbeddedRegistry() (*Registry, error) {
	documents := make(map[string][]byte, len(schemaFiles))
	for name, file := range schemaFiles {
		data, err := schemas.ReadV1(file)
		if err != nil {
			return nil, schemaLoadError(name, file, fmt.Errorf("read embedded schema: %w", err))
		}
		documents[name] = data
	}
	return NewRegistry(documents)
}

func NewRegistry(documents map[string][]byte) (*Registry, error) {
	registry := &Registry{
		compiled:    make(map[string]*jsonschema.Schema, len(schemaFiles)),
		definitions: make(map[string]Definition, len(schemaFiles)),
		kinds:       map[string]struct{}{},
	}
	for name := range schemaFiles {
		data, ok := documents[name]
		if !ok {
			return nil, schemaLoadError(name, "", fmt.Errorf("schema document not provided"))
		}
		compiled, err := compileSchema(data)
		if err != nil {
			return nil, schemaLoadError(name, "", err)
		}
		definition, err := describeSchema(name, data)
		if err != nil {
			return nil, schemaLoadError(name, "", err)
		}
		registry.compiled[name] = compiled
		registry.definitions[name] = definition
		for _, kind := range definition.EvidenceKinds {
			registry.kinds[kind] = struct{}{}
		}
	}
	return registry, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Definition(name string) (Definition, bool) {
	definition, ok := r.definitions[name]
	return definition, ok
}

// EvidenceKinds returns the sorted union of kinds enumerated by the schemas.
func (r *Registry) EvidenceKinds() []string {
	kinds := make([]string, 0, len(r.kinds))
	for kind := range r.kinds {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Registry) KnownKind(kind string) bool {
	_, ok := r.kinds[kind]
	return ok
}

// Validate returns every violation of document against the named schema. An
// empty result means the document conforms.
func (r *Registry) Validate(document []byte, name string) []Violation {
	compiled, ok := r.compiled[name]
	if !ok {
		return []Violation{{Message: fmt.Sprintf("unknown schema %q", name)}}
	}
	var parsed any
	if err := json.Unmarshal(document, &parsed); err != nil {
		return []Violation{{Message: fmt.Sprintf("document is not valid JSON: %v", err)}}
	}

	violations := make([]Violation, 0)
	result := compiled.ValidateJSON(document)
	if !result.IsValid() {
		collectViolations(result, &violations)
		if len(violations) == 0 {
			violations = append(violations, Violation{Message: "schema validation failed"})
		}
	}
	violations = append(violations, r.unknownKindViolations(name, parsed)...)
	return normalizeViolations(violations)
}

// unknownKindViolations flags kinds outside the registry enum regardless of
// how the schema document constrains them.
func (r *Registry) unknownKindViolations(name string, parsed any) []Violation {
	root, ok := parsed.(map[string]any)
	if !ok {
		return nil
	}
	violations := make([]Violation, 0)
	flag := func(path string, value any) {
		kind, isString := value.(string)
		if !isString || !r.KnownKind(kind) {
			violations = append(violations, Violation{
				InstancePath: path,
				Message:      fmt.Sprintf("unknown evidence kind %v", value),
			})
		}
	}
	switch name {
	case SchemaEvalContract:
		requirements, _ := root["evidence_requirements"].(map[string]any)
		kinds, _ := requirements["required_kinds"].([]any)
		for index, kind := range kinds {
			flag(fmt.Sprintf("/evidence_requirements/required_kinds/%d", index), kind)
		}
	case SchemaArtifactManifest:
		artifacts, _ := root["artifacts"].(map[string]any)
		for kind := range artifacts {
			flag("/artifacts/"+kind, kind)
		}
		unavailable, _ := root["unavailable"].([]any)
		for index, entry := range unavailable {
			item, _ := entry.(map[string]any)
			flag(fmt.Sprintf("/unavailable/%d/kind", index), item["kind"])
		}
	}
	return violations
}

func collectViolations(result *jsonschema.EvaluationResult, out *[]Violation) {
	if result == nil || result.Valid {
		return
	}
	for keyword, evaluationErr := range result.Errors {
		message := keyword
		if evaluationErr != nil {
			message = evaluationErr.Error()
		}
		*out = append(*out, Violation{InstancePath: result.InstanceLocation, Message: message})
	}
	for _, detail := range result.Details {
		collectViolations(detail, out)
	}
}

func normalizeViolations(violations []Violation) []Violation {
	seen := make(map[Violation]struct{}, len(violations))
	out := make([]Violation, 0, len(violations))
	for _, violation := range violations {
		violation.InstancePath = strings.TrimSpace(violation.InstancePath)
		violation.Message = strings.TrimSpace(violation.Message)
		if _, exists := seen[violation]; exists {
			continue
		}
		seen[violation] = struct{}{}
		out = append(out, violation)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstancePath != out[j].InstancePath {
			return out[i].InstancePath < out[j].InstancePath
		}
		return out[i].Message < out[j].Message
	})
	return out
}

func compileSchema(data []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

type schemaSummary struct {
	ID         string                     `json:"$id"`
	Required   []string                   `json:"required"`
	Properties map[string]json.RawMessage `json:"properties"`
	Defs       map[string]struct {
		Enum []string `json:"enum"`
	} `json:"$defs"`
}

func describeSchema(name string, data []byte) (Definition, error) {
	var summary schemaSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return Definition{}, fmt.Errorf("parse schema: %w", err)
	}
	if strings.TrimSpace(summary.ID) == "" {
		return Definition{}, fmt.Errorf("schema is missing $id")
	}
	kindDef, ok := summary.Defs["evidence_kind"]
	if !ok || len(kindDef.Enum) == 0 {
		return Definition{}, fmt.Errorf("schema does not enumerate evidence kinds")
	}
	properties := make(map[string]string, len(summary.Properties))
	for property, raw := range summary.Properties {
		properties[property] = propertyType(raw)
	}
	kinds := append([]string{}, kindDef.Enum...)
	sort.Strings(kinds)
	required := append([]string{}, summary.Required...)
	sort.Strings(required)
	return Definition{
		Name:          name,
		ID:            summary.ID,
		Required:      required,
		Properties:    properties,
		EvidenceKinds: kinds,
	}, nil
}

func propertyType(raw json.RawMessage) string {
	var property struct {
		Type any    `json:"type"`
		Ref  string `json:"$ref"`
	}
	if err := json.Unmarshal(raw, &property); err != nil {
		return "unknown"
	}
	switch typed := property.Type.(type) {
	case string:
		return typed
	case []any:
		names := make([]string, 0, len(typed))
		for _, entry := range typed {
			if text, ok := entry.(string); ok {
				names = append(names, text)
			}
		}
		return strings.Join(names, "|")
	}
	if property.Ref != "" {
		return "ref:" + property.Ref
	}
	return "any"
}

func schemaLoadError(name, path string, err error) error {
	return coreerrors.Wrap(
		&SchemaLoadError{Name: name, Path: path, Err: err},
		coreerrors.CategorySchemaLoad,
		"schema_load_failed",
		"check that the schema directory holds valid JSON Schema documents",
		false,
	)
}
