package config

import (
	"bytes"
	"embed"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const configSchemaFile = "schema/config.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS

// validateSchema checks raw JSON or YAML config bytes against the embedded
// schema and returns the decoded document.
func validateSchema(data []byte) (any, error) {
	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if payload == nil {
		return nil, nil
	}
	schemaBytes, err := configSchemaFS.ReadFile(configSchemaFile)
	if err != nil {
		return nil, fmt.Errorf("load config schema: %w", err)
	}
	const resourceID = "inmemory://config"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schemaBytes)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	if err := compiled.Validate(payload); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return payload, nil
}
