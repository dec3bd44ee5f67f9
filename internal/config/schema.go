package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

var (
	schemaOnce   sync.Once
	schemaLoader gojsonschema.JSONLoader
	schemaErr    error
)

// Schema returns the JSON schema of the configuration file.
func Schema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{ExpandedStruct: true}
	schema := reflector.Reflect(&Config{})
	schema.Title = "sandboxd configuration"
	return schema
}

// SchemaJSON returns Schema rendered as indented JSON.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}

// validateSchema checks a JSON document against the schema and returns one
// message per violation.
func validateSchema(document []byte) ([]string, error) {
	schemaOnce.Do(func() {
		var data []byte
		data, schemaErr = json.Marshal(Schema())
		schemaLoader = gojsonschema.NewBytesLoader(data)
	})
	if schemaErr != nil {
		return nil, fmt.Errorf("failed to serialize schema: %w", schemaErr)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(document))
	if err != nil {
		return nil, fmt.Errorf("schema validation error: %w", err)
	}

	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return problems, nil
}
