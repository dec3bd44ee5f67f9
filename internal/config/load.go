package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

var ErrUnknownFormat = errors.New("unknown config format")

// DefaultFiles are tried in order when no config file is given.
var DefaultFiles = []string{"sandboxd.yaml", "sandboxd.yml", "sandboxd.toml", "sandboxd.json"}

// FormatOf picks the format from the file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
}

// Find returns path if set, otherwise the first default file present in dir.
func Find(path, dir string) (string, error) {
	if path != "" {
		return path, nil
	}
	for _, name := range DefaultFiles {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found in %s (tried %s)", dir, strings.Join(DefaultFiles, ", "))
}

// Load reads, schema-checks and validates the config file at path.
func Load(path string) (*Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data, format)
}

// Parse decodes data, checks it against the schema and validates it. A
// document that fails any check returns a *ValidationError listing every
// problem found.
func Parse(data []byte, format Format) (*Config, error) {
	document, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}

	problems, err := validateSchema(document)
	if err != nil {
		return nil, err
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	var cfg Config
	if err := json.Unmarshal(document, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// toJSON turns any supported format into a JSON document so that schema
// validation and decoding run on one representation.
func toJSON(data []byte, format Format) ([]byte, error) {
	var parsed any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse yaml: %w", err)
		}
	case FormatTOML:
		if err := toml.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse toml: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse json: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}

	if parsed == nil {
		parsed = map[string]any{}
	}
	document, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to convert config: %w", err)
	}
	return document, nil
}
