package sequence

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed schema/sequence-v1.json
var sequenceSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("sequence-v1.json",
		strings.NewReader(sequenceSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("sequence-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// Validate checks a JSON document against the sequence schema.
func (v *Validator) Validate(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// Loader reads sequence files (.yaml, .yml, .json) from a list of directories.
type Loader struct {
	validator   *Validator
	searchPaths []string
	logger      *zap.Logger
}

func NewLoader(searchPaths []string, logger *zap.Logger) (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Loader{
		validator:   validator,
		searchPaths: searchPaths,
		logger:      logger,
	}, nil
}

// LoadAll parses every sequence file found. Missing directories are skipped.
// A single invalid file fails the whole load so a typo never silently drops
// a sequence.
func (l *Loader) LoadAll() ([]Definition, error) {
	var defs []Definition
	seen := make(map[string]string)

	for _, dir := range l.searchPaths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				l.logger.Debug("Sequence directory not found", zap.String("path", dir))
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", dir, err)
		}

		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() && isSequenceFile(e.Name()) {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)

		for _, name := range names {
			path := filepath.Join(dir, name)
			def, err := l.LoadFile(path)
			if err != nil {
				return nil, err
			}
			if prev, dup := seen[def.Name]; dup {
				return nil, fmt.Errorf("sequence %q defined in both %s and %s", def.Name, prev, path)
			}
			seen[def.Name] = path
			defs = append(defs, def)
		}
	}

	return defs, nil
}

func (l *Loader) LoadFile(path string) (Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	def, err := l.Parse(raw, filepath.Ext(path))
	if err != nil {
		return Definition{}, fmt.Errorf("validation failed for %s: %w", path, err)
	}
	def.Source = path
	return def, nil
}

// Parse decodes and validates one document. ext selects YAML (".yaml",
// ".yml") or JSON.
func (l *Loader) Parse(raw []byte, ext string) (Definition, error) {
	data := raw
	if ext = strings.ToLower(ext); ext == ".yaml" || ext == ".yml" {
		var doc interface{}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return Definition{}, fmt.Errorf("invalid YAML: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return Definition{}, fmt.Errorf("failed to convert YAML: %w", err)
		}
		data = converted
	}

	if err := l.validator.Validate(data); err != nil {
		return Definition{}, err
	}

	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("failed to unmarshal sequence: %w", err)
	}
	return def, nil
}

func isSequenceFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}
