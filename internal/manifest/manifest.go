// Package manifest loads the per-repository build manifest (nurfile).
package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/fisirc/nur-worker/internal/domain"
)

var (
	// ErrNotFound indicates the manifest file does not exist.
	ErrNotFound = errors.New("manifest: not found")
	// ErrMalformed indicates the manifest violates its schema.
	ErrMalformed = errors.New("manifest: malformed")
	// ErrDuplicateName indicates two functions share a name.
	ErrDuplicateName = errors.New("manifest: duplicate function name")
)

const schemaURL = "mem://nurfile.schema.json"

//go:embed nurfile.schema.json
var schemaSource []byte

var (
	schemaOnce     sync.Once
	schemaErr      error
	compiledSchema *jsonschema.Schema
)

type file struct {
	Functions []yaml.Node `yaml:"functions"`
}

type function struct {
	Name      string `yaml:"name"`
	Directory string `yaml:"directory"`
	Template  string `yaml:"template"`
	Build     struct {
		Command string `yaml:"command"`
		Output  string `yaml:"output"`
	} `yaml:"build"`
}

// Load reads the manifest at path.
func Load(path string) (domain.BuildManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.BuildManifest{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return domain.BuildManifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates manifest content.
func Parse(data []byte) (domain.BuildManifest, error) {
	if err := validateSchema(data); err != nil {
		return domain.BuildManifest{}, err
	}

	var doc file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return domain.BuildManifest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	seen := make(map[string]int, len(doc.Functions))
	specs := make([]domain.FunctionSpec, 0, len(doc.Functions))
	for _, node := range doc.Functions {
		var fn function
		if err := node.Decode(&fn); err != nil {
			return domain.BuildManifest{}, fmt.Errorf("%w: line %d: %v", ErrMalformed, node.Line, err)
		}
		if line, ok := seen[fn.Name]; ok {
			return domain.BuildManifest{}, fmt.Errorf("%w: %q at line %d and line %d", ErrDuplicateName, fn.Name, line, node.Line)
		}
		seen[fn.Name] = node.Line

		dir, err := cleanRelative(fn.Directory, true)
		if err != nil {
			return domain.BuildManifest{}, fmt.Errorf("%w: function %q directory: %v", ErrMalformed, fn.Name, err)
		}
		output, err := cleanRelative(fn.Build.Output, false)
		if err != nil {
			return domain.BuildManifest{}, fmt.Errorf("%w: function %q output: %v", ErrMalformed, fn.Name, err)
		}

		specs = append(specs, domain.FunctionSpec{
			Name:         fn.Name,
			Directory:    dir,
			Template:     domain.ParseTemplate(fn.Template),
			BuildCommand: strings.TrimSpace(fn.Build.Command),
			OutputPath:   output,
		})
	}
	return domain.BuildManifest{Functions: specs}, nil
}

func validateSchema(data []byte) error {
	sch, err := loadSchema()
	if err != nil {
		return fmt.Errorf("load manifest schema: %w", err)
	}
	jsonData, err := sigsyaml.YAMLToJSON(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var document any
	if err := json.Unmarshal(jsonData, &document); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := sch.Validate(document); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaSource)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// cleanRelative normalises a manifest path and keeps it inside its base.
// A leading slash is read as relative to the repository root.
func cleanRelative(p string, allowRoot bool) (string, error) {
	trimmed := strings.TrimLeft(strings.TrimSpace(p), "/")
	if trimmed == "" {
		if allowRoot {
			return ".", nil
		}
		return "", errors.New("path is empty")
	}
	cleaned := filepath.Clean(filepath.FromSlash(trimmed))
	if cleaned == "." {
		if allowRoot {
			return ".", nil
		}
		return "", errors.New("path must name a file")
	}
	if !filepath.IsLocal(cleaned) {
		return "", fmt.Errorf("path %q escapes its base directory", p)
	}
	return cleaned, nil
}
