package params

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format selects the serialization used by Load and Save.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

const documentVersion = 1

// document is the persisted envelope around Parameters.
type document struct {
	Version int        `json:"version" yaml:"version" toml:"version"`
	Search  Parameters `json:"search" yaml:"search" toml:"search"`
}

// FormatFromPath picks a format from a file extension. Unknown extensions
// default to YAML.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	case ".json":
		return FormatJSON
	default:
		return FormatYAML
	}
}

// Save writes p to w.
func Save(w io.Writer, p Parameters, f Format) error {
	doc := document{Version: documentVersion, Search: p}

	var err error
	switch f {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err = enc.Encode(doc); err == nil {
			err = enc.Close()
		}
	case FormatTOML:
		err = toml.NewEncoder(w).Encode(doc)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(doc)
	default:
		return fmt.Errorf("unknown parameter format %q", f)
	}
	if err != nil {
		return fmt.Errorf("failed to encode parameters as %s: %w", f, err)
	}
	return nil
}

// Load reads parameters previously written by Save. Settings missing from
// the document keep their defaults.
func Load(r io.Reader, f Format) (Parameters, error) {
	doc := document{Search: Default()}

	var err error
	switch f {
	case FormatYAML:
		err = yaml.NewDecoder(r).Decode(&doc)
	case FormatTOML:
		err = toml.NewDecoder(r).Decode(&doc)
	case FormatJSON:
		err = json.NewDecoder(r).Decode(&doc)
	default:
		return Parameters{}, fmt.Errorf("unknown parameter format %q", f)
	}
	if err != nil {
		return Parameters{}, fmt.Errorf("failed to decode parameters as %s: %w", f, err)
	}

	if doc.Version != documentVersion {
		return Parameters{}, fmt.Errorf("unsupported parameter document version %d", doc.Version)
	}

	return doc.Search, nil
}
