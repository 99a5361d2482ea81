// Package discovery finds plugin manifests on disk.
//
// A plugin is a sub-directory of the plugins directory holding one of
// plugin.yaml, plugin.yml, plugin.json or plugin.toml. The manifest is a
// loosely typed module declaration and goes through config.Normalize, so it
// accepts the same aliases as external module configuration.
package discovery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/modplane/config"
)

// ManifestNames lists the recognised manifest files in lookup order.
var ManifestNames = []string{"plugin.yaml", "plugin.yml", "plugin.json", "plugin.toml"}

// RequiredFields must be present in every manifest.
var RequiredFields = []string{"id", "name", "version"}

var (
	ErrNoManifest    = errors.New("no plugin manifest")
	ErrMissingField  = errors.New("manifest is missing a required field")
	ErrInvalidFormat = errors.New("manifest cannot be parsed")
	ErrNotADirectory = errors.New("plugins path is not a directory")
)

// Manifest is one discovered plugin.
type Manifest struct {
	// Path of the manifest file.
	Path   string
	Module config.ModuleConfig
}

// FindManifest returns the manifest path inside pluginDir.
func FindManifest(pluginDir string) (string, error) {
	for _, name := range ManifestNames {
		path := filepath.Join(pluginDir, name)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNoManifest, pluginDir)
}

// ReadManifest parses and validates a manifest file. A relative or empty
// working directory is resolved against the manifest's directory.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	raw := map[string]any{}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		err = dec.Decode(&raw)
	default:
		err = fmt.Errorf("unsupported extension %q", filepath.Ext(path))
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %s: %w", ErrInvalidFormat, path, err)
	}

	for _, field := range RequiredFields {
		if _, ok := raw[field]; !ok {
			return Manifest{}, fmt.Errorf("%w: %s in %s", ErrMissingField, field, path)
		}
	}

	m, err := config.Normalize(raw)
	if err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(path)
	switch {
	case m.Dir == "":
		m.Dir = base
	case !filepath.IsAbs(m.Dir):
		m.Dir = filepath.Join(base, m.Dir)
	}
	if err := config.ValidateModule(m); err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", path, err)
	}
	return Manifest{Path: path, Module: m}, nil
}
