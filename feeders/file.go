// Package feeders reads modplane configuration from YAML, TOML and JSON files
// and from environment variables. File feeders wrap the golobby/config
// feeders and add FeedKey for reading a single top-level section.
package feeders

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Feeder fills a structure from one source.
type Feeder interface {
	Feed(structure any) error
}

// KeyFeeder is a file feeder that can also decode one top-level key.
type KeyFeeder interface {
	Feeder
	FeedKey(key string, target any) error
}

// ForFile returns the feeder matching the file extension of path.
func ForFile(path string) (KeyFeeder, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return NewYamlFeeder(path), nil
	case ".toml":
		return NewTomlFeeder(path), nil
	case ".json":
		return NewJSONFeeder(path), nil
	}
	return nil, wrapUnsupportedFormatError(path)
}

// feedKey decodes the whole file into a map, then re-encodes the value
// under key and decodes it into target so the format's own type rules apply.
// A missing key leaves target untouched.
func feedKey(
	feeder Feeder,
	key string,
	target any,
	marshalFunc func(any) ([]byte, error),
	unmarshalFunc func([]byte, any) error,
	fileType string,
) error {
	var allData map[string]any
	if err := feeder.Feed(&allData); err != nil {
		return fmt.Errorf("failed to read %s: %w", fileType, err)
	}

	value, exists := allData[key]
	if !exists {
		return nil
	}

	valueBytes, err := marshalFunc(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s data: %w", fileType, err)
	}
	if err = unmarshalFunc(valueBytes, target); err != nil {
		return fmt.Errorf("failed to unmarshal %s data: %w", fileType, err)
	}
	return nil
}
