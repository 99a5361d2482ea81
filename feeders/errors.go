package feeders

import (
	"errors"
	"fmt"
)

// File feeder errors
var (
	ErrUnsupportedFormat = errors.New("unsupported config file format")
	ErrFileNotFound      = errors.New("config file not found")
)

// Env feeder errors
var (
	ErrEnvInvalidStructure     = errors.New("env: invalid structure")
	ErrEnvEmptyPrefixAndSuffix = errors.New("env: prefix or suffix cannot be empty")
	ErrEnvFieldCannotBeSet     = errors.New("env: field cannot be set")
	ErrEnvCannotConvert        = errors.New("env: cannot convert value")
)

func wrapUnsupportedFormatError(path string) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

func wrapEnvConvertError(envName, fieldType string, err error) error {
	return fmt.Errorf("%w %s to %s: %w", ErrEnvCannotConvert, envName, fieldType, err)
}
