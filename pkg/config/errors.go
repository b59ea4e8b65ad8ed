package config

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the loader.
var (
	// ErrConfigNotFound is returned when a required file is absent.
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrInvalidYAML is returned when a file fails to parse.
	ErrInvalidYAML = errors.New("invalid YAML")
)

// LoadError wraps a failure while loading one configuration file.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// NewLoadError creates a LoadError for the given file.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}
