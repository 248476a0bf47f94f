package model

import (
	"errors"
	"fmt"
)

var ErrUnknownDiseaseType = errors.New("unknown disease type")

// ConfigurationError is fatal to one disease type: the key is unknown or the
// configured classes disagree with the loaded artifact.
type ConfigurationError struct {
	DiseaseType string
	Err         error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for %q: %v", e.DiseaseType, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ModelUnavailableError means the model is not loaded yet or its last load
// failed. Callers may retry later; other disease types are unaffected.
type ModelUnavailableError struct {
	DiseaseType string
	Err         error
}

func (e *ModelUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("model for %s not loaded", e.DiseaseType)
	}
	return fmt.Sprintf("model for %s not loaded: %v", e.DiseaseType, e.Err)
}

func (e *ModelUnavailableError) Unwrap() error { return e.Err }
