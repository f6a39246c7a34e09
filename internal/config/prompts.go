package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// PromptFile models the optional PROMPTS_FILE document:
//
//	version: 1
//	stages:
//	  context: |
//	    You are a country analyst...
//	  synthesis: |
//	    ...
//
// Stage names are validated by the pipeline when the overrides are applied.
type PromptFile struct {
	Version int               `yaml:"version"`
	Stages  map[string]string `yaml:"stages"`
}

// LoadPrompts reads stage instruction overrides from path. An empty path
// yields no overrides.
func LoadPrompts(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read prompts file: %w", err)
	}
	return ParsePrompts(data)
}

// ParsePrompts decodes a PromptFile document. Unknown top-level keys are
// rejected so a typo does not silently fall back to the defaults.
func ParsePrompts(data []byte) (map[string]string, error) {
	var pf PromptFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil // empty document
		}
		return nil, fmt.Errorf("config: parse prompts file: %w", err)
	}
	if pf.Version > 1 {
		return nil, fmt.Errorf("config: unsupported prompts file version %d", pf.Version)
	}
	return pf.Stages, nil
}
