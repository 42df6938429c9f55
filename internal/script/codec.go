// File: internal/script/codec.go
package script

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/ModerRAS/keyforge/api/schemas"
)

// json is configured for stdlib compatibility so the persisted document is
// stable across tools that read it.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal renders the script as its persistence document.
func Marshal(s *schemas.Script) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal script %q: %w", s.Name, err)
	}
	return data, nil
}

// Unmarshal parses a persistence document. Untouched fields, including
// metadata the engine does not interpret, survive a load/execute/save cycle
// unchanged.
func Unmarshal(data []byte) (*schemas.Script, error) {
	var s schemas.Script
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse script document: %w", err)
	}
	return &s, nil
}

// Load reads a script document from disk.
func Load(path string) (*schemas.Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script file: %w", err)
	}
	return Unmarshal(data)
}

// Save writes the script document to disk.
func Save(path string, s *schemas.Script) error {
	data, err := Marshal(s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write script file: %w", err)
	}
	return nil
}
