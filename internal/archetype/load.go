package archetype

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// definitionFile is the on-disk layout of a trigger definition set.
type definitionFile struct {
	Triggers []Definition `yaml:"seeker_triggers"`
}

// LoadDefinitions decodes a YAML trigger set from r and validates every
// definition. Duplicate archetype ids are rejected.
func LoadDefinitions(r io.Reader) ([]Definition, error) {
	var f definitionFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode trigger definitions: %w", err)
	}

	seen := make(map[string]bool, len(f.Triggers))
	for _, def := range f.Triggers {
		if _, err := NewTrigger(def); err != nil {
			return nil, err
		}
		if seen[def.ArchetypeID] {
			return nil, fmt.Errorf("%w: duplicate archetype_id %q", ErrInvalidDefinition, def.ArchetypeID)
		}
		seen[def.ArchetypeID] = true
	}
	return f.Triggers, nil
}

// LoadDefinitionsFile reads a YAML trigger set from path.
func LoadDefinitionsFile(path string) ([]Definition, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trigger definitions %s: %w", path, err)
	}
	defer fh.Close()
	defs, err := LoadDefinitions(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}
