package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type definitionFile struct {
	Id         string      `yaml:"id"`
	Name       string      `yaml:"name"`
	Activities []*Activity `yaml:"activities"`
}

// LoadFromData parses a YAML process model and validates it.
// Versioning and key assignment happen at deployment, not here.
func LoadFromData(data []byte) (*ProcessDefinition, error) {
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse process model: %w", err)
	}
	def := &ProcessDefinition{
		Id:         file.Id,
		Activities: make(map[string]*Activity, len(file.Activities)),
	}
	for _, a := range file.Activities {
		if a.Kind == "" {
			a.Kind = KindTask
		}
		if _, ok := def.Activities[a.Id]; ok {
			return nil, def.invalidf("duplicate activity id %s", a.Id)
		}
		def.Activities[a.Id] = a
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadFromFile reads and parses a YAML process model from the given path.
func LoadFromFile(filename string) (*ProcessDefinition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read process model %s: %w", filename, err)
	}
	return LoadFromData(data)
}
