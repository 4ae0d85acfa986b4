package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk shape of a compiled schema.
type Document struct {
	Entities []*Entity `yaml:"entities"`
}

// LoadFile reads a schema document. YAML and JSON are both accepted since
// JSON is valid YAML.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Parse(data)
}

// Parse decodes a schema document and builds the Schema.
func Parse(data []byte) (*Schema, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if len(doc.Entities) == 0 {
		return nil, fmt.Errorf("parse schema: no entities")
	}
	return New(doc.Entities)
}
