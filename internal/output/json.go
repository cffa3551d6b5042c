package output

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// JSON renders v as indented JSON.
func JSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// YAML renders v as YAML using its JSON field names and order.
func YAML(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	// JSON is valid YAML; decoding into a node keeps key order.
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return "", fmt.Errorf("convert to yaml: %w", err)
	}
	out, err := yaml.Marshal(&node)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
