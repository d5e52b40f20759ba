package processing

import (
	"fmt"
	"maps"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadArgsFile reads a YAML mapping of arg names to values.
func LoadArgsFile(filename string) (map[string]string, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading args file: %w", err)
	}

	var args map[string]string
	if err := yaml.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("parsing args file: %w", err)
	}

	if args == nil {
		args = make(map[string]string)
	}

	return args, nil
}

// ParseArgs turns "name=value" pairs into a map. Later pairs win.
func ParseArgs(pairs []string) (map[string]string, error) {
	args := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("arg %q must have the form name=value", pair)
		}
		args[name] = value
	}
	return args, nil
}

// MergeArgs performs a shallow merge of override over base.
func MergeArgs(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	maps.Copy(merged, base)
	maps.Copy(merged, override)
	return merged
}
