package transform

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/durapensa/ksid/internal/contract"
)

// ParseYAML decodes a transformer YAML document into a slice of
// TransformerConfig. It is the entry point router:register_transformer
// uses when handed a YAML document instead of a single pre-built
// config.
func ParseYAML(doc []byte) ([]contract.TransformerConfig, error) {
	var file contract.TransformerFile

	if err := yaml.Unmarshal(doc, &file); err != nil {
		return nil, fmt.Errorf("parse transformer yaml: %w", err)
	}

	for i := range file.Transformers {
		if err := normalizeMapping(&file.Transformers[i]); err != nil {
			return nil, err
		}
	}

	return file.Transformers, nil
}

// normalizeMapping converts the map[any]any nodes that yaml.v3 can
// produce for deeply nested documents into map[string]any, so the rest
// of the engine only ever deals with the JSON-compatible shape used
// everywhere else (wire envelopes, condition contexts, mapping
// evaluation).
func normalizeMapping(cfg *contract.TransformerConfig) error {
	normalized, err := toStringKeyed(cfg.Mapping)

	if err != nil {
		return fmt.Errorf("transformer %q: %w", cfg.Source, err)
	}

	m, ok := normalized.(map[string]any)

	if !ok {
		if cfg.Mapping == nil {
			return nil
		}

		return fmt.Errorf("transformer %q: mapping must be an object", cfg.Source)
	}

	cfg.Mapping = m

	return nil
}

func toStringKeyed(v any) (any, error) {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))

		for k, child := range node {
			converted, err := toStringKeyed(child)

			if err != nil {
				return nil, err
			}

			out[k] = converted
		}

		return out, nil

	case map[any]any:
		out := make(map[string]any, len(node))

		for k, child := range node {
			key, ok := k.(string)

			if !ok {
				return nil, fmt.Errorf("mapping key %v is not a string", k)
			}

			converted, err := toStringKeyed(child)

			if err != nil {
				return nil, err
			}

			out[key] = converted
		}

		return out, nil

	case []any:
		out := make([]any, len(node))

		for i, child := range node {
			converted, err := toStringKeyed(child)

			if err != nil {
				return nil, err
			}

			out[i] = converted
		}

		return out, nil

	default:
		return v, nil
	}
}
