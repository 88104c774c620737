package transform

import (
	"fmt"
	"regexp"
	"strings"
)

// templateRef matches a single {{path}} reference, allowing surrounding
// whitespace inside the braces ("{{ request.prompt }}").
var templateRef = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// pureTemplate matches a string that is *only* a single {{path}}
// reference, with nothing else around it.
var pureTemplate = regexp.MustCompile(`^\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}$`)

// evalMapping recursively evaluates a transformer's mapping document
// against the given context, which must already include the reserved
// "_meta" key (see buildContext).
func evalMapping(node any, ctx map[string]any) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))

		for key, child := range v {
			value, err := evalMapping(child, ctx)

			if err != nil {
				return nil, fmt.Errorf("mapping field %q: %w", key, err)
			}

			out[key] = value
		}

		return out, nil

	case []any:
		out := make([]any, len(v))

		for i, child := range v {
			value, err := evalMapping(child, ctx)

			if err != nil {
				return nil, err
			}

			out[i] = value
		}

		return out, nil

	case string:
		return evalTemplateString(v, ctx), nil

	default:
		// Numbers, booleans, nil: literal values pass through
		// unchanged.
		return v, nil
	}
}

// evalTemplateString implements the pure-vs-mixed template rule: a
// string consisting solely of one {{path}} preserves the source
// value's type; anything else is coerced to string, with missing
// fields resolving to empty string.
func evalTemplateString(s string, ctx map[string]any) any {
	if m := pureTemplate.FindStringSubmatch(s); m != nil {
		value, found := lookup(m[1], ctx)

		if !found {
			return nil
		}

		return value
	}

	if !templateRef.MatchString(s) {
		return s
	}

	return templateRef.ReplaceAllStringFunc(s, func(match string) string {
		ref := pureTemplate.FindStringSubmatch(match)

		if ref == nil {
			// templateRef and pureTemplate share the same
			// capture group shape; this branch cannot be
			// reached for a single match, but guards against
			// a future regexp edit drifting the two apart.
			return ""
		}

		value, found := lookup(ref[1], ctx)

		if !found || value == nil {
			return ""
		}

		return stringifyTemplateValue(value)
	})
}

func stringifyTemplateValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}
