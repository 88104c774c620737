package transform

import "strings"

// lookup resolves a dotted field reference (e.g. "request.prompt" or
// "_meta.event_name") against a context map, walking nested
// map[string]any values. A missing field at any level reports found =
// false; conditions compare it as null and pure templates render it as
// null.
func lookup(path string, ctx map[string]any) (value any, found bool) {
	segments := strings.Split(path, ".")

	var current any = ctx

	for _, segment := range segments {
		m, ok := current.(map[string]any)

		if !ok {
			return nil, false
		}

		value, ok = m[segment]

		if !ok {
			return nil, false
		}

		current = value
	}

	return current, true
}

// buildContext merges an envelope's data with its reserved _meta block
// so that templates and conditions can reference either. The _meta
// key in ctx always reflects router-owned state, overriding anything
// a client may have smuggled into data["_meta"].
func buildContext(data map[string]any, meta map[string]any) map[string]any {
	ctx := make(map[string]any, len(data)+1)

	for k, v := range data {
		ctx[k] = v
	}

	ctx["_meta"] = meta

	return ctx
}
