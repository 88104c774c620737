package router

import (
	"context"
	"fmt"
	"time"

	"github.com/durapensa/ksid/internal/contract"
	"github.com/durapensa/ksid/internal/registry"
	"github.com/durapensa/ksid/internal/transform"
)

const builtinModule = "router"

// registerBuiltins wires the built-in system events (health, shutdown,
// discovery, transformer management, metrics, module/handler
// introspection). They are ordinary handler registrations, not
// special-cased dispatch paths, except for system:shutdown which Emit
// intercepts directly (see shutdown.go's doc comment).
func (rt *Router) registerBuiltins() {
	rt.RegisterHandler("system:health", builtinModule, "health", rt.handleHealth)
	rt.RegisterHandler("shutdown:ack", builtinModule, "shutdown_ack", rt.handleShutdownAck, registry.WithParams(
		contract.ParamSpec{Name: "name", Type: "string", Required: true, Description: "critical handler acknowledging shutdown"},
	))
	rt.RegisterHandler("router:register_transformer", builtinModule, "register_transformer", rt.handleRegisterTransformer, registry.WithParams(
		contract.ParamSpec{Name: "source", Type: "string", Description: "source event pattern (required unless yaml is given)"},
		contract.ParamSpec{Name: "target", Type: "string", Description: "target event name (required unless yaml is given)"},
		contract.ParamSpec{Name: "mapping", Type: "object", Description: "target data template"},
		contract.ParamSpec{Name: "condition", Type: "string", Description: "boolean filter expression over source data"},
		contract.ParamSpec{Name: "async", Type: "boolean", Default: false, Description: "emit target without awaiting its result"},
		contract.ParamSpec{Name: "response_route", Type: "object", Description: "async completion remapping {from, to}"},
		contract.ParamSpec{Name: "yaml", Type: "string", Description: "transformer YAML document registering one or more rules"},
		contract.ParamSpec{Name: "owner", Type: "string", Description: "owning module, defaults to the originator id"},
	))
	rt.RegisterHandler("router:unregister_transformer", builtinModule, "unregister_transformer", rt.handleUnregisterTransformer, registry.WithParams(
		contract.ParamSpec{Name: "id", Type: "string", Required: true, Description: "transformer id returned at registration"},
	))
	rt.RegisterHandler("router:list_transformers", builtinModule, "list_transformers", rt.handleListTransformers)
	rt.RegisterHandler("router:unregister_module", builtinModule, "unregister_module", rt.handleUnregisterModule, registry.WithParams(
		contract.ParamSpec{Name: "module", Type: "string", Required: true, Description: "module whose handlers are removed"},
	))
	rt.RegisterHandler("router:list_handlers", builtinModule, "list_handlers", rt.handleListHandlers)
	rt.RegisterHandler("system:discover", builtinModule, "discover", rt.handleDiscover)
	rt.RegisterHandler("system:metrics", builtinModule, "metrics", rt.handleMetrics)
}

func (rt *Router) handleHealth(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
	result := contract.Result{
		"status":            "ok",
		"uptime_seconds":    time.Since(rt.startedAt).Seconds(),
		"handler_count":     rt.HandlerCount(),
		"transformer_count": rt.TransformerCount(),
		"task_count":        rt.TaskCount(),
	}

	if count := rt.BridgeCount(); count > 0 {
		result["bridge_count"] = count

		if errs := rt.BridgeErrors(); errs > 0 {
			result["bridge_errors"] = errs
		}
	}

	return result, nil
}

// handleShutdownAck records a critical handler's acknowledgement. It
// runs during shutdown because "shutdown:ack" is on the allow-list
// Emit checks in Router.Emit.
func (rt *Router) handleShutdownAck(_ context.Context, env *contract.Envelope) (contract.Result, error) {
	name, _ := env.Data["name"].(string)

	if name == "" {
		return nil, fmt.Errorf("shutdown:ack requires a \"name\" field")
	}

	rt.ack(name)

	return contract.Result{"acknowledged": name}, nil
}

// handleRegisterTransformer accepts either a single transformer
// configuration inline in data, or a "yaml" field holding the
// declarative document syntax (possibly describing several
// transformers at once).
func (rt *Router) handleRegisterTransformer(_ context.Context, env *contract.Envelope) (contract.Result, error) {
	owner, _ := env.Data["owner"].(string)

	if owner == "" {
		owner = env.OriginatorID
	}

	if yamlDoc, ok := env.Data["yaml"].(string); ok && yamlDoc != "" {
		configs, err := transform.ParseYAML([]byte(yamlDoc))

		if err != nil {
			return nil, err
		}

		ids := make([]string, 0, len(configs))

		for _, cfg := range configs {
			id, err := rt.RegisterTransformer(owner, cfg)

			if err != nil {
				return nil, err
			}

			ids = append(ids, id)
		}

		return contract.Result{"ids": ids}, nil
	}

	cfg, err := transformerConfigFromData(env.Data)

	if err != nil {
		return nil, err
	}

	id, err := rt.RegisterTransformer(owner, cfg)

	if err != nil {
		return nil, err
	}

	return contract.Result{"id": id}, nil
}

func transformerConfigFromData(data contract.Data) (contract.TransformerConfig, error) {
	source, _ := data["source"].(string)
	target, _ := data["target"].(string)

	if source == "" || target == "" {
		return contract.TransformerConfig{}, fmt.Errorf("router:register_transformer requires \"source\" and \"target\"")
	}

	cfg := contract.TransformerConfig{Source: source, Target: target}

	if mapping, ok := data["mapping"].(map[string]any); ok {
		cfg.Mapping = mapping
	}

	if condition, ok := data["condition"].(string); ok {
		cfg.Condition = condition
	}

	if async, ok := data["async"].(bool); ok {
		cfg.Async = async
	}

	if route, ok := data["response_route"].(map[string]any); ok {
		from, _ := route["from"].(string)
		to, _ := route["to"].(string)
		cfg.ResponseRoute = &contract.ResponseRoute{From: from, To: to}
	}

	return cfg, nil
}

func (rt *Router) handleUnregisterTransformer(_ context.Context, env *contract.Envelope) (contract.Result, error) {
	id, _ := env.Data["id"].(string)

	if id == "" {
		return nil, fmt.Errorf("router:unregister_transformer requires an \"id\" field")
	}

	removed := rt.UnregisterTransformer(id)

	return contract.Result{"removed": removed}, nil
}

func (rt *Router) handleListTransformers(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
	configs := rt.ListTransformers()
	out := make([]contract.Data, 0, len(configs))

	for _, cfg := range configs {
		entry := contract.Data{
			"source": cfg.Source,
			"target": cfg.Target,
			"async":  cfg.Async,
		}

		if cfg.Condition != "" {
			entry["condition"] = cfg.Condition
		}

		if cfg.ResponseRoute != nil {
			entry["response_route"] = map[string]any{
				"from": cfg.ResponseRoute.From,
				"to":   cfg.ResponseRoute.To,
			}
		}

		out = append(out, entry)
	}

	return contract.Result{"transformers": out}, nil
}

func (rt *Router) handleUnregisterModule(_ context.Context, env *contract.Envelope) (contract.Result, error) {
	module, _ := env.Data["module"].(string)

	if module == "" {
		return nil, fmt.Errorf("router:unregister_module requires a \"module\" field")
	}

	return contract.Result{"removed": rt.UnregisterModule(module)}, nil
}

func (rt *Router) handleListHandlers(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
	records := rt.ListHandlers()
	out := make([]contract.Data, 0, len(records))

	for _, r := range records {
		out = append(out, contract.Data{
			"pattern":  r.Pattern,
			"module":   r.Module,
			"name":     r.Name,
			"priority": r.Priority,
			"is_async": r.IsAsync,
		})
	}

	return contract.Result{"handlers": out}, nil
}

// handleDiscover implements system:discover: every registered event
// name or pattern, along with whatever parameter schema its handler
// declared at registration.
func (rt *Router) handleDiscover(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
	records := rt.ListHandlers()
	out := make([]contract.Data, 0, len(records))

	for _, r := range records {
		params := make([]contract.Data, 0, len(r.Params))

		for _, p := range r.Params {
			params = append(params, contract.Data{
				"name":        p.Name,
				"type":        p.Type,
				"required":    p.Required,
				"default":     p.Default,
				"description": p.Description,
			})
		}

		out = append(out, contract.Data{
			"event":  r.Pattern,
			"module": r.Module,
			"params": params,
		})
	}

	return contract.Result{"events": out}, nil
}

// handleMetrics returns the same point-in-time counters as
// system:health, plus per-event invocation counts and the bridge
// counters (both zero when no event bridge is attached).
func (rt *Router) handleMetrics(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
	counts, lastSeen := rt.EventMetrics()

	events := make(contract.Data, len(counts))

	for name, count := range counts {
		entry := contract.Data{"count": count}

		if ts, ok := lastSeen[name]; ok {
			entry["last_invoked"] = ts.Format(time.RFC3339Nano)
		}

		events[name] = entry
	}

	return contract.Result{
		"uptime_seconds":    time.Since(rt.startedAt).Seconds(),
		"handler_count":     rt.HandlerCount(),
		"transformer_count": rt.TransformerCount(),
		"task_count":        rt.TaskCount(),
		"bridge_count":      rt.BridgeCount(),
		"bridge_errors":     rt.BridgeErrors(),
		"events":            events,
	}, nil
}
