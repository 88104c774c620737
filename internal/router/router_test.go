package router_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksid/internal/contract"
	"github.com/durapensa/ksid/internal/registry"
	"github.com/durapensa/ksid/internal/router"
)

func TestEmitDispatchesInPriorityThenRegistrationOrder(t *testing.T) {
	rt := router.New(router.Options{})

	var order []string

	rt.RegisterHandler("agent:spawn", "mod", "low", func(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
		order = append(order, "low")
		return contract.Result{}, nil
	}, registry.WithPriority(100))

	rt.RegisterHandler("agent:spawn", "mod", "high", func(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
		order = append(order, "high")
		return contract.Result{}, nil
	}, registry.WithPriority(0))

	rt.RegisterHandler("agent:spawn", "mod", "mid", func(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
		order = append(order, "mid")
		return contract.Result{}, nil
	}, registry.WithPriority(50))

	_, err := rt.Emit(context.Background(), &contract.Envelope{Event: "agent:spawn", Data: contract.Data{}})
	require.NoError(t, err)
	require.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestEmitOnUnmatchedEventReturnsEmptyResults(t *testing.T) {
	rt := router.New(router.Options{})

	results, err := rt.Emit(context.Background(), &contract.Envelope{Event: "does:not:exist", Data: contract.Data{}})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestEmitFirstReturnsNotFoundWhenNothingMatches(t *testing.T) {
	rt := router.New(router.Options{})

	result, err := rt.EmitFirst(context.Background(), &contract.Envelope{Event: "does:not:exist", Data: contract.Data{}})
	require.NoError(t, err)
	require.Equal(t, "not_found", result["error"])
}

func TestCatchModeCapturesHandlerErrorAndContinues(t *testing.T) {
	rt := router.New(router.Options{ErrorMode: router.ErrorModeCatch})

	var secondRan bool

	rt.RegisterHandler("agent:spawn", "mod", "fails", func(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
		return nil, errors.New("boom")
	}, registry.WithPriority(0))

	rt.RegisterHandler("agent:spawn", "mod", "after", func(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
		secondRan = true
		return contract.Result{}, nil
	}, registry.WithPriority(10))

	results, err := rt.Emit(context.Background(), &contract.Envelope{Event: "agent:spawn", Data: contract.Data{}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "handler_error", results[0]["error"])
	require.True(t, secondRan)
}

func TestPropagateModeAbortsOnFirstHandlerError(t *testing.T) {
	rt := router.New(router.Options{ErrorMode: router.ErrorModePropagate})

	var secondRan bool

	rt.RegisterHandler("agent:spawn", "mod", "fails", func(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
		return nil, errors.New("boom")
	}, registry.WithPriority(0))

	rt.RegisterHandler("agent:spawn", "mod", "after", func(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
		secondRan = true
		return contract.Result{}, nil
	}, registry.WithPriority(10))

	_, err := rt.Emit(context.Background(), &contract.Envelope{Event: "agent:spawn", Data: contract.Data{}})
	require.Error(t, err)
	require.False(t, secondRan)
}

func TestUnregisterModuleRemovesAllItsHandlers(t *testing.T) {
	rt := router.New(router.Options{})

	rt.RegisterHandler("agent:spawn", "mod", "one", func(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
		return contract.Result{}, nil
	})
	rt.RegisterHandler("agent:kill", "mod", "two", func(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
		return contract.Result{}, nil
	})

	removed := rt.UnregisterModule("mod")
	require.Equal(t, 2, removed)

	results, err := rt.Emit(context.Background(), &contract.Envelope{Event: "agent:spawn", Data: contract.Data{}})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestSyncTransformerRoutesMappedDataToTargetHandler(t *testing.T) {
	rt := router.New(router.Options{})

	var audit []contract.Data

	rt.RegisterHandler("audit:log", "audit", "append", func(_ context.Context, env *contract.Envelope) (contract.Result, error) {
		audit = append(audit, env.Data)
		return contract.Result{}, nil
	})

	_, err := rt.RegisterTransformer("audit", contract.TransformerConfig{
		Source: "order:placed",
		Target: "audit:log",
		Mapping: map[string]any{
			"who":  "{{user}}",
			"what": "placed",
		},
	})
	require.NoError(t, err)

	_, err = rt.Emit(context.Background(), &contract.Envelope{
		Event: "order:placed",
		Data:  contract.Data{"user": "u1", "sku": "x"},
	})
	require.NoError(t, err)

	require.Len(t, audit, 1)
	require.Equal(t, "u1", audit[0]["who"])
	require.Equal(t, "placed", audit[0]["what"])
}

func TestAsyncTransformerResponseRoutingRestoresCallerContext(t *testing.T) {
	rt := router.New(router.Options{})

	type seen struct {
		data          contract.Data
		correlationID string
	}

	var (
		mu   sync.Mutex
		done []seen
	)

	rt.RegisterHandler("compute:request_done", "caller", "record", func(_ context.Context, env *contract.Envelope) (contract.Result, error) {
		mu.Lock()
		done = append(done, seen{data: env.Data, correlationID: env.CorrelationID})
		mu.Unlock()
		return contract.Result{}, nil
	})

	_, err := rt.RegisterTransformer("compute", contract.TransformerConfig{
		Source:  "compute:request",
		Target:  "worker:do",
		Async:   true,
		Mapping: map[string]any{"job": "{{job}}"},
		ResponseRoute: &contract.ResponseRoute{
			From: "worker:done",
			To:   "compute:request_done",
		},
	})
	require.NoError(t, err)

	results, err := rt.Emit(context.Background(), &contract.Envelope{
		Event:         "compute:request",
		Data:          contract.Data{"job": "j1"},
		CorrelationID: "c1",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "queued", results[0]["status"])

	transformID, _ := results[0]["transform_id"].(string)
	require.NotEmpty(t, transformID)

	_, err = rt.Emit(context.Background(), &contract.Envelope{
		Event: "worker:done",
		Data:  contract.Data{"_transform_id": transformID, "result": float64(42)},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, done, 1)
	require.Equal(t, float64(42), done[0].data["result"])
	require.Equal(t, "c1", done[0].correlationID)
	require.NotContains(t, done[0].data, "_transform_id")
}

func TestRegisterTransformerOverTheBusWithYAML(t *testing.T) {
	rt := router.New(router.Options{})

	results, err := rt.Emit(context.Background(), &contract.Envelope{
		Event: "router:register_transformer",
		Data: contract.Data{
			"owner": "mod",
			"yaml": `
transformers:
  - source: "agent:*"
    target: "audit:log"
    mapping:
      who: "{{agent_id}}"
`,
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	ids, _ := results[0]["ids"].([]string)
	require.Len(t, ids, 1)
	require.Equal(t, 1, rt.TransformerCount())
}

func TestDiscoverReturnsDeclaredParams(t *testing.T) {
	rt := router.New(router.Options{})

	rt.RegisterHandler("agent:spawn", "agents", "spawn", func(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
		return contract.Result{}, nil
	}, registry.WithParams(
		contract.ParamSpec{Name: "profile", Type: "string", Required: true, Description: "agent profile to spawn"},
	))

	results, err := rt.Emit(context.Background(), &contract.Envelope{Event: "system:discover", Data: contract.Data{}})
	require.NoError(t, err)
	require.Len(t, results, 1)

	events, ok := results[0]["events"].([]contract.Data)
	require.True(t, ok)

	params := map[string][]contract.Data{}

	for _, entry := range events {
		params[entry["event"].(string)] = entry["params"].([]contract.Data)
	}

	require.Len(t, params["agent:spawn"], 1)
	require.Equal(t, "profile", params["agent:spawn"][0]["name"])
	require.Equal(t, true, params["agent:spawn"][0]["required"])

	// Builtins declare their own parameters too.
	require.NotEmpty(t, params["shutdown:ack"])
	require.NotEmpty(t, params["router:unregister_transformer"])
}

func TestShutdownWaitsForCriticalAckThenSucceeds(t *testing.T) {
	rt := router.New(router.Options{})

	rt.RegisterCriticalShutdown("writer")
	rt.RegisterHandler("system:shutdown", "mod", "writer", func(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
		go func() {
			rt.Emit(context.Background(), &contract.Envelope{
				Event: "shutdown:ack",
				Data:  contract.Data{"name": "writer"},
			})
		}()
		return contract.Result{}, nil
	})

	summary := rt.Shutdown(context.Background(), 2*time.Second)

	require.Equal(t, 0, summary.ExitCode())
	require.Contains(t, summary.AcknowledgedCriticals, "writer")
	require.Empty(t, summary.OutstandingCriticals)
}

func TestShutdownReportsOutstandingCriticalPastDeadline(t *testing.T) {
	rt := router.New(router.Options{})

	rt.RegisterCriticalShutdown("slow")

	summary := rt.Shutdown(context.Background(), 20*time.Millisecond)

	require.Equal(t, 1, summary.ExitCode())
	require.Equal(t, []string{"slow"}, summary.OutstandingCriticals)
}

func TestShutdownClosesDoneAndReportsCompletion(t *testing.T) {
	rt := router.New(router.Options{})

	select {
	case <-rt.Done():
		t.Fatal("done closed before shutdown")
	default:
	}

	summary := rt.Shutdown(context.Background(), 10*time.Millisecond)

	select {
	case <-rt.Done():
	default:
		t.Fatal("done not closed after shutdown")
	}

	result := summary.Result()
	require.Equal(t, "shutdown_complete", result["status"])
	require.Contains(t, result, "acked")
	require.Contains(t, result, "outstanding")
}

func TestEmitAfterShutdownIsRefused(t *testing.T) {
	rt := router.New(router.Options{})

	rt.Shutdown(context.Background(), 10*time.Millisecond)

	results, err := rt.Emit(context.Background(), &contract.Envelope{Event: "agent:spawn", Data: contract.Data{}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "shutting_down", results[0]["error"])
}

func TestEventMetricsTracksCountsPerEvent(t *testing.T) {
	rt := router.New(router.Options{})

	rt.RegisterHandler("agent:spawn", "mod", "noop", func(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
		return contract.Result{}, nil
	})

	_, err := rt.Emit(context.Background(), &contract.Envelope{Event: "agent:spawn", Data: contract.Data{}})
	require.NoError(t, err)
	_, err = rt.Emit(context.Background(), &contract.Envelope{Event: "agent:spawn", Data: contract.Data{}})
	require.NoError(t, err)

	counts, lastSeen := rt.EventMetrics()
	require.Equal(t, int64(2), counts["agent:spawn"])
	require.WithinDuration(t, time.Now(), lastSeen["agent:spawn"], time.Second)
}

func TestEmitAbandonsRemainingHandlersPastDeadline(t *testing.T) {
	rt := router.New(router.Options{})

	var ran []string

	rt.RegisterHandler("agent:spawn", "mod", "first", func(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
		ran = append(ran, "first")
		time.Sleep(20 * time.Millisecond)
		return contract.Result{}, nil
	}, registry.WithPriority(0))

	rt.RegisterHandler("agent:spawn", "mod", "second", func(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
		ran = append(ran, "second")
		return contract.Result{}, nil
	}, registry.WithPriority(50))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	results, err := rt.Emit(ctx, &contract.Envelope{Event: "agent:spawn", Data: contract.Data{}})
	require.NoError(t, err)
	require.Equal(t, []string{"first"}, ran)
	require.Len(t, results, 2)
	require.Equal(t, "timeout", results[1]["error"])
}

func TestEmitReportsFilterRejectedAsInformationalResult(t *testing.T) {
	rt := router.New(router.Options{})

	var ran bool

	rt.RegisterHandler("agent:spawn", "mod", "gated", func(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
		ran = true
		return contract.Result{}, nil
	}, registry.WithFilter(func(data contract.Data) bool {
		return false
	}))

	results, err := rt.Emit(context.Background(), &contract.Envelope{Event: "agent:spawn", Data: contract.Data{}})
	require.NoError(t, err)
	require.False(t, ran)
	require.Len(t, results, 1)
	require.Equal(t, "filter_rejected", results[0]["error"])
}
