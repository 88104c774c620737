package router

import (
	"context"
	"time"

	"github.com/durapensa/ksid/internal/contract"
)

// ShutdownSummary is the structured termination report the shutdown
// coordinator produces.
type ShutdownSummary struct {
	AcknowledgedCriticals []string `json:"acknowledged_criticals"`
	OutstandingCriticals  []string `json:"outstanding_criticals"`
	CancelledTasks        []string `json:"cancelled_tasks"`
	PendingConnections    int      `json:"pending_connections"`
}

// ExitCode reports the process exit code this summary implies: 0 if
// every critical handler acknowledged in time, 1 otherwise.
func (s *ShutdownSummary) ExitCode() int {
	if len(s.OutstandingCriticals) > 0 {
		return 1
	}

	return 0
}

// Result renders the summary as an emit Result, since system:shutdown
// returns it as the emission's sole result: {"status":
// "shutdown_complete", "acked": [...], "outstanding": [...]} plus the
// coordinator's task/connection bookkeeping.
func (s *ShutdownSummary) Result() contract.Result {
	return contract.Result{
		"status":              "shutdown_complete",
		"acked":               s.AcknowledgedCriticals,
		"outstanding":         s.OutstandingCriticals,
		"cancelled_tasks":     s.CancelledTasks,
		"pending_connections": s.PendingConnections,
	}
}

// Shutdown drives the two-phase termination protocol: flip to
// shutting-down, broadcast system:shutdown directly to every matching
// handler (bypassing Emit, since Emit special-cases this same event to
// call Shutdown; going through the registry here instead is what
// avoids that recursion), wait for every critical handler
// to ack, then cancel remaining tasks. Calling Shutdown a second time
// returns the summary already produced by the first call.
func (rt *Router) Shutdown(ctx context.Context, deadline time.Duration) *ShutdownSummary {
	if !rt.shuttingDown.CompareAndSwap(false, true) {
		// Someone else already triggered shutdown; wait for them to
		// finish instead of racing through the broadcast a second
		// time.
		for {
			rt.critMu.Lock()
			summary := rt.summary
			rt.critMu.Unlock()

			if summary != nil {
				return summary
			}

			time.Sleep(5 * time.Millisecond)
		}
	}

	rt.logger.Info("shutdown initiated", "deadline", deadline)

	handlers := rt.registry.Resolve("system:shutdown")

	for _, h := range handlers {
		if _, abort := rt.invoke(ctx, h, &contract.Envelope{
			Event: "system:shutdown",
			Data:  contract.Data{},
		}); abort != nil {
			rt.logger.Error("system:shutdown handler aborted in propagate mode", "handler", h.Name, "err", abort)
		}
	}

	rt.waitForAcks(deadline)

	outstanding := rt.outstandingCriticals()
	acked := rt.ackedList()
	cancelled := rt.supervisor.CancelAll(rt.opts.TaskCancelGrace)

	summary := &ShutdownSummary{
		AcknowledgedCriticals: acked,
		OutstandingCriticals:  outstanding,
		CancelledTasks:        cancelled,
		PendingConnections:    rt.pendingConnections(),
	}

	rt.critMu.Lock()
	rt.summary = summary
	rt.critMu.Unlock()

	close(rt.done)

	rt.logger.Info("shutdown complete",
		"acknowledged", len(acked),
		"outstanding", len(outstanding),
		"cancelled_tasks", len(cancelled),
	)

	return summary
}

func (rt *Router) pendingConnections() int {
	p := rt.connCounter.Load()

	if p == nil {
		return 0
	}

	return (*p)()
}

// waitForAcks polls the acked set until every registered critical
// handler has acknowledged or deadline elapses. A short poll interval
// is acceptable here: shutdown happens at most once per process
// lifetime.
func (rt *Router) waitForAcks(deadline time.Duration) {
	limit := time.Now().Add(deadline)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if rt.allCriticalsAcked() || time.Now().After(limit) {
			return
		}

		<-ticker.C
	}
}

func (rt *Router) allCriticalsAcked() bool {
	rt.critMu.Lock()
	defer rt.critMu.Unlock()

	for name := range rt.criticals {
		if _, ok := rt.acked[name]; !ok {
			return false
		}
	}

	return true
}

func (rt *Router) outstandingCriticals() []string {
	rt.critMu.Lock()
	defer rt.critMu.Unlock()

	out := make([]string, 0)

	for name := range rt.criticals {
		if _, ok := rt.acked[name]; !ok {
			out = append(out, name)
		}
	}

	return out
}

func (rt *Router) ackedList() []string {
	rt.critMu.Lock()
	defer rt.critMu.Unlock()

	out := make([]string, 0, len(rt.acked))

	for name := range rt.acked {
		out = append(out, name)
	}

	return out
}

// ack records a shutdown:ack from a critical handler. Used by the
// built-in shutdown:ack handler.
func (rt *Router) ack(name string) {
	rt.critMu.Lock()
	rt.acked[name] = struct{}{}
	rt.critMu.Unlock()
}
