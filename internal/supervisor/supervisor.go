// Package supervisor manages named background tasks: cancellable
// goroutines with crash isolation, so a panicking task never takes the
// router down with it.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/durapensa/ksid/internal/problem"
)

// TaskFunc is a supervised unit of work. It must return promptly once
// ctx is cancelled.
type TaskFunc func(ctx context.Context) error

// Info describes a currently running task, for router:list_tasks style
// introspection. A task is removed from the supervisor as soon as it
// completes or panics, so Info never describes finished work.
type Info struct {
	Name      string
	Owner     string
	StartedAt time.Time
}

type task struct {
	name      string
	owner     string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// Supervisor tracks every named background task in the process. Task
// names are unique process-wide.
type Supervisor struct {
	mu     sync.Mutex
	tasks  map[string]*task
	logger *slog.Logger
}

// New creates an empty Supervisor. A nil logger discards output.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Supervisor{
		tasks:  make(map[string]*task),
		logger: logger,
	}
}

// Start launches fn under name, owned by owner. If name is already
// running, Start fails with task_conflict unless replace is true, in
// which case the existing task is cancelled first.
func (s *Supervisor) Start(ctx context.Context, name, owner string, replace bool, fn TaskFunc) error {
	s.mu.Lock()

	if existing, ok := s.tasks[name]; ok {
		if !replace {
			s.mu.Unlock()

			return problem.New(problem.CodeTaskConflict, fmt.Sprintf("task %q already running", name))
		}

		existing.cancel()

		// run's cleanup takes s.mu before it closes done, so the lock is
		// released while waiting for the replaced task to exit.
		s.mu.Unlock()
		<-existing.done
		s.mu.Lock()
	}

	taskCtx, cancel := context.WithCancel(ctx)

	t := &task{
		name:      name,
		owner:     owner,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.tasks[name] = t
	s.mu.Unlock()

	go s.run(taskCtx, t, fn)

	return nil
}

func (s *Supervisor) run(ctx context.Context, t *task, fn TaskFunc) {
	defer close(t.done)

	defer func() {
		if r := recover(); r != nil {
			p := problem.FromRecover(r)
			s.logger.Error("background task panicked", "task", t.name, "owner", t.owner, "err", p.Error())
		}

		s.mu.Lock()
		if current, ok := s.tasks[t.name]; ok && current == t {
			delete(s.tasks, t.name)
		}
		s.mu.Unlock()
	}()

	if err := fn(ctx); err != nil {
		s.logger.Error("background task failed", "task", t.name, "owner", t.owner, "err", err)
	}
}

// Cancel requests cancellation of name and waits up to grace for it to
// finish. Reports whether name was running.
func (s *Supervisor) Cancel(name string, grace time.Duration) bool {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()

	if !ok {
		return false
	}

	t.cancel()

	select {
	case <-t.done:
	case <-time.After(grace):
		s.logger.Warn("task did not honor cancellation within grace period, force-detaching", "task", name)
	}

	return true
}

// CancelAll cancels every running task and waits up to grace for all of
// them to finish, returning the names of any still running afterward.
// Tasks that overrun the grace period are force-detached.
func (s *Supervisor) CancelAll(grace time.Duration) []string {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))

	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}

	deadline := time.After(grace)
	outstanding := make([]string, 0)

	for _, t := range tasks {
		select {
		case <-t.done:
		case <-deadline:
			outstanding = append(outstanding, t.name)
		}
	}

	return outstanding
}

// List returns a snapshot of every running task.
func (s *Supervisor) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Info, 0, len(s.tasks))

	for _, t := range s.tasks {
		out = append(out, Info{Name: t.name, Owner: t.owner, StartedAt: t.startedAt})
	}

	return out
}

// Count reports the number of currently tracked tasks.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tasks)
}
