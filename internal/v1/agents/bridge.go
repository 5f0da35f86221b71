// Package agents routes named tasks to registered in-process handlers. The
// bridge never panics through to callers: handler failures come back as
// error results.
package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/logging"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/metrics"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

// Built-in agent names.
const (
	AgentPyGUI          = "PYGUI"
	AgentPythonInternal = "PYTHON_INTERNAL"
	AgentDebugger       = "DEBUGGER"
	AgentCoordinator    = "COORDINATOR"
)

// maxCoordinatorDepth caps COORDINATOR recursion so a coordinator that lists
// itself cannot loop forever.
const maxCoordinatorDepth = 4

// Handler executes one task for one agent.
type Handler func(ctx context.Context, task types.JSONMap) (any, error)

// Result is what Invoke always returns, success or not.
type Result struct {
	Agent         string        `json:"agent"`
	Success       bool          `json:"success"`
	Result        any           `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	Overhead      time.Duration `json:"overhead"`
}

// Bridge dispatches tasks by agent name. Registration happens at startup;
// the handler map is read-only afterwards, so Invoke needs no lock.
type Bridge struct {
	handlers map[string]Handler
}

type depthKey struct{}

// New builds a bridge with the built-in handlers registered.
func New() *Bridge {
	b := &Bridge{handlers: make(map[string]Handler)}
	b.Register(AgentPyGUI, pyGUIHandler)
	b.Register(AgentPythonInternal, pythonInternalHandler)
	b.Register(AgentDebugger, debuggerHandler)
	b.Register(AgentCoordinator, b.coordinatorHandler)
	return b
}

// Register installs a handler for name, replacing any existing one.
func (b *Bridge) Register(name string, h Handler) {
	b.handlers[name] = h
}

// Agents lists the registered agent names.
func (b *Bridge) Agents() []string {
	names := make([]string, 0, len(b.handlers))
	for name := range b.handlers {
		names = append(names, name)
	}
	return names
}

// Invoke runs the named agent's handler against task. Unknown agents and
// handler errors (including panics) produce a failed Result, never an error
// return.
func (b *Bridge) Invoke(ctx context.Context, name string, task types.JSONMap) Result {
	start := time.Now()

	handler, ok := b.handlers[name]
	if !ok {
		metrics.AgentInvocations.WithLabelValues(name, "unknown").Inc()
		return Result{
			Agent:    name,
			Error:    fmt.Sprintf("unknown agent: %s", name),
			Overhead: time.Since(start),
		}
	}

	execStart := time.Now()
	value, err := b.safeCall(ctx, handler, task)
	execTime := time.Since(execStart)

	metrics.AgentDuration.WithLabelValues(name).Observe(execTime.Seconds())

	res := Result{
		Agent:         name,
		ExecutionTime: execTime,
		Overhead:      time.Since(start) - execTime,
	}
	if err != nil {
		metrics.AgentInvocations.WithLabelValues(name, "error").Inc()
		logging.Warn(ctx, "Agent invocation failed", zap.String("agent", name), zap.Error(err))
		res.Error = err.Error()
		return res
	}

	metrics.AgentInvocations.WithLabelValues(name, "success").Inc()
	res.Success = true
	res.Result = value
	return res
}

// safeCall converts handler panics into errors.
func (b *Bridge) safeCall(ctx context.Context, handler Handler, task types.JSONMap) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

// coordinatorHandler fans the task out to the agents named in its "agents"
// field and aggregates their results. Recursion depth is bounded.
func (b *Bridge) coordinatorHandler(ctx context.Context, task types.JSONMap) (any, error) {
	depth, _ := ctx.Value(depthKey{}).(int)
	if depth >= maxCoordinatorDepth {
		return nil, fmt.Errorf("coordinator recursion depth %d exceeded", maxCoordinatorDepth)
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	names := task.Strings("agents")
	if len(names) == 0 {
		return nil, fmt.Errorf("coordinator task has no agents")
	}

	subTask, _ := task["task"].(map[string]any)

	results := make([]Result, 0, len(names))
	for _, name := range names {
		results = append(results, b.Invoke(ctx, name, types.JSONMap(subTask)))
	}
	return results, nil
}

// --- built-in handlers; these run in-process and echo structured results ---

func pyGUIHandler(ctx context.Context, task types.JSONMap) (any, error) {
	action := task.String("action")
	if action == "" {
		return nil, fmt.Errorf("pygui task missing action")
	}
	return types.JSONMap{"action": action, "status": "dispatched"}, nil
}

func pythonInternalHandler(ctx context.Context, task types.JSONMap) (any, error) {
	op := task.String("operation")
	if op == "" {
		return nil, fmt.Errorf("python_internal task missing operation")
	}
	return types.JSONMap{"operation": op, "status": "queued"}, nil
}

func debuggerHandler(ctx context.Context, task types.JSONMap) (any, error) {
	target := task.String("target")
	if target == "" {
		return nil, fmt.Errorf("debugger task missing target")
	}
	return types.JSONMap{"target": target, "status": "attached"}, nil
}
