// Package tools implements the Agent Runner's Tool Executor: a
// registry of named tools, each with its own circuit breaker, executed
// individually (sequential, order-preserving) or in concurrency-bounded
// batches. Batch concurrency uses a buffered channel as a semaphore.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Handler executes one tool call and returns a JSON-serializable result
// or an error.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Definition registers a tool's handler and default timeout. No argument
// schema is recorded; the invoker is tolerant of malformed args.
type Definition struct {
	Name           string
	Handler        Handler
	DefaultTimeout time.Duration
}

// Call is one requested invocation, as parsed by the Agent Invoker.
type Call struct {
	Name string
	Args map[string]interface{}
}

// Result is the outcome of one Call, always JSON-serializable.
type Result struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Executor owns the tool registry, one breaker per tool, and a
// semaphore bounding concurrent batch execution.
type Executor struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	breakers map[string]*Breaker
	sem      chan struct{}
}

// NewExecutor constructs an Executor with the given max concurrent
// batch calls (default 5 if maxConcurrent <= 0).
func NewExecutor(maxConcurrent int) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Executor{
		defs:     make(map[string]Definition),
		breakers: make(map[string]*Breaker),
		sem:      make(chan struct{}, maxConcurrent),
	}
}

// Register adds a tool definition, creating its breaker.
func (e *Executor) Register(def Definition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defs[def.Name] = def
	e.breakers[def.Name] = NewBreaker()
}

// Breaker returns the named tool's circuit breaker, for introspection.
func (e *Executor) Breaker(name string) (*Breaker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.breakers[name]
	return b, ok
}

// ExecuteOne runs a single tool call, respecting its circuit breaker
// and default timeout. A call rejected by an open breaker never
// invokes the handler.
func (e *Executor) ExecuteOne(ctx context.Context, call Call) Result {
	e.mu.RLock()
	def, known := e.defs[call.Name]
	breaker := e.breakers[call.Name]
	e.mu.RUnlock()

	if !known {
		return Result{Name: call.Name, Error: fmt.Sprintf("unknown tool %q", call.Name)}
	}
	if !breaker.Allow() {
		return Result{Name: call.Name, Error: "circuit open"}
	}

	timeout := def.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	value, err := def.Handler(callCtx, call.Args)
	if err != nil {
		breaker.RecordFailure()
		return Result{Name: call.Name, Error: err.Error()}
	}
	breaker.RecordSuccess()
	return Result{Name: call.Name, Value: coerceSerializable(value)}
}

// ExecuteBatch runs calls concurrently under the semaphore, but returns
// results in the original call order.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []Call) []Result {
	results := make([]Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call Call) {
			defer wg.Done()
			e.sem <- struct{}{}
			defer func() { <-e.sem }()
			results[i] = e.ExecuteOne(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

// coerceSerializable guarantees the returned value round-trips through
// json.Marshal, stringifying anything that doesn't.
func coerceSerializable(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err == nil {
		return v
	}
	return fmt.Sprintf("%v", v)
}
