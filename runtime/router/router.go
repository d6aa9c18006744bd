// Package router maps a task's operation_kind to a tool id according to a
// configuration-driven rule table. It supports a "fixed" strategy (always
// the same tool) and a "round_robin" strategy (cycles among a candidate
// list); the round-robin cursor is the router's one piece of per-process
// mutable state and is persisted through a Counters implementation so it
// survives process restarts.
package router

import (
	"fmt"
	"sync"

	"github.com/acms-dev/acms/apitypes"
)

// Counters persists the round-robin cursor for each operation_kind so a
// restarted process resumes rotation instead of always picking the first
// candidate. features/router/json provides a small single-file JSON-backed
// implementation; tests can use an in-memory map.
type Counters interface {
	// Next returns the current cursor for key and advances it by one,
	// wrapping at modulus. The zero value is a valid starting cursor.
	Next(key string, modulus int) (int, error)
}

// Router is a pure function of (operation_kind, rule table) plus the one
// piece of state round-robin rotation needs.
type Router struct {
	mu       sync.Mutex
	rules    map[string]apitypes.RouteRule
	counters Counters
}

// Options configures a Router.
type Options struct {
	Rules    map[string]apitypes.RouteRule
	Counters Counters
}

// New builds a Router from a configuration-driven rule table. Counters may
// be nil, in which case round_robin strategies always start from index 0
// in memory (no restart persistence) via an internal in-memory counter.
func New(opts Options) *Router {
	counters := opts.Counters
	if counters == nil {
		counters = newMemCounters()
	}
	return &Router{rules: opts.Rules, counters: counters}
}

// ErrUnknownOperationKind indicates no rule exists for the requested kind.
type ErrUnknownOperationKind struct{ OperationKind string }

func (e *ErrUnknownOperationKind) Error() string {
	return fmt.Sprintf("router: no rule configured for operation_kind %q", e.OperationKind)
}

// ErrEmptyCandidates indicates a rule names no candidate tools.
type ErrEmptyCandidates struct{ OperationKind string }

func (e *ErrEmptyCandidates) Error() string {
	return fmt.Sprintf("router: rule for operation_kind %q has no candidate tools", e.OperationKind)
}

// RouteByOperationKind returns the tool id bound to operationKind per the
// configured strategy. It ignores risk/complexity hints beyond whatever a
// caller has already folded into operationKind — spec.md treats those as
// optional refinements of the same lookup, not a second dimension this
// router indexes on.
func (r *Router) RouteByOperationKind(operationKind string) (string, error) {
	rule, ok := r.rules[operationKind]
	if !ok {
		return "", &ErrUnknownOperationKind{OperationKind: operationKind}
	}
	if len(rule.Tools) == 0 {
		return "", &ErrEmptyCandidates{OperationKind: operationKind}
	}

	switch rule.Strategy {
	case apitypes.StrategyRoundRobin:
		r.mu.Lock()
		defer r.mu.Unlock()
		idx, err := r.counters.Next(operationKind, len(rule.Tools))
		if err != nil {
			return "", fmt.Errorf("router: advance round-robin counter for %q: %w", operationKind, err)
		}
		return rule.Tools[idx], nil
	case apitypes.StrategyFixed, "":
		return rule.Tools[0], nil
	default:
		return "", fmt.Errorf("router: unknown strategy %q for operation_kind %q", rule.Strategy, operationKind)
	}
}

// memCounters is the in-process fallback used when no durable Counters is
// supplied.
type memCounters struct {
	mu     sync.Mutex
	cursor map[string]int
}

func newMemCounters() *memCounters {
	return &memCounters{cursor: make(map[string]int)}
}

func (c *memCounters) Next(key string, modulus int) (int, error) {
	if modulus <= 0 {
		return 0, fmt.Errorf("router: modulus must be positive, got %d", modulus)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.cursor[key] % modulus
	c.cursor[key] = idx + 1
	return idx, nil
}
