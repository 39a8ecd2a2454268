package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every member of a [FallbackGroup] failed or
// had an open breaker.
var ErrAllFailed = errors.New("resilience: all members failed")

// member pairs a value with its dedicated breaker.
type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds an ordered list of interchangeable values. Calls go to
// the first member whose breaker admits them; a failure moves on to the next.
type FallbackGroup[T any] struct {
	members []member[T]
	breaker CircuitBreakerConfig
}

// NewFallbackGroup returns an empty group whose members get breakers built
// from cfg (Name is set per member).
func NewFallbackGroup[T any](cfg CircuitBreakerConfig) *FallbackGroup[T] {
	return &FallbackGroup[T]{breaker: cfg}
}

// Add appends a member. Members are tried in the order they were added.
// Add must not be called concurrently with Execute.
func (g *FallbackGroup[T]) Add(name string, v T) {
	cfg := g.breaker
	cfg.Name = name
	g.members = append(g.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(cfg)})
}

// Len returns the number of members.
func (g *FallbackGroup[T]) Len() int { return len(g.members) }

// Each calls fn for every member in order.
func (g *FallbackGroup[T]) Each(fn func(name string, v T)) {
	for _, m := range g.members {
		fn(m.name, m.value)
	}
}

// Execute runs fn against members until one succeeds. The returned error
// wraps both [ErrAllFailed] and the last member error.
func (g *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(g, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is Execute for functions that produce a value.
func ExecuteWithResult[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range g.members {
		m := &g.members[i]
		var out R
		err := m.breaker.Execute(func() error {
			var ferr error
			out, ferr = fn(m.value)
			return ferr
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("fallback: skipping member with open breaker", "member", m.name)
			continue
		}
		if i < len(g.members)-1 {
			slog.Warn("fallback: member failed, trying next", "member", m.name, "err", err)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no members")
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
