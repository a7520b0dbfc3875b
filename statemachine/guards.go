package statemachine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/GoCodeAlone/caseflow/model"
)

// Guard is a pure predicate evaluated against the instance context and the
// acting caller. Guards never error for control flow; returning false means
// the transition is not currently allowed.
type Guard func(ctx map[string]any, actor model.AuthContext) bool

// GuardRegistry resolves guard refs declared on transitions. Guards are
// either Go predicates or compiled expressions; both are registered by name
// before definitions referencing them are accepted.
type GuardRegistry struct {
	mu     sync.RWMutex
	guards map[string]Guard
}

// NewGuardRegistry creates an empty guard registry.
func NewGuardRegistry() *GuardRegistry {
	return &GuardRegistry{guards: make(map[string]Guard)}
}

// Register adds a Go predicate under the given name.
func (r *GuardRegistry) Register(name string, guard Guard) error {
	if name == "" {
		return fmt.Errorf("guard name is empty")
	}
	if guard == nil {
		return fmt.Errorf("guard %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guards[name] = guard
	return nil
}

// RegisterExpr compiles an expression and registers it as a guard. The
// expression is evaluated with `ctx` (the instance context map) and `actor`
// (userId, organizationId, roles) in scope and must yield a boolean, e.g.
// `ctx.amount <= 5000` or `"manager" in actor.roles`.
func (r *GuardRegistry) RegisterExpr(name, src string) error {
	if name == "" {
		return fmt.Errorf("guard name is empty")
	}
	program, err := expr.Compile(src, expr.AsBool())
	if err != nil {
		return fmt.Errorf("compiling guard %q: %w", name, err)
	}
	return r.Register(name, exprGuard(program))
}

func exprGuard(program *vm.Program) Guard {
	return func(ctx map[string]any, actor model.AuthContext) bool {
		env := map[string]any{
			"ctx": ctx,
			"actor": map[string]any{
				"userId":         actor.UserID,
				"organizationId": actor.OrganizationID,
				"roles":          actor.Roles,
			},
		}
		out, err := expr.Run(program, env)
		if err != nil {
			// A runtime evaluation error (missing key, type mismatch) means
			// the guard condition is not satisfied.
			return false
		}
		ok, _ := out.(bool)
		return ok
	}
}

// Resolve returns the guard registered under name.
func (r *GuardRegistry) Resolve(name string) (Guard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.guards[name]
	return g, ok
}

// Names returns all registered guard names.
func (r *GuardRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.guards))
	for n := range r.guards {
		names = append(names, n)
	}
	return names
}
