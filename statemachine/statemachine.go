// Package statemachine interprets declarative workflow definitions. The
// definition is plain data; a single Machine validates structure, resolves
// transitions, evaluates guards, and computes derived facts such as progress.
package statemachine

import (
	"github.com/GoCodeAlone/caseflow/model"
)

// Machine is a stateless interpreter over workflow definitions. All methods
// are CPU-only and safe for concurrent use.
type Machine struct {
	guards *GuardRegistry
}

// NewMachine creates a machine resolving guard refs through the given
// registry. A nil registry is replaced with an empty one, in which case any
// definition referencing a guard fails validation.
func NewMachine(guards *GuardRegistry) *Machine {
	if guards == nil {
		guards = NewGuardRegistry()
	}
	return &Machine{guards: guards}
}

// Guards returns the machine's guard registry.
func (m *Machine) Guards() *GuardRegistry { return m.guards }

// Validate checks the structural invariants of a definition at ingest time:
// exactly one initial state, no undeclared state references, no duplicate
// (from, trigger) pairs, no outgoing transitions from terminal states, all
// states reachable from the initial state, and all guard refs resolvable.
func (m *Machine) Validate(def *model.WorkflowDefinition) error {
	if def.Key == "" {
		return model.NewError(model.KindValidation, "definition key is required")
	}
	if def.Version < 1 {
		return model.NewError(model.KindValidation, "definition version must be >= 1")
	}
	if len(def.States) == 0 {
		return model.NewError(model.KindValidation, "definition %q has no states", def.Key)
	}

	states := make(map[string]model.StateDef, len(def.States))
	initial := ""
	for _, s := range def.States {
		if s.Name == "" {
			return model.NewError(model.KindValidation, "definition %q has a state with no name", def.Key)
		}
		if _, dup := states[s.Name]; dup {
			return model.NewError(model.KindValidation, "duplicate state %q", s.Name)
		}
		if s.Terminal != "" && s.Terminal != model.TerminalSuccess && s.Terminal != model.TerminalFailure {
			return model.NewError(model.KindValidation,
				"state %q has invalid terminal subtype %q", s.Name, s.Terminal)
		}
		states[s.Name] = s
		if s.Initial {
			if initial != "" {
				return model.NewError(model.KindValidation,
					"multiple initial states: %q and %q", initial, s.Name)
			}
			initial = s.Name
		}
	}
	if initial == "" {
		return model.NewError(model.KindValidation, "definition %q has no initial state", def.Key)
	}

	seen := make(map[string]bool, len(def.Transitions))
	for _, t := range def.Transitions {
		if t.Trigger == "" {
			return model.NewError(model.KindValidation,
				"transition %s -> %s has no trigger", t.From, t.To)
		}
		from, ok := states[t.From]
		if !ok {
			return model.NewError(model.KindValidation,
				"transition trigger %q references undeclared state %q", t.Trigger, t.From)
		}
		if _, ok := states[t.To]; !ok {
			return model.NewError(model.KindValidation,
				"transition trigger %q references undeclared state %q", t.Trigger, t.To)
		}
		if from.Terminal != "" {
			return model.NewError(model.KindValidation,
				"terminal state %q has outgoing transition %q", t.From, t.Trigger)
		}
		key := t.From + "\x00" + t.Trigger
		if seen[key] {
			return model.NewError(model.KindValidation,
				"duplicate transition (%s, %s)", t.From, t.Trigger)
		}
		seen[key] = true
		if t.Guard != "" {
			if _, ok := m.guards.Resolve(t.Guard); !ok {
				return model.NewError(model.KindValidation,
					"transition %q references unknown guard %q", t.Trigger, t.Guard)
			}
		}
		for _, a := range t.OnEnter {
			if a.Name == "" {
				return model.NewError(model.KindValidation,
					"transition %q has an on-enter action with no name", t.Trigger)
			}
			if a.ExecutionMode != "" && a.ExecutionMode != model.ExecutionSync &&
				a.ExecutionMode != model.ExecutionPostCommit {
				return model.NewError(model.KindValidation,
					"action %q has invalid execution mode %q", a.Name, a.ExecutionMode)
			}
		}
	}

	// Reachability from the initial state.
	reachable := m.reachableFrom(def, initial)
	for name := range states {
		if !reachable[name] {
			return model.NewError(model.KindValidation, "state %q is unreachable from %q", name, initial)
		}
	}

	return nil
}

func (m *Machine) reachableFrom(def *model.WorkflowDefinition, start string) map[string]bool {
	adj := make(map[string][]string)
	for _, t := range def.Transitions {
		adj[t.From] = append(adj[t.From], t.To)
	}
	reachable := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	return reachable
}

// ValidTransitions returns the transitions available from the current state
// for the given actor, preserving the definition's declaration order. A
// transition is included when its guard passes against the context and its
// required roles intersect the actor's roles.
func (m *Machine) ValidTransitions(
	def *model.WorkflowDefinition,
	currentState string,
	actor model.AuthContext,
	ctx map[string]any,
) []model.TransitionDef {
	var out []model.TransitionDef
	for _, t := range def.Transitions {
		if t.From != currentState {
			continue
		}
		if !actor.HasAnyRole(t.RequiredRoles) {
			continue
		}
		if t.Guard != "" {
			guard, ok := m.guards.Resolve(t.Guard)
			if !ok || !guard(ctx, actor) {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

// Transition resolves the unique (currentState, trigger) transition, checks
// roles and guard, and returns the destination transition definition.
func (m *Machine) Transition(
	def *model.WorkflowDefinition,
	currentState string,
	trigger string,
	actor model.AuthContext,
	ctx map[string]any,
) (model.TransitionDef, error) {
	state, ok := def.State(currentState)
	if !ok {
		return model.TransitionDef{}, model.NewError(model.KindValidation,
			"state %q not declared in definition %q", currentState, def.Key)
	}
	if state.Terminal != "" {
		return model.TransitionDef{}, model.NewError(model.KindAlreadyCompleted,
			"state %q is terminal", currentState)
	}

	for _, t := range def.Transitions {
		if t.From != currentState || t.Trigger != trigger {
			continue
		}
		if !actor.HasAnyRole(t.RequiredRoles) {
			return model.TransitionDef{}, model.NewError(model.KindForbidden,
				"trigger %q requires one of roles %v", trigger, t.RequiredRoles)
		}
		if t.Guard != "" {
			guard, ok := m.guards.Resolve(t.Guard)
			if !ok {
				return model.TransitionDef{}, model.NewError(model.KindValidation,
					"guard %q not registered", t.Guard)
			}
			if !guard(ctx, actor) {
				return model.TransitionDef{}, model.NewError(model.KindGuardFailed,
					"guard %q rejected trigger %q", t.Guard, trigger).
					WithDetail("guard", t.Guard)
			}
		}
		return t, nil
	}

	return model.TransitionDef{}, model.NewError(model.KindUnknownTrigger,
		"no transition for trigger %q from state %q", trigger, currentState)
}

// IsTerminal reports whether the named state is terminal in the definition.
func (m *Machine) IsTerminal(def *model.WorkflowDefinition, state string) bool {
	s, ok := def.State(state)
	return ok && s.Terminal != ""
}

// TerminalOutcome returns "success" or "failure" for a terminal state, or
// empty for non-terminal states.
func (m *Machine) TerminalOutcome(def *model.WorkflowDefinition, state string) string {
	s, ok := def.State(state)
	if !ok {
		return ""
	}
	return s.Terminal
}

// Progress computes a 0..100 completion percentage based on topological
// distance: min-distance(initial -> current) over min-distance(initial ->
// nearest terminal reachable through current). For linear definitions this
// degrades to an index-based percentage.
func (m *Machine) Progress(def *model.WorkflowDefinition, currentState string) int {
	initial := def.InitialState()
	if initial == "" {
		return 0
	}
	if m.IsTerminal(def, currentState) {
		return 100
	}
	if currentState == initial {
		return 0
	}

	fromInitial := m.distances(def, initial)
	distCurrent, ok := fromInitial[currentState]
	if !ok {
		return 0
	}

	// Nearest terminal measured through the current state.
	fromCurrent := m.distances(def, currentState)
	best := -1
	for _, s := range def.States {
		if s.Terminal == "" {
			continue
		}
		onward, ok := fromCurrent[s.Name]
		if !ok {
			continue
		}
		total := distCurrent + onward
		if best < 0 || total < best {
			best = total
		}
	}
	if best <= 0 {
		return 0
	}

	pct := distCurrent * 100 / best
	if pct > 99 {
		// A non-terminal state never reports full completion.
		pct = 99
	}
	return pct
}

// distances returns BFS hop counts from start over the transition graph.
func (m *Machine) distances(def *model.WorkflowDefinition, start string) map[string]int {
	adj := make(map[string][]string)
	for _, t := range def.Transitions {
		adj[t.From] = append(adj[t.From], t.To)
	}
	dist := map[string]int{start: 0}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if _, seen := dist[next]; !seen {
				dist[next] = dist[cur] + 1
				queue = append(queue, next)
			}
		}
	}
	return dist
}
