package statemachine

import (
	"testing"
	"time"

	"github.com/GoCodeAlone/caseflow/model"
)

func approvalDefinition() *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		ID:      "def-1",
		Key:     "approval",
		Version: 1,
		Name:    "Approval",
		States: []model.StateDef{
			{Name: "draft", Initial: true},
			{Name: "submitted"},
			{Name: "approved", Terminal: model.TerminalSuccess},
			{Name: "rejected", Terminal: model.TerminalFailure},
		},
		Transitions: []model.TransitionDef{
			{From: "draft", To: "submitted", Trigger: "submit"},
			{From: "submitted", To: "draft", Trigger: "revise"},
			{From: "submitted", To: "approved", Trigger: "approve", RequiredRoles: []string{"manager"}, Guard: "amount_ok"},
			{From: "submitted", To: "rejected", Trigger: "reject", RequiredRoles: []string{"manager"}},
		},
		CreatedAt: time.Now(),
	}
}

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	guards := NewGuardRegistry()
	if err := guards.RegisterExpr("amount_ok", "ctx.amount <= 5000"); err != nil {
		t.Fatalf("register guard: %v", err)
	}
	return NewMachine(guards)
}

func TestValidate(t *testing.T) {
	m := newTestMachine(t)

	tests := []struct {
		name     string
		mutate   func(*model.WorkflowDefinition)
		wantKind string
	}{
		{"valid", func(d *model.WorkflowDefinition) {}, ""},
		{"no initial", func(d *model.WorkflowDefinition) {
			d.States[0].Initial = false
		}, model.KindValidation},
		{"multiple initial", func(d *model.WorkflowDefinition) {
			d.States[1].Initial = true
		}, model.KindValidation},
		{"duplicate from+trigger", func(d *model.WorkflowDefinition) {
			d.Transitions = append(d.Transitions, model.TransitionDef{From: "draft", To: "submitted", Trigger: "submit"})
		}, model.KindValidation},
		{"undeclared to state", func(d *model.WorkflowDefinition) {
			d.Transitions[0].To = "nowhere"
		}, model.KindValidation},
		{"undeclared from state", func(d *model.WorkflowDefinition) {
			d.Transitions[0].From = "nowhere"
		}, model.KindValidation},
		{"terminal with outgoing", func(d *model.WorkflowDefinition) {
			d.Transitions = append(d.Transitions, model.TransitionDef{From: "approved", To: "draft", Trigger: "reopen"})
		}, model.KindValidation},
		{"unreachable state", func(d *model.WorkflowDefinition) {
			d.States = append(d.States, model.StateDef{Name: "island"})
		}, model.KindValidation},
		{"unknown guard", func(d *model.WorkflowDefinition) {
			d.Transitions[2].Guard = "no_such_guard"
		}, model.KindValidation},
		{"bad terminal subtype", func(d *model.WorkflowDefinition) {
			d.States[2].Terminal = "maybe"
		}, model.KindValidation},
		{"bad execution mode", func(d *model.WorkflowDefinition) {
			d.Transitions[0].OnEnter = []model.ActionDef{{Name: "x", ExecutionMode: "async"}}
		}, model.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := approvalDefinition()
			tt.mutate(def)
			err := m.Validate(def)
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("expected valid definition, got %v", err)
				}
				return
			}
			if model.KindOf(err) != tt.wantKind {
				t.Errorf("expected kind %q, got %v", tt.wantKind, err)
			}
		})
	}
}

func TestTransition(t *testing.T) {
	m := newTestMachine(t)
	def := approvalDefinition()

	employee := model.AuthContext{UserID: "u1", OrganizationID: "org1", Roles: []string{"employee"}}
	manager := model.AuthContext{UserID: "u2", OrganizationID: "org1", Roles: []string{"manager"}}

	tests := []struct {
		name     string
		state    string
		trigger  string
		actor    model.AuthContext
		ctx      map[string]any
		wantTo   string
		wantKind string
	}{
		{"submit ok", "draft", "submit", employee, nil, "submitted", ""},
		{"approve as manager", "submitted", "approve", manager, map[string]any{"amount": 100}, "approved", ""},
		{"approve forbidden", "submitted", "approve", employee, map[string]any{"amount": 100}, "", model.KindForbidden},
		{"approve guard failed", "submitted", "approve", manager, map[string]any{"amount": 9999}, "", model.KindGuardFailed},
		{"unknown trigger", "draft", "approve", manager, nil, "", model.KindUnknownTrigger},
		{"terminal state", "approved", "submit", manager, nil, "", model.KindAlreadyCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := m.Transition(def, tt.state, tt.trigger, tt.actor, tt.ctx)
			if tt.wantKind != "" {
				if model.KindOf(err) != tt.wantKind {
					t.Fatalf("expected kind %q, got %v", tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tr.To != tt.wantTo {
				t.Errorf("expected destination %q, got %q", tt.wantTo, tr.To)
			}
		})
	}
}

func TestValidTransitionsOrderAndFiltering(t *testing.T) {
	m := newTestMachine(t)
	def := approvalDefinition()
	manager := model.AuthContext{UserID: "u2", Roles: []string{"manager"}}

	got := m.ValidTransitions(def, "submitted", manager, map[string]any{"amount": 100})
	if len(got) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(got))
	}
	// Declaration order preserved: revise, approve, reject.
	if got[0].Trigger != "revise" || got[1].Trigger != "approve" || got[2].Trigger != "reject" {
		t.Errorf("unexpected order: %s, %s, %s", got[0].Trigger, got[1].Trigger, got[2].Trigger)
	}

	// Guard filters approve out for a large amount.
	got = m.ValidTransitions(def, "submitted", manager, map[string]any{"amount": 99999})
	for _, tr := range got {
		if tr.Trigger == "approve" {
			t.Errorf("approve should be filtered by guard")
		}
	}

	// Roles filter approve/reject out for an employee.
	employee := model.AuthContext{UserID: "u1", Roles: []string{"employee"}}
	got = m.ValidTransitions(def, "submitted", employee, map[string]any{"amount": 100})
	if len(got) != 1 || got[0].Trigger != "revise" {
		t.Errorf("expected only revise for employee, got %v", got)
	}
}

func TestProgress(t *testing.T) {
	m := newTestMachine(t)
	def := approvalDefinition()

	tests := []struct {
		state string
		want  int
	}{
		{"draft", 0},
		{"submitted", 50},
		{"approved", 100},
		{"rejected", 100},
	}
	for _, tt := range tests {
		if got := m.Progress(def, tt.state); got != tt.want {
			t.Errorf("Progress(%s) = %d, want %d", tt.state, got, tt.want)
		}
	}
}

func TestProgressDAG(t *testing.T) {
	m := NewMachine(nil)
	// Diamond: a -> b -> d(terminal), a -> c -> e -> d
	def := &model.WorkflowDefinition{
		Key: "dag", Version: 1,
		States: []model.StateDef{
			{Name: "a", Initial: true},
			{Name: "b"},
			{Name: "c"},
			{Name: "e"},
			{Name: "d", Terminal: model.TerminalSuccess},
		},
		Transitions: []model.TransitionDef{
			{From: "a", To: "b", Trigger: "fast"},
			{From: "a", To: "c", Trigger: "slow"},
			{From: "b", To: "d", Trigger: "finish"},
			{From: "c", To: "e", Trigger: "step"},
			{From: "e", To: "d", Trigger: "finish"},
		},
	}
	if err := m.Validate(def); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := m.Progress(def, "b"); got != 50 {
		t.Errorf("Progress(b) = %d, want 50", got)
	}
	// c is 1 hop in, 2 hops from terminal through c: 1/3.
	if got := m.Progress(def, "c"); got != 33 {
		t.Errorf("Progress(c) = %d, want 33", got)
	}
	if got := m.Progress(def, "e"); got != 66 {
		t.Errorf("Progress(e) = %d, want 66", got)
	}
}

func TestIsTerminalAndOutcome(t *testing.T) {
	m := newTestMachine(t)
	def := approvalDefinition()

	if m.IsTerminal(def, "draft") {
		t.Errorf("draft should not be terminal")
	}
	if !m.IsTerminal(def, "approved") {
		t.Errorf("approved should be terminal")
	}
	if got := m.TerminalOutcome(def, "approved"); got != model.TerminalSuccess {
		t.Errorf("expected success outcome, got %q", got)
	}
	if got := m.TerminalOutcome(def, "rejected"); got != model.TerminalFailure {
		t.Errorf("expected failure outcome, got %q", got)
	}
}
