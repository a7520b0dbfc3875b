package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/GoCodeAlone/caseflow/model"
	"github.com/google/uuid"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQL(SQLConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLDefinitionRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	def := testDefinition("approval", 1)
	if err := s.Definitions().Put(ctx, def); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Definitions().Put(ctx, testDefinition("approval", 1)); !model.IsKind(err, model.KindConflict) {
		t.Errorf("expected conflict for duplicate (key, version), got %v", err)
	}

	got, err := s.Definitions().GetByKey(ctx, "approval", 0)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if got.ID != def.ID || len(got.States) != 2 || len(got.Transitions) != 1 {
		t.Errorf("definition did not round-trip: %+v", got)
	}

	byID, err := s.Definitions().GetByID(ctx, def.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if byID.Key != "approval" {
		t.Errorf("expected key approval, got %q", byID.Key)
	}

	if _, err := s.Definitions().GetByKey(ctx, "missing", 0); !model.IsKind(err, model.KindNotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestSQLInstanceLifecycle(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	inst := testInstance("org-a", "u1")
	due := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	inst.DueAt = &due
	if err := s.Instances().Insert(ctx, inst); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.Instances().Get(ctx, "org-a", inst.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentState != "open" || got.Version != 1 {
		t.Errorf("unexpected instance: %s/v%d", got.CurrentState, got.Version)
	}
	if got.DueAt == nil || !got.DueAt.Equal(due) {
		t.Errorf("due date did not round-trip: %v", got.DueAt)
	}
	if got.Context["amount"] != 100.0 {
		t.Errorf("context did not round-trip: %v", got.Context)
	}

	if _, err := s.Instances().Get(ctx, "org-b", inst.ID); !model.IsKind(err, model.KindNotFound) {
		t.Errorf("cross-org get should be not_found, got %v", err)
	}

	upd := *got
	upd.CurrentState = "closed"
	upd.Status = model.StatusCompleted
	now := time.Now().UTC()
	upd.CompletedAt = &now
	upd.Version = 2
	if err := s.Instances().UpdateCAS(ctx, &upd); err != nil {
		t.Fatalf("CAS update: %v", err)
	}

	stale := *got
	stale.Version = 2
	if err := s.Instances().UpdateCAS(ctx, &stale); !model.IsKind(err, model.KindConflict) {
		t.Errorf("expected conflict for stale update, got %v", err)
	}
}

func TestSQLListForUserAndDue(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mine := testInstance("org-a", "u1")
	assigned := testInstance("org-a", "u2")
	assigned.AssignedTo = "u1"
	late := testInstance("org-a", "u1")
	past := now.Add(-time.Hour)
	late.DueAt = &past
	notified := testInstance("org-a", "u1")
	notified.DueAt = &past
	notified.OverdueNotified = true

	for _, inst := range []*model.WorkflowInstance{mine, assigned, late, notified} {
		if err := s.Instances().Insert(ctx, inst); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := s.Instances().ListForUser(ctx, "org-a", "u1", InstanceFilter{Now: now})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("expected 4 instances, got %d", len(got))
	}

	got, err = s.Instances().ListForUser(ctx, "org-a", "u1", InstanceFilter{Status: model.StatusOverdue, Now: now})
	if err != nil {
		t.Fatalf("list overdue: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 overdue instances, got %d", len(got))
	}

	due, err := s.Instances().ListDueBefore(ctx, now)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].ID != late.ID {
		t.Errorf("expected only the unnotified overdue instance, got %d", len(due))
	}
}

func TestSQLStats(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	active := testInstance("org-a", "u1")
	done := testInstance("org-a", "u1")
	done.Status = model.StatusCompleted
	doneAt := done.CreatedAt.Add(60 * time.Second)
	done.CompletedAt = &doneAt

	for _, inst := range []*model.WorkflowInstance{active, done} {
		if err := s.Instances().Insert(ctx, inst); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	stats, err := s.Instances().Stats(ctx, "org-a", now)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.CountsByStatus[model.StatusActive] != 1 || stats.CountsByStatus[model.StatusCompleted] != 1 {
		t.Errorf("unexpected status counts: %v", stats.CountsByStatus)
	}
	if stats.AvgCompletionSeconds < 59 || stats.AvgCompletionSeconds > 61 {
		t.Errorf("expected avg completion ~60s, got %v", stats.AvgCompletionSeconds)
	}
}

func TestSQLHistoryOrdering(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	instID := uuid.NewString()
	base := time.Now().UTC()
	for i, to := range []string{"open", "review", "closed"} {
		err := s.History().Append(ctx, &model.HistoryEntry{
			ID:         uuid.NewString(),
			InstanceID: instID,
			ToState:    to,
			ActorID:    "u1",
			At:         base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	hist, err := s.History().ListByInstance(ctx, instID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(hist))
	}
	if hist[0].ToState != "open" || hist[2].ToState != "closed" {
		t.Errorf("history out of order: %s .. %s", hist[0].ToState, hist[2].ToState)
	}
}

func TestSQLInsightDetachAndCascade(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	inst := testInstance("org-a", "u1")
	if err := s.Instances().Insert(ctx, inst); err != nil {
		t.Fatalf("insert instance: %v", err)
	}
	kept := &model.Insight{ID: uuid.NewString(), InstanceID: inst.ID, Kind: model.InsightAnalyze,
		Content: "keep", ModelID: "m", ProviderID: "p", CreatedAt: time.Now().UTC()}
	gone := &model.Insight{ID: uuid.NewString(), InstanceID: inst.ID, Kind: model.InsightSummarize,
		Content: "cascade", ModelID: "m", ProviderID: "p", CreatedAt: time.Now().UTC()}
	for _, ins := range []*model.Insight{kept, gone} {
		if err := s.Insights().Insert(ctx, ins); err != nil {
			t.Fatalf("insert insight: %v", err)
		}
	}

	if err := s.Insights().Detach(ctx, kept.ID); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := s.Instances().Delete(ctx, "org-a", inst.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	left, err := s.Insights().ListByInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("list insights: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("attached insights should cascade, got %d", len(left))
	}
}

func TestSQLWithinTxRollback(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	inst := testInstance("org-a", "u1")
	if err := s.Instances().Insert(ctx, inst); err != nil {
		t.Fatalf("insert: %v", err)
	}

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx Store) error {
		upd := *inst
		upd.CurrentState = "closed"
		upd.Version = 2
		if err := tx.Instances().UpdateCAS(ctx, &upd); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}

	got, err := s.Instances().Get(ctx, "org-a", inst.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentState != "open" || got.Version != 1 {
		t.Errorf("transaction should roll back, got %s/v%d", got.CurrentState, got.Version)
	}
}
