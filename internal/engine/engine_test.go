package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"treeline/internal/config"
	"treeline/internal/db"
	"treeline/internal/engine"
	"treeline/internal/migrate"
	"treeline/internal/model"
	"treeline/internal/progress"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("prod-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProduct(ctx, "prod-1", "Atlas", "", "tester"); err != nil {
		t.Fatalf("init product: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func seedHierarchy(t *testing.T, env testEnv) {
	t.Helper()
	if _, err := env.Engine.UpsertDomain(env.Ctx, engine.DomainOptions{
		ProductID: "prod-1", ID: "dom-1", Name: "Billing", ActorID: "tester",
	}); err != nil {
		t.Fatalf("upsert domain: %v", err)
	}
	if _, err := env.Engine.UpsertFeature(env.Ctx, engine.FeatureOptions{
		ProductID: "prod-1", DomainID: "dom-1", ID: "feat-1", Name: "Invoices",
		Priority: model.PriorityHigh, ActorID: "tester",
	}); err != nil {
		t.Fatalf("upsert feature: %v", err)
	}
}

func TestDerivedCompletionPersists(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env)
	for i, c := range []int{100, 50, 0} {
		if _, err := env.Engine.UpsertSubtask(env.Ctx, engine.SubtaskOptions{
			ProductID: "prod-1", FeatureID: "feat-1",
			ID: "sub-" + string(rune('a'+i)), Name: "step", Completion: c, ActorID: "tester",
		}); err != nil {
			t.Fatalf("upsert subtask: %v", err)
		}
	}
	tree, err := env.Engine.Tree(env.Ctx, "prod-1")
	if err != nil {
		t.Fatalf("load tree: %v", err)
	}
	f, _, ok := tree.Feature("feat-1")
	if !ok {
		t.Fatalf("feature missing after reload")
	}
	if f.Completion != 50 || f.Status != model.StatusInProgress {
		t.Fatalf("derived completion not persisted: %d %s", f.Completion, f.Status)
	}
	if tree.Product.Completion != 50 {
		t.Fatalf("product completion = %d, want 50", tree.Product.Completion)
	}
}

func TestUpsertFeatureUnknownDomain(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.UpsertFeature(env.Ctx, engine.FeatureOptions{
		ProductID: "prod-1", DomainID: "missing", Name: "Invoices", ActorID: "tester",
	})
	if !errors.Is(err, progress.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInvalidCompletionRejectedAndNothingWritten(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env)
	_, err := env.Engine.UpsertSubtask(env.Ctx, engine.SubtaskOptions{
		ProductID: "prod-1", FeatureID: "feat-1", ID: "sub-x", Name: "bad", Completion: 140, ActorID: "tester",
	})
	if !errors.Is(err, progress.ErrInvalidEntity) {
		t.Fatalf("expected invalid entity, got %v", err)
	}
	tree, err := env.Engine.Tree(env.Ctx, "prod-1")
	if err != nil {
		t.Fatalf("load tree: %v", err)
	}
	if _, _, ok := tree.Subtask("sub-x"); ok {
		t.Fatalf("rejected subtask was persisted")
	}
}

func TestRemoveSubtaskRecomputesStoredAncestors(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env)
	for id, c := range map[string]int{"sub-1": 100, "sub-2": 0} {
		if _, err := env.Engine.UpsertSubtask(env.Ctx, engine.SubtaskOptions{
			ProductID: "prod-1", FeatureID: "feat-1", ID: id, Name: id, Completion: c, ActorID: "tester",
		}); err != nil {
			t.Fatalf("upsert subtask: %v", err)
		}
	}
	if err := env.Engine.RemoveSubtask(env.Ctx, "prod-1", "sub-2", "tester"); err != nil {
		t.Fatalf("remove subtask: %v", err)
	}
	tree, err := env.Engine.Tree(env.Ctx, "prod-1")
	if err != nil {
		t.Fatalf("load tree: %v", err)
	}
	f, _, _ := tree.Feature("feat-1")
	if f.Completion != 100 || f.Status != model.StatusComplete {
		t.Fatalf("feature after removal = %d %s, want 100 complete", f.Completion, f.Status)
	}
	if err := env.Engine.RemoveSubtask(env.Ctx, "prod-1", "sub-2", "tester"); !errors.Is(err, progress.ErrNotFound) {
		t.Fatalf("expected not found on double remove, got %v", err)
	}
}

func TestScoreUsesStoredConfigWeights(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env)
	if _, err := env.Engine.UpsertFeature(env.Ctx, engine.FeatureOptions{
		ProductID: "prod-1", DomainID: "dom-1", ID: "feat-1", Name: "Invoices",
		Priority: model.PriorityHigh, Completion: 80, ActorID: "tester",
	}); err != nil {
		t.Fatalf("update feature: %v", err)
	}
	score, err := env.Engine.Score(env.Ctx, "prod-1")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score != 80 {
		t.Fatalf("score = %d, want 80", score)
	}
}

func TestDependencyCycleDetected(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env)
	if _, err := env.Engine.UpsertFeature(env.Ctx, engine.FeatureOptions{
		ProductID: "prod-1", DomainID: "dom-1", ID: "feat-2", Name: "Refunds",
		Dependencies: []string{"feat-1"}, ActorID: "tester",
	}); err != nil {
		t.Fatalf("upsert feat-2: %v", err)
	}
	if err := env.Engine.CheckDependencies(env.Ctx, "prod-1"); err != nil {
		t.Fatalf("acyclic graph flagged: %v", err)
	}
	if _, err := env.Engine.UpsertFeature(env.Ctx, engine.FeatureOptions{
		ProductID: "prod-1", DomainID: "dom-1", ID: "feat-1", Name: "Invoices",
		Priority: model.PriorityHigh, Dependencies: []string{"feat-2"}, ActorID: "tester",
	}); err != nil {
		t.Fatalf("close cycle: %v", err)
	}
	var cycle *progress.CycleError
	if err := env.Engine.CheckDependencies(env.Ctx, "prod-1"); !errors.As(err, &cycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestEventCursorQueries(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env)
	cursor, err := env.Engine.Repo.LatestEventID(env.Ctx, "prod-1")
	if err != nil {
		t.Fatalf("latest event id: %v", err)
	}
	if cursor == 0 {
		t.Fatalf("seeding produced no events")
	}
	if evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 10, cursor, "prod-1"); err != nil || len(evts) != 0 {
		t.Fatalf("expected nothing past the newest id, got %v %v", evts, err)
	}
	if _, err := env.Engine.UpsertSubtask(env.Ctx, engine.SubtaskOptions{
		ProductID: "prod-1", FeatureID: "feat-1", ID: "sub-1", Name: "step", Completion: 10, ActorID: "tester",
	}); err != nil {
		t.Fatalf("upsert subtask: %v", err)
	}
	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 10, cursor, "prod-1")
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(evts) != 1 || evts[0].Type != "subtask.upserted" || evts[0].ID <= cursor {
		t.Fatalf("cursor read wrong events: %+v", evts)
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	seedHierarchy(t, env)
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "prod-1", "", "", "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	types := map[string]bool{}
	for _, e := range evts {
		types[e.Type] = true
	}
	for _, want := range []string{"product.init", "domain.upserted", "feature.upserted"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}
