package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"civitrack/internal/app"
	"civitrack/internal/config"
	"civitrack/internal/db"
	"civitrack/internal/domain"
	"civitrack/internal/engine"
	"civitrack/internal/engine/auth"
	"civitrack/internal/migrate"
	"civitrack/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// newTestEnv opens a fresh temp-dir database, runs migrations, and creates
// project proj-1 with the default role set. Actor "tester" holds admin, so it
// carries validation.manage.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	cfg := config.Default("proj-1")
	r := repo.Repo{DB: conn}
	if err := app.CreateProject(ctx, r, "proj-1", "Test Project", cfg, "tester"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func createSourceTables(t *testing.T, env testEnv) {
	t.Helper()
	for _, stmt := range []string{
		`CREATE TABLE tasks(id TEXT PRIMARY KEY, project_id TEXT NOT NULL, name TEXT NOT NULL, weight REAL)`,
		`CREATE TABLE milestones(id TEXT PRIMARY KEY, project_id TEXT NOT NULL, name TEXT NOT NULL, weight REAL)`,
	} {
		if _, err := env.Engine.DB.ExecContext(env.Ctx, stmt); err != nil {
			t.Fatalf("create source table: %v", err)
		}
	}
}

func addSourceTask(t *testing.T, env testEnv, id, name string, weight float64) {
	t.Helper()
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`INSERT INTO tasks(id, project_id, name, weight) VALUES (?,?,?,?)`, id, "proj-1", name, weight); err != nil {
		t.Fatalf("insert source task: %v", err)
	}
}

func syncAll(t *testing.T, env testEnv) engine.SyncResult {
	t.Helper()
	res, err := env.Engine.SyncDeliverables(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	return res
}

func itemByRef(t *testing.T, env testEnv, refID string) domain.ValidationItem {
	t.Helper()
	items, _, err := env.Engine.Repo.ListItems(env.Ctx, repo.ItemFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	for _, it := range items {
		if it.DeliverableRefID == refID {
			return it
		}
	}
	t.Fatalf("item for ref %s not found", refID)
	return domain.ValidationItem{}
}

func TestInitProjectGrantsCreatorAdmin(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.InitProject(env.Ctx, "proj-2", "Second Project", "high", "creator")
	if err != nil {
		t.Fatalf("init project: %v", err)
	}
	if p.Status != domain.ProjectDraft {
		t.Fatalf("new project status %s", p.Status)
	}
	roles, err := env.Engine.Repo.ActorRoles(env.Ctx, "proj-2", "creator")
	if err != nil {
		t.Fatal(err)
	}
	if len(roles) != 1 || roles[0] != "admin" {
		t.Fatalf("creator roles: %v", roles)
	}
	perms, err := env.Engine.Repo.ActorPermissions(env.Ctx, "proj-2", "creator")
	if err != nil {
		t.Fatal(err)
	}
	manage := false
	for _, perm := range perms {
		if perm == "validation.manage" {
			manage = true
		}
	}
	if !manage {
		t.Fatalf("creator permissions: %v", perms)
	}
	history, err := env.Engine.Repo.ListStatusHistory(env.Ctx, "proj-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Status != domain.ProjectDraft {
		t.Fatalf("history seed: %+v", history)
	}
}

func TestWeightedAggregation(t *testing.T) {
	env := newTestEnv(t)
	createSourceTables(t, env)
	addSourceTask(t, env, "t-a", "Item A", 10)
	addSourceTask(t, env, "t-b", "Item B", 30)
	syncAll(t, env)

	itemA := itemByRef(t, env, "t-a")
	res, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		ItemID: itemA.ID, Decision: "approve", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.NewStatus != domain.ItemApproved {
		t.Fatalf("expected Approved, got %s", res.NewStatus)
	}
	if res.ProgressPercent != 25.00 {
		t.Fatalf("expected 25.00, got %v", res.ProgressPercent)
	}
	percent, err := env.Engine.ProjectPercent(env.Ctx, "proj-1")
	if err != nil || percent != 25.00 {
		t.Fatalf("expected percent 25.00, got %v (err %v)", percent, err)
	}
	last, err := env.Engine.Repo.LatestProgress(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("latest progress: %v", err)
	}
	if last.ProgressPercent != 25.00 {
		t.Fatalf("snapshot percent = %v", last.ProgressPercent)
	}
}

func TestCountFallbackWhenWeightless(t *testing.T) {
	env := newTestEnv(t)
	createSourceTables(t, env)
	addSourceTask(t, env, "t-a", "Item A", 0)
	addSourceTask(t, env, "t-b", "Item B", 0)
	syncAll(t, env)

	itemA := itemByRef(t, env, "t-a")
	res, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		ItemID: itemA.ID, Decision: "approve", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.ProgressPercent != 50.00 {
		t.Fatalf("expected 50.00 count fallback, got %v", res.ProgressPercent)
	}
}

func TestEmptyProjectPercentIsZero(t *testing.T) {
	env := newTestEnv(t)
	percent, err := env.Engine.ProjectPercent(env.Ctx, "proj-1")
	if err != nil || percent != 0 {
		t.Fatalf("expected 0 for empty project, got %v (err %v)", percent, err)
	}
}

func TestRejectRequiresRemarks(t *testing.T) {
	env := newTestEnv(t)
	createSourceTables(t, env)
	addSourceTask(t, env, "t-c", "Item C", 5)
	syncAll(t, env)
	item := itemByRef(t, env, "t-c")
	logsBefore, err := env.Engine.Repo.CountLogsByItem(env.Ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}

	for _, decision := range []string{"reject", "return_for_revision"} {
		_, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
			ItemID: item.ID, Decision: decision, Remarks: "   ", ActorID: "tester",
		})
		if err == nil {
			t.Fatalf("expected remarks error for %s", decision)
		}
	}
	after := itemByRef(t, env, "t-c")
	if after.Status != domain.ItemPending {
		t.Fatalf("status changed to %s", after.Status)
	}
	logsAfter, err := env.Engine.Repo.CountLogsByItem(env.Ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if logsAfter != logsBefore {
		t.Fatalf("log count changed: %d -> %d", logsBefore, logsAfter)
	}
}

func TestDecideUnknownDecision(t *testing.T) {
	env := newTestEnv(t)
	createSourceTables(t, env)
	addSourceTask(t, env, "t-c", "Item C", 5)
	syncAll(t, env)
	item := itemByRef(t, env, "t-c")

	_, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		ItemID: item.ID, Decision: "cancel", ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected unknown decision error")
	}
	count, err := env.Engine.Repo.CountProgress(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("progress rows written on failed decision: %d", count)
	}
}

func TestDecideMissingItem(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		ItemID: 9999, Decision: "approve", ActorID: "tester",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDecideForbidden(t *testing.T) {
	env := newTestEnv(t)
	createSourceTables(t, env)
	addSourceTask(t, env, "t-c", "Item C", 5)
	syncAll(t, env)
	item := itemByRef(t, env, "t-c")

	_, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		ItemID: item.ID, Decision: "approve", ActorID: "stranger",
	})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	// Unauthorized actor probing a nonexistent id sees forbidden, not
	// not-found.
	_, err = env.Engine.Decide(env.Ctx, engine.DecideOptions{
		ItemID: 9999, Decision: "approve", ActorID: "stranger",
	})
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for missing item, got %v", err)
	}
	after := itemByRef(t, env, "t-c")
	if after.Status != domain.ItemPending {
		t.Fatalf("status changed to %s", after.Status)
	}
}

func TestSyncIdempotent(t *testing.T) {
	env := newTestEnv(t)
	createSourceTables(t, env)
	addSourceTask(t, env, "t-a", "Item A", 10)
	addSourceTask(t, env, "t-b", "Item B", 30)

	first := syncAll(t, env)
	if first.Created != 2 {
		t.Fatalf("first sync created %d", first.Created)
	}
	itemA := itemByRef(t, env, "t-a")
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		ItemID: itemA.ID, Decision: "approve", ActorID: "tester",
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// Rename the source record; the second run refreshes the name only.
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE tasks SET name='Item A (renamed)' WHERE id='t-a'`); err != nil {
		t.Fatal(err)
	}

	second := syncAll(t, env)
	if second.Created != 0 || second.Existing != 2 {
		t.Fatalf("second sync: %+v", second)
	}
	items, total, err := env.Engine.Repo.ListItems(env.Ctx, repo.ItemFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", total)
	}
	after := itemByRef(t, env, "t-a")
	if after.Status != domain.ItemApproved {
		t.Fatalf("sync clobbered status: %s", after.Status)
	}
	if after.Weight != 10 {
		t.Fatalf("sync clobbered weight: %v", after.Weight)
	}
	if after.DeliverableName != "Item A (renamed)" {
		t.Fatalf("name not refreshed: %s", after.DeliverableName)
	}
}

func TestSyncMissingSourceTables(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.SyncDeliverables(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if res.Created != 0 || res.Existing != 0 {
		t.Fatalf("expected zero result, got %+v", res)
	}
}

func TestSyncLogsCreatedItems(t *testing.T) {
	env := newTestEnv(t)
	createSourceTables(t, env)
	addSourceTask(t, env, "t-a", "Item A", 10)
	syncAll(t, env)
	syncAll(t, env)
	item := itemByRef(t, env, "t-a")
	logs, err := env.Engine.Repo.ListLogsByItem(env.Ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected exactly one sync log, got %d", len(logs))
	}
	if logs[0].ActionType != domain.ActionSync || logs[0].NewStatus != domain.ItemPending {
		t.Fatalf("unexpected sync log: %+v", logs[0])
	}
}

func TestSubmissionVersioning(t *testing.T) {
	env := newTestEnv(t)
	createSourceTables(t, env)
	addSourceTask(t, env, "t-a", "Item A", 10)
	syncAll(t, env)
	item := itemByRef(t, env, "t-a")

	for i, percent := range []float64{20, 45, 80} {
		s, err := env.Engine.RecordSubmission(env.Ctx, engine.SubmitOptions{
			ItemID:          item.ID,
			ProgressPercent: percent,
			Summary:         "progress report",
			SubmitterID:     "field-1",
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i+1, err)
		}
		if s.VersionNo != i+1 {
			t.Fatalf("version %d, want %d", s.VersionNo, i+1)
		}
	}
	after, err := env.Engine.Repo.GetItem(env.Ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != domain.ItemSubmitted {
		t.Fatalf("status %s, want Submitted", after.Status)
	}
	subs, err := env.Engine.Repo.ListSubmissionsByItem(env.Ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(subs))
	}
	if after.LastSubmissionID == nil || *after.LastSubmissionID != subs[2].ID {
		t.Fatalf("last_submission_id not pointing at newest")
	}

	// An approved item keeps its status on a late submission.
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		ItemID: item.ID, Decision: "approve", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordSubmission(env.Ctx, engine.SubmitOptions{
		ItemID: item.ID, ProgressPercent: 100, SubmitterID: "field-1",
	}); err != nil {
		t.Fatal(err)
	}
	final, _ := env.Engine.Repo.GetItem(env.Ctx, item.ID)
	if final.Status != domain.ItemApproved {
		t.Fatalf("late submission changed status to %s", final.Status)
	}
}

func TestDecisionMirrorsSubmission(t *testing.T) {
	env := newTestEnv(t)
	createSourceTables(t, env)
	addSourceTask(t, env, "t-a", "Item A", 10)
	syncAll(t, env)
	item := itemByRef(t, env, "t-a")
	s, err := env.Engine.RecordSubmission(env.Ctx, engine.SubmitOptions{
		ItemID: item.ID, ProgressPercent: 90, SubmitterID: "field-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		ItemID: item.ID, Decision: "reject", Remarks: "incomplete evidence", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	sub, err := env.Engine.Repo.GetSubmission(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sub.ValidationResult == nil || *sub.ValidationResult != domain.ItemRejected {
		t.Fatalf("submission not mirrored: %+v", sub)
	}
	if sub.ReviewerRemarks == nil || *sub.ReviewerRemarks != "incomplete evidence" {
		t.Fatalf("remarks not mirrored")
	}
}

func TestResubmissionAfterReturn(t *testing.T) {
	env := newTestEnv(t)
	createSourceTables(t, env)
	addSourceTask(t, env, "t-a", "Item A", 10)
	syncAll(t, env)
	item := itemByRef(t, env, "t-a")
	if _, err := env.Engine.RecordSubmission(env.Ctx, engine.SubmitOptions{
		ItemID: item.ID, ProgressPercent: 50, SubmitterID: "field-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		ItemID: item.ID, Decision: "return_for_revision", Remarks: "redo section 2", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	s, err := env.Engine.RecordSubmission(env.Ctx, engine.SubmitOptions{
		ItemID: item.ID, ProgressPercent: 70, SubmitterID: "field-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.VersionNo != 2 {
		t.Fatalf("resubmission version %d, want 2", s.VersionNo)
	}
	after, _ := env.Engine.Repo.GetItem(env.Ctx, item.ID)
	if after.Status != domain.ItemSubmitted {
		t.Fatalf("status %s after resubmission", after.Status)
	}
}

func TestDecideAtomicity(t *testing.T) {
	env := newTestEnv(t)
	createSourceTables(t, env)
	addSourceTask(t, env, "t-a", "Item A", 10)
	syncAll(t, env)
	item := itemByRef(t, env, "t-a")

	// Force the log insert to fail mid-transaction.
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DROP TABLE validation_logs`); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		ItemID: item.ID, Decision: "approve", ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected decide to fail")
	}
	after, getErr := env.Engine.Repo.GetItem(env.Ctx, item.ID)
	if getErr != nil {
		t.Fatal(getErr)
	}
	if after.Status != domain.ItemPending {
		t.Fatalf("partial commit: status %s", after.Status)
	}
	count, countErr := env.Engine.Repo.CountProgress(env.Ctx, "proj-1")
	if countErr != nil {
		t.Fatal(countErr)
	}
	if count != 0 {
		t.Fatalf("partial commit: %d progress rows", count)
	}
}

func TestRedecideReappliesAndRelogs(t *testing.T) {
	env := newTestEnv(t)
	createSourceTables(t, env)
	addSourceTask(t, env, "t-a", "Item A", 10)
	syncAll(t, env)
	item := itemByRef(t, env, "t-a")

	for i := 0; i < 2; i++ {
		if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
			ItemID: item.ID, Decision: "approve", ActorID: "tester",
		}); err != nil {
			t.Fatalf("approve %d: %v", i+1, err)
		}
	}
	logs, err := env.Engine.Repo.ListLogsByItem(env.Ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	// one sync log plus two approve logs
	approves := 0
	for _, l := range logs {
		if l.ActionType == domain.ActionApprove {
			approves++
		}
	}
	if approves != 2 {
		t.Fatalf("expected 2 approve logs, got %d", approves)
	}
	if logs[len(logs)-1].PreviousStatus != domain.ItemApproved {
		t.Fatalf("second approve should record Approved as previous status")
	}
}

func TestProjectStatusTransitions(t *testing.T) {
	env := newTestEnv(t)

	check, err := env.Engine.ValidateStatusTransition(env.Ctx, "proj-1", "approved")
	if err != nil {
		t.Fatal(err)
	}
	if check.OK {
		t.Fatalf("Draft -> Approved should be illegal")
	}

	check, err = env.Engine.ValidateStatusTransition(env.Ctx, "proj-1", "bogus")
	if err != nil {
		t.Fatal(err)
	}
	if check.OK {
		t.Fatalf("unknown status should be rejected")
	}

	if _, err := env.Engine.ValidateStatusTransition(env.Ctx, "no-such-project", "approved"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	steps := []string{"For Approval", "Approved", "On-hold", "Approved", "Completed"}
	for _, next := range steps {
		if _, err := env.Engine.SetProjectStatus(env.Ctx, "proj-1", next, "tester", ""); err != nil {
			t.Fatalf("to %s: %v", next, err)
		}
	}
	// Completed is terminal.
	if _, err := env.Engine.SetProjectStatus(env.Ctx, "proj-1", "Draft", "tester", ""); err == nil {
		t.Fatalf("expected terminal state error")
	}
	history, err := env.Engine.Repo.ListStatusHistory(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	// creation row plus five transitions
	if len(history) != 6 {
		t.Fatalf("expected 6 history rows, got %d", len(history))
	}
	if history[len(history)-1].Status != domain.ProjectCompleted {
		t.Fatalf("last history row %s", history[len(history)-1].Status)
	}
}

func TestSetProjectStatusUnknownInput(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetProjectStatus(env.Ctx, "proj-1", "archived", "tester", ""); err == nil {
		t.Fatalf("expected unknown status error")
	}
	history, _ := env.Engine.Repo.ListStatusHistory(env.Ctx, "proj-1")
	if len(history) != 1 {
		t.Fatalf("history written for rejected transition")
	}
}
