package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"civitrack/internal/app"
	"civitrack/internal/config"
	"civitrack/internal/db"
	"civitrack/internal/engine"
	"civitrack/internal/migrate"
	"civitrack/internal/repo"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

// newTestServer boots a handler over a loopback listener with the actor
// header trusted, backed by a temp-dir database seeded with project proj-1
// and two synced deliverables. Actor "tester" holds admin.
func newTestServer(t *testing.T) testServer {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	cfg := config.Default("proj-1")
	r := repo.Repo{DB: conn}
	if err := app.CreateProject(ctx, r, "proj-1", "Test Project", cfg, "tester"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE tasks(id TEXT PRIMARY KEY, project_id TEXT NOT NULL, name TEXT NOT NULL, weight REAL)`,
		`INSERT INTO tasks(id, project_id, name, weight) VALUES ('t-a','proj-1','Item A',10),('t-b','proj-1','Item B',30)`,
	} {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("seed source tables: %v", err)
		}
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := eng.SyncDeliverables(ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	handler, err := New(Config{Engine: eng, Auth: AuthConfig{AllowActorHeader: true}})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: eng,
		client: &http.Client{Timeout: 5 * time.Second},
		close: func() {
			srv.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, ts testServer, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if _, ok := headers["X-Actor-Id"]; !ok {
		req.Header.Set("X-Actor-Id", "tester")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeJSON(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func TestDecideOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	res, data := doJSON(t, ts, http.MethodPost, "/v0/items/1/decision",
		map[string]any{"decision": "approve"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var out DecisionResponse
	decodeJSON(t, data, &out)
	if !out.Success || out.NewStatus != "Approved" {
		t.Fatalf("unexpected response: %+v", out)
	}
	if out.Message == "" {
		t.Fatalf("expected human-readable message")
	}
}

func TestDecideGuardOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	res, data := doJSON(t, ts, http.MethodPost, "/v0/items/1/decision",
		map[string]any{"decision": "reject", "remarks": ""}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	decodeJSON(t, data, &envelope)
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("code %q", envelope.Error.Code)
	}
}

func TestDecideForbiddenOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	res, data := doJSON(t, ts, http.MethodPost, "/v0/items/1/decision",
		map[string]any{"decision": "approve"}, map[string]string{"X-Actor-Id": "stranger"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	decodeJSON(t, data, &envelope)
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("code %q", envelope.Error.Code)
	}
}

func TestDecideMissingItemOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	res, data := doJSON(t, ts, http.MethodPost, "/v0/items/9999/decision",
		map[string]any{"decision": "approve"}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
}

func TestCreateProjectGrantsCreatorAdmin(t *testing.T) {
	ts := newTestServer(t)

	res, data := doJSON(t, ts, http.MethodPost, "/v0/projects",
		map[string]any{"id": "proj-2", "name": "Second Project"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}

	// The creator can immediately manage the project they just created.
	res, data = doJSON(t, ts, http.MethodPut, "/v0/projects/proj-2/status",
		map[string]any{"status": "for approval"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("creator locked out of own project: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, ts, http.MethodGet, "/v0/me?project_id=proj-2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var me MeResponse
	decodeJSON(t, data, &me)
	admin := false
	for _, r := range me.Roles {
		if r == "admin" {
			admin = true
		}
	}
	if !admin {
		t.Fatalf("creator roles on new project: %v", me.Roles)
	}
}

func TestListItemsOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	if _, err := ts.Engine.Decide(context.Background(), engine.DecideOptions{
		ItemID: 1, Decision: "approve", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, ts, http.MethodGet, "/v0/projects/proj-1/items?page=1&per_page=1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var out ItemListResponse
	decodeJSON(t, data, &out)
	if len(out.Data) != 1 {
		t.Fatalf("expected one item on the page, got %d", len(out.Data))
	}
	meta := out.Meta
	if meta.Page != 1 || meta.PerPage != 1 || meta.Total != 2 || meta.TotalPages != 2 {
		t.Fatalf("meta %+v", meta)
	}
	if meta.HasPrev || !meta.HasNext {
		t.Fatalf("meta paging flags %+v", meta)
	}
	if out.Summary.ProgressPercent != 25.00 {
		t.Fatalf("summary percent %v", out.Summary.ProgressPercent)
	}
	if out.Summary.StatusCounts["Approved"] != 1 || out.Summary.StatusCounts["Pending"] != 1 {
		t.Fatalf("status counts %v", out.Summary.StatusCounts)
	}

	// Status filter accepts aliases and rejects unknown values.
	res, data = doJSON(t, ts, http.MethodGet, "/v0/projects/proj-1/items?status=APPROVED", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	decodeJSON(t, data, &out)
	if len(out.Data) != 1 || out.Data[0].Status != "Approved" {
		t.Fatalf("filtered list: %+v", out.Data)
	}
	res, data = doJSON(t, ts, http.MethodGet, "/v0/projects/proj-1/items?status=done", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
}

func TestItemDetailOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	if _, err := ts.Engine.RecordSubmission(ctx, engine.SubmitOptions{
		ItemID: 1, ProgressPercent: 60, Summary: "first pass", SubmitterID: "field-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Engine.Decide(ctx, engine.DecideOptions{
		ItemID: 1, Decision: "return_for_revision", Remarks: "redo survey", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, ts, http.MethodGet, "/v0/items/1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var out ItemDetailResponse
	decodeJSON(t, data, &out)
	if out.Data.Item.ID != 1 || out.Data.Item.Status != "Needs Revision" {
		t.Fatalf("item: %+v", out.Data.Item)
	}
	if len(out.Data.Submissions) != 1 || out.Data.Submissions[0].VersionNo != 1 {
		t.Fatalf("submissions: %+v", out.Data.Submissions)
	}
	// sync entry plus the revision decision
	if len(out.Data.Logs) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(out.Data.Logs))
	}
	last := out.Data.Logs[len(out.Data.Logs)-1]
	if last.ActionType != "return_for_revision" || last.Remarks != "redo survey" {
		t.Fatalf("last log: %+v", last)
	}
}

func TestItemEndpointsHideExistenceFromUnauthorized(t *testing.T) {
	ts := newTestServer(t)

	// Without items.read, existing and missing ids are indistinguishable.
	for _, path := range []string{"/v0/items/1", "/v0/items/9999"} {
		res, data := doJSON(t, ts, http.MethodGet, path, nil,
			map[string]string{"X-Actor-Id": "stranger"})
		if res.StatusCode != http.StatusForbidden {
			t.Fatalf("GET %s as stranger: %d %s", path, res.StatusCode, data)
		}
	}
	for _, path := range []string{"/v0/items/1/submissions", "/v0/items/9999/submissions"} {
		res, data := doJSON(t, ts, http.MethodPost, path,
			map[string]any{"progress_percent": 10.0},
			map[string]string{"X-Actor-Id": "stranger"})
		if res.StatusCode != http.StatusForbidden {
			t.Fatalf("POST %s as stranger: %d %s", path, res.StatusCode, data)
		}
	}

	// An authorized caller still gets 404 for a missing id.
	res, data := doJSON(t, ts, http.MethodGet, "/v0/items/9999", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("GET missing item as tester: %d %s", res.StatusCode, data)
	}
}

func TestStatusTransitionOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	res, data := doJSON(t, ts, http.MethodPost, "/v0/projects/proj-1/status/validate",
		map[string]any{"status": "approved"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var check engine.TransitionCheck
	decodeJSON(t, data, &check)
	if check.OK {
		t.Fatalf("Draft -> Approved validated as legal")
	}

	res, data = doJSON(t, ts, http.MethodPut, "/v0/projects/proj-1/status",
		map[string]any{"status": "for approval"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, ts, http.MethodPut, "/v0/projects/proj-1/status",
		map[string]any{"status": "completed"}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
}

func TestUnauthenticatedRequest(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v0/projects/proj-1/items", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := ts.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", res.StatusCode)
	}

	// Health stays open.
	res2, err := ts.client.Get(ts.URL + "/v0/health")
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res2.StatusCode)
	}
}

func TestListMetaArithmetic(t *testing.T) {
	cases := []struct {
		page, perPage, total int
		want                 ListMeta
	}{
		{0, 0, 7, ListMeta{Page: 1, PerPage: 7, Total: 7, TotalPages: 1}},
		{1, 3, 7, ListMeta{Page: 1, PerPage: 3, Total: 7, TotalPages: 3, HasNext: true}},
		{2, 3, 7, ListMeta{Page: 2, PerPage: 3, Total: 7, TotalPages: 3, HasPrev: true, HasNext: true}},
		{3, 3, 7, ListMeta{Page: 3, PerPage: 3, Total: 7, TotalPages: 3, HasPrev: true}},
		{1, 5, 0, ListMeta{Page: 1, PerPage: 5, Total: 0, TotalPages: 1}},
	}
	for _, tc := range cases {
		got := newListMeta(tc.page, tc.perPage, tc.total)
		if got != tc.want {
			t.Fatalf("newListMeta(%d,%d,%d) = %+v, want %+v", tc.page, tc.perPage, tc.total, got, tc.want)
		}
	}
}

func TestSubmissionOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	res, data := doJSON(t, ts, http.MethodPost, "/v0/items/2/submissions",
		map[string]any{"progress_percent": 40.0, "summary": "halfway"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var sub struct {
		VersionNo   int    `json:"version_no"`
		SubmittedBy string `json:"submitted_by"`
	}
	decodeJSON(t, data, &sub)
	if sub.VersionNo != 1 || sub.SubmittedBy != "tester" {
		t.Fatalf("submission: %+v", sub)
	}

	res, data = doJSON(t, ts, http.MethodGet, "/v0/items/2/submissions", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var subs []json.RawMessage
	decodeJSON(t, data, &subs)
	if len(subs) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(subs))
	}
}

func TestProgressOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	if _, err := ts.Engine.Decide(context.Background(), engine.DecideOptions{
		ItemID: 1, Decision: "approve", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, ts, http.MethodGet, "/v0/projects/proj-1/progress?history=true", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var out ProgressResponse
	decodeJSON(t, data, &out)
	if out.ProgressPercent != 25.00 {
		t.Fatalf("percent %v", out.ProgressPercent)
	}
	if out.LastSnapshot == nil || out.LastSnapshot.ProgressPercent != 25.00 {
		t.Fatalf("snapshot: %+v", out.LastSnapshot)
	}
	if len(out.History) != 1 {
		t.Fatalf("history rows: %d", len(out.History))
	}
}

func TestRBACGrantOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	res, data := doJSON(t, ts, http.MethodPost, "/v0/projects/proj-1/rbac/grant",
		map[string]any{"actor_id": "rev-1", "role_id": "reviewer"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, ts, http.MethodPost, "/v0/items/1/decision",
		map[string]any{"decision": "approve"}, map[string]string{"X-Actor-Id": "rev-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("granted reviewer could not decide: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, ts, http.MethodPost, "/v0/projects/proj-1/rbac/revoke",
		map[string]any{"actor_id": "rev-1", "role_id": "reviewer"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, ts, http.MethodPost, "/v0/items/2/decision",
		map[string]any{"decision": "approve"}, map[string]string{"X-Actor-Id": "rev-1"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("revoked reviewer still allowed: %d", res.StatusCode)
	}
}

func TestMeOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	res, data := doJSON(t, ts, http.MethodGet, "/v0/me?project_id=proj-1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var out MeResponse
	decodeJSON(t, data, &out)
	if out.ActorID != "tester" {
		t.Fatalf("actor %q", out.ActorID)
	}
	found := false
	for _, r := range out.Roles {
		if r == "admin" {
			found = true
		}
	}
	if !found {
		t.Fatalf("admin role missing: %v", out.Roles)
	}
}
