package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"treeline/internal/config"
	"treeline/internal/db"
	"treeline/internal/engine"
	"treeline/internal/layout"
	"treeline/internal/migrate"
	"treeline/internal/model"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("prod-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProduct(context.Background(), "prod-1", "Atlas", "", "tester"); err != nil {
		t.Fatalf("init product: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func seedTree(t *testing.T, srv *testServer) {
	t.Helper()
	client := srv.Client()
	res, body := doJSON(t, client, http.MethodPut, srv.URL+"/v0/products/prod-1/domains/dom-1", map[string]any{
		"name": "Billing",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert domain status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v0/products/prod-1/domains/dom-1/features/feat-1", map[string]any{
		"name":     "Invoices",
		"priority": "HIGH",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert feature status %d: %s", res.StatusCode, string(body))
	}
	for id, completion := range map[string]int{"sub-1": 100, "sub-2": 50, "sub-3": 0} {
		res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v0/products/prod-1/features/feat-1/subtasks/"+id, map[string]any{
			"name":       "step " + id,
			"completion": completion,
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("upsert subtask %s status %d: %s", id, res.StatusCode, string(body))
		}
	}
}

func TestTreeEndpointDerivesCompletion(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedTree(t, srv)

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/products/prod-1/tree", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tree status %d: %s", res.StatusCode, string(body))
	}
	var p model.Product
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("unmarshal tree: %v", err)
	}
	if p.Completion != 50 {
		t.Fatalf("product completion = %d, want 50", p.Completion)
	}
	if len(p.Domains) != 1 || len(p.Domains[0].Features) != 1 {
		t.Fatalf("unexpected tree shape: %+v", p)
	}
	f := p.Domains[0].Features[0]
	if f.Completion != 50 || f.Status != model.StatusInProgress {
		t.Fatalf("feature = %d %s, want 50 in-progress", f.Completion, f.Status)
	}
}

func TestLayoutEndpointExpandsAndFilters(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedTree(t, srv)

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/products/prod-1/layout?all=true", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("layout status %d: %s", res.StatusCode, string(body))
	}
	var full layout.Result
	if err := json.Unmarshal(body, &full); err != nil {
		t.Fatalf("unmarshal layout: %v", err)
	}
	// product + domain + feature + 3 subtasks
	if len(full.Nodes) != 6 || len(full.Edges) != 5 {
		t.Fatalf("full layout nodes=%d edges=%d", len(full.Nodes), len(full.Edges))
	}
	if full.Nodes[0].Level != model.LevelProduct || full.Nodes[0].Y != 0 {
		t.Fatalf("first node not product at y=0: %+v", full.Nodes[0])
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/products/prod-1/layout", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("collapsed layout status %d: %s", res.StatusCode, string(body))
	}
	var collapsed layout.Result
	if err := json.Unmarshal(body, &collapsed); err != nil {
		t.Fatalf("unmarshal layout: %v", err)
	}
	if len(collapsed.Nodes) != 2 {
		t.Fatalf("collapsed layout nodes=%d, want product+domain", len(collapsed.Nodes))
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/products/prod-1/layout?all=true&status=complete", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered layout status %d: %s", res.StatusCode, string(body))
	}
	var filtered layout.Result
	if err := json.Unmarshal(body, &filtered); err != nil {
		t.Fatalf("unmarshal layout: %v", err)
	}
	// product, domain, feature kept leaf-up, only sub-1 complete
	if len(filtered.Nodes) != 4 {
		t.Fatalf("filtered layout nodes=%d, want 4", len(filtered.Nodes))
	}
	for _, n := range filtered.Nodes {
		if n.Level == model.LevelSubtask && n.ID != "sub-1" {
			t.Fatalf("filter leaked subtask %s", n.ID)
		}
	}
}

func TestLayoutDuplicateExpandedIDs(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedTree(t, srv)

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/products/prod-1/layout?expanded=dom-1,dom-1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("layout status %d: %s", res.StatusCode, string(body))
	}
	var result layout.Result
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("unmarshal layout: %v", err)
	}
	// A repeated id is still one expansion: product, domain, feature.
	if len(result.Nodes) != 3 {
		t.Fatalf("duplicate expanded id collapsed the domain: %d nodes", len(result.Nodes))
	}
}

func TestEventsEndpointCursor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedTree(t, srv)
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/products/prod-1/events?limit=100", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(body))
	}
	var latest []EventResponse
	if err := json.Unmarshal(body, &latest); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(latest) == 0 {
		t.Fatalf("seeding produced no events")
	}
	cursor := latest[0].ID // newest first

	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v0/products/prod-1/features/feat-1/subtasks/sub-4", map[string]any{
		"name":       "late step",
		"completion": 10,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert after cursor status %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+fmt.Sprintf("/v0/products/prod-1/events?after=%d", cursor), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cursor events status %d: %s", res.StatusCode, string(body))
	}
	var after []EventResponse
	if err := json.Unmarshal(body, &after); err != nil {
		t.Fatalf("unmarshal cursor events: %v", err)
	}
	if len(after) != 1 || after[0].Type != "subtask.upserted" || after[0].EntityID != "sub-4" {
		t.Fatalf("cursor should return only the new event, got %+v", after)
	}
	if after[0].ID <= cursor {
		t.Fatalf("cursor not honored: id %d <= %d", after[0].ID, cursor)
	}
}

func TestScoreEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedTree(t, srv)

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/products/prod-1/score", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("score status %d: %s", res.StatusCode, string(body))
	}
	var score ScoreResponse
	if err := json.Unmarshal(body, &score); err != nil {
		t.Fatalf("unmarshal score: %v", err)
	}
	// single HIGH domain: weighted score equals its completion
	if score.Score != 50 {
		t.Fatalf("score = %d, want 50", score.Score)
	}
}

func TestErrorEnvelopeMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedTree(t, srv)

	res, body := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/products/prod-1/features/missing/subtasks/sub-x", map[string]any{
		"name": "orphan",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing feature status %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("error code = %q, want not_found", envelope.Error.Code)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/products/prod-1/features/feat-1/subtasks/sub-bad", map[string]any{
		"name":       "bad",
		"completion": 50,
		"status":     "complete",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status mismatch response %d: %s", res.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_entity" {
		t.Fatalf("error code = %q, want invalid_entity", envelope.Error.Code)
	}
}

func TestDependencyCheckEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedTree(t, srv)
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPut, srv.URL+"/v0/products/prod-1/domains/dom-1/features/feat-2", map[string]any{
		"name":         "Refunds",
		"dependencies": []string{"feat-1"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert feat-2 status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/products/prod-1/dependencies/check", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check status %d: %s", res.StatusCode, string(body))
	}
	var check DependencyCheckResponse
	if err := json.Unmarshal(body, &check); err != nil {
		t.Fatalf("unmarshal check: %v", err)
	}
	if !check.OK {
		t.Fatalf("acyclic graph flagged: %+v", check)
	}

	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v0/products/prod-1/domains/dom-1/features/feat-1", map[string]any{
		"name":         "Invoices",
		"priority":     "HIGH",
		"dependencies": []string{"feat-2"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close cycle status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/products/prod-1/dependencies/check", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check status %d: %s", res.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &check); err != nil {
		t.Fatalf("unmarshal check: %v", err)
	}
	if check.OK || len(check.Cycle) != 2 {
		t.Fatalf("cycle not reported: %+v", check)
	}
}

func TestAuthMiddlewareRejectsWithoutToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	// separate handler with auth enforced
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("prod-1"))
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: "s3cret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	authSrv := &http.Server{Handler: handler}
	go authSrv.Serve(ln)
	defer func() {
		authSrv.Shutdown(context.Background())
		ln.Close()
	}()
	url := "http://" + ln.Addr().String()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, url+"/v0/products", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d, want 401", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, url+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health behind auth status %d, want 200", res.StatusCode)
	}
}
