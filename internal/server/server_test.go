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

	"tokengovernor/internal/config"
	"tokengovernor/internal/db"
	"tokengovernor/internal/domain"
	"tokengovernor/internal/engine"
	"tokengovernor/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("proj-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
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

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

func TestUsageThresholdAndCheckpointFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowLegacyActorHeader: true})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id":    "proj-1",
		"owner": "tester",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents", map[string]any{
		"id":         "agent-1",
		"project_id": "proj-1",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create agent: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"id":               "task-1",
		"agent_id":         "agent-1",
		"project_id":       "proj-1",
		"estimated_tokens": 1000,
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created domain.Task
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.Complexity != domain.ComplexityComplex {
		t.Fatalf("complexity %s, want complex", created.Complexity)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/task-1/start", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start task: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/usage", map[string]any{
		"task_id": "task-1",
		"tokens":  900,
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("report usage: %d %s", res.StatusCode, string(data))
	}
	var usage ReportUsageResponse
	if err := json.Unmarshal(data, &usage); err != nil {
		t.Fatalf("unmarshal usage: %v", err)
	}
	if !usage.CheckpointRequested || usage.Utilization != 90 {
		t.Fatalf("expected checkpoint request at 90%%: %+v", usage)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/task-1/checkpoint/confirm", map[string]any{
		"storage_ref": "s3://cp/1",
		"generation":  1,
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm checkpoint: %d %s", res.StatusCode, string(data))
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.CheckpointState != domain.CheckpointSaved {
		t.Fatalf("checkpoint state %s, want saved", task.CheckpointState)
	}

	// stale generation is a conflict
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/task-1/checkpoint/confirm", map[string]any{
		"storage_ref": "s3://cp/2",
		"generation":  1,
	}, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-1/budget", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("budget: %d %s", res.StatusCode, string(data))
	}
	var budget BudgetStatusResponse
	if err := json.Unmarshal(data, &budget); err != nil {
		t.Fatalf("unmarshal budget: %v", err)
	}
	if budget.Used != 900 || budget.AlertLevel != "ok" {
		t.Fatalf("budget: %+v", budget)
	}
}

func TestUnauthorizedWithoutCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	// legacy header does not bypass auth unless enabled
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/status", nil, actorHeader)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("legacy header accepted: %d %s", res.StatusCode, string(data))
	}
	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}

func TestDuplicateProjectConflict(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowLegacyActorHeader: true})
	defer cleanup()
	client := srv.Client()

	body := map[string]any{"id": "proj-1", "owner": "tester"}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", body, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", body, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "duplicate_id" {
		t.Fatalf("error code %s, want duplicate_id", envelope.Error.Code)
	}
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "test-secret", DevLogin: true})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "tester",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatalf("empty token")
	}
	bearer := map[string]string{"Authorization": "Bearer " + login.Token}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id":    "proj-1",
		"owner": "tester",
	}, bearer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with bearer: %d %s", res.StatusCode, string(data))
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if p.Owner != "tester" {
		t.Fatalf("owner %s, want tester", p.Owner)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token accepted: %d %s", res.StatusCode, string(data))
	}
}
