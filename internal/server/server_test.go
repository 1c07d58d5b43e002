package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/executor"
	"flowline/internal/migrate"
	"flowline/internal/orchestrator"
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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("ws-1")
	o, err := orchestrator.New(context.Background(), conn, cfg, executor.Echo())
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	handler, err := New(Config{Orchestrator: o, BasePath: "/v0"})
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

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
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

func chainGoalBody() map[string]any {
	return map[string]any{
		"description":  "ship the launch post",
		"target_value": 2,
		"tasks": []map[string]any{
			{"key": "draft", "title": "Draft post"},
			{"key": "edit", "title": "Edit post", "depends_on": []string{"draft"}},
		},
	}
}

func TestSubmitGoalAndInspectFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/goals", chainGoalBody())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit goal status %d: %s", res.StatusCode, string(data))
	}
	var goal domain.Goal
	if err := json.Unmarshal(data, &goal); err != nil {
		t.Fatalf("unmarshal goal: %v", err)
	}
	if goal.Status != "active" || goal.WorkspaceID != "ws-1" {
		t.Fatalf("goal %+v", goal)
	}

	flowRes, flowBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/goals/"+goal.ID+"/flow", nil)
	if flowRes.StatusCode != http.StatusOK {
		t.Fatalf("flow status %d: %s", flowRes.StatusCode, string(flowBody))
	}
	var flow struct {
		Flow domain.OrchestrationFlow `json:"flow"`
	}
	if err := json.Unmarshal(flowBody, &flow); err != nil {
		t.Fatalf("unmarshal flow: %v", err)
	}
	if flow.Flow.CurrentStage != domain.StageGoalDecomposition {
		t.Fatalf("fresh flow stage %s", flow.Flow.CurrentStage)
	}

	readyRes, readyBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces/ws-1/ready", nil)
	if readyRes.StatusCode != http.StatusOK {
		t.Fatalf("ready status %d: %s", readyRes.StatusCode, string(readyBody))
	}
	var ready []string
	_ = json.Unmarshal(readyBody, &ready)
	if len(ready) != 1 {
		t.Fatalf("only the root of the chain should be ready, got %v", ready)
	}
}

func TestCyclicGoalRejectedWithConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	body := map[string]any{
		"description":  "impossible",
		"target_value": 1,
		"tasks": []map[string]any{
			{"key": "a", "title": "A", "depends_on": []string{"b"}},
			{"key": "b", "title": "B", "depends_on": []string{"a"}},
		},
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/goals", body)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for cyclic spec, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "dependency_cycle" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}
}

func TestPauseResumeAndConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/goals", chainGoalBody())
	var goal domain.Goal
	_ = json.Unmarshal(data, &goal)

	pauseRes, pauseBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/goals/"+goal.ID+"/flow/pause", nil)
	if pauseRes.StatusCode != http.StatusOK {
		t.Fatalf("pause status %d: %s", pauseRes.StatusCode, string(pauseBody))
	}
	again, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v0/goals/"+goal.ID+"/flow/pause", nil)
	if again.StatusCode != http.StatusConflict {
		t.Fatalf("second pause should conflict, got %d", again.StatusCode)
	}
	resumeRes, resumeBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/goals/"+goal.ID+"/flow/resume", nil)
	if resumeRes.StatusCode != http.StatusOK {
		t.Fatalf("resume status %d: %s", resumeRes.StatusCode, string(resumeBody))
	}
}

func TestGetMissingGoalReturnsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/goals/no-such-goal", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}
