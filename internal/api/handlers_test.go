package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fluxline/fluxline/internal/config"
	"github.com/fluxline/fluxline/internal/engine"
	"github.com/fluxline/fluxline/internal/orchestrator"
	"github.com/fluxline/fluxline/internal/queue"
	"github.com/fluxline/fluxline/internal/registry"
	"github.com/fluxline/fluxline/internal/router"
	"github.com/fluxline/fluxline/internal/runstore"
	"github.com/fluxline/fluxline/pkg/types"
)

func newTestServer(t *testing.T) (http.Handler, *orchestrator.Orchestrator, registry.TaskRegistry) {
	t.Helper()

	store := runstore.NewMemoryStore(nil)
	reg := registry.NewMemoryRegistry()
	q := queue.NewMemoryQueue(func(ctx context.Context, job *queue.Job) (*queue.Outcome, error) {
		return &queue.Outcome{State: queue.OutcomeSuccess, Score: 1.0}, nil
	})
	rtr := router.New(nil, router.LoadPriors(""), nil, nil)
	eng := engine.New(reg, rtr, q, store, nil)
	orch := orchestrator.New(store, reg, eng, nil, &orchestrator.Config{
		FailurePolicy: types.FailContinue,
		BackoffBase:   time.Millisecond,
		BackoffCap:    time.Millisecond,
	}, nil)

	cfg := &config.Config{CORSOrigins: []string{"*"}}
	handlers := NewHandlers(store, reg, orch, cfg, nil)
	return NewServer(handlers).Router(), orch, reg
}

func registerTestTask(t *testing.T, srv http.Handler, name string) {
	t.Helper()

	def := types.TaskDefinition{
		Name:      name,
		Type:      types.TaskTypeCoding,
		AgentType: "coder",
		Required:  true,
	}
	body, _ := json.Marshal(def)
	req := httptest.NewRequest("POST", "/api/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register task %s: expected 201, got %d: %s", name, rec.Code, rec.Body.String())
	}
}

func TestTaskEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	registerTestTask(t, srv, "plan")
	registerTestTask(t, srv, "build")

	t.Run("list returns registered tasks", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/tasks", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		var resp struct {
			Tasks []*types.TaskDefinition `json:"tasks"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if len(resp.Tasks) != 2 {
			t.Errorf("expected 2 tasks, got %d", len(resp.Tasks))
		}
	})

	t.Run("get unknown task returns 404", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/tasks/nope", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("invalid definition rejected", func(t *testing.T) {
		body := []byte(`{"name":"","type":"coding","agent_type":"coder"}`)
		req := httptest.NewRequest("POST", "/api/v1/tasks", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestRunLifecycle(t *testing.T) {
	srv, orch, _ := newTestServer(t)

	registerTestTask(t, srv, "plan")
	registerTestTask(t, srv, "build")

	definition := map[string]interface{}{
		"name": "ship-it",
		"stages": []map[string]interface{}{
			{"name": "plan", "agent": "coder", "task_type": "coding"},
			{"name": "build", "agent": "coder", "task_type": "coding", "dependencies": []string{"plan"}},
		},
	}
	defJSON, _ := json.Marshal(definition)
	envelope, _ := json.Marshal(map[string]interface{}{"definition": json.RawMessage(defJSON)})

	req := httptest.NewRequest("POST", "/api/v1/runs", bytes.NewReader(envelope))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create run: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created CreateRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.RunID == "" {
		t.Fatal("expected a run id")
	}
	if created.Status != string(types.RunStatusIdle) {
		t.Errorf("expected idle status, got %s", created.Status)
	}

	req = httptest.NewRequest("POST", fmt.Sprintf("/api/v1/runs/%s/start", created.RunID), nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("start run: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	orch.Wait(created.RunID)

	req = httptest.NewRequest("GET", fmt.Sprintf("/api/v1/runs/%s/summary", created.RunID), nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("summary: expected 200, got %d", rec.Code)
	}

	var summary types.RunSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Status != types.RunStatusCompleted {
		t.Errorf("expected completed run, got %s", summary.Status)
	}
	if len(summary.CompletedNodes) != 2 {
		t.Errorf("expected 2 completed nodes, got %v", summary.CompletedNodes)
	}

	req = httptest.NewRequest("GET", fmt.Sprintf("/api/v1/runs/%s/results", created.RunID), nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("results: expected 200, got %d", rec.Code)
	}
	var results struct {
		Results []*types.TaskResult `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if len(results.Results) != 2 {
		t.Errorf("expected 2 results, got %d", len(results.Results))
	}
}

func TestCreateRunValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	t.Run("unregistered task rejected", func(t *testing.T) {
		defJSON := []byte(`{"name":"p","stages":[{"name":"x","agent":"coder","task_type":"coding"}]}`)
		envelope, _ := json.Marshal(map[string]interface{}{"definition": json.RawMessage(defJSON)})
		req := httptest.NewRequest("POST", "/api/v1/runs", bytes.NewReader(envelope))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("missing definition rejected", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/runs", bytes.NewReader([]byte(`{}`)))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("yaml definition accepted", func(t *testing.T) {
		registerTestTask(t, srv, "solo")
		yamlDef := "name: yaml-pipe\nstages:\n  - name: solo\n    agent: coder\n    task_type: coding\n"
		req := httptest.NewRequest("POST", "/api/v1/runs", bytes.NewReader([]byte(yamlDef)))
		req.Header.Set("Content-Type", "application/yaml")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusCreated {
			t.Errorf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("unknown run returns 404", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/runs/ghost", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}
