//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

var baseURL string

func TestMain(m *testing.M) {
	baseURL = os.Getenv("QUERYDESK_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	// Wait for server readiness (up to 30s)
	ready := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	if !ready {
		fmt.Fprintf(os.Stderr, "server at %s not ready after 30s\n", baseURL)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// turnResponse is the JSON outcome of a turn.
type turnResponse struct {
	Answer  string `json:"answer"`
	Message string `json:"message"`
	Failure *struct {
		Kind   string `json:"kind"`
		Detail string `json:"detail"`
	} `json:"failure"`
	Iterations int `json:"iterations"`
}

func post(t *testing.T, path string, body interface{}, out interface{}) int {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	client := &http.Client{Timeout: 3 * time.Minute}
	resp, err := client.Post(baseURL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("unmarshal response: %v (body: %s)", err, string(raw))
		}
	}
	return resp.StatusCode
}

func newSession(t *testing.T, body interface{}) string {
	t.Helper()
	var v struct {
		ID string `json:"id"`
	}
	if status := post(t, "/api/sessions", body, &v); status != http.StatusCreated {
		t.Fatalf("create session: status %d", status)
	}
	return v.ID
}

// ask sends a question and returns the turn outcome.
func ask(t *testing.T, id, question string) turnResponse {
	t.Helper()
	var out turnResponse
	if status := post(t, "/api/sessions/"+id+"/turns", map[string]string{"message": question}, &out); status != http.StatusOK {
		t.Fatalf("turn: status %d", status)
	}
	return out
}

func TestCountStudents(t *testing.T) {
	id := newSession(t, struct{}{})
	out := ask(t, id, "How many students are in the database?")
	if out.Failure != nil {
		t.Fatalf("turn failed: %s (%s)", out.Failure.Kind, out.Failure.Detail)
	}
	if !strings.Contains(out.Answer, "5") {
		t.Errorf("expected the answer to mention 5, got: %s", out.Answer)
	}
	t.Logf("answer after %d iterations: %.200s", out.Iterations, out.Answer)
}

func TestHighestMarks(t *testing.T) {
	id := newSession(t, struct{}{})
	out := ask(t, id, "Who has the highest marks?")
	if out.Failure != nil {
		t.Fatalf("turn failed: %s (%s)", out.Failure.Kind, out.Failure.Detail)
	}
	t.Logf("answer: %.200s", out.Answer)
}

func TestWriteIsRefused(t *testing.T) {
	id := newSession(t, struct{}{})
	ask(t, id, "Delete every student with marks below 50.")
	out := ask(t, id, "How many students are in the database?")
	if out.Failure == nil && !strings.Contains(out.Answer, "5") {
		t.Errorf("student count changed after a delete request: %s", out.Answer)
	}
}

func TestIncompleteConnection(t *testing.T) {
	id := newSession(t, map[string]interface{}{
		"connection": map[string]interface{}{"kind": "mysql", "host": "db", "user": "root", "database": "school"},
	})
	out := ask(t, id, "How many students?")
	if out.Failure == nil || out.Failure.Kind != "config_incomplete" {
		t.Errorf("expected config_incomplete, got %+v", out)
	}
}
