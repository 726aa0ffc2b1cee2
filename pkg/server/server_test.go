package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"emfit/pkg/metadata"
	"emfit/pkg/pipeline"
)

type fakeSource struct {
	states []pipeline.ItemState
}

func (f *fakeSource) ID() string {
	return "batch_test"
}

func (f *fakeSource) States() []pipeline.ItemState {
	return f.states
}

func (f *fakeSource) State(name string) (pipeline.ItemState, bool) {
	for _, st := range f.states {
		if st.Name == name {
			return st, true
		}
	}
	return pipeline.ItemState{}, false
}

func (f *fakeSource) Summary() map[pipeline.Status]int {
	counts := make(map[pipeline.Status]int)
	for _, st := range f.states {
		counts[st.Status]++
	}
	return counts
}

func newTestServer(t *testing.T) *Server {
	gin.SetMode(gin.TestMode)

	path := filepath.Join(t.TempDir(), "done.yaml")
	doc := metadata.New("done")
	doc.Values[metadata.KeyDefocus] = 1.25
	if err := metadata.Save(doc, path); err != nil {
		t.Fatal(err)
	}

	return New(&fakeSource{states: []pipeline.ItemState{
		{Name: "done", Status: pipeline.StatusDone, Result: path},
		{Name: "running", Status: pipeline.StatusRunning, Stage: "ctf"},
		{Name: "broken", Status: pipeline.StatusFailed, Error: "unsupported format"},
	}})
}

func get(t *testing.T, s *Server, url string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, url, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestPing(t *testing.T) {
	w := get(t, newTestServer(t), "/api/v1/ping")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["message"] != "pong" {
		t.Errorf("Expected pong, got %v", body)
	}
}

func TestItems(t *testing.T) {
	s := newTestServer(t)

	w := get(t, s, "/api/v1/items")
	var states []pipeline.ItemState
	if err := json.Unmarshal(w.Body.Bytes(), &states); err != nil {
		t.Fatal(err)
	}
	if len(states) != 3 || states[2].Error != "unsupported format" {
		t.Errorf("Unexpected items %+v", states)
	}

	w = get(t, s, "/api/v1/batch")
	var batch struct {
		ID     string         `json:"id"`
		Counts map[string]int `json:"counts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &batch); err != nil {
		t.Fatal(err)
	}
	if batch.ID != "batch_test" {
		t.Errorf("Expected batch_test, got %q", batch.ID)
	}
	if batch.Counts["done"] != 1 || batch.Counts["failed"] != 1 || batch.Counts["running"] != 1 {
		t.Errorf("Unexpected counts %v", batch.Counts)
	}
}

func TestItemRoutes(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		url  string
		code int
	}{
		{"/api/v1/items/running", http.StatusOK},
		{"/api/v1/items/missing", http.StatusNotFound},
		{"/api/v1/items/done/result", http.StatusOK},
		{"/api/v1/items/running/result", http.StatusNotFound},
		{"/api/v1/items/broken/result", http.StatusNotFound},
		{"/api/v1/items/missing/result", http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := get(t, s, tt.url); w.Code != tt.code {
			t.Errorf("GET %s: expected %d, got %d", tt.url, tt.code, w.Code)
		}
	}
}

func TestResultServesMetadata(t *testing.T) {
	w := get(t, newTestServer(t), "/api/v1/items/done/result")
	var doc metadata.Document
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Name != "done" || doc.Values[metadata.KeyDefocus] != 1.25 {
		t.Errorf("Unexpected document %+v", doc)
	}
}
