package retrieval_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/switchboard-voice/switchboard/internal/resilience"
	"github.com/switchboard-voice/switchboard/internal/retrieval"
)

func TestQuery_SendsQuestionAndBearerToken(t *testing.T) {
	t.Parallel()

	var gotAuth, gotAction string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAction = r.URL.Query().Get("action")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"answer":  "We close at 9pm on weekdays.",
			"sources": []string{"hours.txt"},
		})
	}))
	defer srv.Close()

	c := retrieval.New(srv.URL, "secret-key")
	ans, err := c.Query(t.Context(), "when do you close?", nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	if gotAuth != "Bearer secret-key" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotAction != "rag_query" {
		t.Errorf("action = %q, want rag_query", gotAction)
	}
	if gotBody["question"] != "when do you close?" {
		t.Errorf("question = %v", gotBody["question"])
	}
	if ans.Answer != "We close at 9pm on weekdays." {
		t.Errorf("answer = %q", ans.Answer)
	}
	if len(ans.Sources) != 1 || ans.Sources[0] != "hours.txt" {
		t.Errorf("sources = %v", ans.Sources)
	}
}

func TestQuery_NoAPIKey_OmitsAuthHeader(t *testing.T) {
	t.Parallel()

	var sawAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawAuth = r.Header["Authorization"]
		json.NewEncoder(w).Encode(map[string]any{"answer": "ok"})
	}))
	defer srv.Close()

	c := retrieval.New(srv.URL, "")
	if _, err := c.Query(t.Context(), "anything", nil); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if sawAuth {
		t.Error("Authorization header must be omitted when no key is configured")
	}
}

func TestQuery_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := retrieval.New(srv.URL, "")
	if _, err := c.Query(t.Context(), "anything", nil); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}

func TestQuery_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "backend down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := retrieval.New(srv.URL, "")
	for range 5 {
		if _, err := c.Query(t.Context(), "anything", nil); err == nil {
			t.Fatal("expected an error for a non-200 response")
		}
	}

	_, err := c.Query(t.Context(), "anything", nil)
	if !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("Query after repeated failures = %v, want ErrOpen", err)
	}
	if hits != 5 {
		t.Errorf("server hit %d times, want 5 (open breaker must not forward)", hits)
	}
}

func TestAddDocument(t *testing.T) {
	t.Parallel()

	var gotAction string
	var gotBody retrieval.Source
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAction = r.URL.Query().Get("action")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{"message": "added"})
	}))
	defer srv.Close()

	c := retrieval.New(srv.URL, "")
	err := c.AddDocument(t.Context(), retrieval.Source{
		Source:     "https://example.com/menu.pdf",
		SourceType: "url",
	})
	if err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if gotAction != "add_document" {
		t.Errorf("action = %q, want add_document", gotAction)
	}
	if gotBody.Source != "https://example.com/menu.pdf" || gotBody.SourceType != "url" {
		t.Errorf("payload = %+v", gotBody)
	}
}

func TestHealthy(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") != "stats" {
			t.Errorf("action = %q, want stats", r.URL.Query().Get("action"))
		}
		json.NewEncoder(w).Encode(map[string]any{"documents": 3})
	}))
	defer srv.Close()

	if err := retrieval.New(srv.URL, "").Healthy(t.Context()); err != nil {
		t.Errorf("Healthy: %v", err)
	}
}

func TestHealthy_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	if err := retrieval.New(srv.URL, "").Healthy(t.Context()); err == nil {
		t.Error("expected an error when the endpoint is unreachable")
	}
}
