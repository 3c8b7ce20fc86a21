package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kbchat/kb-web-ui/internal/models"
	"github.com/kbchat/kb-web-ui/internal/services"
)

func streamServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("backend called with method %s, want POST", r.Method)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if req["response_mode"] != "streaming" {
			t.Errorf("response_mode = %v, want streaming", req["response_mode"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprintf(w, "%s\n\n", frame)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

type asker interface {
	Ask(ctx context.Context, query, conversationID, userID string) iter.Seq[models.StreamResult]
}

func collectResults(kb asker, query string) []models.StreamResult {
	var results []models.StreamResult
	for res := range kb.Ask(context.Background(), query, "", "tester") {
		results = append(results, res)
	}
	return results
}

func TestAskStreamsAnswer(t *testing.T) {
	srv := streamServer(t,
		`data: {"event":"message","answer":"Hel"}`,
		`data: {"event":"message","answer":"lo"}`,
		`data: {"event":"message_end","metadata":{"retriever_resources":[]}}`,
	)
	defer srv.Close()

	kb := services.NewKnowledgeBackend(srv.URL, "key", 0, discardLogger())
	results := collectResults(kb, "hello")

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3: %+v", len(results), results)
	}
	if results[0].Text != "Hel" || results[1].Text != "lo" {
		t.Errorf("text deltas = %q, %q, want Hel, lo", results[0].Text, results[1].Text)
	}
	last := results[2]
	if !last.Done {
		t.Error("terminal result is not done")
	}
	if last.Err != "" {
		t.Errorf("terminal result carries error %q", last.Err)
	}
	if last.Citations == nil || len(last.Citations) != 0 {
		t.Errorf("terminal citations = %v, want empty list", last.Citations)
	}
}

func TestAskAttachesCitations(t *testing.T) {
	srv := streamServer(t,
		`data: {"event":"message","answer":"grounded"}`,
		`data: {"event":"message_end","metadata":{"retriever_resources":[{"content":"snippet","dataset_id":"d1","document_id":"doc1","document_name":"Doc One","score":0.87}]}}`,
	)
	defer srv.Close()

	kb := services.NewKnowledgeBackend(srv.URL, "key", 0, discardLogger())
	results := collectResults(kb, "hello")

	last := results[len(results)-1]
	if !last.Done {
		t.Fatal("terminal result is not done")
	}
	if len(last.Citations) != 1 {
		t.Fatalf("got %d citations, want 1", len(last.Citations))
	}
	c := last.Citations[0]
	if c.DocumentID != "doc1" || c.DocumentName != "Doc One" || c.Content != "snippet" {
		t.Errorf("citation = %+v", c)
	}
	if c.Score == nil || *c.Score != 0.87 {
		t.Errorf("citation score = %v, want 0.87", c.Score)
	}
}

func TestAskHandshakeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	kb := services.NewKnowledgeBackend(srv.URL, "key", 0, discardLogger())
	results := collectResults(kb, "hello")

	if len(results) != 1 {
		t.Fatalf("got %d results, want exactly 1: %+v", len(results), results)
	}
	if !results[0].Done {
		t.Error("handshake failure result is not terminal")
	}
	if results[0].Err == "" {
		t.Error("handshake failure result carries no error message")
	}
	if results[0].Text != "" {
		t.Errorf("handshake failure result carries text %q", results[0].Text)
	}
}

func TestAskUnreachableBackend(t *testing.T) {
	kb := services.NewKnowledgeBackend("http://127.0.0.1:1", "key", 0, discardLogger())
	results := collectResults(kb, "hello")

	if len(results) != 1 {
		t.Fatalf("got %d results, want exactly 1", len(results))
	}
	if !results[0].Done || results[0].Err == "" {
		t.Errorf("result = %+v, want terminal error", results[0])
	}
}

func TestAskGracefulTruncation(t *testing.T) {
	const deltas = 5
	frames := make([]string, deltas)
	for i := range frames {
		frames[i] = fmt.Sprintf(`data: {"event":"message","answer":"chunk%d"}`, i)
	}
	// No terminal frame: the connection just closes.
	srv := streamServer(t, frames...)
	defer srv.Close()

	kb := services.NewKnowledgeBackend(srv.URL, "key", 0, discardLogger())
	results := collectResults(kb, "hello")

	if len(results) != deltas+1 {
		t.Fatalf("got %d results, want %d", len(results), deltas+1)
	}
	for i := 0; i < deltas; i++ {
		if want := fmt.Sprintf("chunk%d", i); results[i].Text != want {
			t.Errorf("result %d text = %q, want %q", i, results[i].Text, want)
		}
		if results[i].Done {
			t.Errorf("result %d is terminal before the stream ended", i)
		}
	}
	last := results[deltas]
	if !last.Done || last.Err != "" || len(last.Citations) != 0 {
		t.Errorf("truncation terminal = %+v, want bare done", last)
	}
}

func TestAskBackendErrorFrame(t *testing.T) {
	srv := streamServer(t,
		`data: {"event":"message","answer":"par"}`,
		`data: {"event":"error","message":"model overloaded"}`,
	)
	defer srv.Close()

	kb := services.NewKnowledgeBackend(srv.URL, "key", 0, discardLogger())
	results := collectResults(kb, "hello")

	last := results[len(results)-1]
	if !last.Done {
		t.Error("error result is not terminal")
	}
	if last.Err != "model overloaded" {
		t.Errorf("error = %q, want backend message", last.Err)
	}
}

func TestAskSkipsUnknownEvents(t *testing.T) {
	srv := streamServer(t,
		`data: {"event":"ping"}`,
		`data: {"event":"message","answer":"ok"}`,
		`data: {"event":"workflow_started","data":{}}`,
		`data: {"event":"message_end"}`,
	)
	defer srv.Close()

	kb := services.NewKnowledgeBackend(srv.URL, "key", 0, discardLogger())
	results := collectResults(kb, "hello")

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2: %+v", len(results), results)
	}
	if results[0].Text != "ok" {
		t.Errorf("text = %q, want ok", results[0].Text)
	}
}

func TestAskBlocking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if req["response_mode"] != "blocking" {
			t.Errorf("response_mode = %v, want blocking", req["response_mode"])
		}

		fmt.Fprint(w, `{"answer":"full answer","metadata":{"retriever_resources":[{"content":"snippet","document_id":"doc1","document_name":"Doc One"}]}}`)
	}))
	defer srv.Close()

	kb := services.NewKnowledgeBackend(srv.URL, "key", 0, discardLogger())
	answer, citations, err := kb.AskBlocking(context.Background(), "hello", "", "tester")
	if err != nil {
		t.Fatalf("AskBlocking() error = %v", err)
	}
	if answer != "full answer" {
		t.Errorf("answer = %q, want %q", answer, "full answer")
	}
	if len(citations) != 1 || citations[0].DocumentID != "doc1" {
		t.Errorf("citations = %+v", citations)
	}
	if citations[0].Score != nil {
		t.Errorf("score = %v, want absent", *citations[0].Score)
	}
}

func TestMockKnowledgeBackendIsDeterministic(t *testing.T) {
	kb := services.NewMockKnowledgeBackend()

	first := collectResults(kb, "anything")
	second := collectResults(kb, "something else entirely")

	if len(first) != len(second) {
		t.Fatalf("runs differ in length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Text != second[i].Text || first[i].Done != second[i].Done {
			t.Fatalf("runs diverge at result %d", i)
		}
	}

	var sb strings.Builder
	for _, res := range first[:len(first)-1] {
		if res.Done {
			t.Fatal("non-final result is terminal")
		}
		sb.WriteString(res.Text)
	}
	if sb.Len() == 0 {
		t.Error("mock produced no answer text")
	}

	last := first[len(first)-1]
	if !last.Done {
		t.Error("mock sequence does not end with a terminal result")
	}
	if len(last.Citations) != 1 {
		t.Errorf("mock terminal citations = %d, want 1", len(last.Citations))
	}
}
