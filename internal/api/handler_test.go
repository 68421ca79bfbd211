package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kalambet/finq/internal/answer"
	"github.com/kalambet/finq/internal/ingest"
	"github.com/kalambet/finq/internal/router"
)

// --- mocks ---

type mockQueryRouter struct {
	route func(ctx context.Context, q router.Query, history *answer.History) (*router.Response, error)
}

func (m *mockQueryRouter) Route(ctx context.Context, q router.Query, history *answer.History) (*router.Response, error) {
	return m.route(ctx, q, history)
}

type mockProcessor struct {
	process func(ctx context.Context, ev ingest.Event) error
}

func (m *mockProcessor) Process(ctx context.Context, ev ingest.Event) error {
	return m.process(ctx, ev)
}

// --- helpers ---

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body["status"] != "error" {
		t.Errorf("expected status error, got %q", body["status"])
	}
	return body["error"]
}

// --- tests ---

func TestHealth(t *testing.T) {
	handler := NewHandler(Deps{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestRetrieve(t *testing.T) {
	var gotQuery router.Query
	handler := NewHandler(Deps{
		Router: &mockQueryRouter{route: func(_ context.Context, q router.Query, _ *answer.History) (*router.Response, error) {
			gotQuery = q
			return &router.Response{Mode: "semantic", Query: q.Text, Answer: "coffee mostly"}, nil
		}},
	})

	rec := postJSON(t, handler, "/retrieve", RetrieveRequest{
		Query:     "what do I buy at cafes",
		UserID:    "u1",
		AccountID: "a1",
		TopK:      3,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotQuery.UserID != "u1" || gotQuery.AccountID != "a1" || gotQuery.TopK != 3 {
		t.Errorf("request not passed through: %+v", gotQuery)
	}

	var resp router.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Answer != "coffee mostly" || resp.Mode != "semantic" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestRetrieve_InputErrorsAre400(t *testing.T) {
	handler := NewHandler(Deps{
		Router: &mockQueryRouter{route: func(_ context.Context, q router.Query, _ *answer.History) (*router.Response, error) {
			if q.UserID == "" || q.AccountID == "" {
				return nil, router.ErrMissingTenant
			}
			return nil, router.ErrMissingQuery
		}},
	})

	rec := postJSON(t, handler, "/retrieve", RetrieveRequest{Query: "total spend"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); msg == "" {
		t.Error("error message must not be empty")
	}
}

func TestRetrieve_PipelineErrorIs500(t *testing.T) {
	handler := NewHandler(Deps{
		Router: &mockQueryRouter{route: func(context.Context, router.Query, *answer.History) (*router.Response, error) {
			return nil, errors.New("planner produced no statement")
		}},
	})

	rec := postJSON(t, handler, "/retrieve", RetrieveRequest{Query: "sum", UserID: "u", AccountID: "a"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	decodeError(t, rec)
}

func TestRetrieve_SessionsShareHistory(t *testing.T) {
	var histories []*answer.History
	handler := NewHandler(Deps{
		Router: &mockQueryRouter{route: func(_ context.Context, q router.Query, history *answer.History) (*router.Response, error) {
			histories = append(histories, history)
			return &router.Response{Answer: "ok"}, nil
		}},
	})

	req := RetrieveRequest{Query: "q", UserID: "u", AccountID: "a", SessionID: "s1"}
	postJSON(t, handler, "/retrieve", req)
	postJSON(t, handler, "/retrieve", req)
	req.SessionID = "s2"
	postJSON(t, handler, "/retrieve", req)
	req.SessionID = ""
	postJSON(t, handler, "/retrieve", req)
	postJSON(t, handler, "/retrieve", req)

	if len(histories) != 5 {
		t.Fatalf("expected 5 routed requests, got %d", len(histories))
	}
	if histories[0] != histories[1] {
		t.Error("same session id must share one history")
	}
	if histories[0] == histories[2] {
		t.Error("different session ids must not share history")
	}
	if histories[3] == histories[4] {
		t.Error("requests without session id must get isolated histories")
	}
}

func TestWebhook(t *testing.T) {
	var gotEvent ingest.Event
	handler := NewHandler(Deps{
		Processor: &mockProcessor{process: func(_ context.Context, ev ingest.Event) error {
			gotEvent = ev
			return nil
		}},
	})

	rec := postJSON(t, handler, "/webhook", ingest.Event{
		Type:   ingest.OpInsert,
		Table:  "transactions",
		Record: map[string]any{"id": "t1", "category": "groceries"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotEvent.Type != ingest.OpInsert || gotEvent.Record["id"] != "t1" {
		t.Errorf("event not passed through: %+v", gotEvent)
	}
}

func TestWebhook_Validation(t *testing.T) {
	handler := NewHandler(Deps{Processor: &mockProcessor{process: func(context.Context, ingest.Event) error {
		t.Fatal("processor must not run for invalid events")
		return nil
	}}})

	rec := postJSON(t, handler, "/webhook", map[string]any{"table": "transactions"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing type, got %d", rec.Code)
	}
}

func TestWebhook_ProcessorError(t *testing.T) {
	handler := NewHandler(Deps{Processor: &mockProcessor{process: func(context.Context, ingest.Event) error {
		return errors.New("embed quota exceeded")
	}}})

	rec := postJSON(t, handler, "/webhook", ingest.Event{Type: ingest.OpInsert, Record: map[string]any{"id": "t1"}})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	handler := NewHandler(Deps{
		Token: "secret",
		Router: &mockQueryRouter{route: func(context.Context, router.Query, *answer.History) (*router.Response, error) {
			return &router.Response{Answer: "ok"}, nil
		}},
	})

	body := []byte(`{"query":"q","userid":"u","accountid":"a"}`)

	req := httptest.NewRequest(http.MethodPost, "/retrieve", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/retrieve", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/retrieve", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with valid token, got %d", rec.Code)
	}

	// Health stays open.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health must not require auth, got %d", rec.Code)
	}
}
