package capability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func testInferenceClient(t *testing.T, handler http.HandlerFunc) *InferenceClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewInferenceClient(InferenceConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "test-model",
	}, nil)
}

func TestGenerateText(t *testing.T) {
	t.Parallel()

	client := testInferenceClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("expected system message first, got %+v", req.Messages)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hello back"}},
			},
		})
	})

	gen, err := client.Generate(context.Background(),
		[]ChatMessage{{Role: "user", Content: "hello"}},
		"be brief", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gen.Text != "hello back" {
		t.Errorf("Text = %q, want %q", gen.Text, "hello back")
	}
	if len(gen.Calls) != 0 {
		t.Errorf("unexpected tool calls: %+v", gen.Calls)
	}
}

func TestGenerateToolCalls(t *testing.T) {
	t.Parallel()

	client := testInferenceClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model",
			"choices": []map[string]any{
				{"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{
						{
							"id": "call_1",
							"function": map[string]any{
								"name":      "dispatch_agent",
								"arguments": `{"task":"check mail"}`,
							},
						},
					},
				}},
			},
		})
	})

	gen, err := client.Generate(context.Background(),
		[]ChatMessage{{Role: "user", Content: "any new mail?"}}, "", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(gen.Calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(gen.Calls))
	}
	if gen.Calls[0].Name != "dispatch_agent" {
		t.Errorf("call name = %q", gen.Calls[0].Name)
	}
	var args struct {
		Task string `json:"task"`
	}
	if err := json.Unmarshal(gen.Calls[0].Arguments, &args); err != nil {
		t.Fatalf("unmarshal arguments: %v", err)
	}
	if args.Task != "check mail" {
		t.Errorf("task = %q", args.Task)
	}
}

func TestGenerateRetriesMalformedOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := testInferenceClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Write([]byte("not json at all"))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "second try"}},
			},
		})
	})

	gen, err := client.Generate(context.Background(),
		[]ChatMessage{{Role: "user", Content: "ping"}}, "", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gen.Text != "second try" {
		t.Errorf("Text = %q", gen.Text)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server called %d times, want 2", got)
	}
}

func TestGenerateMalformedTwiceSurfaces(t *testing.T) {
	t.Parallel()

	client := testInferenceClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("still not json"))
	})

	_, err := client.Generate(context.Background(),
		[]ChatMessage{{Role: "user", Content: "ping"}}, "", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := KindOf(err); got != KindMalformed {
		t.Errorf("KindOf = %s, want malformed", got)
	}
}

func TestGenerateStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		kind   ErrorKind
	}{
		{"rate limited", 429, `{"error":"rate limit"}`, KindRateLimited},
		{"server error", 503, "", KindTransient},
		{"unauthorized", 401, "", KindAuthRequired},
		{"bad request", 400, `{"error":"unknown model"}`, KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client := testInferenceClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := client.Generate(context.Background(),
				[]ChatMessage{{Role: "user", Content: "x"}}, "", nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := KindOf(err); got != tt.kind {
				t.Errorf("KindOf = %s, want %s", got, tt.kind)
			}
		})
	}
}

func TestGenerateMissingBaseURL(t *testing.T) {
	t.Parallel()

	client := NewInferenceClient(InferenceConfig{}, nil)
	_, err := client.Generate(context.Background(), nil, "", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := KindOf(err); got != KindPermanent {
		t.Errorf("KindOf = %s, want permanent", got)
	}
}
