package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/solvia/usage-gateway/internal/provider"
)

func TestStreamGenerate_Mock(t *testing.T) {
	var gotReq geminiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotReq)

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{"Hello", " world", "!"}
		for _, chunk := range chunks {
			resp := geminiResponse{
				Candidates: []geminiCandidate{
					{
						Content: geminiContent{
							Parts: []geminiPart{{Text: chunk}},
						},
					},
				},
			}
			data, _ := json.Marshal(resp)
			fmt.Fprintf(w, "data: %s\n\n", string(data))
		}
	}))
	defer server.Close()

	p := &GeminiProvider{
		apiKey:  "test-key",
		model:   "gemini-2.0-flash",
		baseURL: server.URL,
	}

	req := &provider.Request{
		System: "You are a helpful assistant.",
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
		},
		MaxOutputTokens: 1024,
		Temperature:     0.85,
		TopP:            0.95,
		TopK:            40,
	}

	ch, err := p.StreamGenerate(context.Background(), req)
	if err != nil {
		t.Fatalf("StreamGenerate failed: %v", err)
	}

	var content string
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("Received error from chunk: %v", chunk.Err)
		}
		if chunk.Done {
			done = true
			continue
		}
		content += chunk.Delta
	}

	if !done {
		t.Error("Expected stream to be done")
	}
	if content != "Hello world!" {
		t.Errorf("Expected 'Hello world!', got %s", content)
	}

	if gotReq.SystemInstruction == nil || gotReq.SystemInstruction.Parts[0].Text != "You are a helpful assistant." {
		t.Errorf("Expected system instruction to be forwarded, got %+v", gotReq.SystemInstruction)
	}
	if gotReq.GenerationConfig.MaxOutputTokens != 1024 {
		t.Errorf("Expected token ceiling 1024, got %d", gotReq.GenerationConfig.MaxOutputTokens)
	}
}

func TestStreamGenerate_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer server.Close()

	p := &GeminiProvider{
		apiKey:  "test-key",
		model:   "gemini-2.0-flash",
		baseURL: server.URL,
	}

	ch, err := p.StreamGenerate(context.Background(), &provider.Request{
		Messages:        []provider.Message{{Role: "user", Content: "hi"}},
		MaxOutputTokens: 256,
	})
	if err != nil {
		t.Fatalf("StreamGenerate failed: %v", err)
	}

	var gotErr error
	for chunk := range ch {
		if chunk.Err != nil {
			gotErr = chunk.Err
		}
	}
	if gotErr == nil {
		t.Fatal("Expected an error chunk for upstream 500")
	}
}
